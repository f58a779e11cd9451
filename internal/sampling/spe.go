// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package sampling

import (
	"sync"
	"time"

	"github.com/windowsperf-go/wperf-core/internal/regs"
	"github.com/windowsperf-go/wperf-core/internal/trace"
)

// SPETimerPeriod is how often the watchdog checks the SPE buffer pointer
// against its limit (spec.md §4.4, SPE ring-buffer management).
const SPETimerPeriod = 500 * time.Millisecond

// SPEBufferThreshold is how many bytes of headroom the watchdog leaves
// before disabling buffer-enable, so the final partial record is never
// split across the limit.
const SPEBufferThreshold = 256

// SPEEngine wraps a per-core SPE register file with a watchdog goroutine
// that polls the buffer pointer and disables buffer-enable before the
// buffer fills, the same "don't let the last write straddle the limit"
// rule the counter overflow logic applies to GPCs (spec.md §4.1, §4.4).
type SPEEngine struct {
	mu   sync.Mutex
	regs *regs.SPERegisterFile
	log  *trace.Log

	cancel chan struct{}
	done    chan struct{}
}

// NewSPEEngine returns an engine bound to rf.
func NewSPEEngine(rf *regs.SPERegisterFile, log *trace.Log) *SPEEngine {
	return &SPEEngine{regs: rf, log: log}
}

// Start arms SPE sampling and the watchdog goroutine (SPE_START).
func (e *SPEEngine) Start(operationFilter uint8, eventFilter uint64, configFlags uint32, interval uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.regs.Start(operationFilter, eventFilter, configFlags, interval)
	e.stopWatchdogLocked()
	e.cancel = make(chan struct{})
	e.done = make(chan struct{})
	go e.watchdog(e.cancel, e.done)
}

// Stop disarms SPE sampling and the watchdog (SPE_STOP).
func (e *SPEEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopWatchdogLocked()
	e.regs.Stop()
}

func (e *SPEEngine) stopWatchdogLocked() {
	if e.cancel != nil {
		close(e.cancel)
		done := e.done
		e.mu.Unlock()
		<-done
		e.mu.Lock()
		e.cancel = nil
		e.done = nil
	}
}

// watchdog polls the buffer pointer against the limit every
// SPETimerPeriod and disables buffer-enable once fewer than
// SPEBufferThreshold bytes of headroom remain, so the ISR never writes a
// record that would straddle the end of the buffer.
func (e *SPEEngine) watchdog(cancel, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(SPETimerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			if !e.regs.Enabled() {
				continue
			}
			remaining := e.regs.BufferLimit() - e.regs.BufferPointer()
			if remaining < SPEBufferThreshold {
				e.regs.DisableBufferEnable()
				if e.log != nil {
					e.log.Warnf("spe", "buffer within %d bytes of limit, disabling", SPEBufferThreshold)
				}
			}
		}
	}
}

// CopyBuffer drains size bytes of the SPE ring starting at offset
// (SPE_GET_BUFFER).
func (e *SPEEngine) CopyBuffer(dst []byte, offset, size uint64) (int, error) {
	return e.regs.CopyBuffer(dst, offset, size)
}
