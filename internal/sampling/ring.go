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

// Package sampling implements sample-based (PC/LR) profiling with
// overflow-interrupt handling and SPE ring-buffer management (C4). The
// bounded ring guarded by a try-lock-or-drop mutex is modeled on the
// teacher emulator's UART FIFOs (emul/cpu.go's txChan/rxChan with their
// txOverflow/rxUnderflow accounting) generalized from a byte FIFO to a
// ring of Sample Frames, and from "overflow drops a byte" to "overflow
// drops a frame and counts it".
package sampling

import "sync"

// RingSize is the fixed per-core sample ring capacity (spec.md §3,
// SAMPLE_CHAIN_BUFFER_SIZE = 128).
const RingSize = 128

// SampleFrame is one PC/LR sample (spec.md §3, §6 FrameChain).
type SampleFrame struct {
	LR            uint64
	PC            uint64
	OverflowFlags uint64
	SPEEventIndex uint32
}

// Ring is the ISR-safe bounded sample buffer for one core (spec.md §4.4).
// The ISR (producer) uses TryPush, which never blocks; SAMPLE_GET
// (consumer) uses Drain, which briefly takes the same lock.
//
// dropMu is a second, always-uncontended lock used only to count a drop
// when TryPush couldn't even get mu — the ISR must never block, so the
// failure path cannot wait on the same lock it just failed to acquire.
type Ring struct {
	mu sync.Mutex

	frames [RingSize]SampleFrame
	idx    int

	generated uint64
	dropped   uint64

	dropMu sync.Mutex
}

// TryPush attempts to append a frame without blocking, matching the
// ISR contract of spec.md §4.4: failure to acquire the lock or a full
// ring both count as a drop rather than blocking or raising an error.
// Returns true if the frame was stored.
func (r *Ring) TryPush(f SampleFrame) bool {
	if !r.mu.TryLock() {
		r.dropMu.Lock()
		r.dropped++
		r.dropMu.Unlock()
		return false
	}
	defer r.mu.Unlock()

	if r.idx >= RingSize {
		r.dropped++
		return false
	}
	r.frames[r.idx] = f
	r.idx++
	r.generated++
	return true
}

// Drain implements SAMPLE_GET (spec.md §4.4): copies out every pending
// frame and resets sample_idx to 0 under the lock.
func (r *Ring) Drain() []SampleFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SampleFrame, r.idx)
	copy(out, r.frames[:r.idx])
	r.idx = 0
	return out
}

// Summary reports the PMUSampleSummary pair (spec.md §6).
func (r *Ring) Summary() (generated, dropped uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generated, r.dropped
}
