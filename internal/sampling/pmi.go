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

	"github.com/pkg/errors"

	"github.com/windowsperf-go/wperf-core/internal/regs"
	"github.com/windowsperf-go/wperf-core/internal/trace"
)

// SampleSrcDesc describes one sampling source (spec.md §6, SampleSrcDesc).
type SampleSrcDesc struct {
	EventSrc   uint32
	Interval   uint32
	FilterBits uint32
}

// CycleSentinel marks the cycle event in a SampleSrcDesc.EventSrc, always
// bound to the fixed counter (spec.md §4.4, "cycle event goes to
// counter 31").
const CycleSentinel = 0

// ErrNoFreeCounter is returned when SetSrc runs out of general-purpose
// counters for a requested non-cycle source.
var ErrNoFreeCounter = errors.New("sampling: no free counter for source")

// CoreSampler is the per-core sampling context: register file, ring, and
// the bookkeeping SAMPLE_SET_SRC/SAMPLE_START/SAMPLE_STOP/PMI need.
type CoreSampler struct {
	mu sync.Mutex

	regs *regs.RegisterFile
	ring *Ring
	log  *trace.Log

	preload      map[int]uint64 // physIdx -> reload value
	overflowMask uint32
}

// NewCoreSampler returns a sampler bound to rf's register file.
func NewCoreSampler(rf *regs.RegisterFile, log *trace.Log) *CoreSampler {
	return &CoreSampler{
		regs:    rf,
		ring:    &Ring{},
		log:     log,
		preload: make(map[int]uint64),
	}
}

// SetSrc implements SAMPLE_SET_SRC (spec.md §4.4): greedily binds each
// source to a GPC (the cycle source always takes the fixed counter),
// preloads each bound counter to 0xFFFFFFFF-interval so it overflows
// after exactly interval occurrences, enables its IRQ, and disables IRQ
// on every GPC not participating in this run. overflow_mask records
// which physical counters are active. A cycle source is only recorded in
// the preload table and overflow_mask at the fixed counter; the fixed
// counter itself is not written, enabled or IRQ-enabled here.
//
// Per spec.md §9 Open Question 1, whether a repeated source is
// idempotent is left unresolved by the original; this implementation's
// decision is recorded in DESIGN.md.
func (s *CoreSampler) SetSrc(sources []SampleSrcDesc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.preload = make(map[int]uint64)
	s.overflowMask = 0
	s.regs.CounterIRQDisable(^uint32(0))

	nextGPC := 0
	for _, src := range sources {
		var physIdx int
		if src.EventSrc == CycleSentinel {
			physIdx = regs.FixedCounterIndex
		} else {
			if nextGPC >= regs.MaxGPC {
				return errors.Wrapf(ErrNoFreeCounter, "source event %#x", src.EventSrc)
			}
			physIdx = nextGPC
			nextGPC++
			if err := s.regs.CounterSetType(physIdx, src.EventSrc, uint64(src.FilterBits)); err != nil {
				return err
			}
		}

		reload := uint64(0xFFFFFFFF) - uint64(src.Interval)
		s.preload[physIdx] = reload
		if physIdx != regs.FixedCounterIndex {
			_ = s.regs.WriteCounter(physIdx, reload)
			s.regs.CounterEnable(1 << uint(physIdx))
			s.regs.CounterIRQEnable(1 << uint(physIdx))
		}
		s.overflowMask |= 1 << uint(physIdx%32)
	}
	return nil
}

// Start enables the counters on this core (SAMPLE_START).
func (s *CoreSampler) Start() {
	s.regs.CounterStart()
}

// Stop disables counters and masks IRQs, returning the summary
// { samples_generated, samples_dropped } (SAMPLE_STOP).
func (s *CoreSampler) Stop() (generated, dropped uint64) {
	s.regs.CounterStop()
	s.regs.CounterIRQDisable(^uint32(0))
	return s.ring.Summary()
}

// Drain implements SAMPLE_GET.
func (s *CoreSampler) Drain() []SampleFrame {
	return s.ring.Drain()
}

// PMI simulates the overflow-interrupt handler (spec.md §4.4): read and
// clear the overflow-flag register, mask against overflow_mask, and if
// any bit survives, try (without waiting) to push a frame; on success,
// reload every overflowed counter and keep counting. This method must
// never block and never allocate on the hot path — the only allocation
// is the frame value itself, which is a small fixed-size struct passed
// by value, matching the no-blocking/no-allocation ISR contract. If
// SetSrc holds the sampler's lock, the interrupt is counted as dropped.
func (s *CoreSampler) PMI(rawOverflowFlags uint64, lr, pc uint64) {
	if !s.mu.TryLock() {
		s.ring.dropMu.Lock()
		s.ring.dropped++
		s.ring.dropMu.Unlock()
		return
	}
	mask := s.overflowMask
	preload := s.preload
	s.mu.Unlock()

	flags := rawOverflowFlags & uint64(mask)
	if flags == 0 {
		return
	}

	pushed := s.ring.TryPush(SampleFrame{LR: lr, PC: pc, OverflowFlags: flags})
	if !pushed {
		return
	}

	s.regs.CounterStop()
	for physIdx, reload := range preload {
		if flags&(1<<uint(physIdx%32)) != 0 {
			_ = s.regs.WriteCounter(physIdx, reload)
		}
	}
	s.regs.CounterStart()
}
