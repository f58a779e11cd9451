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

// Package regs models the per-core PMU/DSU/DMC/SPE register banks (C1).
// It is the one package allowed to touch "hardware" state directly; every
// other component reaches counters only through the typed accessors here.
//
// The register bank shape (a fixed-size array indexed by a privilege/mode
// axis, gated accessors, a reserved fixed-purpose slot) is carried over
// from the special-purpose-register bank in the teacher emulator's
// cpu.spr [2][128]uint16 (spr.go): there, SPR_CYCLO/SPR_CYCHI synthesize
// the cycle value on read instead of storing it directly, and privileged
// SPRs are gated by mode. Here the same shape gates GPC access by the
// logical->physical index map instead of by privilege mode.
package regs

import (
	"sync"

	"github.com/pkg/errors"
)

// MaxGPC is the number of general-purpose (programmable) counters a PMU
// register file exposes, physical indices 0..30. Physical index 31 is
// always the fixed cycle counter (spec.md §3, Counter Index Map).
const MaxGPC = 31

// FixedCounterIndex is the physical index of the fixed cycle counter.
const FixedCounterIndex = 31

// InvalidCounterIndex marks a logical event with no assigned physical
// counter (spec.md §4.3, ASSIGN_EVENTS).
const InvalidCounterIndex = -1

// ErrInvalidIndex is returned (never panics on) operations addressing a
// physical counter index outside [0, MaxGPC). Per spec.md §4.1 the caller
// is expected to log-and-skip rather than fail the whole request.
var ErrInvalidIndex = errors.New("regs: invalid physical counter index")

// ErrInsufficientResources signals an MMIO map or allocation failure
// during register-file initialization (spec.md §4.1, §7).
var ErrInsufficientResources = errors.New("regs: insufficient resources")

// RegisterFile models one core's PMU: control register, per-counter event
// selectors, enable/irq-enable bitmasks, and the simulated counter values
// a real core would increment in hardware. All reads/writes are under a
// single mutex — there is no finer-grained hardware concurrency to model
// on a uniprocessor register bank.
type RegisterFile struct {
	mu sync.Mutex

	pmcr        uint64
	enabled     uint32 // bit i set => physical counter i is started
	irqEnabled  uint32 // bit i set => counter i signals overflow
	eventSel    [MaxGPC]uint64
	gpcValue    [MaxGPC]uint64
	longEvent   bool
	cycleValue  uint64
	lastCycle   uint64 // last value returned by ReadCycleDelta (§4.1 deviation)
}

// NewRegisterFile returns a zeroed register file, counters stopped.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{}
}

// PMCRGet reads the control register.
func (r *RegisterFile) PMCRGet() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pmcr
}

// PMCRSet writes the control register.
func (r *RegisterFile) PMCRSet(v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pmcr = v
}

// CounterStart flips the global enable bit. It never resets the cycle
// counter: other kernel consumers (ThreadProfiling and similar) may be
// reading it concurrently, so this file tracks a last-read snapshot and
// reports deltas instead (see ReadCycleDelta). The isb-equivalent barrier
// on entry/exit is modeled as taking the lock around the whole bitmask
// flip, matching the teacher's style of bracketing register writes
// with explicit before/after steps rather than relying on compiler
// ordering (cpu.go's load/store helpers each take the CPU lock in turn).
func (r *RegisterFile) CounterStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pmcr |= 0x1
}

// CounterStop flips the global enable bit off.
func (r *RegisterFile) CounterStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pmcr &^= 0x1
}

// CounterReset clears the general-purpose counters but never the cycle
// counter, and sets the long-event bit on supporting parts (spec.md §4.1).
func (r *RegisterFile) CounterReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.gpcValue {
		r.gpcValue[i] = 0
	}
	r.longEvent = true
}

// CounterDisable clears the enable bit for every counter set in mask.
func (r *RegisterFile) CounterDisable(mask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled &^= mask
}

// CounterEnable sets the enable bit for every counter set in mask.
func (r *RegisterFile) CounterEnable(mask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled |= mask
}

// CounterIRQEnable sets the irq-enable bit for every counter set in mask.
func (r *RegisterFile) CounterIRQEnable(mask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.irqEnabled |= mask
}

// CounterIRQDisable clears the irq-enable bit for every counter set in mask.
func (r *RegisterFile) CounterIRQDisable(mask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.irqEnabled &^= mask
}

// IRQEnabled reports the current irq-enable bitmask (used by the sampling
// engine to compute overflow_mask, spec.md §4.4).
func (r *RegisterFile) IRQEnabled() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.irqEnabled
}

// CounterSetType writes the per-counter event selector. physIdx must
// already be a physical index — the logical->physical translation is the
// caller's job via the Counter Index Map (spec.md §4.1).
func (r *RegisterFile) CounterSetType(physIdx int, eventCode uint32, filterBits uint64) error {
	if physIdx < 0 || physIdx >= MaxGPC {
		return errors.Wrapf(ErrInvalidIndex, "CounterSetType(%d)", physIdx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventSel[physIdx] = uint64(eventCode) | filterBits<<32
	return nil
}

// ReadCounter returns the raw value of a general-purpose counter.
func (r *RegisterFile) ReadCounter(physIdx int) (uint64, error) {
	if physIdx < 0 || physIdx >= MaxGPC {
		return 0, errors.Wrapf(ErrInvalidIndex, "ReadCounter(%d)", physIdx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gpcValue[physIdx], nil
}

// WriteCounter preloads a general-purpose counter value. Used by the
// sampling engine to arm interval-based overflow (spec.md §4.4,
// SAMPLE_SET_SRC: preload = 0xFFFFFFFF - interval) and by tests to
// simulate hardware advancing a counter.
func (r *RegisterFile) WriteCounter(physIdx int, v uint64) error {
	if physIdx < 0 || physIdx >= MaxGPC {
		return errors.Wrapf(ErrInvalidIndex, "WriteCounter(%d)", physIdx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gpcValue[physIdx] = v
	return nil
}

// AdvanceCounter simulates the hardware incrementing a started,
// non-overflowed counter by n events. Only counters with their enable bit
// set in r.enabled advance; this lets tests and the scheduler's
// round-tick driver simulate event occurrence without a real core.
// Returns true if the counter overflowed (wrapped past 0xFFFFFFFF).
func (r *RegisterFile) AdvanceCounter(physIdx int, n uint64) (overflowed bool, err error) {
	if physIdx < 0 || physIdx >= MaxGPC {
		return false, errors.Wrapf(ErrInvalidIndex, "AdvanceCounter(%d)", physIdx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled&(1<<uint(physIdx)) == 0 {
		return false, nil
	}
	next := r.gpcValue[physIdx] + n
	if next > 0xFFFFFFFF {
		overflowed = true
		next &= 0xFFFFFFFF
	}
	r.gpcValue[physIdx] = next
	return overflowed, nil
}

// AdvanceCycle simulates the fixed cycle counter ticking forward. It is
// never reset by CounterReset/CounterStop, matching real hardware where
// other kernel consumers may depend on it running continuously.
func (r *RegisterFile) AdvanceCycle(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycleValue += n
}

// ReadCycleDelta implements the counter-delta accounting deviation
// documented in spec.md §4.1: rather than resetting the fixed counter,
// the register file remembers the last value it reported and returns the
// difference, clamping to zero if the raw value appears to have gone
// backwards (a missed-wrap anomaly per Invariant 5 in spec.md §8).
func (r *RegisterFile) ReadCycleDelta() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cycleValue
	var delta uint64
	if cur >= r.lastCycle {
		delta = cur - r.lastCycle
	}
	r.lastCycle = cur
	return delta
}
