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

// Package scheduler implements the per-core event scheduler (C3):
// assignment of events to counters, multiplex/overflow rounds, and the
// per-core timer loop. It generalizes the teacher emulator's single
// global CPU (one register bank, one program counter) to an array of
// per-core contexts, one goroutine per core standing in for the per-core
// timer DPC called out in spec.md §4.3/§5 and redesigned in §9 as
// message passing instead of a callback-heavy DPC style.
package scheduler

import (
	"sync"

	"github.com/windowsperf-go/wperf-core/internal/regs"
	"github.com/windowsperf-go/wperf-core/internal/trace"
)

// MaxManagedCoreEvents bounds the per-core pseudo-event array (spec.md §3:
// "up to 128" scheduled events per core).
const MaxManagedCoreEvents = 128

// MaxCores is the largest core count a scheduler supports
// (spec.md §3, MAX_PMU_CTL_CORES_COUNT).
const MaxCores = 128

// CycleEventIndex is the logical slot always reserved for the fixed
// cycle event (spec.md §4.3: "The cycle event is always reserved at
// logical index 0 and bound to the fixed counter").
const CycleEventIndex = 0

// NumFPC is the number of fixed-purpose counters per core: exactly one,
// the cycle counter.
const NumFPC = 1

// PseudoEvent is the logical event known to the scheduler (spec.md §3).
type PseudoEvent struct {
	EventID            uint32
	FilterBits         uint64
	AssignedCounterIdx int // regs.InvalidCounterIndex if unassigned
	IRQEnable          bool
	AccumulatedValue   uint64
	ScheduledRounds    uint64

	lastRead uint64 // only zeroed by Reset; rounds reset the counters and add the raw value
}

// ProfilingMode describes whether a core is counting all of its assigned
// events every round (ProfNormal) or must multiplex them across the
// available GPCs (ProfMultiplex), per spec.md §4.3 START.
type ProfilingMode int

const (
	ProfNormal ProfilingMode = iota
	ProfMultiplex
)

// CoreInfo is the per-logical-CPU scheduling context (spec.md §3).
type CoreInfo struct {
	idx int

	mu     sync.Mutex
	events []PseudoEvent
	round  uint64
	mode   ProfilingMode

	regs    *regs.RegisterFile
	indexMap IndexMap
	freeGPC int

	timerCancel chan struct{}
	timerDone   chan struct{}

	resetWG *sync.WaitGroup // signaled once this core's reset converges

	log *trace.Log
}

// IndexMap is the injective logical->physical counter mapping established
// at session-lock time (spec.md §3, Counter Index Map). Logical index 31
// always maps to the fixed cycle counter at physical 31.
type IndexMap [regs.MaxGPC + 1]int

// NewIdentityIndexMap builds the index map a session lock establishes
// after probing which physical counters are free: logical i -> physical
// i for i in [0, freeGPC), logical 31 -> physical 31 (fixed).
func NewIdentityIndexMap(freeGPC int) IndexMap {
	var m IndexMap
	for i := range m {
		m[i] = regs.InvalidCounterIndex
	}
	for i := 0; i < freeGPC && i < regs.MaxGPC; i++ {
		m[i] = i
	}
	m[regs.FixedCounterIndex] = regs.FixedCounterIndex
	return m
}

func newCoreInfo(idx int, rf *regs.RegisterFile, im IndexMap, freeGPC int, log *trace.Log) *CoreInfo {
	return &CoreInfo{
		idx:      idx,
		regs:     rf,
		indexMap: im,
		freeGPC:  freeGPC,
		log:      log,
	}
}

// Events returns a copy of the core's current pseudo-event list, safe to
// read without racing the timer goroutine.
func (c *CoreInfo) Events() []PseudoEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PseudoEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Round returns the core's current round counter.
func (c *CoreInfo) Round() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// IndexMap returns the core's logical->physical counter index map,
// established at session-lock time (spec.md §3, Counter Index Map). It
// is read by QUERY_HW_CFG (spec.md §6, hw_cfg.counter_idx_map).
func (c *CoreInfo) IndexMap() IndexMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexMap
}

// FreeGPC returns the number of general-purpose counters available to
// this core.
func (c *CoreInfo) FreeGPC() int {
	return c.freeGPC
}
