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

package scheduler

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/windowsperf-go/wperf-core/internal/affinity"
	"github.com/windowsperf-go/wperf-core/internal/regs"
	"github.com/windowsperf-go/wperf-core/internal/trace"
)

// Default period bounds (spec.md §4.3). The original driver headers this
// is ported from did not ship with their numeric PMU_CTL_START_PERIOD*
// values in the retrieval pack, so these defaults are a documented design
// decision — see DESIGN.md's Open Questions section — not a guess about
// the original binary constant.
const (
	PeriodMin     = 10 * time.Millisecond
	PeriodMax     = 10 * time.Second
	DefaultPeriod = 100 * time.Millisecond
)

// ErrUnknownCore is returned for operations addressing a core index the
// scheduler was not configured with.
var ErrUnknownCore = errors.New("scheduler: unknown core index")

// ErrTooManyEvents is returned when ASSIGN_EVENTS would exceed
// MaxManagedCoreEvents.
var ErrTooManyEvents = errors.New("scheduler: too many events for one core")

// Scheduler owns one CoreInfo per managed logical core (C3).
type Scheduler struct {
	mu      sync.Mutex
	cores   map[int]*CoreInfo
	freeGPC int
	log     *trace.Log
}

// New creates a scheduler with freeGPC general-purpose counters available
// per core (established by the session lock's counter-index-map probe).
func New(freeGPC int, log *trace.Log) *Scheduler {
	return &Scheduler{
		cores:   make(map[int]*CoreInfo),
		freeGPC: freeGPC,
		log:     log,
	}
}

// EnsureCore registers core idx with its own register file if not already
// present, returning the CoreInfo either way.
func (s *Scheduler) EnsureCore(idx int, rf *regs.RegisterFile) *CoreInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cores[idx]; ok {
		return c
	}
	im := NewIdentityIndexMap(s.freeGPC)
	c := newCoreInfo(idx, rf, im, s.freeGPC, s.log)
	s.cores[idx] = c
	return c
}

// Core returns the CoreInfo registered for idx, or ErrUnknownCore if
// EnsureCore was never called for it.
func (s *Scheduler) Core(idx int) (*CoreInfo, error) {
	return s.core(idx)
}

func (s *Scheduler) core(idx int) (*CoreInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cores[idx]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCore, "core %d", idx)
	}
	return c, nil
}

// AssignEvents implements ASSIGN_EVENTS (spec.md §4.3): stores eventIDs
// into core idx's pseudo-event array, binding physical counters to the
// first min(N, freeGPC) of them through the index map; the remainder are
// marked with an invalid counter index. The cycle event is always
// prepended at logical index 0, bound to the fixed counter.
func (s *Scheduler) AssignEvents(coreIdx int, eventIDs []uint32, filterBits []uint64) error {
	c, err := s.core(coreIdx)
	if err != nil {
		return err
	}

	if len(eventIDs)+NumFPC > MaxManagedCoreEvents {
		return errors.Wrapf(ErrTooManyEvents, "core %d: %d events", coreIdx, len(eventIDs))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	events := make([]PseudoEvent, 0, len(eventIDs)+NumFPC)
	events = append(events, PseudoEvent{
		EventID:            0, // cycle event
		AssignedCounterIdx: c.indexMap[regs.FixedCounterIndex],
	})

	assignable := len(eventIDs)
	if assignable > c.freeGPC {
		assignable = c.freeGPC
	}

	for i, eid := range eventIDs {
		fb := uint64(0)
		if i < len(filterBits) {
			fb = filterBits[i]
		}
		pe := PseudoEvent{EventID: eid, FilterBits: fb, AssignedCounterIdx: regs.InvalidCounterIndex}
		if i < assignable {
			pe.AssignedCounterIdx = c.indexMap[i]
			if pe.AssignedCounterIdx != regs.InvalidCounterIndex {
				_ = c.regs.CounterSetType(pe.AssignedCounterIdx, eid, fb)
			}
		}
		events = append(events, pe)
	}

	c.events = events
	c.round = 0
	return nil
}

// multiplexNeeded applies spec.md §4.3's START rule: multiplex iff the
// number of requested events exceeds the GPCs available plus the fixed
// counter.
func multiplexNeeded(eventsNum, freeGPC int) bool {
	return eventsNum > freeGPC+NumFPC
}

// Start arms the per-core timer loop for each of cores (spec.md §4.3
// START). period is clamped to [PeriodMin, PeriodMax]; the timer tick
// interval doubles when the core is not multiplexing, to accommodate the
// wider overflow window spec.md describes.
func (s *Scheduler) Start(cores []int, period time.Duration) error {
	if period < PeriodMin {
		period = PeriodMin
	}
	if period > PeriodMax {
		period = PeriodMax
	}

	for _, idx := range cores {
		c, err := s.core(idx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		eventsNum := len(c.events)
		if multiplexNeeded(eventsNum, c.freeGPC) {
			c.mode = ProfMultiplex
		} else {
			c.mode = ProfNormal
		}
		tick := period
		if c.mode != ProfMultiplex {
			tick = period * 2
		}
		c.stopTimerLocked()
		c.timerCancel = make(chan struct{})
		c.timerDone = make(chan struct{})
		c.regs.CounterStart()
		go c.runTimerLoop(tick)
		c.mu.Unlock()
	}
	return nil
}

// Stop cancels the per-core timer for each of cores (PMU_CTL_STOP).
func (s *Scheduler) Stop(cores []int) error {
	for _, idx := range cores {
		c, err := s.core(idx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.stopTimerLocked()
		c.regs.CounterStop()
		c.mu.Unlock()
	}
	return nil
}

// Reset cancels each core's timer, zeroes its pseudo-event values and
// round counter, resets its register file, and waits for every targeted
// core's reset to converge before returning — the idiomatic analogue of
// the original's KEVENT signaled when a completion counter reaches
// cores_count (spec.md §4.3 RESET).
func (s *Scheduler) Reset(cores []int) error {
	var wg sync.WaitGroup
	for _, idx := range cores {
		c, err := s.core(idx)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(c *CoreInfo) {
			defer wg.Done()
			if err := affinity.Pin(c.idx); err == nil {
				defer affinity.Unpin()
			}
			c.mu.Lock()
			c.stopTimerLocked()
			for i := range c.events {
				c.events[i].AccumulatedValue = 0
				c.events[i].ScheduledRounds = 0
				c.events[i].lastRead = 0
			}
			c.round = 0
			c.regs.CounterReset()
			c.mu.Unlock()
		}(c)
	}
	wg.Wait()
	return nil
}

// stopTimerLocked cancels the running timer goroutine, if any. Caller
// must hold c.mu.
func (c *CoreInfo) stopTimerLocked() {
	if c.timerCancel != nil {
		close(c.timerCancel)
		done := c.timerDone
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		c.timerCancel = nil
		c.timerDone = nil
	}
}

// runTimerLoop is the per-core timer goroutine standing in for the
// original per-core timer DPC (spec.md §4.3, §5). It is pinned to this
// core's own CoreInfo and never touches another core's state, giving the
// total per-core ordering spec.md §4.3 requires. It also pins its own OS
// thread to idx for its whole lifetime — the Go-idiomatic realization of
// the "target-processor affinity" contract spec.md §4.6/§5 describes for
// per-core DPCs.
func (c *CoreInfo) runTimerLoop(period time.Duration) {
	defer close(c.timerDone)
	if err := affinity.Pin(c.idx); err != nil && c.log != nil {
		c.log.Warnf("scheduler", "core %d: affinity pin failed: %v", c.idx, err)
	}
	defer affinity.Unpin()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.timerCancel:
			return
		case <-ticker.C:
			c.roundTick()
		}
	}
}

// roundTick executes one multiplex or overflow-only round (spec.md §4.3).
func (c *CoreInfo) roundTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	round := c.round
	newRound := round + 1

	c.regs.CounterStop()

	if len(c.events) == 0 {
		c.regs.CounterStart()
		return
	}

	// The fixed cycle counter is always read and never rescheduled.
	c.events[CycleEventIndex].AccumulatedValue += c.regs.ReadCycleDelta()
	c.events[CycleEventIndex].ScheduledRounds++

	movable := c.events[NumFPC:]
	if c.mode == ProfMultiplex && len(movable) > 0 {
		c.multiplexRound(round, newRound, movable)
	} else {
		c.overflowOnlyRound(movable)
	}

	c.round = newRound
	c.regs.CounterReset()
	c.regs.CounterStart()
}

// multiplexRound implements the multiplex timer DPC logic of spec.md
// §4.3 / original_source/wperf-driver/dpc.c's multiplex_dpc: accumulate
// the currently-scheduled window, then program the next window of
// c.freeGPC events starting at (freeGPC*newRound) mod len(movable).
func (c *CoreInfo) multiplexRound(round, newRound uint64, movable []PseudoEvent) {
	n := len(movable)
	startCur := int(uint64(c.freeGPC) * round % uint64(n))
	startNext := int(uint64(c.freeGPC) * newRound % uint64(n))

	for i := 0; i < c.freeGPC && i < n; i++ {
		adj := (startCur + i) % n
		ev := &movable[adj]
		if ev.AssignedCounterIdx == regs.InvalidCounterIndex {
			continue
		}
		v, err := c.regs.ReadCounter(ev.AssignedCounterIdx)
		if err == nil {
			ev.AccumulatedValue += v
			ev.ScheduledRounds++
		}
	}

	for i := 0; i < c.freeGPC && i < n; i++ {
		adj := (startNext + i) % n
		ev := &movable[adj]
		physIdx := c.indexMap[i]
		ev.AssignedCounterIdx = physIdx
		if physIdx != regs.InvalidCounterIndex {
			_ = c.regs.CounterSetType(physIdx, ev.EventID, ev.FilterBits)
		}
	}
}

// overflowOnlyRound implements the non-multiplexed counting path: every
// assigned event is accumulated, nothing is reprogrammed.
func (c *CoreInfo) overflowOnlyRound(movable []PseudoEvent) {
	for i := range movable {
		ev := &movable[i]
		if ev.AssignedCounterIdx == regs.InvalidCounterIndex {
			continue
		}
		v, err := c.regs.ReadCounter(ev.AssignedCounterIdx)
		if err == nil {
			ev.AccumulatedValue += v
			ev.ScheduledRounds++
		}
	}
}
