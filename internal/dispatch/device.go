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

// Package dispatch implements the IOCTL dispatcher (C6): the per-device
// state machine, the work-item queue that gives a device's requests
// total ordering, the am_i_locking ownership gate, and the handlers that
// translate a wire-encoded request (package ioctl) into calls on the
// session lock (internal/lock), the event scheduler (internal/scheduler),
// the sampling engine (internal/sampling) and the register files
// (internal/regs).
//
// The work-item queue is modeled on the teacher emulator's buffered FIFO
// channels (emul/cpu.go's UART txChan/rxChan): one goroutine drains the
// queue and every request is processed in the order it arrived, giving
// the "sequential queue dispatch" spec.md §4.6/§5 calls for without a
// kernel IRQL to rely on.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/windowsperf-go/wperf-core/internal/affinity"
	"github.com/windowsperf-go/wperf-core/internal/engine/config"
	"github.com/windowsperf-go/wperf-core/internal/ioctl"
	"github.com/windowsperf-go/wperf-core/internal/lock"
	"github.com/windowsperf-go/wperf-core/internal/regs"
	"github.com/windowsperf-go/wperf-core/internal/sampling"
	"github.com/windowsperf-go/wperf-core/internal/scheduler"
	"github.com/windowsperf-go/wperf-core/internal/trace"
)

// State is the per-device state machine of spec.md §4.6:
// Uninitialized -> Ready -> Busy(holder) -> Ready -> Removing.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateBusy
	StateRemoving
)

// workItem is the bounded work-item context spec.md §4.6 describes: one
// per queued request, carrying everything a handler needs and a place to
// deliver the result.
type workItem struct {
	tok        lock.Token
	code       uint32
	input      []byte
	outBufSize int
	result     chan workResult
}

type workResult struct {
	output []byte
	err    error
}

// dsuEvent is one DSU-class event bound to a DSU counter, direct
// register access with no multiplexing (spec.md §4.1: DSU mirrors the
// PMU register ops; only the core scheduler time-divides counters).
type dsuEvent struct {
	eventID uint32
	physIdx int
	lastVal uint64
	round   uint64
}

// dmcEvent mirrors dsuEvent for one DMC-class (clock or clkdiv2) event.
type dmcEvent struct {
	eventID   uint32
	idx       int
	isClkDiv2 bool
	round     uint64
}

// Device is one simulated WindowsPerf device instance (C6): the
// dispatch-facing aggregate of every C1-C4 component for a fixed number
// of logical cores, one DSU, and a set of DMC controllers.
type Device struct {
	mu        sync.Mutex
	state     State
	nextToken uint64

	coresCount int
	freeGPC    int

	lock  *lock.SessionLock
	sched *scheduler.Scheduler
	cfg   *config.Store

	coreRegs     map[int]*regs.RegisterFile
	samplers     map[int]*sampling.CoreSampler
	speRegs      map[int]*regs.SPERegisterFile
	speEngines   map[int]*sampling.SPEEngine
	speLastCopy  map[int]uint64

	dsu       *regs.DSURegisterFile
	dsuEvents []dsuEvent

	dmcs       []*regs.DMCRegisterFile
	dmcEvents  [][]dmcEvent // per DMC index

	queue  chan *workItem
	closed chan struct{}
	log    *trace.Log
}

// counterAllocator is the narrow lock.Allocator this in-process
// simulation uses: the physical counter pool always has room, since
// there is no second kernel consumer (ThreadProfiling and similar) to
// arbitrate against in this reimplementation (spec.md §5). A real device
// extension would call the platform allocate_hardware_counters here.
type counterAllocator struct{}

func (counterAllocator) AllocateCounters() error { return nil }
func (counterAllocator) FreeCounters()           {}

// dmcMMIOStride is a simulated per-DMC MMIO region size, big enough to
// hold every clk/clkdiv2 counter block (spec.md §4.1).
const dmcMMIOStride = 40 * (regs.DMCMaxClkEvents + regs.DMCMaxClkDiv2Events)

// NewDevice constructs a device supporting coresCount logical cores,
// each with freeGPC general-purpose counters, and dmcCount simulated
// DRAM memory controllers, registering every core and DMC up front
// (spec.md §3: "Core-Info is created at device creation").
func NewDevice(coresCount, freeGPC, dmcCount int, log *trace.Log) *Device {
	d := &Device{
		state:       StateUninitialized,
		coresCount:  coresCount,
		freeGPC:     freeGPC,
		lock:        lock.New(counterAllocator{}),
		sched:       scheduler.New(freeGPC, log),
		cfg:         config.New(int64(scheduler.DefaultPeriod/time.Millisecond), int64(scheduler.PeriodMin/time.Millisecond), int64(scheduler.PeriodMax/time.Millisecond)),
		coreRegs:    make(map[int]*regs.RegisterFile, coresCount),
		samplers:    make(map[int]*sampling.CoreSampler, coresCount),
		speRegs:     make(map[int]*regs.SPERegisterFile, coresCount),
		speEngines:  make(map[int]*sampling.SPEEngine, coresCount),
		speLastCopy: make(map[int]uint64, coresCount),
		dsu:         regs.NewDSURegisterFile(),
		queue:       make(chan *workItem, 64),
		closed:      make(chan struct{}),
		log:         log,
	}
	for i := 0; i < coresCount; i++ {
		rf := regs.NewRegisterFile()
		d.coreRegs[i] = rf
		d.sched.EnsureCore(i, rf)
		d.samplers[i] = sampling.NewCoreSampler(rf, log)
		speRF := regs.NewSPERegisterFile()
		d.speRegs[i] = speRF
		d.speEngines[i] = sampling.NewSPEEngine(speRF, log)
	}
	for i := 0; i < dmcCount; i++ {
		dmc, err := regs.NewDMCRegisterFile(uint64(i)*dmcMMIOStride, dmcMMIOStride)
		if err != nil {
			// dmcMMIOStride is a positive compile-time constant: this
			// path is unreachable, kept only because NewDMCRegisterFile
			// returns an error for the general (MMIO-backed) case.
			continue
		}
		d.dmcs = append(d.dmcs, dmc)
	}
	d.state = StateReady
	go d.worker()
	return d
}

// Open mints a new opaque token standing in for a caller's device-handle
// object pointer (spec.md §4.2, Glossary: Token).
func (d *Device) Open() lock.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextToken++
	return lock.Token(d.nextToken)
}

// State reports the device's current state-machine state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Dispatch submits one IOCTL request and blocks for its result, honoring
// ctx for cooperative cancellation. A request cancelled before it is
// queued never reaches a handler. A request cancelled after it is queued
// returns ErrCancelled with no output, but the worker still runs its
// handler when it reaches it (spec.md §5, §7).
func (d *Device) Dispatch(ctx context.Context, tok lock.Token, code uint32, input []byte, outBufSize int) ([]byte, error) {
	d.mu.Lock()
	if d.state == StateRemoving {
		d.mu.Unlock()
		return nil, errors.Wrap(ioctl.ErrCancelled, "dispatch: device removing")
	}
	d.mu.Unlock()

	item := &workItem{tok: tok, code: code, input: input, outBufSize: outBufSize, result: make(chan workResult, 1)}

	select {
	case d.queue <- item:
	case <-d.closed:
		return nil, errors.Wrap(ioctl.ErrCancelled, "dispatch: device closed")
	case <-ctx.Done():
		return nil, errors.Wrap(ioctl.ErrCancelled, "dispatch: cancelled before dispatch")
	}

	select {
	case res := <-item.result:
		return res.output, res.err
	case <-ctx.Done():
		return nil, errors.Wrap(ioctl.ErrCancelled, "dispatch: cancelled")
	}
}

// worker drains the device's work-item queue one request at a time,
// giving every request on this device total order (spec.md §4.6: "The
// dispatcher is single-threaded per device").
func (d *Device) worker() {
	if err := affinity.Pin(0); err != nil && d.log != nil {
		d.log.Warnf("dispatch", "worker: affinity pin failed: %v", err)
	}
	defer affinity.Unpin()
	for item := range d.queue {
		out, err := d.execute(item)
		item.result <- workResult{output: out, err: err}
	}
}

// Close enters the Removing state, drains timers and watchdogs, and
// stops accepting new work (spec.md §4.6: "Removing ... drains
// outstanding work-items and cancels timers before succeeding").
func (d *Device) Close() {
	d.mu.Lock()
	if d.state == StateRemoving {
		d.mu.Unlock()
		return
	}
	d.state = StateRemoving
	d.mu.Unlock()

	close(d.closed)

	all := make([]int, d.coresCount)
	for i := range all {
		all[i] = i
	}
	_ = d.sched.Stop(all)
	for _, e := range d.speEngines {
		e.Stop()
	}
	close(d.queue)
}
