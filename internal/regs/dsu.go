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

package regs

import (
	"sync"

	"github.com/pkg/errors"
)

// DSUMaxGPC is the maximum number of DSU (cluster-level PMU) programmable
// counters a register file exposes.
const DSUMaxGPC = 8

// DSURegisterFile mirrors RegisterFile for the DynamIQ Shared Unit, which
// has its own small counter bank shared by every core in a cluster
// (spec.md §4.1: "DSU, DMC, and SPE mirror the above with their own
// register sets").
type DSURegisterFile struct {
	mu         sync.Mutex
	gpcValue   [DSUMaxGPC]uint64
	cycleValue uint64
	lastCycle  uint64
	enabled    uint32
	eventSel   [DSUMaxGPC]uint64
}

// NewDSURegisterFile returns a zeroed, stopped DSU register file.
func NewDSURegisterFile() *DSURegisterFile {
	return &DSURegisterFile{}
}

func (d *DSURegisterFile) CounterEnable(mask uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled |= mask
}

func (d *DSURegisterFile) CounterDisable(mask uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled &^= mask
}

func (d *DSURegisterFile) CounterReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.gpcValue {
		d.gpcValue[i] = 0
	}
}

func (d *DSURegisterFile) CounterSetType(physIdx int, eventCode uint32) error {
	if physIdx < 0 || physIdx >= DSUMaxGPC {
		return errors.Wrapf(ErrInvalidIndex, "DSU CounterSetType(%d)", physIdx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventSel[physIdx] = uint64(eventCode)
	return nil
}

func (d *DSURegisterFile) ReadCounter(physIdx int) (uint64, error) {
	if physIdx < 0 || physIdx >= DSUMaxGPC {
		return 0, errors.Wrapf(ErrInvalidIndex, "DSU ReadCounter(%d)", physIdx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpcValue[physIdx], nil
}

func (d *DSURegisterFile) AdvanceCounter(physIdx int, n uint64) error {
	if physIdx < 0 || physIdx >= DSUMaxGPC {
		return errors.Wrapf(ErrInvalidIndex, "DSU AdvanceCounter(%d)", physIdx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled&(1<<uint(physIdx)) != 0 {
		d.gpcValue[physIdx] += n
	}
	return nil
}

func (d *DSURegisterFile) AdvanceCycle(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cycleValue += n
}

// ReadCycleDelta mirrors RegisterFile.ReadCycleDelta for the DSU's own
// fixed cluster-cycle counter.
func (d *DSURegisterFile) ReadCycleDelta() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.cycleValue
	var delta uint64
	if cur >= d.lastCycle {
		delta = cur - d.lastCycle
	}
	d.lastCycle = cur
	return delta
}
