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

// Per spec.md §3, DMC Descriptor: up to 4 clock events, up to 8 clkdiv2
// events per memory controller.
const (
	DMCMaxClkEvents     = 4
	DMCMaxClkDiv2Events = 8

	// dmcCounterStride is the byte stride between consecutive DMC counter
	// blocks in the MMIO region (spec.md §4.1).
	dmcCounterStride = 40

	// dmcEventMuxBits is the width of the per-counter event-select field.
	dmcEventMuxBits = 5
)

// DMCRegisterFile models one DRAM Memory Controller's memory-mapped
// counter block. Unlike the PMU/DSU banks, the "registers" here are a
// byte-addressed MMIO region; control writes are load-modify-store
// updates of one counter block in that region (writeCounterBlock), the
// way the spec requires (§5, "writes use barrier-bracketed
// load-modify-store"), matching the byte-addressed register access
// pattern the teacher emulator uses for I/O space (emul/io.go's
// readConsole/writeConsole, generalized from a single register to a
// block of them). The counter values themselves are held in the
// clkValue and clkDiv2Value fields, not in the MMIO region.
type DMCRegisterFile struct {
	mu sync.Mutex

	mmioStart  uint64
	mmioLength uint64
	mmio       []byte // simulated MMIO region backing store

	clkValue     [DMCMaxClkEvents]uint64
	clkDiv2Value [DMCMaxClkDiv2Events]uint64
	clkEnabled   uint32
	clkDiv2Enabled uint32
}

// NewDMCRegisterFile maps (simulates mapping) an MMIO region of the given
// start/length. A zero length is an insufficient-resources condition
// (spec.md §4.1: "invalid MMIO map in DMC ⇒ fails initialization with an
// insufficient-resources error").
func NewDMCRegisterFile(mmioStart, mmioLength uint64) (*DMCRegisterFile, error) {
	if mmioLength == 0 {
		return nil, errors.Wrap(ErrInsufficientResources, "DMC MMIO map: zero length")
	}
	return &DMCRegisterFile{
		mmioStart:  mmioStart,
		mmioLength: mmioLength,
		mmio:       make([]byte, mmioLength),
	}, nil
}

// Unmap releases the simulated MMIO region (device teardown, spec.md §3).
func (d *DMCRegisterFile) Unmap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mmio = nil
}

// ClkCounterEnable enables the clock-domain counter at the given index
// with the given 5-bit event-mux selector.
func (d *DMCRegisterFile) ClkCounterEnable(idx int, eventMux uint8) error {
	if idx < 0 || idx >= DMCMaxClkEvents {
		return errors.Wrapf(ErrInvalidIndex, "DMC clk counter(%d)", idx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clkEnabled |= 1 << uint(idx)
	d.writeCounterBlock(idx, eventMux&((1<<dmcEventMuxBits)-1))
	return nil
}

// ClkDiv2CounterEnable enables the clkdiv2-domain counter at the given
// index with the given 5-bit event-mux selector.
func (d *DMCRegisterFile) ClkDiv2CounterEnable(idx int, eventMux uint8) error {
	if idx < 0 || idx >= DMCMaxClkDiv2Events {
		return errors.Wrapf(ErrInvalidIndex, "DMC clkdiv2 counter(%d)", idx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clkDiv2Enabled |= 1 << uint(idx)
	d.writeCounterBlock(DMCMaxClkEvents+idx, eventMux&((1<<dmcEventMuxBits)-1))
	return nil
}

// writeCounterBlock performs the barrier-bracketed load-modify-store the
// spec calls for: read the block, set the enable bit and mux field,
// write it back. Caller holds d.mu.
func (d *DMCRegisterFile) writeCounterBlock(blockIdx int, eventMux uint8) {
	off := blockIdx * dmcCounterStride
	if off+dmcCounterStride > len(d.mmio) {
		return
	}
	block := d.mmio[off : off+dmcCounterStride]
	ctrl := block[0]
	ctrl |= 0x1 // enable bit
	ctrl = (ctrl &^ (0x1F << 1)) | (eventMux << 1)
	block[0] = ctrl
}

// ReadClkCounter reads the simulated counter value for a clock-domain
// event.
func (d *DMCRegisterFile) ReadClkCounter(idx int) (uint64, error) {
	if idx < 0 || idx >= DMCMaxClkEvents {
		return 0, errors.Wrapf(ErrInvalidIndex, "DMC clk counter(%d)", idx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clkValue[idx], nil
}

// ReadClkDiv2Counter reads the simulated counter value for a clkdiv2
// event.
func (d *DMCRegisterFile) ReadClkDiv2Counter(idx int) (uint64, error) {
	if idx < 0 || idx >= DMCMaxClkDiv2Events {
		return 0, errors.Wrapf(ErrInvalidIndex, "DMC clkdiv2 counter(%d)", idx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clkDiv2Value[idx], nil
}

// AdvanceClkCounter simulates the memory controller incrementing an
// enabled clock-domain counter.
func (d *DMCRegisterFile) AdvanceClkCounter(idx int, n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= DMCMaxClkEvents || d.clkEnabled&(1<<uint(idx)) == 0 {
		return
	}
	d.clkValue[idx] += n
}

// AdvanceClkDiv2Counter simulates the memory controller incrementing an
// enabled clkdiv2-domain counter.
func (d *DMCRegisterFile) AdvanceClkDiv2Counter(idx int, n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= DMCMaxClkDiv2Events || d.clkDiv2Enabled&(1<<uint(idx)) == 0 {
		return
	}
	d.clkDiv2Value[idx] += n
}

// CounterReset zeroes every clock and clkdiv2 counter.
func (d *DMCRegisterFile) CounterReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.clkValue {
		d.clkValue[i] = 0
	}
	for i := range d.clkDiv2Value {
		d.clkDiv2Value[i] = 0
	}
}

// CounterStop disables every clock and clkdiv2 counter.
func (d *DMCRegisterFile) CounterStop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clkEnabled = 0
	d.clkDiv2Enabled = 0
	for i := 0; i < len(d.mmio); i += dmcCounterStride {
		if i+dmcCounterStride <= len(d.mmio) {
			d.mmio[i] &^= 0x1
		}
	}
}
