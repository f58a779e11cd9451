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

// SPEBufferSize is the minimum size of the page-aligned SPE ring buffer,
// 512 KiB (spec.md §4.1, SPE_MEMORY_BUFFER_SIZE = PAGE_SIZE*128 in
// original_source/wperf-driver/spe.h with PAGE_SIZE=4096).
const SPEBufferSize = 4096 * 128

// SPERegisterFile models the Statistical Profiling Extension's control
// registers: buffer pointer/limit, filter-control, and sampling-profile
// registers (spec.md §4.1, §4.4).
type SPERegisterFile struct {
	mu sync.Mutex

	buffer     []byte // simulated 4 KiB-aligned buffer of at least SPEBufferSize
	bufPtr     uint64 // PMBPTR_EL1-equivalent, offset into buffer
	bufLimit   uint64 // PMBLIMITR_EL1-equivalent
	filterCtrl uint64 // PMSFCR_EL1-equivalent
	samplingProfile uint64 // PMSCR_EL1-equivalent
	enabled    bool
	stickySyndrome bool
}

// NewSPERegisterFile allocates the simulated SPE buffer of exactly
// SPEBufferSize bytes.
func NewSPERegisterFile() *SPERegisterFile {
	return &SPERegisterFile{
		buffer: make([]byte, SPEBufferSize),
	}
}

// Init zeroes SPE state and records the base pointer (PMU_CTL_SPE_INIT).
func (s *SPERegisterFile) Init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufPtr = 0
	s.bufLimit = 0
	s.filterCtrl = 0
	s.samplingProfile = 0
	s.enabled = false
	s.stickySyndrome = false
}

// Start programs the buffer pointer, buffer limit, filter-control and
// sampling-profile registers, then enables profiling (PMU_CTL_SPE_START).
func (s *SPERegisterFile) Start(operationFilter uint8, eventFilter uint64, configFlags uint32, interval uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufPtr = 0
	s.bufLimit = uint64(len(s.buffer))
	s.filterCtrl = uint64(operationFilter) | eventFilter<<8
	s.samplingProfile = uint64(configFlags) | uint64(interval)<<32
	s.enabled = true
}

// Stop disables profiling and clears the syndrome sticky bit
// (PMU_CTL_SPE_STOP).
func (s *SPERegisterFile) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.stickySyndrome = false
}

// Enabled reports whether the SPE buffer-enable bit is currently set.
func (s *SPERegisterFile) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// DisableBufferEnable clears only the buffer-enable bit, used by the
// watchdog timer when the buffer nears its limit (spec.md §4.4: "disables
// buffer enable when nearly full").
func (s *SPERegisterFile) DisableBufferEnable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// BufferPointer returns the current buffer-pointer offset.
func (s *SPERegisterFile) BufferPointer() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufPtr
}

// BufferLimit returns the configured buffer limit.
func (s *SPERegisterFile) BufferLimit() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufLimit
}

// AdvanceBufferPointer simulates hardware writing n bytes of sample
// records into the ring and advancing the buffer pointer accordingly.
// The pointer never advances past the configured limit.
func (s *SPERegisterFile) AdvanceBufferPointer(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.bufPtr += n
	if s.bufPtr > s.bufLimit {
		s.bufPtr = s.bufLimit
	}
}

// CopyBuffer copies size bytes starting at offset out of the simulated
// SPE buffer (PMU_CTL_SPE_GET_BUFFER).
func (s *SPERegisterFile) CopyBuffer(dst []byte, offset, size uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset+size > uint64(len(s.buffer)) {
		return 0, errors.Wrap(ErrInvalidIndex, "SPE CopyBuffer: out of range")
	}
	return copy(dst, s.buffer[offset:offset+size]), nil
}
