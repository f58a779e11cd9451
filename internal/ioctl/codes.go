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

// Package ioctl defines the wire protocol between the user-mode engine
// and the kernel-mode device (C6): the FUNCTION code enumeration, the
// CTL_CODE encoding, the bit-exact little-endian request/response
// structs, and the closed set of status errors every handler maps onto.
// This is the only allowed cross-boundary representation (spec.md §9):
// no type in internal/dispatch ever crosses back out as a Go pointer.
package ioctl

// Function enumerates the FUNCTION values carried in a control code,
// starting at 0x900 and enumerated in the exact order of spec.md §6 /
// original_source/wperf-common/iorequest.h's pmu_ctl_action.
type Function uint32

const functionOffset = 0x900

const (
	FunctionStart Function = functionOffset + iota
	FunctionStop
	FunctionReset
	FunctionQueryHWCfg
	FunctionQuerySuppEvents
	FunctionQueryVersion
	FunctionAssignEvents
	FunctionReadCounting
	FunctionDSUInit
	FunctionDSUReadCounting
	FunctionDMCInit
	FunctionDMCReadCounting
	FunctionSampleSetSrc
	FunctionSampleStart
	FunctionSampleStop
	FunctionSampleGet
	FunctionLockAcquire
	FunctionLockRelease
	FunctionSPEInit
	FunctionSPEGetSize
	FunctionSPEGetBuffer
	FunctionSPEStart
	FunctionSPEStop
)

// deviceType, access and methodBuffered are the remaining three fields of
// the CTL_CODE macro (spec.md §6, wperf-common/macros.h).
const (
	deviceType     = 40004
	accessReadWrite = 0x3 // FILE_READ_DATA | FILE_WRITE_DATA
	methodBuffered  = 0
)

// Code computes the 32-bit control code for function, matching
// CTL_CODE(WPERF_TYPE, function, METHOD_BUFFERED, FILE_READ_DATA|FILE_WRITE_DATA):
// (DEVICE_TYPE<<16) | (ACCESS<<14) | (FUNCTION<<2) | METHOD.
func Code(function Function) uint32 {
	return (uint32(deviceType) << 16) | (uint32(accessReadWrite) << 14) | (uint32(function) << 2) | methodBuffered
}

var functionByCode = buildFunctionIndex()

func buildFunctionIndex() map[uint32]Function {
	all := []Function{
		FunctionStart, FunctionStop, FunctionReset, FunctionQueryHWCfg,
		FunctionQuerySuppEvents, FunctionQueryVersion, FunctionAssignEvents,
		FunctionReadCounting, FunctionDSUInit, FunctionDSUReadCounting,
		FunctionDMCInit, FunctionDMCReadCounting, FunctionSampleSetSrc,
		FunctionSampleStart, FunctionSampleStop, FunctionSampleGet,
		FunctionLockAcquire, FunctionLockRelease, FunctionSPEInit,
		FunctionSPEGetSize, FunctionSPEGetBuffer, FunctionSPEStart,
		FunctionSPEStop,
	}
	m := make(map[uint32]Function, len(all))
	for _, f := range all {
		m[Code(f)] = f
	}
	return m
}

// FunctionOf recovers the FUNCTION an opcode was built from. Opcodes
// outside the defined FUNCTION set return ok=false (spec.md §8 Invariant
// 6: such opcodes must produce INVALID_PARAMETER without side effects).
func FunctionOf(code uint32) (fn Function, ok bool) {
	fn, ok = functionByCode[code]
	return fn, ok
}
