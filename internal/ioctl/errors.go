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

package ioctl

import "github.com/pkg/errors"

// The closed set of error kinds spec.md §7 defines, each corresponding
// 1:1 to a status/return code a real driver would hand back. Handlers in
// internal/dispatch return one of these (possibly wrapped with
// errors.Wrap to attach the operation name) rather than an ad hoc error.
var (
	// ErrInvalidParameter: bad size, bad opcode, bad core mask, bad flag,
	// bad event class. The handler must not have mutated any state.
	ErrInvalidParameter = errors.New("ioctl: invalid parameter")

	// ErrInvalidDeviceState: a counter-touching IOCTL arrived from a
	// caller that does not currently hold the session lock.
	ErrInvalidDeviceState = errors.New("ioctl: invalid device state")

	// ErrInsufficientResources: counters already owned by another kernel
	// consumer, allocation failure, or MMIO map failure. Any partial
	// allocation must be rolled back before this is returned.
	ErrInsufficientResources = errors.New("ioctl: insufficient resources")

	// ErrBufferTooSmall: the caller's output buffer cannot hold the
	// expected response struct for this opcode.
	ErrBufferTooSmall = errors.New("ioctl: buffer too small")

	// ErrCancelled: the request was cancelled before it completed; the
	// output buffer must not have been written.
	ErrCancelled = errors.New("ioctl: cancelled")

	// ErrUnknown: catch-all for hardware/unexpected conditions.
	ErrUnknown = errors.New("ioctl: unknown error")
)

// StatusOf maps an error produced by a dispatcher handler onto the
// status_flag wire value a LOCK_ACQUIRE/LOCK_RELEASE-style caller would
// see (spec.md §3 Lock State, §7). nil maps to StatusLockAcquired and
// ErrInsufficientResources (possibly wrapped) to
// StatusInsufficientResources; every other error, including the other
// sentinels above, maps to StatusUnknownError.
func StatusOf(err error) StatusFlag {
	switch {
	case err == nil:
		return StatusLockAcquired
	case errors.Is(err, ErrInvalidDeviceState):
		return StatusUnknownError
	case errors.Is(err, ErrInsufficientResources):
		return StatusInsufficientResources
	case errors.Is(err, ErrBufferTooSmall), errors.Is(err, ErrInvalidParameter):
		return StatusUnknownError
	default:
		return StatusUnknownError
	}
}
