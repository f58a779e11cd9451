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

// Package lock implements the single-writer session lock (C2): coarse
// exclusive ownership of the counter set by one caller at a time,
// identified by an opaque Token. The mutex-guarded status shape mirrors
// the teacher emulator's UART, whose mu sync.Mutex brackets every FIFO
// state transition so a partial overflow/underflow update is never
// observed (emul/cpu.go's UART type).
package lock

import (
	"sync"
)

// AcquireMode selects how Acquire behaves when the lock is already held.
type AcquireMode int

const (
	// ModeNormal fails with StatusBusy if another token holds the lock.
	ModeNormal AcquireMode = iota
	// ModeForce preempts any current holder before allocating.
	ModeForce
)

// Status mirrors spec.md §3's Lock State status enumeration and
// original_source/wperf-common/iorequest.h's status_flag.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
	StatusLockAcquired
	StatusInsufficientResources
	StatusUnknownError
)

// Token is the opaque per-open-handle identity used to check lock
// ownership (spec.md §6, Glossary). The dispatcher derives it from the
// caller's device-handle object; this package never interprets it.
type Token uintptr

// Allocator is the narrow interface the session lock uses to acquire and
// release the globally shared physical counter set (spec.md §5: "the
// physical counter set is globally shared across kernel consumers").
type Allocator interface {
	AllocateCounters() error
	FreeCounters()
}

// SessionLock is the single-writer lock across all IOCTLs (C2).
type SessionLock struct {
	mu        sync.Mutex
	status    Status
	holder    Token
	pmuHeld   bool
	allocator Allocator
}

// New returns an idle session lock backed by the given counter allocator.
func New(allocator Allocator) *SessionLock {
	return &SessionLock{status: StatusIdle, allocator: allocator}
}

// Acquire attempts to take the lock for tok. In ModeNormal, if the lock
// is held by a different token, it returns StatusBusy without side
// effects. In ModeForce, any current holder is preempted first. On
// success, counters are allocated via the Allocator and pmu_held becomes
// true; on allocation failure Acquire returns StatusInsufficientResources
// and leaves no partial state behind (spec.md §4.2, Invariants a-c).
func (l *SessionLock) Acquire(mode AcquireMode, tok Token) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pmuHeld && l.holder != tok {
		if mode == ModeNormal {
			return StatusBusy
		}
		// ModeForce: preempt the current holder.
		l.allocator.FreeCounters()
		l.pmuHeld = false
	}

	if l.pmuHeld && l.holder == tok {
		// Re-acquiring what we already hold is a no-op success.
		l.status = StatusLockAcquired
		return l.status
	}

	if err := l.allocator.AllocateCounters(); err != nil {
		l.status = StatusInsufficientResources
		return l.status
	}

	l.pmuHeld = true
	l.holder = tok
	l.status = StatusLockAcquired
	return l.status
}

// Release frees the lock if tok matches the holder, resetting status to
// idle and clearing the holder. If tok does not match, Release returns a
// non-success status and changes no state (spec.md §4.2).
func (l *SessionLock) Release(tok Token) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pmuHeld || l.holder != tok {
		return StatusUnknownError
	}

	l.allocator.FreeCounters()
	l.pmuHeld = false
	l.status = StatusIdle
	return l.status
}

// AmILocking is the capability check invoked at the head of every
// counter-touching IOCTL (spec.md §4.2, §4.6). It reports whether tok is
// the current holder.
func (l *SessionLock) AmILocking(tok Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pmuHeld && l.holder == tok
}

// Status returns the current lock status.
func (l *SessionLock) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}
