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

// Package trace provides the optional, nil-safe execution logger threaded
// through the scheduler, sampling and dispatch components of the engine.
// Unlike a global logger, a *Log is passed explicitly to the constructors
// that want it and is always
// nil-checked before use, so components incur no cost when tracing is off.
package trace

import (
	"fmt"
	"io"
	"sync"
)

// Log writes timestamp-free, component-tagged trace lines to an underlying
// writer. It is safe for concurrent use by multiple per-core goroutines.
type Log struct {
	mu  sync.Mutex
	out io.Writer
}

// New creates a Log writing to out. A nil *Log is valid and every method on
// it is a no-op, so callers can do `var l *trace.Log` and pass it around
// freely when tracing isn't wanted.
func New(out io.Writer) *Log {
	return &Log{out: out}
}

// Eventf logs a single tagged trace line. Safe to call on a nil *Log.
func (l *Log) Eventf(component, format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] ", component)
	fmt.Fprintf(l.out, format, args...)
	fmt.Fprintln(l.out)
}

// Warnf logs a recoverable-condition trace line (invalid index skipped,
// sample dropped, and so on). Safe to call on a nil *Log.
func (l *Log) Warnf(component, format string, args ...any) {
	l.Eventf(component, "WARN: "+format, args...)
}
