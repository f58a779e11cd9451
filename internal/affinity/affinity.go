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

// Package affinity pins the calling goroutine's OS thread to a specific
// logical CPU. It is the idiomatic Go analogue of
// set_system_group_affinity_thread (spec.md §4.6, §5): "the mechanism by
// which every per-core primitive actually executes on its intended
// core." The per-core scheduler goroutines (internal/scheduler) call Pin
// with their own core index before touching that core's register file
// and Unpin when they finish. The dispatcher's worker (internal/dispatch)
// calls Pin(0) once when it starts and Unpin when it exits; it does not
// re-pin to each request's target core.
package affinity

// Pin locks the calling goroutine to its current OS thread and restricts
// that thread's scheduling to the given logical CPU. Pin must be paired
// with a deferred Unpin from the same goroutine.
func Pin(core int) error {
	return pin(core)
}

// Unpin releases the OS-thread lock Pin established. It does not attempt
// to restore a prior affinity mask — like the original driver's worker,
// a goroutine that unpins is simply no longer guaranteed to run on a
// particular core.
func Unpin() {
	unpin()
}
