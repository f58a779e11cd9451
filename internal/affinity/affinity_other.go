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

//go:build !linux

package affinity

// pin is a no-op on platforms without a CPU-affinity syscall exposed via
// golang.org/x/sys/unix; Pin/Unpin still bracket the critical section so
// the call sites read the same on every OS.
func pin(core int) error { return nil }

func unpin() {}
