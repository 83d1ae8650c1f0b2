// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package link

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinToCPU pins the calling OS thread to cpuID, generalizing
// internal/mmap's use of golang.org/x/sys/unix from register-window
// mapping to CPU affinity control (spec.md §5: reader threads are
// pinned to distinct CPUs, typically core_id = link_index + 1).
func pinToCPU(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("link: could not set cpu affinity to %d: %w", cpuID, err)
	}
	return nil
}
