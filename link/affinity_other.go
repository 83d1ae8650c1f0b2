// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package link

// pinToCPU is a no-op on platforms without Linux-style CPU affinity
// control; the reader still runs correctly, just unpinned.
func pinToCPU(cpuID int) error {
	return nil
}
