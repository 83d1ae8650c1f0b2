// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runctl

// State is a Run State value of spec.md §3/§4.6, a singleton
// process-wide enum.
type State int32

const (
	Idle State = iota
	Arming
	Running
	Draining
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Arming:
		return "Arming"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}
