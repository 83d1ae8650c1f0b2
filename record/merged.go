// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package record

import "strconv"

// SubRecord is one named component of a Merged Event: either the
// trigger-box record or one board's event record.
type SubRecord struct {
	// Name identifies the originating module: "chronobox" for the
	// trigger-box record, or the board's module id otherwise.
	Name string

	// ModuleID is the originating board's unique module id; zero for
	// the trigger-box sub-record.
	ModuleID uint32

	// Timestamp is the sub-record's 31-bit trigger timestamp.
	Timestamp uint32

	// Data is the raw bytes of the sub-record, header included.
	Data []byte
}

// MergedEvent is the ordered sequence of sub-records the merge stage
// hands to the downstream sink: an optional trigger-box sub-record
// followed by at most one sub-record per connected board, in board
// enumeration order (spec.md §3).
type MergedEvent struct {
	Subs []SubRecord
}

// Reset clears e for reuse without releasing its backing slice.
func (e *MergedEvent) Reset() {
	e.Subs = e.Subs[:0]
}

// AddTriggerBox appends the trigger-box sub-record.
func (e *MergedEvent) AddTriggerBox(ts uint32, data []byte) {
	e.Subs = append(e.Subs, SubRecord{
		Name:      "chronobox",
		Timestamp: ts,
		Data:      data,
	})
}

// AddBoard appends a board's sub-record, named by its module id.
func (e *MergedEvent) AddBoard(moduleID uint32, ts uint32, data []byte) {
	e.Subs = append(e.Subs, SubRecord{
		Name:      strconv.FormatUint(uint64(moduleID), 10),
		ModuleID:  moduleID,
		Timestamp: ts,
		Data:      data,
	})
}

// NumBoardSubs returns the number of board sub-records currently held
// (excluding any trigger-box sub-record).
func (e *MergedEvent) NumBoardSubs() int {
	n := 0
	for _, s := range e.Subs {
		if s.Name != "chronobox" {
			n++
		}
	}
	return n
}
