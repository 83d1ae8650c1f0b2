// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sink_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-wavedaq/frontend/record"
	"github.com/go-wavedaq/frontend/sink"
)

func TestDiscard(t *testing.T) {
	d := new(sink.Discard)
	if err := d.BeginEvent(1); err != nil {
		t.Fatalf("BeginEvent: %+v", err)
	}
	var evt record.MergedEvent
	evt.AddBoard(1, 0x10, []byte{1, 2, 3, 4})
	if err := d.WriteEvent(&evt); err != nil {
		t.Fatalf("WriteEvent: %+v", err)
	}
	if err := d.EndEvent(); err != nil {
		t.Fatalf("EndEvent: %+v", err)
	}
	if got, want := d.NumEvents, 1; got != want {
		t.Fatalf("NumEvents=%d, want=%d", got, want)
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-001.raw")

	s, err := sink.NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %+v", err)
	}

	if err := s.BeginEvent(1); err != nil {
		t.Fatalf("BeginEvent: %+v", err)
	}

	var evt record.MergedEvent
	evt.AddTriggerBox(0x20, []byte{0xAA, 0xBB})
	evt.AddBoard(7, 0x21, []byte{1, 2, 3, 4})
	if err := s.WriteEvent(&evt); err != nil {
		t.Fatalf("WriteEvent: %+v", err)
	}

	if err := s.EndEvent(); err != nil {
		t.Fatalf("EndEvent: %+v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %+v", err)
	}
	if err := s.BeginEvent(2); err != sink.ErrClosed {
		t.Fatalf("BeginEvent after Close: got=%+v, want=%+v", err, sink.ErrClosed)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("could not stat output file: %+v", err)
	}
	if fi.Size() == 0 {
		t.Fatalf("expected non-empty output file")
	}
}
