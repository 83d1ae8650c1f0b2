// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sink defines the Downstream Event Sink boundary of spec.md
// §6: the merge stage frames each merged event and hands it off,
// preserving board order and each sub-record's originating module id.
// Waveform decoding, downstream event framing and archival are
// explicit Non-goals; this package only carries opaque bytes across
// that boundary, the way eda/server.go carries opaque JSON payloads
// across its own control-plane boundary.
package sink // import "github.com/go-wavedaq/frontend/sink"

import (
	"fmt"

	"github.com/go-wavedaq/frontend/record"
)

// Sink receives merged events framed by the Merge / Poll Stage.
// Implementations must not retain evt.Subs[i].Data slices beyond the
// call to WriteEvent: board sub-record data aliases ring-buffer memory
// the merge stage has already consumed, which the producer may
// overwrite afterwards.
type Sink interface {
	// BeginEvent is called each time a run is armed, before the first
	// WriteEvent: once at BeginRun and again at every ResumeRun.
	BeginEvent(run uint32) error

	// WriteEvent frames and emits one merged event.
	WriteEvent(evt *record.MergedEvent) error

	// EndEvent is called once at end-of-run, after the last WriteEvent.
	EndEvent() error

	// Close releases any resources held by the sink.
	Close() error
}

// Discard is a Sink that counts events and discards their payloads,
// used by tests and by cmd/daq-frontend and cmd/daq-shell when no
// -sink output path is given.
type Discard struct {
	NumEvents int
}

func (d *Discard) BeginEvent(run uint32) error { return nil }

func (d *Discard) WriteEvent(evt *record.MergedEvent) error {
	d.NumEvents++
	return nil
}

func (d *Discard) EndEvent() error { return nil }
func (d *Discard) Close() error    { return nil }

// ErrClosed is returned by File methods once Close has been called.
var ErrClosed = fmt.Errorf("sink: file sink is closed")
