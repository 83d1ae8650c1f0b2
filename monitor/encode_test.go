// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor_test

import (
	"testing"

	"github.com/go-wavedaq/frontend/monitor"
)

func TestEncodeDecodeSamplesRoundTrip(t *testing.T) {
	want := []monitor.BoardSample{
		{ModuleID: 1, Stored: 3, Busy: false, RingLevel: 128, PLLLocked: true},
		{ModuleID: 2, Stored: 0, Busy: true, RingLevel: 0, PLLLocked: false},
	}

	buf := monitor.EncodeSamples(want)
	got, err := monitor.DecodeSamples(buf)
	if err != nil {
		t.Fatalf("could not decode samples: %+v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDecodeSamplesRejectsShortBuffer(t *testing.T) {
	buf := monitor.EncodeSamples([]monitor.BoardSample{{ModuleID: 1}})
	if _, err := monitor.DecodeSamples(buf[:len(buf)-1]); err == nil {
		t.Fatalf("expected an error decoding a truncated buffer")
	}
}
