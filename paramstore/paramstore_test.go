// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package paramstore_test

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"

	"github.com/go-wavedaq/frontend/board"
	"github.com/go-wavedaq/frontend/paramstore"
	"github.com/go-wavedaq/frontend/paramstore/internal/fakedb"
)

func TestBoardSettings(t *testing.T) {
	want := board.Settings{
		Enable:      true,
		ChannelMask: 0xF,
		DAC:         []uint32{0x1000, 0x1000},
	}
	blob, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("could not marshal settings: %+v", err)
	}

	store, err := paramstore.Open("test", "", "", "", paramstore.WithDriver("fakedb"))
	if err != nil {
		t.Fatalf("could not open store: %+v", err)
	}
	defer store.Close()

	err = fakedb.Run(context.Background(), fakedb.Rows{
		Names:  []string{"settings"},
		Values: [][]driver.Value{{string(blob)}},
	}, func(ctx context.Context) error {
		got, err := store.BoardSettings(ctx, 7)
		if err != nil {
			return err
		}
		if got.ChannelMask != want.ChannelMask {
			t.Fatalf("channel mask = 0x%x, want=0x%x", got.ChannelMask, want.ChannelMask)
		}
		if len(got.DAC) != len(want.DAC) {
			t.Fatalf("len(DAC)=%d, want=%d", len(got.DAC), len(want.DAC))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not run query: %+v", err)
	}
}

func TestProcessSettings(t *testing.T) {
	want := paramstore.ProcessSettings{
		EnableChronobox:    true,
		ChronoboxIP:        "10.0.0.5",
		TSMatchThreshTicks: 50,
	}
	blob, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("could not marshal settings: %+v", err)
	}

	store, err := paramstore.Open("test", "", "", "", paramstore.WithDriver("fakedb"))
	if err != nil {
		t.Fatalf("could not open store: %+v", err)
	}
	defer store.Close()

	err = fakedb.Run(context.Background(), fakedb.Rows{
		Names:  []string{"settings"},
		Values: [][]driver.Value{{string(blob)}},
	}, func(ctx context.Context) error {
		got, err := store.ProcessSettings(ctx)
		if err != nil {
			return err
		}
		if got.ChronoboxIP != want.ChronoboxIP {
			t.Fatalf("chronobox ip=%q, want=%q", got.ChronoboxIP, want.ChronoboxIP)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not run query: %+v", err)
	}
}

func TestBoardSettingsNotFound(t *testing.T) {
	store, err := paramstore.Open("test", "", "", "", paramstore.WithDriver("fakedb"))
	if err != nil {
		t.Fatalf("could not open store: %+v", err)
	}
	defer store.Close()

	err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"settings"},
	}, func(ctx context.Context) error {
		_, err := store.BoardSettings(ctx, 99)
		return err
	})
	if err == nil {
		t.Fatalf("expected an error for a missing board")
	}
}
