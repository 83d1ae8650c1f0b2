// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command daq-shell is an interactive operator console for the
// acquisition frontend: it wires up the same paramstore/board/link/
// triggerbox/sink topology as cmd/daq-frontend, then drives the Run
// Controller from a liner-backed line-editing prompt instead of a
// tdaq command socket. No example in the retrieval pack exercises
// github.com/peterh/liner, so its use here follows the library's own
// documented API rather than a teacher idiom.
package main // import "github.com/go-wavedaq/frontend/cmd/daq-shell"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/go-wavedaq/frontend/board"
	"github.com/go-wavedaq/frontend/merge"
	"github.com/go-wavedaq/frontend/paramstore"
	"github.com/go-wavedaq/frontend/runctl"
	"github.com/go-wavedaq/frontend/sink"
	"github.com/go-wavedaq/frontend/transport"
	"github.com/go-wavedaq/frontend/triggerbox"
)

var (
	devPath     = flag.String("dev", "/dev/uio0", "path to the optical-link register-window device")
	windowBytes = flag.Int64("window-bytes", 1<<20, "mmap register window size, in bytes")
	nLinks      = flag.Int("nlinks", 1, "number of optical links")
	boardsPer   = flag.Int("boards-per-link", 1, "number of boards per link")

	dbHost = flag.String("db-host", "127.0.0.1:3306", "parameter-store MySQL host:port")
	dbName = flag.String("db-name", "wavedaq", "parameter-store database name")
	dbUser = flag.String("db-user", "wavedaq", "parameter-store MySQL user")
	dbPass = flag.String("db-pass", "", "parameter-store MySQL password")

	tboxData = flag.String("tbox-data-addr", "", "trigger-box data-plane address (empty disables the trigger box)")
	tboxCtl  = flag.String("tbox-ctl-addr", "", "trigger-box control-plane address")

	sinkPath = flag.String("sink", "", "output file path (empty discards events)")

	settingsDir = flag.String("settings-dir", ".", "directory for per-run settings-echo files")

	histPath = flag.String("history", filepathJoinHome(".daq-shell-history"), "command-history file")
)

func filepathJoinHome(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + string(os.PathSeparator) + name
}

func main() {
	flag.Parse()

	log.SetPrefix("daq-shell: ")
	log.SetFlags(0)

	ctl, closeFn, err := newController()
	if err != nil {
		log.Fatalf("could not initialize controller: %+v", err)
	}
	defer closeFn()

	stopPoll := make(chan struct{})
	go pollLoop(ctl, stopPoll)
	defer close(stopPoll)

	runShell(ctl)
}

// pollLoop drives the Merge / Poll Stage while a run is active, the
// way cmd/daq-frontend's tdaq RunHandle does on the main goroutine.
func pollLoop(ctl *runctl.Controller, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if ctl.State() == runctl.Running || ctl.State() == runctl.Draining {
			if err := ctl.Poll(); err != nil {
				log.Printf("poll failed: %+v", err)
			}
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func newController() (*runctl.Controller, func(), error) {
	pstore, err := paramstore.Open(*dbName, *dbUser, *dbPass, *dbHost)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open parameter store: %w", err)
	}

	tr := transport.NewMMapTransport(*devPath, *windowBytes)

	links := make([]runctl.LinkSpec, *nLinks)
	moduleID := uint32(1)
	for li := 0; li < *nLinks; li++ {
		boards := make([]runctl.BoardSpec, *boardsPer)
		for bi := 0; bi < *boardsPer; bi++ {
			id := board.Identity{FrontendIndex: 0, LinkIndex: li, BoardIndex: bi, ModuleID: moduleID}
			drv := board.New(id, tr)
			if _, err := drv.Connect(context.Background(), 3, 2*time.Second); err != nil {
				pstore.Close()
				return nil, nil, fmt.Errorf("could not connect board %d: %w", moduleID, err)
			}
			boards[bi] = runctl.BoardSpec{ModuleID: moduleID, Driver: drv}
			moduleID++
		}
		links[li] = runctl.LinkSpec{LinkIndex: li, CPUID: li + 1, Boards: boards}
	}

	var tbox *triggerbox.Client
	if *tboxData != "" {
		tbox = triggerbox.New(*tboxData, *tboxCtl)
		if err := tbox.Open(); err != nil {
			pstore.Close()
			return nil, nil, fmt.Errorf("could not open trigger-box client: %w", err)
		}
	}

	var snk sink.Sink = new(sink.Discard)
	if *sinkPath != "" {
		f, err := sink.NewFile(*sinkPath)
		if err != nil {
			pstore.Close()
			return nil, nil, fmt.Errorf("could not open sink file: %w", err)
		}
		snk = f
	}

	ctl := runctl.New(runctl.Config{Merge: merge.Config{}, SettingsDir: *settingsDir}, pstore, links, tbox, snk)

	closeFn := func() {
		if tbox != nil {
			_ = tbox.Close()
		}
		_ = snk.Close()
		_ = pstore.Close()
	}

	return ctl, closeFn, nil
}

func runShell(ctl *runctl.Controller) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	if f, err := os.Open(*histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(*histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Println("daq-shell: type 'help' for the list of commands")

	for {
		prompt := fmt.Sprintf("daq[%s]> ", ctl.State())
		input, err := line.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return
			}
			log.Printf("prompt error: %+v", err)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if !dispatch(ctl, input) {
			return
		}
	}
}

// dispatch runs one shell command and reports whether the shell
// should keep looping.
func dispatch(ctl *runctl.Controller, input string) bool {
	fields := strings.Fields(input)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		fmt.Println("commands: begin_run <run>, pause_run, resume_run, end_run, status, quit")

	case "begin_run":
		if len(args) != 1 {
			fmt.Println("usage: begin_run <run-number>")
			return true
		}
		run, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			fmt.Printf("invalid run number %q: %+v\n", args[0], err)
			return true
		}
		if err := ctl.BeginRun(context.Background(), uint32(run)); err != nil {
			fmt.Printf("begin_run failed: %+v\n", err)
		}

	case "pause_run":
		if err := ctl.PauseRun(context.Background()); err != nil {
			fmt.Printf("pause_run failed: %+v\n", err)
		}

	case "resume_run":
		if err := ctl.ResumeRun(context.Background()); err != nil {
			fmt.Printf("resume_run failed: %+v\n", err)
		}

	case "end_run":
		if err := ctl.StopRun(context.Background()); err != nil {
			fmt.Printf("end_run failed: %+v\n", err)
		}

	case "status":
		fmt.Printf("state: %s\n", ctl.State())

	case "quit", "exit":
		if ctl.State() == runctl.Running {
			if err := ctl.StopRun(context.Background()); err != nil {
				fmt.Printf("could not stop run on quit: %+v\n", err)
			}
		}
		return false

	default:
		fmt.Printf("unknown command %q; type 'help'\n", cmd)
	}

	return true
}
