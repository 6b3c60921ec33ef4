// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package tio is the line-oriented terminal output layer:
// print units with independent page geometry, the screen pagination
// state machine, and the end-of-page prompt. Pagination only engages when
// the unit's writer is a real terminal, detected with
// github.com/mattn/go-isatty; Windows-unsafe writers are wrapped with
// github.com/mattn/go-colorable.
package tio

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/scarletdme/qmvm/internal/event"
)

// Print unit numbers.
const (
	UnitDisplay  = -1
	UnitTemplate = -3
	UnitPrinter  = 0
)

// Mode selects a unit's destination.
type Mode uint8

const (
	ModeDisplay Mode = iota
	ModePrinter
	ModeFile
	ModeStderr
	ModeAux
	ModeHold
)

// Unit is one print unit: pagination plus destination state.
type Unit struct {
	No   int
	Mode Mode

	out   io.Writer
	in    *bufio.Reader
	istty bool

	PageWidth  int
	PageDepth  int // 0 disables pagination
	Heading    string
	Footing    string
	PageNo     int

	line       int
	paginating bool

	// NoUserAborts suppresses the 'A' choice at the page prompt.
	NoUserAborts bool

	// inPagination guards against a heading's own output re-entering the
	// page-throw machinery.
	inPagination bool

	// inputC carries lines from the keyboard-reader goroutine started by
	// the first Input call.
	inputC chan inputResult

	// HeadingHook / FootingHook, when set, render the page heading and
	// footing.
	HeadingHook func(u *Unit) string
	FootingHook func(u *Unit) string
}

// NewDisplay builds the display unit (-1) over stdout/stdin, engaging
// pagination only when stdout is a terminal.
func NewDisplay() *Unit {
	istty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	u := &Unit{
		No:         UnitDisplay,
		Mode:       ModeDisplay,
		out:        colorable.NewColorable(os.Stdout),
		in:         bufio.NewReader(os.Stdin),
		istty:      istty,
		PageWidth:  80,
		PageDepth:  24,
		PageNo:     1,
		paginating: istty,
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if n := atoi(cols); n > 0 {
			u.PageWidth = n
		}
	}
	if lines := os.Getenv("LINES"); lines != "" {
		if n := atoi(lines); n > 0 {
			u.PageDepth = n
		}
	}
	return u
}

// NewUnit builds a non-display unit writing to w.
func NewUnit(no int, mode Mode, w io.Writer) *Unit {
	return &Unit{No: no, Mode: mode, out: w, PageWidth: 80, PageDepth: 66, PageNo: 1}
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// Line reports the current display line within the page.
func (u *Unit) Line() int { return u.line }

// SetLine restores the display line (MESSAGE/debugger state restore).
func (u *Unit) SetLine(n int) { u.line = n }

// Paginating reports whether end-of-page prompting is active.
func (u *Unit) Paginating() bool { return u.paginating }

// SetPaginating enables or disables pagination for the unit.
func (u *Unit) SetPaginating(on bool) { u.paginating = on }

// Print emits s followed by a newline, running the pagination state
// machine. The returned cause is NoCause, or Stop/Abort when the
// end-of-page prompt chose Q or A.
func (u *Unit) Print(s string) event.Cause {
	for _, ln := range strings.Split(s, "\n") {
		if c := u.printLine(ln); c != event.NoCause {
			return c
		}
	}
	return event.NoCause
}

func (u *Unit) printLine(ln string) event.Cause {
	io.WriteString(u.out, ln)
	io.WriteString(u.out, "\n")
	u.line++
	if u.PageDepth > 0 && u.line >= u.PageDepth-1 && !u.inPagination {
		return u.pageThrow()
	}
	return event.NoCause
}

// pageThrow ends the current page: footing, prompt (display units only),
// heading for the next page. The re-entrancy guard keeps the hooks' own
// output from recursively repaginating.
func (u *Unit) pageThrow() event.Cause {
	u.inPagination = true
	defer func() { u.inPagination = false }()

	if u.FootingHook != nil {
		io.WriteString(u.out, u.FootingHook(u))
		io.WriteString(u.out, "\n")
	} else if u.Footing != "" {
		io.WriteString(u.out, u.Footing)
		io.WriteString(u.out, "\n")
	}

	cause := event.NoCause
	if u.Mode == ModeDisplay && u.paginating {
		cause = u.pagePrompt()
	}

	u.PageNo++
	u.line = 0
	if cause == event.NoCause {
		if u.HeadingHook != nil {
			io.WriteString(u.out, u.HeadingHook(u))
			io.WriteString(u.out, "\n")
			u.line++
		} else if u.Heading != "" {
			io.WriteString(u.out, u.Heading)
			io.WriteString(u.out, "\n")
			u.line++
		}
	}
	return cause
}

// pagePrompt is the press-RETURN/A/Q/S prompt: RETURN continues, Q raises
// Stop, A raises Abort (unless NoUserAborts), S disables pagination for
// the unit.
func (u *Unit) pagePrompt() event.Cause {
	for {
		io.WriteString(u.out, "Press RETURN to continue, A)bort, Q)uit, S)uppress: ")
		var choice byte
		if u.in != nil {
			line, err := u.in.ReadString('\n')
			if err != nil {
				return event.NoCause
			}
			line = strings.TrimSpace(strings.ToUpper(line))
			if line != "" {
				choice = line[0]
			}
		}
		switch choice {
		case 0:
			return event.NoCause
		case 'Q':
			return event.CauseStop
		case 'A':
			if u.NoUserAborts {
				continue
			}
			return event.CauseAbort
		case 'S':
			u.paginating = false
			return event.NoCause
		default:
			return event.NoCause
		}
	}
}

// Input reads one line from the unit's keyboard, blocking at most
// timeout (zero means indefinite). poll, when non-nil, runs roughly
// every quarter second while waiting so the caller can drain event bits;
// a true return cancels the wait. ok is false on timeout, cancellation,
// or end of input.
func (u *Unit) Input(timeout time.Duration, poll func() bool) (line string, ok bool) {
	if u.in == nil {
		return "", false
	}
	if u.inputC == nil {
		u.inputC = make(chan inputResult)
		go func() {
			for {
				s, err := u.in.ReadString('\n')
				u.inputC <- inputResult{strings.TrimRight(s, "\r\n"), err}
				if err != nil {
					return
				}
			}
		}()
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case r := <-u.inputC:
			if r.err != nil {
				return r.line, false
			}
			return r.line, true
		case <-deadline:
			return "", false
		case <-tick.C:
			if poll != nil && poll() {
				return "", false
			}
		}
	}
}

type inputResult struct {
	line string
	err  error
}

// Table manages the process's print units, including the template unit
// (-3) cloned into user units on first touch, and the last-referenced
// cache, invalidated on close so it never names a freed unit.
type Table struct {
	units map[int]*Unit

	lastNo   int
	lastUnit *Unit
}

// NewTable builds a Table with the display unit installed.
func NewTable() *Table {
	t := &Table{units: make(map[int]*Unit)}
	t.units[UnitDisplay] = NewDisplay()
	t.units[UnitTemplate] = NewUnit(UnitTemplate, ModePrinter, io.Discard)
	return t
}

// Unit returns print unit no, creating user units 0..255 from the
// template on first reference.
func (t *Table) Unit(no int) *Unit {
	if t.lastUnit != nil && t.lastNo == no {
		return t.lastUnit
	}
	u, ok := t.units[no]
	if !ok {
		tmpl := t.units[UnitTemplate]
		u = NewUnit(no, ModePrinter, io.Discard)
		if tmpl != nil {
			u.PageWidth, u.PageDepth = tmpl.PageWidth, tmpl.PageDepth
			u.Heading, u.Footing = tmpl.Heading, tmpl.Footing
		}
		t.units[no] = u
	}
	t.lastNo, t.lastUnit = no, u
	return u
}

// Close removes unit no, invalidating the last-referenced cache before
// the unit goes away.
func (t *Table) Close(no int) {
	if t.lastNo == no {
		t.lastUnit = nil
	}
	delete(t.units, no)
}
