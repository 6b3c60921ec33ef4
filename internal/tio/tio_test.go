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

package tio

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/scarletdme/qmvm/internal/event"
)

// displayUnit builds a display-mode unit with a scripted keyboard and a
// capture buffer, page depth 4.
func displayUnit(keys string) (*Unit, *bytes.Buffer) {
	var out bytes.Buffer
	u := NewUnit(UnitDisplay, ModeDisplay, &out)
	u.PageDepth = 4
	u.paginating = true
	u.in = bufio.NewReader(strings.NewReader(keys))
	return u, &out
}

func TestPaginationPromptsAtPageEnd(t *testing.T) {
	u, out := displayUnit("\n\n\n")
	for i := 0; i < 9; i++ {
		if c := u.Print("line"); c != event.NoCause {
			t.Fatalf("unexpected cause at line %d: %v", i, c)
		}
	}
	if !strings.Contains(out.String(), "Press RETURN") {
		t.Fatal("no pagination prompt emitted")
	}
	if u.PageNo < 2 {
		t.Fatalf("page number did not advance: %d", u.PageNo)
	}
}

func TestQuitChoiceRaisesStop(t *testing.T) {
	u, _ := displayUnit("Q\n")
	var got event.Cause
	for i := 0; i < 5; i++ {
		if c := u.Print("line"); c != event.NoCause {
			got = c
			break
		}
	}
	if got != event.CauseStop {
		t.Fatalf("Q at page prompt: got %v want CauseStop", got)
	}
}

func TestAbortChoiceRaisesAbort(t *testing.T) {
	u, _ := displayUnit("A\n")
	var got event.Cause
	for i := 0; i < 5; i++ {
		if c := u.Print("line"); c != event.NoCause {
			got = c
			break
		}
	}
	if got != event.CauseAbort {
		t.Fatalf("A at page prompt: got %v want CauseAbort", got)
	}
}

func TestAbortSuppressedByNoUserAborts(t *testing.T) {
	u, _ := displayUnit("A\n\n")
	u.NoUserAborts = true
	for i := 0; i < 5; i++ {
		if c := u.Print("line"); c != event.NoCause {
			t.Fatalf("abort leaked through NoUserAborts: %v", c)
		}
	}
}

func TestSuppressDisablesPagination(t *testing.T) {
	u, out := displayUnit("S\n")
	for i := 0; i < 30; i++ {
		if c := u.Print("line"); c != event.NoCause {
			t.Fatalf("unexpected cause: %v", c)
		}
	}
	if u.Paginating() {
		t.Fatal("S did not disable pagination")
	}
	if n := strings.Count(out.String(), "Press RETURN"); n != 1 {
		t.Fatalf("prompt shown %d times after suppression", n)
	}
}

func TestHeadingHookDoesNotRepaginate(t *testing.T) {
	u, out := displayUnit("\n\n\n\n\n\n\n\n")
	// A heading bigger than the page would recurse without the guard.
	u.HeadingHook = func(*Unit) string {
		return strings.Repeat("H\n", 10)
	}
	for i := 0; i < 12; i++ {
		u.Print("line")
	}
	if !strings.Contains(out.String(), "H\n") {
		t.Fatal("heading never emitted")
	}
}

func TestInputReadsLineAndTimesOut(t *testing.T) {
	u, _ := displayUnit("hello world\n")
	line, ok := u.Input(0, nil)
	if !ok || line != "hello world" {
		t.Fatalf("Input: %q ok=%v", line, ok)
	}
	// The scripted keyboard is exhausted: the next bounded wait must
	// report failure rather than block forever.
	if _, ok := u.Input(300*time.Millisecond, nil); ok {
		t.Fatal("expected failure on exhausted input")
	}
}

func TestInputPollCancels(t *testing.T) {
	u, _ := displayUnit("")
	pr, pw := io.Pipe() // keyboard that never produces a line
	defer pw.Close()
	u.in = bufio.NewReader(pr)
	calls := 0
	_, ok := u.Input(0, func() bool {
		calls++
		return calls >= 2
	})
	if ok {
		t.Fatal("cancelled input reported ok")
	}
	if calls < 2 {
		t.Fatalf("poll ran %d times", calls)
	}
}

func TestTemplateCloningAndLastUnitCache(t *testing.T) {
	tbl := NewTable()
	tmpl := tbl.Unit(UnitTemplate)
	tmpl.PageDepth = 50
	u7 := tbl.Unit(7)
	if u7.PageDepth != 50 {
		t.Fatalf("unit 7 not cloned from template: depth %d", u7.PageDepth)
	}
	if tbl.Unit(7) != u7 {
		t.Fatal("repeat lookup returned a different unit")
	}
	tbl.Close(7)
	if tbl.Unit(7) == u7 {
		t.Fatal("stale last-referenced unit returned after Close")
	}
}
