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

// Package event implements the per-process event bus: a 32-bit event
// word per process, raised under the SHORT_CODE semaphore and consumed
// cooperatively at suspension points. The broadcast-to-all-processes
// fan-out uses golang.org/x/sync/errgroup rather than a hand-rolled
// WaitGroup+error-channel pair.
package event

import (
	"golang.org/x/sync/errgroup"

	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/xlog"
)

// Bit is one event flag.
type Bit uint32

const (
	Logout Bit = 1 << iota
	Terminate
	Licence
	Status
	Unload
	Break
	HSMOn
	HSMDump
	PDump
	FlushCache
	Message
	RebuildLLT
)

// userLogout is the flags-word bit set whenever any of Logout/Terminate/
// Licence is raised.
const userLogout = shm.ProcLogout

// Cause is a VM-level non-local exit cause; event
// delivery can set it directly (LOGOUT/TERMINATE) for internal/vm to
// observe.
type Cause int

const (
	NoCause Cause = iota
	CauseReturn
	CauseStop
	CauseChain
	CauseChainProc
	CauseAbort
	CauseLogout
	CauseTerminate
	CauseQuit
	CauseExitRecursive
	CauseToggleTracer
)

// ProcessSnapshot captures the fields the MESSAGE handler must save and
// restore around a reentrant pcode call.
type ProcessSnapshot struct {
	Status        int
	OSError       int
	Inmat         int
	SuppressComo  bool
	Capturing     bool
	Hush          bool
	DisplayLine   int
	Pagination    bool
}

// Handlers bundles the callbacks process_events invokes for side-
// effecting event bits, so Bus stays decoupled
// from internal/vm, internal/storage and internal/lockmgr.
type Handlers struct {
	DumpStatus       func(slot int)
	InvalidateCache  func()
	FlushDHCache     func()
	RebuildLLT       func(slot int)
	ResetBreakInhibit func()
	RunMessagePcode  func(slot int, snap ProcessSnapshot) ProcessSnapshot
	SnapshotProcess  func(slot int) ProcessSnapshot
	RestoreProcess   func(slot int, snap ProcessSnapshot)
}

// Bus delivers and consumes event bits against a shm.Segment's process
// table.
type Bus struct {
	seg *shm.Segment
	h   Handlers

	// inMessage masks the MESSAGE bit while its handler runs, preventing
	// reentry; a MESSAGE raised meanwhile stays set
	// in the shared word and is delivered by a later Process call.
	inMessage bool
}

func (b *Bus) maskFor() Bit {
	mask := ^Bit(0)
	if b.inMessage {
		mask &^= Message
	}
	return mask
}

// New builds a Bus over seg with the given side-effect handlers.
func New(seg *shm.Segment, h Handlers) *Bus {
	return &Bus{seg: seg, h: h}
}

// Raise atomically ORs bits into one process's event word, or into every
// process's word when slot is negative. The
// RMW runs under SHORT_CODE inside shm.OrEventBits.
func (b *Bus) Raise(bits Bit, slot int) {
	setLogout := bits&(Logout|Terminate|Licence) != 0
	set := func(i int) {
		b.seg.OrEventBits(i, uint32(bits), setLogout)
	}
	if slot < 0 {
		// Broadcast: fan out one goroutine per slot, joined via errgroup so
		// a future fallible delivery path (e.g. a network push to a remote
		// phantom) can return an error without breaking every other
		// delivery in flight.
		g := new(errgroup.Group)
		for i := 1; i <= b.seg.Counters.MaxUsers; i++ {
			idx := i
			g.Go(func() error {
				set(idx)
				return nil
			})
		}
		_ = g.Wait()
		return
	}
	set(slot)
}

// Process is the consumer, process_events: reads and
// clears this process's bits, dispatches each, and returns the resulting
// non-local Cause (NoCause if none of the handled bits produced one).
func (b *Bus) Process(slot int) Cause {
	bits := Bit(b.seg.TakeEventBits(slot, uint32(b.maskFor())))
	if bits == 0 {
		return NoCause
	}

	cause := NoCause
	if bits&(Logout|Licence) != 0 {
		cause = CauseLogout
	} else if bits&Terminate != 0 {
		cause = CauseTerminate
	}

	if bits&Status != 0 && b.h.DumpStatus != nil {
		b.h.DumpStatus(slot)
	}
	if bits&Unload != 0 && b.h.InvalidateCache != nil {
		b.h.InvalidateCache()
	}
	if bits&Break != 0 && b.h.ResetBreakInhibit != nil {
		b.h.ResetBreakInhibit()
	}
	if bits&Message != 0 && b.h.RunMessagePcode != nil && b.h.SnapshotProcess != nil && b.h.RestoreProcess != nil {
		snap := b.h.SnapshotProcess(slot)
		b.inMessage = true
		result := b.h.RunMessagePcode(slot, snap)
		b.inMessage = false
		b.h.RestoreProcess(slot, result)
	}
	if bits&FlushCache != 0 && b.h.FlushDHCache != nil {
		b.h.FlushDHCache()
	}
	if bits&RebuildLLT != 0 && b.h.RebuildLLT != nil {
		b.h.RebuildLLT(slot)
	}

	if cause != NoCause {
		xlog.Info("event bus produced non-local cause", "slot", slot, "bits", bits, "cause", cause)
	}
	return cause
}

// Pending reports the current (unmasked) event word for slot without
// clearing it, for callers that just need to know whether to bother
// calling Process at all.
func (b *Bus) Pending(slot int) Bit {
	return Bit(b.seg.EventBits(slot))
}
