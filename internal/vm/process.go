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

package vm

import (
	"github.com/scarletdme/qmvm/internal/descriptor"
	"github.com/scarletdme/qmvm/internal/errmodel"
	"github.com/scarletdme/qmvm/internal/event"
	"github.com/scarletdme/qmvm/internal/lockmgr"
	"github.com/scarletdme/qmvm/internal/object"
	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/storage"
	"github.com/scarletdme/qmvm/internal/tio"
	"github.com/scarletdme/qmvm/internal/txn"
)

// MaxCallDepth bounds nested CALLs.
const MaxCallDepth = 256

// evalStackSlack is the headroom added beyond a callee's declared stack
// depth when growing the evaluation stack.
const evalStackSlack = 16

// Op flags armed by OpSetFlags before an operation.
const (
	POnError uint16 = 1 << iota
)

// AbortCode values stored in @ABORT.CODE by the outer kernel loop.
const (
	AbortCodeNone      = 0
	AbortCodeAbort     = 1
	AbortCodeQuit      = 2
	AbortCodeTerminate = 3
)

// Services bundles the collaborators a Process drives. Everything is
// optional in tests: with the service nil, OPEN and FILELOCK fail with an
// invalid-id error, INPUT reports ER_IOE, record-lock waits succeed at
// once, and PRINT, RELEASE, FILEUNLOCK and LOCK/UNLOCK do nothing.
type Services struct {
	Seg    *shm.Segment
	Bus    *event.Bus
	Locks  *lockmgr.Manager
	Txn    *txn.Manager
	Engine *storage.Engine
	Lib    *object.Library
	Tio    *tio.Unit
}

// Snapshot mirrors event.ProcessSnapshot for the MESSAGE handler's
// save/restore and the debugger-return restore.
type Snapshot struct {
	Status      errmodel.Status
	OSError     int
	Inmat       int
	SuppressComo bool
	Capturing   bool
	Hush        bool
	DisplayLine int
	Pagination  bool
}

// Process is one logical user's VM state: the evaluation stack, the frame
// chain, and the cooperative-control bookkeeping the dispatch loop reads.
type Process struct {
	Services

	Slot int // process-table slot
	Uid  int

	// Eval stack. Grown by Call per the callee's declared depth.
	stack []descriptor.Value
	sp    int

	frame     *Frame
	callDepth int

	// Non-local control.
	exitCause       event.Cause
	recursion       int
	stopPropagating bool // a Stop crossing a RECURSIVE boundary
	breakPending    bool
	breakInhibit    int
	objectKey       int64 // process-global SET/GET method key

	// Per-opcode status reporting.
	Status   errmodel.Status
	OSError  int
	Inmat    int
	opFlags  uint16
	AbortCode int
	AbortMsg  string // SYSCOM abort-message slot

	// TIO-adjacent state saved/restored around debugger and MESSAGE
	// recursion.
	SuppressComo bool
	Capturing    bool
	Hush         bool
	PromptChar   byte

	// BreakHandler, when registered, runs instead of the interactive
	// break prompt on Quit. It returns the cause to
	// resume with (NoCause continues execution).
	BreakHandler func(*Process) event.Cause

	// BreakPrompt is consulted when no handler is registered: it returns
	// one of 'A' (abort), 'G' (go), 'Q' (quit), 'D' (debug), 'X'
	// (logout). Tests stub it; the interactive build wires it to TIO.
	BreakPrompt func(*Process) byte

	// Counters tallies dispatched opcodes per opcode number; plain array
	// so the hot path stays allocation-free.
	Counters [512]uint64

	// sysvars backs the @-variables addressed by OpLdSys; slot 0 mirrors
	// @ABORT.CODE.
	sysvars *descriptor.Array

	// Common blocks by name, living for the session.
	commons map[string]*descriptor.Array

	// Select list 0..10 id queues fed by OpSelect/OpReadNext.
	lists map[int][]string

	// Open file variables by index, so Release-with-null-file can find
	// them and frame unwind can close them.
	fvars   map[int]*storage.FileVar
	nextFvar int

	trace bool
}

// NewProcess builds a Process with an initial eval stack.
func NewProcess(svc Services, slot, uid int) *Process {
	p := &Process{
		Services: svc,
		Slot:     slot,
		Uid:      uid,
		stack:    make([]descriptor.Value, 64),
		sysvars:  descriptor.NewArray(32, 0),
		commons:  make(map[string]*descriptor.Array),
		lists:    make(map[int][]string),
		fvars:    make(map[int]*storage.FileVar),
	}
	p.setAbortCode(AbortCodeNone)
	if p.Locks != nil {
		// Lock-wait retries are suspension points: drain events each
		// iteration and abandon the wait once a non-local cause is armed.
		p.Locks.ProcessEvents = func(slot int) errmodel.Status {
			p.ProcessEvents()
			if p.exitCause != event.NoCause {
				return errmodel.ErIOE
			}
			return errmodel.OK
		}
	}
	return p
}

// ---- Eval stack ------------------------------------------------------------

func (p *Process) push(v descriptor.Value) {
	if p.sp >= len(p.stack) {
		p.growStack(len(p.stack) + evalStackSlack)
	}
	p.stack[p.sp] = v
	p.sp++
}

func (p *Process) pop() descriptor.Value {
	p.sp--
	v := p.stack[p.sp]
	p.stack[p.sp] = descriptor.Value{}
	return v
}

func (p *Process) top() *descriptor.Value {
	return &p.stack[p.sp-1]
}

// Depth reports the current eval-stack depth, for call/return pairing
// checks.
func (p *Process) Depth() int { return p.sp }

// growStack reallocates the eval stack to at least want slots,
// reinitializing new slots as Unassigned and copying existing
// entries.
func (p *Process) growStack(want int) {
	if want <= len(p.stack) {
		return
	}
	ns := make([]descriptor.Value, want)
	copy(ns, p.stack[:p.sp])
	p.stack = ns
}

// trimStack releases eval-stack descriptors above depth, the partial-
// expression unwind of Stop/Abort. Descriptors are released
// individually, Addrs before the frames whose locals they borrow.
func (p *Process) trimStack(depth int) {
	for p.sp > depth {
		v := p.pop()
		if v.Kind != descriptor.Addr {
			v.Release()
		}
	}
}

// ---- Snapshot / restore ----------------------------------------------------

// Snapshot captures the state the debugger and MESSAGE handler preserve.
func (p *Process) Snapshot() Snapshot {
	s := Snapshot{
		Status: p.Status, OSError: p.OSError, Inmat: p.Inmat,
		SuppressComo: p.SuppressComo, Capturing: p.Capturing, Hush: p.Hush,
	}
	if p.Tio != nil {
		s.DisplayLine = p.Tio.Line()
		s.Pagination = p.Tio.Paginating()
	}
	return s
}

// Restore reinstates a snapshot.
func (p *Process) Restore(s Snapshot) {
	p.Status, p.OSError, p.Inmat = s.Status, s.OSError, s.Inmat
	p.SuppressComo, p.Capturing, p.Hush = s.SuppressComo, s.Capturing, s.Hush
	if p.Tio != nil {
		p.Tio.SetLine(s.DisplayLine)
		p.Tio.SetPaginating(s.Pagination)
	}
}

// ---- Break key -------------------------------------------------------------

// SignalBreak is the OS signal handler's side: it only sets the pending
// flag; conversion to Quit happens cooperatively between opcodes.
func (p *Process) SignalBreak() { p.breakPending = true }

// InhibitBreak adjusts the break-inhibit counter (BREAK ON/OFF).
func (p *Process) InhibitBreak(delta int) {
	p.breakInhibit += delta
	if p.breakInhibit < 0 {
		p.breakInhibit = 0
	}
}

// checkBreak converts a pending break into Quit when safe: inhibits at
// zero and not inside a recursive that disallows break.
func (p *Process) checkBreak() {
	if !p.breakPending || p.breakInhibit > 0 {
		return
	}
	if p.recursion > 0 && (p.frame == nil || !p.frame.Obj.Flags.Has(allowBreakFlag)) {
		return
	}
	p.breakPending = false
	p.exitCause = event.CauseQuit
}
