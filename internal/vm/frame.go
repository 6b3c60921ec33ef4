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
	"strings"

	"github.com/scarletdme/qmvm/internal/descriptor"
	"github.com/scarletdme/qmvm/internal/errmodel"
	"github.com/scarletdme/qmvm/internal/object"
	"github.com/scarletdme/qmvm/pkg/objfmt"
)

// allowBreakFlag aliases the header flag the break-key policy consults.
const allowBreakFlag = objfmt.AllowBreak

// FrameFlags are the per-frame state bits beyond the header flags
// copied from the object.
type FrameFlags uint16

const (
	FrameIsExecute FrameFlags = 1 << iota
	FrameIgnoreAborts
	FrameSortActive
)

// copyableHeaderFlags are the object-header flags a frame inherits.
const copyableHeaderFlags = objfmt.IsCproc | objfmt.IsClass | objfmt.Recursive |
	objfmt.IType | objfmt.Debug | objfmt.Internal | objfmt.IsDebugger |
	objfmt.AllowBreak | objfmt.VarArgs | objfmt.IsFunction

// Frame is the call-level state of one active program invocation.
type Frame struct {
	Obj *objfmt.Object
	PC  int
	// CallPC is the program counter offset at the call, for diagnostics.
	CallPC int

	Locals   *descriptor.Array
	ArgCount int

	GosubStack []int

	// StackBase is the eval-stack depth at entry; Stop trims back to it.
	StackBase int

	HdrFlags objfmt.Flags
	Flags    FrameFlags

	SavedPrompt byte
	// SavedCapture preserves the capture chain across EXECUTE frames.
	SavedCapture bool
	// SavedState holds the pre-debugger snapshot when HdrFlags has
	// IsDebugger.
	SavedState *Snapshot

	ObjData *object.Instance

	// recursiveRun marks a frame started by RunRecursive: its Return
	// exits the nested dispatch loop rather than resuming the host frame
	// inside it.
	recursiveRun bool

	Prev *Frame
}

// Name returns the frame's program name.
func (f *Frame) Name() string {
	if f == nil || f.Obj == nil {
		return "?"
	}
	return f.Obj.ProgramName
}

// Call implements the CALL discipline. obj may be nil,
// in which case name is resolved through the pcode library. The top argc
// eval-stack descriptors become the callee's first locals, ownership
// transferred.
func (p *Process) Call(name string, argc int, obj *objfmt.Object) error {
	if p.callDepth >= MaxCallDepth {
		return errmodel.ErrNestedTooDeep
	}
	byName := obj == nil
	if byName {
		if p.Lib == nil {
			return errmodel.ErrUnrecognizedName
		}
		o, ok := p.Lib.Lookup(name)
		if !ok {
			return errmodel.ErrUnrecognizedName
		}
		obj = o
	}
	// Classes are instantiated, not CALLed by name; method dispatch
	// enters them through an explicit object pointer (CallMethod).
	if byName && obj.Flags.Has(objfmt.IsClass) {
		return errmodel.ErrNotCallable
	}
	if obj.Flags.Has(objfmt.VarArgs) {
		if argc > int(obj.ArgCount) {
			return errmodel.ErrArgCount
		}
	} else if argc != int(obj.ArgCount) {
		return errmodel.ErrArgCount
	}

	f := &Frame{
		Obj:       obj,
		PC:        int(obj.StartOffset),
		Locals:    descriptor.NewArray(int(obj.NumLocals), 0),
		ArgCount:  argc,
		StackBase: p.sp - argc,
		HdrFlags:  obj.Flags & copyableHeaderFlags,
		SavedPrompt: p.PromptChar,
		Prev:      p.frame,
	}
	if p.frame != nil {
		f.CallPC = p.frame.PC
	}

	// Transfer argc descriptors off the stack into locals 0..argc-1
	// without releasing: ownership moves.
	for i := argc - 1; i >= 0; i-- {
		v := p.pop()
		slot, err := f.Locals.Element(i)
		if err != nil {
			return err
		}
		*slot = v
		slot.Flags = slot.Flags.Set(descriptor.FlagArg | descriptor.FlagArgSet)
	}

	p.growStack(f.StackBase + int(obj.StackDepth) + evalStackSlack)
	obj.RefCount++
	p.frame = f
	p.callDepth++
	return nil
}

// Return pops the current frame. Function callees
// leave their return value on the eval stack above StackBase.
func (p *Process) Return() {
	f := p.frame
	if f == nil {
		return
	}
	// Release locals; FlagArg descriptors were owned by the caller's
	// expressions originally but ownership moved at Call, so they release
	// here like any other local.
	f.Locals.Release()

	f.Obj.RefCount--
	if f.HdrFlags.Has(objfmt.IsDebugger) && f.SavedState != nil {
		p.Restore(*f.SavedState)
	}
	if f.Flags&FrameSortActive != 0 {
		p.sortCleanup()
	}
	if f.Flags&FrameIsExecute != 0 {
		p.PromptChar = f.SavedPrompt
	}
	p.frame = f.Prev
	p.callDepth--
}

// sortCleanup is the SORT_ACTIVE teardown hook run when a sorting frame
// returns. The sort workfile lives in the storage engine; dropping the
// process's reference is all the VM owes it.
func (p *Process) sortCleanup() {
	delete(p.lists, sortWorkList)
}

// sortWorkList is the list number the sort engine parks its workfile ids
// in while a sort is active.
const sortWorkList = 11

// unwindToCProc pops frames until an IS_CPROC frame is current (no other
// frame flag stops the unwind), preserving the flags the outer loop keeps
// across the re-call.
func (p *Process) unwindToCProc() {
	for p.frame != nil && !p.frame.HdrFlags.Has(objfmt.IsCproc) {
		p.trimStack(p.frame.StackBase)
		p.Return()
	}
	if p.frame != nil {
		p.trimStack(p.frame.StackBase)
		p.frame.Flags &= FrameIsExecute | FrameIgnoreAborts
	}
}

// unwindAll pops every frame (Terminate path).
func (p *Process) unwindAll() {
	for p.frame != nil {
		p.trimStack(p.frame.StackBase)
		p.Return()
	}
	p.trimStack(0)
}

// StackWalk reports the live frame chain outermost-last, tracking
// through RECURSIVE frames, for errmodel fatal reports.
func (p *Process) StackWalk() []errmodel.StackFrame {
	var out []errmodel.StackFrame
	for f := p.frame; f != nil; f = f.Prev {
		gosub := 0
		if n := len(f.GosubStack); n > 0 {
			gosub = f.GosubStack[n-1]
		}
		out = append(out, errmodel.StackFrame{Program: f.Name(), PC: f.PC, GosubPC: gosub})
	}
	return out
}

// CurrentProgram names the running program for diagnostics, attributing
// recursives to their outermost caller.
func (p *Process) CurrentProgram() string {
	f := p.frame
	for f != nil && f.HdrFlags.Has(objfmt.Recursive) && f.Prev != nil {
		f = f.Prev
	}
	if f == nil {
		return "?"
	}
	return strings.ToUpper(f.Obj.ProgramName)
}
