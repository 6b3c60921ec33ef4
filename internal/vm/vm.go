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
	"github.com/scarletdme/qmvm/internal/object"
	"github.com/scarletdme/qmvm/internal/xlog"
	"github.com/scarletdme/qmvm/pkg/objfmt"
)

// Dispatch runs the inner loop until a cause it cannot consume locally
// surfaces. Return/Stop/Chain/ToggleTracer are handled
// inside; Abort/Logout/Terminate/Quit/ExitRecursive are returned to the
// caller (the outer kernel loop or a recursive's host opcode).
func (p *Process) Dispatch() event.Cause {
	for {
		if p.exitCause == event.NoCause {
			p.checkBreak()
		}
		if c := p.exitCause; c != event.NoCause {
			p.exitCause = event.NoCause
			switch c {
			case event.CauseReturn:
				outermost := p.frame != nil && p.frame.Prev == nil
				fromRecursive := p.frame != nil && p.frame.recursiveRun
				p.Return()
				if fromRecursive {
					// The frame this nested loop was started for has
					// returned; hand control back to the host opcode.
					return event.CauseExitRecursive
				}
				if outermost || p.frame == nil {
					return event.CauseReturn
				}
				continue
			case event.CauseStop:
				if done := p.handleStop(); done {
					continue
				}
				return event.CauseStop
			case event.CauseChain, event.CauseChainProc:
				if err := p.handleChain(); err != nil {
					p.fatal("%s", err.Error())
					return event.CauseAbort
				}
				continue
			case event.CauseAbort, event.CauseLogout, event.CauseTerminate:
				return c
			case event.CauseQuit:
				if res := p.handleQuit(); res != event.NoCause {
					return res
				}
				continue
			case event.CauseExitRecursive:
				return event.CauseExitRecursive
			case event.CauseToggleTracer:
				p.trace = !p.trace
				continue
			}
		}

		if p.frame == nil {
			return event.CauseReturn
		}
		if err := p.step(); err != nil {
			p.raiseError(err)
		}
	}
}

// step fetches and executes exactly one instruction. The prefix handler
// reads one extra byte and indexes the extended table.
func (p *Process) step() error {
	f := p.frame
	code := f.Obj.Code
	if f.PC >= len(code) {
		p.exitCause = event.CauseReturn
		return nil
	}
	op := Opcode(code[f.PC])
	f.PC++
	if op == OpPrefix {
		if f.PC >= len(code) {
			return errmodel.ErrBadOpcode
		}
		op = 256 + Opcode(code[f.PC])
		f.PC++
	}
	p.Counters[op]++
	if p.trace {
		xlog.Trace("exec", "program", f.Name(), "pc", f.PC-1, "op", op)
	}
	return p.exec(op)
}

// handleStop implements the Stop unwind: trim the eval
// stack to the frame's saved depth, then pop frames to the nearest
// IS_CPROC. A RECURSIVE frame in between stops the unwind and propagates
// Stop to the recursive's host. Returns true when the cause was fully
// consumed here.
func (p *Process) handleStop() bool {
	for p.frame != nil {
		p.trimStack(p.frame.StackBase)
		if p.frame.HdrFlags.Has(objfmt.IsCproc) {
			return true
		}
		if p.frame.HdrFlags.Has(objfmt.Recursive) || p.frame.recursiveRun {
			// Stop unwinding here: pop the recursive frame and propagate
			// Stop to the caller of the recursive.
			p.Return()
			p.exitCause = event.CauseExitRecursive
			p.stopPropagating = true
			return true
		}
		p.Return()
	}
	return false
}

// handleChain implements Chain/ChainProc: clear any lock
// wait, validate frame type under recursion, unwind to below the nearest
// IS_CPROC.
func (p *Process) handleChain() error {
	if p.Locks != nil {
		p.Locks.UnlockRecord(p.Slot, p.Uid, 0, "")
	}
	if p.recursion > 0 {
		f := p.frame
		if f == nil || !(f.HdrFlags.Has(objfmt.IType) || f.HdrFlags.Has(objfmt.IsClass)) {
			return errmodel.ErrBadChain
		}
	}
	for p.frame != nil && !p.frame.HdrFlags.Has(objfmt.IsCproc) {
		p.trimStack(p.frame.StackBase)
		p.Return()
	}
	return nil
}

// handleQuit runs the registered break handler, or falls back to the
// interactive abort/go/quit/debug/logout prompt.
func (p *Process) handleQuit() event.Cause {
	if p.BreakHandler != nil {
		return p.BreakHandler(p)
	}
	if p.BreakPrompt == nil {
		// No prompt available (phantom, tests): the raw Quit reaches the
		// outer loop, which records @ABORT.CODE = 2.
		return event.CauseQuit
	}
	switch p.BreakPrompt(p) {
	case 'G': // go: resume where we stopped
		return event.NoCause
	case 'A':
		return event.CauseAbort
	case 'X':
		return event.CauseLogout
	case 'D':
		p.enterDebugger()
		return event.NoCause
	default: // 'Q'
		return event.CauseQuit
	}
}

// enterDebugger recurses into the debugger pcode with the process state
// snapshotted for restore at its Return.
func (p *Process) enterDebugger() {
	if p.Lib == nil {
		return
	}
	dbg, ok := p.Lib.Lookup("$DEBUG")
	if !ok || !dbg.Flags.Has(objfmt.IsDebugger) {
		return
	}
	snap := p.Snapshot()
	if err := p.Call(dbg.ProgramName, 0, dbg); err != nil {
		return
	}
	p.frame.SavedState = &snap
	p.frame.recursiveRun = true
	p.RunRecursive()
}

// RunRecursive executes the just-Called frame in a nested dispatch-loop
// instance until ExitRecursive. The host translates a
// trace toggle on the way back and re-raises any Stop that crossed the
// recursive boundary.
func (p *Process) RunRecursive() event.Cause {
	p.recursion++
	c := p.Dispatch()
	p.recursion--
	if c == event.CauseExitRecursive {
		if p.stopPropagating {
			// A Stop crossed the recursive boundary; hand it to the
			// recursive's caller.
			p.stopPropagating = false
			p.exitCause = event.CauseStop
			return event.NoCause
		}
		// Translate ExitRecursive into ToggleTracer so the host loop
		// re-assesses trace mode on the way back. The
		// toggle-twice in the handler nets out to a re-read.
		p.exitCause = event.CauseToggleTracer
		p.trace = !p.trace
		return event.NoCause
	}
	return c
}

// CallMethod invokes an object method through the recursive mechanism,
// setting the frame's objdata and the process-global object key that the
// callee reads for SET/GET dispatch. Arguments must
// already be on the eval stack.
func (p *Process) CallMethod(recv *object.Instance, key int64, argc int) error {
	if err := p.Call(recv.Code.ProgramName, argc, recv.Code); err != nil {
		return err
	}
	p.frame.ObjData = recv
	p.frame.recursiveRun = true
	p.objectKey = key
	if c := p.RunRecursive(); c != event.NoCause {
		p.exitCause = c
	}
	return nil
}

// ObjectKey reads the process-global method-dispatch key.
func (p *Process) ObjectKey() int64 { return p.objectKey }

// Kernel is the outer loop: an infinite retry around
// Dispatch that translates non-local causes into abort codes and re-calls
// the command processor. It returns on Logout (normal exit), on Terminate,
// when the outermost frame returns, or with an error when the command
// processor cannot be called.
func (p *Process) Kernel(cprocName string) error {
	for {
		if p.frame == nil {
			if err := p.Call(cprocName, 0, nil); err != nil {
				return err
			}
		}
		switch cause := p.Dispatch(); cause {
		case event.CauseReturn:
			return nil
		case event.CauseAbort:
			p.abortCommon(AbortCodeAbort)
			p.unwindToCProc()
		case event.CauseQuit:
			p.setAbortCode(AbortCodeQuit)
			p.unwindToCProc()
		case event.CauseTerminate:
			p.abortCommon(AbortCodeTerminate)
			p.unwindAll()
			return nil
		case event.CauseLogout:
			if p.Txn != nil {
				p.Txn.Abort()
			}
			p.releaseResources()
			return nil
		default:
			p.unwindToCProc()
		}
		if p.frame == nil {
			// The command processor itself unwound; restart it.
			continue
		}
		// Re-enter the same command processor frame (IS_EXECUTE and
		// IGNORE_ABORTS were preserved by unwindToCProc).
		p.frame.PC = int(p.frame.Obj.StartOffset)
	}
}

// abortCommon is the shared Abort/Terminate bookkeeping: roll back the
// transaction, clear list 0, set the abort code. It does not touch lock
// waits (the lock-wait loops clear their own wait state before they
// return) and does not reset collation, which the process does not carry.
func (p *Process) abortCommon(code int) {
	if p.Txn != nil {
		p.Txn.Abort()
	}
	delete(p.lists, 0)
	p.setAbortCode(code)
}

// setAbortCode records the abort code and mirrors it into @ABORT.CODE
// (sysvar slot 0).
func (p *Process) setAbortCode(code int) {
	p.AbortCode = code
	if el, err := p.sysvars.Element(0); err == nil {
		el.Release()
		*el = descriptor.Value{Kind: descriptor.Integer, I: int64(code), Flags: descriptor.FlagSystem}
	}
}

// releaseResources is the Logout sweep: all locks, all file variables,
// the process-table slot.
func (p *Process) releaseResources() {
	p.unwindAll()
	for idx, fv := range p.fvars {
		fv.Release()
		delete(p.fvars, idx)
	}
	if p.Locks != nil {
		p.Locks.ReleaseAll(p.Slot, p.Uid)
	}
	if p.Seg != nil {
		p.Seg.Logout(p.Slot)
	}
}

// fatal routes a k_error-style fatal diagnostic and arms the Abort
// cause: fatal errors unwind to the outer kernel loop.
func (p *Process) fatal(format string, args ...any) {
	pc, line := 0, 0
	name := "?"
	if p.frame != nil {
		pc = p.frame.PC
		line = p.frame.Obj.LineForPC(pc)
		name = p.CurrentProgram()
	}
	r := errmodel.KError(name, pc, line, format, args...).Walk(p.StackWalk())
	p.AbortMsg = r.String()
	p.exitCause = event.CauseAbort
}

// raiseError converts an opcode-level error into either the armed
// ON ERROR status path or a fatal abort: a failed opcode with P_ON_ERROR
// armed routes to the caller's ON ERROR clause; otherwise it raises a
// fatal error.
func (p *Process) raiseError(err error) {
	if p.opFlags&POnError != 0 {
		p.opFlags &^= POnError
		p.Status = statusFor(err)
		return
	}
	p.fatal("%s", err.Error())
}

func statusFor(err error) errmodel.Status {
	switch err {
	case errmodel.ErrLocked:
		return errmodel.ErLCK
	case errmodel.ErrNoLock:
		return errmodel.ErNLK
	case errmodel.ErrBadID:
		return errmodel.ErIID
	default:
		return errmodel.ErIOE
	}
}

// RaiseStop arms the Stop cause from outside the dispatch loop (the
// SrvrEndCommand client function).
func (p *Process) RaiseStop() {
	p.exitCause = event.CauseStop
}

// Logout releases everything the process owns; the client-server session
// teardown path.
func (p *Process) Logout() {
	p.releaseResources()
}

// ProcessEvents drains pending event bits, translating delivered causes
// into the dispatch loop's exit causes; called at every suspension
// point.
func (p *Process) ProcessEvents() {
	if p.Bus == nil {
		return
	}
	if c := p.Bus.Process(p.Slot); c != event.NoCause {
		p.exitCause = c
	}
}
