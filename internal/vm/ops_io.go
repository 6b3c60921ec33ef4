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
	"fmt"
	"time"

	"github.com/scarletdme/qmvm/internal/descriptor"
	"github.com/scarletdme/qmvm/internal/errmodel"
	"github.com/scarletdme/qmvm/internal/lockmgr"
	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/storage"
)

// FieldMark separates fields in dynamic-array strings built by opcodes.
const FieldMark byte = 0xFE

// pushStatus records st in process state and pushes the status
// descriptor the compiler's THEN/ELSE clauses branch on.
func (p *Process) pushStatus(st errmodel.Status) {
	p.Status = st
	p.push(descriptor.Value{Kind: descriptor.Integer, I: int64(st), Flags: descriptor.FlagSystem})
}

// popFileRef resolves the stack top to an open FileVar, or nil for a
// null value (the RELEASE-all form).
func (p *Process) popFileRef() (*storage.FileVar, error) {
	v := p.pop()
	t, ok := descriptor.Deref(&v)
	if !ok {
		return nil, errmodel.ErrUnassigned
	}
	switch t.Kind {
	case descriptor.FileRef:
		return t.File.(*storage.FileVar), nil
	case descriptor.String:
		if t.Str.Len() == 0 {
			return nil, nil
		}
	}
	return nil, errmodel.ErrBadID
}

// execIO implements the file, lock, select, and terminal opcodes.
func (p *Process) execIO(op Opcode) error {
	switch op {
	case OpOpen:
		flags := shm.FileFlags(p.fetch8())
		path, err := p.popString()
		if err != nil {
			return err
		}
		if p.Engine == nil {
			return errmodel.ErrBadID
		}
		p.nextFvar++
		fv, err := p.Engine.OpenFile(string(path), flags, p.Slot, p.nextFvar)
		if err != nil {
			p.push(descriptor.Value{Kind: descriptor.String})
			p.pushStatus(errmodel.ErIOE)
			return nil
		}
		p.fvars[fv.Index] = fv
		p.push(descriptor.Value{Kind: descriptor.FileRef, File: fv})
		p.pushStatus(errmodel.OK)

	case OpClose:
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv != nil {
			delete(p.fvars, fv.Index)
			fv.Release()
		}

	case OpRead, OpReadL, OpReadU:
		id, err := p.popString()
		if err != nil {
			return err
		}
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil {
			return errmodel.ErrBadID
		}
		if op != OpRead {
			r := p.lockWithWait(fv, string(id), op == OpReadU)
			if r != errmodel.OK {
				p.push(descriptor.Value{Kind: descriptor.String})
				p.pushStatus(r)
				return nil
			}
		}
		data, ok := fv.File.Read(string(id))
		if !ok {
			p.push(descriptor.Value{Kind: descriptor.String})
			p.pushStatus(errmodel.ErIID)
			return nil
		}
		p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString(data)})
		p.pushStatus(errmodel.OK)

	case OpWrite:
		data, err := p.popString()
		if err != nil {
			return err
		}
		id, err := p.popString()
		if err != nil {
			return err
		}
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil {
			return errmodel.ErrBadID
		}
		if fv.File.Write(string(id), data) {
			p.pushStatus(errmodel.OK)
		} else {
			p.pushStatus(errmodel.ErIOE)
		}

	case OpDelete:
		id, err := p.popString()
		if err != nil {
			return err
		}
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil {
			return errmodel.ErrBadID
		}
		if fv.File.Delete(string(id)) {
			p.pushStatus(errmodel.OK)
		} else {
			p.pushStatus(errmodel.ErIID)
		}

	case OpRelease:
		id, err := p.popString()
		if err != nil {
			return err
		}
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if p.Locks == nil {
			return nil
		}
		fileID := 0
		if fv != nil {
			fileID = fv.File.ID
		}
		p.Locks.UnlockRecord(p.Slot, p.Uid, fileID, string(id))

	case OpFileLock:
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil || p.Locks == nil {
			return errmodel.ErrBadID
		}
		tag := 0
		if p.Txn != nil {
			tag = p.Txn.TagFor(fv.File.ID)
		}
		r := p.Locks.LockFileWait(p.Slot, p.Uid, fv.File.ID, tag, false)
		p.pushStatus(lockStatus(r))

	case OpFileUnlock:
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv != nil && p.Locks != nil {
			p.Locks.UnlockFile(p.Uid, fv.File.ID)
		}

	case OpSelect:
		listNo := int(p.fetch8())
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil {
			return errmodel.ErrBadID
		}
		p.lists[listNo] = fv.File.Select(listNo)

	case OpReadNext:
		listNo := int(p.fetch8())
		ids := p.lists[listNo]
		if len(ids) == 0 {
			p.push(descriptor.Value{Kind: descriptor.String})
			p.pushStatus(errmodel.ErIID)
			return nil
		}
		p.lists[listNo] = ids[1:]
		p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte(ids[0]))})
		p.pushStatus(errmodel.OK)

	case OpClearSelect:
		listNo := int(p.fetch8())
		delete(p.lists, listNo)

	case OpSelectGroup:
		listNo := int(p.fetch8())
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil {
			return errmodel.ErrBadID
		}
		more := fv.File.SelectGroup(listNo)
		p.lists[listNo] = fv.File.SelectIDs(listNo)
		i := int64(0)
		if more {
			i = 1
		}
		p.push(descriptor.Value{Kind: descriptor.Integer, I: i})

	case OpCompleteSelect:
		listNo := int(p.fetch8())
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil {
			return errmodel.ErrBadID
		}
		fv.File.CompleteSelect(listNo)
		p.lists[listNo] = fv.File.SelectIDs(listNo)

	case OpGrpStat:
		group := int64(p.fetch32())
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil {
			return errmodel.ErrBadID
		}
		st := fv.File.GrpStat(group)
		s := fmt.Sprintf("%d%c%d%c%d%c%d", st.BytesUsed, FieldMark, st.BufferCount, FieldMark, st.RecordCount, FieldMark, st.LargeRecords)
		p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte(s))})

	case OpFControl:
		action := storage.FControlAction(p.fetch8())
		arg := int(int16(p.fetch16()))
		strArg, err := p.popString()
		if err != nil {
			return err
		}
		fv, err := p.popFileRef()
		if err != nil {
			return err
		}
		if fv == nil {
			return errmodel.ErrBadID
		}
		fv.FControl(action, arg, string(strArg))

	case OpSleep:
		ms, _, err := p.popNum()
		if err != nil {
			return err
		}
		// A suspension point: sleep in event-poll slices so cancellation
		// stays cooperative.
		deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
		for time.Now().Before(deadline) {
			slice := time.Until(deadline)
			if slice > 250*time.Millisecond {
				slice = 250 * time.Millisecond
			}
			time.Sleep(slice)
			p.ProcessEvents()
			if p.exitCause != 0 {
				return nil
			}
		}

	case OpPrint:
		b, err := p.popString()
		if err != nil {
			return err
		}
		if p.Tio != nil {
			if cause := p.Tio.Print(string(b)); cause != 0 {
				p.exitCause = cause
			}
		}

	case OpInput:
		ms, _, err := p.popNum()
		if err != nil {
			return err
		}
		if p.Tio == nil {
			p.push(descriptor.Value{Kind: descriptor.String})
			p.pushStatus(errmodel.ErIOE)
			return nil
		}
		line, ok := p.Tio.Input(time.Duration(ms)*time.Millisecond, func() bool {
			p.ProcessEvents()
			return p.exitCause != 0
		})
		if !ok {
			p.push(descriptor.Value{Kind: descriptor.String})
			p.pushStatus(errmodel.ErIOE)
			return nil
		}
		p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte(line))})
		p.pushStatus(errmodel.OK)

	case OpPrompt:
		b, err := p.popString()
		if err != nil {
			return err
		}
		if len(b) > 0 {
			p.PromptChar = b[0]
		} else {
			p.PromptChar = 0
		}

	case OpLockNum, OpUnlockNum:
		n := int(p.fetch8())
		if p.Seg == nil {
			return nil
		}
		if op == OpUnlockNum {
			p.Seg.TaskUnlock(n, p.Uid)
			return nil
		}
		for !p.Seg.TaskLock(n, p.Uid) {
			time.Sleep(250 * time.Millisecond)
			p.ProcessEvents()
			if p.exitCause != 0 {
				return nil
			}
		}

	default:
		return errmodel.ErrBadOpcode
	}
	return nil
}

// lockWithWait takes a record lock for a READL/READU, blocking with the
// retry protocol and translating the manager's result into a status.
func (p *Process) lockWithWait(fv *storage.FileVar, id string, update bool) errmodel.Status {
	if p.Locks == nil {
		return errmodel.OK
	}
	tag := 0
	if p.Txn != nil {
		tag = p.Txn.TagFor(fv.File.ID)
	}
	return lockStatus(p.Locks.LockRecordWait(p.Slot, p.Uid, fv.File.ID, fv.Index, id, update, tag))
}

func lockStatus(r int) errmodel.Status {
	switch {
	case r == lockmgr.LockOK:
		return errmodel.OK
	case r == lockmgr.LockTableFull:
		return errmodel.ErFull
	case r == lockmgr.LockDeadlock:
		return errmodel.ErDeadlk
	default:
		return errmodel.ErLCK
	}
}
