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

package storage

import (
	"errors"
	"time"

	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/xlog"
)

// Exclusive-access retry policy: broadcast EVT_FLUSH_CACHE and retry a
// fixed number of times.
const (
	exclusiveRetries  = 6
	exclusiveInterval = 500 * time.Millisecond
)

// FileVar is an open-file handle: the payload of a FileRef descriptor.
// Each FileVar holds one reference on the global
// FileEntry; the last Release across all processes lets the entry's
// refcount fall to zero.
type FileVar struct {
	Index int // index in the owning process's file-variable table
	File  *DHFile

	eng   *Engine
	refCt int
}

// OpenFile opens pathname as a dynamic-hash file, registering it in the
// shared file table on first open and bumping the entry refcount.
func (e *Engine) OpenFile(pathname string, flags shm.FileFlags, procSlot, fvarIndex int) (*FileVar, error) {
	e.seg.FileTableLock.Lock()
	fileID := 0
	for i := 1; ; i++ {
		fptr := e.seg.File(i)
		if fptr == nil {
			break
		}
		if fptr.Pathname == pathname {
			fileID = i
			break
		}
	}
	if fileID == 0 {
		e.seg.FileTableLock.Unlock()
		fileID = e.seg.AddFile(pathname, flags)
		e.seg.FileTableLock.Lock()
	}
	fptr := e.seg.File(fileID)
	if fptr.RefCount < 0 {
		// Exclusive-access held: accessible only via the granted handle.
		e.seg.FileTableLock.Unlock()
		return nil, ErrExclusive
	}
	fptr.RefCount++
	e.seg.FileTableLock.Unlock()

	e.seg.MutateProc(procSlot, func(p *shm.ProcEntry) {
		if p.FileRefs != nil {
			p.FileRefs[fileID]++
		}
	})

	f, err := e.Open(fileID)
	if err != nil {
		return nil, err
	}
	return &FileVar{Index: fvarIndex, File: f, eng: e, refCt: 1}, nil
}

// Retain bumps the descriptor-level refcount (dup of a FileRef value).
func (v *FileVar) Retain() { v.refCt++ }

// Release drops one descriptor-level reference; the last one releases the
// global FileEntry reference (the Close-opcode / frame-unwind path).
func (v *FileVar) Release() {
	v.refCt--
	if v.refCt > 0 {
		return
	}
	v.eng.seg.FileTableLock.Lock()
	fptr := v.eng.seg.File(v.File.ID)
	if fptr != nil {
		if fptr.RefCount < 0 {
			// Exclusive mode ends when its sole handle closes.
			fptr.RefCount = 0
			fptr.ExclusiveVar = 0
		} else if fptr.RefCount > 0 {
			fptr.RefCount--
		}
	}
	v.eng.seg.FileTableLock.Unlock()
}

// ErrExclusive is returned when a file is reserved for exclusive access.
var ErrExclusive = errors.New("storage: file held for exclusive access")

// RequestExclusive attempts the exclusive-access protocol for v: set
// the entry refcount to -1 iff this process's single open is the only
// reference. If blocked by cached readers elsewhere, broadcast
// EVT_FLUSH_CACHE (via broadcast) and retry. On success the entry records
// v's index so the file stays reachable only through this handle.
func (v *FileVar) RequestExclusive(procSlot int, broadcast func()) bool {
	for attempt := 0; attempt < exclusiveRetries; attempt++ {
		v.eng.seg.FileTableLock.Lock()
		fptr := v.eng.seg.File(v.File.ID)
		openOnce := v.eng.seg.ProcUnordered(procSlot).FileRefs[v.File.ID] == 1
		if fptr != nil && fptr.RefCount == 1 && openOnce {
			fptr.RefCount = -1
			fptr.ExclusiveVar = v.Index
			v.eng.seg.FileTableLock.Unlock()
			xlog.Info("exclusive access granted", "file", v.File.ID, "fvar", v.Index)
			return true
		}
		v.eng.seg.FileTableLock.Unlock()
		if broadcast != nil {
			broadcast()
		}
		time.Sleep(exclusiveInterval)
	}
	return false
}

// FControlAction selects an FCONTROL mutation.
type FControlAction int

const (
	FcSetJournal FControlAction = iota
	FcJournalOff
	FcSetAKPath
	FcNonTxn
	FcForceSplit
	FcForceMerge
	FcSetNoResize
	FcClearNoResize
)

// FControl applies one file-control action. Header-mutating actions take
// the file's header lock, the in-process stand-in for the group-0 write
// lock that header mutation requires.
func (v *FileVar) FControl(action FControlAction, intArg int, strArg string) {
	f := v.File
	f.headerMu.Lock()
	switch action {
	case FcSetJournal:
		f.JournalFileNo = intArg
		f.JournalOff = false
	case FcJournalOff:
		f.JournalOff = true
	case FcSetAKPath:
		f.AKPath = strArg
	}
	f.headerMu.Unlock()

	switch action {
	case FcNonTxn, FcSetNoResize, FcClearNoResize:
		v.eng.seg.FileTableLock.Lock()
		fptr := v.eng.seg.File(f.ID)
		switch action {
		case FcNonTxn:
			fptr.Flags |= shm.FileNonTxn
		case FcSetNoResize:
			fptr.Flags |= shm.FileNoResize
		case FcClearNoResize:
			fptr.Flags &^= shm.FileNoResize
		}
		v.eng.seg.FileTableLock.Unlock()
	case FcForceSplit:
		f.Split()
	case FcForceMerge:
		f.Merge()
	}
}
