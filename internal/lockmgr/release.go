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

package lockmgr

import (
	"time"

	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/xlog"
)

// UnlockRecord releases one record lock held by uid on (fileID, id), or,
// with an empty id, every lock uid holds on fileID (every lock on every
// file when fileID is 0), plus any matching file lock.
// Locks tagged with a nonzero transaction id are exempt unless force is
// set (UnlockTxn passes force at commit/abort).
func (m *Manager) UnlockRecord(slot, uid, fileID int, id string) bool {
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	if id == "" {
		m.releaseBulk(slot, uid, fileID, 0, false)
		m.releaseFileLockLocked(uid, fileID)
		return true
	}
	fptr := m.seg.File(fileID)
	id = normalize(fptr, id)
	// Bloom pre-check: a definite miss proves no slot scan is needed.
	if f := m.filters[fileID]; f != nil && !f.Contains(hashable(idHash(fileID, id))) {
		return false
	}
	return m.releaseOne(slot, uid, fileID, id, false)
}

// UnlockTxn releases every lock uid holds that is tagged with txn — the
// commit/abort sweep.
func (m *Manager) UnlockTxn(slot, uid, txn int) {
	if txn == 0 {
		return
	}
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	m.releaseBulk(slot, uid, 0, txn, true)
	// A file lock held under this transaction is released with it.
	for i := 1; ; i++ {
		fptr := m.seg.File(i)
		if fptr == nil {
			break
		}
		owner := fptr.LockOwner
		if owner < 0 {
			owner = -owner
		}
		if owner == uid && fptr.LockTxnID == txn {
			fptr.LockOwner = 0
			fptr.LockTxnID = 0
		}
	}
}

// releaseBulk drops every matching lock from the shared table and the
// local lock table. txn 0 with force=false releases only non-transactional
// locks; a nonzero txn with force releases exactly that transaction's.
func (m *Manager) releaseBulk(slot, uid, fileID, txn int, force bool) {
	ps := m.state(slot)
	var keep *lltEntry
	for e := ps.llt; e != nil; {
		next := e.next
		match := fileID == 0 || e.fileID == fileID
		if match {
			if s, idx := m.findSlot(uid, e.fileID, e.id); s != nil {
				exempt := s.TxnID != 0 && !force
				wanted := txn == 0 || s.TxnID == txn
				if !exempt && wanted {
					m.freeSlot(s, idx)
					e = next
					continue
				}
			} else {
				// Slot already gone (admin cleared it); drop the stale
				// LLT entry rather than resurrecting it.
				e = next
				continue
			}
		}
		e.next = keep
		keep = e
		e = next
	}
	// keep is reversed; order in the LLT is not meaningful.
	ps.llt = keep
}

func (m *Manager) releaseOne(slot, uid, fileID int, id string, force bool) bool {
	s, idx := m.findSlot(uid, fileID, id)
	if s == nil {
		return false
	}
	if s.TxnID != 0 && !force {
		return false
	}
	m.freeSlot(s, idx)
	ps := m.state(slot)
	for p := &ps.llt; *p != nil; p = &(*p).next {
		if (*p).fileID == fileID && (*p).id == id {
			*p = (*p).next
			break
		}
	}
	return true
}

// findSlot locates uid's lock on (fileID, id) using the home-slot count
// chain walk. Caller holds RecLockSem.
func (m *Manager) findSlot(uid, fileID int, id string) (*shm.RecordLockSlot, int) {
	n := len(m.seg.Locks())
	primary := int(idHash(fileID, id) % uint64(n))
	remaining := m.seg.LockSlot(primary).Count
	for i := 0; remaining > 0 && i < n; i++ {
		idx := (primary + i) % n
		s := m.seg.LockSlot(idx)
		if s.Hash != uint64(primary+1) {
			continue
		}
		remaining--
		if s.FileID == fileID && s.ID == id && s.Owner == uid {
			return s, idx
		}
	}
	return nil, -1
}

// freeSlot clears one shared-table slot, wakes its waiters, and maintains
// the conservation counters (sum of home-slot counts == slots in use
// == the global lock count). Caller
// holds RecLockSem.
func (m *Manager) freeSlot(s *shm.RecordLockSlot, idx int) {
	primary := int(s.Hash - 1)
	if s.Waiters > 0 {
		m.clearWaiters(idx)
	}
	fptr := m.seg.File(s.FileID)
	if fptr != nil && fptr.LockCount > 0 {
		fptr.LockCount--
		if fptr.LockCount == 0 {
			// Last lock in the file gone: reset the bloom filter so stale
			// positives from released ids do not accumulate forever.
			delete(m.filters, s.FileID)
		}
	}
	// Count tracks the bucket, not the slot's occupancy, so it survives
	// freeing the home slot itself.
	*s = shm.RecordLockSlot{Count: s.Count}
	m.seg.LockSlot(primary).Count--
	m.seg.Counters.LockCount--
}

// clearWaiters finds every process whose LockWait names slot idx, clears
// it, and zeroes the slot's waiter count; cleared processes retry their
// acquisition on their own timeline.
func (m *Manager) clearWaiters(idx int) {
	for i := 1; i <= m.seg.Counters.MaxUsers; i++ {
		if m.seg.ProcUnordered(i).LockWait == idx+1 {
			m.seg.MutateProcUnordered(i, func(p *shm.ProcEntry) { p.LockWait = 0 })
		}
	}
	m.seg.LockSlot(idx).Waiters = 0
}

// AdminUnlock lets an ADMIN process clear a shared-table lock owned by
// another user. The owner is told to rebuild its local lock table via
// EVT_REBUILD_LLT, delivered through raise.
func (m *Manager) AdminUnlock(fileID int, id string, raise func(ownerSlot int)) bool {
	m.seg.RecLockSem.Lock()
	var ownerSlot int
	found := false
	func() {
		defer m.seg.RecLockSem.Unlock()
		fptr := m.seg.File(fileID)
		id = normalize(fptr, id)
		n := len(m.seg.Locks())
		primary := int(idHash(fileID, id) % uint64(n))
		remaining := m.seg.LockSlot(primary).Count
		for i := 0; remaining > 0 && i < n; i++ {
			idx := (primary + i) % n
			s := m.seg.LockSlot(idx)
			if s.Hash != uint64(primary+1) {
				continue
			}
			remaining--
			if s.FileID == fileID && s.ID == id {
				ownerSlot = m.slotOfUID(s.Owner)
				m.freeSlot(s, idx)
				found = true
				return
			}
		}
	}()
	if found && ownerSlot != 0 && raise != nil {
		raise(ownerSlot)
	}
	return found
}

// RebuildLLT reconstructs slot's local lock table from the shared table,
// the EVT_REBUILD_LLT consumer.
func (m *Manager) RebuildLLT(slot, uid int) {
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	ps := m.state(slot)
	old := ps.llt
	ps.llt = nil
	for i := range m.seg.Locks() {
		s := m.seg.LockSlot(i)
		if s.Hash == 0 || s.Owner != uid {
			continue
		}
		fvar := 0
		for e := old; e != nil; e = e.next {
			if e.fileID == s.FileID && e.id == s.ID {
				fvar = e.fvarIndex
				break
			}
		}
		ps.llt = &lltEntry{fileID: s.FileID, fvarIndex: fvar, id: s.ID, next: ps.llt}
	}
	xlog.Info("local lock table rebuilt", "slot", slot, "uid", uid)
}

// LLT returns the (fileID, id) pairs in slot's local lock table, for the
// consistency checks against the shared table.
func (m *Manager) LLT(slot int) [][2]interface{} {
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	var out [][2]interface{}
	for e := m.state(slot).llt; e != nil; e = e.next {
		out = append(out, [2]interface{}{e.fileID, e.id})
	}
	return out
}

// ReleaseAll drops every lock uid holds in every file, including
// transactional ones: the process-exit sweep.
func (m *Manager) ReleaseAll(slot, uid int) {
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	m.releaseBulk(slot, uid, 0, 0, true)
	for i := 1; ; i++ {
		fptr := m.seg.File(i)
		if fptr == nil {
			break
		}
		owner := fptr.LockOwner
		if owner < 0 {
			owner = -owner
		}
		if owner == uid {
			fptr.LockOwner = 0
			fptr.LockTxnID = 0
		}
	}
}

// LockFile acquires the whole-file lock on fileID for uid:
// incompatible with record locks held by other users and with any other
// file lock. shareExclusive stores a negative owner. Returns LockOK, the
// blocking owner uid, LockDeadlock, or LockTableFull when fileID names no
// file-table entry.
func (m *Manager) LockFile(slot, uid, fileID, txnID int, shareExclusive, noWait bool) int {
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	fptr := m.seg.File(fileID)
	if fptr == nil {
		return LockTableFull
	}
	owner := fptr.LockOwner
	if owner < 0 {
		owner = -owner
	}
	if owner != 0 && owner != uid {
		return m.blockOn(slot, uid, -fileID, owner, noWait)
	}
	// Any record lock held by another user in this file blocks the file
	// lock outright.
	for i := range m.seg.Locks() {
		s := m.seg.LockSlot(i)
		if s.Hash != 0 && s.FileID == fileID && s.Owner != uid {
			return m.blockOn(slot, uid, -fileID, s.Owner, noWait)
		}
	}
	if shareExclusive {
		fptr.LockOwner = -uid
	} else {
		fptr.LockOwner = uid
	}
	fptr.LockTxnID = txnID
	return LockOK
}

// LockFileWait retries LockFile on the one-second file-lock poll
// interval.
func (m *Manager) LockFileWait(slot, uid, fileID, txnID int, shareExclusive bool) int {
	for {
		r := m.LockFile(slot, uid, fileID, txnID, shareExclusive, false)
		if r <= 0 {
			m.clearWaitState(slot)
			return r
		}
		time.Sleep(fileLockPoll)
		if m.ProcessEvents != nil {
			if st := m.ProcessEvents(slot); st != 0 {
				m.clearWaitState(slot)
				return int(st)
			}
		}
	}
}

// UnlockFile drops uid's file lock on fileID unless transaction-scoped.
func (m *Manager) UnlockFile(uid, fileID int) {
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	m.releaseFileLockLocked(uid, fileID)
}

func (m *Manager) releaseFileLockLocked(uid, fileID int) {
	fptr := m.seg.File(fileID)
	if fptr == nil {
		return
	}
	owner := fptr.LockOwner
	if owner < 0 {
		owner = -owner
	}
	if owner == uid && fptr.LockTxnID == 0 {
		fptr.LockOwner = 0
		// Waiters polling on -fileID re-check on their own schedule.
		for i := 1; i <= m.seg.Counters.MaxUsers; i++ {
			if m.seg.ProcUnordered(i).LockWait == -fileID {
				m.seg.MutateProcUnordered(i, func(p *shm.ProcEntry) { p.LockWait = 0 })
			}
		}
	}
}
