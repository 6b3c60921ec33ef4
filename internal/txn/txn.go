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

// Package txn scopes lock lifetimes to a per-process transaction id.
// A nonzero txn id tags record locks so explicit release
// is deferred until commit or abort; files flagged FV_NON_TXN bypass the
// scope entirely.
package txn

import (
	"github.com/scarletdme/qmvm/internal/lockmgr"
	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/xlog"
)

// Manager tracks one process's current transaction.
type Manager struct {
	seg   *shm.Segment
	locks *lockmgr.Manager

	slot, uid int
	current   int
	nextID    int
}

// New builds a Manager for the process in slot with the given uid.
func New(seg *shm.Segment, locks *lockmgr.Manager, slot, uid int) *Manager {
	return &Manager{seg: seg, locks: locks, slot: slot, uid: uid}
}

// Current returns the active transaction id, 0 when none.
func (m *Manager) Current() int { return m.current }

// Begin opens a transaction and returns its id. Nested Begin is refused;
// the caller sees the existing id.
func (m *Manager) Begin() int {
	if m.current != 0 {
		return m.current
	}
	m.nextID++
	m.current = m.nextID
	m.seg.MutateProc(m.slot, func(p *shm.ProcEntry) { p.TxnID = m.current })
	return m.current
}

// TagFor returns the txn id a new lock on fileID should carry: the current
// transaction, or 0 for files marked non-transactional.
func (m *Manager) TagFor(fileID int) int {
	if m.current == 0 {
		return 0
	}
	m.seg.FileTableLock.Lock()
	fptr := m.seg.File(fileID)
	nonTxn := fptr != nil && fptr.Flags&shm.FileNonTxn != 0
	m.seg.FileTableLock.Unlock()
	if nonTxn {
		return 0
	}
	return m.current
}

// Commit ends the transaction, releasing every lock it scoped.
func (m *Manager) Commit() {
	m.end("commit")
}

// Abort ends the transaction the same way; the journal replay that would
// distinguish the two belongs to the storage engine's journaling hooks,
// the lock sweep is identical on both paths.
func (m *Manager) Abort() {
	m.end("abort")
}

func (m *Manager) end(how string) {
	if m.current == 0 {
		return
	}
	xlog.Debug("transaction end", "txn", m.current, "how", how)
	m.locks.UnlockTxn(m.slot, m.uid, m.current)
	m.current = 0
	m.seg.MutateProc(m.slot, func(p *shm.ProcEntry) { p.TxnID = 0 })
}
