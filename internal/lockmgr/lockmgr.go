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

// Package lockmgr implements record, file, and task locking over the
// shared segment's open-addressed record-lock table. The primary slot
// is hash(file_id, id_hash) mod numlocks with linear probing, and chain
// walkers terminate on the home slot's count field, so concurrent
// scanners stay correct. Changing the probing strategy would invalidate
// that termination counter.
//
// Record ids are hashed with golang.org/x/crypto/sha3. A per-file bloom
// filter (github.com/holiman/bloomfilter/v2) pre-screens release/query
// scans: a negative filter answer proves the id holds no lock in that
// file, skipping the chain walk entirely. False positives just fall
// through to the real scan.
package lockmgr

import (
	"encoding/binary"
	"time"

	bloomfilter "github.com/holiman/bloomfilter/v2"
	"golang.org/x/crypto/sha3"

	"github.com/scarletdme/qmvm/internal/errmodel"
	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/xlog"
)

// Acquisition results. Positive values are the blocking
// owner's uid.
const (
	LockOK       = 0
	LockTableFull = -1
	LockDeadlock  = -2
)

// retryInterval is the sleep between lock-wait retry attempts.
const retryInterval = 250 * time.Millisecond

// fileLockPoll is the file-lock wait poll interval.
const fileLockPoll = time.Second

// bloom sizing per file; collisions only cost a redundant scan.
const (
	bloomEntries = 4096
	bloomFalsePositiveRate = 0.01
)

// lltEntry is one local-lock-table record: a process-
// private mirror of one shared-table slot this process owns.
type lltEntry struct {
	fileID    int
	fvarIndex int
	id        string
	next      *lltEntry
}

// procState is the per-process lock state the manager tracks: the local
// lock table.
type procState struct {
	llt *lltEntry
}

// Manager coordinates all lock traffic against one shared segment.
type Manager struct {
	seg *shm.Segment

	// procs maps process-table slot -> private lock state. Guarded by
	// RecLockSem like every other lock-table mutation, so no extra mutex
	// rank is introduced.
	procs map[int]*procState

	// filters maps file_id -> bloom filter of ids that may hold locks.
	filters map[int]*bloomfilter.Filter

	// ProcessEvents, when set, is called once per wait-retry iteration so
	// pending event bits cancel the wait. A non-zero return aborts the
	// wait with that status.
	ProcessEvents func(slot int) errmodel.Status
}

// New builds a Manager over seg.
func New(seg *shm.Segment) *Manager {
	return &Manager{
		seg:     seg,
		procs:   make(map[int]*procState),
		filters: make(map[int]*bloomfilter.Filter),
	}
}

func (m *Manager) state(slot int) *procState {
	ps := m.procs[slot]
	if ps == nil {
		ps = &procState{}
		m.procs[slot] = ps
	}
	return ps
}

func (m *Manager) filter(fileID int) *bloomfilter.Filter {
	f := m.filters[fileID]
	if f == nil {
		f, _ = bloomfilter.NewOptimal(bloomEntries, bloomFalsePositiveRate)
		m.filters[fileID] = f
	}
	return f
}

// idHash computes the 64-bit hash of (file_id, id) feeding the primary
// slot computation.
func idHash(fileID int, id string) uint64 {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(fileID))
	h.Write(buf[:])
	h.Write([]byte(id))
	return binary.LittleEndian.Uint64(h.Sum(nil)[:8])
}

// normalize applies the file's NOCASE flag to id.
func normalize(fptr *shm.FileEntry, id string) string {
	if fptr == nil || fptr.Flags&shm.FileNoCase == 0 {
		return id
	}
	b := []byte(id)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// LockRecord attempts a record lock for the process in slot, owned by uid,
// on (fileID, id). update selects Update vs Shared mode; txnID tags the
// lock's transaction scope; the caller retries on a positive (owner)
// result unless noWait. Returns LockOK, a blocking owner uid,
// LockTableFull, or LockDeadlock.
func (m *Manager) LockRecord(slot, uid, fileID, fvarIndex int, id string, update bool, txnID int, noWait bool) int {
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	return m.lockRecordLocked(slot, uid, fileID, fvarIndex, id, update, txnID, noWait)
}

func (m *Manager) lockRecordLocked(slot, uid, fileID, fvarIndex int, id string, update bool, txnID int, noWait bool) int {
	fptr := m.seg.File(fileID)
	id = normalize(fptr, id)

	// A file lock held by another user blocks every record lock in the
	// file. Negative owner encodes share-exclusive.
	if fptr != nil && fptr.LockOwner != 0 {
		owner := fptr.LockOwner
		if owner < 0 {
			owner = -owner
		}
		if owner != uid {
			return m.blockOn(slot, uid, -fileID, owner, noWait)
		}
	}

	locks := m.seg.Locks()
	n := len(locks)
	primary := int(idHash(fileID, id) % uint64(n))
	home := m.seg.LockSlot(primary)

	// Walk the chain of entries sharing this primary slot. remaining is
	// the home slot's count of entries that hashed here; a slot belongs to
	// the chain iff its Hash field equals primary+1 (0 marks free).
	upgrade := -1
	remaining := home.Count
	for i := 0; remaining > 0 && i < n; i++ {
		s := m.seg.LockSlot((primary + i) % n)
		if s.Hash != uint64(primary+1) {
			continue
		}
		remaining--
		if s.FileID != fileID || s.ID != id {
			continue
		}
		if s.Owner == uid {
			if s.Type == shm.LockUpdate {
				return LockOK
			}
			if update {
				// Remember for upgrade; keep scanning to prove no other
				// holder conflicts.
				upgrade = (primary + i) % n
				continue
			}
			return LockOK
		}
		if s.Type == shm.LockUpdate || update {
			return m.blockOn(slot, uid, (primary+i)%n, s.Owner, noWait)
		}
	}

	if upgrade >= 0 {
		m.seg.LockSlot(upgrade).Type = shm.LockUpdate
		return LockOK
	}

	// Allocate a free slot by continuing the open-addressed walk; a full
	// cycle back to origin means the table is full.
	free := -1
	for i := 0; i < n; i++ {
		s := m.seg.LockSlot((primary + i) % n)
		if s.Hash == 0 {
			free = (primary + i) % n
			break
		}
	}
	if free < 0 {
		xlog.Error("lock table full", "file", fileID, "id", id)
		return LockTableFull
	}

	typ := shm.LockShared
	if update {
		typ = shm.LockUpdate
	}
	*m.seg.LockSlot(free) = shm.RecordLockSlot{
		Hash:   uint64(primary + 1),
		Owner:  uid,
		Type:   typ,
		FileID: fileID,
		ID:     id,
		TxnID:  txnID,
	}
	home.Count++
	m.seg.Counters.LockCount++
	if m.seg.Counters.LockCount > m.seg.Counters.LockPeak {
		m.seg.Counters.LockPeak = m.seg.Counters.LockCount
	}
	if fptr != nil {
		fptr.LockCount++
	}
	m.filter(fileID).Add(hashable(idHash(fileID, id)))

	ps := m.state(slot)
	ps.llt = &lltEntry{fileID: fileID, fvarIndex: fvarIndex, id: id, next: ps.llt}
	return LockOK
}

// blockOn records the wait state for a blocked acquisition and runs the
// deadlock detector. index is a record-lock slot (>= 0) or -fileID for a
// file-lock wait.
func (m *Manager) blockOn(slot, uid, index, owner int, noWait bool) int {
	if noWait {
		return owner
	}
	if m.seg.Counters.Deadlock && m.deadlocks(uid, owner) {
		return LockDeadlock
	}
	wait := index
	if index >= 0 {
		m.seg.LockSlot(index).Waiters++
		wait = index + 1 // stored 1-based so slot 0 is distinguishable
	}
	m.seg.MutateProcUnordered(slot, func(p *shm.ProcEntry) { p.LockWait = wait })
	return owner
}

// deadlocks follows the uid -> lockwait -> owner chain from owner looking
// for a cycle back to uid. Caller holds RecLockSem.
func (m *Manager) deadlocks(uid, owner int) bool {
	type edge struct{ fileID int; id string; from, to int }
	var edges []edge
	cur := owner
	for hops := 0; hops < m.seg.Counters.MaxUsers+1; hops++ {
		if cur == uid {
			for _, e := range edges {
				xlog.Error("deadlock edge", "file", e.fileID, "id", e.id, "waiter", e.from, "owner", e.to)
			}
			return true
		}
		slot := m.slotOfUID(cur)
		if slot == 0 {
			return false
		}
		wait := m.seg.ProcUnordered(slot).LockWait
		if wait == 0 {
			return false
		}
		var next int
		var e edge
		if wait > 0 {
			s := m.seg.LockSlot(wait - 1)
			next = s.Owner
			e = edge{fileID: s.FileID, id: s.ID, from: cur, to: next}
		} else {
			fptr := m.seg.File(-wait)
			if fptr == nil {
				return false
			}
			next = fptr.LockOwner
			if next < 0 {
				next = -next
			}
			e = edge{fileID: -wait, from: cur, to: next}
		}
		if next == 0 {
			return false
		}
		edges = append(edges, e)
		cur = next
	}
	return false
}

func (m *Manager) slotOfUID(uid int) int {
	for i := 1; i <= m.seg.Counters.MaxUsers; i++ {
		if m.seg.ProcUnordered(i).Uid == uid {
			return i
		}
	}
	return 0
}

// LockRecordWait is the retrying form: it backs off retryInterval between
// attempts (the interpreter backs up its PC and retries), processing pending
// events at the top of each iteration so cancellation is cooperative.
func (m *Manager) LockRecordWait(slot, uid, fileID, fvarIndex int, id string, update bool, txnID int) int {
	for {
		r := m.LockRecord(slot, uid, fileID, fvarIndex, id, update, txnID, false)
		if r <= 0 {
			m.clearWaitState(slot)
			return r
		}
		time.Sleep(retryInterval)
		if m.ProcessEvents != nil {
			if st := m.ProcessEvents(slot); st != errmodel.OK {
				m.clearWaitState(slot)
				return int(st)
			}
		}
	}
}

func (m *Manager) clearWaitState(slot int) {
	m.seg.RecLockSem.Lock()
	defer m.seg.RecLockSem.Unlock()
	wait := m.seg.ProcUnordered(slot).LockWait
	if wait > 0 {
		s := m.seg.LockSlot(wait - 1)
		if s.Waiters > 0 {
			s.Waiters--
		}
	}
	m.seg.MutateProcUnordered(slot, func(p *shm.ProcEntry) { p.LockWait = 0 })
}

// hashable adapts a uint64 to the bloomfilter's hash.Hash64 input.
type hashable uint64

func (h hashable) Sum64() uint64                { return uint64(h) }
func (h hashable) Write(p []byte) (int, error)  { return len(p), nil }
func (h hashable) Sum(b []byte) []byte          { return b }
func (h hashable) Reset()                       {}
func (h hashable) Size() int                    { return 8 }
func (h hashable) BlockSize() int               { return 8 }
