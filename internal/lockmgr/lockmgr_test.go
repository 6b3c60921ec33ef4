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
	"testing"

	"github.com/scarletdme/qmvm/internal/shm"
)

func newTestSeg(t *testing.T, users, locks int) (*shm.Segment, *Manager, int) {
	t.Helper()
	seg := shm.New(users, locks)
	seg.Counters.Deadlock = true
	m := New(seg)
	fileID := seg.AddFile("TESTFILE", 0)
	return seg, m, fileID
}

func login(t *testing.T, seg *shm.Segment, uid int) int {
	t.Helper()
	slot, ok := seg.Login(uid, "u", "", "")
	if !ok {
		t.Fatal("login failed")
	}
	return slot
}

func snapshotLocks(seg *shm.Segment) []shm.RecordLockSlot {
	out := make([]shm.RecordLockSlot, len(seg.Locks()))
	copy(out, seg.Locks())
	return out
}

func TestLockUnlockRestoresTable(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 16)
	slot := login(t, seg, 10)

	before := snapshotLocks(seg)
	if r := m.LockRecord(slot, 10, f, 1, "A", true, 0, true); r != LockOK {
		t.Fatalf("lock: %d", r)
	}
	if !m.UnlockRecord(slot, 10, f, "A") {
		t.Fatal("unlock failed")
	}
	after := snapshotLocks(seg)
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("slot %d differs after lock/unlock: %+v vs %+v", i, before[i], after[i])
		}
	}
	if seg.Counters.LockCount != 0 {
		t.Fatalf("rl_count not restored: %d", seg.Counters.LockCount)
	}
}

func TestSharedToUpdateUpgradeKeepsSlot(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 16)
	slot := login(t, seg, 10)

	if r := m.LockRecord(slot, 10, f, 1, "A", false, 0, true); r != LockOK {
		t.Fatalf("shared lock: %d", r)
	}
	countBefore := seg.Counters.LockCount
	if r := m.LockRecord(slot, 10, f, 1, "A", true, 0, true); r != LockOK {
		t.Fatalf("upgrade: %d", r)
	}
	if seg.Counters.LockCount != countBefore {
		t.Fatalf("rl_count changed on upgrade: %d -> %d", countBefore, seg.Counters.LockCount)
	}
	found := false
	for i := range seg.Locks() {
		s := seg.LockSlot(i)
		if s.Hash != 0 && s.ID == "A" {
			found = true
			if s.Type != shm.LockUpdate {
				t.Fatalf("slot not upgraded: %+v", s)
			}
		}
	}
	if !found {
		t.Fatal("lock slot vanished on upgrade")
	}
}

func TestUpgradeBlockedByOtherReader(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 16)
	s1 := login(t, seg, 10)
	s2 := login(t, seg, 20)

	if r := m.LockRecord(s1, 10, f, 1, "A", false, 0, true); r != LockOK {
		t.Fatalf("reader 1: %d", r)
	}
	if r := m.LockRecord(s2, 20, f, 1, "A", false, 0, true); r != LockOK {
		t.Fatalf("reader 2: %d", r)
	}
	if r := m.LockRecord(s1, 10, f, 1, "A", true, 0, true); r != 20 {
		t.Fatalf("upgrade should report blocking owner 20, got %d", r)
	}
}

func TestSharedLocksCoexistUpdateExcludes(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 16)
	s1 := login(t, seg, 10)
	s2 := login(t, seg, 20)

	if r := m.LockRecord(s1, 10, f, 1, "X", false, 0, true); r != LockOK {
		t.Fatalf("shared 1: %d", r)
	}
	if r := m.LockRecord(s2, 20, f, 1, "X", false, 0, true); r != LockOK {
		t.Fatalf("shared 2: %d", r)
	}
	if r := m.LockRecord(s2, 20, f, 1, "X", true, 0, true); r != 10 {
		t.Fatalf("update over foreign shared should report owner 10, got %d", r)
	}
	_ = seg
}

func TestLockTableFull(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 2)
	slot := login(t, seg, 10)

	if r := m.LockRecord(slot, 10, f, 1, "A", true, 0, true); r != LockOK {
		t.Fatalf("lock A: %d", r)
	}
	if r := m.LockRecord(slot, 10, f, 1, "B", true, 0, true); r != LockOK {
		t.Fatalf("lock B: %d", r)
	}
	if r := m.LockRecord(slot, 10, f, 1, "C", true, 0, true); r != LockTableFull {
		t.Fatalf("expected table full, got %d", r)
	}
	// An immediate release makes the next acquisition succeed.
	m.UnlockRecord(slot, 10, f, "A")
	if r := m.LockRecord(slot, 10, f, 1, "C", true, 0, true); r != LockOK {
		t.Fatalf("lock C after release: %d", r)
	}
}

func TestDeadlockDetected(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 16)
	s1 := login(t, seg, 10)
	s2 := login(t, seg, 20)

	if r := m.LockRecord(s1, 10, f, 1, "X", true, 0, true); r != LockOK {
		t.Fatalf("p1 lock X: %d", r)
	}
	if r := m.LockRecord(s2, 20, f, 1, "Y", true, 0, true); r != LockOK {
		t.Fatalf("p2 lock Y: %d", r)
	}
	// P1 blocks on Y (recorded as a wait), then P2's request for X closes
	// the cycle and must be refused with the deadlock result.
	if r := m.LockRecord(s1, 10, f, 1, "Y", true, 0, false); r != 20 {
		t.Fatalf("p1 should block on owner 20, got %d", r)
	}
	if r := m.LockRecord(s2, 20, f, 1, "X", true, 0, false); r != LockDeadlock {
		t.Fatalf("expected deadlock for p2, got %d", r)
	}
}

func TestLockConservation(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 32)
	slot := login(t, seg, 10)

	ids := []string{"A", "B", "C", "D", "E", "F"}
	for _, id := range ids {
		if r := m.LockRecord(slot, 10, f, 1, id, true, 0, true); r != LockOK {
			t.Fatalf("lock %s: %d", id, r)
		}
	}
	m.UnlockRecord(slot, 10, f, "C")

	sumCounts, used := 0, 0
	for i := range seg.Locks() {
		s := seg.LockSlot(i)
		sumCounts += s.Count
		if s.Hash != 0 {
			used++
		}
	}
	if sumCounts != used || used != seg.Counters.LockCount {
		t.Fatalf("conservation violated: sum(count)=%d used=%d rl_count=%d",
			sumCounts, used, seg.Counters.LockCount)
	}
}

func TestLLTMatchesSharedTable(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 32)
	slot := login(t, seg, 10)

	for _, id := range []string{"A", "B", "C"} {
		if r := m.LockRecord(slot, 10, f, 1, id, false, 0, true); r != LockOK {
			t.Fatalf("lock %s: %d", id, r)
		}
	}
	m.UnlockRecord(slot, 10, f, "B")

	llt := m.LLT(slot)
	shared := map[string]bool{}
	for i := range seg.Locks() {
		s := seg.LockSlot(i)
		if s.Hash != 0 && s.Owner == 10 {
			shared[s.ID] = true
		}
	}
	if len(llt) != len(shared) {
		t.Fatalf("LLT size %d != shared count %d", len(llt), len(shared))
	}
	for _, e := range llt {
		if !shared[e[1].(string)] {
			t.Fatalf("LLT entry %v missing from shared table", e)
		}
	}
}

func TestAdminUnlockTriggersRebuild(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 16)
	slot := login(t, seg, 10)

	if r := m.LockRecord(slot, 10, f, 1, "A", true, 0, true); r != LockOK {
		t.Fatalf("lock: %d", r)
	}
	var raised int
	if !m.AdminUnlock(f, "A", func(ownerSlot int) { raised = ownerSlot }) {
		t.Fatal("admin unlock failed")
	}
	if raised != slot {
		t.Fatalf("rebuild event not raised for owner slot: %d", raised)
	}
	m.RebuildLLT(slot, 10)
	if len(m.LLT(slot)) != 0 {
		t.Fatal("LLT not empty after rebuild of cleared table")
	}
}

func TestFileLockBlocksRecordLocks(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 16)
	s1 := login(t, seg, 10)
	s2 := login(t, seg, 20)

	if r := m.LockFile(s1, 10, f, 0, false, true); r != LockOK {
		t.Fatalf("file lock: %d", r)
	}
	if r := m.LockRecord(s2, 20, f, 1, "A", false, 0, true); r != 10 {
		t.Fatalf("record lock under foreign file lock should report 10, got %d", r)
	}
	m.UnlockFile(10, f)
	if r := m.LockRecord(s2, 20, f, 1, "A", false, 0, true); r != LockOK {
		t.Fatalf("record lock after file unlock: %d", r)
	}
}

func TestRecordLocksBlockFileLock(t *testing.T) {
	seg, m, f := newTestSeg(t, 4, 16)
	s1 := login(t, seg, 10)
	s2 := login(t, seg, 20)

	if r := m.LockRecord(s1, 10, f, 1, "A", false, 0, true); r != LockOK {
		t.Fatalf("record lock: %d", r)
	}
	if r := m.LockFile(s2, 20, f, 0, false, true); r != 10 {
		t.Fatalf("file lock over foreign record lock should report 10, got %d", r)
	}
}

func TestNoCaseNormalization(t *testing.T) {
	seg, m, _ := newTestSeg(t, 4, 16)
	f := seg.AddFile("NOCASE", shm.FileNoCase)
	slot := login(t, seg, 10)

	if r := m.LockRecord(slot, 10, f, 1, "abc", true, 0, true); r != LockOK {
		t.Fatalf("lock: %d", r)
	}
	if !m.UnlockRecord(slot, 10, f, "ABC") {
		t.Fatal("case-folded unlock did not find the lock")
	}
}
