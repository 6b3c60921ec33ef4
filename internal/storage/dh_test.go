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

package storage_test

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/storage"
	"github.com/scarletdme/qmvm/internal/storage/leveldb"
)

func newTestFile(t *testing.T) (*shm.Segment, *storage.Engine, *storage.DHFile, int) {
	t.Helper()
	seg := shm.New(4, 16)
	eng := storage.NewEngine(seg, leveldb.NewMemory())
	id := seg.AddFile("TESTFILE", 0)
	f, err := eng.Open(id)
	require.NoError(t, err)
	return seg, eng, f, id
}

func TestRecordRoundTrip(t *testing.T) {
	_, _, f, _ := newTestFile(t)
	require.True(t, f.Write("CUST1", []byte("Ada;Lovelace")))
	got, ok := f.Read("CUST1")
	require.True(t, ok)
	require.Equal(t, []byte("Ada;Lovelace"), got)

	require.True(t, f.Write("CUST1", []byte("Ada;Byron")))
	got, ok = f.Read("CUST1")
	require.True(t, ok)
	require.Equal(t, []byte("Ada;Byron"), got)
}

func TestDeleteRemovesRecord(t *testing.T) {
	_, _, f, _ := newTestFile(t)
	require.True(t, f.Write("K", []byte("v")))
	require.True(t, f.Delete("K"))
	_, ok := f.Read("K")
	require.False(t, ok)
	require.False(t, f.Delete("K"))
}

func TestSplitPreservesRecords(t *testing.T) {
	seg, _, f, id := newTestFile(t)
	seg.FileTableLock.Lock()
	fptr := seg.File(id)
	fptr.GroupSize = 64 // tiny groups force splitting quickly
	seg.FileTableLock.Unlock()

	want := map[string]string{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("REC%03d", i)
		v := fmt.Sprintf("payload-%03d", i)
		want[k] = v
		require.True(t, f.Write(k, []byte(v)))
	}

	seg.FileTableLock.Lock()
	modulus := seg.File(id).Modulus
	seg.FileTableLock.Unlock()
	require.Greater(t, modulus, int64(1), "load heuristic never split")

	for k, v := range want {
		got, ok := f.Read(k)
		require.True(t, ok, "lost record %s after splits", k)
		require.Equal(t, v, string(got))
	}
}

func TestMergePreservesRecords(t *testing.T) {
	seg, _, f, id := newTestFile(t)
	seg.FileTableLock.Lock()
	seg.File(id).GroupSize = 64
	seg.FileTableLock.Unlock()

	keys := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("REC%03d", i)
		keys = append(keys, k)
		require.True(t, f.Write(k, []byte("x")))
	}
	// Delete most records; the merge heuristic should shrink the modulus
	// without losing the survivors.
	for _, k := range keys[5:] {
		require.True(t, f.Delete(k))
	}
	for _, k := range keys[:5] {
		_, ok := f.Read(k)
		require.True(t, ok, "lost record %s after merges", k)
	}
}

func TestSelectEnumeratesAllIDs(t *testing.T) {
	_, _, f, _ := newTestFile(t)
	want := []string{"A", "B", "C", "D"}
	for _, k := range want {
		require.True(t, f.Write(k, []byte("v")))
	}
	got := f.Select(0)
	sort.Strings(got)
	require.Equal(t, want, got)
	f.EndSelect(0)
	require.Nil(t, f.SelectIDs(0))
}

func TestGrpStatCountsChain(t *testing.T) {
	seg, _, f, id := newTestFile(t)
	seg.FileTableLock.Lock()
	seg.File(id).Flags |= shm.FileNoResize // keep everything in group 1
	seg.File(id).GroupSize = 16
	seg.FileTableLock.Unlock()

	require.True(t, f.Write("ONLY", []byte("this-payload-is-larger-than-the-group")))
	var group int64
	for g := int64(1); g <= 4; g++ {
		st := f.GrpStat(g)
		if st.RecordCount > 0 {
			group = g
			break
		}
	}
	require.NotZero(t, group, "record's group not found")
	st := f.GrpStat(group)
	require.Equal(t, 1, st.RecordCount)
	require.Equal(t, 1, st.LargeRecords)
	require.GreaterOrEqual(t, st.BufferCount, 1)
	require.Greater(t, st.BytesUsed, int64(0))
}

func TestFlushCacheStillReads(t *testing.T) {
	_, eng, f, _ := newTestFile(t)
	require.True(t, f.Write("K", []byte("v")))
	eng.FlushCache()
	got, ok := f.Read("K")
	require.True(t, ok)
	require.Equal(t, "v", string(got))
}

func TestJournalHookObservesWrites(t *testing.T) {
	_, eng, f, _ := newTestFile(t)
	var entries []storage.JournalEntry
	eng.Journal = func(e storage.JournalEntry) { entries = append(entries, e) }

	fv := &storage.FileVar{File: f}
	fv.FControl(storage.FcSetJournal, 3, "")
	require.True(t, f.Write("K", []byte("v")))
	require.True(t, f.Delete("K"))
	require.Len(t, entries, 2)
	require.Equal(t, 3, entries[0].FileNo)
	require.Nil(t, entries[1].Data)

	fv.FControl(storage.FcJournalOff, 0, "")
	require.True(t, f.Write("K2", []byte("v")))
	require.Len(t, entries, 2, "journalling not disabled")
}

func TestExclusiveAccessProtocol(t *testing.T) {
	seg := shm.New(4, 16)
	eng := storage.NewEngine(seg, leveldb.NewMemory())
	seg.AddFile("F", 0)
	slot, _ := seg.Login(10, "u", "", "")

	fv, err := eng.OpenFile("F", 0, slot, 1)
	require.NoError(t, err)

	broadcasts := 0
	ok := fv.RequestExclusive(slot, func() { broadcasts++ })
	require.True(t, ok, "single-opener exclusive request should succeed")

	// While exclusive, another open is refused.
	_, err = eng.OpenFile("F", 0, slot, 2)
	require.ErrorIs(t, err, storage.ErrExclusive)

	// Closing the sole handle ends exclusive mode.
	fv.Release()
	fv2, err := eng.OpenFile("F", 0, slot, 3)
	require.NoError(t, err)
	fv2.Release()
}

func TestExclusiveRefusedWhenShared(t *testing.T) {
	seg := shm.New(4, 16)
	eng := storage.NewEngine(seg, leveldb.NewMemory())
	seg.AddFile("F", 0)
	s1, _ := seg.Login(10, "u", "", "")
	s2, _ := seg.Login(20, "v", "", "")

	fv1, err := eng.OpenFile("F", 0, s1, 1)
	require.NoError(t, err)
	fv2, err := eng.OpenFile("F", 0, s2, 1)
	require.NoError(t, err)

	broadcasts := 0
	ok := fv1.RequestExclusive(s1, func() { broadcasts++ })
	require.False(t, ok, "exclusive must fail while another process holds the file")
	require.Equal(t, 6, broadcasts, "FLUSH_CACHE must be broadcast on every retry")
	fv1.Release()
	fv2.Release()
}
