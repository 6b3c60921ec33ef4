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
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"

	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/xlog"
)

// Subfile numbers. Group 0 of the primary subfile is the header; data
// groups are 1..modulus.
const (
	SubPrimary  = 0
	SubOverflow = 1
)

// groupCacheSize bounds the process-local LRU of recently read group
// buffers, flushed by FlushCache or the EVT_FLUSH_CACHE broadcast.
const groupCacheSize = 1024

// GroupStat is the GRPSTAT report: the traversal of one
// group and its overflow chain under a group read lock.
type GroupStat struct {
	BytesUsed    int64
	BufferCount  int
	RecordCount  int
	LargeRecords int
}

// JournalEntry is one logical update handed to the journal sink when the
// file has journalling enabled.
type JournalEntry struct {
	FileNo int
	FileID int
	ID     string
	Data   []byte // nil for a delete
}

// Engine owns the process-side state of the DH storage integration: the
// backing store, the group LRU, and the split deduplicator.
type Engine struct {
	seg *shm.Segment
	kv  KeyValueStore

	cache *lru.Cache

	// splits deduplicates concurrent dh_split calls racing on the same
	// file so only one goroutine performs the work (a performance
	// property only; the header lock already serializes mutation).
	splits singleflight.Group

	// Journal, when set, receives entries for files with journalling
	// enabled. Spooling them to disk is the journal subsystem's business.
	Journal func(JournalEntry)

	// SuspendPoll, when set, runs once per suspend-wait iteration so the
	// waiting process can drain its event bits.
	SuspendPoll func()

	mu    sync.Mutex
	files map[int]*DHFile
}

// NewEngine builds an Engine over seg persisting into kv.
func NewEngine(seg *shm.Segment, kv KeyValueStore) *Engine {
	c, _ := lru.New(groupCacheSize)
	return &Engine{seg: seg, kv: kv, cache: c, files: make(map[int]*DHFile)}
}

// DHFile is one open dynamic-hash file. Tuning parameters live in the
// shared FileEntry; per-process state (header mutex, select lists) lives
// here.
type DHFile struct {
	ID  int
	eng *Engine

	// headerMu serializes header mutation within this process; the
	// shared GroupLockSem covers the cross-process group-page RMW.
	headerMu sync.Mutex

	JournalFileNo int
	JournalOff    bool
	AKPath        string

	// selects holds in-progress partial select state per list number.
	selects map[int]*selectState
}

type selectState struct {
	nextGroup int64
	ids       []string
	done      bool
}

// Open registers fileID with the engine, creating the on-store header on
// first open. Tuning defaults follow the classic dynamic-file shape:
// modulus starts at min_modulus and grows by splitting.
func (e *Engine) Open(fileID int) (*DHFile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f := e.files[fileID]; f != nil {
		return f, nil
	}
	e.seg.FileTableLock.Lock()
	fptr := e.seg.File(fileID)
	if fptr == nil {
		e.seg.FileTableLock.Unlock()
		return nil, fmt.Errorf("storage: file %d not in file table", fileID)
	}
	if fptr.GroupSize == 0 {
		fptr.GroupSize = 4096
	}
	if fptr.MinModulus == 0 {
		fptr.MinModulus = 1
	}
	if fptr.Modulus == 0 {
		fptr.Modulus = fptr.MinModulus
	}
	if fptr.SplitLoad == 0 {
		fptr.SplitLoad = 0.8
	}
	if fptr.MergeLoad == 0 {
		fptr.MergeLoad = 0.5
	}
	e.seg.FileTableLock.Unlock()
	f := &DHFile{ID: fileID, eng: e, selects: make(map[int]*selectState)}
	e.files[fileID] = f
	return f, nil
}

// FlushCache invalidates this process's cached group buffers;
// EVT_FLUSH_CACHE broadcasts it.
func (e *Engine) FlushCache() {
	e.cache.Purge()
}

func groupKey(fileID, subfile int, group int64) []byte {
	k := make([]byte, 1+4+1+8)
	k[0] = 'g'
	binary.BigEndian.PutUint32(k[1:], uint32(fileID))
	k[5] = byte(subfile)
	binary.BigEndian.PutUint64(k[6:], uint64(group))
	return k
}

// ReadGroup reads the raw buffer of (subfile, group), consulting the LRU
// first.
func (e *Engine) ReadGroup(f *DHFile, subfile int, group int64) ([]byte, bool) {
	key := groupKey(f.ID, subfile, group)
	if v, ok := e.cache.Get(string(key)); ok {
		return v.([]byte), true
	}
	e.seg.GroupLockSem.Lock()
	v, err := e.kv.Get(key)
	e.seg.GroupLockSem.Unlock()
	if err != nil {
		return nil, false
	}
	e.cache.Add(string(key), v)
	return v, true
}

// WriteGroup replaces the raw buffer of (subfile, group) and keeps the
// cache coherent for this process.
func (e *Engine) WriteGroup(f *DHFile, subfile int, group int64, buf []byte) bool {
	key := groupKey(f.ID, subfile, group)
	e.seg.GroupLockSem.Lock()
	err := e.kv.Put(key, buf)
	e.seg.GroupLockSem.Unlock()
	if err != nil {
		xlog.Error("group write failed", "file", f.ID, "group", group, "err", err)
		return false
	}
	e.cache.Add(string(key), buf)
	return true
}

func (e *Engine) deleteGroup(f *DHFile, subfile int, group int64) {
	key := groupKey(f.ID, subfile, group)
	e.seg.GroupLockSem.Lock()
	_ = e.kv.Delete(key)
	e.seg.GroupLockSem.Unlock()
	e.cache.Remove(string(key))
}

// ---- Group addressing ------------------------------------------------------

// pow2At returns the smallest power of two >= m.
func pow2At(m int64) int64 {
	p := int64(1)
	for p < m {
		p <<= 1
	}
	return p
}

// groupFor maps a record id to its 1-based data group under the current
// modulus, using the standard linear-hashing address computation: reduce
// mod the enclosing power of two, folding addresses beyond the modulus
// back into the unsplit half. The 32-byte sha3 digest is reduced through
// uint256 so the full digest participates rather than a truncated word.
func groupFor(id string, modulus int64) int64 {
	d := sha3.Sum256([]byte(id))
	u := new(uint256.Int).SetBytes(d[:])
	mod2 := pow2At(modulus)
	g := new(uint256.Int).Mod(u, uint256.NewInt(uint64(mod2))).Uint64()
	if int64(g) >= modulus {
		g -= uint64(mod2 / 2)
	}
	return int64(g) + 1
}

// ---- Group buffer encoding -------------------------------------------------
//
// A group buffer is: u32 overflow-link (0 = end of chain) followed by
// records, each u16 id length, id bytes, u32 data length, data bytes. The
// link names the overflow-subfile group continuing this chain; GRPSTAT's
// traversal terminates when the link is zero.

func decodeGroup(buf []byte) (link int64, recs [][2][]byte) {
	if len(buf) < 4 {
		return 0, nil
	}
	link = int64(binary.BigEndian.Uint32(buf))
	off := 4
	for off+6 <= len(buf) {
		idLen := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+idLen+4 > len(buf) {
			break
		}
		id := buf[off : off+idLen]
		off += idLen
		dataLen := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if off+dataLen > len(buf) {
			break
		}
		recs = append(recs, [2][]byte{id, buf[off : off+dataLen]})
		off += dataLen
	}
	return link, recs
}

func encodeGroup(link int64, recs [][2][]byte) []byte {
	size := 4
	for _, r := range recs {
		size += 2 + len(r[0]) + 4 + len(r[1])
	}
	buf := make([]byte, 4, size)
	binary.BigEndian.PutUint32(buf, uint32(link))
	for _, r := range recs {
		var l2 [2]byte
		binary.BigEndian.PutUint16(l2[:], uint16(len(r[0])))
		buf = append(buf, l2[:]...)
		buf = append(buf, r[0]...)
		var l4 [4]byte
		binary.BigEndian.PutUint32(l4[:], uint32(len(r[1])))
		buf = append(buf, l4[:]...)
		buf = append(buf, r[1]...)
	}
	return buf
}

// ---- Record operations -----------------------------------------------------

// Read returns the record data for id, or ok=false if absent.
func (f *DHFile) Read(id string) ([]byte, bool) {
	f.eng.seg.FileTableLock.Lock()
	modulus := f.eng.seg.File(f.ID).Modulus
	f.eng.seg.FileTableLock.Unlock()
	group := groupFor(id, modulus)
	sub, g := SubPrimary, group
	for {
		buf, ok := f.eng.ReadGroup(f, sub, g)
		if !ok {
			return nil, false
		}
		link, recs := decodeGroup(buf)
		for _, r := range recs {
			if string(r[0]) == id {
				return r[1], true
			}
		}
		if link == 0 {
			return nil, false
		}
		sub, g = SubOverflow, link
	}
}

// waitSuspend blocks while the system is in suspend state, polling once
// a second. Reads are unaffected; only updates stall.
func (f *DHFile) waitSuspend() {
	for {
		f.eng.seg.FileTableLock.Lock()
		suspended := f.eng.seg.Counters.Suspend
		f.eng.seg.FileTableLock.Unlock()
		if !suspended {
			return
		}
		time.Sleep(time.Second)
		if f.eng.SuspendPoll != nil {
			f.eng.SuspendPoll()
		}
	}
}

// Write stores (id, data), updating the file's load accounting and
// splitting when the load heuristic fires.
func (f *DHFile) Write(id string, data []byte) bool {
	f.waitSuspend()
	f.eng.seg.FileTableLock.Lock()
	fptr := f.eng.seg.File(f.ID)
	modulus := fptr.Modulus
	noResize := fptr.Flags&shm.FileNoResize != 0
	f.eng.seg.FileTableLock.Unlock()

	group := groupFor(id, modulus)
	delta := f.replaceInChain(group, id, data)

	f.eng.seg.FileTableLock.Lock()
	fptr.LoadBytes += delta
	load := float64(fptr.LoadBytes) / float64(fptr.GroupSize*fptr.Modulus)
	split := !noResize && load > fptr.SplitLoad
	f.eng.seg.FileTableLock.Unlock()

	if split {
		f.Split()
	}
	f.journal(id, data)
	return true
}

// Delete removes id, merging when the load drops below merge_load.
func (f *DHFile) Delete(id string) bool {
	f.waitSuspend()
	f.eng.seg.FileTableLock.Lock()
	fptr := f.eng.seg.File(f.ID)
	modulus := fptr.Modulus
	noResize := fptr.Flags&shm.FileNoResize != 0
	f.eng.seg.FileTableLock.Unlock()

	group := groupFor(id, modulus)
	delta, found := f.removeFromChain(group, id)
	if !found {
		return false
	}

	f.eng.seg.FileTableLock.Lock()
	fptr.LoadBytes += delta
	load := float64(fptr.LoadBytes) / float64(fptr.GroupSize*fptr.Modulus)
	merge := !noResize && fptr.Modulus > fptr.MinModulus && load < fptr.MergeLoad
	f.eng.seg.FileTableLock.Unlock()

	if merge {
		f.Merge()
	}
	f.journal(id, nil)
	return true
}

// replaceInChain writes id into group's chain (replacing an existing
// record in place, else appending to the chain's last buffer) and returns the byte
// delta to the file's load.
func (f *DHFile) replaceInChain(group int64, id string, data []byte) int64 {
	sub, g := SubPrimary, group
	for {
		buf, ok := f.eng.ReadGroup(f, sub, g)
		if !ok {
			buf = encodeGroup(0, nil)
		}
		link, recs := decodeGroup(buf)
		for i, r := range recs {
			if string(r[0]) == id {
				delta := int64(len(data) - len(r[1]))
				recs[i][1] = data
				f.eng.WriteGroup(f, sub, g, encodeGroup(link, recs))
				return delta
			}
		}
		if link == 0 {
			recs = append(recs, [2][]byte{[]byte(id), data})
			f.eng.WriteGroup(f, sub, g, encodeGroup(0, recs))
			return int64(2 + len(id) + 4 + len(data))
		}
		sub, g = SubOverflow, link
	}
}

func (f *DHFile) removeFromChain(group int64, id string) (int64, bool) {
	sub, g := SubPrimary, group
	for {
		buf, ok := f.eng.ReadGroup(f, sub, g)
		if !ok {
			return 0, false
		}
		link, recs := decodeGroup(buf)
		for i, r := range recs {
			if string(r[0]) == id {
				delta := -int64(2 + len(r[0]) + 4 + len(r[1]))
				recs = append(recs[:i], recs[i+1:]...)
				f.eng.WriteGroup(f, sub, g, encodeGroup(link, recs))
				return delta, true
			}
		}
		if link == 0 {
			return 0, false
		}
		sub, g = SubOverflow, link
	}
}

func (f *DHFile) journal(id string, data []byte) {
	if f.JournalOff || f.JournalFileNo == 0 || f.eng.Journal == nil {
		return
	}
	f.eng.Journal(JournalEntry{FileNo: f.JournalFileNo, FileID: f.ID, ID: id, Data: data})
}

// ---- Split / merge ---------------------------------------------------------

// Split grows the modulus by one group and rehashes the linear-hashing
// source group between itself and the new group. Concurrent callers on
// the same file collapse into one execution via singleflight.
func (f *DHFile) Split() {
	f.eng.splits.Do(fmt.Sprintf("split-%d", f.ID), func() (interface{}, error) {
		f.headerMu.Lock()
		defer f.headerMu.Unlock()

		f.eng.seg.FileTableLock.Lock()
		fptr := f.eng.seg.File(f.ID)
		newMod := fptr.Modulus + 1
		f.eng.seg.FileTableLock.Unlock()

		// 0-based: the new group is newMod-1; its records previously
		// folded into newMod-1 - pow2/2.
		p := pow2At(newMod)
		source := newMod - p/2 // 1-based source group
		newGroup := newMod     // 1-based new group

		f.rehashChain(source, newMod, source, newGroup)

		f.eng.seg.FileTableLock.Lock()
		fptr.Modulus = newMod
		f.eng.seg.FileTableLock.Unlock()
		xlog.Debug("group split", "file", f.ID, "source", source, "new", newGroup, "modulus", newMod)
		return nil, nil
	})
}

// Merge shrinks the modulus by one group, folding the last group's
// records back into their linear-hashing source.
func (f *DHFile) Merge() {
	f.headerMu.Lock()
	defer f.headerMu.Unlock()

	f.eng.seg.FileTableLock.Lock()
	fptr := f.eng.seg.File(f.ID)
	if fptr.Modulus <= fptr.MinModulus {
		f.eng.seg.FileTableLock.Unlock()
		return
	}
	oldMod := fptr.Modulus
	f.eng.seg.FileTableLock.Unlock()

	p := pow2At(oldMod)
	source := oldMod - p/2
	last := oldMod

	// Fold every record of the vanishing group into its source group.
	var moved [][2][]byte
	sub, g := SubPrimary, last
	for {
		buf, ok := f.eng.ReadGroup(f, sub, g)
		if !ok {
			break
		}
		link, recs := decodeGroup(buf)
		moved = append(moved, recs...)
		f.eng.deleteGroup(f, sub, g)
		if link == 0 {
			break
		}
		sub, g = SubOverflow, link
	}
	for _, r := range moved {
		f.replaceInChain(source, string(r[0]), r[1])
	}

	f.eng.seg.FileTableLock.Lock()
	fptr.Modulus = oldMod - 1
	f.eng.seg.FileTableLock.Unlock()
	xlog.Debug("group merge", "file", f.ID, "folded", last, "into", source, "modulus", oldMod-1)
}

// rehashChain redistributes the records of srcGroup's chain between the
// two destination groups under the new modulus.
func (f *DHFile) rehashChain(srcGroup, newMod, dstA, dstB int64) {
	var all [][2][]byte
	sub, g := SubPrimary, srcGroup
	for {
		buf, ok := f.eng.ReadGroup(f, sub, g)
		if !ok {
			break
		}
		link, recs := decodeGroup(buf)
		all = append(all, recs...)
		f.eng.deleteGroup(f, sub, g)
		if link == 0 {
			break
		}
		sub, g = SubOverflow, link
	}
	var aRecs, bRecs [][2][]byte
	for _, r := range all {
		if groupFor(string(r[0]), newMod) == dstB {
			bRecs = append(bRecs, r)
		} else {
			aRecs = append(aRecs, r)
		}
	}
	f.eng.WriteGroup(f, SubPrimary, dstA, encodeGroup(0, aRecs))
	if len(bRecs) > 0 || dstA != dstB {
		f.eng.WriteGroup(f, SubPrimary, dstB, encodeGroup(0, bRecs))
	}
}

// GrpStat traverses group and its overflow chain, reporting bytes used,
// buffer count, record count, and large-record count. The
// traversal holds the group lock for its duration and terminates when an
// overflow link is zero.
func (f *DHFile) GrpStat(group int64) GroupStat {
	f.eng.seg.FileTableLock.Lock()
	groupSize := f.eng.seg.File(f.ID).GroupSize
	f.eng.seg.FileTableLock.Unlock()

	var st GroupStat
	sub, g := SubPrimary, group
	f.eng.seg.GroupLockSem.Lock()
	defer f.eng.seg.GroupLockSem.Unlock()
	for {
		buf, err := f.eng.kv.Get(groupKey(f.ID, sub, g))
		if err != nil {
			break
		}
		st.BufferCount++
		st.BytesUsed += int64(len(buf))
		link, recs := decodeGroup(buf)
		st.RecordCount += len(recs)
		for _, r := range recs {
			if int64(len(r[1])) > groupSize {
				st.LargeRecords++
			}
		}
		if link == 0 {
			break
		}
		sub, g = SubOverflow, link
	}
	return st
}

// ---- Select lists ----------------------------------------------------------

// Select starts (or restarts) a full-file select into list listNo,
// returning the ids and their count.
func (f *DHFile) Select(listNo int) []string {
	st := &selectState{nextGroup: 1}
	f.selects[listNo] = st
	f.CompleteSelect(listNo)
	return st.ids
}

// SelectGroup appends one group's ids to list listNo, advancing the
// partial-select cursor (dh_select_group).
func (f *DHFile) SelectGroup(listNo int) bool {
	st := f.selects[listNo]
	if st == nil {
		st = &selectState{nextGroup: 1}
		f.selects[listNo] = st
	}
	f.eng.seg.FileTableLock.Lock()
	modulus := f.eng.seg.File(f.ID).Modulus
	f.eng.seg.FileTableLock.Unlock()
	if st.done || st.nextGroup > modulus {
		st.done = true
		return false
	}
	sub, g := SubPrimary, st.nextGroup
	for {
		buf, ok := f.eng.ReadGroup(f, sub, g)
		if !ok {
			break
		}
		link, recs := decodeGroup(buf)
		for _, r := range recs {
			st.ids = append(st.ids, string(r[0]))
		}
		if link == 0 {
			break
		}
		sub, g = SubOverflow, link
	}
	st.nextGroup++
	return true
}

// CompleteSelect drains the remaining groups into list listNo
// (dh_complete_select).
func (f *DHFile) CompleteSelect(listNo int) {
	for f.SelectGroup(listNo) {
	}
}

// EndSelect abandons list listNo's select state (dh_end_select).
func (f *DHFile) EndSelect(listNo int) {
	delete(f.selects, listNo)
}

// SelectIDs returns the ids accumulated in list listNo.
func (f *DHFile) SelectIDs(listNo int) []string {
	if st := f.selects[listNo]; st != nil {
		return st.ids
	}
	return nil
}
