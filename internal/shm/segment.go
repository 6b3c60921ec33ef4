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

// Package shm models the shared-memory segment: the
// process table, file table, record-lock table, task locks, and global
// counters every cooperating process sees. Rather than an actual mmap'd
// segment shared by separate OS processes, this implementation models
// "processes" as goroutines sharing one *Segment guarded by the
// named, rank-ordered mutexes. That keeps the ordering guarantees and
// the table invariants mechanically testable in one address space while
// preserving every acquisition/ordering rule a real multi-process port
// would also need.
package shm

import "github.com/scarletdme/qmvm/internal/xlog"

// Process table flags.
type ProcFlags uint32

const (
	ProcPhantom ProcFlags = 1 << iota
	ProcQMVBSrvr
	ProcAdmin
	ProcQMNet
	ProcLogout
	ProcMsgOff
)

// ProcEntry is one process-table slot. Uid == 0 means free.
type ProcEntry struct {
	Uid         int
	ParentUid   int
	OSPid       int
	Flags       ProcFlags
	EventBits   uint32 // owned by internal/event; stored here to keep the table's shape in one place
	LockWait    int    // positive = record-lock slot index + 1; negative = -file_id
	Username    string
	TTYName     string
	IPAddress   string
	LoginTime   int64
	FileRefs    map[int]int // file_id -> refcount held by this process
	TxnID       int
}

// File table flags.
type FileFlags uint32

const (
	FileNoCase FileFlags = 1 << iota
	FileNoResize
	FileRDOnly
	FileNonTxn
)

// FileEntry is one file-table slot.
type FileEntry struct {
	ID           int
	Pathname     string
	RefCount     int // -1 reserved for exclusive mode
	LockOwner    int // 0 = none; positive = user; negative = share-exclusive
	LockTxnID    int
	LockCount    int // record locks currently held in this file
	Flags        FileFlags
	LoadBytes    int64
	GroupSize    int64
	Modulus      int64
	SplitLoad    float64
	MergeLoad    float64
	MinModulus   int64
	ExclusiveVar int // FileVar index granted exclusive access
}

// RecordLockType distinguishes Shared (many readers) from Update
// (exclusive) record locks.
type RecordLockType uint8

const (
	LockShared RecordLockType = iota
	LockUpdate
)

// RecordLockSlot is one open-addressed slot in the record-lock table.
// Hash == 0 marks a free slot.
type RecordLockSlot struct {
	Hash    uint64
	Owner   int
	Type    RecordLockType
	FileID  int
	ID      string
	TxnID   int
	Waiters int
	// Count is meaningful only on the slot that is the *home* slot for its
	// hash bucket: the number of entries that hashed to this bucket,
	// used by chain walkers as the remaining-entries counter.
	Count int
}

// Global counters.
type Counters struct {
	MaxUsers   int
	NumFiles   int
	NumLocks   int
	LockPeak   int
	LockCount  int
	Suspend    bool
	Secure     bool
	SysDir     string
	Deadlock   bool // deadlock detection enabled
}

// Segment is the shared-state substrate. Every field mutation goes through
// the named, rank-ordered guards in guard.go, acquired in the fixed order
// FileTable > RecLock > GroupLock > ShortCode > ErrLog.
type Segment struct {
	FileTableLock *RankedMutex
	RecLockSem    *RankedMutex
	GroupLockSem  *RankedMutex
	ShortCode     *RankedMutex
	ErrLogSem     *RankedMutex

	Counters Counters

	procs  []ProcEntry // index 0 unused; 1..MaxUsers
	files  []FileEntry
	locks  []RecordLockSlot
	tasks  [64]int // task lock slots; 0 = free, else owning uid

	pcodeLib map[string][]byte // loaded object modules by upper-cased name
}

// New allocates a Segment sized for maxUsers processes and numLocks
// record-lock slots, with the five named semaphores ranked in their
// fixed acquisition order.
func New(maxUsers, numLocks int) *Segment {
	s := &Segment{
		FileTableLock: newRankedMutex(rankFileTable, "FILE_TABLE_LOCK"),
		RecLockSem:    newRankedMutex(rankRecLock, "REC_LOCK_SEM"),
		GroupLockSem:  newRankedMutex(rankGroupLock, "GROUP_LOCK_SEM"),
		ShortCode:     newRankedMutex(rankShortCode, "SHORT_CODE"),
		ErrLogSem:     newRankedMutex(rankErrLog, "ERRLOG_SEM"),
		Counters:      Counters{MaxUsers: maxUsers, NumLocks: numLocks},
		procs:         make([]ProcEntry, maxUsers+1),
		locks:         make([]RecordLockSlot, numLocks),
		pcodeLib:      make(map[string][]byte),
	}
	return s
}

// Login allocates a free process-table slot for uid, returning its index
// (the "user number").
func (s *Segment) Login(uid int, username, tty, ip string) (int, bool) {
	s.FileTableLock.Lock()
	defer s.FileTableLock.Unlock()
	for i := 1; i < len(s.procs); i++ {
		if s.procs[i].Uid == 0 {
			s.procs[i] = ProcEntry{Uid: uid, Username: username, TTYName: tty, IPAddress: ip, FileRefs: make(map[int]int)}
			xlog.Info("process logged in", "slot", i, "uid", uid, "tty", tty)
			return i, true
		}
	}
	xlog.Warn("process table full", "maxUsers", s.Counters.MaxUsers)
	return 0, false
}

// Logout frees slot i.
func (s *Segment) Logout(i int) {
	s.FileTableLock.Lock()
	defer s.FileTableLock.Unlock()
	if i > 0 && i < len(s.procs) {
		xlog.Info("process logged out", "slot", i, "uid", s.procs[i].Uid)
		s.procs[i] = ProcEntry{}
	}
}

// Proc returns a copy of slot i's entry. Callers needing a stale, lock-free
// read of a word-atomic field (Uid, EventBits) may instead use
// ProcUnordered.
func (s *Segment) Proc(i int) ProcEntry {
	s.FileTableLock.Lock()
	defer s.FileTableLock.Unlock()
	if i <= 0 || i >= len(s.procs) {
		return ProcEntry{}
	}
	return s.procs[i]
}

// MutateProc applies fn to slot i under FileTableLock.
func (s *Segment) MutateProc(i int, fn func(*ProcEntry)) {
	s.FileTableLock.Lock()
	defer s.FileTableLock.Unlock()
	if i > 0 && i < len(s.procs) {
		fn(&s.procs[i])
	}
}

// ProcUnordered reads slot i without any semaphore. Legal only when
// the caller either tolerates a stale view of
// word-atomic fields, or already holds the semaphore that serializes the
// specific field it reads (e.g. LockWait under REC_LOCK_SEM).
func (s *Segment) ProcUnordered(i int) ProcEntry {
	if i <= 0 || i >= len(s.procs) {
		return ProcEntry{}
	}
	return s.procs[i]
}

// MutateProcUnordered applies fn to slot i without taking FileTableLock.
// The caller must already hold the semaphore serializing the mutated
// field (internal/lockmgr mutates LockWait under REC_LOCK_SEM).
func (s *Segment) MutateProcUnordered(i int, fn func(*ProcEntry)) {
	if i > 0 && i < len(s.procs) {
		fn(&s.procs[i])
	}
}

// Procs returns a snapshot of every non-free process slot, for AdminSurface.
func (s *Segment) Procs() []ProcEntry {
	s.FileTableLock.Lock()
	defer s.FileTableLock.Unlock()
	out := make([]ProcEntry, 0, len(s.procs))
	for i := 1; i < len(s.procs); i++ {
		if s.procs[i].Uid != 0 {
			out = append(out, s.procs[i])
		}
	}
	return out
}

// AddFile registers a new file-table entry and returns its id.
func (s *Segment) AddFile(pathname string, flags FileFlags) int {
	s.FileTableLock.Lock()
	defer s.FileTableLock.Unlock()
	id := len(s.files) + 1
	s.files = append(s.files, FileEntry{ID: id, Pathname: pathname, Flags: flags})
	s.Counters.NumFiles++
	return id
}

// File returns a pointer to file-table entry id for in-place mutation.
// The table structure (AddFile's append) is serialized by FileTableLock;
// within an entry, the lock-related fields (LockOwner, LockTxnID,
// LockCount) are serialized by RecLockSem per internal/lockmgr, and the
// tuning/refcount fields by FileTableLock per internal/storage. Both
// respect the rank ordering because neither ever takes the other's
// semaphore while holding its own.
func (s *Segment) File(id int) *FileEntry {
	if id <= 0 || id > len(s.files) {
		return nil
	}
	return &s.files[id-1]
}

// Locks exposes the record-lock table slice for internal/lockmgr, which is
// the sole writer and always operates under RecLockSem.
func (s *Segment) Locks() []RecordLockSlot { return s.locks }

// LockSlot returns a pointer to record-lock slot i.
func (s *Segment) LockSlot(i int) *RecordLockSlot { return &s.locks[i] }

// TaskLock attempts to acquire cooperative task lock n (0..63) for uid.
// Reentrant for the same uid.
func (s *Segment) TaskLock(n int, uid int) bool {
	s.ShortCode.Lock()
	defer s.ShortCode.Unlock()
	if n < 0 || n >= len(s.tasks) {
		return false
	}
	if s.tasks[n] == 0 || s.tasks[n] == uid {
		s.tasks[n] = uid
		return true
	}
	return false
}

// TaskUnlock releases task lock n if held by uid.
func (s *Segment) TaskUnlock(n int, uid int) {
	s.ShortCode.Lock()
	defer s.ShortCode.Unlock()
	if n >= 0 && n < len(s.tasks) && s.tasks[n] == uid {
		s.tasks[n] = 0
	}
}

// OrEventBits ORs bits into slot i's event word under SHORT_CODE, the
// semaphore reserved for event-word RMW. setLogout
// additionally sets the ProcLogout flag (raised for LOGOUT/TERMINATE/
// LICENCE bits). Taking SHORT_CODE here rather than FileTableLock keeps
// raise_event legal from paths already inside a lower-ranked critical
// section.
func (s *Segment) OrEventBits(i int, bits uint32, setLogout bool) {
	s.ShortCode.Lock()
	defer s.ShortCode.Unlock()
	if i <= 0 || i >= len(s.procs) || s.procs[i].Uid == 0 {
		return
	}
	s.procs[i].EventBits |= bits
	if setLogout {
		s.procs[i].Flags |= ProcLogout
	}
}

// TakeEventBits reads and clears slot i's event word in one RMW step,
// returning the observed bits. The mask retains masked-off bits in the
// word for a later Process pass.
func (s *Segment) TakeEventBits(i int, mask uint32) uint32 {
	s.ShortCode.Lock()
	defer s.ShortCode.Unlock()
	if i <= 0 || i >= len(s.procs) {
		return 0
	}
	bits := s.procs[i].EventBits
	s.procs[i].EventBits = bits &^ mask
	return bits & mask
}

// EventBits returns slot i's event word without clearing it. Word-atomic
// stale reads of this field are tolerated by consumers,
// but going through SHORT_CODE keeps the rank checker's picture exact.
func (s *Segment) EventBits(i int) uint32 {
	s.ShortCode.Lock()
	defer s.ShortCode.Unlock()
	if i <= 0 || i >= len(s.procs) {
		return 0
	}
	return s.procs[i].EventBits
}

// LoadModule registers a pcode library entry under its upper-cased
// name.
func (s *Segment) LoadModule(name string, blob []byte) {
	s.ShortCode.Lock()
	defer s.ShortCode.Unlock()
	s.pcodeLib[upper(name)] = blob
}

// Module resolves a pcode library entry by name.
func (s *Segment) Module(name string) ([]byte, bool) {
	s.ShortCode.Lock()
	defer s.ShortCode.Unlock()
	b, ok := s.pcodeLib[upper(name)]
	return b, ok
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
