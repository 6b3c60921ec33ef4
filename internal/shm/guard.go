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

package shm

import (
	"fmt"
	"sync"
)

// Semaphore ranks. Any path that takes more than one semaphore must
// take them in this order.
const (
	rankFileTable = iota
	rankRecLock
	rankGroupLock
	rankShortCode
	rankErrLog
)

// heldRanks backs the per-goroutine held-rank assertion, which the
// rankDebug build-tagged constant gates so release builds pay no cost for
// it. See rankcheck_debug.go / rankcheck_release.go.
var heldRanks sync.Map // goroutine id (via a per-goroutine token) -> *[]int

// RankedMutex is a named mutex tagged with its position in the fixed
// semaphore order. Lock panics in debug builds if the calling goroutine
// already holds a lower-ranked RankedMutex, mechanically enforcing the
// ordering rule instead of leaving it as a convention.
type RankedMutex struct {
	mu   sync.Mutex
	rank int
	name string
}

func newRankedMutex(rank int, name string) *RankedMutex {
	return &RankedMutex{rank: rank, name: name}
}

// Lock acquires the mutex, asserting rank ordering in debug builds.
func (r *RankedMutex) Lock() {
	assertRankOrder(r)
	r.mu.Lock()
	pushRank(r)
}

// Unlock releases the mutex.
func (r *RankedMutex) Unlock() {
	popRank(r)
	r.mu.Unlock()
}

// Name returns the semaphore's name.
func (r *RankedMutex) Name() string { return r.name }

func (r *RankedMutex) String() string {
	return fmt.Sprintf("%s(rank=%d)", r.name, r.rank)
}
