// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package shm

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the numeric goroutine id from its stack trace
// header ("goroutine 123 [running]:"). It is used only by the debug-build
// rank-order assertion below; production code paths never call it.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

func ranksFor(id int64) *[]int {
	v, _ := heldRanks.LoadOrStore(id, &[]int{})
	return v.(*[]int)
}

// assertRankOrder panics if the calling goroutine already holds a
// RankedMutex ranked >= r.rank, which would violate the fixed semaphore
// acquisition order.
func assertRankOrder(r *RankedMutex) {
	if !rankDebug {
		return
	}
	id := goroutineID()
	held := ranksFor(id)
	for _, h := range *held {
		if h >= r.rank {
			panic("shm: semaphore acquired out of rank order: " + r.name)
		}
	}
}

func pushRank(r *RankedMutex) {
	if !rankDebug {
		return
	}
	id := goroutineID()
	held := ranksFor(id)
	*held = append(*held, r.rank)
}

func popRank(r *RankedMutex) {
	if !rankDebug {
		return
	}
	id := goroutineID()
	held := ranksFor(id)
	if n := len(*held); n > 0 {
		*held = (*held)[:n-1]
	}
}
