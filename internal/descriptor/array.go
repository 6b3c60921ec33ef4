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

package descriptor

import "fmt"

// MaxArrayChunkSize bounds the number of descriptors a single array chunk
// may hold.
const MaxArrayChunkSize = 256

// ArrayFlags is the array-header flags byte.
type ArrayFlags uint8

const (
	// ArrayPickStyle rejects index 0 (1-based PICK-style indexing).
	ArrayPickStyle ArrayFlags = 1 << iota
)

// Array is a 1- or 2-dimensional matrix of descriptors, refcounted and
// chunked. Common blocks are Arrays whose element 0 is a
// name descriptor.
type Array struct {
	Rows, Cols int // Cols == 0 means 1-D
	Flags      ArrayFlags
	refCt      int
	chunks     [][]Value
}

// NewArray allocates a rows x cols array (cols == 0 for 1-D), all elements
// Unassigned, ref count 1.
func NewArray(rows, cols int) *Array {
	n := rows
	if cols > 0 {
		n = rows * cols
	}
	a := &Array{Rows: rows, Cols: cols, refCt: 1}
	a.grow(n)
	return a
}

func (a *Array) grow(n int) {
	total := 0
	for _, c := range a.chunks {
		total += len(c)
	}
	for total < n {
		room := MaxArrayChunkSize
		if n-total < room {
			room = n - total
		}
		chunk := make([]Value, room)
		a.chunks = append(a.chunks, chunk)
		total += room
	}
}

// Len returns the total number of addressable elements.
func (a *Array) Len() int {
	n := 0
	for _, c := range a.chunks {
		n += len(c)
	}
	return n
}

// NumChunks reports the chunk count.
func (a *Array) NumChunks() int { return len(a.chunks) }

// Element locates the descriptor at linear index idx. Index 0 is
// rejected when ArrayPickStyle is set.
func (a *Array) Element(idx int) (*Value, error) {
	if a.Flags&ArrayPickStyle != 0 && idx == 0 {
		return nil, fmt.Errorf("descriptor: index 0 rejected by PICK_STYLE array")
	}
	if idx < 0 {
		return nil, fmt.Errorf("descriptor: %w: index %d", ErrSubscriptRange, idx)
	}
	remaining := idx
	for _, c := range a.chunks {
		if remaining < len(c) {
			return &c[remaining], nil
		}
		remaining -= len(c)
	}
	return nil, fmt.Errorf("descriptor: %w: index %d (len %d)", ErrSubscriptRange, idx, a.Len())
}

// Retain increments the array's shared refcount.
func (a *Array) Retain() {
	if a != nil {
		a.refCt++
	}
}

// Release decrements the array's refcount; at zero it releases every live
// element and drops the chunk backing store; freeing occurs exactly
// when the refcount reaches zero.
func (a *Array) Release() {
	if a == nil {
		return
	}
	a.refCt--
	if a.refCt < 0 {
		panic(ErrResourceFault)
	}
	if a.refCt == 0 {
		for _, c := range a.chunks {
			for i := range c {
				c[i].Release()
			}
		}
		a.chunks = nil
	}
}

// RefCount reports the array's current shared refcount.
func (a *Array) RefCount() int {
	if a == nil {
		return 0
	}
	return a.refCt
}
