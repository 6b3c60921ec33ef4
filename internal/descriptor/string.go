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

import "errors"

// MaxStringChunkSize bounds the number of data bytes a single chunk may
// hold.
const MaxStringChunkSize = 32 * 1024

// ErrResourceFault reports a lifecycle violation: a refcount driven
// below zero by mismatched Retain/Release pairs.
var ErrResourceFault = errors.New("descriptor: resource lifecycle fault")

// chunk is one link in a string's chunk chain. Only the head chunk (the
// chunk referenced directly by a String/SelectList descriptor) carries a
// meaningful refCt and stringLen; trailing chunks are owned solely by the
// head.
type chunk struct {
	data      []byte
	next      *chunk
	allocSize int

	// head-only fields; zero on non-head chunks.
	refCt     int
	stringLen int64
	// offset records the remaining SelectList element count when this
	// chunk's owning descriptor is a SelectList rather than a plain String.
	offset int64
}

// StringHead is the head of a string chunk chain. A nil *StringHead
// represents the null string; operations on it return null results
// without allocation.
type StringHead struct {
	chunk
}

// NewString builds a single-chunk string head from data, ref count 1.
func NewString(data []byte) *StringHead {
	if len(data) == 0 {
		return nil
	}
	h := &StringHead{}
	h.data = append([]byte(nil), data...)
	h.allocSize = len(h.data)
	h.refCt = 1
	h.stringLen = int64(len(data))
	return h
}

// NewSelectList builds a string head that additionally records a residual
// element count in its offset field.
func NewSelectList(data []byte, count int64) *StringHead {
	h := NewString(data)
	if h == nil {
		h = &StringHead{}
		h.refCt = 1
	}
	h.offset = count
	return h
}

// Len returns the total byte length across the chain, or 0 for a nil head.
func (h *StringHead) Len() int64 {
	if h == nil {
		return 0
	}
	return h.stringLen
}

// ElementCount returns the SelectList residual count carried in the head's
// offset field.
func (h *StringHead) ElementCount() int64 {
	if h == nil {
		return 0
	}
	return h.offset
}

// SetElementCount updates the SelectList residual count.
func (h *StringHead) SetElementCount(n int64) {
	if h != nil {
		h.offset = n
	}
}

// Retain increments the head's shared refcount. It is a no-op on nil.
func (h *StringHead) Retain() {
	if h != nil {
		h.refCt++
	}
}

// Release decrements the head's refcount, freeing the whole chain when it
// reaches zero, freeing the whole chain. It is a no-op on nil.
func (h *StringHead) Release() {
	if h == nil {
		return
	}
	h.refCt--
	if h.refCt < 0 {
		panic(ErrResourceFault)
	}
	if h.refCt == 0 {
		h.next = nil // drop the chain; Go's GC reclaims trailing chunks
	}
}

// RefCount reports the head's current shared refcount (0 for nil).
func (h *StringHead) RefCount() int {
	if h == nil {
		return 0
	}
	return h.refCt
}

// Bytes materializes the full string as a single byte slice.
func (h *StringHead) Bytes() []byte {
	if h == nil {
		return nil
	}
	out := make([]byte, 0, h.stringLen)
	for c := &h.chunk; c != nil; c = c.next {
		out = append(out, c.data...)
	}
	return out
}

// Append concatenates extra onto h, growing or adding chunks as needed, and
// returns the (possibly new) head. Append never mutates a shared chain in
// place when h.refCt > 1; instead it copies-on-write, consistent with the
// copy-semantics of descriptor assignment.
func (h *StringHead) Append(extra []byte) *StringHead {
	if len(extra) == 0 {
		return h
	}
	if h == nil {
		return NewString(extra)
	}
	var nh StringHead
	if h.refCt > 1 {
		nh.data = append([]byte(nil), h.Bytes()...)
		nh.allocSize = len(nh.data)
		nh.stringLen = h.stringLen
		nh.offset = h.offset
	} else {
		nh = *h
	}
	nh.refCt = 1
	remaining := extra
	tail := &nh.chunk
	for tail.next != nil {
		tail = tail.next
	}
	for len(remaining) > 0 {
		room := MaxStringChunkSize - len(tail.data)
		if room <= 0 {
			nc := &chunk{}
			tail.next = nc
			tail = nc
			room = MaxStringChunkSize
		}
		n := len(remaining)
		if n > room {
			n = room
		}
		tail.data = append(tail.data, remaining[:n]...)
		tail.allocSize = len(tail.data)
		remaining = remaining[n:]
	}
	nh.stringLen += int64(len(extra))
	return &nh
}

// RemovePointer is the per-descriptor state backing the REMOVE opcode
// family: a cursor into a string chain that survives
// iteration without mutating the string.
type RemovePointer struct {
	valid  bool
	target *chunk
	offset int
}

// NewRemovePointer attaches a remove pointer at the start of h's chain.
func NewRemovePointer(h *StringHead) RemovePointer {
	if h == nil {
		return RemovePointer{}
	}
	return RemovePointer{valid: true, target: &h.chunk, offset: 0}
}

// Valid reports whether the pointer still targets live data.
func (r RemovePointer) Valid() bool { return r.valid }

// Next advances past the next delimiter byte (delim), returning the field
// read and updating the cursor in place. Returns ok=false once the pointer
// has been invalidated or the chain is exhausted.
func (r *RemovePointer) Next(delim byte) (field []byte, ok bool) {
	if !r.valid || r.target == nil {
		return nil, false
	}
	var out []byte
	c := r.target
	off := r.offset
	for {
		if off >= len(c.data) {
			if c.next == nil {
				r.valid = false
				r.target = nil
				return out, len(out) > 0
			}
			c = c.next
			off = 0
			continue
		}
		b := c.data[off]
		off++
		if b == delim {
			r.target = c
			r.offset = off
			return out, true
		}
		out = append(out, b)
	}
}
