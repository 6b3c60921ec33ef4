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

import (
	"errors"
	"fmt"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	Unassigned Kind = iota
	Integer
	Float
	String
	SelectList
	Subroutine
	FileRef
	Array_ // avoid clashing with the Array type name
	Common
	Persistent
	LocalVars
	Image
	BTree
	Socket
	PMatrix
	Object
	ObjectCode
	ObjectUndefHandler
	Addr
)

var kindNames = map[Kind]string{
	Unassigned: "UNASSIGNED", Integer: "INTEGER", Float: "FLOAT",
	String: "STRING", SelectList: "SELECTLIST", Subroutine: "SUBR",
	FileRef: "FILEREF", Array_: "ARRAY", Common: "COMMON",
	Persistent: "PERSISTENT", LocalVars: "LOCALVARS", Image: "IMAGE",
	BTree: "BTREE", Socket: "SOCKET", PMatrix: "PMATRIX", Object: "OBJECT",
	ObjectCode: "OBJECTCODE", ObjectUndefHandler: "OBJECTUNDEF", Addr: "ADDR",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Errors surfaced by descriptor operations; these are the sentinels that
// internal/errmodel wraps into full diagnostics.
var (
	ErrUnassigned     = errors.New("descriptor: unassigned variable")
	ErrNonNumeric     = errors.New("descriptor: non-numeric value in numeric context")
	ErrSubscriptRange = errors.New("descriptor: array subscript out of range")
	ErrDivByZero      = errors.New("descriptor: division by zero")
	ErrAddrChain      = errors.New("descriptor: Addr chain did not resolve to a value")
)

// Object holds class-instance data; defined fully in internal/object and
// referenced here only through an opaque interface to avoid an import
// cycle (the VM's evaluation stack must hold object descriptors, but
// object semantics belong to internal/object).
type ObjectData interface {
	Retain()
	Release()
}

// FileVar is an open-file handle descriptor payload; defined fully by
// internal/storage and referenced opaquely here for the same reason as
// ObjectData.
type FileVar interface {
	Retain()
	Release()
}

// Value is the VM's sole value type: a tagged union ("descriptor").
// The zero Value is Unassigned.
type Value struct {
	Kind  Kind
	Flags Flags

	I int64   // Integer
	F float64 // Float

	Str *StringHead // String / SelectList / Subroutine name
	Arr *Array       // Array / Common / Persistent / LocalVars

	Obj    ObjectData // Object / ObjectCode / ObjectUndefHandler
	ObjKey int64      // ObjectCode/ObjectUndefHandler bound method key
	ObjArg int        // ObjectCode declared arg count
	ObjName string     // ObjectUndefHandler: original requested name

	File FileVar // FileRef payload

	CodeRef int64 // Subroutine: code object reference

	Remove RemovePointer // String: remove-pointer cursor

	// AddrTarget is non-nil only when Kind == Addr: an indirect reference
	// to a variable slot. Addr descriptors live only on the evaluation
	// stack: they borrow a slot whose owning frame outlives the Addr's
	// lifetime on the stack.
	AddrTarget *Value
}

// IsAddr reports whether v is an Addr descriptor.
func (v *Value) IsAddr() bool { return v.Kind == Addr }

// Deref walks a (possibly empty) chain of Addr descriptors to its
// non-Addr terminus; Addr chains are always finite and must be
// dereferenced before use as a value. It returns the terminal
// *Value, which may still be itself of Kind Addr only if AddrTarget is
// nil (a dangling Addr), in which case ok is false.
func Deref(v *Value) (*Value, bool) {
	seen := 0
	for v.Kind == Addr {
		if v.AddrTarget == nil {
			return v, false
		}
		v = v.AddrTarget
		seen++
		if seen > 10_000 {
			// Addr chains are finite by construction; this catches a
			// corrupted chain rather than a legitimate long one.
			return v, false
		}
	}
	return v, true
}

// Retain increments the refcount on any shared payload the value owns,
// so dup followed by pop on any descriptor restores refcounts
// precisely.
func (v *Value) Retain() {
	switch v.Kind {
	case String, SelectList, Subroutine:
		v.Str.Retain()
	case Array_, Common, Persistent, LocalVars:
		v.Arr.Retain()
	case Object, ObjectCode, ObjectUndefHandler:
		if v.Obj != nil {
			v.Obj.Retain()
		}
	case FileRef:
		if v.File != nil {
			v.File.Retain()
		}
	}
}

// Release decrements the refcount on any shared payload and invalidates
// any live remove pointer before it would dangle. After Release, v
// should be discarded or overwritten;
// Release itself does not reset v to Unassigned so callers that need to
// reuse the slot call Reset explicitly.
func (v *Value) Release() {
	switch v.Kind {
	case String, SelectList, Subroutine:
		if v.Remove.valid {
			v.Remove.valid = false
			v.Remove.target = nil
		}
		v.Str.Release()
	case Array_, Common, Persistent, LocalVars:
		v.Arr.Release()
	case Object, ObjectCode, ObjectUndefHandler:
		if v.Obj != nil {
			v.Obj.Release()
		}
	case FileRef:
		if v.File != nil {
			v.File.Release()
		}
	}
}

// Reset overwrites v with Unassigned after Release has been called (or
// when v never held a value). Combined, Release+Reset implement the
// "stor" opcode's old-value teardown.
func (v *Value) Reset() {
	*v = Value{}
}

// Assign releases v's current payload, retains src's payload (so src and
// the new v share ownership), and copies src's scalar/tagged fields into
// v. Assignment is idempotent: calling Assign
// twice with the same src leaves refcounts as if called once, because the
// first call's Release always matches that slot's own prior Retain.
func (v *Value) Assign(src Value) {
	// Retain before releasing the old contents so self-assignment through
	// an Addr cannot drop the payload's last reference mid-assign.
	src.Retain()
	old := *v
	*v = src
	v.Flags = v.Flags.Clear(FlagArg | FlagArgSet | FlagSystem | FlagWatch)
	old.Release()
}

// Int returns the integer interpretation of an Integer/Float value,
// truncating floats toward zero. Returns ErrNonNumeric for non-numeric
// kinds and ErrUnassigned for Unassigned.
func (v *Value) Int() (int64, error) {
	switch v.Kind {
	case Unassigned:
		return 0, ErrUnassigned
	case Integer:
		return v.I, nil
	case Float:
		return int64(v.F), nil
	default:
		return 0, ErrNonNumeric
	}
}

// Assigned reports whether v (already dereferenced) holds a value; the
// ASSIGNED opcode builds on it without reading the value.
func (v *Value) Assigned() bool { return v.Kind != Unassigned }
