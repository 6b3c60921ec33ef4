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

// Package objfmt implements the compiled bytecode object format: a
// fixed header, code, an optional line table, an optional symbol table,
// and, for classes, a name-map table. A static Verify pass checks the
// code stream's structure before it is ever dispatched.
package objfmt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic values. MagicSwapped is the byte-swapped form of Magic; seeing it
// at load time triggers the one-time header endian fix.
const (
	Magic        uint32 = 0x51 | 'M'<<8 | 'O'<<16 | 'B'<<24 // "QMOB"
	MagicSwapped uint32 = 0x51<<24 | 'M'<<16 | 'O'<<8 | 'B' // byte-reversed Magic
)

// Flags is the header flags word.
type Flags uint32

const (
	IsCproc Flags = 1 << iota
	Internal
	Debug
	IsDebugger
	NoCase
	IsFunction
	VarArgs
	Recursive
	IType
	AllowBreak
	IsTrusted
	NetFiles
	CaseSensitive
	QMCallAllowed
	CType
	IsClass
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// MaxProgramName bounds the header's program-name field.
const MaxProgramName = 64

// Header is the fixed portion of an object module. Field
// order here does not match any historical on-disk layout; only the
// logical fields and their semantics are kept.
type Header struct {
	Revision     uint16
	StartOffset  uint32
	ArgCount     uint16
	NumLocals    uint16
	StackDepth   uint16
	SymTableOff  uint32
	LineTableOff uint32
	NameMapOff   uint32 // nonzero only for IS_CLASS modules
	TotalSize    uint32
	CompileTime  int64
	Flags        Flags
	ProgramName  string
	RefCount     int32 // runtime-only; not meaningful until Load populates it
}

// Object is a fully decoded bytecode module: header plus code and the two
// optional tables.
type Object struct {
	Header
	Code       []byte
	LineTable  []byte // delta-encoded, see linetable.go
	SymTable   []byte // FIELD_MARK-delimited entries, see symtable.go
	NameMap    []NameMapEntry
}

var (
	// ErrTruncated is returned when a blob is too short to hold even the
	// fixed header.
	ErrTruncated = errors.New("objfmt: truncated object header")
	// ErrBadMagic is returned when neither Magic nor MagicSwapped matches.
	ErrBadMagic = errors.New("objfmt: unrecognized magic")
)

const headerFixedSize = 4 + 2 + 4 + 2 + 2 + 2 + 4 + 4 + 4 + 4 + 8 + 4 + 2 + MaxProgramName

// Load decodes a serialized object module, performing the one-shot
// endian fix when the magic is byte-swapped.
func Load(data []byte) (*Object, error) {
	if len(data) < headerFixedSize {
		return nil, ErrTruncated
	}
	bo := binary.ByteOrder(binary.LittleEndian)
	magic := bo.Uint32(data[0:4])
	if magic == MagicSwapped {
		bo = binary.BigEndian
		magic = bo.Uint32(data[0:4])
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrBadMagic, magic)
	}

	off := 4
	read16 := func() uint16 { v := bo.Uint16(data[off:]); off += 2; return v }
	read32 := func() uint32 { v := bo.Uint32(data[off:]); off += 4; return v }
	read64 := func() int64 { v := bo.Uint64(data[off:]); off += 8; return int64(v) }

	h := Header{}
	h.Revision = read16()
	h.StartOffset = read32()
	h.ArgCount = read16()
	h.NumLocals = read16()
	h.StackDepth = read16()
	h.SymTableOff = read32()
	h.LineTableOff = read32()
	h.NameMapOff = read32()
	h.TotalSize = read32()
	h.CompileTime = read64()
	h.Flags = Flags(read32())
	nameLen := read16()
	if int(nameLen) > MaxProgramName || off+int(nameLen) > len(data) {
		return nil, fmt.Errorf("objfmt: program name length %d out of range", nameLen)
	}
	h.ProgramName = string(data[off : off+int(nameLen)])
	off = headerFixedSize

	if int(h.TotalSize) < off || int(h.TotalSize) > len(data) {
		return nil, fmt.Errorf("objfmt: declared size %d inconsistent with blob length %d", h.TotalSize, len(data))
	}

	body := data[off:h.TotalSize]
	// Tables are laid out in order: code, line table, symbol table, name
	// map. A zero offset means the table is absent.
	rel := func(tableOff uint32) (int, error) {
		if tableOff == 0 {
			return len(body), nil
		}
		r := int(tableOff) - off
		if r < 0 || r > len(body) {
			return 0, fmt.Errorf("objfmt: table offset %d out of range", tableOff)
		}
		return r, nil
	}
	lineStart, err := rel(h.LineTableOff)
	if err != nil {
		return nil, err
	}
	symStart, err := rel(h.SymTableOff)
	if err != nil {
		return nil, err
	}
	nmStart, err := rel(h.NameMapOff)
	if err != nil {
		return nil, err
	}
	codeEnd := min3(lineStart, symStart, nmStart)

	obj := &Object{Header: h}
	obj.Code = body[:codeEnd]
	if h.LineTableOff != 0 {
		obj.LineTable = body[lineStart:min2(symStart, nmStart)]
	}
	if h.SymTableOff != 0 {
		obj.SymTable = body[symStart:nmStart]
	}
	if h.NameMapOff != 0 {
		nm, err := decodeNameMap(body[nmStart:], bo)
		if err != nil {
			return nil, err
		}
		obj.NameMap = nm
	}
	return obj, nil
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func min3(a, b, c int) int { return min2(a, min2(b, c)) }
