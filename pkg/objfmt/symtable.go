// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package objfmt

import (
	"bytes"
	"fmt"
)

// FieldMark and ValueMark are the delimiter bytes used by the symbol
// table's variable-name entries: "FIELD_MARK-delimited
// entries with internal structure for common blocks; variable names are
// terminated by a value mark."
const (
	FieldMark byte = 0xFE
	ValueMark byte = 0xFD
)

// symEntry is one decoded symbol-table row.
type symEntry struct {
	slot  int // local-variable or common-element index this entry names
	block string // non-empty for a common-block variable
	name  string
}

// decodeSymTable parses the FIELD_MARK-delimited symbol table. Each field
// is either "name<VM>" for a plain local, or "block:name<VM>" for a
// common-block member; slot indices are implicit in entry order.
func decodeSymTable(raw []byte) []symEntry {
	var out []symEntry
	fields := bytes.Split(raw, []byte{FieldMark})
	for slot, f := range fields {
		if len(f) == 0 {
			continue
		}
		parts := bytes.SplitN(f, []byte{ValueMark}, 2)
		if len(parts) == 2 && len(parts[0]) > 0 && bytes.Contains(parts[0], []byte{':'}) {
			blockAndName := bytes.SplitN(parts[0], []byte{':'}, 2)
			out = append(out, symEntry{slot: slot, block: string(blockAndName[0]), name: string(blockAndName[1])})
		} else {
			out = append(out, symEntry{slot: slot, name: string(bytes.TrimSuffix(f, []byte{ValueMark}))})
		}
	}
	return out
}

// EncodeSymTable is the inverse of decodeSymTable, for tests and tooling
// that synthesize object modules.
func EncodeSymTable(locals []string, commonBlock map[int]string) []byte {
	var buf bytes.Buffer
	for i, name := range locals {
		if i > 0 {
			buf.WriteByte(FieldMark)
		}
		if block, ok := commonBlock[i]; ok {
			buf.WriteString(block)
			buf.WriteByte(':')
		}
		buf.WriteString(name)
		buf.WriteByte(ValueMark)
	}
	return buf.Bytes()
}

// VarName recovers the user-visible name for local-variable slot idx,
// optionally suffixed with an array subscript, implementing the
// naming contract of error reports: "(row)" or "(row,col)" suffix and
// "/BLOCK/name" prefix for common vars. row/col of 0 suppress the
// subscript suffix (scalar reference).
func (o *Object) VarName(idx, row, col int) string {
	entries := decodeSymTable(o.SymTable)
	for _, e := range entries {
		if e.slot != idx {
			continue
		}
		name := e.name
		if e.block != "" {
			name = fmt.Sprintf("/%s/%s", e.block, name)
		}
		if row > 0 {
			if col > 0 {
				return fmt.Sprintf("%s(%d,%d)", name, row, col)
			}
			return fmt.Sprintf("%s(%d)", name, row)
		}
		return name
	}
	return fmt.Sprintf("@VAR.%d", idx)
}

// NameMapEntry binds a class member name to up to two method keys (GET
// and SET): index > 0 binds a read-write public variable, index < 0
// binds a read-only one, and a zero Get/Set key with a nonzero VarIndex
// means "bind to variable only".
type NameMapEntry struct {
	Name     string
	GetKey   int64
	GetArgs  int
	SetKey   int64
	SetArgs  int
	VarIndex int
}
