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

package objfmt

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes an Object into the on-disk form Load accepts,
// little-endian. Offsets and TotalSize are computed here; values already
// present in the header are ignored. Tooling that synthesizes modules
// (and the test suite) builds objects this way.
func Encode(o *Object) ([]byte, error) {
	if len(o.ProgramName) > MaxProgramName {
		return nil, fmt.Errorf("objfmt: program name %q exceeds %d bytes", o.ProgramName, MaxProgramName)
	}
	codeStart := headerFixedSize
	lineOff := 0
	symOff := 0
	nmOff := 0
	var nmBlob []byte
	off := codeStart + len(o.Code)
	if len(o.LineTable) > 0 {
		lineOff = off
		off += len(o.LineTable)
	}
	if len(o.SymTable) > 0 {
		symOff = off
		off += len(o.SymTable)
	}
	if len(o.NameMap) > 0 {
		nmBlob = EncodeNameMap(o.NameMap)
		nmOff = off
		off += len(nmBlob)
	}
	total := off

	buf := make([]byte, total)
	bo := binary.LittleEndian
	bo.PutUint32(buf[0:], Magic)
	p := 4
	put16 := func(v uint16) { bo.PutUint16(buf[p:], v); p += 2 }
	put32 := func(v uint32) { bo.PutUint32(buf[p:], v); p += 4 }
	put64 := func(v uint64) { bo.PutUint64(buf[p:], v); p += 8 }

	put16(o.Revision)
	put32(o.StartOffset)
	put16(o.ArgCount)
	put16(o.NumLocals)
	put16(o.StackDepth)
	put32(uint32(symOff))
	put32(uint32(lineOff))
	put32(uint32(nmOff))
	put32(uint32(total))
	put64(uint64(o.CompileTime))
	put32(uint32(o.Flags))
	put16(uint16(len(o.ProgramName)))
	copy(buf[p:], o.ProgramName)

	copy(buf[codeStart:], o.Code)
	if lineOff > 0 {
		copy(buf[lineOff:], o.LineTable)
	}
	if symOff > 0 {
		copy(buf[symOff:], o.SymTable)
	}
	if nmOff > 0 {
		copy(buf[nmOff:], nmBlob)
	}
	return buf, nil
}
