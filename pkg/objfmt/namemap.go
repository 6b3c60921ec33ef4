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

// Name-map table layout (class modules only): u16 entry count, then per
// entry u16 name length + name, i64 GET key, u8 GET argc, i64 SET key,
// u8 SET argc, i32 public-variable index (index > 0 binds read-write,
// index < 0 read-only, key 0 binds to the variable only).

func decodeNameMap(raw []byte, bo binary.ByteOrder) ([]NameMapEntry, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("objfmt: truncated name map")
	}
	count := int(bo.Uint16(raw))
	off := 2
	out := make([]NameMapEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(raw) {
			return nil, fmt.Errorf("objfmt: truncated name map entry %d", i)
		}
		nameLen := int(bo.Uint16(raw[off:]))
		off += 2
		if off+nameLen+8+1+8+1+4 > len(raw) {
			return nil, fmt.Errorf("objfmt: truncated name map entry %d", i)
		}
		e := NameMapEntry{Name: string(raw[off : off+nameLen])}
		off += nameLen
		e.GetKey = int64(bo.Uint64(raw[off:]))
		off += 8
		e.GetArgs = int(raw[off])
		off++
		e.SetKey = int64(bo.Uint64(raw[off:]))
		off += 8
		e.SetArgs = int(raw[off])
		off++
		e.VarIndex = int(int32(bo.Uint32(raw[off:])))
		off += 4
		out = append(out, e)
	}
	return out, nil
}

// EncodeNameMap serializes entries for Encode.
func EncodeNameMap(entries []NameMapEntry) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(e.Name)))
		buf = append(buf, l[:]...)
		buf = append(buf, e.Name...)
		var q [8]byte
		binary.LittleEndian.PutUint64(q[:], uint64(e.GetKey))
		buf = append(buf, q[:]...)
		buf = append(buf, byte(e.GetArgs))
		binary.LittleEndian.PutUint64(q[:], uint64(e.SetKey))
		buf = append(buf, q[:]...)
		buf = append(buf, byte(e.SetArgs))
		var d [4]byte
		binary.LittleEndian.PutUint32(d[:], uint32(int32(e.VarIndex)))
		buf = append(buf, d[:]...)
	}
	return buf
}
