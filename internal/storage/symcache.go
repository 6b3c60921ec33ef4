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

package storage

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
)

// symCacheBytes sizes the shared symbol-name cache. Symbol tables are
// immutable once a module loads, so entries never need invalidation
// within a module's lifetime; Reset on module unload is enough.
const symCacheBytes = 4 * 1024 * 1024

// SymbolCache memoizes k_var_name lookups: recovering a
// user-visible variable name from a symbol table is read-heavy in error
// paths and debugger watch displays, and the underlying table never
// changes, so a byte cache in front of the decode is safe.
type SymbolCache struct {
	c *fastcache.Cache
}

// NewSymbolCache builds an empty cache.
func NewSymbolCache() *SymbolCache {
	return &SymbolCache{c: fastcache.New(symCacheBytes)}
}

// VarNamer is the uncached lookup, satisfied by objfmt.Object.
type VarNamer interface {
	VarName(slot, row, col int) string
}

func symKey(program string, slot, row, col int) []byte {
	k := make([]byte, 0, len(program)+12)
	k = append(k, program...)
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(slot))
	binary.LittleEndian.PutUint32(b[4:], uint32(row))
	binary.LittleEndian.PutUint32(b[8:], uint32(col))
	return append(k, b[:]...)
}

// VarName resolves the name via the cache, falling back to src on a miss.
func (s *SymbolCache) VarName(program string, src VarNamer, slot, row, col int) string {
	key := symKey(program, slot, row, col)
	if v := s.c.Get(nil, key); len(v) > 0 {
		return string(v)
	}
	name := src.VarName(slot, row, col)
	s.c.Set(key, []byte(name))
	return name
}

// Reset drops every cached name, for module unload (EVT_UNLOAD).
func (s *SymbolCache) Reset() {
	s.c.Reset()
}
