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

package object

import (
	"encoding/binary"
	"os"
	"strings"

	"github.com/scarletdme/qmvm/internal/xlog"
	"github.com/scarletdme/qmvm/pkg/objfmt"
)

// Library is the pcode library: a concatenation of object
// modules, 4-byte aligned, read-only for the process's lifetime. Modules
// are located by a startup linear scan on upper-cased name; resolved
// objects are cached.
type Library struct {
	blob    []byte
	modules map[string]*objfmt.Object
}

// OpenLibrary reads the library file at path and indexes its modules.
func OpenLibrary(path string) (*Library, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadLibrary(blob)
}

// LoadLibrary indexes an in-memory library blob.
func LoadLibrary(blob []byte) (*Library, error) {
	lib := &Library{blob: blob, modules: make(map[string]*objfmt.Object)}
	off := 0
	for off+4 <= len(blob) {
		if binary.LittleEndian.Uint32(blob[off:]) == 0 {
			// Trailing alignment padding.
			break
		}
		obj, err := objfmt.Load(blob[off:])
		if err != nil {
			return nil, err
		}
		name := strings.ToUpper(obj.ProgramName)
		lib.modules[name] = obj
		size := int(obj.TotalSize)
		// Modules are 4-byte aligned within the library.
		if rem := size % 4; rem != 0 {
			size += 4 - rem
		}
		off += size
	}
	xlog.Info("pcode library loaded", "modules", len(lib.modules), "bytes", len(blob))
	return lib, nil
}

// Lookup resolves a module by (case-insensitive) name.
func (l *Library) Lookup(name string) (*objfmt.Object, bool) {
	obj, ok := l.modules[strings.ToUpper(name)]
	return obj, ok
}

// Names lists the loaded module names, for diagnostics.
func (l *Library) Names() []string {
	out := make([]string, 0, len(l.modules))
	for n := range l.modules {
		out = append(out, n)
	}
	return out
}
