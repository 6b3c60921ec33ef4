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

// Package descriptor implements the runtime value representation shared by
// the VM's evaluation stack, local-variable arrays, and common blocks: a
// tagged union ("descriptor") plus its two variable-length backing stores,
// string chunk chains and arrays.
package descriptor

// Flags is the per-descriptor flags byte.
type Flags uint8

const (
	// FlagArg marks a descriptor as a subroutine formal parameter.
	FlagArg Flags = 1 << iota
	// FlagArgSet marks that the caller actually supplied this argument.
	FlagArgSet
	// FlagSystem marks a compiler-generated descriptor, exempt from CLEAR.
	FlagSystem
	// FlagWatch marks a descriptor under debugger watch.
	FlagWatch
	// FlagReuse propagates a scalar across array operations.
	FlagReuse
	// FlagChange marks a descriptor written since its last snapshot.
	FlagChange
	// FlagRemove marks a String descriptor carrying remove-pointer
	// state.
	FlagRemove
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Set returns f with mask's bits set.
func (f Flags) Set(mask Flags) Flags { return f | mask }

// Clear returns f with mask's bits cleared.
func (f Flags) Clear(mask Flags) Flags { return f &^ mask }
