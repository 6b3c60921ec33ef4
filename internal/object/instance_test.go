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
	"testing"

	"github.com/scarletdme/qmvm/pkg/objfmt"
)

func classWith(name string, entries ...objfmt.NameMapEntry) *objfmt.Object {
	return &objfmt.Object{
		Header: objfmt.Header{
			ProgramName: name,
			NumLocals:   4,
			Flags:       objfmt.IsClass,
		},
		NameMap: entries,
	}
}

func TestResolveOwnNameMapCaseFolds(t *testing.T) {
	inst := NewInstance(classWith("C", objfmt.NameMapEntry{Name: "PRICE", GetKey: 7}))
	b, err := inst.Resolve("price", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Entry.GetKey != 7 || b.Undefined {
		t.Fatalf("unexpected binding: %+v", b)
	}
}

func TestResolveWalksInheritanceDepthFirst(t *testing.T) {
	base := NewInstance(classWith("BASE", objfmt.NameMapEntry{Name: "SHARED", GetKey: 1}))
	mid := NewInstance(classWith("MID"))
	mid.Inherit(base)
	top := NewInstance(classWith("TOP"))
	top.Inherit(mid)

	b, err := top.Resolve("SHARED", false)
	if err != nil {
		t.Fatalf("Resolve through chain: %v", err)
	}
	if b.Owner != base {
		t.Fatal("binding not attributed to the defining instance")
	}
}

func TestUndefinedFallbackCapturesName(t *testing.T) {
	inst := NewInstance(classWith("C", objfmt.NameMapEntry{Name: "UNDEFINED", GetKey: 9}))
	b, err := inst.Resolve("NoSuchThing", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !b.Undefined || b.Requested != "NOSUCHTHING" {
		t.Fatalf("fallback binding wrong: %+v", b)
	}
}

func TestResolveFailsWithoutFallback(t *testing.T) {
	inst := NewInstance(classWith("C"))
	if _, err := inst.Resolve("MISSING", false); err == nil {
		t.Fatal("expected unrecognised-name error")
	}
}

func TestDestructorRunsOnce(t *testing.T) {
	inst := NewInstance(classWith("C"))
	runs := 0
	inst.RunDestructor = func(*Instance) { runs++ }
	inst.Retain()
	inst.Release()
	inst.Release()
	if runs != 1 {
		t.Fatalf("destructor ran %d times", runs)
	}
	// A stray extra Release must not re-run it.
	inst.Release()
	if runs != 1 {
		t.Fatalf("destructor re-ran: %d", runs)
	}
}

func TestReleaseAdvancesInheritedChainOnFailure(t *testing.T) {
	// Destruction of one inherited instance must not stop the chain from
	// advancing past it.
	a := NewInstance(classWith("A"))
	bI := NewInstance(classWith("B"))
	released := map[string]bool{}
	a.RunDestructor = func(*Instance) { released["A"] = true }
	bI.RunDestructor = func(*Instance) { released["B"] = true }

	owner := NewInstance(classWith("OWNER"))
	owner.Inherit(a)
	owner.Inherit(bI)
	a.Release()
	bI.Release()

	owner.Release()
	if !released["A"] || !released["B"] {
		t.Fatalf("inherited instances not all destroyed: %v", released)
	}
}

func TestDisinheritUnlinksAndReleases(t *testing.T) {
	base := NewInstance(classWith("BASE", objfmt.NameMapEntry{Name: "X", GetKey: 1}))
	owner := NewInstance(classWith("OWNER"))
	owner.Inherit(base)
	if !owner.Disinherit(base) {
		t.Fatal("Disinherit did not find the instance")
	}
	if _, err := owner.Resolve("X", false); err == nil {
		t.Fatal("name still resolvable after DISINHERIT")
	}
	if base.RefCount() != 1 {
		t.Fatalf("inherited refcount not dropped: %d", base.RefCount())
	}
}

func TestReadOnlyVarRefusesWrite(t *testing.T) {
	inst := NewInstance(classWith("C", objfmt.NameMapEntry{Name: "RO", VarIndex: -2}))
	b, err := inst.Resolve("RO", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := inst.Var(b.Entry, false); err != nil {
		t.Fatalf("read of read-only var failed: %v", err)
	}
	if _, err := inst.Var(b.Entry, true); err == nil {
		t.Fatal("write to read-only var allowed")
	}
}

func TestReadOnlyVarHiddenFromWriteLookup(t *testing.T) {
	inst := NewInstance(classWith("C",
		objfmt.NameMapEntry{Name: "RO", VarIndex: -1},
		objfmt.NameMapEntry{Name: "UNDEFINED", SetKey: 5, SetArgs: 2},
	))
	// A write lookup must not see the read-only binding; it falls through
	// to the UNDEFINED handler with the name captured.
	b, err := inst.Resolve("RO", true)
	if err != nil {
		t.Fatalf("write Resolve: %v", err)
	}
	if !b.Undefined || b.Requested != "RO" {
		t.Fatalf("read-only var not hidden from write lookup: %+v", b)
	}
	// The read lookup still binds the variable directly.
	b, err = inst.Resolve("RO", false)
	if err != nil {
		t.Fatalf("read Resolve: %v", err)
	}
	if b.Undefined || b.Entry.VarIndex != -1 {
		t.Fatalf("read binding wrong: %+v", b)
	}
}

func TestBindingKeySelectsByDirection(t *testing.T) {
	e := objfmt.NameMapEntry{Name: "P", GetKey: 11, GetArgs: 0, SetKey: 22, SetArgs: 1}
	b := Binding{Entry: e}
	if key, args := b.Key(false); key != 11 || args != 0 {
		t.Fatalf("read key: %d/%d", key, args)
	}
	if key, args := b.Key(true); key != 22 || args != 1 {
		t.Fatalf("write key: %d/%d", key, args)
	}
}

func TestLibraryRoundTrip(t *testing.T) {
	cls := classWith("MYCLASS", objfmt.NameMapEntry{Name: "GETTER", GetKey: 3, VarIndex: 1})
	plain := &objfmt.Object{Header: objfmt.Header{ProgramName: "plainprog", NumLocals: 1}, Code: []byte{0}}
	var blob []byte
	for _, o := range []*objfmt.Object{cls, plain} {
		b, err := objfmt.Encode(o)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		blob = append(blob, b...)
		for len(blob)%4 != 0 {
			blob = append(blob, 0)
		}
	}
	lib, err := LoadLibrary(blob)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if _, ok := lib.Lookup("PLAINPROG"); !ok {
		t.Fatal("case-insensitive lookup failed")
	}
	got, ok := lib.Lookup("MYCLASS")
	if !ok {
		t.Fatal("class module not found")
	}
	if len(got.NameMap) != 1 || got.NameMap[0].Name != "GETTER" {
		t.Fatalf("name map did not survive the round trip: %+v", got.NameMap)
	}
}
