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

// Package object implements class-module instances: the
// ObjectData record, the inheritance chain, name-map resolution with the
// UNDEFINED fallback, and the once-only destructor discipline.
package object

import (
	"strings"

	"github.com/scarletdme/qmvm/internal/descriptor"
	"github.com/scarletdme/qmvm/internal/errmodel"
	"github.com/scarletdme/qmvm/pkg/objfmt"
)

// Instance is the per-object data record: code, variables, inheritance.
type Instance struct {
	refCt int

	// Code is the class's compiled object module; NameMap points into its
	// name-map table.
	Code    *objfmt.Object
	NameMap []objfmt.NameMapEntry

	// Vars is the instance's variable array.
	Vars *descriptor.Array

	// inherits is the head of the inherited-instance chain; each link's
	// nextInherited points to its sibling.
	inherits      *Instance
	nextInherited *Instance

	destructorRun bool

	// RunDestructor, when set, invokes the class's DESTROY.OBJECT method
	// as a recursive (wired by internal/vm so this package stays free of
	// a vm dependency).
	RunDestructor func(*Instance)
}

// NewInstance builds an instance of class code with a fresh variable
// array, refcount 1.
func NewInstance(code *objfmt.Object) *Instance {
	return &Instance{
		refCt:   1,
		Code:    code,
		NameMap: code.NameMap,
		Vars:    descriptor.NewArray(int(code.NumLocals), 0),
	}
}

// Retain adds one reference.
func (o *Instance) Retain() {
	if o != nil {
		o.refCt++
	}
}

// Release drops one reference. On the last release each inherited
// instance is removed in turn (so a failure mid-destruction still
// advances the chain), then DESTROY.OBJECT runs once, gated by
// destructorRun, then the variable array goes.
func (o *Instance) Release() {
	if o == nil {
		return
	}
	o.refCt--
	if o.refCt > 0 {
		return
	}
	for o.inherits != nil {
		inh := o.inherits
		o.inherits = inh.nextInherited
		inh.nextInherited = nil
		inh.Release()
	}
	if !o.destructorRun {
		o.destructorRun = true
		if o.RunDestructor != nil {
			o.RunDestructor(o)
		}
	}
	if o.Vars != nil {
		o.Vars.Release()
		o.Vars = nil
	}
}

// RefCount reports the current reference count.
func (o *Instance) RefCount() int {
	if o == nil {
		return 0
	}
	return o.refCt
}

// Inherit links obj at the end of o's inherited chain, taking a reference
// (the INHERIT statement).
func (o *Instance) Inherit(obj *Instance) {
	obj.Retain()
	if o.inherits == nil {
		o.inherits = obj
		return
	}
	tail := o.inherits
	for tail.nextInherited != nil {
		tail = tail.nextInherited
	}
	tail.nextInherited = obj
}

// Disinherit unlinks obj from o's inherited chain and drops its
// reference (the DISINHERIT statement).
func (o *Instance) Disinherit(obj *Instance) bool {
	for p := &o.inherits; *p != nil; p = &(*p).nextInherited {
		if *p == obj {
			*p = obj.nextInherited
			obj.nextInherited = nil
			obj.Release()
			return true
		}
	}
	return false
}

// Binding is the outcome of a name resolution: the instance owning the
// matched entry plus the entry itself. Undefined marks a fallback match
// through the UNDEFINED handler, with Requested carrying the original
// name for the handler to inspect.
type Binding struct {
	Owner     *Instance
	Entry     objfmt.NameMapEntry
	Undefined bool
	Requested string
}

// Key returns the method key and declared argument count the binding
// selects for the given access direction: SetKey/SetArgs on a write,
// GetKey/GetArgs on a read. Key 0 means "bind to the public variable".
func (b Binding) Key(forWrite bool) (int64, int) {
	if forWrite {
		return b.Entry.SetKey, b.Entry.SetArgs
	}
	return b.Entry.GetKey, b.Entry.GetArgs
}

// Resolve looks up name on o: first the instance's own name map, then the
// inherits chain depth-first, then the UNDEFINED fallback; failing all
// three it reports errmodel.ErrUnrecognizedName. forWrite selects SET
// semantics: a read-only public-variable binding (no SET method, negative
// index) is hidden from a write lookup, so the name falls through to the
// UNDEFINED handler as if it did not exist.
func (o *Instance) Resolve(name string, forWrite bool) (Binding, error) {
	upper := strings.ToUpper(name)
	if b, ok := o.lookup(upper, forWrite); ok {
		return b, nil
	}
	if b, ok := o.lookup("UNDEFINED", forWrite); ok {
		if key, _ := b.Key(forWrite); key != 0 {
			b.Undefined = true
			b.Requested = upper
			return b, nil
		}
	}
	return Binding{}, errmodel.ErrUnrecognizedName
}

// lookup walks o's own map, then inherits depth-first, then siblings.
func (o *Instance) lookup(upper string, forWrite bool) (Binding, bool) {
	for _, e := range o.NameMap {
		if e.Name != upper {
			continue
		}
		if forWrite && e.SetKey == 0 && e.VarIndex < 0 {
			// Read-only variable: hidden from write lookups.
			continue
		}
		return Binding{Owner: o, Entry: e}, true
	}
	for inh := o.inherits; inh != nil; inh = inh.nextInherited {
		if b, ok := inh.lookup(upper, forWrite); ok {
			return b, true
		}
	}
	return Binding{}, false
}

// Var returns the public-variable element bound by entry, honoring the
// read-only convention: a negative VarIndex allows GET but refuses
// SET.
func (o *Instance) Var(entry objfmt.NameMapEntry, forWrite bool) (*descriptor.Value, error) {
	idx := entry.VarIndex
	if idx == 0 {
		return nil, errmodel.ErrUnrecognizedName
	}
	if idx < 0 {
		if forWrite {
			return nil, errmodel.ErrUnrecognizedName
		}
		idx = -idx
	}
	return o.Vars.Element(idx - 1)
}
