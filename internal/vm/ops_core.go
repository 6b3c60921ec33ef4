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

package vm

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/scarletdme/qmvm/internal/descriptor"
	"github.com/scarletdme/qmvm/internal/errmodel"
	"github.com/scarletdme/qmvm/internal/event"
	"github.com/scarletdme/qmvm/internal/object"
	"github.com/scarletdme/qmvm/pkg/objfmt"
)

// ---- Operand fetch ---------------------------------------------------------

func (p *Process) fetch8() byte {
	f := p.frame
	b := f.Obj.Code[f.PC]
	f.PC++
	return b
}

func (p *Process) fetch16() uint16 {
	f := p.frame
	v := binary.LittleEndian.Uint16(f.Obj.Code[f.PC:])
	f.PC += 2
	return v
}

func (p *Process) fetch32() uint32 {
	f := p.frame
	v := binary.LittleEndian.Uint32(f.Obj.Code[f.PC:])
	f.PC += 4
	return v
}

func (p *Process) fetch64() uint64 {
	f := p.frame
	v := binary.LittleEndian.Uint64(f.Obj.Code[f.PC:])
	f.PC += 8
	return v
}

func (p *Process) fetchStr() string {
	n := int(p.fetch16())
	f := p.frame
	s := string(f.Obj.Code[f.PC : f.PC+n])
	f.PC += n
	return s
}

// ---- Value helpers ---------------------------------------------------------

// resolve dereferences v through its Addr chain and applies the
// unassigned-read policy.
func resolve(v *descriptor.Value) (*descriptor.Value, error) {
	t, ok := descriptor.Deref(v)
	if !ok {
		return nil, errmodel.ErrUnassigned
	}
	if t.Kind == descriptor.Unassigned {
		return nil, errmodel.ErrUnassigned
	}
	return t, nil
}

func truthy(v *descriptor.Value) bool {
	switch v.Kind {
	case descriptor.Integer:
		return v.I != 0
	case descriptor.Float:
		return v.F != 0
	case descriptor.String, descriptor.SelectList:
		return v.Str.Len() != 0
	default:
		return true
	}
}

func (p *Process) popNum() (float64, bool, error) {
	v := p.pop()
	t, err := resolve(&v)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if v.Kind != descriptor.Addr {
			v.Release()
		}
	}()
	switch t.Kind {
	case descriptor.Integer:
		return float64(t.I), true, nil
	case descriptor.Float:
		return t.F, false, nil
	default:
		return 0, false, errmodel.ErrNonNumeric
	}
}

func (p *Process) popString() ([]byte, error) {
	v := p.pop()
	t, err := resolve(&v)
	if err != nil {
		return nil, err
	}
	var out []byte
	switch t.Kind {
	case descriptor.String, descriptor.SelectList:
		out = t.Str.Bytes()
	case descriptor.Integer:
		out = []byte(strconv.FormatInt(t.I, 10))
	case descriptor.Float:
		out = []byte(strconv.FormatFloat(t.F, 'g', -1, 64))
	default:
		return nil, errmodel.ErrBadID
	}
	if v.Kind != descriptor.Addr {
		v.Release()
	}
	return out, nil
}

func pushNum(p *Process, f float64, bothInt bool) {
	if bothInt && f == math.Trunc(f) {
		p.push(descriptor.Value{Kind: descriptor.Integer, I: int64(f)})
		return
	}
	p.push(descriptor.Value{Kind: descriptor.Float, F: f})
}

// ---- Dispatch body ---------------------------------------------------------

func (p *Process) exec(op Opcode) error {
	switch op {
	case OpNop:

	// ---- Loads / stores ----------------------------------------------------
	case OpLdLcl:
		slot := int(p.fetch16())
		el, err := p.frame.Locals.Element(slot)
		if err != nil {
			return err
		}
		p.push(descriptor.Value{Kind: descriptor.Addr, AddrTarget: el})

	case OpLdSys:
		slot := int(p.fetch16())
		el, err := p.sysvars.Element(slot)
		if err != nil {
			return err
		}
		p.push(descriptor.Value{Kind: descriptor.Addr, AddrTarget: el})

	case OpLdCom:
		idx := int(p.fetch16())
		name, err := p.popString()
		if err != nil {
			return err
		}
		blk := p.common(string(name), idx+1)
		el, err := blk.Element(idx)
		if err != nil {
			return err
		}
		p.push(descriptor.Value{Kind: descriptor.Addr, AddrTarget: el})

	case OpLdInt:
		p.push(descriptor.Value{Kind: descriptor.Integer, I: int64(int32(p.fetch32()))})

	case OpLdFloat:
		p.push(descriptor.Value{Kind: descriptor.Float, F: math.Float64frombits(p.fetch64())})

	case OpLdNull:
		p.push(descriptor.Value{Kind: descriptor.String})

	case OpLdStr:
		s := p.fetchStr()
		p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte(s))})

	case OpValue:
		t, err := resolve(p.top())
		if err != nil {
			return err
		}
		v := *t
		v.Retain()
		old := p.pop()
		if old.Kind != descriptor.Addr {
			old.Release()
		}
		p.push(v)

	case OpStor, OpStorSys:
		val := p.pop()
		rv, err := resolve(&val)
		if err != nil {
			return err
		}
		addr := p.pop()
		t, ok := descriptor.Deref(&addr)
		if !ok || addr.Kind != descriptor.Addr {
			return errmodel.ErrBadOpcode
		}
		t.Assign(*rv)
		if op == OpStorSys {
			t.Flags = t.Flags.Set(descriptor.FlagSystem)
		}
		t.Flags = t.Flags.Set(descriptor.FlagChange)
		if val.Kind != descriptor.Addr {
			val.Release()
		}

	case OpDup:
		v := *p.top()
		v.Retain()
		p.push(v)

	case OpPop:
		v := p.pop()
		if v.Kind != descriptor.Addr {
			v.Release()
		}

	// ---- Arithmetic --------------------------------------------------------
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		b, bi, err := p.popNum()
		if err != nil {
			return err
		}
		a, ai, err := p.popNum()
		if err != nil {
			return err
		}
		var r float64
		switch op {
		case OpAdd:
			r = a + b
		case OpSub:
			r = a - b
		case OpMul:
			r = a * b
		case OpDiv:
			if b == 0 {
				return errmodel.ErrDivByZero
			}
			r = a / b
		case OpMod:
			if b == 0 {
				return errmodel.ErrDivByZero
			}
			r = math.Mod(a, b)
		}
		pushNum(p, r, ai && bi && (op != OpDiv || r == math.Trunc(r)))

	case OpNeg:
		a, ai, err := p.popNum()
		if err != nil {
			return err
		}
		pushNum(p, -a, ai)

	// ---- Comparison --------------------------------------------------------
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		b, _, err := p.popNum()
		if err != nil {
			return err
		}
		a, _, err := p.popNum()
		if err != nil {
			return err
		}
		var r bool
		switch op {
		case OpEq:
			r = a == b
		case OpNe:
			r = a != b
		case OpLt:
			r = a < b
		case OpLe:
			r = a <= b
		case OpGt:
			r = a > b
		case OpGe:
			r = a >= b
		}
		i := int64(0)
		if r {
			i = 1
		}
		p.push(descriptor.Value{Kind: descriptor.Integer, I: i})

	// ---- Strings -----------------------------------------------------------
	case OpCat:
		b, err := p.popString()
		if err != nil {
			return err
		}
		a, err := p.popString()
		if err != nil {
			return err
		}
		h := descriptor.NewString(a).Append(b)
		p.push(descriptor.Value{Kind: descriptor.String, Str: h})

	case OpRemove:
		delim := p.fetch8()
		addr := p.pop()
		t, ok := descriptor.Deref(&addr)
		if !ok || t.Kind != descriptor.String {
			return errmodel.ErrBadID
		}
		if !t.Remove.Valid() {
			t.Remove = descriptor.NewRemovePointer(t.Str)
			t.Flags = t.Flags.Set(descriptor.FlagRemove)
		}
		field, _ := t.Remove.Next(delim)
		p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString(field)})

	// ---- Control flow ------------------------------------------------------
	case OpJmp:
		p.frame.PC = int(p.fetch32())

	case OpJz, OpJnz:
		target := int(p.fetch32())
		v := p.pop()
		t, err := resolve(&v)
		if err != nil {
			return err
		}
		taken := truthy(t)
		if op == OpJz {
			taken = !taken
		}
		if v.Kind != descriptor.Addr {
			v.Release()
		}
		if taken {
			p.frame.PC = target
		}

	case OpGosub:
		target := int(p.fetch32())
		f := p.frame
		f.GosubStack = append(f.GosubStack, f.PC)
		f.PC = target

	case OpRts:
		f := p.frame
		n := len(f.GosubStack)
		if n == 0 {
			return errmodel.ErrBadOpcode
		}
		f.PC = f.GosubStack[n-1]
		f.GosubStack = f.GosubStack[:n-1]

	// ---- Call / return -----------------------------------------------------
	case OpCall:
		argc := int(p.fetch8())
		name := p.fetchStr()
		return p.Call(name, argc, nil)

	case OpReturn:
		p.exitCause = event.CauseReturn

	case OpReturnValue:
		// The return value sits on the stack above StackBase; Return
		// leaves it there for the caller: post-return depth is the
		// pre-call depth minus argc plus one for a function.
		p.exitCause = event.CauseReturn

	// ---- Non-local transfers -----------------------------------------------
	case OpStop:
		p.exitCause = event.CauseStop
	case OpAbort:
		p.exitCause = event.CauseAbort
	case OpChain:
		p.exitCause = event.CauseChain
	case OpChainProc:
		p.exitCause = event.CauseChainProc
	case OpLogout:
		p.exitCause = event.CauseLogout

	// ---- Variable state ----------------------------------------------------
	case OpAssigned, OpUnassigned:
		v := p.pop()
		t, ok := descriptor.Deref(&v)
		assigned := ok && t.Assigned()
		if op == OpUnassigned {
			assigned = !assigned
		}
		i := int64(0)
		if assigned {
			i = 1
		}
		p.push(descriptor.Value{Kind: descriptor.Integer, I: i})

	case OpChanged:
		v := p.pop()
		t, ok := descriptor.Deref(&v)
		i := int64(0)
		if ok && !t.Flags.Has(descriptor.FlagArgSet) {
			i = 1
		}
		p.push(descriptor.Value{Kind: descriptor.Integer, I: i})

	case OpClear:
		for i := 0; i < p.frame.Locals.Len(); i++ {
			el, _ := p.frame.Locals.Element(i)
			if el != nil && !el.Flags.Has(descriptor.FlagSystem) {
				el.Release()
				el.Reset()
			}
		}

	// ---- Misc --------------------------------------------------------------
	case OpSetFlags:
		p.opFlags |= p.fetch16()

	// ---- Objects -----------------------------------------------------------
	case OpObject:
		argc := int(p.fetch8())
		name := p.fetchStr()
		return p.opObject(name, argc)

	case OpObjCall:
		mode := p.fetch8()
		argc := int(p.fetch8())
		name := p.fetchStr()
		return p.opObjCall(mode, name, argc)

	case OpObjRef:
		return p.opObjRef(p.fetch8())

	case OpObjGet:
		return p.opObjAccess(ObjModeGet, int(p.fetch8()))

	case OpObjSet:
		return p.opObjAccess(ObjModeSet, int(p.fetch8()))

	case OpLdObjKey:
		p.push(descriptor.Value{Kind: descriptor.Integer, I: p.objectKey})

	case OpInherit, OpDisinherit:
		src := p.pop()
		dst := p.pop()
		st, err1 := resolve(&src)
		dt, err2 := resolve(&dst)
		if err1 != nil || err2 != nil || st.Kind != descriptor.Object || dt.Kind != descriptor.Object {
			return errmodel.ErrBadID
		}
		if op == OpInherit {
			dt.Obj.(*object.Instance).Inherit(st.Obj.(*object.Instance))
		} else {
			dt.Obj.(*object.Instance).Disinherit(st.Obj.(*object.Instance))
		}

	default:
		return p.execIO(op)
	}
	return nil
}

// common finds or creates the named common block, sized to hold at least
// minLen elements; element 0 carries the block's name descriptor
// so the block is self-describing.
func (p *Process) common(name string, minLen int) *descriptor.Array {
	if blk, ok := p.commons[name]; ok {
		return blk
	}
	n := minLen + 1
	if n < 32 {
		n = 32
	}
	blk := descriptor.NewArray(n, 0)
	el, _ := blk.Element(0)
	*el = descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte(name)), Flags: descriptor.FlagSystem}
	p.commons[name] = blk
	return blk
}

// ClearCommon resets blank common at the current command level (the
// CLEARCOMMON verb).
func (p *Process) ClearCommon() {
	delete(p.commons, "")
}

func (p *Process) opObject(name string, argc int) error {
	if p.Lib == nil {
		return errmodel.ErrUnrecognizedName
	}
	cls, ok := p.Lib.Lookup(name)
	if !ok || !cls.Flags.Has(objfmt.IsClass) {
		return errmodel.ErrNotCallable
	}
	inst := object.NewInstance(cls)
	inst.RunDestructor = func(o *object.Instance) {
		if b, err := o.Resolve("DESTROY.OBJECT", false); err == nil && !b.Undefined && b.Entry.GetKey != 0 {
			_ = p.CallMethod(o, b.Entry.GetKey, 0)
		}
	}
	if b, err := inst.Resolve("CREATE.OBJECT", false); err == nil && !b.Undefined && b.Entry.GetKey != 0 {
		if err := p.CallMethod(inst, b.Entry.GetKey, argc); err != nil {
			inst.Release()
			return err
		}
	} else {
		// No constructor: discard any supplied args.
		for i := 0; i < argc; i++ {
			v := p.pop()
			if v.Kind != descriptor.Addr {
				v.Release()
			}
		}
	}
	p.push(descriptor.Value{Kind: descriptor.Object, Obj: inst})
	return nil
}

// Object access modes, carried as an opcode operand: 0 = SET (property
// write / method subroutine), 1 = GET (property read / method function).
const (
	ObjModeSet byte = 0
	ObjModeGet byte = 1
)

// opObjCall is the fused resolve-and-invoke form of object access: the
// mode operand selects the SET or GET half of the name-map entry, a
// variable binding reads or assigns the public variable directly, and a
// method binding recurses into the class module with the process-global
// object key set. Receiver sits beneath the arguments; for a SET the
// value being stored is the last argument.
func (p *Process) opObjCall(mode byte, name string, argc int) error {
	forWrite := mode == ObjModeSet
	args := make([]descriptor.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = p.pop()
	}
	recv := p.pop()
	rt, err := resolve(&recv)
	if err != nil {
		return err
	}
	if rt.Kind != descriptor.Object {
		return errmodel.ErrUnrecognizedName
	}
	inst := rt.Obj.(*object.Instance)
	b, err := inst.Resolve(name, forWrite)
	if err != nil {
		return err
	}
	key, _ := b.Key(forWrite)

	if key == 0 {
		// Bind to the public variable.
		el, err := b.Owner.Var(b.Entry, forWrite)
		if err != nil {
			return err
		}
		if forWrite {
			if argc != 1 {
				return errmodel.ErrArgCount
			}
			val := args[0]
			rv, err := resolve(&val)
			if err != nil {
				return err
			}
			el.Assign(*rv)
			if val.Kind != descriptor.Addr {
				val.Release()
			}
		} else {
			if argc != 0 {
				return errmodel.ErrArgCount
			}
			v := *el
			v.Retain()
			p.push(v)
		}
		if recv.Kind != descriptor.Addr {
			recv.Release()
		}
		return nil
	}

	if b.Undefined {
		// The UNDEFINED handler receives the original requested name as a
		// hidden first argument.
		p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte(b.Requested))})
		argc++
	}
	for _, a := range args {
		p.push(a)
	}
	err = p.CallMethod(b.Owner, key, argc)
	if recv.Kind != descriptor.Addr {
		recv.Release()
	}
	return err
}

// opObjRef resolves an object property/method reference without invoking
// it: stack [object, name] becomes one of an Addr to the bound public
// variable, an ObjectCode bound-method reference, or an
// ObjectUndefHandler reference capturing the requested name. The mode
// operand chooses the SET or GET half of the entry; OpObjGet/OpObjSet
// consume the reference.
func (p *Process) opObjRef(mode byte) error {
	forWrite := mode == ObjModeSet
	name, err := p.popString()
	if err != nil {
		return err
	}
	recv := p.pop()
	rt, err := resolve(&recv)
	if err != nil {
		return err
	}
	if rt.Kind != descriptor.Object {
		return errmodel.ErrBadID
	}
	inst := rt.Obj.(*object.Instance)
	b, err := inst.Resolve(string(name), forWrite)
	if err != nil {
		return err
	}
	key, argCt := b.Key(forWrite)

	if b.Undefined {
		b.Owner.Retain()
		if recv.Kind != descriptor.Addr {
			recv.Release()
		}
		p.push(descriptor.Value{
			Kind: descriptor.ObjectUndefHandler, Obj: b.Owner,
			ObjKey: key, ObjArg: argCt, ObjName: b.Requested,
		})
		return nil
	}
	if key == 0 {
		el, err := b.Owner.Var(b.Entry, forWrite)
		if err != nil {
			return err
		}
		if recv.Kind != descriptor.Addr {
			recv.Release()
		}
		p.push(descriptor.Value{Kind: descriptor.Addr, AddrTarget: el})
		return nil
	}
	b.Owner.Retain()
	if recv.Kind != descriptor.Addr {
		recv.Release()
	}
	p.push(descriptor.Value{Kind: descriptor.ObjectCode, Obj: b.Owner, ObjKey: key, ObjArg: argCt})
	return nil
}

// opObjAccess consumes the reference built by opObjRef, beneath argc
// arguments. A method reference recurses into the class module (with the
// requested name inserted as a hidden first argument for the UNDEFINED
// handler); a variable Addr is read (GET) or assigned the last argument
// (SET).
func (p *Process) opObjAccess(mode byte, argc int) error {
	args := make([]descriptor.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = p.pop()
	}
	ref := p.pop()

	switch ref.Kind {
	case descriptor.ObjectCode, descriptor.ObjectUndefHandler:
		inst := ref.Obj.(*object.Instance)
		if ref.Kind == descriptor.ObjectCode {
			// The high bit of the declared count marks a var-args method.
			declared := ref.ObjArg
			if declared&0x80 != 0 {
				if argc > declared&0x7f {
					return errmodel.ErrArgCount
				}
			} else if argc != declared {
				return errmodel.ErrArgCount
			}
		} else {
			p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte(ref.ObjName))})
			argc++
		}
		for _, a := range args {
			p.push(a)
		}
		err := p.CallMethod(inst, ref.ObjKey, argc)
		ref.Release()
		return err

	default:
		// Variable reference: an Addr straight to the bound slot.
		t, ok := descriptor.Deref(&ref)
		if !ok {
			return errmodel.ErrUnassigned
		}
		if mode == ObjModeSet {
			if argc != 1 {
				return errmodel.ErrArgCount
			}
			val := args[0]
			rv, err := resolve(&val)
			if err != nil {
				return err
			}
			t.Assign(*rv)
			if val.Kind != descriptor.Addr {
				val.Release()
			}
			return nil
		}
		if argc != 0 {
			return errmodel.ErrArgCount
		}
		v := *t
		v.Retain()
		p.push(v)
		return nil
	}
}
