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
	"testing"

	"github.com/scarletdme/qmvm/internal/descriptor"
	"github.com/scarletdme/qmvm/internal/event"
	"github.com/scarletdme/qmvm/internal/object"
	"github.com/scarletdme/qmvm/pkg/objfmt"
)

// ---- Bytecode builder helpers ----------------------------------------------

func program(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func op1(o Opcode) []byte {
	if o >= 256 {
		return []byte{byte(OpPrefix), byte(o - 256)}
	}
	return []byte{byte(o)}
}

func opU16(o Opcode, v uint16) []byte {
	out := op1(o)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(out, b[:]...)
}

func opI32(o Opcode, v int32) []byte {
	out := op1(o)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return append(out, b[:]...)
}

func ldint(n int32) []byte      { return opI32(OpLdInt, n) }
func ldlcl(slot uint16) []byte  { return opU16(OpLdLcl, slot) }
func ldsys(slot uint16) []byte  { return opU16(OpLdSys, slot) }

func ldstr(s string) []byte {
	out := op1(OpLdStr)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
	out = append(out, b[:]...)
	return append(out, s...)
}

func call(name string, argc byte) []byte {
	out := append(op1(OpCall), argc)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(name)))
	out = append(out, b[:]...)
	return append(out, name...)
}

func testObject(name string, args, vars, depth int, flags objfmt.Flags, code []byte) *objfmt.Object {
	return &objfmt.Object{
		Header: objfmt.Header{
			ProgramName: name,
			ArgCount:    uint16(args),
			NumLocals:   uint16(vars),
			StackDepth:  uint16(depth),
			Flags:       flags,
		},
		Code: code,
	}
}

func testLibrary(t *testing.T, objs ...*objfmt.Object) *object.Library {
	t.Helper()
	var blob []byte
	for _, o := range objs {
		b, err := objfmt.Encode(o)
		if err != nil {
			t.Fatalf("encoding %s: %v", o.ProgramName, err)
		}
		blob = append(blob, b...)
		for len(blob)%4 != 0 {
			blob = append(blob, 0)
		}
	}
	lib, err := object.LoadLibrary(blob)
	if err != nil {
		t.Fatalf("loading library: %v", err)
	}
	return lib
}

func newTestProcess(lib *object.Library) *Process {
	return NewProcess(Services{Lib: lib}, 1, 1)
}

// ---- Call / return ---------------------------------------------------------

// A full call/return round trip: a callee with two arguments, three
// locals, and stack depth four that adds its arguments into local 2 and
// returns the value.
func TestCallReturnRoundTrip(t *testing.T) {
	callee := testObject("ADDER", 2, 3, 4, objfmt.IsFunction, program(
		ldlcl(2),
		ldlcl(0), op1(OpValue),
		ldlcl(1), op1(OpValue),
		op1(OpAdd),
		op1(OpStor),
		ldlcl(2), op1(OpValue),
		op1(OpReturnValue),
	))
	p := newTestProcess(testLibrary(t, callee))

	preDepth := p.Depth()
	p.push(descriptor.Value{Kind: descriptor.Integer, I: 7})
	p.push(descriptor.Value{Kind: descriptor.Integer, I: 9})
	if err := p.Call("ADDER", 2, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c := p.Dispatch(); c != event.CauseReturn {
		t.Fatalf("unexpected dispatch cause: %v", c)
	}
	if got := p.Depth(); got != preDepth+1 {
		t.Fatalf("eval stack depth: got %d want pre-2+1 = %d", got, preDepth+1)
	}
	v := p.pop()
	if v.Kind != descriptor.Integer || v.I != 16 {
		t.Fatalf("unexpected return value: %+v", v)
	}
}

func TestCallArgcMismatch(t *testing.T) {
	callee := testObject("TWO", 2, 2, 2, 0, op1(OpReturn))
	p := newTestProcess(testLibrary(t, callee))
	p.push(descriptor.Value{Kind: descriptor.Integer, I: 1})
	if err := p.Call("TWO", 1, nil); err == nil {
		t.Fatal("expected argc mismatch error")
	}
}

func TestCallRefusesClass(t *testing.T) {
	cls := testObject("CLS", 0, 1, 1, objfmt.IsClass, op1(OpReturn))
	p := newTestProcess(testLibrary(t, cls))
	if err := p.Call("CLS", 0, nil); err == nil {
		t.Fatal("expected class modules to be rejected by CALL")
	}
}

func TestCallDepthLimit(t *testing.T) {
	// A program that calls itself unconditionally must hit the depth
	// limit, not recurse forever.
	self := testObject("SELF", 0, 1, 2, 0, call("SELF", 0))
	p := newTestProcess(testLibrary(t, self))
	if err := p.Call("SELF", 0, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c := p.Dispatch(); c != event.CauseAbort {
		t.Fatalf("expected fatal abort from depth limit, got %v", c)
	}
}

// ---- Assignment laws -------------------------------------------------------

// Storing the same value twice must leave state indistinguishable from
// storing it once, including refcounts.
func TestStorIdempotent(t *testing.T) {
	code := program(
		ldlcl(0), ldlcl(1), op1(OpValue), op1(OpStor),
		ldlcl(0), ldlcl(1), op1(OpValue), op1(OpStor),
		op1(OpReturn),
	)
	prog := testObject("STORER", 2, 2, 4, 0, op1(OpReturn))
	prog.Code = code
	p := newTestProcess(testLibrary(t, prog))

	h := descriptor.NewString([]byte("hello"))
	h.Retain() // the test keeps its own reference across the run
	p.push(descriptor.Value{Kind: descriptor.Unassigned})
	p.push(descriptor.Value{Kind: descriptor.String, Str: h})
	if err := p.Call("STORER", 2, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c := p.Dispatch(); c != event.CauseReturn {
		t.Fatalf("unexpected cause: %v", c)
	}
	// Locals released at return: the string's only remaining reference is
	// the test's own. Double-store must not have leaked or over-released.
	if rc := h.RefCount(); rc != 1 {
		t.Fatalf("refcount after double store and frame teardown: got %d want 1", rc)
	}
}

func TestDupPopRestoresRefcounts(t *testing.T) {
	prog := testObject("D", 0, 1, 4, 0, program(op1(OpDup), op1(OpPop), op1(OpReturn)))
	p := newTestProcess(testLibrary(t, prog))
	h := descriptor.NewString([]byte("x"))
	h.Retain()
	p.push(descriptor.Value{Kind: descriptor.String, Str: h})
	before := h.RefCount()
	if err := p.Call("D", 0, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c := p.Dispatch(); c != event.CauseReturn {
		t.Fatalf("unexpected cause: %v", c)
	}
	if h.RefCount() != before {
		t.Fatalf("dup/pop did not restore refcount: got %d want %d", h.RefCount(), before)
	}
	v := p.pop()
	v.Release()
}

// ---- Non-local control -----------------------------------------------------

// A fatal error deep in a call chain must unwind every frame back to the
// command processor, set @ABORT.CODE = 1, and restart the CPROC.
func TestAbortUnwindsToCProc(t *testing.T) {
	// CPROC: if @ABORT.CODE != 0, return; else call S.
	cproc := testObject("CPROC", 0, 1, 4, objfmt.IsCproc, program(
		ldsys(0), op1(OpValue),
		opI32(OpJnz, 0), // patched below to the RETURN
		call("S", 0),
		op1(OpReturn),
	))
	// Patch the JNZ target (operand bytes 5..8) to the trailing RETURN.
	retOff := len(cproc.Code) - 1
	binary.LittleEndian.PutUint32(cproc.Code[5:], uint32(retOff))

	s := testObject("S", 0, 1, 4, 0, program(call("T", 0), op1(OpReturn)))
	tProg := testObject("T", 0, 1, 4, 0, op1(OpAbort))

	p := newTestProcess(testLibrary(t, cproc, s, tProg))
	if err := p.Kernel("CPROC"); err != nil {
		t.Fatalf("Kernel: %v", err)
	}
	if p.AbortCode != AbortCodeAbort {
		t.Fatalf("@ABORT.CODE: got %d want %d", p.AbortCode, AbortCodeAbort)
	}
	if p.Depth() != 0 {
		t.Fatalf("eval stack not empty after abort unwind: depth %d", p.Depth())
	}
}

// Stop unwinds partial expression state and stops at the CPROC frame.
func TestStopTrimsToCProcDepth(t *testing.T) {
	inner := testObject("INNER", 0, 1, 8, 0, program(
		ldint(1), ldint(2), ldint(3), // junk partial expression
		op1(OpStop),
	))
	cproc := testObject("CPROC", 0, 1, 8, objfmt.IsCproc, program(
		call("INNER", 0),
		op1(OpReturn),
	))
	p := newTestProcess(testLibrary(t, cproc, inner))
	if err := p.Call("CPROC", 0, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c := p.Dispatch(); c != event.CauseReturn {
		t.Fatalf("unexpected cause: %v", c)
	}
	if p.Depth() != 0 {
		t.Fatalf("Stop left junk on the eval stack: depth %d", p.Depth())
	}
}

// ---- Break-key policy ------------------------------------------------------

func TestBreakInhibitDefersQuit(t *testing.T) {
	prog := testObject("LOOPER", 0, 1, 4, 0, program(
		ldint(1), op1(OpPop),
		ldint(1), op1(OpPop),
		op1(OpReturn),
	))
	p := newTestProcess(testLibrary(t, prog))
	quits := 0
	p.BreakHandler = func(*Process) event.Cause {
		quits++
		return event.NoCause
	}
	p.InhibitBreak(1)
	p.SignalBreak()
	if err := p.Call("LOOPER", 0, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c := p.Dispatch(); c != event.CauseReturn {
		t.Fatalf("unexpected cause: %v", c)
	}
	if quits != 0 {
		t.Fatalf("break delivered while inhibited")
	}

	// With the inhibit dropped, the preserved flag converts to Quit.
	p.InhibitBreak(-1)
	if err := p.Call("LOOPER", 0, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c := p.Dispatch(); c != event.CauseReturn {
		t.Fatalf("unexpected cause: %v", c)
	}
	if quits != 1 {
		t.Fatalf("break not delivered after inhibit released: %d", quits)
	}
}

// ---- Assigned / Changed ----------------------------------------------------

func TestAssignedUnassigned(t *testing.T) {
	prog := testObject("ASG", 0, 2, 8, 0, program(
		ldlcl(0), ldint(5), op1(OpStor), // local 0 assigned
		ldlcl(0), op1(OpAssigned),
		ldlcl(1), op1(OpAssigned),
		op1(OpReturn),
	))
	p := newTestProcess(testLibrary(t, prog))
	if err := p.Call("ASG", 0, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if c := p.Dispatch(); c != event.CauseReturn {
		t.Fatalf("unexpected cause: %v", c)
	}
	unassigned := p.pop()
	assigned := p.pop()
	if assigned.I != 1 || unassigned.I != 0 {
		t.Fatalf("ASSIGNED results: %d %d", assigned.I, unassigned.I)
	}
}

// ---- Object access ---------------------------------------------------------

func testClass(name string, args, vars int, code []byte, entries ...objfmt.NameMapEntry) *objfmt.Object {
	o := testObject(name, args, vars, 8, objfmt.IsClass|objfmt.VarArgs, code)
	o.NameMap = entries
	return o
}

func pushObject(p *Process, inst *object.Instance) {
	inst.Retain()
	p.push(descriptor.Value{Kind: descriptor.Object, Obj: inst})
}

// A property with distinct GET and SET methods must dispatch through the
// key matching the access direction. The class body returns the object
// key it was entered with.
func TestObjCallSelectsSetKey(t *testing.T) {
	cls := testClass("ACCT", 2, 2, program(op1(OpLdObjKey), op1(OpReturnValue)),
		objfmt.NameMapEntry{Name: "BAL", GetKey: 11, GetArgs: 0, SetKey: 22, SetArgs: 1})
	p := newTestProcess(nil)
	inst := object.NewInstance(cls)

	pushObject(p, inst)
	if err := p.opObjCall(ObjModeGet, "BAL", 0); err != nil {
		t.Fatalf("GET call: %v", err)
	}
	if v := p.pop(); v.Kind != descriptor.Integer || v.I != 11 {
		t.Fatalf("GET dispatched wrong key: %+v", v)
	}

	pushObject(p, inst)
	p.push(descriptor.Value{Kind: descriptor.Integer, I: 99})
	if err := p.opObjCall(ObjModeSet, "BAL", 1); err != nil {
		t.Fatalf("SET call: %v", err)
	}
	if v := p.pop(); v.Kind != descriptor.Integer || v.I != 22 {
		t.Fatalf("SET dispatched wrong key: %+v", v)
	}
	if p.ObjectKey() != 22 {
		t.Fatalf("object key not set for callee: %d", p.ObjectKey())
	}
}

// A plain public variable bound through the name map must be writable
// through a SET-mode call and read back through GET.
func TestObjCallWritesPublicVariable(t *testing.T) {
	cls := testClass("PT", 1, 1, nil, objfmt.NameMapEntry{Name: "X", VarIndex: 1})
	p := newTestProcess(nil)
	inst := object.NewInstance(cls)

	pushObject(p, inst)
	p.push(descriptor.Value{Kind: descriptor.Integer, I: 7})
	if err := p.opObjCall(ObjModeSet, "X", 1); err != nil {
		t.Fatalf("SET: %v", err)
	}
	el, err := inst.Vars.Element(0)
	if err != nil || el.Kind != descriptor.Integer || el.I != 7 {
		t.Fatalf("instance variable not written: %+v err=%v", el, err)
	}

	pushObject(p, inst)
	if err := p.opObjCall(ObjModeGet, "X", 0); err != nil {
		t.Fatalf("GET: %v", err)
	}
	if v := p.pop(); v.Kind != descriptor.Integer || v.I != 7 {
		t.Fatalf("GET read back wrong value: %+v", v)
	}
}

func TestObjCallReadOnlyWriteFails(t *testing.T) {
	cls := testClass("ROC", 0, 1, nil, objfmt.NameMapEntry{Name: "V", VarIndex: -1})
	p := newTestProcess(nil)
	inst := object.NewInstance(cls)

	pushObject(p, inst)
	p.push(descriptor.Value{Kind: descriptor.Integer, I: 1})
	if err := p.opObjCall(ObjModeSet, "V", 1); err == nil {
		t.Fatal("write to read-only property succeeded")
	}
	// The read direction still works.
	p.trimStack(0)
	pushObject(p, inst)
	if err := p.opObjCall(ObjModeGet, "V", 0); err != nil {
		t.Fatalf("GET of read-only property: %v", err)
	}
}

// OBJREF builds a lazy ObjectCode reference carrying the mode-selected
// key; OBJGET/OBJSET invoke it.
func TestObjRefBuildsBoundMethodAndInvokes(t *testing.T) {
	cls := testClass("ACCT", 2, 2, program(op1(OpLdObjKey), op1(OpReturnValue)),
		objfmt.NameMapEntry{Name: "BAL", GetKey: 11, GetArgs: 0, SetKey: 22, SetArgs: 1})
	p := newTestProcess(nil)
	inst := object.NewInstance(cls)

	pushObject(p, inst)
	p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte("BAL"))})
	if err := p.opObjRef(ObjModeGet); err != nil {
		t.Fatalf("OBJREF GET: %v", err)
	}
	if ref := p.top(); ref.Kind != descriptor.ObjectCode || ref.ObjKey != 11 {
		t.Fatalf("unexpected GET reference: %+v", ref)
	}
	if err := p.opObjAccess(ObjModeGet, 0); err != nil {
		t.Fatalf("OBJGET: %v", err)
	}
	if v := p.pop(); v.I != 11 {
		t.Fatalf("bound GET dispatched wrong key: %+v", v)
	}

	pushObject(p, inst)
	p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte("BAL"))})
	if err := p.opObjRef(ObjModeSet); err != nil {
		t.Fatalf("OBJREF SET: %v", err)
	}
	if ref := p.top(); ref.Kind != descriptor.ObjectCode || ref.ObjKey != 22 || ref.ObjArg != 1 {
		t.Fatalf("unexpected SET reference: %+v", ref)
	}
	p.push(descriptor.Value{Kind: descriptor.Integer, I: 5})
	if err := p.opObjAccess(ObjModeSet, 1); err != nil {
		t.Fatalf("OBJSET: %v", err)
	}
	if v := p.pop(); v.I != 22 {
		t.Fatalf("bound SET dispatched wrong key: %+v", v)
	}
}

// OBJREF on a key-less name-map entry yields an Addr to the public
// variable; OBJSET stores through it and OBJGET reads it back.
func TestObjRefVariableAddr(t *testing.T) {
	cls := testClass("PT", 1, 1, nil, objfmt.NameMapEntry{Name: "X", VarIndex: 1})
	p := newTestProcess(nil)
	inst := object.NewInstance(cls)

	pushObject(p, inst)
	p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte("X"))})
	if err := p.opObjRef(ObjModeSet); err != nil {
		t.Fatalf("OBJREF SET: %v", err)
	}
	if ref := p.top(); ref.Kind != descriptor.Addr {
		t.Fatalf("expected Addr reference, got %+v", ref)
	}
	p.push(descriptor.Value{Kind: descriptor.Integer, I: 9})
	if err := p.opObjAccess(ObjModeSet, 1); err != nil {
		t.Fatalf("OBJSET: %v", err)
	}
	el, _ := inst.Vars.Element(0)
	if el.Kind != descriptor.Integer || el.I != 9 {
		t.Fatalf("store through Addr reference failed: %+v", el)
	}

	pushObject(p, inst)
	p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte("X"))})
	if err := p.opObjRef(ObjModeGet); err != nil {
		t.Fatalf("OBJREF GET: %v", err)
	}
	if err := p.opObjAccess(ObjModeGet, 0); err != nil {
		t.Fatalf("OBJGET: %v", err)
	}
	if v := p.pop(); v.I != 9 {
		t.Fatalf("read through Addr reference failed: %+v", v)
	}
}

// An unresolvable name with an UNDEFINED handler builds an
// ObjectUndefHandler reference; invocation passes the requested name as
// a hidden first argument.
func TestObjRefUndefinedCapturesName(t *testing.T) {
	cls := testClass("U", 1, 1, program(ldlcl(0), op1(OpValue), op1(OpReturnValue)),
		objfmt.NameMapEntry{Name: "UNDEFINED", GetKey: 33, GetArgs: 1})
	p := newTestProcess(nil)
	inst := object.NewInstance(cls)

	pushObject(p, inst)
	p.push(descriptor.Value{Kind: descriptor.String, Str: descriptor.NewString([]byte("NoSuch"))})
	if err := p.opObjRef(ObjModeGet); err != nil {
		t.Fatalf("OBJREF: %v", err)
	}
	if ref := p.top(); ref.Kind != descriptor.ObjectUndefHandler || ref.ObjName != "NOSUCH" {
		t.Fatalf("unexpected fallback reference: %+v", ref)
	}
	if err := p.opObjAccess(ObjModeGet, 0); err != nil {
		t.Fatalf("OBJGET: %v", err)
	}
	v := p.pop()
	if v.Kind != descriptor.String || string(v.Str.Bytes()) != "NOSUCH" {
		t.Fatalf("hidden name argument not delivered: %+v", v)
	}
}

// ---- Prefix dispatch -------------------------------------------------------

func TestInstructionLenPrefix(t *testing.T) {
	code := program(op1(OpInherit)) // encoded via OpPrefix
	n, _, ok := InstructionLen(code, 0)
	if !ok || n != 2 {
		t.Fatalf("prefix instruction length: n=%d ok=%v", n, ok)
	}
}

func TestInstructionLenObjCallCarriesMode(t *testing.T) {
	// OBJCALL: opcode, mode, argc, u16 name length, name.
	code := append(op1(OpObjCall), ObjModeSet, 1)
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], 3)
	code = append(code, l[:]...)
	code = append(code, "BAL"...)
	n, _, ok := InstructionLen(code, 0)
	if !ok || n != 1+2+2+3 {
		t.Fatalf("OBJCALL length: n=%d ok=%v", n, ok)
	}
}

func TestVerifyAcceptsGeneratedCode(t *testing.T) {
	prog := testObject("V", 0, 2, 8, 0, program(
		ldlcl(0), ldint(1), op1(OpStor), op1(OpReturn),
	))
	errs := prog.Verify(InstructionLen, nil)
	if len(errs) != 0 {
		t.Fatalf("verifier rejected valid code: %v", errs)
	}
}

func TestVerifyRejectsTruncated(t *testing.T) {
	prog := testObject("V", 0, 2, 8, 0, []byte{byte(OpLdInt), 1})
	errs := prog.Verify(InstructionLen, nil)
	if len(errs) == 0 {
		t.Fatal("verifier accepted truncated instruction")
	}
}
