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

// Package vm implements the bytecode virtual machine: a
// single-threaded stack machine whose sole value type is the descriptor,
// with variable-size instructions dispatched through a 256-entry primary
// table extended past 255 by a prefix opcode into a second table.
package vm

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies one instruction. Values 0..254 dispatch directly;
// OpPrefix consumes the following byte and dispatches 256+b through the
// extended table.
type Opcode uint16

const (
	OpNop Opcode = iota

	// ---- Load / store -------------------------------------

	// OpLdLcl pushes an Addr to local-variable slot u16.
	OpLdLcl
	// OpLdCom pushes an Addr to common-block element u16 of the block
	// named by the preceding OpLdStr on the stack.
	OpLdCom
	// OpLdSys pushes an Addr to system-variable slot u16 (@-variables).
	OpLdSys
	// OpLdInt pushes an immediate Integer (i32 little-endian operand).
	OpLdInt
	// OpLdFloat pushes an immediate Float (f64 bits, little-endian).
	OpLdFloat
	// OpLdNull pushes a null String.
	OpLdNull
	// OpLdStr pushes an immediate String (u16 length + bytes).
	OpLdStr
	// OpValue replaces the stack top with its resolved value.
	OpValue
	// OpStor resolves the top value and stores it through the Addr
	// beneath it, releasing the previous contents.
	OpStor
	// OpStorSys is OpStor but flags the written descriptor SYSTEM.
	OpStorSys
	// OpDup shallow-duplicates the stack top, bumping payload refcounts.
	OpDup
	// OpPop discards the stack top, releasing its payload.
	OpPop

	// ---- Arithmetic --------------------------------------------------------

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	// ---- Comparison (push Integer 1/0) -------------------------------------

	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// ---- Strings -----------------------------------------------------------

	// OpCat concatenates the two top strings.
	OpCat
	// OpRemove advances the remove pointer on the addressed string past
	// the next field mark, pushing the field. Operand: the
	// delimiter byte.
	OpRemove

	// ---- Control flow ------------------------------------------------------

	// OpJmp jumps to absolute code offset u32.
	OpJmp
	// OpJz pops; jumps to u32 when the value is zero/null.
	OpJz
	// OpJnz pops; jumps to u32 when the value is nonzero.
	OpJnz
	// OpGosub pushes the return PC on the frame's gosub stack and jumps
	// to u32.
	OpGosub
	// OpRts pops the gosub stack and resumes there.
	OpRts

	// ---- Call / return ------------------------------------

	// OpCall calls a named object: operand argc byte, then u16 name
	// length + name.
	OpCall
	// OpReturn pops the current frame.
	OpReturn
	// OpReturnValue pops the current frame leaving the top value for the
	// caller (IS_FUNCTION return).
	OpReturnValue

	// ---- Non-local transfers ------------------------------

	OpStop
	OpAbort
	OpChain
	OpChainProc
	OpLogout

	// ---- Variable state -----------------------------------

	OpAssigned
	OpUnassigned
	OpChanged
	// OpClear resets every non-SYSTEM local to Unassigned.
	OpClear

	// ---- Record / file I/O -------------------------------------------------

	// OpOpen pops a pathname, opens it, pushes a FileRef; operand byte
	// carries open flags.
	OpOpen
	// OpClose pops and closes a FileRef.
	OpClose
	// OpRead pops id and FileRef, pushes the record (status ELSE-driven).
	OpRead
	// OpReadL is OpRead acquiring a Shared record lock first.
	OpReadL
	// OpReadU is OpRead acquiring an Update record lock first.
	OpReadU
	// OpWrite pops data, id, FileRef and writes the record.
	OpWrite
	// OpDelete pops id and FileRef and deletes the record.
	OpDelete
	// OpRelease pops id (possibly null) and FileRef and releases locks
	// (null id = all in file; null FileRef via OpLdNull = all files).
	OpRelease
	// OpFileLock / OpFileUnlock take and drop the whole-file lock.
	OpFileLock
	OpFileUnlock
	// OpSelect builds select list (operand byte = list number) from the
	// popped FileRef.
	OpSelect
	// OpReadNext pops nothing; pushes the next id from list (operand
	// byte), or null when exhausted.
	OpReadNext
	// OpClearSelect ends list (operand byte).
	OpClearSelect

	// ---- Misc --------------------------------------------------------------

	// OpSleep pops a millisecond count and suspends cooperatively.
	OpSleep
	// OpSetFlags ORs operand u16 into the process's op flags (P_ON_ERROR
	// arming).
	OpSetFlags
	// OpPrint pops a value and emits it through the current print unit.
	OpPrint
	// OpPrompt sets the prompt character from the popped string.
	OpPrompt
	// OpLockNum / OpUnlockNum take/release task lock (operand byte).
	OpLockNum
	OpUnlockNum

	// ---- Objects --------------------------------------------

	// OpObject instantiates a class, pushing an Object descriptor;
	// operands: argc byte for CREATE.OBJECT args, then u16 name length +
	// class name.
	OpObject
	// OpObjCall resolves and invokes a property/method in one step:
	// operands mode byte (0 = SET, 1 = GET), argc byte, u16 name length +
	// name; receiver beneath the args. For a SET the stored value is the
	// last argument.
	OpObjCall

	// OpInput pops a millisecond timeout (0 = indefinite) and reads one
	// input line, pushing the line and a status; pending events are
	// drained while waiting.
	OpInput

	// OpObjRef resolves [object, name] on the stack into a property/
	// method reference without invoking it: an Addr to the bound public
	// variable, an ObjectCode bound method, or an ObjectUndefHandler
	// capturing the requested name. Operand: mode byte (0 = SET,
	// 1 = GET).
	OpObjRef
	// OpObjGet consumes an OpObjRef reference beneath argc args (operand
	// byte), pushing the property value.
	OpObjGet
	// OpObjSet consumes an OpObjRef reference beneath argc args (operand
	// byte), the last argument being the value to store.
	OpObjSet

	opPrimaryEnd // first unassigned primary opcode
)

// OpPrefix extends dispatch to the second table: the byte after it
// selects opcode 256+b from the extended table.
const OpPrefix Opcode = 255

// Extended opcodes (dispatched via OpPrefix).
const (
	OpGrpStat Opcode = 256 + iota
	OpFControl
	OpInherit
	OpDisinherit
	OpSelectGroup
	OpCompleteSelect
	// OpLdObjKey pushes the process-global object key as an Integer; a
	// class module's prologue dispatches on it to select the method body
	// and to distinguish SET from GET entry.
	OpLdObjKey
	opExtendedEnd
)

var opNames = map[Opcode]string{
	OpNop: "NOP", OpLdLcl: "LDLCL", OpLdCom: "LDCOM", OpLdSys: "LDSYS",
	OpLdInt: "LDLINT", OpLdFloat: "LDFLOAT", OpLdNull: "LDNULL", OpLdStr: "LDSTR",
	OpValue: "VALUE", OpStor: "STOR", OpStorSys: "STORSYS", OpDup: "DUP", OpPop: "POP",
	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD", OpNeg: "NEG",
	OpEq: "EQ", OpNe: "NE", OpLt: "LT", OpLe: "LE", OpGt: "GT", OpGe: "GE",
	OpCat: "CAT", OpRemove: "REMOVE",
	OpJmp: "JMP", OpJz: "JZ", OpJnz: "JNZ", OpGosub: "GOSUB", OpRts: "RTS",
	OpCall: "CALL", OpReturn: "RETURN", OpReturnValue: "RETVAL",
	OpStop: "STOP", OpAbort: "ABORT", OpChain: "CHAIN", OpChainProc: "CHAINPROC", OpLogout: "LOGOUT",
	OpAssigned: "ASSIGNED", OpUnassigned: "UNASSIGNED", OpChanged: "CHANGED", OpClear: "CLEAR",
	OpOpen: "OPEN", OpClose: "CLOSE", OpRead: "READ", OpReadL: "READL", OpReadU: "READU",
	OpWrite: "WRITE", OpDelete: "DELETE", OpRelease: "RELEASE",
	OpFileLock: "FILELOCK", OpFileUnlock: "FILEUNLOCK",
	OpSelect: "SELECT", OpReadNext: "READNEXT", OpClearSelect: "CLEARSELECT",
	OpSleep: "SLEEP", OpSetFlags: "SETFLAGS", OpPrint: "PRINT", OpPrompt: "PROMPT",
	OpLockNum: "LOCK", OpUnlockNum: "UNLOCK",
	OpObject: "OBJECT", OpObjCall: "OBJCALL", OpInput: "INPUT",
	OpObjRef: "OBJREF", OpObjGet: "OBJGET", OpObjSet: "OBJSET",
	OpPrefix: "PREFIX",
	OpGrpStat: "GRPSTAT", OpFControl: "FCONTROL", OpInherit: "INHERIT",
	OpDisinherit: "DISINHERIT", OpSelectGroup: "SELECTGROUP", OpCompleteSelect: "COMPLETESELECT",
	OpLdObjKey: "LDOBJKEY",
}

func (op Opcode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("OP_%d", uint16(op))
}

// operandSize returns the fixed operand byte count for op, or -1 for the
// string-carrying opcodes (LDSTR, CALL, OBJCALL, OBJECT) whose length is
// data-dependent.
func operandSize(op Opcode) int {
	switch op {
	case OpLdLcl, OpLdCom, OpLdSys, OpSetFlags:
		return 2
	case OpLdInt, OpJmp, OpJz, OpJnz, OpGosub:
		return 4
	case OpLdFloat:
		return 8
	case OpRemove, OpSelect, OpReadNext, OpClearSelect, OpOpen, OpLockNum,
		OpUnlockNum, OpSelectGroup, OpCompleteSelect, OpObjRef, OpObjGet,
		OpObjSet:
		return 1
	case OpGrpStat:
		return 4 // group number u32
	case OpFControl:
		return 3 // action byte + i16 argument
	case OpLdStr, OpCall, OpObjCall, OpObject:
		return -1
	default:
		return 0
	}
}

// InstructionLen reports the full encoded length (dispatch byte(s) plus
// operands) of the instruction at code[off], and whether it terminates
// straight-line flow. It doubles as the objfmt.Decoder for Verify.
func InstructionLen(code []byte, off int) (length int, isTerminator bool, ok bool) {
	if off >= len(code) {
		return 0, false, false
	}
	op := Opcode(code[off])
	n := 1
	if op == OpPrefix {
		if off+1 >= len(code) {
			return 0, false, false
		}
		op = 256 + Opcode(code[off+1])
		n = 2
		if op >= opExtendedEnd {
			return 0, false, false
		}
	} else if op >= opPrimaryEnd {
		return 0, false, false
	}
	switch sz := operandSize(op); sz {
	case -1:
		// Fixed lead bytes (argc, and mode for OBJCALL) then u16 length +
		// string bytes.
		extra := 0
		switch op {
		case OpCall, OpObject:
			extra = 1
		case OpObjCall:
			extra = 2 // mode + argc
		}
		if off+n+extra+2 > len(code) {
			return 0, false, false
		}
		slen := int(binary.LittleEndian.Uint16(code[off+n+extra:]))
		n += extra + 2 + slen
	default:
		n += sz
	}
	if off+n > len(code) {
		return 0, false, false
	}
	term := op == OpReturn || op == OpReturnValue || op == OpStop ||
		op == OpAbort || op == OpChain || op == OpChainProc ||
		op == OpLogout || op == OpJmp
	return n, term, true
}

// Disassemble renders code as one instruction per line, for diagnostics
// and tests.
func Disassemble(code []byte) string {
	out := ""
	off := 0
	for off < len(code) {
		n, _, ok := InstructionLen(code, off)
		if !ok {
			out += fmt.Sprintf("%04x: ??? (0x%02x)\n", off, code[off])
			break
		}
		op := Opcode(code[off])
		if op == OpPrefix {
			op = 256 + Opcode(code[off+1])
		}
		out += fmt.Sprintf("%04x: %s\n", off, op)
		off += n
	}
	return out
}
