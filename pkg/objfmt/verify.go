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

// The bytecode verifier is a structural pass only (instruction
// boundaries, declared local-slot bounds); it has no notion of opcode
// semantics, so the caller supplies a decode callback. The pass walks
// the code, reports every out-of-range local slot it meets, stops at the
// first instruction it cannot decode or that runs past the end of the
// code, and separately checks that the code ends on a terminator.

import "fmt"

// VerifyError describes one structural bytecode violation.
type VerifyError struct {
	Offset  int
	Message string
}

func (e VerifyError) Error() string {
	return fmt.Sprintf("objfmt: verify error at offset %d: %s", e.Offset, e.Message)
}

// Decoder reports the total encoded length (opcode byte plus operands) of
// the instruction starting at code[off], and whether that opcode is a
// recognized terminator (ends straight-line control flow: RETURN, STOP,
// unconditional jump, HALT-equivalent).
type Decoder func(code []byte, off int) (length int, isTerminator bool, ok bool)

// Verify walks o.Code using decode, reporting the first instruction that
// cannot be decoded or whose encoded length would run past the end of the
// code (the walk stops there), plus a final check
// that the object ends on a terminator. It also checks that every local-
// slot index the caller surfaces via localSlots is within [0, NumLocals).
func (o *Object) Verify(decode Decoder, localSlots func(code []byte, off int) []int) []VerifyError {
	var errs []VerifyError
	if len(o.Code) == 0 {
		return errs
	}
	lastTerminator := false
	off := 0
	for off < len(o.Code) {
		length, isTerm, ok := decode(o.Code, off)
		if !ok || length <= 0 {
			errs = append(errs, VerifyError{Offset: off, Message: "unrecognized opcode"})
			break
		}
		if off+length > len(o.Code) {
			errs = append(errs, VerifyError{Offset: off, Message: "truncated instruction"})
			break
		}
		if localSlots != nil {
			for _, slot := range localSlots(o.Code, off) {
				if slot < 0 || slot >= int(o.NumLocals) {
					errs = append(errs, VerifyError{
						Offset:  off,
						Message: fmt.Sprintf("local slot %d out of bounds (NumLocals=%d)", slot, o.NumLocals),
					})
				}
			}
		}
		lastTerminator = isTerm
		off += length
	}
	if !lastTerminator {
		errs = append(errs, VerifyError{Offset: len(o.Code), Message: "code does not end on a terminator"})
	}
	return errs
}
