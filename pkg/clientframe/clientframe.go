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

// Package clientframe implements the length-prefixed client-server
// packet framing of the QMClient protocol. All multi-byte integers are
// little-endian on the wire regardless of host order. Only the framing
// lives here; dialect payloads pass through opaquely.
package clientframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Server error codes carried in the output header's i16.
const (
	SVOk     int16 = 0
	SVPrompt int16 = 4 // interactive prompt response follows
	SVError  int16 = 1
)

// Client function codes.
const (
	SrvrRespond    int16 = 1 // payload replaces the input variable
	SrvrEndCommand int16 = 2 // raise Stop
	SrvrQuit       int16 = 3 // close the session
)

// MaxPacket bounds a frame to keep a corrupt length prefix from
// allocating unbounded memory.
const MaxPacket = 16 * 1024 * 1024

// ErrFrameTooLarge is returned for a length prefix beyond MaxPacket.
var ErrFrameTooLarge = errors.New("clientframe: frame exceeds maximum packet size")

// ErrShortFrame is returned when a declared length cannot even hold the
// fixed header.
var ErrShortFrame = errors.New("clientframe: declared length shorter than header")

// WriteResponse emits an output packet: i32 total length (header
// included), i16 server error, payload.
func WriteResponse(w io.Writer, serverError int16, payload []byte) error {
	total := 4 + 2 + len(payload)
	if total > MaxPacket {
		return ErrFrameTooLarge
	}
	hdr := make([]byte, 6)
	binary.LittleEndian.PutUint32(hdr, uint32(total))
	binary.LittleEndian.PutUint16(hdr[4:], uint16(serverError))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WritePrompt emits the interactive-prompt response: the SV_PROMPT
// header, an i32 status code, then the captured output data.
func WritePrompt(w io.Writer, status int32, captured []byte) error {
	payload := make([]byte, 4+len(captured))
	binary.LittleEndian.PutUint32(payload, uint32(status))
	copy(payload[4:], captured)
	return WriteResponse(w, SVPrompt, payload)
}

// Request is one decoded client packet.
type Request struct {
	Function int16
	Payload  []byte
}

// ReadRequest decodes a client packet: i32 length, i16 function, payload.
func ReadRequest(r io.Reader) (Request, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Request{}, err
	}
	total := int(int32(binary.LittleEndian.Uint32(lenBuf[:])))
	if total > MaxPacket {
		return Request{}, ErrFrameTooLarge
	}
	if total < 6 {
		return Request{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, total)
	}
	body := make([]byte, total-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return Request{}, err
	}
	return Request{
		Function: int16(binary.LittleEndian.Uint16(body)),
		Payload:  body[2:],
	}, nil
}

// WriteRequest encodes a client packet, for the client side and tests.
func WriteRequest(w io.Writer, function int16, payload []byte) error {
	total := 4 + 2 + len(payload)
	if total > MaxPacket {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 6, total)
	binary.LittleEndian.PutUint32(buf, uint32(total))
	binary.LittleEndian.PutUint16(buf[4:], uint16(function))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadResponse decodes an output packet, for the client side and tests.
func ReadResponse(r io.Reader) (serverError int16, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	total := int(int32(binary.LittleEndian.Uint32(lenBuf[:])))
	if total > MaxPacket {
		return 0, nil, ErrFrameTooLarge
	}
	if total < 6 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, total)
	}
	body := make([]byte, total-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return int16(binary.LittleEndian.Uint16(body)), body[2:], nil
}
