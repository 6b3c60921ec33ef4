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

package clientframe

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, SrvrRespond, []byte("RUN REPORT")); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	req, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Function != SrvrRespond || string(req.Payload) != "RUN REPORT" {
		t.Fatalf("round trip mismatch: %+v", req)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, SVOk, []byte("output")); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	se, payload, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if se != SVOk || string(payload) != "output" {
		t.Fatalf("round trip mismatch: %d %q", se, payload)
	}
}

func TestPromptFlowLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePrompt(&buf, 42, []byte("captured text")); err != nil {
		t.Fatalf("WritePrompt: %v", err)
	}
	se, payload, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if se != SVPrompt {
		t.Fatalf("server error: got %d want SV_PROMPT", se)
	}
	if status := int32(binary.LittleEndian.Uint32(payload)); status != 42 {
		t.Fatalf("status: got %d", status)
	}
	if string(payload[4:]) != "captured text" {
		t.Fatalf("captured data: %q", payload[4:])
	}
}

func TestWireIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, 0x0102, nil); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	raw := buf.Bytes()
	// i32 length 6, little-endian, then i16 code 0x0102.
	want := []byte{6, 0, 0, 0, 0x02, 0x01}
	if !bytes.Equal(raw, want) {
		t.Fatalf("wire bytes: got % x want % x", raw, want)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(MaxPacket+1))
	if _, err := ReadRequest(bytes.NewReader(hdr[:])); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestUndersizeFrameRejected(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 3)
	if _, err := ReadRequest(bytes.NewReader(hdr[:])); err == nil {
		t.Fatal("expected short-frame rejection")
	}
}
