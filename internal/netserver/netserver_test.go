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

package netserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/scarletdme/qmvm/pkg/clientframe"
)

func TestTCPSessionRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New(func(_ context.Context, s *Session) {
		for {
			req, err := s.Next()
			if err != nil {
				return
			}
			switch req.Function {
			case clientframe.SrvrRespond:
				s.Respond(clientframe.SVOk, req.Payload)
			case clientframe.SrvrQuit:
				s.Respond(clientframe.SVOk, nil)
				return
			}
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenTCP(ctx, "127.0.0.1:0") }()
	var addr string
	for i := 0; i < 100 && addr == ""; i++ {
		addr = srv.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := clientframe.WriteRequest(conn, clientframe.SrvrRespond, []byte("HELLO")); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	se, payload, err := clientframe.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if se != clientframe.SVOk || string(payload) != "HELLO" {
		t.Fatalf("echo mismatch: %d %q", se, payload)
	}

	if err := clientframe.WriteRequest(conn, clientframe.SrvrQuit, nil); err != nil {
		t.Fatalf("quit: %v", err)
	}
	if _, _, err := clientframe.ReadResponse(conn); err != nil {
		t.Fatalf("quit response: %v", err)
	}

	cancel()
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on context cancellation")
	}
}
