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

// Package netserver accepts client-server sessions and speaks the
// clientframe packet protocol over them. Two transports
// are offered: plain TCP (the framing is a fixed byte layout; no RPC
// framework belongs on top of it) and a websocket endpoint for
// browser-hosted clients using github.com/gorilla/websocket.
package netserver

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scarletdme/qmvm/internal/xlog"
	"github.com/scarletdme/qmvm/pkg/clientframe"
)

// Session is one connected client. Ticket is the session identifier
// handed to admin tooling.
type Session struct {
	Ticket string
	conn   net.Conn
}

// Handler runs one session's command loop. Reading requests and writing
// responses goes through the clientframe helpers on Conn.
type Handler func(ctx context.Context, s *Session)

// Conn exposes the raw connection for framing calls.
func (s *Session) Conn() net.Conn { return s.conn }

// Respond sends a plain response packet.
func (s *Session) Respond(serverError int16, payload []byte) error {
	return clientframe.WriteResponse(s.conn, serverError, payload)
}

// Prompt sends the SV_PROMPT interactive flow.
func (s *Session) Prompt(status int32, captured []byte) error {
	return clientframe.WritePrompt(s.conn, status, captured)
}

// Next reads the client's next request.
func (s *Session) Next() (clientframe.Request, error) {
	return clientframe.ReadRequest(s.conn)
}

// Server accepts QMClient sessions.
type Server struct {
	handler Handler
	ln      net.Listener
}

// New builds a Server dispatching sessions to handler.
func New(handler Handler) *Server {
	return &Server{handler: handler}
}

// ListenTCP serves plain-TCP sessions on addr until ctx is done.
func (s *Server) ListenTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	xlog.Info("client server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sess := &Session{Ticket: uuid.New().String(), conn: conn}
		xlog.Info("client session accepted", "ticket", sess.Ticket, "remote", conn.RemoteAddr().String())
		go func() {
			defer conn.Close()
			s.handler(ctx, sess)
		}()
	}
}

// Addr reports the bound listen address (tests bind :0).
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

var upgrader = websocket.Upgrader{
	// The framing carries its own session ticket; origin policy is the
	// embedding deployment's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler upgrades an HTTP request to a websocket and runs the same
// session loop over it. Incoming binary messages are read as one
// concatenated byte stream, and each Write goes out as its own message,
// so a frame written in several Writes spans several messages.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &wsConn{Conn: ws}
		sess := &Session{Ticket: uuid.New().String(), conn: conn}
		xlog.Info("websocket session accepted", "ticket", sess.Ticket, "remote", r.RemoteAddr)
		defer conn.Close()
		s.handler(r.Context(), sess)
	}
}
