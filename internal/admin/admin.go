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

// Package admin is the read-only status surface: a loopback HTTP endpoint
// serving JSON snapshots of the process table, lock-table occupancy, and
// VM opcode counters. It is the observable end of the STATUS event.
// Routing uses julienschmidt/httprouter.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/scarletdme/qmvm/internal/shm"
)

// ProcView is one process-table row in the status snapshot.
type ProcView struct {
	Uid       int    `json:"uid"`
	ParentUid int    `json:"parentUid"`
	OSPid     int    `json:"osPid"`
	Phantom   bool   `json:"phantom"`
	Admin     bool   `json:"admin"`
	Username  string `json:"username"`
	TTY       string `json:"tty"`
	IP        string `json:"ip"`
	LoginTime int64  `json:"loginTime"`
	LockWait  int    `json:"lockWait"`
	EventBits uint32 `json:"eventBits"`
	TxnID     int    `json:"txnId"`
}

// LockView summarizes record-lock table occupancy.
type LockView struct {
	Slots     int `json:"slots"`
	InUse     int `json:"inUse"`
	Peak      int `json:"peak"`
}

// CounterSource supplies per-opcode dispatch counts.
type CounterSource func() []uint64

// Surface is the admin HTTP handler set.
type Surface struct {
	seg      *shm.Segment
	counters CounterSource
}

// New builds a Surface over seg; counters may be nil.
func New(seg *shm.Segment, counters CounterSource) *Surface {
	return &Surface{seg: seg, counters: counters}
}

// Router returns the configured httprouter.
func (s *Surface) Router() http.Handler {
	r := httprouter.New()
	r.GET("/status/procs", s.procs)
	r.GET("/status/locks", s.locks)
	r.GET("/status/opcodes", s.opcodes)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Surface) procs(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	var out []ProcView
	for _, p := range s.seg.Procs() {
		out = append(out, ProcView{
			Uid: p.Uid, ParentUid: p.ParentUid, OSPid: p.OSPid,
			Phantom: p.Flags&shm.ProcPhantom != 0,
			Admin:   p.Flags&shm.ProcAdmin != 0,
			Username: p.Username, TTY: p.TTYName, IP: p.IPAddress,
			LoginTime: p.LoginTime, LockWait: p.LockWait,
			EventBits: p.EventBits, TxnID: p.TxnID,
		})
	}
	writeJSON(w, out)
}

func (s *Surface) locks(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.seg.RecLockSem.Lock()
	inUse := 0
	for i := range s.seg.Locks() {
		if s.seg.LockSlot(i).Hash != 0 {
			inUse++
		}
	}
	v := LockView{Slots: len(s.seg.Locks()), InUse: inUse, Peak: s.seg.Counters.LockPeak}
	s.seg.RecLockSem.Unlock()
	writeJSON(w, v)
}

func (s *Surface) opcodes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.counters == nil {
		writeJSON(w, []uint64{})
		return
	}
	writeJSON(w, s.counters())
}
