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

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/scarletdme/qmvm/internal/admin"
	"github.com/scarletdme/qmvm/internal/config"
	"github.com/scarletdme/qmvm/internal/event"
	"github.com/scarletdme/qmvm/internal/lockmgr"
	"github.com/scarletdme/qmvm/internal/netserver"
	"github.com/scarletdme/qmvm/internal/object"
	"github.com/scarletdme/qmvm/internal/shm"
	"github.com/scarletdme/qmvm/internal/storage"
	"github.com/scarletdme/qmvm/internal/storage/leveldb"
	"github.com/scarletdme/qmvm/internal/tio"
	"github.com/scarletdme/qmvm/internal/txn"
	"github.com/scarletdme/qmvm/internal/vm"
	"github.com/scarletdme/qmvm/internal/xlog"
	"github.com/scarletdme/qmvm/pkg/clientframe"
)

// runtime is the assembled per-process view of the system: the shared
// segment plus this process's managers.
type runtime struct {
	cfg    config.Config
	seg    *shm.Segment
	locks  *lockmgr.Manager
	engine *storage.Engine
	lib    *object.Library
	store  *leveldb.Database
}

type sessionOptions struct {
	account string
	binary  int
	phantom int
	client  bool
	network bool
	pipes   string
	command string
}

func newRuntime(cfg config.Config) (*runtime, error) {
	seg := shm.New(cfg.MaxUsers, cfg.NumLocks)
	seg.Counters.Deadlock = cfg.Deadlock
	seg.Counters.SysDir = cfg.SysDir

	store, err := leveldb.New(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:    cfg,
		seg:    seg,
		locks:  lockmgr.New(seg),
		engine: storage.NewEngine(seg, store),
		store:  store,
	}
	if lib, err := object.OpenLibrary(cfg.PcodePath); err == nil {
		rt.lib = lib
	} else {
		xlog.Warn("pcode library unavailable", "path", cfg.PcodePath, "err", err)
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.store != nil {
		rt.store.Close()
	}
}

// newProcess logs a user into the process table and assembles its VM.
func (rt *runtime) newProcess(uid int, username, ttyName string, phantom bool) (*vm.Process, *event.Bus, error) {
	slot, ok := rt.seg.Login(uid, username, ttyName, "")
	if !ok {
		return nil, nil, fmt.Errorf("process table full (max %d users)", rt.cfg.MaxUsers)
	}
	if phantom {
		rt.seg.MutateProc(slot, func(p *shm.ProcEntry) { p.Flags |= shm.ProcPhantom })
	}
	rt.seg.MutateProc(slot, func(p *shm.ProcEntry) { p.OSPid = os.Getpid() })

	bus := event.New(rt.seg, event.Handlers{
		FlushDHCache: rt.engine.FlushCache,
		RebuildLLT:   func(s int) { rt.locks.RebuildLLT(s, uid) },
		DumpStatus: func(s int) {
			p := rt.seg.Proc(s)
			xlog.Info("status dump", "slot", s, "uid", p.Uid, "user", p.Username,
				"lockWait", p.LockWait, "txn", p.TxnID)
		},
	})
	p := vm.NewProcess(vm.Services{
		Seg:    rt.seg,
		Bus:    bus,
		Locks:  rt.locks,
		Engine: rt.engine,
		Lib:    rt.lib,
		Tio:    tio.NewTable().Unit(tio.UnitDisplay),
	}, slot, uid)
	p.Txn = txn.New(rt.seg, rt.locks, slot, uid)
	if !phantom {
		disp := p.Tio
		p.BreakPrompt = func(*vm.Process) byte {
			disp.Print("*Break* A)bort, G)o, Q)uit, D)ebug, X (logout)?")
			line, ok := disp.Input(0, nil)
			if !ok || line == "" {
				return 'G'
			}
			return strings.ToUpper(line)[0]
		}
	}
	return p, bus, nil
}

// serve runs one session to completion.
func (rt *runtime) serve(opts sessionOptions) error {
	uid := os.Getuid()
	if uid == 0 {
		uid = 1
	}
	username := opts.account
	if username == "" {
		username = os.Getenv("USER")
	}

	if opts.pipes != "" {
		return rt.servePipes(opts.pipes)
	}
	if opts.network || opts.client {
		return rt.serveClients(opts)
	}

	p, _, err := rt.newProcess(uid, username, ttyName(), opts.phantom > 0)
	if err != nil {
		return err
	}
	rt.startAdminFor(p)

	cproc := "$CPROC"
	if opts.command != "" {
		// A trailing command is logged only; the command processor is
		// started without it.
		xlog.Info("executing command", "command", opts.command)
	}
	if rt.lib == nil {
		return fmt.Errorf("no pcode library loaded; cannot start the command processor")
	}
	return p.Kernel(cproc)
}

// serveClients accepts QMClient sessions and runs each one's command
// loop over the clientframe protocol.
func (rt *runtime) serveClients(opts sessionOptions) error {
	addr := rt.cfg.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:4243"
	}
	nextUID := 1000
	srv := netserver.New(func(ctx context.Context, s *netserver.Session) {
		nextUID++
		p, _, err := rt.newProcess(nextUID, "qmclient", s.Ticket[:8], false)
		if err != nil {
			s.Respond(clientframe.SVError, []byte(err.Error()))
			return
		}
		defer p.Logout()
		for {
			req, err := s.Next()
			if err != nil {
				return
			}
			switch req.Function {
			case clientframe.SrvrRespond:
				// No program awaits input in this loop; the payload is
				// echoed back.
				s.Respond(clientframe.SVOk, req.Payload)
			case clientframe.SrvrEndCommand:
				p.RaiseStop()
				s.Respond(clientframe.SVOk, nil)
			case clientframe.SrvrQuit:
				s.Respond(clientframe.SVOk, nil)
				return
			default:
				s.Respond(clientframe.SVError, nil)
			}
		}
	})
	rt.startAdmin()
	return srv.ListenTCP(context.Background(), addr)
}

// servePipes runs one client session over the -Cs.r local pipe pair
// (s = send fd, r = receive fd).
func (rt *runtime) servePipes(spec string) error {
	parts := strings.SplitN(spec, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed -C pipe spec %q", spec)
	}
	sendFd, ok1 := parseSlot(parts[0])
	recvFd, ok2 := parseSlot(parts[1])
	if !ok1 || !ok2 {
		return fmt.Errorf("malformed -C pipe spec %q", spec)
	}
	send := os.NewFile(uintptr(sendFd), "qmclient-send")
	recv := os.NewFile(uintptr(recvFd), "qmclient-recv")
	if send == nil || recv == nil {
		return fmt.Errorf("invalid -C file descriptors %q", spec)
	}
	defer send.Close()
	defer recv.Close()

	p, _, err := rt.newProcess(os.Getuid(), "qmclient", "pipe", false)
	if err != nil {
		return err
	}
	defer p.Logout()
	for {
		req, err := clientframe.ReadRequest(recv)
		if err != nil {
			return nil
		}
		switch req.Function {
		case clientframe.SrvrRespond:
			clientframe.WriteResponse(send, clientframe.SVOk, req.Payload)
		case clientframe.SrvrEndCommand:
			p.RaiseStop()
			clientframe.WriteResponse(send, clientframe.SVOk, nil)
		case clientframe.SrvrQuit:
			clientframe.WriteResponse(send, clientframe.SVOk, nil)
			return nil
		default:
			clientframe.WriteResponse(send, clientframe.SVError, nil)
		}
	}
}

// startAdmin exposes the status endpoint when configured.
func (rt *runtime) startAdmin() {
	rt.startAdminFor(nil)
}

func (rt *runtime) startAdminFor(p *vm.Process) {
	if rt.cfg.AdminAddr == "" {
		return
	}
	var counters admin.CounterSource
	if p != nil {
		counters = func() []uint64 { return p.Counters[:] }
	}
	surface := admin.New(rt.seg, counters)
	go func() {
		if err := http.ListenAndServe(rt.cfg.AdminAddr, surface.Router()); err != nil {
			xlog.Warn("admin surface stopped", "err", err)
		}
	}()
}

// listUsers implements -U.
func (rt *runtime) listUsers(w io.Writer) error {
	fmt.Fprintf(w, "%4s %6s %-12s %-10s %s\n", "Uid", "Pid", "User", "TTY", "Flags")
	for _, p := range rt.seg.Procs() {
		flags := ""
		if p.Flags&shm.ProcPhantom != 0 {
			flags += "P"
		}
		if p.Flags&shm.ProcAdmin != 0 {
			flags += "A"
		}
		fmt.Fprintf(w, "%4d %6d %-12s %-10s %s\n", p.Uid, p.OSPid, p.Username, p.TTYName, flags)
	}
	return nil
}

// killUser implements -K n|ALL|name: raise EVT_LOGOUT on the target(s).
func (rt *runtime) killUser(target string) error {
	bus := event.New(rt.seg, event.Handlers{})
	if strings.EqualFold(target, "ALL") {
		bus.Raise(event.Logout, -1)
		return nil
	}
	if n, ok := parseSlot(target); ok {
		bus.Raise(event.Logout, n)
		return nil
	}
	for _, p := range rt.seg.Procs() {
		if strings.EqualFold(p.Username, target) {
			bus.Raise(event.Logout, rt.slotOf(p.Uid))
		}
	}
	return nil
}

func (rt *runtime) slotOf(uid int) int {
	for i := 1; i <= rt.seg.Counters.MaxUsers; i++ {
		if rt.seg.Proc(i).Uid == uid {
			return i
		}
	}
	return 0
}

// dumpDiagnostics implements -D / -M.
func (rt *runtime) dumpDiagnostics(w io.Writer) error {
	fmt.Fprintf(w, "max users: %d\nnum locks: %d\nlock count: %d (peak %d)\nsuspend: %v\n",
		rt.seg.Counters.MaxUsers, rt.seg.Counters.NumLocks,
		rt.seg.Counters.LockCount, rt.seg.Counters.LockPeak,
		rt.seg.Counters.Suspend)
	return rt.listUsers(w)
}

func (rt *runtime) applyLicence() error {
	xlog.Info("licence applied")
	return nil
}

func ttyName() string {
	if t := os.Getenv("TTY"); t != "" {
		return t
	}
	return "console"
}

// ---- Administrative verbs --------------------------------------------------

func cmdStart(rt *runtime, _ *cli.Context) error {
	xlog.Info("system started", "sysdir", rt.cfg.SysDir)
	return nil
}

func cmdStop(rt *runtime, _ *cli.Context) error {
	bus := event.New(rt.seg, event.Handlers{})
	bus.Raise(event.Terminate, -1)
	return nil
}

func cmdRestart(rt *runtime, ctx *cli.Context) error {
	if err := cmdStop(rt, ctx); err != nil {
		return err
	}
	return cmdStart(rt, ctx)
}

func cmdSuspend(rt *runtime, _ *cli.Context) error {
	rt.seg.FileTableLock.Lock()
	rt.seg.Counters.Suspend = true
	rt.seg.FileTableLock.Unlock()
	return nil
}

func cmdResume(rt *runtime, _ *cli.Context) error {
	rt.seg.FileTableLock.Lock()
	rt.seg.Counters.Suspend = false
	rt.seg.FileTableLock.Unlock()
	return nil
}

func cmdCleanup(rt *runtime, _ *cli.Context) error {
	// Reap entries whose OS process is gone.
	reaped := 0
	for i := 1; i <= rt.seg.Counters.MaxUsers; i++ {
		p := rt.seg.Proc(i)
		if p.Uid == 0 || p.OSPid == 0 {
			continue
		}
		if err := processAlive(p.OSPid); err != nil {
			rt.seg.Logout(i)
			reaped++
		}
	}
	xlog.Info("cleanup complete", "reaped", reaped)
	return nil
}

func processAlive(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.Signal(0))
}
