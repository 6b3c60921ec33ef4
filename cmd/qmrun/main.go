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

// qmrun is the runtime's process entry point. One
// invocation serves one logical user: interactive, phantom, or client
// server. Administrative verbs (-K, -U, -start, -stop, ...) act on the
// shared state and exit.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/urfave/cli.v1"

	"github.com/scarletdme/qmvm/internal/config"
	"github.com/scarletdme/qmvm/internal/xlog"
)

const clientIdentifier = "qmrun"

var (
	app = cli.NewApp()

	accountFlag = cli.StringFlag{
		Name:  "A",
		Usage: "select the account to log into (number or name)",
	}
	binaryFlag = cli.IntFlag{
		Name:  "B",
		Usage: "telnet binary-mode flags",
	}
	diagFlag = cli.BoolFlag{
		Name:  "D",
		Usage: "dump shared-segment diagnostics and exit",
	}
	dumpFlag = cli.BoolFlag{
		Name:  "M",
		Usage: "dump the process table and exit",
	}
	killFlag = cli.StringFlag{
		Name:  "K",
		Usage: "kill user by number, name, or ALL (the caller's admin status is not checked)",
	}
	licenceFlag = cli.BoolFlag{
		Name:  "L",
		Usage: "apply a licence",
	}
	networkFlag = cli.BoolFlag{
		Name:  "N",
		Usage: "run as a network server",
	}
	phantomFlag = cli.IntFlag{
		Name:  "P",
		Usage: "run as phantom for the given user-table slot",
	}
	clientFlag = cli.BoolFlag{
		Name:  "Q",
		Usage: "run a QMClient session",
	}
	usersFlag = cli.BoolFlag{
		Name:  "U",
		Usage: "list current users",
	}
	pipesFlag = cli.StringFlag{
		Name:  "C",
		Usage: "local client pipes as s.r (send fd, receive fd)",
	}
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
)

func init() {
	app.Name = clientIdentifier
	app.Usage = "multi-value database runtime"
	app.Version = versionString()
	app.Flags = []cli.Flag{
		accountFlag, binaryFlag, diagFlag, dumpFlag, killFlag, licenceFlag,
		networkFlag, phantomFlag, clientFlag, usersFlag, pipesFlag,
		configFileFlag,
	}
	app.Commands = []cli.Command{
		{Name: "start", Action: withRuntime(cmdStart), Usage: "initialize the shared segment"},
		{Name: "stop", Action: withRuntime(cmdStop), Usage: "shut the system down"},
		{Name: "restart", Action: withRuntime(cmdRestart), Usage: "stop then start"},
		{Name: "suspend", Action: withRuntime(cmdSuspend), Usage: "suspend database updates"},
		{Name: "resume", Action: withRuntime(cmdResume), Usage: "resume database updates"},
		{Name: "cleanup", Action: withRuntime(cmdCleanup), Usage: "reap dead process-table entries"},
	}
	app.Action = run
	sort.Sort(cli.FlagsByName(app.Flags))
}

func main() {
	if err := app.Run(normalizeArgs(os.Args)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// normalizeArgs rewrites the historical single-dash verbs (-start, -stop,
// ...) into subcommands so one binary serves both spellings.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch a {
		case "-start", "-stop", "-restart", "-suspend", "-resume", "-cleanup":
			out = append(out, strings.TrimPrefix(a, "-"))
		default:
			out = append(out, a)
		}
	}
	return out
}

// withRuntime loads configuration and builds the shared runtime before
// invoking the admin action.
func withRuntime(fn func(*runtime, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cfg, err := config.Load(ctx.GlobalString(configFileFlag.Name))
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(rt, ctx)
	}
}

// run is the default action: log in, run the command processor and exit 0
// on normal logout. A trailing command is logged but not executed.
func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.GlobalString(configFileFlag.Name))
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	switch {
	case ctx.GlobalBool(usersFlag.Name):
		return rt.listUsers(os.Stdout)
	case ctx.GlobalString(killFlag.Name) != "":
		return rt.killUser(ctx.GlobalString(killFlag.Name))
	case ctx.GlobalBool(diagFlag.Name), ctx.GlobalBool(dumpFlag.Name):
		return rt.dumpDiagnostics(os.Stdout)
	case ctx.GlobalBool(licenceFlag.Name):
		return rt.applyLicence()
	}

	sess := sessionOptions{
		account: ctx.GlobalString(accountFlag.Name),
		binary:  ctx.GlobalInt(binaryFlag.Name),
		phantom: ctx.GlobalInt(phantomFlag.Name),
		client:  ctx.GlobalBool(clientFlag.Name),
		network: ctx.GlobalBool(networkFlag.Name),
		pipes:   ctx.GlobalString(pipesFlag.Name),
		// Trailing arguments concatenate into a single command
		// string.
		command: strings.Join(ctx.Args(), " "),
	}
	if err := rt.serve(sess); err != nil {
		xlog.Error("session failed", "err", err)
		os.Exit(1)
	}
	return nil
}

func versionString() string {
	return "1.0.0"
}

func parseSlot(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}
