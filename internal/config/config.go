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

// Package config resolves the runtime's startup configuration: a TOML
// file discovered through a fixed search list, decoded with naoina/toml
// with keys matching Go field names verbatim, layered under environment
// and CLI overrides.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/naoina/toml"

	"github.com/scarletdme/qmvm/internal/xlog"
)

// Config is the decoded runtime configuration.
type Config struct {
	SysDir     string
	MaxUsers   int
	NumLocks   int
	Deadlock   bool
	PcodePath  string
	DataPath   string
	ListenAddr string
	AdminAddr  string

	Terminal TerminalConfig
}

// TerminalConfig captures the TERM/LINES/COLUMNS environment resolution.
type TerminalConfig struct {
	Term    string
	Lines   int
	Columns int
}

// Defaults is the base configuration before file and flag layering.
var Defaults = Config{
	SysDir:   "/var/lib/qmvm",
	MaxUsers: 64,
	NumLocks: 1024,
	Deadlock: true,
}

// searchList is the fixed config discovery order.
var searchList = []string{
	"./qmvm.toml",
	"$HOME/.qmvm/qmvm.toml",
	"/etc/qmvm/qmvm.toml",
}

// tomlSettings makes TOML keys use the same names as Go struct fields,
// warning on deprecated fields instead of failing.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		id := fmt.Sprintf("%s.%s", rt.String(), field)
		if deprecated(id) {
			xlog.Warn("config field is deprecated and won't have an effect", "name", id)
			return nil
		}
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

func deprecated(field string) bool {
	switch field {
	case "config.Config.LicencePath", "config.Config.TermInfoDir":
		return true
	default:
		return false
	}
}

// Discover returns the first config path from the search list that
// exists, or "" when none does.
func Discover() string {
	for _, p := range searchList {
		path := os.ExpandEnv(p)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads the configuration: defaults, then file (explicit or
// discovered), then environment.
func Load(file string) (Config, error) {
	cfg := Defaults
	if file == "" {
		file = Discover()
	}
	if file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return cfg, err
		}
		xlog.Info("configuration loaded", "path", file)
	}
	cfg.Terminal = TerminalConfig{
		Term:    os.Getenv("TERM"),
		Lines:   envInt("LINES", 24),
		Columns: envInt("COLUMNS", 80),
	}
	if cfg.PcodePath == "" {
		cfg.PcodePath = filepath.Join(cfg.SysDir, "pcode")
	}
	if cfg.DataPath == "" {
		cfg.DataPath = filepath.Join(cfg.SysDir, "data")
	}
	return cfg, nil
}

func loadFile(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add the file name to errors that carry a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func envInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return def
	}
	return n
}
