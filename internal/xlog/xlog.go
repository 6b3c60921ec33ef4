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

// Package xlog is the runtime's leveled, key-value logging surface: a
// thin wrapper over the standard library's log/slog exposing the usual
// Trace/Debug/Info/Warn/Error/Crit call shape with alternating key/value
// pairs.
package xlog

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with leveled methods taking a message
// followed by alternating key/value pairs.
type Logger struct {
	base *slog.Logger
}

var root = New(os.Stderr)

// New builds a Logger writing text-formatted records to w.
func New(w *os.File) *Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{base: slog.New(h)}
}

// SetDefault replaces the package-level root logger.
func SetDefault(l *Logger) { root = l }

// Root returns the package-level default logger.
func Root() *Logger { return root }

// With returns a Logger with ctx fields bound to every subsequent
// record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...)}
}

func (l *Logger) Trace(msg string, args ...any) { l.log(context.Background(), slog.LevelDebug-4, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.log(context.Background(), slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(context.Background(), slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(context.Background(), slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(context.Background(), slog.LevelError, msg, args...) }

// Crit logs at error level and terminates the process; reserved for
// unrecoverable startup failures.
func (l *Logger) Crit(msg string, args ...any) {
	l.log(context.Background(), slog.LevelError, msg, args...)
	os.Exit(1)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.base.Log(ctx, level, msg, args...)
}

// Package-level convenience wrappers over Root().
func Trace(msg string, args ...any) { root.Trace(msg, args...) }
func Debug(msg string, args ...any) { root.Debug(msg, args...) }
func Info(msg string, args ...any)  { root.Info(msg, args...) }
func Warn(msg string, args ...any)  { root.Warn(msg, args...) }
func Error(msg string, args ...any) { root.Error(msg, args...) }
func Crit(msg string, args ...any)  { root.Crit(msg, args...) }
