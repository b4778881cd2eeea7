// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log wires up gopkg.in/op/go-logging.v1 the way the rest of this
// dependency tree does: a single Backend is constructed once by the
// embedding application, and every component is handed a named
// *logging.Logger carved out of it.
package log

import (
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend owns the process-wide logging configuration and mints named
// sub-loggers for individual components.
type Backend struct {
	level   logging.Level
	backend logging.Backend
}

// New constructs a Backend writing formatted records to w at the given
// level name ("DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"). An empty
// level defaults to "NOTICE".
func New(w io.Writer, level string) (*Backend, error) {
	if w == nil {
		w = os.Stderr
	}
	if level == "" {
		level = "NOTICE"
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, err
	}
	format := logging.MustStringFormatter(
		"%{time:15:04:05.000} %{level:.4s} %{module}: %{message}",
	)
	backend := logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), format)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(lvl, "")
	return &Backend{level: lvl, backend: leveled}, nil
}

// GetLogger returns a named logger attached to this backend. Module names
// are conventionally slash-separated paths such as "securewire/listener".
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}
