// Copyright 2026 The Chainarchive Authors
// This file is part of Chainarchive.
//
// Chainarchive is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainarchive is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainarchive. If not, see <http://www.gnu.org/licenses/>.

// Package logutil hands out component-scoped loggers so every subsystem
// (ingest, rpc, writer, query) tags its lines the same way instead of each
// constructing its own zap config.
package logutil

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.Mutex
	base *zap.Logger
)

// SetBase installs the process-wide base logger. Call once at startup;
// components created before this call fall back to zap.NewNop().
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

// Component returns a sugared logger tagged with "component"=name.
func Component(name string) *zap.SugaredLogger {
	mu.Lock()
	l := base
	mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(zap.String("component", name)).Sugar()
}

// Default builds a production zap.Logger writing JSON to stderr at the
// given level name ("debug", "info", "warn", "error").
func Default(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}
