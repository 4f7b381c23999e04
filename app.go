// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package dataplane

import (
	"context"
	"log/slog"
	"time"
)

// App is a packet-processing component. Push is invoked once per breath of
// the owning engine; an app drains its input links until they are empty or
// its output links are full, running each unit of work to completion.
type App interface {
	Push()
}

type namedApp struct {
	name string
	app  App
}

// Engine drives a set of apps with a single-threaded, cooperative breath
// loop. Apps are pushed in registration order; packet order on any single
// link is preserved end to end.
type Engine struct {
	logger *slog.Logger
	apps   []namedApp
}

// NewEngine creates an engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Register adds an app to the breath loop.
func (e *Engine) Register(name string, app App) {
	e.logger.Debug("Registering app", slog.String("name", name))
	e.apps = append(e.apps, namedApp{name: name, app: app})
}

// Breathe runs one scheduling cycle: every app's Push, in order.
func (e *Engine) Breathe() {
	for _, a := range e.apps {
		a.app.Push()
	}
}

// Run breathes at the given interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Breathe()
		}
	}
}
