// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package fragment

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetgarden/dataplane"
)

// App runs a Reassembler on a link pair: non-fragments pass straight
// through, fragments are cached and complete packets emitted in their
// place.
type App struct {
	logger *slog.Logger
	r      *Reassembler
	input  *dataplane.Link
	output *dataplane.Link

	metrics     dataplane.AppMetrics
	reassembled prometheus.Counter
	invalid     prometheus.Counter
}

// NewApp wraps a reassembler as an engine app. reg may be nil to skip
// metric registration.
func NewApp(logger *slog.Logger, r *Reassembler, input, output *dataplane.Link, reg prometheus.Registerer) *App {
	factory := promauto.With(reg)
	return &App{
		logger:  logger,
		r:       r,
		input:   input,
		output:  output,
		metrics: dataplane.NewAppMetrics(reg, "reassembler"),
		reassembled: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: "reassembler",
			Name:      "reassembled_packets_total",
			Help:      "Packets successfully reassembled from fragments.",
		}),
		invalid: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: "reassembler",
			Name:      "invalid_flows_total",
			Help:      "Fragment flows dropped as structurally anomalous.",
		}),
	}
}

// Push drains the input link until it is empty or the output link fills.
func (a *App) Push() {
	for !a.input.Empty() && !a.output.Full() {
		pkt := a.input.Receive()

		if !IsFragment(pkt.Bytes()) {
			a.metrics.Forwarded.Inc()
			a.output.Transmit(pkt)
			continue
		}

		status, out := a.r.CacheFragment(pkt)
		switch status {
		case ReassemblyOK:
			a.metrics.Forwarded.Inc()
			a.reassembled.Inc()
			a.output.Transmit(out)
		case ReassemblyInvalid:
			a.metrics.Dropped.Inc()
			a.invalid.Inc()
		}
	}
}
