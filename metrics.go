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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AppMetrics are the forward/drop counters every packet app exposes,
// namespaced by the app's subsystem name. Apps register further counters
// of their own next to these.
type AppMetrics struct {
	Forwarded prometheus.Counter
	Dropped   prometheus.Counter
}

// NewAppMetrics builds the shared per-app counters. A nil registerer
// skips registration, which keeps tests free of global state.
func NewAppMetrics(reg prometheus.Registerer, subsystem string) AppMetrics {
	factory := promauto.With(reg)
	return AppMetrics{
		Forwarded: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "forwarded_packets_total",
			Help:      "Packets forwarded downstream.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dropped_packets_total",
			Help:      "Packets dropped.",
		}),
	}
}
