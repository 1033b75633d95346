// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submitted prometheus.Counter
	finished  *prometheus.CounterVec
	active    prometheus.GaugeFunc
}

func newMetrics(reg *prometheus.Registry, active func() int) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterdispatch",
			Subsystem: "tasks",
			Name:      "submitted_total",
			Help:      "Number of tasks accepted by the dispatcher.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterdispatch",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Number of task results reported, by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clusterdispatch",
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Number of tasks currently submitted or running.",
		}, func() float64 { return float64(active()) }),
	}
	reg.MustRegister(m.submitted, m.finished, m.active)
	return m
}
