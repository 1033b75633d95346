// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (wb *WrapperBackend) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	wb.mWrapperSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clusterdispatch",
		Subsystem: "backend",
		Name:      "wrapper_seconds",
		Help:      "Time spent running wrapper script commands.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"backend", "action", "outcome"})
	reg.MustRegister(wb.mWrapperSeconds)
}
