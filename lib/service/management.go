// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthFunc returns nil when healthy, an error when not.
type HealthFunc func() error

// ManagementHandler returns a handler for /metrics and
// /_health/{check}. Every request must carry token as a bearer
// token. If token is empty, all requests get 404.
//
// If checks has no "ping" entry, one is added that always reports
// healthy.
func ManagementHandler(token string, reg *prometheus.Registry, checks map[string]HealthFunc, logger logrus.FieldLogger) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	routes := map[string]HealthFunc{"ping": func() error { return nil }}
	for name, fn := range checks {
		routes[name] = fn
	}
	mux := httprouter.New()
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger.WithField("Handler", "metrics"),
	}))
	mux.GET("/_health/:check", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		fn, ok := routes[params.ByName("check")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := fn(); err != nil {
			logger.WithError(err).WithField("Check", params.ByName("check")).Warn("health check failed")
			json.NewEncoder(w).Encode(map[string]string{
				"health": "ERROR",
				"error":  err.Error(),
			})
			return
		}
		w.Write([]byte(`{"health":"OK"}` + "\n"))
	})
	return requireToken(token, mux)
}

// requireToken rejects requests that don't supply the given bearer
// token.
func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ah := r.Header.Get("Authorization")
		switch {
		case token == "":
			http.Error(w, "disabled", http.StatusNotFound)
		case ah == "":
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case strings.TrimPrefix(ah, "Bearer ") != token || !strings.HasPrefix(ah, "Bearer "):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
