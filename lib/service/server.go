// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides the management HTTP server (metrics and
// health checks) of a long-running dispatcher process.
package service

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Server is an http.Server that can be started on ":0" and shut
// down without exiting the process.
type Server struct {
	http.Server

	// Address to listen on. After Start returns, Addr is the
	// address the server is actually listening on.
	Addr   string
	Logger logrus.FieldLogger

	mtx      sync.Mutex
	listener net.Listener
	done     chan struct{}
	err      error
	wantDown bool
}

// Start listens on Addr and serves requests in a background
// goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.mtx.Lock()
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	srv.mtx.Unlock()
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = time.Minute
	}
	if srv.Logger != nil {
		srv.Logger.WithField("Listen", srv.Addr).Info("management server listening")
	}
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		srv.mtx.Lock()
		defer srv.mtx.Unlock()
		if !srv.wantDown {
			srv.err = err
		}
	}()
	return nil
}

// Close shuts down the server, waiting up to 10 seconds for active
// requests to finish, and returns when it has stopped.
func (srv *Server) Close() error {
	srv.mtx.Lock()
	if srv.done == nil {
		srv.mtx.Unlock()
		return nil
	}
	srv.wantDown = true
	srv.mtx.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Server.Close()
	}
	return srv.Wait()
}

// Wait returns when the server has stopped. It returns nil if the
// server was stopped by Close.
func (srv *Server) Wait() error {
	srv.mtx.Lock()
	done := srv.done
	srv.mtx.Unlock()
	if done == nil {
		return nil
	}
	<-done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
