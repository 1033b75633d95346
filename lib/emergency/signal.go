// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package emergency

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Watch starts a goroutine that waits for one of the given signals
// (SIGINT and SIGTERM if none are given). When one arrives, it calls
// onSignal (if non-nil), then stops whatever jobs are still in reg.
//
// The returned func stops watching. Watching also ends when ctx is
// done.
func Watch(ctx context.Context, reg *Registry, logger logrus.FieldLogger, onSignal func(os.Signal), signals ...os.Signal) func() {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ctx, cancel := context.WithCancel(ctx)
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, signals...)
	go func() {
		defer signal.Stop(sigch)
		select {
		case <-ctx.Done():
			return
		case sig := <-sigch:
			logger.WithField("Signal", sig.String()).Warn("caught signal, stopping remote jobs")
			if onSignal != nil {
				onSignal(sig)
			}
			reg.StopAll(ctx)
		}
	}()
	return cancel
}

// Recover stops every registered job if the calling goroutine is
// panicking, then resumes the panic. Use it with defer at the top of
// main:
//
//	defer emergency.Recover(reg, logger)
func Recover(reg *Registry, logger logrus.FieldLogger) {
	r := recover()
	if r == nil {
		return
	}
	logger.WithField("Panic", r).Error("panic, stopping remote jobs")
	reg.StopAll(context.Background())
	panic(r)
}
