// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package arbiter serializes status queries to a batch scheduler.
// Callers take turns in the order they asked, one at a time, with at
// least a minimum interval between the start of consecutive turns.
package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Arbiter is a FIFO turnstile. A zero Arbiter should not be used;
// call New.
type Arbiter struct {
	limiter *rate.Limiter

	mtx     sync.Mutex
	holding bool
	queue   []*waiter

	mWaiting prometheus.GaugeFunc
}

type waiter struct {
	requester string
	queued    bool
	ready     chan bool // true = your turn; false = removed from queue
}

// New returns an Arbiter that starts a new turn at most once per
// interval. Metrics are registered with reg if it is not nil.
func New(interval time.Duration, reg *prometheus.Registry) *Arbiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	a := &Arbiter{limiter: rate.NewLimiter(limit, 1)}
	a.mWaiting = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "clusterdispatch",
		Subsystem: "arbiter",
		Name:      "waiting",
		Help:      "Number of tasks waiting for their turn to query job status.",
	}, func() float64 { return float64(a.Len()) })
	if reg != nil {
		reg.MustRegister(a.mWaiting)
	}
	return a
}

// WaitTurn joins the queue and blocks until it is the caller's turn:
// every earlier caller has been served and has released its turn, and
// the minimum interval has passed since the previous turn started.
//
// The caller must call release when done. Calling release more than
// once has no further effect.
//
// If ctx is done first, the caller leaves the queue and WaitTurn
// returns an error.
func (a *Arbiter) WaitTurn(ctx context.Context, requester string) (release func(), err error) {
	w := a.enqueue(requester)
	select {
	case <-ctx.Done():
		a.remove(w)
		// runqueue() might have given us the turn before
		// remove() got the lock. If so, pass it on.
		if <-w.ready {
			a.done()
		}
		return nil, ctx.Err()
	case <-w.ready:
	}
	err = a.limiter.Wait(ctx)
	if err != nil {
		a.done()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(a.done) }, nil
}

// Len returns the number of callers waiting for a turn, not counting
// the one holding it.
func (a *Arbiter) Len() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.queue)
}

func (a *Arbiter) enqueue(requester string) *waiter {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	w := &waiter{requester: requester, ready: make(chan bool, 1)}
	if !a.holding && len(a.queue) == 0 {
		// fast path, skip the queue
		a.holding = true
		w.ready <- true
		return w
	}
	w.queued = true
	a.queue = append(a.queue, w)
	return w
}

func (a *Arbiter) remove(w *waiter) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if !w.queued {
		return
	}
	for i, qw := range a.queue {
		if qw == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			break
		}
	}
	w.queued = false
	w.ready <- false
}

// done ends the current turn and gives the next one to the head of
// the queue.
func (a *Arbiter) done() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.holding = false
	a.runqueue()
}

// caller must have lock
func (a *Arbiter) runqueue() {
	if a.holding || len(a.queue) == 0 {
		return
	}
	w := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	w.queued = false
	a.holding = true
	w.ready <- true
}
