// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package emergency keeps track of remote jobs that must be killed if
// the dispatcher process aborts, so they are not left running on the
// cluster with nobody waiting for their results.
package emergency

import (
	"context"
	"sort"
	"sync"

	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/batch"
	"github.com/sirupsen/logrus"
)

// A Stopper can kill a job it submitted. Backends implement this.
type Stopper interface {
	Name() string
	StopJob(ctx context.Context, job batch.JobHandle) error
}

// Registry is a set of in-flight remote jobs, keyed by job id.
type Registry struct {
	logger  logrus.FieldLogger
	mtx     sync.Mutex
	entries map[batch.JobHandle]Stopper
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry(logger logrus.FieldLogger) *Registry {
	return &Registry{
		logger:  logger,
		entries: map[batch.JobHandle]Stopper{},
	}
}

// Add records that job was submitted via stopper. Adding a job that
// is already present, or adding after Close, does nothing.
func (r *Registry) Add(stopper Stopper, job batch.JobHandle) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.closed {
		r.logger.WithField("JobID", job).Warn("emergency registry is closed, not tracking job")
		return
	}
	if _, ok := r.entries[job]; ok {
		return
	}
	r.entries[job] = stopper
}

// Remove forgets job. Removing a job that is not present does
// nothing.
func (r *Registry) Remove(job batch.JobHandle) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.entries, job)
}

// Len returns the number of jobs currently tracked.
func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.entries)
}

// Handles returns the tracked job ids in sorted order.
func (r *Registry) Handles() []batch.JobHandle {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	handles := make([]batch.JobHandle, 0, len(r.entries))
	for job := range r.entries {
		handles = append(handles, job)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// StopAll empties the registry and stops every job that was in it,
// concurrently. Failures are logged. StopAll returns when all stop
// requests have returned or ctx is done.
func (r *Registry) StopAll(ctx context.Context) {
	r.mtx.Lock()
	entries := r.entries
	r.entries = map[batch.JobHandle]Stopper{}
	r.mtx.Unlock()

	if len(entries) == 0 {
		return
	}
	r.logger.Infof("stopping %d remote jobs", len(entries))
	var wg sync.WaitGroup
	for job, stopper := range entries {
		job, stopper := job, stopper
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger := r.logger.WithFields(logrus.Fields{
				"Backend": stopper.Name(),
				"JobID":   job,
			})
			err := stopper.StopJob(ctx, job)
			if err != nil {
				logger.WithError(err).Warn("emergency stop failed")
				return
			}
			logger.Info("emergency stop succeeded")
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.WithError(ctx.Err()).Warn("gave up waiting for emergency stop requests")
	}
}

// Close ends the registry's lifecycle. Jobs still tracked are
// forgotten (with a warning) and later calls to Add are ignored.
func (r *Registry) Close() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if n := len(r.entries); n > 0 {
		r.logger.Warnf("emergency registry closed with %d jobs still tracked", n)
	}
	r.entries = map[batch.JobHandle]Stopper{}
	r.closed = true
}
