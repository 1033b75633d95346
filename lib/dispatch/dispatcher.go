// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch runs tasks as remote batch jobs: one runner
// goroutine per task submits the job, polls it until it completes,
// and reports the task's result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"git.clusterdispatch.org/clusterdispatch.git/lib/arbiter"
	"git.clusterdispatch.org/clusterdispatch.git/lib/backend"
	"git.clusterdispatch.org/clusterdispatch.git/lib/config"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/ctxlog"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("dispatcher is stopped")

// Dispatcher submits tasks to a backend and reports their results
// to a Collector.
type Dispatcher struct {
	Backend backend.Backend

	// Status queries from all runners take turns here. If nil, a
	// new Arbiter is created with Config.PollInterval.
	Arbiter *arbiter.Arbiter

	Collector Collector
	Config    config.SchedulerConfig
	Logger    logrus.FieldLogger

	// Metrics registry. If nil, metrics are not exported.
	Registry *prometheus.Registry

	// Memory requested for tasks without a requirement of their
	// own. If zero, Config.DefaultMemory is used.
	DefaultMemory task.ByteSize

	setupOnce sync.Once
	launcher  []string
	launchErr error
	metrics   *metrics

	mtx     sync.Mutex
	runners map[int]*runner
	stopped bool
	wg      sync.WaitGroup
}

func (disp *Dispatcher) setup() {
	if disp.Logger == nil {
		disp.Logger = logrus.StandardLogger()
	}
	if disp.Arbiter == nil {
		disp.Arbiter = arbiter.New(disp.Config.PollInterval.Duration(), disp.Registry)
	}
	if disp.Collector == nil {
		disp.Collector = CollectorFunc(func(task.Result) {})
	}
	disp.runners = map[int]*runner{}
	disp.metrics = newMetrics(disp.Registry, disp.Active)

	argv, err := shlex.Split(disp.Config.LauncherCommand)
	if err == nil && len(argv) == 0 {
		err = errors.New("empty command")
	}
	if err != nil {
		disp.launchErr = fmt.Errorf("invalid Scheduler.LauncherCommand %q: %w", disp.Config.LauncherCommand, err)
		return
	}
	disp.launcher = append(argv, disp.Config.LauncherArguments...)
}

// Submit starts a runner for t and returns without waiting for the
// task to finish. The result is passed to the Collector later.
func (disp *Dispatcher) Submit(t task.Task) error {
	disp.setupOnce.Do(disp.setup)
	if err := t.Validate(); err != nil {
		return err
	}
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if disp.stopped {
		return ErrStopped
	}
	if _, ok := disp.runners[t.ID]; ok {
		return fmt.Errorf("task #%d is already running", t.ID)
	}
	logger := disp.Logger.WithFields(logrus.Fields{
		"TaskID": t.ID,
		"StepID": t.StepID,
	})
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	r := &runner{
		disp:   disp,
		task:   t,
		files:  task.FilesFor(t),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	disp.runners[t.ID] = r
	disp.metrics.submitted.Inc()
	disp.wg.Add(1)
	go func() {
		defer disp.wg.Done()
		r.run()
	}()
	logger.Debug("task submitted")
	return nil
}

// Stop cancels every active task and asks the backend to stop their
// jobs. It returns when all stop requests have returned. Subsequent
// calls to Submit fail with ErrStopped.
func (disp *Dispatcher) Stop() {
	disp.setupOnce.Do(disp.setup)
	disp.mtx.Lock()
	disp.stopped = true
	var todo []*runner
	for _, r := range disp.runners {
		todo = append(todo, r)
	}
	disp.runners = map[int]*runner{}
	disp.mtx.Unlock()

	if len(todo) > 0 {
		disp.Logger.Infof("stopping %d active tasks", len(todo))
	}
	var wg sync.WaitGroup
	for _, r := range todo {
		wg.Add(1)
		go func(r *runner) {
			defer wg.Done()
			r.stop()
		}(r)
	}
	wg.Wait()
}

// Wait blocks until every runner has reported its result.
func (disp *Dispatcher) Wait() {
	disp.wg.Wait()
}

// Active returns the number of tasks that have been submitted and
// not yet finished or stopped.
func (disp *Dispatcher) Active() int {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	return len(disp.runners)
}

func (disp *Dispatcher) forget(r *runner) {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if disp.runners[r.task.ID] == r {
		delete(disp.runners, r.task.ID)
	}
}

func (disp *Dispatcher) collect(result task.Result, outcome string) {
	disp.metrics.finished.WithLabelValues(outcome).Inc()
	disp.Collector.Collect(result)
}

// remoteCommand returns the command line that runs the worker for
// the task context at contextPath.
func (disp *Dispatcher) remoteCommand(contextPath, workdir string) ([]string, error) {
	if disp.launchErr != nil {
		return nil, disp.launchErr
	}
	level := disp.Config.WorkerLogLevel
	if level == "" {
		level = "info"
	}
	argv := append([]string(nil), disp.launcher...)
	return append(argv,
		"execute-task",
		"-log-level="+level,
		"-workdir="+workdir,
		contextPath), nil
}

func (disp *Dispatcher) memoryFor(t task.Task) task.ByteSize {
	switch {
	case t.RequiredMemory > 0:
		return t.RequiredMemory
	case disp.DefaultMemory > 0:
		return disp.DefaultMemory
	default:
		return disp.Config.DefaultMemory
	}
}
