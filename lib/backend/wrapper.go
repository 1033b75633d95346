// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"git.clusterdispatch.org/clusterdispatch.git/lib/config"
	"git.clusterdispatch.org/clusterdispatch.git/lib/emergency"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/batch"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// WrapperBackend implements Backend by running a wrapper script. All
// supported batch systems share it; a Variant supplies the
// differences.
type WrapperBackend struct {
	variant  Variant
	sched    config.SchedulerConfig
	settings config.BackendConfig
	registry *emergency.Registry
	logger   logrus.FieldLogger

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running the wrapper script.
	stubCommand func(ctx context.Context, prog string, args ...string) *exec.Cmd

	script    string
	tempDir   string
	semaphore chan struct{}
	finished  *lru.TwoQueueCache

	mWrapperSeconds *prometheus.HistogramVec
}

// New returns a backend for the given variant. Call Configure before
// using it.
//
// Submitted jobs are added to registry until they complete or are
// stopped. If mreg is nil, metrics are not exported.
//
// Settings for the variant are taken from cfg.Backends[variant.Name]
// if present.
func New(variant Variant, cfg *config.Config, registry *emergency.Registry, logger logrus.FieldLogger, mreg *prometheus.Registry) *WrapperBackend {
	settings, _ := cfg.Backend(variant.Name)
	if registry == nil {
		registry = emergency.NewRegistry(logger)
	}
	wb := &WrapperBackend{
		variant:  variant,
		sched:    cfg.Scheduler,
		settings: settings,
		registry: registry,
		logger:   logger.WithField("Backend", variant.Name),
	}
	n := wb.sched.MaxConcurrentWrapperCalls
	if n < 1 {
		n = 1
	}
	wb.semaphore = make(chan struct{}, n)
	size := wb.sched.FinishedJobCacheSize
	if size < 1 {
		size = 1
	}
	wb.finished, _ = lru.New2Q(size)
	wb.registerMetrics(mreg)
	return wb
}

// NewFromConfig looks up the named variant, and returns a configured
// backend.
func NewFromConfig(name string, cfg *config.Config, registry *emergency.Registry, logger logrus.FieldLogger, mreg *prometheus.Registry) (*WrapperBackend, error) {
	variant, ok := Lookup(name)
	if !ok {
		return nil, &ConfigError{Backend: name, Err: fmt.Errorf("unsupported backend (supported: %s)", strings.Join(Names(), ", "))}
	}
	if _, err := cfg.Backend(name); err != nil {
		return nil, &ConfigError{Backend: name, Err: err}
	}
	wb := New(variant, cfg, registry, logger, mreg)
	err := wb.Configure()
	if err != nil {
		return nil, err
	}
	return wb, nil
}

func (wb *WrapperBackend) Name() string {
	return wb.variant.Name
}

// Script returns the path of the wrapper script in use.
func (wb *WrapperBackend) Script() string {
	return wb.script
}

// Configure locates the wrapper script, installing the built-in one
// if none is configured, and checks that it is executable.
func (wb *WrapperBackend) Configure() error {
	path := wb.settings.WrapperScript
	if path == "" {
		dir := wb.sched.ScriptDir
		if dir == "" {
			tmp, err := os.MkdirTemp("", "clusterdispatch-scripts-")
			if err != nil {
				return &ConfigError{Backend: wb.Name(), Err: err}
			}
			wb.tempDir = tmp
			dir = tmp
		}
		var err error
		path, err = installScript(wb.variant, dir)
		if err != nil {
			return &ConfigError{Backend: wb.Name(), Err: err}
		}
	}
	fi, err := os.Stat(path)
	if err != nil {
		return &ConfigError{Backend: wb.Name(), Err: fmt.Errorf("wrapper script: %w", err)}
	}
	if fi.IsDir() || fi.Mode().Perm()&0111 == 0 {
		return &ConfigError{Backend: wb.Name(), Err: fmt.Errorf("wrapper script %s is not executable", path)}
	}
	wb.script = path
	wb.logger.WithField("WrapperScript", path).Debug("configured")
	return nil
}

// Close removes the wrapper script, if Configure installed it in a
// temporary directory.
func (wb *WrapperBackend) Close() error {
	if wb.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(wb.tempDir)
	wb.tempDir = ""
	return err
}

// SubmitJob runs "script start". The first line of its output is the
// job id.
func (wb *WrapperBackend) SubmitJob(ctx context.Context, job Job) (batch.JobHandle, error) {
	out, err := wb.run(ctx, "start", wb.submitEnv(job))
	if err != nil {
		return "", fmt.Errorf("submission failed: %w", err)
	}
	id := firstLine(out)
	if id == "" {
		return "", fmt.Errorf("submission failed: %s start did not print a job id", wb.script)
	}
	handle := batch.JobHandle(id)
	wb.registry.Add(wb, handle)
	wb.logger.WithFields(logrus.Fields{
		"TaskID": job.TaskID,
		"JobID":  handle,
	}).Info("submitted")
	return handle, nil
}

// StatusJob runs "script status JOBID". Blank output and wrapper
// failures are retried after Scheduler.StatusRetryDelay, up to
// Scheduler.StatusMaxAttempts attempts in total.
func (wb *WrapperBackend) StatusJob(ctx context.Context, job batch.JobHandle) (batch.Status, error) {
	if st, ok := wb.finished.Get(job); ok {
		return st.(batch.Status), nil
	}
	unknown := batch.Status{State: batch.Unknown}
	maxAttempts := wb.sched.StatusMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	logger := wb.logger.WithField("JobID", job)
	for attempt := 1; ; attempt++ {
		st, err := wb.status(ctx, job)
		if err == nil {
			if st.Done() {
				wb.registry.Remove(job)
				wb.finished.Add(job, st)
			}
			return st, nil
		}
		if ctx.Err() != nil {
			return unknown, ctx.Err()
		}
		if !isTransient(err) {
			return unknown, fmt.Errorf("status of job %s: %w", job, err)
		}
		if attempt >= maxAttempts {
			return unknown, fmt.Errorf("status of job %s failed after %d attempts: %w", job, attempt, err)
		}
		logger.WithError(err).Warnf("status attempt %d/%d failed, retrying in %s", attempt, maxAttempts, wb.sched.StatusRetryDelay)
		select {
		case <-ctx.Done():
			return unknown, ctx.Err()
		case <-time.After(wb.sched.StatusRetryDelay.Duration()):
		}
	}
}

func (wb *WrapperBackend) status(ctx context.Context, job batch.JobHandle) (batch.Status, error) {
	out, err := wb.run(ctx, "status", nil, string(job))
	if err != nil {
		return batch.Status{State: batch.Unknown}, err
	}
	return batch.ParseStatus(firstLine(out))
}

// isTransient returns true for blank status output and for a wrapper
// script that exited non-zero.
func isTransient(err error) bool {
	var exiterr *exec.ExitError
	return batch.IsRetryable(err) || errors.As(err, &exiterr)
}

// StopJob runs "script stop JOBID", unless the job is already known
// to be complete.
func (wb *WrapperBackend) StopJob(ctx context.Context, job batch.JobHandle) error {
	logger := wb.logger.WithField("JobID", job)
	if _, ok := wb.finished.Get(job); ok {
		logger.Debug("job already complete, not stopping")
		wb.registry.Remove(job)
		return nil
	}
	_, err := wb.run(ctx, "stop", nil, string(job))
	if err != nil {
		return fmt.Errorf("stop job %s: %w", job, err)
	}
	wb.registry.Remove(job)
	logger.Info("stopped")
	return nil
}

// CleanupJob runs "script cleanup JOBID" if the backend is configured
// with Cleanup: true.
func (wb *WrapperBackend) CleanupJob(ctx context.Context, job batch.JobHandle) error {
	if !wb.settings.Cleanup {
		return nil
	}
	_, err := wb.run(ctx, "cleanup", nil, string(job))
	if err != nil {
		return fmt.Errorf("cleanup job %s: %w", job, err)
	}
	return nil
}

func (wb *WrapperBackend) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := wb.stubCommand; f != nil {
		return f(ctx, prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// run invokes the wrapper script with the given action and args, and
// returns its stdout. If env is nil, the base environment is used.
func (wb *WrapperBackend) run(ctx context.Context, action string, env []string, args ...string) ([]byte, error) {
	if wb.script == "" {
		return nil, &ConfigError{Backend: wb.Name(), Err: errors.New("wrapper script not configured")}
	}
	select {
	case wb.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-wb.semaphore }()

	if env == nil {
		env = wb.baseEnv(nil)
	}
	cmd := wb.command(ctx, wb.script, append([]string{action}, args...)...)
	cmd.Env = env
	t0 := time.Now()
	out, err := cmd.Output()
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	wb.mWrapperSeconds.WithLabelValues(wb.Name(), action, outcome).Observe(time.Since(t0).Seconds())
	wb.logger.WithFields(logrus.Fields{
		"Action": action,
		"Args":   args,
		"stdout": string(out),
	}).Debug("wrapper script finished")
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", wb.script, action, errWithStderr(err))
	}
	return out, nil
}

func (wb *WrapperBackend) submitEnv(job Job) []string {
	vars := map[string]string{
		"NAME":    job.Name,
		"COMMAND": shellQuote(job.Command),
		"JOBDIR":  job.WorkDir,
		"TASKID":  fmt.Sprintf("%d", job.TaskID),
	}
	if job.Memory > 0 {
		vars["MEMORY"] = fmt.Sprintf("%d", job.Memory.CeilGiB())
	}
	if job.Procs > 0 {
		vars["PROCS"] = fmt.Sprintf("%d", job.Procs)
	}
	if f := wb.variant.ExtraEnv; f != nil {
		for k, v := range f(wb.settings) {
			vars[k] = v
		}
	}
	return wb.baseEnv(vars)
}

// baseEnv returns our own environment without DISPLAY, plus the
// backend's configured Env, plus vars.
func (wb *WrapperBackend) baseEnv(vars map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "DISPLAY=") {
			env = append(env, kv)
		}
	}
	for _, m := range []map[string]string{wb.settings.Env, vars} {
		var keys []string
		for k := range m {
			if k != "DISPLAY" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+m[k])
		}
	}
	return env
}

// shellQuote returns a string that a POSIX shell parses back into
// args.
func shellQuote(args []string) string {
	var s []string
	for _, w := range args {
		s = append(s, `'`+strings.Replace(w, `'`, `'\''`, -1)+`'`)
	}
	return strings.Join(s, " ")
}

func firstLine(out []byte) string {
	line := string(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}
