// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.clusterdispatch.org/clusterdispatch.git/lib/backend"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/batch"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/ctxlog"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

var errCancelled = errors.New("task cancelled")

// A runner owns the lifecycle of one task and the one remote job
// that runs it.
type runner struct {
	disp   *Dispatcher
	task   task.Task
	files  task.Files
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	mtx        sync.Mutex
	job        batch.JobHandle
	state      batch.Status
	stopping   bool
	stopIssued bool
}

func (r *runner) requester() string {
	return fmt.Sprintf("task #%d", r.task.ID)
}

// run executes the task and reports exactly one result to the
// collector, whatever happens.
func (r *runner) run() {
	started := time.Now()
	var result *task.Result
	defer func() {
		if p := recover(); p != nil {
			r.jobLogger().WithField("Panic", p).Error("panic in task runner")
			res := task.Failure(r.task, fmt.Errorf("panic: %v", p))
			result = &res
		}
		if result == nil {
			res := task.Failure(r.task, errors.New("internal error: result is null"))
			result = &res
		}
		r.finish(result, started)
	}()
	res, err := r.execute()
	if err != nil {
		if r.ctx.Err() != nil && !errors.Is(err, errCancelled) {
			if errors.Is(err, context.Canceled) {
				err = errCancelled
			} else {
				err = fmt.Errorf("%w: %v", errCancelled, err)
			}
		}
		r.abandon()
		res = task.Failure(r.task, err)
	}
	result = &res
}

func (r *runner) finish(result *task.Result, started time.Time) {
	if result.JobID == "" {
		result.JobID = string(r.jobHandle())
	}
	if !result.Success {
		result.StartedAt = started
		result.FinishedAt = time.Now()
	}
	logger := r.jobLogger()
	outcome := "success"
	if !result.Success {
		outcome = "failure"
		if r.ctx.Err() != nil {
			outcome = "cancelled"
		}
		logger.WithField("Error", result.Error).Warn("task failed")
	} else {
		logger.Info("task succeeded")
	}
	r.disp.collect(*result, outcome)
	r.disp.forget(r)
	r.cleanup()
	r.cancel()
}

func (r *runner) execute() (task.Result, error) {
	err := r.files.WriteTask(r.task)
	if err != nil {
		return task.Result{}, fmt.Errorf("writing task context: %w", err)
	}
	argv, err := r.disp.remoteCommand(r.files.ContextPath(), r.task.WorkDir)
	if err != nil {
		return task.Result{}, err
	}
	name := r.task.StepID
	if name == "" {
		name = "task"
	}
	job := backend.Job{
		Name:    fmt.Sprintf("%s-%d", name, r.task.ID),
		Command: argv,
		WorkDir: r.task.WorkDir,
		TaskID:  r.task.ID,
		Memory:  r.disp.memoryFor(r.task),
		Procs:   r.task.RequiredProcessors,
	}
	handle, err := r.submit(job)
	if err != nil {
		return task.Result{}, err
	}
	if !r.setJob(handle) {
		// stop() was called while we were submitting
		r.stopOnce()
		return task.Result{}, errCancelled
	}
	err = r.files.WriteJobID(string(handle))
	if err != nil {
		return task.Result{}, fmt.Errorf("writing job id file: %w", err)
	}

	st, err := r.poll(handle)
	if err != nil {
		return task.Result{}, err
	}
	if st.ExitCode != 0 {
		return task.Result{}, fmt.Errorf("invalid task exit code %d for task #%d (step %q, job %s)", st.ExitCode, r.task.ID, r.task.StepID, handle)
	}
	return r.loadResult(handle)
}

// submit submits the job. Cancelling the runner does not interrupt
// it: once the batch system accepts a job we need its id to stop it.
func (r *runner) submit(job backend.Job) (batch.JobHandle, error) {
	ctx := context.WithoutCancel(r.ctx)
	if d := r.disp.Config.SubmitTimeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return r.disp.Backend.SubmitJob(ctx, job)
}

// poll queries the job status, taking turns with other tasks, until
// the job is complete.
func (r *runner) poll(handle batch.JobHandle) (batch.Status, error) {
	for {
		release, err := r.disp.Arbiter.WaitTurn(r.ctx, r.requester())
		if err != nil {
			return batch.Status{}, err
		}
		st, err := r.disp.Backend.StatusJob(r.ctx, handle)
		release()
		if err != nil {
			return batch.Status{}, err
		}
		if r.setState(st) {
			r.jobLogger().WithField("State", st.String()).Debug("job state changed")
		}
		if st.Done() {
			return st, nil
		}
	}
}

func (r *runner) loadResult(handle batch.JobHandle) (task.Result, error) {
	ok, err := r.files.DoneExists()
	if err != nil {
		return task.Result{}, fmt.Errorf("checking done marker: %w", err)
	}
	if !ok && r.disp.Config.DoneMarkerGrace > 0 {
		ok, err = waitForFile(r.ctx, r.files.DonePath(), r.disp.Config.DoneMarkerGrace.Duration())
		if err != nil {
			return task.Result{}, fmt.Errorf("waiting for done marker: %w", err)
		}
	}
	if !ok {
		return task.Result{}, fmt.Errorf("done marker %s not found: job %s for task #%d (step %q) reported success but the worker did not finish writing its results", r.files.DonePath(), handle, r.task.ID, r.task.StepID)
	}
	data, err := r.files.ReadOutputData()
	if err != nil {
		return task.Result{}, fmt.Errorf("reading output data: %w", err)
	}
	result, err := r.files.ReadResult()
	if err != nil {
		return task.Result{}, fmt.Errorf("reading result: %w", err)
	}
	result.Outputs = &data
	result.JobID = string(handle)
	return result, nil
}

// stop cancels the runner and asks the backend to kill its job. It
// returns when the kill request has returned, not when the runner
// has finished.
func (r *runner) stop() {
	r.mtx.Lock()
	r.stopping = true
	r.mtx.Unlock()
	r.cancel()
	r.stopOnce()
}

// abandon kills the job after a failure that leaves it in an unknown
// state, so it does not keep running with nobody waiting for it.
func (r *runner) abandon() {
	r.mtx.Lock()
	done := r.state.Done()
	r.mtx.Unlock()
	if !done {
		r.stopOnce()
	}
}

// stopOnce issues StopJob, unless there is no job yet or StopJob was
// already issued.
func (r *runner) stopOnce() {
	r.mtx.Lock()
	job := r.job
	if job == "" || r.stopIssued {
		r.mtx.Unlock()
		return
	}
	r.stopIssued = true
	r.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.disp.Config.StopTimeout.Duration())
	defer cancel()
	logger := r.logger.WithField("JobID", job)
	err := r.disp.Backend.StopJob(ctx, job)
	if err != nil {
		logger.WithError(err).Warn("error stopping job")
		return
	}
	logger.Info("stop requested")
}

// setJob records the job handle. It returns false if stop() has
// already been called.
func (r *runner) setJob(job batch.JobHandle) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.job = job
	return !r.stopping
}

func (r *runner) jobLogger() logrus.FieldLogger {
	if job := r.jobHandle(); job != "" {
		return r.logger.WithField("JobID", job)
	}
	return r.logger
}

func (r *runner) jobHandle() batch.JobHandle {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.job
}

// setState records the latest status and returns true if it
// changed.
func (r *runner) setState(st batch.Status) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	changed := r.state != st
	r.state = st
	return changed
}

func (r *runner) cleanup() {
	job := r.jobHandle()
	if job == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.disp.Config.StopTimeout.Duration())
	defer cancel()
	err := r.disp.Backend.CleanupJob(ctx, job)
	if err != nil {
		r.logger.WithField("JobID", job).WithError(err).Warn("error cleaning up job")
	}
}

// waitForFile waits up to timeout for path to exist. Events from the
// parent directory wake it up early; it also checks periodically,
// because network filesystems don't always deliver events for
// changes made on other hosts.
func waitForFile(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer watcher.Close()
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		return false, err
	}
	exists := func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
	if exists() {
		return true, nil
	}
	logger := ctxlog.FromContext(ctx).WithField("Path", path)
	logger.Debugf("waiting up to %s for file to appear", timeout)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return exists(), nil
		case <-ticker.C:
			if exists() {
				return true, nil
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return exists(), nil
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) && exists() {
				return true, nil
			}
		case err, ok := <-watcher.Errors:
			if ok {
				logger.WithError(err).Warn("filesystem watcher error")
			}
		}
	}
}
