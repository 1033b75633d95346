// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package backend submits, polls, and stops jobs on external batch
// schedulers (SLURM, PBS Pro, TORQUE, HTCondor, or the local host) by
// running a per-scheduler wrapper script.
//
// The wrapper script protocol is:
//
//	script start          # job parameters in env; prints job id
//	script status JOBID   # prints WAITING, RUNNING, UNKNOWN, or "COMPLETE n"
//	script stop JOBID     # exit 0 if the job was removed
//	script cleanup JOBID  # optional
package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/batch"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
)

// Backend is a batch scheduler that can run one task per job.
type Backend interface {
	Name() string
	SubmitJob(ctx context.Context, job Job) (batch.JobHandle, error)
	StatusJob(ctx context.Context, job batch.JobHandle) (batch.Status, error)
	StopJob(ctx context.Context, job batch.JobHandle) error
	CleanupJob(ctx context.Context, job batch.JobHandle) error
}

// Job describes what to submit.
type Job struct {
	Name    string
	Command []string
	WorkDir string
	TaskID  int

	// Zero means "no requirement". Memory is passed to the
	// wrapper script rounded up to whole GiB.
	Memory task.ByteSize
	Procs  int
}

// ConfigError means the backend cannot work with its current
// configuration, e.g., the wrapper script is missing. Retrying will
// not help.
type ConfigError struct {
	Backend string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("backend %s: configuration error: %s", e.Backend, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError returns true if err is (or wraps) a *ConfigError.
func IsConfigError(err error) bool {
	var cerr *ConfigError
	return errors.As(err, &cerr)
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok && len(err.Stderr) > 0 {
		return fmt.Errorf("%w (%q)", err, err.Stderr)
	}
	return err
}
