// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package task describes one unit of workflow work (a Task), its
// outcome (a Result), and the per-task files the dispatcher and the
// remote worker use to hand them to each other.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Task is the serialized context of one unit of work. It is written
// to the task directory before submission and read back by the
// remote worker.
type Task struct {
	ID     int    `json:"id"`
	StepID string `json:"step_id"`

	// Command is the argv the remote worker executes.
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`

	// WorkDir holds this task's artifact files. It is also the
	// working directory of Command.
	WorkDir string `json:"work_dir"`

	RequiredMemory     ByteSize `json:"required_memory,omitempty"`
	RequiredProcessors int      `json:"required_processors,omitempty"`

	// Outputs lists the files (relative to WorkDir) the step is
	// expected to produce.
	Outputs []string `json:"outputs,omitempty"`
}

// Validate returns an error if the task cannot be dispatched.
func (t Task) Validate() error {
	switch {
	case t.ID < 0:
		return fmt.Errorf("invalid task id %d", t.ID)
	case len(t.Command) == 0:
		return fmt.Errorf("task #%d has no command", t.ID)
	case t.WorkDir == "":
		return fmt.Errorf("task #%d has no working directory", t.ID)
	case t.RequiredMemory < 0:
		return fmt.Errorf("task #%d has negative memory requirement", t.ID)
	case t.RequiredProcessors < 0:
		return fmt.Errorf("task #%d has negative processor requirement", t.ID)
	}
	return nil
}

// Result is the outcome of a task: decoded from the worker's result
// file, or synthesized locally when submission, polling, or loading
// fails.
type Result struct {
	TaskID     int       `json:"task_id"`
	StepID     string    `json:"step_id"`
	JobID      string    `json:"job_id,omitempty"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	Log        string    `json:"log,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Outputs is filled in from the output-data file on the
	// dispatcher side.
	Outputs *OutputData `json:"outputs,omitempty"`
}

// Err returns nil for a successful result, otherwise an error
// carrying the failure text.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("task #%d failed", r.TaskID)
	}
	return errors.New(r.Error)
}

// Failure returns a failed result for t, reporting err.
func Failure(t Task, err error) Result {
	now := time.Now()
	if err == nil {
		err = errors.New("unknown error")
	}
	return Result{
		TaskID:     t.ID,
		StepID:     t.StepID,
		Success:    false,
		ExitCode:   -1,
		Error:      err.Error(),
		StartedAt:  now,
		FinishedAt: now,
	}
}

// OutputData lists the output files a worker actually produced.
type OutputData struct {
	Files []OutputFile `json:"files"`
}

type OutputFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}
