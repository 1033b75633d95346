// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package batch defines the job identity and status values exchanged
// with external batch schedulers through their wrapper scripts.
package batch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// JobHandle is the opaque job id returned by a batch scheduler at
// submission time. It is the only key used to query, stop, or clean
// up a job.
type JobHandle string

func (h JobHandle) String() string {
	return string(h)
}

// State is the first token of a wrapper script's status line.
type State string

const (
	Waiting  State = "WAITING"
	Running  State = "RUNNING"
	Complete State = "COMPLETE"
	Unknown  State = "UNKNOWN"
)

var validStates = map[State]bool{
	Waiting:  true,
	Running:  true,
	Complete: true,
	Unknown:  true,
}

// Status is a job's most recently observed state. ExitCode is only
// meaningful when State is Complete.
type Status struct {
	State    State
	ExitCode int
}

// Done returns true if the job has reached its terminal state.
func (st Status) Done() bool {
	return st.State == Complete
}

func (st Status) String() string {
	if st.State == Complete {
		return fmt.Sprintf("%s %d", st.State, st.ExitCode)
	}
	return string(st.State)
}

// ErrBlankStatus is returned by ParseStatus when the status command
// printed nothing. Callers may retry.
var ErrBlankStatus = errors.New("empty status output")

// ProtocolError means the status command printed something that does
// not follow the wrapper script protocol. Retrying will not help.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid status line %q: %s", e.Line, e.Reason)
}

// ParseStatus parses a line of the form "WAITING", "RUNNING",
// "UNKNOWN", or "COMPLETE <exitcode>".
func ParseStatus(line string) (Status, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Status{State: Unknown}, ErrBlankStatus
	}
	state := State(fields[0])
	if !validStates[state] {
		return Status{State: Unknown}, &ProtocolError{Line: line, Reason: "unknown state " + fields[0]}
	}
	if state != Complete {
		return Status{State: state}, nil
	}
	if len(fields) < 2 {
		return Status{State: Unknown}, &ProtocolError{Line: line, Reason: "missing exit code"}
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return Status{State: Unknown}, &ProtocolError{Line: line, Reason: "exit code is not an integer"}
	}
	return Status{State: Complete, ExitCode: code}, nil
}

// IsRetryable returns true if err indicates a transient status
// failure (blank output) rather than a protocol violation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBlankStatus)
}
