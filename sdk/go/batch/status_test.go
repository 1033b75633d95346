// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"errors"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&StatusSuite{})

type StatusSuite struct{}

func (s *StatusSuite) TestParseStatus(c *check.C) {
	for _, trial := range []struct {
		line   string
		expect Status
	}{
		{"COMPLETE 0", Status{State: Complete, ExitCode: 0}},
		{"COMPLETE 137", Status{State: Complete, ExitCode: 137}},
		{"  COMPLETE   3  \n", Status{State: Complete, ExitCode: 3}},
		{"COMPLETE -1", Status{State: Complete, ExitCode: -1}},
		{"WAITING", Status{State: Waiting}},
		{"RUNNING", Status{State: Running}},
		{"UNKNOWN", Status{State: Unknown}},
		{"RUNNING node12", Status{State: Running}},
	} {
		c.Logf("%q", trial.line)
		st, err := ParseStatus(trial.line)
		c.Check(err, check.IsNil)
		c.Check(st, check.Equals, trial.expect)
		c.Check(st.Done(), check.Equals, trial.expect.State == Complete)
	}
}

func (s *StatusSuite) TestParseStatusErrors(c *check.C) {
	for _, line := range []string{"COMPLETE", "COMPLETE zero", "COMPLETE 1.5", "DONE 0", "complete 0", "FAILED"} {
		c.Logf("%q", line)
		_, err := ParseStatus(line)
		var perr *ProtocolError
		c.Check(errors.As(err, &perr), check.Equals, true)
		c.Check(IsRetryable(err), check.Equals, false)
	}
	for _, line := range []string{"", "   ", "\n"} {
		_, err := ParseStatus(line)
		c.Check(err, check.Equals, ErrBlankStatus)
		c.Check(IsRetryable(err), check.Equals, true)
	}
}

func (s *StatusSuite) TestString(c *check.C) {
	c.Check(Status{State: Complete, ExitCode: 2}.String(), check.Equals, "COMPLETE 2")
	c.Check(Status{State: Waiting}.String(), check.Equals, "WAITING")
	c.Check(JobHandle("1234.sched").String(), check.Equals, "1234.sched")
}
