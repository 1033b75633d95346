// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/ctxlog"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

// Return a new Loader that reads config from configdata (instead of
// the usual default /etc/clusterdispatch/config.yml), and logs to
// logdst or (if that's nil) c.Log.
func testLoader(c *check.C, configdata string, logdst io.Writer) *Loader {
	logger := ctxlog.TestLogger(c)
	if logdst != nil {
		lgr := logrus.New()
		lgr.Out = logdst
		logger = lgr
	}
	ldr := NewLoader(bytes.NewBufferString(configdata), logger)
	ldr.Path = "-"
	return ldr
}

type LoadSuite struct{}

func (s *LoadSuite) TestEmpty(c *check.C) {
	cfg, err := testLoader(c, "", nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Scheduler.Backend, check.Equals, "dummy")
	c.Check(cfg.Scheduler.DefaultMemory, check.Equals, 2*task.GiB)
	c.Check(cfg.Scheduler.PollInterval.Duration(), check.Equals, time.Second)
	c.Check(cfg.Scheduler.StatusRetryDelay.Duration(), check.Equals, 5*time.Second)
	c.Check(cfg.Scheduler.StatusMaxAttempts, check.Equals, 3)
	c.Check(cfg.Scheduler.StopTimeout.Duration(), check.Equals, time.Minute)
	c.Check(cfg.Scheduler.SubmitTimeout.Duration(), check.Equals, 5*time.Minute)
	c.Check(cfg.Scheduler.LauncherCommand, check.Equals, "clusterdispatch")
	for _, name := range []string{"slurm", "pbspro", "torque", "htcondor", "dummy"} {
		_, err := cfg.Backend(name)
		c.Check(err, check.IsNil, check.Commentf("%s", name))
	}
	_, err = cfg.Backend("*")
	c.Check(err, check.NotNil)
}

func (s *LoadSuite) TestOverrides(c *check.C) {
	cfg, err := testLoader(c, `
Scheduler:
  Backend: slurm
  DefaultMemory: 8GiB
  PollInterval: 250ms
  StatusRetryDelay: 2
Backends:
  "*":
    Cleanup: true
    Env:
      SITE: example
  slurm:
    Partition: long
    Env:
      SBATCH_QOS: high
  torque:
    Queue: batch
`, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Scheduler.Backend, check.Equals, "slurm")
	c.Check(cfg.Scheduler.DefaultMemory, check.Equals, 8*task.GiB)
	c.Check(cfg.Scheduler.PollInterval.Duration(), check.Equals, 250*time.Millisecond)
	c.Check(cfg.Scheduler.StatusRetryDelay.Duration(), check.Equals, 2*time.Second)

	slurm, err := cfg.Backend("slurm")
	c.Assert(err, check.IsNil)
	c.Check(slurm.Partition, check.Equals, "long")
	c.Check(slurm.Cleanup, check.Equals, true)
	c.Check(slurm.Env["SBATCH_QOS"], check.Equals, "high")
	c.Check(slurm.Env["SITE"], check.Equals, "example")

	torque, err := cfg.Backend("torque")
	c.Assert(err, check.IsNil)
	c.Check(torque.Queue, check.Equals, "batch")
	c.Check(torque.Cleanup, check.Equals, true)
	c.Check(torque.Env["SITE"], check.Equals, "example")
}

func (s *LoadSuite) TestUnknownKeys(c *check.C) {
	var logbuf bytes.Buffer
	_, err := testLoader(c, `
Scheduler:
  PollIntreval: 2s
Backends:
  slurm:
    Partishun: x
    Env:
      ANYTHING: goes
Bogus: true
`, &logbuf).Load()
	c.Assert(err, check.IsNil)
	c.Check(logbuf.String(), check.Matches, `(?ms).*unknown config entry: Backends.slurm.Partishun.*`)
	c.Check(logbuf.String(), check.Matches, `(?ms).*unknown config entry: Bogus.*`)
	c.Check(logbuf.String(), check.Matches, `(?ms).*unknown config entry: Scheduler.PollIntreval.*`)
	c.Check(logbuf.String(), check.Not(check.Matches), `(?ms).*ANYTHING.*`)
}

func (s *LoadSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		yaml string
		err  string
	}{
		{`Scheduler: {Backend: lsf}`, `Scheduler.Backend: no configuration for backend "lsf"`},
		{`Scheduler: {PollInterval: 0s}`, `Scheduler.PollInterval must be positive.*`},
		{`Scheduler: {StatusMaxAttempts: 0}`, `Scheduler.StatusMaxAttempts must be at least 1.*`},
		{`Scheduler: {MaxConcurrentWrapperCalls: 0}`, `Scheduler.MaxConcurrentWrapperCalls must be at least 1.*`},
		{`Scheduler: {LauncherCommand: ""}`, `Scheduler.LauncherCommand is empty`},
		{`Scheduler: {StopTimeout: 0s}`, `Scheduler.StopTimeout must be positive, got 0s`},
		{`Scheduler: {StopTimeout: -1s}`, `Scheduler.StopTimeout must be positive, got -1s`},
		{`Scheduler: {SubmitTimeout: 0s}`, `Scheduler.SubmitTimeout must be positive, got 0s`},
		{`Scheduler: {PollInterval: soon}`, `loading config: .*`},
	} {
		_, err := testLoader(c, trial.yaml, nil).Load()
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%s", trial.yaml))
	}
}

func (s *LoadSuite) TestMissingDefaultFile(c *check.C) {
	ldr := NewLoader(nil, ctxlog.TestLogger(c))
	ldr.Path = filepath.Join(c.MkDir(), "config.yml")
	_, err := ldr.Load()
	c.Check(os.IsNotExist(err), check.Equals, true)

	defer func(orig string) { DefaultConfigFile = orig }(DefaultConfigFile)
	DefaultConfigFile = ldr.Path
	cfg, err := ldr.Load()
	c.Check(err, check.IsNil)
	c.Check(cfg.Scheduler.Backend, check.Equals, "dummy")
}

func (s *LoadSuite) TestBackendName(c *check.C) {
	cfg, err := testLoader(c, "", nil).Load()
	c.Assert(err, check.IsNil)
	name, err := cfg.BackendName("")
	c.Check(err, check.IsNil)
	c.Check(name, check.Equals, "dummy")
	name, err = cfg.BackendName("htcondor")
	c.Check(err, check.IsNil)
	c.Check(name, check.Equals, "htcondor")
	_, err = cfg.BackendName("sge")
	c.Check(err, check.ErrorMatches, `no configuration for backend "sge"`)
}

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("clusterdispatch config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments.*`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Scheduler:
  Backend: pbspro
  UnknownKey: foobar
ManagementToken: secret
`
	code := DumpCommand.RunCommand("clusterdispatch config-dump", []string{"-config=-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n  Backend: pbspro\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*Scheduler.UnknownKey.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("clusterdispatch config-check", []string{"-config=-"}, bytes.NewBufferString("Scheduler: {Backend: slurm}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")

	stderr.Reset()
	code = CheckCommand.RunCommand("clusterdispatch config-check", []string{"-config=-"}, bytes.NewBufferString("Schedular: {}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Equals, "deprecated or unknown config entry: Schedular\n")
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("clusterdispatch config-defaults", nil, nil, &stdout, io.Discard)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
