// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"git.clusterdispatch.org/clusterdispatch.git/lib/cmdtest"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct {
	dir string
}

func (s *CommandSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
}

func (s *CommandSuite) writeFile(c *check.C, name, content string, mode os.FileMode) string {
	path := filepath.Join(s.dir, name)
	c.Assert(os.MkdirAll(filepath.Dir(path), 0755), check.IsNil)
	c.Assert(os.WriteFile(path, []byte(content), mode), check.IsNil)
	return path
}

func (s *CommandSuite) TestLoadTaskList(c *check.C) {
	path := s.writeFile(c, "tasks.yml", `
tasks:
  - id: 1
    step_id: align
    command: [sh, -c, "echo hi"]
    work_dir: work/1
    required_memory: 4GiB
    required_processors: 2
    env:
      FOO: bar
    outputs: [out.bam]
  - id: 2
    command: ["true"]
    work_dir: /abs/2
`, 0644)
	tasks, err := LoadTaskList(path)
	c.Assert(err, check.IsNil)
	c.Assert(tasks, check.HasLen, 2)
	c.Check(tasks[0].StepID, check.Equals, "align")
	c.Check(tasks[0].Command, check.DeepEquals, []string{"sh", "-c", "echo hi"})
	c.Check(tasks[0].WorkDir, check.Equals, filepath.Join(s.dir, "work", "1"))
	c.Check(tasks[0].RequiredMemory, check.Equals, 4*task.GiB)
	c.Check(tasks[0].RequiredProcessors, check.Equals, 2)
	c.Check(tasks[0].Env, check.DeepEquals, map[string]string{"FOO": "bar"})
	c.Check(tasks[0].Outputs, check.DeepEquals, []string{"out.bam"})
	c.Check(tasks[1].WorkDir, check.Equals, "/abs/2")

	path = s.writeFile(c, "dup.yml", "tasks: [{id: 1, command: [x], work_dir: a}, {id: 1, command: [y], work_dir: b}]\n", 0644)
	_, err = LoadTaskList(path)
	c.Check(err, check.ErrorMatches, `.*duplicate task id 1`)

	path = s.writeFile(c, "invalid.yml", "tasks: [{id: 3, work_dir: a}]\n", 0644)
	_, err = LoadTaskList(path)
	c.Check(err, check.ErrorMatches, `.*task #3 has no command`)
}

// configure writes a config file that runs tasks on the local host,
// with a launcher that stands in for the remote worker: it writes
// the artifact files of a task that succeeds unless its command is
// "false".
func (s *CommandSuite) configure(c *check.C) string {
	launcher := s.writeFile(c, "launcher.sh", `#!/bin/sh
for last; do :; done
prefix=${last%.context}
id=$(expr "${prefix##*task-}" + 0)
if grep -q '"false"' "$last"; then ok=false; else ok=true; fi
echo '{"files":[]}' >"$prefix.data"
echo '{"task_id":'$id',"success":'$ok',"exit_code":0}' >"$prefix.result"
touch "$prefix.done"
`, 0755)
	return s.writeFile(c, "config.yml", `
SystemLogs:
  LogLevel: debug
Scheduler:
  Backend: dummy
  PollInterval: 10ms
  LauncherCommand: `+launcher+`
  ScriptDir: `+filepath.Join(s.dir, "scripts")+`
Backends:
  dummy:
    Cleanup: true
    Env:
      DUMMY_STATE_DIR: `+filepath.Join(s.dir, "state")+`
`, 0644)
}

func (s *CommandSuite) TestRun(c *check.C) {
	cfgPath := s.configure(c)
	tasksPath := s.writeFile(c, "tasks.yml", `
tasks:
  - {id: 1, step_id: a, command: ["true"], work_dir: w1}
  - {id: 2, step_id: b, command: ["true"], work_dir: w2}
`, 0644)
	c.Assert(os.Mkdir(filepath.Join(s.dir, "w1"), 0755), check.IsNil)
	c.Assert(os.Mkdir(filepath.Join(s.dir, "w2"), 0755), check.IsNil)

	defer cmdtest.LeakCheck(c)()
	code, stdout, _ := cmdtest.Run(c, Command, "run", "-config", cfgPath, tasksPath)
	c.Check(code, check.Equals, 0)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	c.Assert(lines, check.HasLen, 2)
	seen := map[int]bool{}
	for _, line := range lines {
		var r task.Result
		c.Check(json.Unmarshal([]byte(line), &r), check.IsNil)
		c.Check(r.Success, check.Equals, true)
		c.Check(r.JobID, check.Matches, `job-.*`)
		seen[r.TaskID] = true
	}
	c.Check(seen, check.DeepEquals, map[int]bool{1: true, 2: true})
}

func (s *CommandSuite) TestRunFailure(c *check.C) {
	cfgPath := s.configure(c)
	tasksPath := s.writeFile(c, "tasks.yml", `
tasks:
  - {id: 1, command: ["true"], work_dir: w1}
  - {id: 2, command: ["false"], work_dir: w2}
`, 0644)
	c.Assert(os.Mkdir(filepath.Join(s.dir, "w1"), 0755), check.IsNil)
	c.Assert(os.Mkdir(filepath.Join(s.dir, "w2"), 0755), check.IsNil)

	code, stdout, stderr := cmdtest.Run(c, Command, "run", "-config", cfgPath, tasksPath)
	c.Check(code, check.Equals, 1)
	c.Check(strings.Count(stdout, "\n"), check.Equals, 2)
	c.Check(stderr, check.Matches, `(?ms).*Failed=1.*`)
}

func (s *CommandSuite) TestRunUsage(c *check.C) {
	code, _, stderr := cmdtest.Run(c, Command, "run")
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Matches, `usage: run .*tasks.yml\n`)

	code, _, stderr = cmdtest.Run(c, Command, "run", "-config", s.configure(c), "-backend", "nonexistent", s.writeFile(c, "t.yml", "tasks: []\n", 0644))
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?ms).*no configuration for backend \\"nonexistent\\".*`)
}

func (s *CommandSuite) TestStopJobs(c *check.C) {
	stub := s.writeFile(c, "wrapper.sh", `#!/bin/sh
echo "$1 $2" >>"`+filepath.Join(s.dir, "calls")+`"
[ "$2" != "fail" ]
`, 0755)
	cfgPath := s.writeFile(c, "config.yml", `
Scheduler:
  Backend: torque
Backends:
  torque:
    WrapperScript: `+stub+`
`, 0644)
	s.writeFile(c, "w/task-00000001.jobid", "123.server\n", 0644)
	s.writeFile(c, "w/task-00000002.jobid", "456.server\n", 0644)
	s.writeFile(c, "w/task-00000002.result", "{}", 0644)

	code, stdout, _ := cmdtest.Run(c, StopJobsCommand, "stop-jobs", "-config", cfgPath, filepath.Join(s.dir, "w"))
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "123.server\n456.server\n")
	buf, err := os.ReadFile(filepath.Join(s.dir, "calls"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "stop 123.server\nstop 456.server\n")

	s.writeFile(c, "x/task-00000003.jobid", "fail\n", 0644)
	code, stdout, _ = cmdtest.Run(c, StopJobsCommand, "stop-jobs", "-config", cfgPath, filepath.Join(s.dir, "x"))
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Equals, "")
}
