// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker implements the execute-task command, which runs on
// the execution host inside a batch job. It runs one task's command
// and writes the task's artifact files: output data, result, and
// finally the done marker.
package worker

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"git.clusterdispatch.org/clusterdispatch.git/lib/cmd"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/ctxlog"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Command is the execute-task command.
var Command cmd.Handler = command{}

// Size of the output tail copied into the result.
const logTailSize = 64 << 10

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	logLevel := flags.String("log-level", "info", "logging `level` (debug, info, warn, error)")
	workdir := flags.String("workdir", "", "run the command in `dir` instead of the task's own working directory")
	if ok, code := cmd.ParseFlags(flags, prog, args, "contextpath", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, "text", *logLevel)
	w := &worker{logger: logger, workdir: *workdir}
	code, err := w.run(flags.Arg(0))
	if err != nil {
		logger.WithError(err).Error("task not executed")
		return 1
	}
	return code
}

type worker struct {
	logger  logrus.FieldLogger
	workdir string
}

// run executes the task described by the given context file and
// returns the command's exit code. It returns an error, and writes
// no done marker, if the artifact files cannot be read or written.
func (w *worker) run(contextPath string) (int, error) {
	files, err := task.FilesForContextPath(contextPath)
	if err != nil {
		return 0, err
	}
	t, err := task.ReadTask(contextPath)
	if err != nil {
		return 0, fmt.Errorf("reading task context: %w", err)
	}
	if len(t.Command) == 0 {
		return 0, fmt.Errorf("task #%d has no command", t.ID)
	}
	dir := w.workdir
	if dir == "" {
		dir = t.WorkDir
	}
	logger := w.logger.WithFields(logrus.Fields{
		"TaskID": t.ID,
		"StepID": t.StepID,
	})

	logfile, err := os.Create(files.LogPath())
	if err != nil {
		return 0, err
	}
	defer logfile.Close()
	tail := &tailWriter{max: logTailSize}

	result := task.Result{
		TaskID:    t.ID,
		StepID:    t.StepID,
		StartedAt: time.Now(),
	}
	if jobid, err := task.ReadJobIDFile(files.JobIDPath()); err == nil {
		result.JobID = jobid
	}
	logger.WithField("Command", t.Command).Info("starting")
	code, err := w.execute(t, dir, io.MultiWriter(logfile, tail))
	result.FinishedAt = time.Now()
	result.ExitCode = code
	result.Success = code == 0 && err == nil
	result.Log = tail.String()
	if err != nil {
		result.Error = err.Error()
	} else if code != 0 {
		result.Error = fmt.Sprintf("command exited with code %d", code)
	}
	logger.WithFields(logrus.Fields{
		"ExitCode": code,
		"Elapsed":  result.FinishedAt.Sub(result.StartedAt).String(),
	}).Info("finished")

	var data task.OutputData
	for _, out := range t.Outputs {
		fi, err := os.Stat(filepath.Join(dir, out))
		if err != nil {
			logger.WithField("Path", out).Warn("declared output not found")
			continue
		}
		data.Files = append(data.Files, task.OutputFile{Path: out, Size: fi.Size()})
	}
	if err := logfile.Sync(); err != nil {
		logger.WithError(err).Warn("error syncing log file")
	}
	if err := files.WriteOutputData(data); err != nil {
		return 0, fmt.Errorf("writing output data: %w", err)
	}
	if err := files.WriteResult(result); err != nil {
		return 0, fmt.Errorf("writing result: %w", err)
	}
	if err := files.TouchDone(); err != nil {
		return 0, fmt.Errorf("writing done marker: %w", err)
	}
	return code, nil
}

// execute runs the task's command in its own process group, and
// forwards SIGTERM to the group when the worker itself is asked to
// stop. If the command cannot be started, it returns exit code 127
// and an error.
func (w *worker) execute(t task.Task, dir string, out io.Writer) (int, error) {
	proc := exec.Command(t.Command[0], t.Command[1:]...)
	proc.Dir = dir
	proc.Env = environ(t.Env)
	proc.Stdout = out
	proc.Stderr = out
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	if err := proc.Start(); err != nil {
		return 127, fmt.Errorf("starting command: %w", err)
	}
	exited := make(chan struct{})
	defer close(exited)
	go func() {
		for {
			select {
			case sig := <-sigs:
				w.logger.WithField("Signal", sig.String()).Info("stopping command")
				// negative pid = process group
				if err := unix.Kill(-proc.Process.Pid, unix.SIGTERM); err != nil {
					w.logger.WithError(err).Warn("error signalling process group")
				}
			case <-exited:
				return
			}
		}
	}()
	err := proc.Wait()
	var exiterr *exec.ExitError
	if errors.As(err, &exiterr) {
		if ws, ok := exiterr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exiterr.ExitCode(), nil
	} else if err != nil {
		return 1, err
	}
	return 0, nil
}

// environ returns the worker's environment with the given variables
// added or replaced.
func environ(extra map[string]string) []string {
	var keys []string
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	max int
	buf []byte
}

func (tw *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= tw.max {
		tw.buf = append(tw.buf[:0], p[len(p)-tw.max:]...)
		return n, nil
	}
	tw.buf = append(tw.buf, p...)
	if over := len(tw.buf) - tw.max; over > 0 {
		tw.buf = append(tw.buf[:0], tw.buf[over:]...)
	}
	return n, nil
}

func (tw *tailWriter) String() string {
	return string(tw.buf)
}
