// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"git.clusterdispatch.org/clusterdispatch.git/lib/backend"
	"git.clusterdispatch.org/clusterdispatch.git/lib/cmd"
	"git.clusterdispatch.org/clusterdispatch.git/lib/config"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/batch"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/ctxlog"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
)

// StopJobsCommand stops the jobs recorded in the task directories
// given as arguments, e.g., after the run command was killed
// without a chance to stop them itself.
var StopJobsCommand cmd.Handler = stopJobsCommand{}

type stopJobsCommand struct{}

func (stopJobsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	backendName := flags.String("backend", "", "batch system to use, overriding Scheduler.Backend")
	if ok, code := cmd.ParseFlags(flags, prog, args, "dir [dir...]", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	name, err := cfg.BackendName(*backendName)
	if err != nil {
		return 1
	}
	be, err := backend.NewFromConfig(name, cfg, nil, logger, nil)
	if err != nil {
		return 1
	}
	defer be.Close()

	jobs, err := findJobIDs(flags.Args())
	if err != nil {
		return 1
	}
	failed := 0
	for _, path := range jobs {
		id, err := task.ReadJobIDFile(path)
		if err != nil {
			logger.WithError(err).Warn("skipping")
			failed++
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout.Duration())
		err = be.StopJob(ctx, batch.JobHandle(id))
		cancel()
		jlogger := logger.WithField("JobID", id).WithField("Path", path)
		if err != nil {
			jlogger.WithError(err).Warn("error stopping job")
			failed++
			continue
		}
		jlogger.Info("stopped job")
		fmt.Fprintln(stdout, id)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// findJobIDs returns the job id files in the given directories.
func findJobIDs(dirs []string) ([]string, error) {
	var paths []string
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "task-*.jobid"))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	return paths, nil
}
