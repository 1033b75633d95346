// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"git.clusterdispatch.org/clusterdispatch.git/lib/arbiter"
	"git.clusterdispatch.org/clusterdispatch.git/lib/backend"
	"git.clusterdispatch.org/clusterdispatch.git/lib/cmd"
	"git.clusterdispatch.org/clusterdispatch.git/lib/config"
	"git.clusterdispatch.org/clusterdispatch.git/lib/emergency"
	"git.clusterdispatch.org/clusterdispatch.git/lib/service"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/ctxlog"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
	"github.com/coreos/go-systemd/daemon"
	"github.com/ghodss/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Command is the run command: it dispatches every task in a task
// list file and prints each result to stdout as a line of JSON. It
// exits 0 if all tasks succeed.
var Command cmd.Handler = runCommand{}

// TaskList is the format of the run command's task list file.
type TaskList struct {
	Tasks []task.Task `json:"tasks"`
}

// LoadTaskList reads a YAML (or JSON) task list. Relative working
// directories are resolved against the directory containing the
// file.
func LoadTaskList(path string) ([]task.Task, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tl TaskList
	err = yaml.Unmarshal(buf, &tl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for i, t := range tl.Tasks {
		if seen[t.ID] {
			return nil, fmt.Errorf("%s: duplicate task id %d", path, t.ID)
		}
		seen[t.ID] = true
		if t.WorkDir != "" && !filepath.IsAbs(t.WorkDir) {
			tl.Tasks[i].WorkDir = filepath.Join(base, t.WorkDir)
		}
		if err := tl.Tasks[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return tl.Tasks, nil
}

type runCommand struct{}

func (runCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	var defaultMemory task.ByteSize
	flags.Var(&defaultMemory, "default-memory", "memory `size` for tasks without a requirement, overriding Scheduler.DefaultMemory")
	listen := flags.String("management-listen", "", "serve metrics and health checks at `[addr]:port`, overriding Management.Listen")
	if ok, code := cmd.ParseFlags(flags, prog, args, "tasks.yml", stderr); !ok {
		return code
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	tasks, err := LoadTaskList(flags.Arg(0))
	if err != nil {
		return 1
	}
	name, err := cfg.BackendName(*backendName)
	if err != nil {
		return 1
	}
	if *listen != "" {
		cfg.Management.Listen = *listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	blogger := logger.WithField("Backend", name)
	registry := emergency.NewRegistry(blogger)
	defer registry.Close()
	defer emergency.Recover(registry, blogger)

	reg := prometheus.NewRegistry()
	be, err := backend.NewFromConfig(name, cfg, registry, logger, reg)
	if err != nil {
		return 1
	}
	defer be.Close()

	collector := &ResultCollector{Output: stdout}
	disp := &Dispatcher{
		Backend:       be,
		Arbiter:       arbiter.New(cfg.Scheduler.PollInterval.Duration(), reg),
		Collector:     collector,
		Config:        cfg.Scheduler,
		Logger:        blogger,
		Registry:      reg,
		DefaultMemory: defaultMemory,
	}
	unwatch := emergency.Watch(ctx, registry, blogger, func(os.Signal) { disp.Stop() })
	defer unwatch()

	if cfg.Management.Listen != "" {
		srv := &service.Server{
			Addr:   cfg.Management.Listen,
			Logger: blogger,
		}
		srv.Handler = service.ManagementHandler(cfg.ManagementToken, reg, map[string]service.HealthFunc{
			"backend": func() error {
				if _, err := os.Stat(be.Script()); err != nil {
					return fmt.Errorf("wrapper script: %w", err)
				}
				return nil
			},
		}, blogger)
		err = srv.Start()
		if err != nil {
			return 1
		}
		defer srv.Close()
	}

	for _, t := range tasks {
		err = disp.Submit(t)
		if errors.Is(err, ErrStopped) {
			err = nil
			break
		} else if err != nil {
			disp.Stop()
			disp.Wait()
			return 1
		}
	}
	blogger.WithField("Tasks", len(tasks)).Info("dispatching")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		blogger.WithError(err).Error("error notifying init daemon")
	}
	disp.Wait()

	if err = collector.Err(); err != nil {
		return 1
	}
	results := collector.Results()
	failed := collector.Failed() + len(tasks) - len(results)
	blogger.WithFields(logrus.Fields{
		"Succeeded": len(results) - collector.Failed(),
		"Failed":    failed,
	}).Info("finished")
	if failed > 0 {
		return 1
	}
	return 0
}
