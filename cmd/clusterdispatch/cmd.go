// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.clusterdispatch.org/clusterdispatch.git/lib/cmd"
	"git.clusterdispatch.org/clusterdispatch.git/lib/config"
	"git.clusterdispatch.org/clusterdispatch.git/lib/dispatch"
	"git.clusterdispatch.org/clusterdispatch.git/lib/worker"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"run":          dispatch.Command,
		"stop-jobs":    dispatch.StopJobsCommand,
		"execute-task": worker.Command,

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
