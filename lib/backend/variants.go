// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"sort"
	"strconv"
	"sync"

	"git.clusterdispatch.org/clusterdispatch.git/lib/config"
)

// A Variant is what distinguishes one batch system from another: the
// name of its built-in wrapper script, and the scheduler-specific
// environment variables passed to "script start".
type Variant struct {
	Name       string
	ScriptName string
	ExtraEnv   func(config.BackendConfig) map[string]string
}

var (
	variants = map[string]Variant{}
	vmtx     sync.Mutex
)

func init() {
	Register(Variant{
		Name:       "slurm",
		ScriptName: "slurm.sh",
		ExtraEnv: func(bc config.BackendConfig) map[string]string {
			return nonEmpty(map[string]string{
				"PARTITION": bc.Partition,
				"ACCOUNT":   bc.Account,
			})
		},
	})
	Register(Variant{
		Name:       "pbspro",
		ScriptName: "pbspro.sh",
		ExtraEnv:   queueAndAccount,
	})
	Register(Variant{
		Name:       "torque",
		ScriptName: "torque.sh",
		ExtraEnv:   queueAndAccount,
	})
	Register(Variant{
		Name:       "htcondor",
		ScriptName: "htcondor.sh",
		ExtraEnv: func(bc config.BackendConfig) map[string]string {
			env := nonEmpty(map[string]string{
				"ACCOUNTING_GROUP":   bc.AccountingGroup,
				"CONCURRENCY_LIMITS": bc.ConcurrencyLimits,
			})
			env["NICE_USER"] = strconv.FormatBool(bc.NiceUser)
			return env
		},
	})
	Register(Variant{
		Name:       "dummy",
		ScriptName: "dummy.sh",
	})
}

func queueAndAccount(bc config.BackendConfig) map[string]string {
	return nonEmpty(map[string]string{
		"QUEUE":   bc.Queue,
		"ACCOUNT": bc.Account,
	})
}

func nonEmpty(env map[string]string) map[string]string {
	for k, v := range env {
		if v == "" {
			delete(env, k)
		}
	}
	return env
}

// Register adds (or replaces) a variant. The built-in variants are
// registered at init time.
func Register(v Variant) {
	vmtx.Lock()
	defer vmtx.Unlock()
	variants[v.Name] = v
}

// Lookup returns the variant with the given name.
func Lookup(name string) (Variant, bool) {
	vmtx.Lock()
	defer vmtx.Unlock()
	v, ok := variants[name]
	return v, ok
}

// Names returns the names of all registered variants, sorted.
func Names() []string {
	vmtx.Lock()
	defer vmtx.Unlock()
	var names []string
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
