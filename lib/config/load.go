// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the site configuration: built-in defaults,
// overlaid with a YAML file.
package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var DefaultConfigFile = func() string {
	if path := os.Getenv("CLUSTERDISPATCH_CONFIG"); path != "" {
		return path
	}
	return "/etc/clusterdispatch/config.yml"
}()

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Path to the config file, or "-" for stdin.
	Path string

	// If non-nil, unknown config entries are reported here
	// instead of Logger.
	warnf func(string, ...interface{})
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and Path set to the default config file.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.Path = DefaultConfigFile
	return ldr
}

// SetupFlags adds a -config flag to the given flag set.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting a CLUSTERDISPATCH_CONFIG environment variable)")
}

// Load reads the built-in defaults, then the configured file (if
// any), and returns the checked result.
func (ldr *Loader) Load() (*Config, error) {
	var buf []byte
	var err error
	switch {
	case ldr.Path == "-":
		buf, err = io.ReadAll(ldr.Stdin)
	case ldr.Path != "":
		buf, err = os.ReadFile(ldr.Path)
		if os.IsNotExist(err) && ldr.Path == DefaultConfigFile {
			ldr.Logger.Infof("config file %s not found, continuing with default configuration", ldr.Path)
			buf, err = nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return ldr.LoadBytes(buf)
}

// LoadBytes loads the given YAML on top of the built-in defaults.
func (ldr *Loader) LoadBytes(buf []byte) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(strings.TrimSpace(string(buf))) > 0 {
		err = yaml.Unmarshal(buf, &cfg)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		ldr.checkUnknownKeys(buf, &cfg)
	}
	err = applyBackendDefaults(&cfg)
	if err != nil {
		return nil, err
	}
	err = cfg.check()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyBackendDefaults fills in unset fields of each backend entry
// from the "*" entry.
func applyBackendDefaults(cfg *Config) error {
	defaults := cfg.Backends["*"]
	for name, bc := range cfg.Backends {
		if name == "*" {
			continue
		}
		if err := mergo.Merge(&bc, defaults); err != nil {
			return fmt.Errorf("applying default settings to backend %q: %w", name, err)
		}
		cfg.Backends[name] = bc
	}
	return nil
}

// checkUnknownKeys logs a warning for each key in the supplied
// config that does not correspond to a known config entry.
func (ldr *Loader) checkUnknownKeys(buf []byte, cfg *Config) {
	var supplied map[string]interface{}
	if err := yaml.Unmarshal(buf, &supplied); err != nil {
		return
	}
	expectedBuf, err := yaml.Marshal(cfg)
	if err != nil {
		return
	}
	var expected map[string]interface{}
	if err := yaml.Unmarshal(expectedBuf, &expected); err != nil {
		return
	}
	warnf := ldr.warnf
	if warnf == nil {
		warnf = ldr.Logger.Warnf
	}
	for _, key := range extraKeys(expected, supplied, "") {
		warnf("deprecated or unknown config entry: %s", key)
	}
}

func extraKeys(expected, supplied map[string]interface{}, prefix string) []string {
	var extra []string
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			extra = append(extra, prefix+k)
			continue
		}
		if k == "Env" {
			// arbitrary keys
			continue
		}
		msupp, ok1 := vsupp.(map[string]interface{})
		mexp, ok2 := vexp.(map[string]interface{})
		if ok1 && ok2 {
			extra = append(extra, extraKeys(mexp, msupp, prefix+k+".")...)
		}
	}
	sort.Strings(extra)
	return extra
}

var errNoBackend = errors.New("no backend selected")

// BackendName returns the backend to use: override if non-empty,
// otherwise Scheduler.Backend.
func (cfg *Config) BackendName(override string) (string, error) {
	name := cfg.Scheduler.Backend
	if override != "" {
		name = override
	}
	if name == "" {
		return "", errNoBackend
	}
	if _, err := cfg.Backend(name); err != nil {
		return "", err
	}
	return name, nil
}
