// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed scripts/*.sh
var scriptFS embed.FS

// installScript writes the variant's built-in wrapper script to dir
// and returns its path.
func installScript(v Variant, dir string) (string, error) {
	if v.ScriptName == "" {
		return "", fmt.Errorf("no built-in wrapper script for backend %s, WrapperScript must be configured", v.Name)
	}
	buf, err := scriptFS.ReadFile("scripts/" + v.ScriptName)
	if err != nil {
		return "", fmt.Errorf("no built-in wrapper script for backend %s: %w", v.Name, err)
	}
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, v.ScriptName)
	f, err := os.CreateTemp(dir, "."+v.ScriptName+".tmp-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	_, err = f.Write(buf)
	if err != nil {
		f.Close()
		return "", err
	}
	err = f.Chmod(0755)
	if err != nil {
		f.Close()
		return "", err
	}
	err = f.Close()
	if err != nil {
		return "", err
	}
	return path, os.Rename(f.Name(), path)
}
