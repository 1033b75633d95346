// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Files locates the artifact files of one task. All of them live in
// the task's working directory and share a prefix derived from the
// task id.
type Files struct {
	Dir    string
	Prefix string
}

// FilesFor returns the file layout for t.
func FilesFor(t Task) Files {
	return Files{Dir: t.WorkDir, Prefix: Prefix(t.ID)}
}

// Prefix returns the file name prefix for the given task id.
func Prefix(id int) string {
	return fmt.Sprintf("task-%08d", id)
}

func (f Files) path(ext string) string {
	return filepath.Join(f.Dir, f.Prefix+ext)
}

// ContextPath is the serialized Task, written by the dispatcher.
func (f Files) ContextPath() string { return f.path(".context") }

// DataPath is the serialized OutputData, written by the worker.
func (f Files) DataPath() string { return f.path(".data") }

// DonePath is the empty marker the worker creates after writing
// everything else.
func (f Files) DonePath() string { return f.path(".done") }

// ResultPath is the serialized Result, written by the worker.
func (f Files) ResultPath() string { return f.path(".result") }

// JobIDPath holds the submitted job id, for operators.
func (f Files) JobIDPath() string { return f.path(".jobid") }

// LogPath holds the step's combined stdout/stderr.
func (f Files) LogPath() string { return f.path(".log") }

// FilesForContextPath returns the layout implied by the path of a
// context file.
func FilesForContextPath(path string) (Files, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".context") || base == ".context" {
		return Files{}, fmt.Errorf("%s: not a task context file", path)
	}
	return Files{Dir: filepath.Dir(path), Prefix: strings.TrimSuffix(base, ".context")}, nil
}

// WriteTask serializes t to its context file.
func (f Files) WriteTask(t Task) error {
	return writeJSON(f.ContextPath(), t)
}

// ReadTask deserializes a task from the given context file.
func ReadTask(path string) (Task, error) {
	var t Task
	err := readJSON(path, &t)
	return t, err
}

func (f Files) WriteResult(r Result) error {
	return writeJSON(f.ResultPath(), r)
}

func (f Files) ReadResult() (Result, error) {
	var r Result
	err := readJSON(f.ResultPath(), &r)
	return r, err
}

func (f Files) WriteOutputData(d OutputData) error {
	return writeJSON(f.DataPath(), d)
}

func (f Files) ReadOutputData() (OutputData, error) {
	var d OutputData
	err := readJSON(f.DataPath(), &d)
	return d, err
}

// WriteJobID records the submitted job id as a single line of text.
func (f Files) WriteJobID(id string) error {
	return writeAtomic(f.JobIDPath(), []byte(id+"\n"), 0644)
}

// ReadJobIDFile reads a job id file written by WriteJobID.
func ReadJobIDFile(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(buf))
	if id == "" {
		return "", fmt.Errorf("%s: empty job id file", path)
	}
	return id, nil
}

// TouchDone creates the done marker.
func (f Files) TouchDone() error {
	return writeAtomic(f.DonePath(), nil, 0644)
}

// DoneExists returns true if the done marker is present.
func (f Files) DoneExists() (bool, error) {
	_, err := os.Stat(f.DonePath())
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func writeJSON(path string, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return writeAtomic(path, append(buf, '\n'), 0644)
}

func readJSON(path string, v interface{}) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	err = json.Unmarshal(buf, v)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// writeAtomic writes data to a temp file in the same directory and
// renames it into place, so readers on the other side of a shared
// filesystem never see a partial file.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	_, err = f.Write(data)
	if err != nil {
		f.Close()
		return err
	}
	err = f.Chmod(mode)
	if err != nil {
		f.Close()
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
