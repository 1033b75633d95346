// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"bytes"
	"io"
	"os"
	"strings"

	"git.clusterdispatch.org/clusterdispatch.git/lib/cmd"
	check "gopkg.in/check.v1"
)

// LeakCheck tests for output being leaked to os.Stdout and os.Stderr
// that should be sent elsewhere (e.g., the stdout and stderr streams
// passed to a cmd.Handler).
//
// It redirects os.Stdout and os.Stderr to a tempfile, and returns a
// func, which the caller is expected to defer, that restores os.* and
// checks that the tempfile is empty.
//
// Example:
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... do things that shouldn't print to os.Stderr or os.Stdout
//	}
func LeakCheck(c *check.C) func() {
	tmpfiles := map[string]*os.File{"stdout": nil, "stderr": nil}
	for i := range tmpfiles {
		var err error
		tmpfiles[i], err = os.CreateTemp("", "leakcheck-")
		c.Assert(err, check.IsNil)
		c.Assert(os.Remove(tmpfiles[i].Name()), check.IsNil)
	}

	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = tmpfiles["stdout"], tmpfiles["stderr"]
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		for i, tmpfile := range tmpfiles {
			_, err := tmpfile.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(tmpfile)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", i))
			tmpfile.Close()
		}
	}
}

// Run invokes handler with the given args and empty stdin, and
// returns its exit code and output. Stderr is also copied to the
// test log.
func Run(c *check.C, handler cmd.Handler, prog string, args ...string) (code int, stdout, stderr string) {
	var outbuf, errbuf bytes.Buffer
	code = handler.RunCommand(prog, args, strings.NewReader(""), &outbuf, &errbuf)
	if errbuf.Len() > 0 {
		c.Logf("%s %v stderr:\n%s", prog, args, errbuf.String())
	}
	return code, outbuf.String(), errbuf.String()
}
