// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// ParseFlags calls f.Parse(args), checks the number of positional
// arguments, and prints appropriate error/help messages to stderr.
//
// The positional argument describes the accepted positional
// arguments, e.g., "tasks.yml" (exactly one) or "dir [dir...]" (one
// or more). Words in brackets are optional, and a word ending in
// "..." may be repeated. It is "" if no positional arguments are
// accepted.
//
// The first return value, ok, is true if the program should continue
// running normally, or false if it should exit now.
//
// If ok is false, the second return value is an appropriate exit
// code: 0 if "-help" was given, 2 if there was a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch err {
	case nil:
		if f.NArg() > 0 && positional == "" {
			fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
			return false, 2
		}
		min, max := arity(positional)
		if n := f.NArg(); n < min || (max >= 0 && n > max) {
			fmt.Fprintf(stderr, "usage: %s [options] %s\n", prog, positional)
			return false, 2
		}
		return true, 0
	case flag.ErrHelp:
		if f, ok := f.(*flag.FlagSet); ok && f.Usage != nil {
			f.SetOutput(stderr)
			f.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
			f.SetOutput(stderr)
			f.PrintDefaults()
		}
		return false, 0
	default:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
}

// arity returns the minimum and maximum number of positional
// arguments described by positional. Max is -1 if there is no
// limit.
func arity(positional string) (min, max int) {
	for _, word := range strings.Fields(positional) {
		if strings.HasSuffix(strings.TrimRight(word, "]"), "...") {
			max = -1
		}
		if strings.HasPrefix(word, "[") {
			if max >= 0 {
				max++
			}
			continue
		}
		min++
		if max >= 0 {
			max++
		}
	}
	return min, max
}
