// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"encoding/json"
	"io"
	"sort"
	"sync"

	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
)

// A Collector receives the result of each task. Collect is called
// exactly once per submitted task, possibly from several goroutines
// at once.
type Collector interface {
	Collect(task.Result)
}

// CollectorFunc is an adapter that allows an ordinary function to be
// used as a Collector.
type CollectorFunc func(task.Result)

func (f CollectorFunc) Collect(r task.Result) { f(r) }

// ResultCollector keeps results in memory, and optionally writes
// each one to Output as a line of JSON.
type ResultCollector struct {
	Output io.Writer

	mtx     sync.Mutex
	results []task.Result
	err     error
}

func (rc *ResultCollector) Collect(r task.Result) {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	rc.results = append(rc.results, r)
	if rc.Output != nil && rc.err == nil {
		rc.err = json.NewEncoder(rc.Output).Encode(r)
	}
}

// Results returns the results collected so far, ordered by task id.
func (rc *ResultCollector) Results() []task.Result {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	results := append([]task.Result(nil), rc.results...)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].TaskID < results[j].TaskID
	})
	return results
}

// Err returns the first error encountered writing to Output.
func (rc *ResultCollector) Err() error {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	return rc.err
}

// Failed returns the number of unsuccessful results collected so far.
func (rc *ResultCollector) Failed() int {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	n := 0
	for _, r := range rc.results {
		if !r.Success {
			n++
		}
	}
	return n
}
