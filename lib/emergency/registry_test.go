// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package emergency

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/batch"
	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&RegistrySuite{})

type RegistrySuite struct{}

type fakeStopper struct {
	mtx     sync.Mutex
	stopped []batch.JobHandle
	fail    map[batch.JobHandle]bool
	block   chan struct{}
}

func (*fakeStopper) Name() string { return "fake" }

func (fs *fakeStopper) StopJob(ctx context.Context, job batch.JobHandle) error {
	if fs.block != nil {
		select {
		case <-fs.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	fs.stopped = append(fs.stopped, job)
	if fs.fail[job] {
		return errors.New("no such job")
	}
	return nil
}

func (fs *fakeStopper) Stopped() []batch.JobHandle {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	return append([]batch.JobHandle(nil), fs.stopped...)
}

func (s *RegistrySuite) TestIdempotentAddRemove(c *check.C) {
	fs := &fakeStopper{}
	reg := NewRegistry(ctxlog.TestLogger(c))
	reg.Add(fs, "123")
	reg.Add(fs, "123")
	c.Check(reg.Len(), check.Equals, 1)
	reg.Add(fs, "124")
	c.Check(reg.Handles(), check.DeepEquals, []batch.JobHandle{"123", "124"})

	reg.Remove("999")
	c.Check(reg.Len(), check.Equals, 2)
	reg.Remove("123")
	reg.Remove("123")
	c.Check(reg.Handles(), check.DeepEquals, []batch.JobHandle{"124"})
}

func (s *RegistrySuite) TestStopAll(c *check.C) {
	logger, hook := logtest.NewNullLogger()
	fs := &fakeStopper{fail: map[batch.JobHandle]bool{"2": true}}
	reg := NewRegistry(logger)
	for _, job := range []batch.JobHandle{"1", "2", "3"} {
		reg.Add(fs, job)
	}
	reg.StopAll(context.Background())
	c.Check(reg.Len(), check.Equals, 0)
	c.Check(fs.Stopped(), check.HasLen, 3)

	var failed int
	for _, ent := range hook.AllEntries() {
		if ent.Level == logrus.WarnLevel && ent.Data["JobID"] == batch.JobHandle("2") {
			failed++
		}
	}
	c.Check(failed, check.Equals, 1)

	// nothing left to stop
	reg.StopAll(context.Background())
	c.Check(fs.Stopped(), check.HasLen, 3)
}

func (s *RegistrySuite) TestStopAllGivesUp(c *check.C) {
	fs := &fakeStopper{block: make(chan struct{})}
	defer close(fs.block)
	reg := NewRegistry(ctxlog.TestLogger(c))
	reg.Add(fs, "1")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	reg.StopAll(ctx)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
	c.Check(reg.Len(), check.Equals, 0)
}

func (s *RegistrySuite) TestClose(c *check.C) {
	fs := &fakeStopper{}
	reg := NewRegistry(ctxlog.TestLogger(c))
	reg.Add(fs, "1")
	reg.Close()
	c.Check(reg.Len(), check.Equals, 0)
	reg.Add(fs, "2")
	c.Check(reg.Len(), check.Equals, 0)
}

func (s *RegistrySuite) TestWatch(c *check.C) {
	fs := &fakeStopper{}
	reg := NewRegistry(ctxlog.TestLogger(c))
	reg.Add(fs, "1")
	reg.Add(fs, "2")
	caught := make(chan os.Signal, 1)
	stop := Watch(context.Background(), reg, ctxlog.TestLogger(c), func(sig os.Signal) {
		// onSignal runs first, and can remove jobs it
		// stopped itself
		reg.Remove("1")
		caught <- sig
	}, syscall.SIGUSR1)
	defer stop()
	c.Assert(syscall.Kill(os.Getpid(), syscall.SIGUSR1), check.IsNil)
	select {
	case sig := <-caught:
		c.Check(sig, check.Equals, syscall.SIGUSR1)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for signal handler")
	}
	deadline := time.Now().Add(10 * time.Second)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Check(reg.Len(), check.Equals, 0)
	for len(fs.Stopped()) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Check(fs.Stopped(), check.DeepEquals, []batch.JobHandle{"2"})
}

func (s *RegistrySuite) TestRecover(c *check.C) {
	fs := &fakeStopper{}
	reg := NewRegistry(ctxlog.TestLogger(c))
	reg.Add(fs, "1")
	c.Check(func() {
		defer Recover(reg, ctxlog.TestLogger(c))
		panic("oops")
	}, check.PanicMatches, `oops`)
	c.Check(fs.Stopped(), check.DeepEquals, []batch.JobHandle{"1"})

	// no panic, nothing stopped
	reg.Add(fs, "2")
	func() {
		defer Recover(reg, ctxlog.TestLogger(c))
	}()
	c.Check(reg.Len(), check.Equals, 1)
}
