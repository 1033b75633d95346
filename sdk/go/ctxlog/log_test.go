// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ctxlog

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&logSuite{})

type logSuite struct{}

func (s *logSuite) TestContextRoundTrip(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "info").WithField("TaskID", 7)
	ctx := Context(context.Background(), logger)
	FromContext(ctx).Info("hello")
	c.Check(buf.String(), check.Matches, `(?ms).*msg=hello.*TaskID=7.*`)
}

func (s *logSuite) TestFromEmptyContext(c *check.C) {
	c.Check(FromContext(context.Background()), check.NotNil)
	c.Check(FromContext(nil), check.NotNil)
}

func (s *logSuite) TestJSONFormat(c *check.C) {
	var buf bytes.Buffer
	New(&buf, "json", "debug").WithField("JobID", "123").Debug("polled")
	var ent map[string]interface{}
	c.Assert(json.Unmarshal(buf.Bytes(), &ent), check.IsNil)
	c.Check(ent["msg"], check.Equals, "polled")
	c.Check(ent["JobID"], check.Equals, "123")
	c.Check(ent["level"], check.Equals, "debug")
}

func (s *logSuite) TestBadLevelFallsBack(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "loud")
	c.Check(logger.Level, check.Equals, logrus.InfoLevel)
	c.Check(buf.String(), check.Matches, `(?ms).*unknown log level.*`)
}
