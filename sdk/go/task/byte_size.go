// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// ByteSize is a number of bytes. In JSON and YAML it can be given as
// a plain number or as a string with a unit, like "512MB" or "4GiB".
type ByteSize int64

const GiB ByteSize = 1 << 30

// UnmarshalJSON implements json.Unmarshaler.
func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		err := json.Unmarshal(data, &i)
		if err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	return n.Set(s)
}

// Set parses a human-readable size. It implements flag.Value.
func (n *ByteSize) Set(s string) error {
	if s == "" {
		*n = 0
		return nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if v > math.MaxInt64 {
		return fmt.Errorf("size %q overflows int64", s)
	}
	*n = ByteSize(v)
	return nil
}

func (n ByteSize) String() string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

// CeilGiB returns the size in whole GiB, rounded up.
func (n ByteSize) CeilGiB() int64 {
	if n <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(n) / float64(GiB)))
}
