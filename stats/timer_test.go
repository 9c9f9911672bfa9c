// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"strings"
	"testing"
)

func TestTimer(t *testing.T) {
	timer := NewTimer()
	timer.Split("spots")
	timer.Split("extract")
	s := timer.String()
	for _, want := range []string{"spots:", "extract:", "total:"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q does not contain %q", s, want)
		}
	}
	if got, want := len(timer.marks), 2; got != want {
		t.Errorf("got %v splits, want %v", got, want)
	}
}

func TestNilTimer(t *testing.T) {
	var timer *Timer
	timer.Split("noop")
	if got, want := timer.String(), ""; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
