// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"fmt"
	"strings"
	"time"
)

// A Timer records named wall-clock splits through a pipeline stage.
// Timers are profiling hooks only: they never affect numerical
// results and may be dropped wholesale. A nil Timer is valid and
// records nothing.
type Timer struct {
	start time.Time
	last  time.Time
	marks []mark
}

type mark struct {
	name string
	d    time.Duration
}

// NewTimer returns a timer whose first split is measured from now.
func NewTimer() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Split records the time elapsed since the previous split (or since
// the timer's creation) under the provided name.
func (t *Timer) Split(name string) {
	if t == nil {
		return
	}
	now := time.Now()
	t.marks = append(t.marks, mark{name, now.Sub(t.last)})
	t.last = now
}

// String renders the recorded splits and the total elapsed time.
func (t *Timer) String() string {
	if t == nil {
		return ""
	}
	parts := make([]string, 0, len(t.marks)+1)
	for _, m := range t.marks {
		parts = append(parts, fmt.Sprintf("%s:%s", m.name, m.d.Round(time.Microsecond)))
	}
	parts = append(parts, fmt.Sprintf("total:%s", t.last.Sub(t.start).Round(time.Microsecond)))
	return strings.Join(parts, " ")
}
