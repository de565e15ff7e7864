// Copyright 2024 The Procwatch Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monotime provides a monotonic clock and lap timers for the
// monitoring loops. All deadlines in the watchdog are computed on this
// clock so that wall-clock adjustments cannot perturb supervision.
package monotime

import (
	"time"

	"golang.org/x/sys/unix"
)

// Time is a point on the monotonic clock, in nanoseconds since an
// arbitrary fixed origin. It never decreases.
type Time int64

// Now reads the monotonic clock.
func Now() Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is unconditionally available on the kernels
		// this program runs on.
		panic(err)
	}
	return Time(ts.Nano())
}

// Add returns the time d after t.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d)
}

// Sub returns the interval t - u.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(t - u)
}

// LapTimer is a periodic timer anchored on the monotonic clock. A zero
// Period means the timer never fires. The anchor Since can be re-aligned
// on activity to avoid phase races at the deadline.
type LapTimer struct {
	Since  Time
	Period time.Duration
}

// Trigger re-anchors the timer at now, so that the next firing is one
// full period after the trigger moment.
func (t *LapTimer) Trigger(now Time) {
	t.Since = now
}

// Restart re-anchors the timer at an arbitrary instant, typically the
// time of the activity that should begin the next period.
func (t *LapTimer) Restart(at Time) {
	t.Since = at
}

// Delay pushes the anchor forward by d, moving the next firing
// out-of-phase with the activity that triggered it.
func (t *LapTimer) Delay(d time.Duration) {
	t.Since = t.Since.Add(d)
}

// FiresAt returns the next firing time. Meaningless when Period is zero.
func (t *LapTimer) FiresAt() Time {
	return t.Since.Add(t.Period)
}

// Enabled reports whether the timer can fire at all.
func (t *LapTimer) Enabled() bool {
	return t.Period != 0
}

// Remaining returns the delay from now until the next firing, clamped
// at zero once the deadline has passed.
func (t *LapTimer) Remaining(now Time) time.Duration {
	d := t.FiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
