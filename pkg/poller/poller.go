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

// Package poller implements the level-triggered event loop that drives
// the watchdog, the umbilical monitor and the tether worker. The loop
// owns a fixed set of descriptor slots and lap-timer slots, dispatching
// descriptor actions before timer actions, both in declaration order.
// That ordering is part of the contract: a later action may re-arm an
// earlier timer within the same pass.
package poller

import (
	"fmt"
	"math"
	"time"

	"github.com/procwatch/procwatch/pkg/monotime"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Input and Disconnect are the two event masks the monitoring loops
// watch for. Experiments show it is best not to put too much trust in
// POLLHUP vs POLLIN, so readable slots watch for either and attempt the
// read regardless.
const (
	Input      = int16(unix.POLLIN | unix.POLLPRI | unix.POLLRDHUP | unix.POLLHUP)
	Disconnect = int16(unix.POLLERR | unix.POLLHUP | unix.POLLRDHUP)
)

// Action handles readiness on a descriptor slot.
type Action func(now monotime.Time) error

// TimerAction handles a fired timer slot.
type TimerAction func(now monotime.Time) error

// Slot is one polled descriptor. An action revokes its slot by clearing
// Events to zero; the loop then ignores the descriptor until the slot
// is re-armed.
type Slot struct {
	Name   string
	FD     int
	Events int16
	Action Action
}

// TimerSlot is one lap timer. A zero period disables the slot. The loop
// re-anchors Timer.Since at the firing time before invoking the action,
// so the anchor never travels backwards across a successful fire.
type TimerSlot struct {
	Name   string
	Timer  monotime.LapTimer
	Action TimerAction
}

// Completion decides whether the loop is finished. It is evaluated
// after every dispatch pass.
type Completion func() bool

// Loop is a single-threaded poll loop over fixed slot tables.
type Loop struct {
	slots  []*Slot
	timers []*TimerSlot
	done   Completion
}

// New creates a loop over the given slot tables. The tables are fixed
// at creation; actions mutate the slots in place.
func New(slots []*Slot, timers []*TimerSlot, done Completion) *Loop {
	return &Loop{slots: slots, timers: timers, done: done}
}

// nextTimeout computes the poll timeout in milliseconds as the minimum
// remaining delay across enabled timers, or -1 to wait forever when no
// timer is enabled.
func (l *Loop) nextTimeout(now monotime.Time) int {
	remaining := time.Duration(math.MaxInt64)
	enabled := false
	for _, t := range l.timers {
		if !t.Timer.Enabled() {
			continue
		}
		enabled = true
		if d := t.Timer.Remaining(now); d < remaining {
			remaining = d
		}
	}
	if !enabled {
		return -1
	}
	// Round up so the loop does not spin ahead of the deadline.
	ms := (remaining + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return int(ms)
}

// Run drives the loop until the completion predicate holds. Errors from
// poll other than EINTR, and errors returned by actions, are fatal.
func (l *Loop) Run() error {
	pollfds := make([]unix.PollFd, len(l.slots))

	for {
		now := monotime.Now()

		for i, s := range l.slots {
			fd := s.FD
			if s.Events == 0 {
				// A negative descriptor is ignored by poll, which
				// also suppresses the implicit POLLERR/POLLHUP a
				// revoked slot must not observe.
				fd = -1
			}
			pollfds[i] = unix.PollFd{Fd: int32(fd), Events: s.Events}
		}

		n, err := unix.Poll(pollfds, l.nextTimeout(now))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("polling %d descriptors: %w", len(pollfds), err)
		}

		now = monotime.Now()

		if n > 0 {
			for i, s := range l.slots {
				if s.Events == 0 || pollfds[i].Revents == 0 {
					continue
				}
				logrus.Debugf("poll %s fd %d revents %#x", s.Name, s.FD, pollfds[i].Revents)
				if err := s.Action(now); err != nil {
					return fmt.Errorf("%s slot: %w", s.Name, err)
				}
			}
		}

		for _, t := range l.timers {
			if !t.Timer.Enabled() || now < t.Timer.FiresAt() {
				continue
			}
			logrus.Debugf("timer %s fired", t.Name)
			t.Timer.Trigger(now)
			if err := t.Action(now); err != nil {
				return fmt.Errorf("%s timer: %w", t.Name, err)
			}
		}

		if l.done() {
			return nil
		}
	}
}
