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

package supervisor

import (
	"fmt"
	"time"

	"github.com/procwatch/procwatch/pkg/monotime"
	"github.com/procwatch/procwatch/pkg/poller"
	"github.com/procwatch/procwatch/pkg/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// UmbilicalMonitor is the sibling process's view of the watchdog: a
// heartbeat stream on one descriptor. The monitor is not the parent of
// the supervised child and a bare pid could be recycled under it, so it
// runs inside the child's process group and uses the group as its only
// means of control.
type UmbilicalMonitor struct {
	fd        int
	parentPid int

	cycleCount int
	cycleLimit int

	slot  *poller.Slot
	timer *poller.TimerSlot
}

// NewUmbilicalMonitor prepares a monitor reading heartbeats from fd,
// watching the watchdog process parentPid, declaring the watchdog dead
// after timeout of silence.
func NewUmbilicalMonitor(fd, parentPid int, timeout time.Duration) *UmbilicalMonitor {
	m := &UmbilicalMonitor{
		fd:         fd,
		parentPid:  parentPid,
		cycleLimit: timeoutCycles,
	}
	m.slot = &poller.Slot{
		Name:   "umbilical",
		FD:     fd,
		Events: poller.Input,
		Action: m.pollUmbilical,
	}
	m.timer = &poller.TimerSlot{
		Name:   "umbilical",
		Timer:  monotime.LapTimer{Period: timeout / time.Duration(m.cycleLimit)},
		Action: m.timeout,
	}
	return m
}

// Run synchronises with the watchdog, watches the heartbeat until it
// fails, then removes the process group. It does not return on success.
func (m *UmbilicalMonitor) Run() error {
	// Wait for the first heartbeat before any timing begins: the
	// watchdog controls when the clock starts.
	logrus.Debug("synchronising umbilical")
	if err := m.awaitReadable(); err != nil {
		return fmt.Errorf("synchronising umbilical: %w", err)
	}
	if err := m.pollUmbilical(monotime.Now()); err != nil {
		return err
	}
	logrus.Debug("synchronised umbilical")

	loop := poller.New(
		[]*poller.Slot{m.slot},
		[]*poller.TimerSlot{m.timer},
		func() bool { return m.slot.Events == 0 },
	)
	if err := loop.Run(); err != nil {
		return err
	}

	pgid, err := unix.Getpgid(0)
	if err != nil {
		return fmt.Errorf("querying own process group: %w", err)
	}
	logrus.Warningf("Killing child pgid %d", pgid)
	if err := unix.Kill(0, unix.SIGKILL); err != nil {
		return fmt.Errorf("killing child pgid %d: %w", pgid, err)
	}
	panic("survived killing own process group")
}

func (m *UmbilicalMonitor) awaitReadable() error {
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: poller.Input}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// pollUmbilical consumes one heartbeat. The timer is re-anchored half a
// period out-of-phase with the expected heartbeats, so that a tight
// finish at the deadline cannot race.
func (m *UmbilicalMonitor) pollUmbilical(now monotime.Time) error {
	var buf [1]byte
	n, err := unix.Read(m.fd, buf[:])
	if err == unix.EINTR || err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading umbilical connection: %w", err)
	}
	if n == 0 {
		logrus.Warningf("Broken umbilical connection")
		m.slot.Events = 0
		return nil
	}

	m.timer.Timer.Trigger(now)
	m.timer.Timer.Delay(m.timer.Timer.Period / 2)
	m.cycleCount = 0
	return nil
}

// timeout accumulates silent cycles. A stopped watchdog is deferred
// rather than counted: the heartbeat will resume when it continues.
func (m *UmbilicalMonitor) timeout(now monotime.Time) error {
	state, err := process.State(m.parentPid)
	if err == nil && state == process.StatusStopped {
		logrus.Debugf("umbilical timeout deferred due to parent status %v", state)
		m.cycleCount = 0
		return nil
	}

	m.cycleCount++
	if m.cycleCount >= m.cycleLimit {
		logrus.Warningf("Umbilical connection timed out")
		m.slot.Events = 0
	}
	return nil
}
