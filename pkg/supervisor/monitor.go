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

	"github.com/procwatch/procwatch/config"
	"github.com/procwatch/procwatch/pkg/jobcontrol"
	"github.com/procwatch/procwatch/pkg/monotime"
	"github.com/procwatch/procwatch/pkg/poller"
	"github.com/procwatch/procwatch/pkg/process"
	"github.com/procwatch/procwatch/pkg/tether"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// timeoutCycles divides each activity timeout in two, so that a
// stopped target is noticed on the first half and the timeout deferred
// rather than misread as a failure. Do not flatten this to one cycle.
const timeoutCycles = 2

// signalPlanEntry is one step of the escalating termination sequence.
// A positive target names a pid, a negative target a process group.
type signalPlanEntry struct {
	target int
	sig    unix.Signal
}

// childMonitor is the state of the watchdog's monitoring loop.
type childMonitor struct {
	conf  *config.Config
	child *Child

	worker      *tether.Worker
	watcher     *process.Watcher
	umbilicalFD int

	// plan advances monotonically, one entry per termination timer
	// firing, and parks on its final entry.
	plan []signalPlanEntry

	tetherCycles int

	events, childSlot, umbilicalSlot, tetherSlot *poller.Slot

	tetherTimer, umbilicalTimer, orphanTimer *poller.TimerSlot
	terminationTimer, disconnectionTimer     *poller.TimerSlot
}

// monitorChild supervises the running child until it has terminated and
// the tether worker has finished flushing.
func monitorChild(conf *config.Config, child *Child, umbilicalFD int,
	worker *tether.Worker, watcher *process.Watcher, jc *jobcontrol.JobControl) error {

	logrus.Debug("start monitoring child")

	m := &childMonitor{
		conf:        conf,
		child:       child,
		worker:      worker,
		watcher:     watcher,
		umbilicalFD: umbilicalFD,

		// Ask politely first, then remove the whole process group. With
		// a shared group the final entry addresses the watchdog's own
		// group, watchdog included.
		plan: []signalPlanEntry{
			{child.Pid, unix.SIGTERM},
			{-child.Pgid, unix.SIGKILL},
		},
	}

	m.events = &poller.Slot{
		Name:   "events",
		FD:     watcher.PipeFD(),
		Events: poller.Input,
		Action: watcher.Poll,
	}
	m.childSlot = &poller.Slot{
		Name:   "child",
		FD:     child.Status.R,
		Events: poller.Input,
		Action: m.pollChild,
	}
	m.umbilicalSlot = &poller.Slot{
		Name:   "umbilical",
		FD:     umbilicalFD,
		Events: poller.Disconnect,
		Action: m.pollUmbilical,
	}
	m.tetherSlot = &poller.Slot{
		Name:   "tether",
		FD:     worker.ControlFD(),
		Events: poller.Disconnect,
		Action: m.pollTether,
	}

	tetherPeriod := time.Duration(0)
	if conf.Tether {
		tetherPeriod = conf.TetherTimeout() / timeoutCycles
	}
	m.tetherTimer = &poller.TimerSlot{
		Name:   "tether",
		Timer:  monotime.LapTimer{Period: tetherPeriod},
		Action: m.tetherTimeout,
	}
	m.umbilicalTimer = &poller.TimerSlot{
		Name:   "umbilical",
		Timer:  monotime.LapTimer{Period: conf.UmbilicalTimeout() / 2},
		Action: m.umbilicalHeartbeat,
	}
	orphanPeriod := time.Duration(0)
	if conf.Orphaned {
		orphanPeriod = 3 * time.Second
	}
	m.orphanTimer = &poller.TimerSlot{
		Name:   "orphan",
		Timer:  monotime.LapTimer{Period: orphanPeriod},
		Action: m.orphanCheck,
	}
	m.terminationTimer = &poller.TimerSlot{
		Name:   "termination",
		Action: m.terminationStep,
	}
	m.disconnectionTimer = &poller.TimerSlot{
		Name:   "disconnection",
		Action: func(monotime.Time) error {
			logrus.Debug("disconnecting tether worker")
			return worker.Ping()
		},
	}

	if !conf.Tether {
		m.disconnectTether()
	}

	now := monotime.Now()
	m.tetherTimer.Timer.Restart(now)
	m.orphanTimer.Timer.Restart(now)

	// The sibling blocks on its first heartbeat, so timing on its side
	// starts only once this write lands.
	if err := m.writeUmbilical(); err != nil {
		return err
	}
	m.umbilicalTimer.Timer.Restart(now)

	// SIGCONT tells the umbilical monitor the watchdog has just woken,
	// so its timeout restarts rather than firing on the backlog.
	if err := jc.WatchContinue(func() error {
		return m.writeUmbilical()
	}); err != nil {
		return err
	}
	defer func() {
		if err := jc.UnwatchContinue(); err != nil {
			logrus.Warningf("removing continue watch: %v", err)
		}
	}()

	if err := jc.WatchStop(
		func() error {
			logrus.Debug("suspending watchdog")
			return nil
		},
		func() error {
			m.restartTetherTimer(monotime.Now())
			return m.writeUmbilical()
		},
	); err != nil {
		return err
	}
	defer func() {
		if err := jc.UnwatchStop(); err != nil {
			logrus.Warningf("removing stop watch: %v", err)
		}
	}()

	for _, slot := range []*poller.Slot{m.childSlot, m.umbilicalSlot, m.tetherSlot} {
		if slot.Events == 0 {
			continue
		}
		nonblocking, err := process.Nonblocking(slot.FD)
		if err != nil {
			return err
		}
		if !nonblocking {
			return fmt.Errorf("expected %s fd %d to be non-blocking", slot.Name, slot.FD)
		}
	}

	loop := poller.New(
		[]*poller.Slot{m.events, m.childSlot, m.umbilicalSlot, m.tetherSlot},
		[]*poller.TimerSlot{
			m.tetherTimer, m.umbilicalTimer, m.orphanTimer,
			m.terminationTimer, m.disconnectionTimer,
		},
		func() bool {
			// The child has terminated and the tether worker has
			// finished flushing.
			return m.childSlot.Events == 0 && m.tetherSlot.Events == 0
		},
	)
	if err := loop.Run(); err != nil {
		return err
	}

	logrus.Debug("stop monitoring child")
	return nil
}

// activateTermination arms the termination timer. Arming is idempotent:
// a second trigger leaves an already-running escalation alone. The
// child might already have terminated; the escalation fully expects to
// signal a zombie.
func (m *childMonitor) activateTermination(now monotime.Time) {
	if m.terminationTimer.Timer.Enabled() {
		return
	}
	logrus.Debug("activating termination timer")
	m.terminationTimer.Timer.Period = m.conf.SignalTimeout()
	m.terminationTimer.Timer.Trigger(now)
}

// terminationStep advances the signal plan by one entry, staying on the
// final entry once reached.
func (m *childMonitor) terminationStep(now monotime.Time) error {
	step := m.plan[0]
	if len(m.plan) > 1 {
		m.plan = m.plan[1:]
	}

	logrus.Warningf("Killing child pid %d with signal %d", step.target, step.sig)
	return process.Kill(step.target, step.sig)
}

// writeUmbilical drops one heartbeat byte on the umbilical socket. The
// write races child termination, so a closed or congested peer is
// expected and tolerated.
func (m *childMonitor) writeUmbilical() error {
	_, err := unix.Write(m.umbilicalFD, []byte{0})
	switch err {
	case nil:
		logrus.Debug("wrote umbilical")
	case unix.EPIPE:
		logrus.Debug("writing to umbilical closed")
	case unix.EAGAIN:
		logrus.Debug("writing to umbilical blocked")
	case unix.EINTR:
		logrus.Debug("umbilical write interrupted")
		// Stay non-blocking: rather than looping here, expire the
		// heartbeat timer so the monitoring loop retries at once.
		m.umbilicalTimer.Timer.Restart(
			monotime.Now().Add(-m.umbilicalTimer.Timer.Period))
	default:
		return fmt.Errorf("writing umbilical: %w", err)
	}
	return nil
}

func (m *childMonitor) umbilicalHeartbeat(now monotime.Time) error {
	return m.writeUmbilical()
}

// pollUmbilical fires when the umbilical peer disappears. Without the
// sibling there is no dead-man switch left, so supervision gives way to
// termination.
func (m *childMonitor) pollUmbilical(now monotime.Time) error {
	logrus.Debug("umbilical connection closed")

	m.umbilicalSlot.Events = 0
	m.umbilicalTimer.Timer.Period = 0
	m.tetherTimer.Timer.Period = 0

	m.activateTermination(now)
	return nil
}

func (m *childMonitor) disconnectTether() {
	logrus.Debug("disconnect tether control")
	m.tetherSlot.Events = 0
}

// pollTether fires when the tether worker closes its end of the
// control pipe: the flush is complete.
func (m *childMonitor) pollTether(now monotime.Time) error {
	m.disconnectTether()
	return nil
}

func (m *childMonitor) restartTetherTimer(now monotime.Time) {
	m.tetherCycles = 0
	m.tetherTimer.Timer.Restart(now)
}

// tetherTimeout runs when the tether has been quiet for half the
// configured timeout. Recent activity re-aligns the timer with the
// activity; a stopped or traced child defers the timeout entirely.
func (m *childMonitor) tetherTimeout(now monotime.Time) error {
	status, err := process.Monitor(m.child.Pid)
	if err != nil {
		// With the child no longer observable, proceed as if the
		// timeout should terminate it.
		logrus.Debugf("child pid %d unobservable: %v", m.child.Pid, err)
	} else if status == process.StatusStopped || status == process.StatusTrapped {
		logrus.Debugf("deferred timeout child status %v", status)
		m.tetherCycles = 0
		return nil
	} else {
		activity := m.worker.Activity()
		if now < activity.Add(m.tetherTimer.Timer.Period) {
			m.tetherTimer.Timer.Restart(activity)
			m.tetherCycles = 0
			return nil
		}
		m.tetherCycles++
		if m.tetherCycles < timeoutCycles {
			return nil
		}
		m.tetherCycles = timeoutCycles
	}

	logrus.Warningf("Tether timed out after %v", m.conf.TetherTimeout())
	m.tetherTimer.Timer.Period = 0
	m.activateTermination(now)
	return nil
}

// orphanCheck terminates the child once the watchdog has been
// reparented to init. PR_SET_PDEATHSIG is not used because it tracks
// the termination of the parent thread, not the parent process.
func (m *childMonitor) orphanCheck(now monotime.Time) error {
	if unix.Getppid() != 1 {
		return nil
	}
	logrus.Warningf("Watchdog orphaned")
	m.orphanTimer.Timer.Period = 0
	m.activateTermination(now)
	return nil
}

// pollChild decodes the child-status pipe: a byte for each resumption,
// EOF once the child has terminated.
func (m *childMonitor) pollChild(now monotime.Time) error {
	var buf [1]byte
	n, err := unix.Read(m.child.Status.R, buf[:])
	if err == unix.EINTR || err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading child status pipe: %w", err)
	}

	if n > 0 {
		// The child is running again after a stop. Restart the tether
		// timeout so the stoppage is not mistaken for a failure.
		logrus.Debugf("child pid %d is running", m.child.Pid)
		m.restartTetherTimer(now)
		return nil
	}

	logrus.Debugf("child pid %d has terminated", m.child.Pid)
	m.childSlot.Events = 0

	// No further input can be produced, so the tether worker can start
	// flushing, nudged periodically in case its writes block.
	if err := m.worker.Flush(); err != nil {
		return err
	}
	m.disconnectionTimer.Timer.Period = time.Second
	m.disconnectionTimer.Timer.Restart(now)
	return nil
}
