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

// Package tether implements the worker that pumps bytes from the
// child's tether pipe to the inherited standard output. The destination
// descriptor is inherited and cannot be assumed non-blocking, so the
// pump runs apart from the monitoring loop and the loop only ever
// watches the worker's control pipe. The timestamps of transfers feed
// the supervisor's tether timeout.
package tether

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/procwatch/procwatch/pkg/monotime"
	"github.com/procwatch/procwatch/pkg/poller"
	"github.com/procwatch/procwatch/pkg/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// State tracks the worker's start/stop rendezvous with the supervisor.
type State int

const (
	// Stopped is the initial state, before Start.
	Stopped State = iota

	// Running covers the transfer loop and the wait for the supervisor
	// to acknowledge completion.
	Running

	// Stopping is set by the supervisor to release the worker once the
	// control pipe has signalled completion.
	Stopping
)

// Worker owns the transfer between the tether pipe and the inherited
// output descriptor.
type Worker struct {
	control *process.Pipe
	null    *process.Pipe
	drain   time.Duration
	flushed bool

	src, dst int

	activity struct {
		sync.Mutex
		since monotime.Time
	}

	state struct {
		sync.Mutex
		cond  *sync.Cond
		value State
	}

	alarms chan os.Signal
	done   chan struct{}
}

// New prepares a worker. The null pipe outlives the worker: on exit the
// input and control descriptors are redirected onto it so that any
// further reads see no data while the supervisor's poll of the control
// pipe observes the disconnect. The drain budget bounds flushing after
// the child exits; zero leaves flushing unbounded.
func New(null *process.Pipe, drain time.Duration) (*Worker, error) {
	control, err := process.NewPipe(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("creating tether control pipe: %w", err)
	}
	w := &Worker{
		control: control,
		null:    null,
		drain:   drain,
		src:     -1,
		dst:     -1,
		alarms:  make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
	w.state.cond = sync.NewCond(&w.state.Mutex)
	w.activity.since = monotime.Now()
	return w, nil
}

// ControlFD returns the write end of the control pipe. The supervisor
// polls it for disconnection: the worker redirects its read end away
// when the transfer is complete.
func (w *Worker) ControlFD() int {
	return w.control.W
}

// Activity returns the time of the most recent transfer attempt.
func (w *Worker) Activity() monotime.Time {
	w.activity.Lock()
	defer w.activity.Unlock()
	return w.activity.since
}

func (w *Worker) recordActivity(now monotime.Time) {
	w.activity.Lock()
	w.activity.since = now
	w.activity.Unlock()
}

// Start launches the transfer loop, moving bytes from src to dst, and
// returns once the loop is running. Pings are delivered as SIGALRM, so
// the signal is claimed here to keep its default disposition from
// terminating the process.
func (w *Worker) Start(src, dst int) {
	w.src, w.dst = src, dst

	signal.Notify(w.alarms, syscall.SIGALRM)

	go w.run()

	w.state.Lock()
	for w.state.value == Stopped {
		w.state.cond.Wait()
	}
	w.state.Unlock()
}

// Ping sends SIGALRM to the process. The signal is not directed at the
// worker's thread, and the runtime restarts a system call it
// interrupts, so a transfer blocked against a slow consumer is not
// released by it.
func (w *Worker) Ping() error {
	logrus.Debug("ping tether worker")
	return unix.Kill(unix.Getpid(), unix.SIGALRM)
}

// Flush asks the worker to begin its drain timeout. Called when the
// child has terminated and no further tether input can be produced.
// The write races the worker closing its descriptors, so a broken pipe
// is expected.
func (w *Worker) Flush() error {
	logrus.Debug("flushing tether worker")
	_, err := unix.Write(w.control.W, []byte{0})
	if err != nil && err != unix.EPIPE {
		return fmt.Errorf("flushing tether worker: %w", err)
	}
	w.flushed = true
	return nil
}

// Close joins the worker. The worker must have been flushed, and its
// control pipe must have disconnected, before Close is called; at that
// point the worker is parked waiting for the state transition.
func (w *Worker) Close() error {
	if !w.flushed {
		return fmt.Errorf("closing tether worker that was never flushed")
	}

	logrus.Debug("synchronising tether worker")

	w.state.Lock()
	w.state.value = Stopping
	w.state.cond.Broadcast()
	w.state.Unlock()

	<-w.done

	signal.Stop(w.alarms)
	return w.control.Close()
}

func (w *Worker) run() {
	w.state.Lock()
	w.state.value = Running
	w.state.cond.Broadcast()
	w.state.Unlock()

	if err := w.transfer(); err != nil {
		logrus.Warningf("tether transfer failed: %v", err)
	}

	// Redirect the input away so the child side observes no further
	// reader, then shut down this side of the control pipe without
	// closing the descriptor slot itself: the monitoring loop watches
	// the peer end for exactly this disconnection.
	if err := unix.Dup3(w.null.R, w.src, 0); err != nil {
		logrus.Warningf("redirecting tether input: %v", err)
	}
	if err := unix.Dup3(w.null.R, w.control.R, 0); err != nil {
		logrus.Warningf("redirecting tether control: %v", err)
	}

	logrus.Debug("tether emptied")

	w.state.Lock()
	for w.state.value == Running {
		w.state.cond.Wait()
	}
	w.state.Unlock()

	close(w.done)
}

func (w *Worker) transfer() error {
	control := &poller.Slot{Name: "control", FD: w.control.R, Events: poller.Input}
	input := &poller.Slot{Name: "input", FD: w.src, Events: poller.Input}
	output := &poller.Slot{Name: "output", FD: w.dst, Events: poller.Disconnect}

	disconnect := &poller.TimerSlot{Name: "disconnection"}

	control.Action = func(now monotime.Time) error {
		var buf [1]byte
		if _, err := unix.Read(w.control.R, buf[:]); err != nil && err != unix.EINTR && err != unix.EAGAIN {
			return fmt.Errorf("reading tether control: %w", err)
		}
		logrus.Debug("tether disconnection request received")

		// A zero drain budget leaves the timer disabled and the flush
		// unbounded.
		disconnect.Timer.Period = w.drain
		disconnect.Timer.Restart(now)
		return nil
	}

	pump := func(now monotime.Time) error {
		if control.Events == 0 {
			return nil
		}
		w.recordActivity(now)

		drained := true
		for {
			available, err := unix.IoctlGetInt(w.src, unix.TIOCINQ)
			if err != nil {
				return fmt.Errorf("querying readable bytes on fd %d: %w", w.src, err)
			}
			if available == 0 {
				logrus.Debug("tether drain input empty")
				break
			}

			bytes, err := w.move(available)
			if err == unix.EPIPE {
				logrus.Debug("tether drain output broken")
				break
			}
			if err == unix.EAGAIN || err == unix.EINTR {
				drained = false
				break
			}
			if err != nil {
				return fmt.Errorf("moving %d bytes from fd %d to fd %d: %w",
					available, w.src, w.dst, err)
			}
			if bytes == 0 {
				logrus.Debug("tether drain output closed")
				break
			}
			logrus.Debugf("drained %d bytes from fd %d to fd %d", bytes, w.src, w.dst)
			drained = false
			break
		}

		if drained {
			control.Events = 0
		}
		return nil
	}
	input.Action = pump
	output.Action = pump

	disconnect.Action = func(now monotime.Time) error {
		// The drain budget has expired: disable the timer and force
		// completion of the transfer loop.
		disconnect.Timer.Period = 0
		control.Events = 0
		return nil
	}

	loop := poller.New(
		[]*poller.Slot{control, input, output},
		[]*poller.TimerSlot{disconnect},
		func() bool { return control.Events == 0 },
	)
	return loop.Run()
}

// move transfers up to n bytes from the tether pipe to the output. The
// source is a private non-blocking pipe with a known byte count, so the
// transfer can only stall against the output. Splice avoids staging the
// data in userspace; descriptors it cannot serve fall back to a bounded
// read and write.
func (w *Worker) move(n int) (int, error) {
	bytes, err := unix.Splice(w.src, nil, w.dst, nil, n, unix.SPLICE_F_MOVE)
	if err == nil || err == unix.EPIPE || err == unix.EAGAIN || err == unix.EINTR {
		return int(bytes), err
	}
	if err != unix.EINVAL && err != unix.ENOSYS {
		return 0, err
	}

	buf := make([]byte, 64<<10)
	if n < len(buf) {
		buf = buf[:n]
	}
	rd, err := unix.Read(w.src, buf)
	if err != nil || rd == 0 {
		return 0, err
	}
	written := 0
	for written < rd {
		wr, err := unix.Write(w.dst, buf[written:rd])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		written += wr
	}
	return written, nil
}
