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

package process

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/procwatch/procwatch/pkg/monotime"
	"golang.org/x/sys/unix"
)

func TestStateOfSelf(t *testing.T) {
	status, err := State(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusRunning {
		t.Fatalf("State(self) = %v, want %v", status, StatusRunning)
	}
}

func TestMonitorObservesWithoutReaping(t *testing.T) {
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := Monitor(pid)
		if err != nil {
			t.Fatal(err)
		}
		if status == StatusExited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Monitor(%d) = %v, want %v", pid, status, StatusExited)
		}
		time.Sleep(time.Millisecond)
	}

	// Observation must leave the child reapable: repeated queries keep
	// seeing the termination, and the final wait still collects it.
	if status, err := Monitor(pid); err != nil || status != StatusExited {
		t.Fatalf("second Monitor(%d) = %v, %v, want %v, nil", pid, status, err, StatusExited)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("Wait() after Monitor: %v", err)
	}
}

func TestMonitorClassifiesStops(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	defer func() {
		unix.Kill(pid, unix.SIGKILL)
		cmd.Wait()
	}()

	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		t.Fatal(err)
	}
	awaitStatus(t, pid, StatusStopped)

	if err := unix.Kill(pid, unix.SIGCONT); err != nil {
		t.Fatal(err)
	}
	awaitStatus(t, pid, StatusRunning)
}

func awaitStatus(t *testing.T, pid int, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := Monitor(pid)
		if err != nil {
			t.Fatal(err)
		}
		if status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Monitor(%d) = %v, want %v", pid, status, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKillToleratesReapedPid(t *testing.T) {
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := Kill(pid, unix.SIGTERM); err != nil {
		t.Fatalf("Kill() of reaped pid: %v", err)
	}
}

func TestWatcherDeliversChildObservations(t *testing.T) {
	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	observed := make(chan struct{}, 1)
	if err := w.WatchChildren(func() error {
		select {
		case observed <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Re-registration without unregistering is rejected.
	if err := w.WatchChildren(func() error { return nil }); err == nil {
		t.Fatal("second WatchChildren() succeeded")
	}

	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer cmd.Wait()

	fds := []unix.PollFd{{Fd: int32(w.PipeFD()), Events: unix.POLLIN}}
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := unix.Poll(fds, 100)
		if err != nil && err != unix.EINTR {
			t.Fatal(err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("SIGCHLD never signalled the event pipe")
		}
	}
	if err := w.Poll(monotime.Now()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-observed:
	default:
		t.Fatal("child observation was not delivered")
	}

	if err := w.UnwatchChildren(); err != nil {
		t.Fatal(err)
	}
	if err := w.UnwatchChildren(); err == nil {
		t.Fatal("second UnwatchChildren() succeeded")
	}
}

func TestForwardedSignalQueue(t *testing.T) {
	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	got := make(chan syscall.Signal, 8)
	if err := w.WatchSignals(func(sig syscall.Signal) error {
		got <- sig
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := unix.Kill(os.Getpid(), unix.SIGUSR1); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		fds := []unix.PollFd{{Fd: int32(w.PipeFD()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil && err != unix.EINTR {
			t.Fatal(err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("signal never reached the event pipe")
		}
	}
	if err := w.Poll(monotime.Now()); err != nil {
		t.Fatal(err)
	}

	select {
	case sig := <-got:
		if sig != syscall.SIGUSR1 {
			t.Fatalf("forwarded signal = %v, want SIGUSR1", sig)
		}
	default:
		t.Fatal("signal was not delivered")
	}
}

func TestStdFdFiller(t *testing.T) {
	filler, err := NewStdFdFiller()
	if err != nil {
		t.Fatal(err)
	}
	defer filler.Close()

	// With stdio occupied, a fresh descriptor lands above the stdio
	// range.
	fd, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	if fd <= 2 {
		t.Fatalf("new descriptor %d landed in the stdio range", fd)
	}
}

func TestNonblocking(t *testing.T) {
	p, err := NewPipe(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	for _, fd := range []int{p.R, p.W} {
		nb, err := Nonblocking(fd)
		if err != nil {
			t.Fatal(err)
		}
		if !nb {
			t.Fatalf("fd %d reports blocking", fd)
		}
	}

	blocking, err := NewPipe(0)
	if err != nil {
		t.Fatal(err)
	}
	defer blocking.Close()
	nb, err := Nonblocking(blocking.R)
	if err != nil {
		t.Fatal(err)
	}
	if nb {
		t.Fatalf("fd %d reports non-blocking", blocking.R)
	}
}
