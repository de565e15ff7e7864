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
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/procwatch/procwatch/config"
	"github.com/procwatch/procwatch/pkg/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Child is the supervised target process.
type Child struct {
	// Pid is assigned when the child starts and stands until the final
	// reap.
	Pid int

	// Pgid is the child's process group when it was given its own, or
	// zero when it shares the watchdog's group.
	Pgid int

	// Tether carries the child's liveness bytes. Only the reading end
	// stays non-blocking and close-on-exec; the writing end is
	// inherited by the child and by anything it forks.
	Tether *process.Pipe

	// Status is the child-status pipe: a byte for each resumption, EOF
	// once the child has terminated.
	Status *process.Pipe

	cmd *exec.Cmd
}

// NewChild creates the pipes the child will be started with.
func NewChild() (*Child, error) {
	// Both ends are close-on-exec in the watchdog: the writing end
	// reaches the child only by donation, which strips the flag there.
	// Only the reading end is non-blocking, since the writing end is
	// used by the child and perhaps inherited by anything it forks.
	tether, err := process.NewPipe(unix.O_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating tether pipe: %w", err)
	}
	if err := unix.SetNonblock(tether.R, true); err != nil {
		return nil, fmt.Errorf("marking tether non-blocking: %w", err)
	}

	status, err := process.NewPipe(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		tether.Close()
		return nil, fmt.Errorf("creating child status pipe: %w", err)
	}

	return &Child{Tether: tether, Status: status}, nil
}

// Start launches the target through the internal spawn subcommand. The
// spawn process blocks on the sync pipe until the watchdog has
// announced the pid file, arranges the tether descriptor, and execs the
// target in place, so the pid recorded here is the target's pid.
func (c *Child) Start(conf *config.Config, target []string, syncPipe *process.Pipe) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own executable: %w", err)
	}

	// Donated descriptors are renumbered from 3 in the spawn process.
	args := []string{"spawn", "--sync-fd=3"}
	if conf.Debug {
		args = append(args, "--debug")
	}
	files := []*os.File{syncPipe.ReaderFile("sync")}
	if conf.Tether {
		args = append(args,
			"--tether-fd=4",
			"--tether-target="+strconv.Itoa(conf.TetherFD))
		if conf.Name != "" {
			args = append(args, "--name="+conf.Name)
		}
		files = append(files, c.Tether.WriterFile("tether"))
	}
	args = append(args, "--")
	args = append(args, target...)

	cmd := exec.Command(exe, args...)
	cmd.Args[0] = "procwatch-spawn"
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	cmd.SysProcAttr = &unix.SysProcAttr{
		// Giving the child its own group keeps an inattentive parent of
		// the watchdog from signalling it by accident, at the cost of
		// detaching it from the controlling terminal's job control.
		Setpgid: conf.SetPgid,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting child process: %w", err)
	}

	// The spawn process received duplicates at fork; release this
	// process's copies so that EOF propagates once the child is gone.
	for _, f := range files {
		f.Close()
	}
	syncPipe.R = -1
	if conf.Tether {
		c.Tether.W = -1
	} else if err := c.Tether.CloseWriter(); err != nil {
		// Without a tether the child holds no writing end, so the
		// transfer worker must see EOF as soon as it looks.
		return fmt.Errorf("closing unused tether writer: %w", err)
	}

	c.cmd = cmd
	c.Pid = cmd.Process.Pid
	if conf.SetPgid {
		c.Pgid = c.Pid
	}

	logrus.Debugf("running child pid %d in pgid %d", c.Pid, c.Pgid)
	return nil
}

// Reap classifies a SIGCHLD observation without collecting the child.
// A resumption drops a level hint into the status pipe; termination
// closes the pipe's writer so the monitoring loop observes EOF. Either
// side of that race may see a redundant byte, which is benign because
// only the presence of content matters.
func (c *Child) Reap() error {
	status, err := process.Monitor(c.Pid)
	if err != nil {
		return err
	}

	switch {
	case status == process.StatusRunning:
		if _, err := unix.Write(c.Status.W, []byte{0}); err != nil && err != unix.EAGAIN {
			if err == unix.EBADF {
				// The writer was already closed by a preceding
				// termination observation.
				return nil
			}
			return fmt.Errorf("writing child status pipe: %w", err)
		}
	case status.Terminal():
		if err := c.Status.CloseWriter(); err != nil {
			return fmt.Errorf("closing child status pipe: %w", err)
		}
	default:
		logrus.Debugf("child pid %d status %v", c.Pid, status)
	}
	return nil
}

// Kill forwards a signal to the child. A signal racing the child's
// termination is tolerated.
func (c *Child) Kill(sig syscall.Signal) error {
	if c.Pid == 0 {
		return fmt.Errorf("signal %d raced child teardown", sig)
	}
	logrus.Debugf("sending signal %d to child pid %d", sig, c.Pid)
	return process.Kill(c.Pid, unix.Signal(sig))
}

// Wait reaps the child and returns its wait status. Called only after
// the monitoring loop has observed termination.
func (c *Child) Wait() (unix.WaitStatus, error) {
	err := c.cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return 0, fmt.Errorf("reaping child pid %d: %w", c.Pid, err)
		}
	}
	ws, ok := c.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return 0, fmt.Errorf("unexpected wait status for child pid %d", c.Pid)
	}
	pid := c.Pid
	c.Pid = 0
	logrus.Debugf("reaped child pid %d status %v", pid, ws)
	return unix.WaitStatus(ws), nil
}

// Close releases the child's pipes.
func (c *Child) Close() error {
	err := c.Status.Close()
	if suberr := c.Tether.Close(); err == nil {
		err = suberr
	}
	return err
}
