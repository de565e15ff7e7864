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

// Package supervisor runs a target command under a watchdog: the
// target's tether traffic and the watchdog's own liveness are monitored
// so that the target cannot outlive its supervision. Three processes
// cooperate: the watchdog, the target child, and an umbilical monitor
// sibling that removes the child's process group should the watchdog
// itself die uncleanly.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cenkalti/backoff"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/procwatch/procwatch/config"
	"github.com/procwatch/procwatch/pkg/jobcontrol"
	"github.com/procwatch/procwatch/pkg/pidfile"
	"github.com/procwatch/procwatch/pkg/process"
	"github.com/procwatch/procwatch/pkg/tether"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Run supervises the target command to completion and returns the
// child's wait status for the caller to convert into an exit code.
func Run(conf *config.Config, target []string) (unix.WaitStatus, error) {
	pgid, _ := unix.Getpgid(0)
	logrus.Debugf("watchdog process pid %d pgid %d", os.Getpid(), pgid)

	// A tether reader that goes away must not kill the watchdog with
	// SIGPIPE; broken pipes are handled at each write site.
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Reset(syscall.SIGPIPE)

	// Guarantee that descriptors created from here on cannot be
	// mistaken for stdin, stdout or stderr.
	filler, err := process.NewStdFdFiller()
	if err != nil {
		return 0, err
	}

	umbilical, err := process.NewSocketPair()
	if err != nil {
		return 0, err
	}
	defer umbilical.Close()

	child, err := NewChild()
	if err != nil {
		return 0, err
	}
	defer child.Close()

	watcher, err := process.NewWatcher()
	if err != nil {
		return 0, err
	}
	defer watcher.Close()

	jc := jobcontrol.New(watcher)
	if err := jc.WatchDone(child.Reap); err != nil {
		return 0, err
	}

	// The transfer worker is running before the child exists, so no
	// tether byte can ever be produced without a pump behind it.
	null, err := process.NewPipe(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		return 0, err
	}
	defer null.Close()

	worker, err := tether.New(null, conf.DrainTimeout())
	if err != nil {
		return 0, err
	}
	worker.Start(child.Tether.R, int(os.Stdout.Fd()))

	// Close-on-exec keeps the writing end out of the child: the spawn
	// process must observe EOF, not its own copy, should the watchdog
	// die before releasing it.
	syncPipe, err := process.NewPipe(unix.O_CLOEXEC)
	if err != nil {
		return 0, err
	}
	defer syncPipe.Close()

	if err := child.Start(conf, target, syncPipe); err != nil {
		return 0, err
	}

	// Deliver signals to the child only now that it exists. Until this
	// point a signal terminates the watchdog, and the child notices
	// through its synchronisation pipe.
	if err := jc.WatchSignals(child.Kill); err != nil {
		return 0, err
	}
	defer jc.Close()

	var pf *pidfile.File
	if conf.PidFile != "" {
		pid := conf.Pid
		switch pid {
		case -1:
			pid = os.Getpid()
		case 0:
			pid = child.Pid
		}
		pf, err = announce(conf.PidFile, pid)
		if err != nil {
			return 0, err
		}
	}

	// With the child launched, stdio becomes available for deliberate
	// manipulation and must not be closed twice.
	if err := filler.Close(); err != nil {
		return 0, err
	}

	discardStdout := conf.Quiet || !conf.Tether
	if !discardStdout {
		if _, err := unix.FcntlInt(os.Stdout.Fd(), unix.F_GETFL, 0); err != nil {
			discardStdout = true
		}
	}
	if discardStdout {
		if err := process.Nullify(int(os.Stdout.Fd())); err != nil {
			return 0, err
		}
	}

	// Monitor the umbilical from a sibling process so a failure of the
	// watchdog is detected independently.
	sentinel, err := startSentinel(conf, child, umbilical)
	if err != nil {
		return 0, err
	}
	if err := umbilical.CloseChild(); err != nil {
		return 0, err
	}

	if conf.Identify {
		fmt.Fprintf(os.Stdout, "%d %d\n", os.Getpid(), sentinel.Process.Pid)
	}

	// Release the child to exec the target.
	if _, err := unix.Write(syncPipe.W, []byte{0}); err != nil {
		return 0, fmt.Errorf("synchronising child process: %w", err)
	}
	if err := syncPipe.Close(); err != nil {
		return 0, fmt.Errorf("closing sync pipe: %w", err)
	}

	if conf.Identify {
		fmt.Fprintf(os.Stdout, "%d\n", child.Pid)
	}

	if conf.SdNotify {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logrus.Warningf("notifying service manager: %v", err)
		}
	}

	if err := monitorChild(conf, child, umbilical.Parent, worker, watcher, jc); err != nil {
		return 0, err
	}

	if err := jc.Close(); err != nil {
		return 0, err
	}

	if err := worker.Close(); err != nil {
		return 0, err
	}

	// The child is done, so the sibling has no further purpose. Kill it
	// rather than negotiate: that is the surest way to have it stop.
	logrus.Debugf("killing umbilical pid %d", sentinel.Process.Pid)
	if err := sentinel.Process.Kill(); err != nil {
		return 0, fmt.Errorf("killing umbilical pid %d: %w", sentinel.Process.Pid, err)
	}
	if err := sentinel.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return 0, fmt.Errorf("reaping umbilical pid %d: %w", sentinel.Process.Pid, err)
		}
	}

	if pf != nil {
		// Removal happens under the write lock so that a competing
		// reader never sees a half-dead pid file.
		if err := pf.AcquireWriteLock(); err != nil {
			return 0, err
		}
		if err := pf.Close(); err != nil {
			return 0, err
		}
	}

	// Reap the child only after the pid file is gone: a reader that
	// managed to lock and read the file saw a live process.
	logrus.Debugf("reaping child pid %d", child.Pid)
	return child.Wait()
}

// announce publishes the pid, retrying while freshly created pid files
// keep turning out to be zombies replaced under their creator.
func announce(path string, pid int) (*pidfile.File, error) {
	var pf *pidfile.File

	create := func() error {
		f, err := pidfile.Create(path)
		if err != nil {
			return backoff.Permanent(err)
		}

		// The file cannot be created and locked atomically; only after
		// locking can we learn whether the path still names our file.
		if err := f.AcquireWriteLock(); err != nil {
			f.Close()
			return backoff.Permanent(err)
		}
		zombie, err := f.DetectZombie()
		if err != nil {
			f.Close()
			return backoff.Permanent(err)
		}
		if zombie {
			logrus.Debugf("discarding zombie pid file %q", path)
			f.ReleaseLock()
			f.Close()
			return fmt.Errorf("zombie pid file %q", path)
		}
		pf = f
		return nil
	}
	if err := backoff.Retry(create, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 16)); err != nil {
		return nil, fmt.Errorf("initialising pid file %q: %w", path, err)
	}

	logrus.Debugf("initialised pid file %q", path)

	if err := pf.WritePid(pid); err != nil {
		pf.Close()
		return nil, err
	}

	// Locked through initialisation; now complete, readers may look.
	if err := pf.ReleaseLock(); err != nil {
		pf.Close()
		return nil, err
	}
	return pf, nil
}

// startSentinel launches the umbilical monitor sibling inside the
// child's process group, so that its kill(0, SIGKILL) reaches the
// target without racing pid reuse.
func startSentinel(conf *config.Config, child *Child, umbilical *process.SocketPair) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own executable: %w", err)
	}

	args := []string{
		"sentinel",
		"--umbilical-fd=3",
		"--parent-pid=" + strconv.Itoa(os.Getpid()),
		"--timeout-umbilical=" + strconv.Itoa(conf.TimeoutUmbilical),
	}
	if conf.Debug {
		args = append(args, "--debug")
	}

	cmd := exec.Command(exe, args...)
	cmd.Args[0] = "procwatch-sentinel"
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(umbilical.Child), "umbilical")}
	cmd.SysProcAttr = &unix.SysProcAttr{}
	if conf.SetPgid {
		cmd.SysProcAttr.Setpgid = true
		cmd.SysProcAttr.Pgid = child.Pgid
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting umbilical monitor: %w", err)
	}
	logrus.Debugf("monitoring umbilical from pid %d", cmd.Process.Pid)
	return cmd, nil
}
