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

// Package process provides the process-observation and descriptor
// plumbing that the supervision loops are built on: child status
// classification, signal watchers bridged onto an event pipe, and the
// small fd helpers the watchdog needs around fork and exec.
package process

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Status classifies what a monitored process is doing.
type Status int

const (
	// StatusRunning covers a process that is running, or that has just
	// resumed after a stop.
	StatusRunning Status = iota

	// StatusExited means the process terminated normally.
	StatusExited

	// StatusKilled means the process was terminated by a signal.
	StatusKilled

	// StatusDumped means the process was terminated by a signal and
	// dumped core.
	StatusDumped

	// StatusStopped means the process is stopped by job control.
	StatusStopped

	// StatusTrapped means the process is stopped under a tracer.
	StatusTrapped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusKilled:
		return "killed"
	case StatusDumped:
		return "dumped"
	case StatusStopped:
		return "stopped"
	case StatusTrapped:
		return "trapped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the status means the process is gone.
func (s Status) Terminal() bool {
	return s == StatusExited || s == StatusKilled || s == StatusDumped
}

// Linux ABI values for waitid(2): the P_PID id type and the si_code
// classifications delivered for child state changes.
const (
	pPID = 1

	cldExited    = 1
	cldKilled    = 2
	cldDumped    = 3
	cldTrapped   = 4
	cldStopped   = 5
	cldContinued = 6
)

// waitSiginfo is the siginfo_t layout waitid(2) fills in. Only the
// leading classification fields are consumed; the rest pads the struct
// out to the 128 bytes the kernel writes.
type waitSiginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     [116]byte
}

// Monitor observes the state of a child without reaping it, so that
// the final wait can still collect the exit status. With nothing
// pending the child is considered running.
func Monitor(pid int) (Status, error) {
	var info waitSiginfo
	_, _, errno := unix.Syscall6(unix.SYS_WAITID,
		pPID, uintptr(pid), uintptr(unsafe.Pointer(&info)),
		unix.WEXITED|unix.WSTOPPED|unix.WCONTINUED|unix.WNOHANG|unix.WNOWAIT,
		0, 0)
	if errno == unix.EINTR {
		return StatusRunning, nil
	}
	if errno != 0 {
		return StatusRunning, fmt.Errorf("querying status of pid %d: %w", pid, errno)
	}
	if info.Signo == 0 {
		return StatusRunning, nil
	}

	switch info.Code {
	case cldExited:
		return StatusExited, nil
	case cldKilled:
		return StatusKilled, nil
	case cldDumped:
		return StatusDumped, nil
	case cldStopped:
		return StatusStopped, nil
	case cldTrapped:
		return StatusTrapped, nil
	case cldContinued:
		return StatusRunning, nil
	}
	return StatusRunning, fmt.Errorf("unexpected si_code %d for pid %d", info.Code, pid)
}

// State reads the scheduling state of an arbitrary process, one that
// need not be a child, from procfs. It is used to decide whether a
// silent peer is merely stopped.
func State(pid int) (Status, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return StatusRunning, fmt.Errorf("reading state of pid %d: %w", pid, err)
	}

	// The state field follows the parenthesised command name, which may
	// itself contain parentheses and spaces.
	text := string(data)
	close := strings.LastIndexByte(text, ')')
	if close < 0 || close+2 >= len(text) {
		return StatusRunning, fmt.Errorf("malformed stat for pid %d", pid)
	}
	switch text[close+2] {
	case 'T':
		return StatusStopped, nil
	case 't':
		return StatusTrapped, nil
	case 'Z':
		return StatusExited, nil
	case 'X', 'x':
		return StatusKilled, nil
	}
	return StatusRunning, nil
}

// Kill delivers a signal to a pid, tolerating a process that has
// already been reaped.
func Kill(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("delivering signal %d to pid %d: %w", sig, pid, err)
	}
	return nil
}
