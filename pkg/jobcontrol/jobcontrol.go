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

// Package jobcontrol binds the watchdog's reactions to job control:
// signal forwarding, child reaping, suspension and resumption. Exactly
// one callback is accepted per role, and a role must be unregistered
// before it can be registered again.
package jobcontrol

import (
	"fmt"
	"syscall"

	"github.com/procwatch/procwatch/pkg/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// JobControl is the per-role callback registry, layered over the
// process signal watcher so every callback runs on the event loop.
type JobControl struct {
	watcher *process.Watcher

	raise    process.SignalFunc
	reap     process.WatchFunc
	pause    process.WatchFunc
	resume   process.WatchFunc
	cont process.WatchFunc
}

// New creates an empty registry over the given watcher.
func New(watcher *process.Watcher) *JobControl {
	return &JobControl{watcher: watcher}
}

// WatchSignals registers the raise callback, invoked with each signal
// that should be forwarded to the child.
func (jc *JobControl) WatchSignals(raise process.SignalFunc) error {
	if raise == nil {
		return fmt.Errorf("job control raise callback must not be nil")
	}
	if jc.raise != nil {
		return fmt.Errorf("job control raise callback is already registered")
	}
	if err := jc.watcher.WatchSignals(func(sig syscall.Signal) error {
		return jc.raise(sig)
	}); err != nil {
		return err
	}
	jc.raise = raise
	return nil
}

// UnwatchSignals removes the raise callback.
func (jc *JobControl) UnwatchSignals() error {
	if jc.raise == nil {
		return fmt.Errorf("job control raise callback is not registered")
	}
	if err := jc.watcher.UnwatchSignals(); err != nil {
		return err
	}
	jc.raise = nil
	return nil
}

// WatchDone registers the reap callback, invoked on each SIGCHLD.
func (jc *JobControl) WatchDone(reap process.WatchFunc) error {
	if reap == nil {
		return fmt.Errorf("job control reap callback must not be nil")
	}
	if jc.reap != nil {
		return fmt.Errorf("job control reap callback is already registered")
	}
	if err := jc.watcher.WatchChildren(func() error {
		return jc.reap()
	}); err != nil {
		return err
	}
	jc.reap = reap
	return nil
}

// UnwatchDone removes the reap callback.
func (jc *JobControl) UnwatchDone() error {
	if jc.reap == nil {
		return fmt.Errorf("job control reap callback is not registered")
	}
	if err := jc.watcher.UnwatchChildren(); err != nil {
		return err
	}
	jc.reap = nil
	return nil
}

// WatchStop registers the pause and resume callbacks. On SIGTSTP the
// pause callback runs, the process stops itself with SIGSTOP, and once
// continued the resume callback runs, so the watchdog can be suspended
// by its controlling shell without losing internal state.
func (jc *JobControl) WatchStop(pause, resume process.WatchFunc) error {
	if pause == nil && resume == nil {
		return fmt.Errorf("job control stop callbacks must not both be nil")
	}
	if jc.pause != nil || jc.resume != nil {
		return fmt.Errorf("job control stop callbacks are already registered")
	}
	if err := jc.watcher.WatchStop(func() error {
		if jc.pause != nil {
			if err := jc.pause(); err != nil {
				return err
			}
		}
		if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
			logrus.Warningf("Unable to stop process pid %d: %v", unix.Getpid(), err)
		}
		if jc.resume != nil {
			if err := jc.resume(); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	jc.pause, jc.resume = pause, resume
	return nil
}

// UnwatchStop removes the pause and resume callbacks.
func (jc *JobControl) UnwatchStop() error {
	if jc.pause == nil && jc.resume == nil {
		return fmt.Errorf("job control stop callbacks are not registered")
	}
	if err := jc.watcher.UnwatchStop(); err != nil {
		return err
	}
	jc.pause, jc.resume = nil, nil
	return nil
}

// WatchContinue registers the continue callback, invoked on SIGCONT.
func (jc *JobControl) WatchContinue(cont process.WatchFunc) error {
	if cont == nil {
		return fmt.Errorf("job control continue callback must not be nil")
	}
	if jc.cont != nil {
		return fmt.Errorf("job control continue callback is already registered")
	}
	if err := jc.watcher.WatchCont(func() error {
		return jc.cont()
	}); err != nil {
		return err
	}
	jc.cont = cont
	return nil
}

// UnwatchContinue removes the continue callback.
func (jc *JobControl) UnwatchContinue() error {
	if jc.cont == nil {
		return fmt.Errorf("job control continue callback is not registered")
	}
	if err := jc.watcher.UnwatchCont(); err != nil {
		return err
	}
	jc.cont = nil
	return nil
}

// Close unregisters any remaining callbacks.
func (jc *JobControl) Close() error {
	if jc.cont != nil {
		if err := jc.UnwatchContinue(); err != nil {
			return err
		}
	}
	if jc.pause != nil || jc.resume != nil {
		if err := jc.UnwatchStop(); err != nil {
			return err
		}
	}
	if jc.raise != nil {
		if err := jc.UnwatchSignals(); err != nil {
			return err
		}
	}
	if jc.reap != nil {
		if err := jc.UnwatchDone(); err != nil {
			return err
		}
	}
	return nil
}
