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
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/procwatch/procwatch/pkg/eventlatch"
	"github.com/procwatch/procwatch/pkg/monotime"
)

// ForwardedSignals are the signals the watchdog relays to its child.
var ForwardedSignals = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGQUIT,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// SignalFunc receives a forwarded signal on the event loop.
type SignalFunc func(sig syscall.Signal) error

// WatchFunc receives a role observation (child status change, stop
// request, continue request) on the event loop.
type WatchFunc func() error

type watchRole int

const (
	roleSignals watchRole = iota
	roleChildren
	roleStop
	roleCont
	roleCount
)

var roleNames = [roleCount]string{"signals", "children", "stop", "continue"}

type watch struct {
	ch    chan os.Signal
	done  chan struct{}
	latch *eventlatch.Latch
}

// Watcher converts asynchronous signal deliveries into latch settings
// on a single event pipe, so that a polling loop observes every signal
// as descriptor readiness. Each role accepts at most one callback at a
// time; re-registration without unregistering is rejected.
type Watcher struct {
	pipe *eventlatch.Pipe

	mu      sync.Mutex
	pending []syscall.Signal
	watches [roleCount]*watch
}

// NewWatcher creates the watcher and its event pipe.
func NewWatcher() (*Watcher, error) {
	pipe, err := eventlatch.NewPipe()
	if err != nil {
		return nil, err
	}
	return &Watcher{pipe: pipe}, nil
}

// PipeFD returns the descriptor the supervising loop polls for input.
func (w *Watcher) PipeFD() int {
	return w.pipe.ReadFD()
}

// Poll dispatches pending latch observations to their callbacks.
func (w *Watcher) Poll(now monotime.Time) error {
	_, err := w.pipe.Poll(now)
	return err
}

func (w *Watcher) watchRole(role watchRole, sigs []os.Signal, method eventlatch.Method, observe func(os.Signal)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watches[role] != nil {
		return fmt.Errorf("%s watcher is already registered", roleNames[role])
	}

	wt := &watch{
		ch:    make(chan os.Signal, 8),
		done:  make(chan struct{}),
		latch: eventlatch.NewLatch(roleNames[role]),
	}
	if _, err := wt.latch.Bind(w.pipe, method); err != nil {
		return err
	}

	signal.Notify(wt.ch, sigs...)
	go func() {
		for {
			select {
			case sig := <-wt.ch:
				if observe != nil {
					observe(sig)
				}
				if _, err := wt.latch.Set(); err != nil {
					// The loop owning the pipe has gone away; there is
					// nobody left to deliver to.
					return
				}
			case <-wt.done:
				return
			}
		}
	}()

	w.watches[role] = wt
	return nil
}

func (w *Watcher) unwatchRole(role watchRole) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	wt := w.watches[role]
	if wt == nil {
		return fmt.Errorf("%s watcher is not registered", roleNames[role])
	}
	signal.Stop(wt.ch)
	close(wt.done)
	wt.latch.Unbind()
	w.watches[role] = nil
	return nil
}

// WatchSignals registers the forwarded-signal callback. Signal numbers
// are queued so that coalesced latch wakeups still deliver every
// signal observed.
func (w *Watcher) WatchSignals(fn SignalFunc) error {
	method := func(enabled bool, now monotime.Time) error {
		if !enabled {
			return nil
		}
		for {
			w.mu.Lock()
			if len(w.pending) == 0 {
				w.mu.Unlock()
				return nil
			}
			sig := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()
			if err := fn(sig); err != nil {
				return err
			}
		}
	}
	observe := func(sig os.Signal) {
		if s, ok := sig.(syscall.Signal); ok {
			w.mu.Lock()
			w.pending = append(w.pending, s)
			w.mu.Unlock()
		}
	}
	return w.watchRole(roleSignals, ForwardedSignals, method, observe)
}

// UnwatchSignals removes the forwarded-signal callback.
func (w *Watcher) UnwatchSignals() error {
	return w.unwatchRole(roleSignals)
}

// WatchChildren registers the SIGCHLD callback.
func (w *Watcher) WatchChildren(fn WatchFunc) error {
	return w.watchRole(roleChildren, []os.Signal{syscall.SIGCHLD}, onEnabled(fn), nil)
}

// UnwatchChildren removes the SIGCHLD callback.
func (w *Watcher) UnwatchChildren() error {
	return w.unwatchRole(roleChildren)
}

// WatchStop registers the SIGTSTP callback.
func (w *Watcher) WatchStop(fn WatchFunc) error {
	return w.watchRole(roleStop, []os.Signal{syscall.SIGTSTP}, onEnabled(fn), nil)
}

// UnwatchStop removes the SIGTSTP callback.
func (w *Watcher) UnwatchStop() error {
	return w.unwatchRole(roleStop)
}

// WatchCont registers the SIGCONT callback.
func (w *Watcher) WatchCont(fn WatchFunc) error {
	return w.watchRole(roleCont, []os.Signal{syscall.SIGCONT}, onEnabled(fn), nil)
}

// UnwatchCont removes the SIGCONT callback.
func (w *Watcher) UnwatchCont() error {
	return w.unwatchRole(roleCont)
}

func onEnabled(fn WatchFunc) eventlatch.Method {
	return func(enabled bool, now monotime.Time) error {
		if !enabled {
			return nil
		}
		return fn()
	}
}

// Close tears down any remaining watches and releases the event pipe.
func (w *Watcher) Close() error {
	for role := watchRole(0); role < roleCount; role++ {
		w.mu.Lock()
		registered := w.watches[role] != nil
		w.mu.Unlock()
		if registered {
			if err := w.unwatchRole(role); err != nil {
				return err
			}
		}
	}
	return w.pipe.Close()
}
