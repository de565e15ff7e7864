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

// Package eventlatch provides the latch and pipe primitives that marshal
// asynchronous observations (signal deliveries, worker completions) into
// a single file descriptor that a polling loop can watch.
package eventlatch

import (
	"fmt"
	"sync"

	"github.com/procwatch/procwatch/pkg/monotime"
)

// Setting is the observable state of a latch.
type Setting int

const (
	// Off is the idle state. Resetting an Off latch is a no-op.
	Off Setting = iota

	// On records a pending event. Setting an On latch is a no-op.
	On

	// Disabled is terminal. Once disabled a latch ignores Set and Reset.
	Disabled
)

func (s Setting) String() string {
	switch s {
	case Off:
		return "off"
	case On:
		return "on"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("setting(%d)", int(s))
}

// Method delivers a latch observation to its owner. The enabled argument
// is true for an On observation, and false when the latch was disabled.
type Method func(enabled bool, now monotime.Time) error

// Latch is a three-state cell that can be bound to a Pipe. Transitions
// into a signalling state (Off to On, or any live state to Disabled)
// signal the bound pipe exactly once.
type Latch struct {
	mu       sync.Mutex
	name     string
	on       bool
	disabled bool
	pipe     *Pipe
	entry    *latchEntry
}

// NewLatch creates a latch with a diagnostic name.
func NewLatch(name string) *Latch {
	return &Latch{name: name}
}

// Name returns the diagnostic name of the latch.
func (l *Latch) Name() string {
	return l.name
}

func (l *Latch) settingLocked() Setting {
	switch {
	case l.disabled:
		return Disabled
	case l.on:
		return On
	}
	return Off
}

// Setting returns the current state of the latch.
func (l *Latch) Setting() Setting {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settingLocked()
}

// Set turns the latch On and signals the bound pipe when the latch was
// previously Off. The prior setting is returned.
func (l *Latch) Set() (Setting, error) {
	l.mu.Lock()
	prior := l.settingLocked()
	var pipe *Pipe
	if prior == Off {
		l.on = true
		pipe = l.pipe
	}
	l.mu.Unlock()

	if pipe != nil {
		if err := pipe.Set(); err != nil {
			return prior, fmt.Errorf("signalling pipe for latch %q: %w", l.name, err)
		}
	}
	return prior, nil
}

// Reset turns an On latch Off. Resetting from Off or Disabled has no
// effect, and never signals the pipe.
func (l *Latch) Reset() (Setting, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prior := l.settingLocked()
	if prior == On {
		l.on = false
	}
	return prior, nil
}

// Disable moves the latch into its terminal state. The first transition
// out of a live state signals the bound pipe; further calls are no-ops.
func (l *Latch) Disable() (Setting, error) {
	l.mu.Lock()
	prior := l.settingLocked()
	var pipe *Pipe
	if prior != Disabled {
		l.disabled = true
		pipe = l.pipe
	}
	l.mu.Unlock()

	if pipe != nil {
		if err := pipe.Set(); err != nil {
			return prior, fmt.Errorf("signalling pipe for latch %q: %w", l.name, err)
		}
	}
	return prior, nil
}

// Bind attaches the latch to a pipe with a delivery method. A latch is
// bound to at most one pipe; binding while the latch is in a non-Off
// state immediately signals the pipe so the pending observation is not
// lost. The prior setting is returned.
func (l *Latch) Bind(pipe *Pipe, method Method) (Setting, error) {
	l.mu.Lock()
	if l.pipe != nil {
		l.mu.Unlock()
		return Off, fmt.Errorf("latch %q is already bound", l.name)
	}
	prior := l.settingLocked()
	l.pipe = pipe
	l.entry = pipe.attach(l, method)
	l.mu.Unlock()

	if prior != Off {
		if err := pipe.Set(); err != nil {
			return prior, fmt.Errorf("signalling pipe for latch %q: %w", l.name, err)
		}
	}
	return prior, nil
}

// Unbind detaches the latch from its pipe. Unbinding an unbound latch
// is a no-op.
func (l *Latch) Unbind() Setting {
	l.mu.Lock()
	defer l.mu.Unlock()
	prior := l.settingLocked()
	if l.pipe != nil {
		l.pipe.detach(l.entry)
		l.pipe = nil
		l.entry = nil
	}
	return prior
}

// dropBinding clears the latch's back-reference after the pipe itself
// removed the link (delivery of a Disabled observation).
func (l *Latch) dropBinding() {
	l.mu.Lock()
	l.pipe = nil
	l.entry = nil
	l.mu.Unlock()
}
