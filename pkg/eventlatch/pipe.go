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

package eventlatch

import (
	"container/list"
	"fmt"

	"github.com/procwatch/procwatch/pkg/monotime"
	"golang.org/x/sys/unix"
)

// latchEntry is a link node owned by the pipe. The latch holds a
// back-reference that is cleared on unbind or on delivery of a
// Disabled observation.
type latchEntry struct {
	latch  *Latch
	method Method
	elem   *list.Element
}

// Pipe is a signalable byte pipe. Any number of latches attach to it;
// redundant signals coalesce so that the pipe carries at most one
// pending byte regardless of how many latches fired.
type Pipe struct {
	mu        sigMutex
	rd, wr    int
	signalled bool
	latches   *list.List
}

// NewPipe creates the pipe with both ends close-on-exec and the read
// end non-blocking, ready to be registered with a polling loop.
func NewPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("creating event pipe: %w", err)
	}
	return &Pipe{rd: fds[0], wr: fds[1], latches: list.New()}, nil
}

// ReadFD returns the descriptor a polling loop should watch for input.
func (p *Pipe) ReadFD() int {
	return p.rd
}

// Set marks the pipe signalled, writing exactly one byte when crossing
// from the unsignalled state. Further calls coalesce.
func (p *Pipe) Set() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signalled {
		return nil
	}
	for {
		n, err := unix.Write(p.wr, []byte{0})
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != 1 {
			return unix.EIO
		}
		break
	}
	p.signalled = true
	return nil
}

// Reset drains the pending byte if the pipe is signalled. It returns
// the number of bytes consumed (0 or 1).
func (p *Pipe) Reset() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

func (p *Pipe) resetLocked() (int, error) {
	if !p.signalled {
		return 0, nil
	}
	var buf [1]byte
	n, err := unix.Read(p.rd, buf[:])
	if err != nil {
		return -1, err
	}
	if n != 1 {
		return -1, unix.EIO
	}
	p.signalled = false
	return 1, nil
}

// Poll visits every attached latch: latches found On deliver an enabled
// observation, latches found Disabled deliver a final disabled
// observation and are dropped from the pipe. The pipe is drained up
// front and re-signalled if any latch could not be delivered, so a
// failed pass leaves the pipe readable and the loop retries. Returns
// the number of deliveries made.
func (p *Pipe) Poll(now monotime.Time) (int, error) {
	p.mu.Lock()
	if !p.signalled {
		p.mu.Unlock()
		return 0, nil
	}
	if _, err := p.resetLocked(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	entries := make([]*latchEntry, 0, p.latches.Len())
	for e := p.latches.Front(); e != nil; e = e.Next() {
		entries = append(entries, e.Value.(*latchEntry))
	}
	p.mu.Unlock()

	// A latch set concurrently with this pass signals the now-drained
	// pipe again; the redundant wakeup on the next pass is benign.

	delivered := 0
	for _, entry := range entries {
		called, err := p.pollEntry(entry, now)
		if err != nil {
			if suberr := p.Set(); suberr != nil {
				return delivered, suberr
			}
			return delivered, err
		}
		delivered += called
	}
	return delivered, nil
}

func (p *Pipe) pollEntry(entry *latchEntry, now monotime.Time) (int, error) {
	latch := entry.latch
	if latch == nil {
		return 0, nil
	}

	setting, err := latch.Reset()
	if err != nil {
		return 0, fmt.Errorf("resetting latch %q: %w", latch.Name(), err)
	}

	switch setting {
	case Off:
		return 0, nil

	case On:
		if err := entry.method(true, now); err != nil {
			return 0, err
		}
		return 1, nil

	default: // Disabled
		p.mu.Lock()
		if entry.elem != nil {
			p.latches.Remove(entry.elem)
			entry.elem = nil
		}
		entry.latch = nil
		p.mu.Unlock()
		latch.dropBinding()

		if err := entry.method(false, now); err != nil {
			return 0, err
		}
		return 1, nil
	}
}

// Close releases both pipe descriptors. All latches must have been
// unbound first.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latches.Len() != 0 {
		return fmt.Errorf("closing event pipe with %d latches attached", p.latches.Len())
	}
	err := unix.Close(p.rd)
	if suberr := unix.Close(p.wr); err == nil {
		err = suberr
	}
	p.rd, p.wr = -1, -1
	return err
}

func (p *Pipe) attach(l *Latch, method Method) *latchEntry {
	entry := &latchEntry{latch: l, method: method}
	p.mu.Lock()
	entry.elem = p.latches.PushBack(entry)
	p.mu.Unlock()
	return entry
}

func (p *Pipe) detach(entry *latchEntry) {
	if entry == nil {
		return
	}
	p.mu.Lock()
	if entry.elem != nil {
		p.latches.Remove(entry.elem)
		entry.elem = nil
	}
	entry.latch = nil
	p.mu.Unlock()
}
