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

	"golang.org/x/sys/unix"
)

// Pipe is a unidirectional byte pipe held as raw descriptors, so that
// either end can be donated to a child process or redirected with dup2
// without the runtime closing it behind our back.
type Pipe struct {
	R, W int
}

// NewPipe creates a pipe with the given pipe2 flags on both ends.
func NewPipe(flags int) (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], flags); err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	return &Pipe{R: fds[0], W: fds[1]}, nil
}

// CloseReader closes the read end.
func (p *Pipe) CloseReader() error {
	if p.R < 0 {
		return nil
	}
	err := unix.Close(p.R)
	p.R = -1
	return err
}

// CloseWriter closes the write end. Readers observe EOF.
func (p *Pipe) CloseWriter() error {
	if p.W < 0 {
		return nil
	}
	err := unix.Close(p.W)
	p.W = -1
	return err
}

// Close closes both ends.
func (p *Pipe) Close() error {
	err := p.CloseReader()
	if suberr := p.CloseWriter(); err == nil {
		err = suberr
	}
	return err
}

// ReaderFile wraps the read end for donation to a child process. The
// returned file shares the descriptor; closing it closes the pipe end.
func (p *Pipe) ReaderFile(name string) *os.File {
	return os.NewFile(uintptr(p.R), name)
}

// WriterFile wraps the write end for donation to a child process.
func (p *Pipe) WriterFile(name string) *os.File {
	return os.NewFile(uintptr(p.W), name)
}

// SocketPair is a bidirectional stream socket pair: one end stays with
// the watchdog, the other is donated to the umbilical monitor.
type SocketPair struct {
	Parent, Child int
}

// NewSocketPair creates a close-on-exec, non-blocking socket pair.
func NewSocketPair() (*SocketPair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket pair: %w", err)
	}
	return &SocketPair{Parent: fds[0], Child: fds[1]}, nil
}

// CloseChild closes the end destined for the peer process.
func (s *SocketPair) CloseChild() error {
	if s.Child < 0 {
		return nil
	}
	err := unix.Close(s.Child)
	s.Child = -1
	return err
}

// Close closes both ends.
func (s *SocketPair) Close() error {
	var err error
	if s.Parent >= 0 {
		err = unix.Close(s.Parent)
		s.Parent = -1
	}
	if suberr := s.CloseChild(); err == nil {
		err = suberr
	}
	return err
}

// Nonblocking reports whether the descriptor's open file has
// O_NONBLOCK set. The monitoring loops insist on non-blocking
// descriptors because O_NONBLOCK is an attribute of the open file, not
// of the descriptor, and inherited stdio cannot safely be switched.
func Nonblocking(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, fmt.Errorf("querying flags of fd %d: %w", fd, err)
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// Nullify replaces the descriptor with /dev/null, discarding whatever
// was written to it.
func Nullify(fd int) error {
	null, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer unix.Close(null)
	if err := unix.Dup3(null, fd, 0); err != nil {
		return fmt.Errorf("redirecting fd %d to %s: %w", fd, os.DevNull, err)
	}
	return nil
}

// StdFdFiller occupies any free slots among stdin, stdout and stderr so
// that descriptors created afterwards cannot be mistaken for stdio.
type StdFdFiller struct {
	fds []int
}

// NewStdFdFiller fills the low descriptor slots with /dev/null.
func NewStdFdFiller() (*StdFdFiller, error) {
	f := &StdFdFiller{}
	for {
		fd, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("filling stdio slots: %w", err)
		}
		if fd > 2 {
			unix.Close(fd)
			return f, nil
		}
		f.fds = append(f.fds, fd)
	}
}

// Close releases the filler descriptors, making the stdio slots
// available for deliberate manipulation.
func (f *StdFdFiller) Close() error {
	var err error
	for _, fd := range f.fds {
		if suberr := unix.Close(fd); err == nil {
			err = suberr
		}
	}
	f.fds = nil
	return err
}
