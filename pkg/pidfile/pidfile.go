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

// Package pidfile publishes the supervised pid in a lockable file. The
// file cannot be created and locked atomically, so a freshly created
// file may have been replaced underneath its creator; the zombie check
// detects that by comparing the held file against what the path now
// names. Readers take a shared lock, the writer holds the exclusive
// lock only around initialisation and removal.
package pidfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// File is a pid file, either being published or being read.
type File struct {
	path        string
	file        *os.File
	lock        *flock.Flock
	writeLocked bool
	readLocked  bool
}

// Open opens an existing pid file for reading. A missing file is
// reported with os.ErrNotExist unwrapped for the caller to map to its
// exit status.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &File{path: path, file: f, lock: flock.New(path)}, nil
}

// Create creates the pid file, or adopts an existing one so that the
// zombie check and rewrite can recover from a stale leftover.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("creating pid file %q: %w", path, err)
	}
	return &File{path: path, file: f, lock: flock.New(path)}, nil
}

// AcquireWriteLock takes the exclusive lock, blocking out readers.
func (p *File) AcquireWriteLock() error {
	if err := p.lock.Lock(); err != nil {
		return fmt.Errorf("locking pid file %q: %w", p.path, err)
	}
	p.writeLocked = true
	return nil
}

// AcquireReadLock takes the shared lock.
func (p *File) AcquireReadLock() error {
	if err := p.lock.RLock(); err != nil {
		return fmt.Errorf("read-locking pid file %q: %w", p.path, err)
	}
	p.readLocked = true
	return nil
}

// ReleaseLock drops whichever lock is held, admitting readers while the
// published process lives.
func (p *File) ReleaseLock() error {
	if err := p.lock.Unlock(); err != nil {
		return fmt.Errorf("unlocking pid file %q: %w", p.path, err)
	}
	p.writeLocked = false
	p.readLocked = false
	return nil
}

// DetectZombie reports whether the file on disk is no longer the one
// held: another process removed or replaced the path between creation
// and locking.
func (p *File) DetectZombie() (bool, error) {
	var held, named unix.Stat_t
	if err := unix.Fstat(int(p.file.Fd()), &held); err != nil {
		return false, fmt.Errorf("querying held pid file %q: %w", p.path, err)
	}
	err := unix.Stat(p.path, &named)
	if err == unix.ENOENT {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying pid file path %q: %w", p.path, err)
	}
	return held.Dev != named.Dev || held.Ino != named.Ino, nil
}

// WritePid records the pid as a decimal followed by a newline. The
// caller holds the write lock.
func (p *File) WritePid(pid int) error {
	if err := p.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating pid file %q: %w", p.path, err)
	}
	if _, err := p.file.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("writing pid file %q: %w", p.path, err)
	}
	return nil
}

// ReadPid parses the recorded pid. An empty file, one still being
// initialised by its writer, reads as pid zero.
func (p *File) ReadPid() (int, error) {
	buf := make([]byte, 64)
	n, err := p.file.ReadAt(buf, 0)
	if err != nil && n == 0 {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading pid file %q: %w", p.path, err)
	}
	text := string(bytes.TrimSpace(buf[:n]))
	if text == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q holds malformed pid %q", p.path, text)
	}
	return pid, nil
}

// Close releases the file. When the exclusive lock is held the path is
// removed first, so competing creators never adopt a file that is about
// to disappear out from under them.
func (p *File) Close() error {
	var err error
	if p.writeLocked {
		if rmErr := os.Remove(p.path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	}
	if p.writeLocked || p.readLocked {
		if unlockErr := p.lock.Unlock(); err == nil {
			err = unlockErr
		}
		p.writeLocked = false
		p.readLocked = false
	}
	if closeErr := p.file.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Path returns the pid file's path.
func (p *File) Path() string {
	return p.path
}
