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

package cmd

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/procwatch/procwatch/cmd/util"
	"github.com/procwatch/procwatch/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Spawn implements subcommands.Command for the internal "spawn"
// command: the child half of the watchdog's fork. It holds the target
// back until the watchdog has published the pid file, arranges the
// tether descriptor, and execs the target in place.
type Spawn struct {
	syncFD       int
	tetherFD     int
	tetherTarget int
	name         string
	debug        bool
}

// Name implements subcommands.Command.Name.
func (*Spawn) Name() string {
	return "spawn"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Spawn) Synopsis() string {
	return "launch the supervised target (internal)"
}

// Usage implements subcommands.Command.Usage.
func (*Spawn) Usage() string {
	return `spawn [flags] -- <command> [args...] - exec the target once released.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Spawn) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.syncFD, "sync-fd", -1, "descriptor of the synchronisation pipe")
	f.IntVar(&s.tetherFD, "tether-fd", -1, "descriptor the tether pipe was donated on")
	f.IntVar(&s.tetherTarget, "tether-target", -1, "descriptor number the target expects the tether on")
	f.StringVar(&s.name, "name", "", "environment variable or argv placeholder for the tether descriptor")
	f.BoolVar(&s.debug, "debug", false, "enable debug logging")
}

// Execute implements subcommands.Command.Execute.
func (s *Spawn) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if f.NArg() == 0 || s.syncFD < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	target := f.Args()

	// Wait until the watchdog has created the pid file; that invariant
	// lets a reader decide whether the file really belongs to the
	// process holding the published pid. EOF means the watchdog died
	// before releasing us.
	logrus.Debug("synchronising child process")
	var buf [1]byte
	for {
		n, err := unix.Read(s.syncFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			util.Fatalf("synchronising child: %v", err)
		}
		if n == 0 {
			os.Exit(1)
		}
		break
	}
	unix.Close(s.syncFD)

	if s.tetherFD >= 0 {
		if err := s.arrangeTether(target); err != nil {
			util.Fatalf("%v", err)
		}
	}

	logrus.Debug("child process synchronised")

	path, err := exec.LookPath(target[0])
	if err != nil {
		util.Fatalf("unable to execute %q: %v", target[0], err)
	}
	if err := unix.Exec(path, target, os.Environ()); err != nil {
		util.Fatalf("unable to execute %q: %v", target[0], err)
	}
	panic("unreachable")
}

// arrangeTether moves the tether to the descriptor number the target
// expects and conveys that number through the environment or an argv
// placeholder, mutating target in place.
func (s *Spawn) arrangeTether(target []string) error {
	fd := s.tetherTarget
	if fd < 0 {
		fd = s.tetherFD
	}
	fdArg := strconv.Itoa(fd)

	if s.name != "" {
		conf := config.Config{Name: s.name}
		if conf.NameConveysEnv() {
			if err := os.Setenv(s.name, fdArg); err != nil {
				return err
			}
		} else {
			// Scan from the first argument, leaving the command name
			// intact.
			replaced := false
			for i := 1; i < len(target); i++ {
				if strings.Contains(target[i], s.name) {
					target[i] = strings.Replace(target[i], s.name, fdArg, 1)
					replaced = true
					break
				}
			}
			if !replaced {
				return errUnmatchedName(s.name)
			}
		}
	}

	if fd != s.tetherFD {
		if err := unix.Dup3(s.tetherFD, fd, 0); err != nil {
			return err
		}
		unix.Close(s.tetherFD)
	}
	return nil
}

type errUnmatchedName string

func (e errUnmatchedName) Error() string {
	return "unable to find matching argument " + strconv.Quote(string(e))
}
