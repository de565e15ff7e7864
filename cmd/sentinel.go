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
	"time"

	"github.com/google/subcommands"
	"github.com/procwatch/procwatch/cmd/util"
	"github.com/procwatch/procwatch/pkg/supervisor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Sentinel implements subcommands.Command for the internal "sentinel"
// command: the umbilical monitor sibling. It runs inside the child's
// process group and removes the whole group when the watchdog's
// heartbeat fails.
type Sentinel struct {
	umbilicalFD      int
	parentPid        int
	timeoutUmbilical int
	debug            bool
}

// Name implements subcommands.Command.Name.
func (*Sentinel) Name() string {
	return "sentinel"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Sentinel) Synopsis() string {
	return "monitor the watchdog's umbilical (internal)"
}

// Usage implements subcommands.Command.Usage.
func (*Sentinel) Usage() string {
	return `sentinel [flags] - kill the process group when the watchdog dies.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Sentinel) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.umbilicalFD, "umbilical-fd", -1, "descriptor the umbilical socket was donated on")
	f.IntVar(&s.parentPid, "parent-pid", -1, "pid of the watchdog process")
	f.IntVar(&s.timeoutUmbilical, "timeout-umbilical", 30, "seconds of umbilical silence before killing the process group")
	f.BoolVar(&s.debug, "debug", false, "enable debug logging")
}

// Execute implements subcommands.Command.Execute.
func (s *Sentinel) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if s.umbilicalFD < 0 || s.parentPid <= 0 || s.timeoutUmbilical <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	pgid, _ := unix.Getpgid(0)
	logrus.Debugf("start monitoring umbilical process pid %d pgid %d", unix.Getpid(), pgid)

	monitor := supervisor.NewUmbilicalMonitor(
		s.umbilicalFD, s.parentPid,
		time.Duration(s.timeoutUmbilical)*time.Second)
	if err := monitor.Run(); err != nil {
		util.Fatalf("monitoring umbilical: %v", err)
	}
	return subcommands.ExitFailure
}
