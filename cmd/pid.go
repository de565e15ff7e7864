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
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/procwatch/procwatch/cmd/util"
	"github.com/procwatch/procwatch/config"
	"github.com/procwatch/procwatch/pkg/pidfile"
)

// Pid implements subcommands.Command for the "pid" command, printing
// the pid published in a pid file.
type Pid struct{}

// Name implements subcommands.Command.Name.
func (*Pid) Name() string {
	return "pid"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Pid) Synopsis() string {
	return "print the pid published in a pid file"
}

// Usage implements subcommands.Command.Usage.
func (*Pid) Usage() string {
	return `pid - print the pid recorded in --pidfile.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Pid) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Pid) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if conf.PidFile == "" || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	pf, err := pidfile.Open(conf.PidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return subcommands.ExitFailure
		}
		util.Fatalf("opening pid file %q: %v", conf.PidFile, err)
	}
	defer pf.Close()

	if err := pf.AcquireReadLock(); err != nil {
		util.Fatalf("%v", err)
	}

	pid, err := pf.ReadPid()
	if err != nil {
		util.Fatalf("%v", err)
	}
	if pid == 0 {
		// An empty file is one still being initialised by its writer.
		return subcommands.ExitFailure
	}

	fmt.Fprintf(os.Stdout, "%d\n", pid)
	return subcommands.ExitSuccess
}
