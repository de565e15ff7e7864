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

// Package cmd implements the procwatch subcommands.
package cmd

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"github.com/procwatch/procwatch/cmd/util"
	"github.com/procwatch/procwatch/config"
	"github.com/procwatch/procwatch/pkg/supervisor"
	"golang.org/x/sys/unix"
)

// Run implements subcommands.Command for the "run" command.
type Run struct{}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a command under the watchdog"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run -- <command> [args...] - supervise a command. The watchdog's
flags are global and precede "run".
`
}

// SetFlags implements subcommands.Command.SetFlags. The watchdog's
// flags are global, registered ahead of the subcommand.
func (*Run) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	conf := args[0].(*config.Config)
	waitStatus := args[1].(*unix.WaitStatus)

	ws, err := supervisor.Run(conf, f.Args())
	if err != nil {
		util.Fatalf("running %q: %v", f.Arg(0), err)
	}

	*waitStatus = ws
	return subcommands.ExitSuccess
}
