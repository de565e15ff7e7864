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

// Package cli is the main entrypoint for procwatch.
package cli

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/procwatch/procwatch/cmd"
	"github.com/procwatch/procwatch/cmd/util"
	"github.com/procwatch/procwatch/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Main is the main entrypoint.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	// User-facing commands.
	subcommands.Register(new(cmd.Run), "")
	subcommands.Register(new(cmd.Pid), "")

	// Internal commands.
	const internalGroup = "internal use only"
	subcommands.Register(new(cmd.Spawn), internalGroup)
	subcommands.Register(new(cmd.Sentinel), internalGroup)

	// Register with the main command line. All subcommands must be
	// registered before flag parsing.
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	setupLogging(conf)

	logrus.Debugf("Args: %s", os.Args)
	logrus.Debugf("PID: %d", os.Getpid())

	// Run the subcommand, passing in the configuration. The wait status
	// is threaded through so that the watchdog exits the way its child
	// did: a signalled or dumped child is emulated the way the shell
	// does, with 128 plus the signal number.
	var ws unix.WaitStatus
	subcmdCode := subcommands.Execute(context.Background(), conf, &ws)
	if subcmdCode == subcommands.ExitSuccess {
		logrus.Debugf("Exiting with status: %v", ws)
		if ws.Signaled() {
			os.Exit(128 + int(ws.Signal()))
		}
		os.Exit(ws.ExitStatus())
	}
	os.Exit(int(subcmdCode))
}

func setupLogging(conf *config.Config) {
	switch conf.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	if conf.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		// Standard output belongs to the tether; keep the log quiet
		// unless something is worth a warning.
		logrus.SetLevel(logrus.WarnLevel)
	}

	if conf.LogFile != "" {
		// Append rather than truncate: the same log file may be shared
		// across commands and must not be destroyed on each run.
		f, err := os.OpenFile(conf.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			util.Fatalf("opening log file %q: %v", conf.LogFile, err)
		}
		logrus.SetOutput(f)
	}
}
