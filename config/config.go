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

// Package config holds the watchdog's configuration, built from command
// line flags with optional defaults from a TOML file. The supervisor
// carries a Config explicitly rather than consulting process-wide
// state.
package config

import (
	"fmt"
	"time"
)

// Config configures a watchdog run.
type Config struct {
	// Tether enables activity monitoring of the child through the
	// tether pipe.
	Tether bool

	// TetherFD is the descriptor number the tether's writing end is
	// moved to in the child, or -1 to leave it wherever the pipe was
	// donated.
	TetherFD int

	// Name conveys the tether descriptor number to the target: as an
	// environment variable when it looks like one, otherwise as a
	// placeholder substring replaced in the target's arguments.
	Name string

	// PidFile is the path the supervised pid is published at. Empty
	// disables publication.
	PidFile string

	// Pid selects which pid to record: -1 the watchdog, 0 the child,
	// anything else is recorded literally.
	Pid int

	// SetPgid places the child into its own process group.
	SetPgid bool

	// Quiet discards the target's tether output instead of copying it
	// to standard output.
	Quiet bool

	// Orphaned terminates the child if the watchdog is reparented to
	// init.
	Orphaned bool

	// Identify prints the watchdog and umbilical pids, then the child
	// pid, on standard output around the child's release.
	Identify bool

	// SdNotify reports readiness to the service manager once the child
	// has been released.
	SdNotify bool

	// Timeouts in seconds; zero disables the corresponding behaviour,
	// except for the umbilical timeout, which must be positive.
	TimeoutTether    int
	TimeoutUmbilical int
	TimeoutDrain     int
	TimeoutSignal    int

	// Debug enables debug logging.
	Debug bool

	// LogFile appends the log to a file instead of standard error.
	LogFile string

	// LogFormat selects the log encoder, "text" or "json".
	LogFormat string
}

// TetherTimeout is the full tether silence budget.
func (c *Config) TetherTimeout() time.Duration {
	return time.Duration(c.TimeoutTether) * time.Second
}

// UmbilicalTimeout is the full umbilical silence budget.
func (c *Config) UmbilicalTimeout() time.Duration {
	return time.Duration(c.TimeoutUmbilical) * time.Second
}

// DrainTimeout bounds tether flushing after the child terminates.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.TimeoutDrain) * time.Second
}

// SignalTimeout is the period between termination escalation steps.
func (c *Config) SignalTimeout() time.Duration {
	return time.Duration(c.TimeoutSignal) * time.Second
}

// NameConveysEnv decides whether Name names an environment variable: a
// leading uppercase letter followed by uppercase letters, digits and
// underscores. Anything else is an argv placeholder.
func (c *Config) NameConveysEnv() bool {
	if c.Name == "" || !isUpper(c.Name[0]) {
		return false
	}
	for i := 1; i < len(c.Name); i++ {
		ch := c.Name[i]
		if !isUpper(ch) && !isDigit(ch) && ch != '_' {
			return false
		}
	}
	return true
}

// Validate rejects configurations the watchdog cannot honour.
func (c *Config) Validate() error {
	for name, value := range map[string]int{
		"timeout-tether":    c.TimeoutTether,
		"timeout-umbilical": c.TimeoutUmbilical,
		"timeout-drain":     c.TimeoutDrain,
		"timeout-signal":    c.TimeoutSignal,
	} {
		if value < 0 {
			return fmt.Errorf("flag --%s must not be negative", name)
		}
	}
	if c.TimeoutUmbilical == 0 {
		return fmt.Errorf("flag --timeout-umbilical must be positive")
	}
	if c.Pid < -1 {
		return fmt.Errorf("flag --pid must be -1, 0, or a literal pid")
	}
	if c.TetherFD < -1 {
		return fmt.Errorf("flag --tether-fd must be -1 or a descriptor number")
	}
	if c.Name != "" {
		ch := c.Name[0]
		// TODO: decide a policy for names that are neither clearly an
		// environment variable nor a printable placeholder. Until then
		// a leading letter is required.
		if !isUpper(ch) && !isLower(ch) {
			return fmt.Errorf("flag --name %q must begin with a letter", c.Name)
		}
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("flag --log-format %q must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

func isUpper(ch byte) bool { return ch >= 'A' && ch <= 'Z' }
func isLower(ch byte) bool { return ch >= 'a' && ch <= 'z' }
func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
