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

package config

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"
)

// RegisterFlags adds the watchdog's flags to the given flag set. All
// flags are registered up front so that a defaults file can address any
// of them by name.
func RegisterFlags(fs *flag.FlagSet) {
	fs.Bool("tether", true, "monitor child activity through the tether pipe")
	fs.Int("tether-fd", -1, "descriptor number the child receives the tether on, or -1 for the pipe's own")
	fs.String("name", "", "environment variable or argv placeholder conveying the tether descriptor to the target")
	fs.String("pidfile", "", "path the supervised pid is published at")
	fs.Int("pid", 0, "pid to record: -1 the watchdog, 0 the child, otherwise a literal")
	fs.Bool("setpgid", false, "place the child into its own process group")
	fs.Bool("quiet", false, "discard the target's tether output")
	fs.Bool("orphaned", false, "terminate the child if the watchdog is orphaned")
	fs.Bool("identify", false, "print the watchdog, umbilical and child pids on stdout")
	fs.Bool("sd-notify", false, "report readiness to the service manager after releasing the child")

	fs.Int("timeout-tether", 30, "seconds of tether silence before termination, 0 to disable")
	fs.Int("timeout-umbilical", 30, "seconds of umbilical silence before the monitor kills the process group")
	fs.Int("timeout-drain", 30, "seconds allowed to flush the tether after the child exits, 0 for unbounded")
	fs.Int("timeout-signal", 30, "seconds between termination escalation steps")

	fs.Bool("debug", false, "enable debug logging")
	fs.String("log", "", "append the log to this file instead of stderr")
	fs.String("log-format", "text", "log format: text or json")
	fs.String("config", "", "TOML file providing defaults for any flag not given explicitly")
}

// NewFromFlags builds a Config from a parsed flag set, applying the
// defaults file first so that explicit flags win.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	if path := stringFlag(fs, "config"); path != "" {
		if err := applyDefaultsFile(fs, path); err != nil {
			return nil, err
		}
	}

	conf := &Config{
		Tether:           boolFlag(fs, "tether"),
		TetherFD:         intFlag(fs, "tether-fd"),
		Name:             stringFlag(fs, "name"),
		PidFile:          stringFlag(fs, "pidfile"),
		Pid:              intFlag(fs, "pid"),
		SetPgid:          boolFlag(fs, "setpgid"),
		Quiet:            boolFlag(fs, "quiet"),
		Orphaned:         boolFlag(fs, "orphaned"),
		Identify:         boolFlag(fs, "identify"),
		SdNotify:         boolFlag(fs, "sd-notify"),
		TimeoutTether:    intFlag(fs, "timeout-tether"),
		TimeoutUmbilical: intFlag(fs, "timeout-umbilical"),
		TimeoutDrain:     intFlag(fs, "timeout-drain"),
		TimeoutSignal:    intFlag(fs, "timeout-signal"),
		Debug:            boolFlag(fs, "debug"),
		LogFile:          stringFlag(fs, "log"),
		LogFormat:        stringFlag(fs, "log-format"),
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyDefaultsFile folds a TOML table of flag names into the flag set,
// skipping flags the command line already set.
func applyDefaultsFile(fs *flag.FlagSet, path string) error {
	var table map[string]any
	if _, err := toml.DecodeFile(path, &table); err != nil {
		return fmt.Errorf("loading defaults file %q: %w", path, err)
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	for name, value := range table {
		if fs.Lookup(name) == nil {
			return fmt.Errorf("defaults file %q names unknown flag %q", path, name)
		}
		if explicit[name] {
			continue
		}
		if err := fs.Set(name, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("defaults file %q flag %q: %w", path, name, err)
		}
	}
	return nil
}

func boolFlag(fs *flag.FlagSet, name string) bool {
	return fs.Lookup(name).Value.(flag.Getter).Get().(bool)
}

func intFlag(fs *flag.FlagSet, name string) int {
	return fs.Lookup(name).Value.(flag.Getter).Get().(int)
}

func stringFlag(fs *flag.FlagSet, name string) string {
	return fs.Lookup(name).Value.(flag.Getter).Get().(string)
}
