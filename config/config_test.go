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
	"os"
	"path/filepath"
	"testing"
)

func parseFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestDefaults(t *testing.T) {
	conf, err := NewFromFlags(parseFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	if !conf.Tether || conf.TetherFD != -1 {
		t.Fatalf("tether defaults = %v fd %d", conf.Tether, conf.TetherFD)
	}
	if conf.TimeoutTether != 30 || conf.TimeoutUmbilical != 30 ||
		conf.TimeoutDrain != 30 || conf.TimeoutSignal != 30 {
		t.Fatalf("timeout defaults = %d %d %d %d",
			conf.TimeoutTether, conf.TimeoutUmbilical, conf.TimeoutDrain, conf.TimeoutSignal)
	}
	if conf.Pid != 0 || conf.SetPgid || conf.Quiet || conf.Orphaned || conf.Identify {
		t.Fatal("behaviour flags default on")
	}
}

func TestNameConveysEnv(t *testing.T) {
	cases := []struct {
		name string
		env  bool
	}{
		{"TETHER_FD", true},
		{"FD9", true},
		{"T", true},
		{"Tether", false},
		{"tether", false},
		{"T-FD", false},
		{"", false},
	}
	for _, tc := range cases {
		conf := Config{Name: tc.name}
		if got := conf.NameConveysEnv(); got != tc.env {
			t.Errorf("NameConveysEnv(%q) = %v, want %v", tc.name, got, tc.env)
		}
	}
}

func TestValidateRejectsBadNames(t *testing.T) {
	for _, name := range []string{"9LIVES", "_FD", "\xc3\xa9tether"} {
		conf := Config{Name: name, TimeoutUmbilical: 30, LogFormat: "text"}
		if err := conf.Validate(); err == nil {
			t.Errorf("Validate() accepted name %q", name)
		}
	}
	conf := Config{Name: "TETHER_FD", TimeoutUmbilical: 30, LogFormat: "text"}
	if err := conf.Validate(); err != nil {
		t.Errorf("Validate() rejected %q: %v", conf.Name, err)
	}
}

func TestValidateTimeouts(t *testing.T) {
	conf := Config{TimeoutUmbilical: 0, LogFormat: "text"}
	if err := conf.Validate(); err == nil {
		t.Error("Validate() accepted a disabled umbilical timeout")
	}
	conf = Config{TimeoutUmbilical: 30, TimeoutTether: -1, LogFormat: "text"}
	if err := conf.Validate(); err == nil {
		t.Error("Validate() accepted a negative timeout")
	}
}

func TestDefaultsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.toml")
	contents := "quiet = true\n\"timeout-tether\" = 7\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	// The explicit flag wins over the file; unset flags take the
	// file's value.
	fs := parseFlags(t, "--config="+path, "--timeout-tether=9")
	conf, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if !conf.Quiet {
		t.Error("defaults file did not apply quiet")
	}
	if conf.TimeoutTether != 9 {
		t.Errorf("timeout-tether = %d, want explicit 9", conf.TimeoutTether)
	}
}

func TestDefaultsFileUnknownFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.toml")
	if err := os.WriteFile(path, []byte("bogus = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFromFlags(parseFlags(t, "--config="+path)); err == nil {
		t.Error("unknown flag in defaults file was accepted")
	}
}
