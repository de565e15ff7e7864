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

package jobcontrol

import (
	"syscall"
	"testing"

	"github.com/procwatch/procwatch/pkg/process"
)

func newJobControl(t *testing.T) *JobControl {
	t.Helper()
	watcher, err := process.NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { watcher.Close() })
	return New(watcher)
}

func TestSingleShotRegistration(t *testing.T) {
	jc := newJobControl(t)

	raise := func(syscall.Signal) error { return nil }
	noop := func() error { return nil }

	if err := jc.WatchSignals(raise); err != nil {
		t.Fatal(err)
	}
	if err := jc.WatchSignals(raise); err == nil {
		t.Fatal("second WatchSignals() succeeded")
	}
	if err := jc.UnwatchSignals(); err != nil {
		t.Fatal(err)
	}
	if err := jc.UnwatchSignals(); err == nil {
		t.Fatal("second UnwatchSignals() succeeded")
	}
	if err := jc.WatchSignals(raise); err != nil {
		t.Fatalf("re-registration after unregistering: %v", err)
	}

	if err := jc.WatchDone(noop); err != nil {
		t.Fatal(err)
	}
	if err := jc.WatchDone(noop); err == nil {
		t.Fatal("second WatchDone() succeeded")
	}

	if err := jc.WatchStop(noop, noop); err != nil {
		t.Fatal(err)
	}
	if err := jc.WatchStop(noop, noop); err == nil {
		t.Fatal("second WatchStop() succeeded")
	}

	if err := jc.WatchContinue(noop); err != nil {
		t.Fatal(err)
	}
	if err := jc.WatchContinue(noop); err == nil {
		t.Fatal("second WatchContinue() succeeded")
	}

	if err := jc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNilCallbacksRejected(t *testing.T) {
	jc := newJobControl(t)

	if err := jc.WatchSignals(nil); err == nil {
		t.Fatal("WatchSignals(nil) succeeded")
	}
	if err := jc.WatchDone(nil); err == nil {
		t.Fatal("WatchDone(nil) succeeded")
	}
	if err := jc.WatchStop(nil, nil); err == nil {
		t.Fatal("WatchStop(nil, nil) succeeded")
	}
	if err := jc.WatchContinue(nil); err == nil {
		t.Fatal("WatchContinue(nil) succeeded")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	jc := newJobControl(t)
	if err := jc.WatchDone(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := jc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := jc.Close(); err != nil {
		t.Fatalf("second Close(): %v", err)
	}
}
