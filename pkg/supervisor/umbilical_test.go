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

package supervisor

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/procwatch/procwatch/pkg/monotime"
	"github.com/procwatch/procwatch/pkg/process"
	"golang.org/x/sys/unix"
)

func umbilicalPair(t *testing.T) *process.SocketPair {
	t.Helper()
	pair, err := process.NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pair.Close() })
	return pair
}

func TestHeartbeatResetsCycles(t *testing.T) {
	pair := umbilicalPair(t)
	m := NewUmbilicalMonitor(pair.Child, os.Getpid(), 10*time.Second)
	m.cycleCount = 1

	if _, err := unix.Write(pair.Parent, []byte{0}); err != nil {
		t.Fatal(err)
	}

	now := monotime.Now()
	if err := m.pollUmbilical(now); err != nil {
		t.Fatal(err)
	}
	if m.cycleCount != 0 {
		t.Fatalf("cycle count = %d after heartbeat, want 0", m.cycleCount)
	}

	// The timer is re-anchored half a period out-of-phase with the
	// heartbeat that just arrived.
	period := m.timer.Timer.Period
	want := now.Add(period + period/2)
	if got := m.timer.Timer.FiresAt(); got != want {
		t.Fatalf("timer fires at %d, want %d", got, want)
	}
}

func TestBrokenUmbilicalCompletes(t *testing.T) {
	pair := umbilicalPair(t)
	m := NewUmbilicalMonitor(pair.Child, os.Getpid(), 10*time.Second)

	if err := unix.Close(pair.Parent); err != nil {
		t.Fatal(err)
	}
	pair.Parent = -1

	if err := m.pollUmbilical(monotime.Now()); err != nil {
		t.Fatal(err)
	}
	if m.slot.Events != 0 {
		t.Fatal("broken umbilical left the slot armed")
	}
}

func TestSilenceAccumulatesCycles(t *testing.T) {
	pair := umbilicalPair(t)
	m := NewUmbilicalMonitor(pair.Child, os.Getpid(), 10*time.Second)

	now := monotime.Now()
	if err := m.timeout(now); err != nil {
		t.Fatal(err)
	}
	if m.cycleCount != 1 || m.slot.Events == 0 {
		t.Fatalf("first silent cycle: count %d, events %#x", m.cycleCount, m.slot.Events)
	}
	if err := m.timeout(now); err != nil {
		t.Fatal(err)
	}
	if m.slot.Events != 0 {
		t.Fatal("cycle limit did not complete the monitor")
	}
}

func TestStoppedParentDefersTimeout(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	defer func() {
		unix.Kill(pid, unix.SIGKILL)
		cmd.Wait()
	}()

	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		state, err := process.State(pid)
		if err != nil {
			t.Fatal(err)
		}
		if state == process.StatusStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("parent stand-in never stopped, state %v", state)
		}
		time.Sleep(time.Millisecond)
	}

	pair := umbilicalPair(t)
	m := NewUmbilicalMonitor(pair.Child, pid, 10*time.Second)
	m.cycleCount = 1

	if err := m.timeout(monotime.Now()); err != nil {
		t.Fatal(err)
	}
	if m.cycleCount != 0 {
		t.Fatalf("cycle count = %d for stopped parent, want 0", m.cycleCount)
	}
	if m.slot.Events == 0 {
		t.Fatal("stopped parent completed the monitor")
	}
}
