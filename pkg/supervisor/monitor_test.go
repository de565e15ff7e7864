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
	"os/exec"
	"testing"
	"time"

	"github.com/procwatch/procwatch/config"
	"github.com/procwatch/procwatch/pkg/monotime"
	"github.com/procwatch/procwatch/pkg/poller"
	"github.com/procwatch/procwatch/pkg/process"
	"golang.org/x/sys/unix"
)

func testConfig() *config.Config {
	return &config.Config{
		Tether:           true,
		TetherFD:         -1,
		Pid:              0,
		TimeoutTether:    30,
		TimeoutUmbilical: 30,
		TimeoutDrain:     30,
		TimeoutSignal:    30,
		LogFormat:        "text",
	}
}

// startVictim launches a process the escalation tests may signal.
func startVictim(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sleep", "60")
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		cmd.Wait()
	})
	return cmd
}

func TestSignalPlanAdvancesMonotonically(t *testing.T) {
	victim := startVictim(t)
	pid := victim.Process.Pid

	m := &childMonitor{
		conf: testConfig(),
		plan: []signalPlanEntry{
			{pid, unix.SIGTERM},
			{-pid, unix.SIGKILL},
		},
		terminationTimer: &poller.TimerSlot{Name: "termination"},
	}

	now := monotime.Now()
	m.activateTermination(now)
	if !m.terminationTimer.Timer.Enabled() {
		t.Fatal("termination timer not armed")
	}
	// Arming is idempotent: a second activation leaves the running
	// escalation alone.
	armed := m.terminationTimer.Timer
	m.activateTermination(now.Add(time.Hour))
	if m.terminationTimer.Timer != armed {
		t.Fatal("second activation disturbed the termination timer")
	}

	// One step per firing, parking on the final entry.
	if err := m.terminationStep(now); err != nil {
		t.Fatal(err)
	}
	if len(m.plan) != 1 || m.plan[0].target != -pid {
		t.Fatalf("plan after first step = %v", m.plan)
	}
	for i := 0; i < 3; i++ {
		if err := m.terminationStep(now); err != nil {
			t.Fatal(err)
		}
		if len(m.plan) != 1 || m.plan[0].target != -pid || m.plan[0].sig != unix.SIGKILL {
			t.Fatalf("plan left its final entry: %v", m.plan)
		}
	}
}

func TestTetherTimeoutDefersForStoppedChild(t *testing.T) {
	victim := startVictim(t)
	pid := victim.Process.Pid

	null, err := process.NewPipe(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		t.Fatal(err)
	}
	defer null.Close()

	m := &childMonitor{
		conf:             testConfig(),
		child:            &Child{Pid: pid},
		tetherCycles:     1,
		tetherTimer:      &poller.TimerSlot{Name: "tether"},
		terminationTimer: &poller.TimerSlot{Name: "termination"},
	}
	m.tetherTimer.Timer.Period = time.Second

	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		t.Fatal(err)
	}
	awaitStopped(t, pid)

	if err := m.tetherTimeout(monotime.Now()); err != nil {
		t.Fatal(err)
	}
	if m.tetherCycles != 0 {
		t.Fatalf("cycle count = %d after deferral, want 0", m.tetherCycles)
	}
	if m.terminationTimer.Timer.Enabled() {
		t.Fatal("termination activated for a stopped child")
	}
}

func awaitStopped(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := process.Monitor(pid)
		if err != nil {
			t.Fatal(err)
		}
		if status == process.StatusStopped {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("child never stopped, status %v", status)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUmbilicalDisconnectActivatesTermination(t *testing.T) {
	m := &childMonitor{
		conf:             testConfig(),
		umbilicalSlot:    &poller.Slot{Name: "umbilical", Events: poller.Disconnect},
		tetherTimer:      &poller.TimerSlot{Name: "tether", Timer: monotime.LapTimer{Period: time.Second}},
		umbilicalTimer:   &poller.TimerSlot{Name: "umbilical", Timer: monotime.LapTimer{Period: time.Second}},
		terminationTimer: &poller.TimerSlot{Name: "termination"},
		plan:             []signalPlanEntry{{1 << 30, unix.SIGTERM}},
	}

	if err := m.pollUmbilical(monotime.Now()); err != nil {
		t.Fatal(err)
	}
	if m.umbilicalSlot.Events != 0 {
		t.Fatal("umbilical slot still armed after disconnect")
	}
	if m.umbilicalTimer.Timer.Enabled() || m.tetherTimer.Timer.Enabled() {
		t.Fatal("heartbeat or tether timer survived umbilical disconnect")
	}
	if !m.terminationTimer.Timer.Enabled() {
		t.Fatal("termination not activated by umbilical disconnect")
	}
}
