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

package tether

import (
	"bytes"
	"testing"
	"time"

	"github.com/procwatch/procwatch/pkg/process"
	"golang.org/x/sys/unix"
)

// harness wires a worker between two local pipes standing in for the
// child's tether and the inherited standard output.
type harness struct {
	worker *Worker
	null   *process.Pipe
	input  *process.Pipe
	output *process.Pipe
}

func newHarness(t *testing.T, drain time.Duration) *harness {
	t.Helper()

	null, err := process.NewPipe(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		t.Fatal(err)
	}

	input, err := process.NewPipe(unix.O_CLOEXEC)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.SetNonblock(input.R, true); err != nil {
		t.Fatal(err)
	}

	output, err := process.NewPipe(unix.O_CLOEXEC)
	if err != nil {
		t.Fatal(err)
	}

	worker, err := New(null, drain)
	if err != nil {
		t.Fatal(err)
	}
	worker.Start(input.R, output.W)

	t.Cleanup(func() {
		null.Close()
		input.Close()
		output.Close()
	})
	return &harness{worker: worker, null: null, input: input, output: output}
}

func TestTransferPreservesBytes(t *testing.T) {
	h := newHarness(t, time.Second)

	payload := bytes.Repeat([]byte("tether"), 512)
	if _, err := unix.Write(h.input.W, payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) {
		if time.Now().After(deadline) {
			t.Fatalf("transferred %d of %d bytes before timeout", len(got), len(payload))
		}
		n, err := unix.Read(h.output.R, buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("transferred bytes differ from produced bytes")
	}

	before := h.worker.Activity()

	// The transfer stamped the activity clock.
	if _, err := unix.Write(h.input.W, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if n, err := unix.Read(h.output.R, buf); err != nil || n != 1 {
		t.Fatalf("trailing read = %d, %v", n, err)
	}
	if h.worker.Activity() < before {
		t.Fatal("activity timestamp went backwards")
	}

	finishWorker(t, h)
}

func TestFlushAfterProducerExit(t *testing.T) {
	h := newHarness(t, time.Second)

	if _, err := unix.Write(h.input.W, []byte("final")); err != nil {
		t.Fatal(err)
	}
	// Producer is gone; the worker must still deliver what is buffered.
	if err := h.input.CloseWriter(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	n, err := unix.Read(h.output.R, buf)
	if err != nil || string(buf[:n]) != "final" {
		t.Fatalf("read after producer exit = %q, %v", buf[:n], err)
	}

	finishWorker(t, h)
}

// finishWorker flushes, waits for the control-pipe disconnect the
// supervisor would poll for, and joins the worker.
func finishWorker(t *testing.T, h *harness) {
	t.Helper()

	h.input.CloseWriter()
	if err := h.worker.Flush(); err != nil {
		t.Fatal(err)
	}

	fds := []unix.PollFd{{Fd: int32(h.worker.ControlFD()), Events: unix.POLLERR}}
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := unix.Poll(fds, 100)
		if err != nil && err != unix.EINTR {
			t.Fatal(err)
		}
		if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never disconnected its control pipe")
		}
	}

	if err := h.worker.Close(); err != nil {
		t.Fatal(err)
	}
}
