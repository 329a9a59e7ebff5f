//go:build unix

package socket

import (
	"testing"
	"time"
)

func TestSpawnAndClose(t *testing.T) {
	tr := New([]string{"/bin/sh", "-c", "exec 3<&3; cat <&3 >&3"}, nil, "", nil)
	pid, err := tr.Spawn()
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if pid <= 0 {
		t.Fatalf("Spawn() pid = %d, want > 0", pid)
	}
	if got, ok := tr.PID(); !ok || got != pid {
		t.Errorf("PID() = (%d, %v), want (%d, true)", got, ok, pid)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRPCSocketFDRoundTrip(t *testing.T) {
	// The child echoes one line read from its inherited RPC socket back
	// over the same descriptor, proving RPC_SOCKET_FD resolves to a live,
	// full-duplex connection to the parent's end.
	tr := New([]string{"/bin/sh", "-c", `read -r line <&3; echo "$line" >&3`}, nil, "", nil)
	if _, err := tr.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer tr.Close()

	if err := tr.WriteLine("ping"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}

	done := make(chan struct{})
	var line string
	var readErr error
	go func() {
		line, readErr = tr.ReadLine()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLine() never returned")
	}

	if readErr != nil {
		t.Fatalf("ReadLine() error = %v", readErr)
	}
	if line != "ping" {
		t.Errorf("ReadLine() = %q, want %q", line, "ping")
	}
}

func TestStdoutAndStderrAreLogStreams(t *testing.T) {
	tr := New([]string{"/bin/sh", "-c", "echo out1; echo err1 1>&2"}, nil, "", nil)
	if _, err := tr.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer tr.Close()

	if tr.StdoutReader() == nil {
		t.Error("StdoutReader() should be non-nil in socket-rpc mode")
	}
	if tr.StderrReader() == nil {
		t.Error("StderrReader() should be non-nil in socket-rpc mode")
	}
}
