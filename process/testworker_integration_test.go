//go:build unix

package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/derfred/procpool/channel"
	"github.com/derfred/procpool/rpc"
	"github.com/derfred/procpool/scheduler"
)

// testworkerBin is built once by TestMain, by compiling
// internal/testworker, so the tests in this file exercise a real
// spawned child speaking the line-RPC protocol rather than a shell
// one-liner.
var testworkerBin string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "procpool-testworker")
	if err != nil {
		fmt.Fprintln(os.Stderr, "testworker: mkdtemp:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	testworkerBin = filepath.Join(dir, "testworker")
	build := exec.Command("go", "build", "-o", testworkerBin, "github.com/derfred/procpool/internal/testworker")
	build.Stdout = os.Stderr
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "testworker: go build:", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestRequestResponseOverTestworker(t *testing.T) {
	p := New([]string{testworkerBin}, nil, "", channel.Stdio(), WithHealthInterval(10*time.Millisecond))
	if err := p.Start(scheduler.Goroutines()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Kill()

	resp, err := p.RPC().Request(context.Background(), rpc.Message{"action": "add", "a": 2.0, "b": 3.0}, time.Second)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp["result"] != 5.0 {
		t.Errorf("result = %v, want 5", resp["result"])
	}

	if err := p.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.Status() != Exited {
		t.Errorf("Status() = %s, want exited", p.Status())
	}
}

func TestUnknownActionDecodesAsRPCError(t *testing.T) {
	p := New([]string{testworkerBin}, nil, "", channel.Stdio(), WithHealthInterval(10*time.Millisecond))
	if err := p.Start(scheduler.Goroutines()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Kill()

	resp, err := p.RPC().Request(context.Background(), rpc.Message{"action": "frobnicate"}, time.Second)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	rpcErr, ok := resp.AsRPCError()
	if !ok {
		t.Fatalf("AsRPCError() ok = false for response %v", resp)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("rpcErr.Code = %d, want -32601", rpcErr.Code)
	}
	if rpcErr.Message == "" {
		t.Error("rpcErr.Message = \"\", want a description of the unknown action")
	}
}

func TestProgressNotificationsObservedInOrder(t *testing.T) {
	p := New([]string{testworkerBin}, nil, "", channel.Stdio(), WithHealthInterval(10*time.Millisecond))
	if err := p.Start(scheduler.Goroutines()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Kill()

	var viaCallback []int
	p.RPC().OnNotification(func(m rpc.Message) {
		if percent, ok := m["percent"].(float64); ok {
			viaCallback = append(viaCallback, int(percent))
		}
	})

	var viaIterator []int
	iterDone := make(chan struct{})
	go func() {
		defer close(iterDone)
		p.RPC().Notifications().Each(func(m rpc.Message) {
			if percent, ok := m["percent"].(float64); ok {
				viaIterator = append(viaIterator, int(percent))
			}
		})
	}()

	resp, err := p.RPC().Request(context.Background(), rpc.Message{"action": "notify_progress", "count": 3.0}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp["status"] != "done" {
		t.Errorf("status = %v, want done", resp["status"])
	}

	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case <-iterDone:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications iterator never terminated after Stop")
	}

	want := []int{33, 67, 100}
	if !equalInts(viaCallback, want) {
		t.Errorf("callback observed %v, want %v", viaCallback, want)
	}
	if !equalInts(viaIterator, want) {
		t.Errorf("iterator observed %v, want %v", viaIterator, want)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStopEscalatesToSigkillWhenShutdownAndTermAreIgnored(t *testing.T) {
	p := New([]string{testworkerBin}, []string{"IGNORE_SHUTDOWN=1", "IGNORE_TERM=1"}, "", channel.Stdio(),
		WithHealthInterval(10*time.Millisecond))
	if err := p.Start(scheduler.Goroutines()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	elapsed := time.Since(start)

	if elapsed > 3*time.Second {
		t.Errorf("Stop() took %s, want roughly bounded by its 2s budget", elapsed)
	}
	if p.Status() != Exited {
		t.Errorf("Status() = %s, want exited", p.Status())
	}
}

func TestHangingRequestTimesOutAndChannelStillUsable(t *testing.T) {
	p := New([]string{testworkerBin}, nil, "", channel.Stdio(), WithHealthInterval(10*time.Millisecond))
	if err := p.Start(scheduler.Goroutines()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Kill()

	_, err := p.RPC().Request(context.Background(), rpc.Message{"action": "hang"}, 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error for a hanging request")
	}

	resp, err := p.RPC().Request(context.Background(), rpc.Message{"action": "add", "a": 1.0, "b": 1.0}, time.Second)
	if err != nil {
		t.Fatalf("subsequent Request() error = %v", err)
	}
	if resp["result"] != 2.0 {
		t.Errorf("result = %v, want 2", resp["result"])
	}
}

func TestSocketRPCLogsAndRPCConcurrently(t *testing.T) {
	env := []string{"STDOUT_LINES=stdout line 1", "STDERR_LINES=stderr line 1"}
	p := New([]string{testworkerBin}, env, "", channel.Socket(), WithHealthInterval(10*time.Millisecond))
	if err := p.Start(scheduler.Goroutines()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Kill()

	gotStdout := make(chan string, 1)
	gotStderr := make(chan string, 1)
	p.Stdout().OnData(func(line string) { gotStdout <- line })
	p.Stderr().OnData(func(line string) { gotStderr <- line })

	select {
	case line := <-gotStdout:
		if line != "stdout line 1" {
			t.Errorf("stdout line = %q, want %q", line, "stdout line 1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never observed a stdout log line")
	}
	select {
	case line := <-gotStderr:
		if line != "stderr line 1" {
			t.Errorf("stderr line = %q, want %q", line, "stderr line 1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never observed a stderr log line")
	}

	resp, err := p.RPC().Request(context.Background(), rpc.Message{"action": "add", "a": 4.0, "b": 5.0}, time.Second)
	if err != nil {
		t.Fatalf("Request() over socket-rpc error = %v", err)
	}
	if resp["result"] != 9.0 {
		t.Errorf("result = %v, want 9", resp["result"])
	}
}
