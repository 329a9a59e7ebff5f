//go:build unix

package pipe

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/derfred/procpool/channel"
	"github.com/derfred/procpool/procerr"
	"github.com/derfred/procpool/transport"
)

// Transport is the stdio-rpc / no-rpc transport.Transport implementation:
// three plain pipes to a spawned child.
type Transport struct {
	argv []string
	env  []string
	dir  string
	cfg  channel.Config
	log  *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// rpcScanner reads RPC lines from stdout; only set in stdio-rpc mode.
	rpcScanner *bufio.Scanner

	mu     sync.Mutex
	closed bool
	pid    int

	waitOnce   sync.Once
	waitStatus transport.ExitStatus
	waitErr    error
}

// New builds a pipe Transport for argv, run with env in dir (dir == ""
// means inherit the current working directory). cfg must not be
// channel.Socket() — use package socket for that mode.
func New(argv, env []string, dir string, cfg channel.Config, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{argv: argv, env: env, dir: dir, cfg: cfg, log: log}
}

// Spawn starts the child. See transport.Transport.
func (t *Transport) Spawn() (int, error) {
	if len(t.argv) == 0 {
		return 0, fmt.Errorf("pipe: empty command")
	}

	cmd := exec.Command(t.argv[0], t.argv[1:]...)
	if t.dir != "" {
		cmd.Dir = t.dir
	}
	if len(t.env) > 0 {
		cmd.Env = t.env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("pipe: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return 0, fmt.Errorf("pipe: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return 0, fmt.Errorf("pipe: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return 0, fmt.Errorf("pipe: start: %w", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr
	t.pid = cmd.Process.Pid
	if t.cfg.IsStdio() && t.cfg.RPCEnabled() {
		t.rpcScanner = bufio.NewScanner(stdout)
		t.rpcScanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	} else {
		// no-rpc: no input is coming, signal that to the child right away.
		stdin.Close()
		t.stdin = nil
	}
	t.mu.Unlock()

	t.log.Info("pipe transport spawned", zap.Int("pid", t.pid), zap.String("mode", t.cfg.Mode().String()))
	return t.pid, nil
}

// WriteLine appends a newline and writes to the child's stdin.
func (t *Transport) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.stdin == nil {
		return procerr.ErrChannelClosed
	}
	_, err := io.WriteString(t.stdin, line+"\n")
	return err
}

// ReadLine returns the next newline-terminated line from the RPC read side
// (the child's stdout, in stdio-rpc mode), or io.EOF once the peer closes
// its write end.
func (t *Transport) ReadLine() (string, error) {
	t.mu.Lock()
	scanner := t.rpcScanner
	closed := t.closed
	t.mu.Unlock()

	if closed || scanner == nil {
		return "", procerr.ErrChannelClosed
	}
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return scanner.Text(), nil
}

// StderrReader exposes the child's stderr as a byte stream; always
// available.
func (t *Transport) StderrReader() io.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stderr
}

// StdoutReader exposes the child's stdout as a byte stream for logs; nil
// in stdio-rpc mode, where stdout carries protocol bytes instead.
func (t *Transport) StdoutReader() io.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.IsStdio() && t.cfg.RPCEnabled() {
		return nil
	}
	return t.stdout
}

// Close closes all three pipes. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin, stdout, stderr := t.stdin, t.stdout, t.stderr
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if stdout != nil {
		stdout.Close()
	}
	if stderr != nil {
		stderr.Close()
	}
	return nil
}

// Closed reports whether Close has run.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// PID returns the child's PID once Spawn has succeeded.
func (t *Transport) PID() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pid == 0 {
		return 0, false
	}
	return t.pid, true
}

// WaitForExit blocks until the OS reaps the child, returning its exit
// status. Safe to call after Close, and safe to call concurrently — the
// underlying Wait runs exactly once.
func (t *Transport) WaitForExit() (transport.ExitStatus, error) {
	t.waitOnce.Do(func() {
		err := t.cmd.Wait()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				t.waitErr = err
				return
			}
		}
		t.waitStatus = transport.FromProcessState(t.cmd.ProcessState)
	})
	return t.waitStatus, t.waitErr
}
