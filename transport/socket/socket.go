//go:build unix

package socket

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/derfred/procpool/procerr"
	"github.com/derfred/procpool/transport"
)

// RPCSocketFDEnv is the environment variable a socket-rpc child must read
// to find its end of the inherited socket pair.
const RPCSocketFDEnv = "RPC_SOCKET_FD"

// childInheritedFD is the fd number RPC_SOCKET_FD always resolves to: the
// first (and only) entry of exec.Cmd.ExtraFiles, which the runtime places
// immediately after stdin/stdout/stderr.
const childInheritedFD = 3

// Transport is the socket-rpc transport.Transport implementation.
type Transport struct {
	argv []string
	env  []string
	dir  string
	log  *zap.Logger

	cmd    *exec.Cmd
	conn   *os.File
	reader *bufio.Reader
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	pid     int

	waitOnce   sync.Once
	waitStatus transport.ExitStatus
	waitErr    error
}

// New builds a socket Transport for argv, run with env in dir.
func New(argv, env []string, dir string, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{argv: argv, env: env, dir: dir, log: log}
}

// Spawn creates the socket pair, starts the child with the far end
// inherited as RPC_SOCKET_FD, and closes the parent's copy of that end.
func (t *Transport) Spawn() (int, error) {
	if len(t.argv) == 0 {
		return 0, fmt.Errorf("socket: empty command")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "procpool-rpc-parent")
	childFile := os.NewFile(uintptr(fds[1]), "procpool-rpc-child")

	cmd := exec.Command(t.argv[0], t.argv[1:]...)
	if t.dir != "" {
		cmd.Dir = t.dir
	}
	cmd.Env = append(append([]string{}, t.env...), fmt.Sprintf("%s=%d", RPCSocketFDEnv, childInheritedFD))
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		parentFile.Close()
		childFile.Close()
		return 0, fmt.Errorf("socket: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		parentFile.Close()
		childFile.Close()
		stdout.Close()
		return 0, fmt.Errorf("socket: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		childFile.Close()
		stdout.Close()
		stderr.Close()
		return 0, fmt.Errorf("socket: start: %w", err)
	}

	// The child has its own copy of the far end now; drop ours so the
	// socket actually closes once the child exits.
	childFile.Close()

	t.mu.Lock()
	t.cmd = cmd
	t.conn = parentFile
	t.reader = bufio.NewReaderSize(parentFile, 64*1024)
	t.stdout = stdout
	t.stderr = stderr
	t.pid = cmd.Process.Pid
	t.mu.Unlock()

	t.log.Info("socket transport spawned", zap.Int("pid", t.pid))
	return t.pid, nil
}

// WriteLine appends a newline and writes to the shared RPC socket.
func (t *Transport) WriteLine(line string) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return procerr.ErrChannelClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := io.WriteString(conn, line+"\n")
	return err
}

// ReadLine returns the next newline-terminated line from the RPC socket,
// or io.EOF once the peer closes its end.
func (t *Transport) ReadLine() (string, error) {
	t.mu.Lock()
	reader := t.reader
	closed := t.closed
	t.mu.Unlock()
	if closed || reader == nil {
		return "", procerr.ErrChannelClosed
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return stripNewline(line), nil
		}
		return "", err
	}
	return stripNewline(line), nil
}

func stripNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

// StderrReader exposes the child's stderr as a byte stream.
func (t *Transport) StderrReader() io.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stderr
}

// StdoutReader exposes the child's stdout as a byte stream; always
// available in socket-rpc mode, since stdout carries no protocol bytes.
func (t *Transport) StdoutReader() io.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdout
}

// Close closes the RPC socket and both log pipes. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, stdout, stderr := t.conn, t.stdout, t.stderr
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
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

// WaitForExit blocks until the OS reaps the child. Safe to call after
// Close, and concurrently — the underlying Wait runs exactly once.
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
