//go:build unix

package process

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/derfred/procpool/channel"
	"github.com/derfred/procpool/outputstream"
	"github.com/derfred/procpool/procerr"
	"github.com/derfred/procpool/rpc"
	"github.com/derfred/procpool/scheduler"
	"github.com/derfred/procpool/transport"
	"github.com/derfred/procpool/transport/pipe"
	"github.com/derfred/procpool/transport/socket"
)

// defaultHealthInterval is the poll period of the diagnostic health
// monitor. Exit detection does not depend on it: reapOnExit observes the
// exit as soon as the child is reaped.
const defaultHealthInterval = 500 * time.Millisecond

// ExitHandler is called exactly once, with the child's final exit status,
// when a ManagedProcess enters Exited.
type ExitHandler func(transport.ExitStatus)

// Option configures a ManagedProcess at construction.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	healthInterval time.Duration
}

// WithLogger attaches a structured logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithHealthInterval overrides the health-monitor poll period.
func WithHealthInterval(d time.Duration) Option {
	return func(o *options) { o.healthInterval = d }
}

// ManagedProcess wraps one Transport, at most one RpcChannel, and that
// child's stderr/stdout OutputStreams, and drives its lifecycle.
type ManagedProcess struct {
	argv []string
	env  []string
	dir  string
	cfg  channel.Config
	log  *zap.Logger

	healthInterval time.Duration

	mu         sync.Mutex
	status     Status
	pid        int
	pidValid   bool
	exitStatus transport.ExitStatus

	t   transport.Transport
	rpc *rpc.Channel

	stderr *outputstream.Stream[string]
	stdout *outputstream.Stream[string]
	logs   logRing

	exitOnce      sync.Once
	exitCh        chan struct{}
	exitCallbacks []ExitHandler
}

// New constructs a ManagedProcess in state Pending. dir == "" inherits the
// current working directory.
func New(argv, env []string, dir string, cfg channel.Config, opts ...Option) *ManagedProcess {
	o := options{logger: zap.NewNop(), healthInterval: defaultHealthInterval}
	for _, opt := range opts {
		opt(&o)
	}

	p := &ManagedProcess{
		argv:           argv,
		env:            env,
		dir:            dir,
		cfg:            cfg,
		log:            o.logger,
		healthInterval: o.healthInterval,
		exitCh:         make(chan struct{}),
	}
	p.stderr = outputstream.New[string](p.log)
	if cfg.StdoutIsLog() {
		p.stdout = outputstream.New[string](p.log)
	}
	return p
}

// Status returns the current lifecycle state.
func (p *ManagedProcess) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// PID returns the child's PID, valid in Running, Stopping and Exited.
func (p *ManagedProcess) PID() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid, p.pidValid
}

// Stderr is the child's stderr OutputStream; always non-nil.
func (p *ManagedProcess) Stderr() *outputstream.Stream[string] { return p.stderr }

// Stdout is the child's stdout OutputStream as logs; nil in stdio-rpc
// mode, where stdout carries protocol bytes instead.
func (p *ManagedProcess) Stdout() *outputstream.Stream[string] { return p.stdout }

// RPC returns the RpcChannel, or nil if this ManagedProcess's
// channel.Config disables RPC.
func (p *ManagedProcess) RPC() *rpc.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rpc
}

// Logs returns up to n of the most recently observed stdout/stderr lines,
// newest first. n <= 0 returns as many as are buffered (at most 500).
func (p *ManagedProcess) Logs(n int) []string { return p.logs.read(n) }

// Start may only be called once, from Pending. It spawns the transport,
// optionally builds and starts the RpcChannel, and launches the stderr
// reader, the stdout reader (unless stdio-rpc owns stdout), and the
// health monitor on sched.
func (p *ManagedProcess) Start(sched scheduler.Handle) error {
	p.mu.Lock()
	if p.status != Pending {
		p.mu.Unlock()
		return errors.New("process: Start called more than once")
	}
	p.mu.Unlock()

	var t transport.Transport
	if p.cfg.IsSocket() {
		t = socket.New(p.argv, p.env, p.dir, p.log)
	} else {
		t = pipe.New(p.argv, p.env, p.dir, p.cfg, p.log)
	}

	pid, err := t.Spawn()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.t = t
	p.pid = pid
	p.pidValid = true
	p.status = Running
	if p.cfg.RPCEnabled() {
		p.rpc = rpc.New(t, sched, p.log)
	}
	p.mu.Unlock()

	if p.rpc != nil {
		p.rpc.Start()
	}

	sched.Go(func() { p.pumpLines(t.StderrReader(), p.stderr) })
	if r := t.StdoutReader(); r != nil {
		sched.Go(func() { p.pumpLines(r, p.stdout) })
	}
	sched.Go(p.reapOnExit)
	sched.Go(p.healthMonitor)

	p.log.Info("process started", zap.Int("pid", pid), zap.String("mode", p.cfg.Mode().String()))
	return nil
}

func (p *ManagedProcess) pumpLines(r io.Reader, stream *outputstream.Stream[string]) {
	if r == nil || stream == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		stream.Emit(line)
		p.logs.append(line)
	}
}

// reapOnExit is the sole path that drives the exited transition. It blocks
// on the transport's Wait (a real wait4 on the child's pid, not a polled
// probe), so the child is reaped in the same step its exit is observed —
// a signal-zero probe alone cannot tell a live child from a zombie one,
// since kill(pid, 0) keeps succeeding until something actually reaps it.
func (p *ManagedProcess) reapOnExit() {
	status, err := p.t.WaitForExit()
	if err != nil {
		p.log.Warn("process: wait for exit failed", zap.Error(err))
	}
	p.handleExit(status)
}

// healthMonitor is a diagnostic-only poll: it never drives the exited
// transition (reapOnExit owns that). It exists to surface the narrow
// window where the signal-zero probe reports a PID gone before reapOnExit
// has observed and processed the exit.
func (p *ManagedProcess) healthMonitor() {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for range ticker.C {
		if p.Status() == Exited {
			return
		}
		if !p.Alive() {
			p.log.Warn("process: pid no longer signalable, awaiting reap", zap.Int("pid", p.pidOrZero()))
		}
	}
}

func (p *ManagedProcess) pidOrZero() int {
	pid, _ := p.PID()
	return pid
}

// handleExit runs exactly once: it records the exit status and transitions
// to Exited, then closes the RPC channel, the transport and the output
// streams, and fans out exit callbacks outside any lock.
func (p *ManagedProcess) handleExit(status transport.ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitStatus = status
		p.status = Exited
		rpcChan := p.rpc
		t := p.t
		callbacks := p.exitCallbacks
		p.mu.Unlock()

		if rpcChan != nil {
			rpcChan.Close()
		}
		if t != nil {
			t.Close()
		}
		p.stderr.Close()
		if p.stdout != nil {
			p.stdout.Close()
		}
		close(p.exitCh)

		for _, cb := range callbacks {
			p.safeCallback(cb, status)
		}
	})
}

func (p *ManagedProcess) safeCallback(cb ExitHandler, status transport.ExitStatus) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("process: exit callback panicked, swallowing", zap.Any("recover", r))
		}
	}()
	cb(status)
}

// OnExit registers cb to run exactly once, when the process enters
// Exited. If it has already exited, cb runs synchronously before OnExit
// returns.
func (p *ManagedProcess) OnExit(cb ExitHandler) {
	p.mu.Lock()
	if p.status == Exited {
		status := p.exitStatus
		p.mu.Unlock()
		p.safeCallback(cb, status)
		return
	}
	p.exitCallbacks = append(p.exitCallbacks, cb)
	p.mu.Unlock()
}

// Alive reports whether the OS still shows this PID as running, via a
// signal-zero probe. Pending and Exited processes always report false.
func (p *ManagedProcess) Alive() bool {
	pid, ok := p.PID()
	if !ok {
		return false
	}
	if p.Status() == Exited {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

// SendSignal is a best-effort signal to the child's entire process group
// (it was started with its own group so escalation reaches any
// grandchildren it forked). "No such process" is swallowed.
func (p *ManagedProcess) SendSignal(sig syscall.Signal) error {
	pid, ok := p.PID()
	if !ok {
		return nil
	}
	if err := unix.Kill(-pid, int(sig)); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}

// Wait blocks until the process enters Exited, returning its exit status.
// A negative timeout waits indefinitely; otherwise procerr.ErrTimeout is
// returned if the deadline elapses first.
func (p *ManagedProcess) Wait(timeout time.Duration) (transport.ExitStatus, error) {
	if timeout < 0 {
		<-p.exitCh
		return p.exitStatusSnapshot(), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.exitCh:
		return p.exitStatusSnapshot(), nil
	case <-timer.C:
		return transport.ExitStatus{}, procerr.ErrTimeout
	}
}

func (p *ManagedProcess) exitStatusSnapshot() transport.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

// Stop gracefully shuts the process down in three phases — RPC shutdown
// handshake, SIGTERM, SIGKILL. The first two phases each get half of
// timeout (the handshake and the wait for exit after it share the first
// half), so SIGKILL is sent no later than timeout after Stop begins; the
// last phase waits unconditionally. A negative timeout makes every phase
// wait indefinitely. Stop on an already-exited or never-started process is
// a no-op.
func (p *ManagedProcess) Stop(timeout time.Duration) error {
	p.mu.Lock()
	switch p.status {
	case Pending, Exited:
		status := p.status
		p.mu.Unlock()
		if status == Pending {
			return nil
		}
		return nil
	case Running:
		p.status = Stopping
	}
	p.mu.Unlock()

	half := timeout
	if timeout >= 0 {
		half = timeout / 2
	}

	if p.cfg.RPCEnabled() {
		if rpcChan := p.RPC(); rpcChan != nil && !rpcChan.Closed() {
			phaseStart := time.Now()
			rpcChan.Shutdown(half)
			wait := half
			if half >= 0 {
				wait = max(half-time.Since(phaseStart), 0)
			}
			if _, err := p.Wait(wait); err == nil {
				return nil
			}
		}
	}

	if p.Alive() {
		p.SendSignal(syscall.SIGTERM)
		if _, err := p.Wait(half); err == nil {
			return nil
		}
	}

	if p.Alive() {
		p.SendSignal(syscall.SIGKILL)
	}

	_, err := p.Wait(-1)
	return err
}

// Kill immediately sends SIGKILL and waits for the exited transition.
func (p *ManagedProcess) Kill() error {
	p.mu.Lock()
	switch p.status {
	case Pending:
		p.mu.Unlock()
		return nil
	case Exited:
		p.mu.Unlock()
		return nil
	case Running:
		p.status = Stopping
	}
	p.mu.Unlock()

	if err := p.SendSignal(syscall.SIGKILL); err != nil {
		return err
	}
	_, err := p.Wait(-1)
	return err
}
