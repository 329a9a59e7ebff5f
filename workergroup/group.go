package workergroup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/derfred/procpool/channel"
	"github.com/derfred/procpool/procerr"
	"github.com/derfred/procpool/process"
	"github.com/derfred/procpool/scheduler"
	"github.com/derfred/procpool/transport"
)

// workerIndexEnv is the environment variable WorkerGroup injects into
// every child, set to its zero-based position in the group.
const workerIndexEnv = "WORKER_INDEX"

// Option configures a Group at construction.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	healthInterval time.Duration
}

// WithLogger attaches a structured logger, applied to every worker.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithHealthInterval overrides every worker's health-monitor poll period.
func WithHealthInterval(d time.Duration) Option {
	return func(o *options) { o.healthInterval = d }
}

// Group owns size identical ManagedProcess workers and enforces fail-fast:
// the first worker to exit without success kills every other worker still
// alive and latches the failure.
type Group struct {
	workers []*process.ManagedProcess
	log     *zap.Logger

	mu       sync.Mutex
	sched    scheduler.Handle
	stopping bool
	failure  *procerr.WorkerFailure

	failureCh chan struct{}
}

// New builds a Group of size workers running argv with environment
// baseEnv ∪ {WORKER_INDEX: i}, each configured by cfg. size == 0 is legal;
// every operation on the resulting Group then returns at once without
// effect, except WaitForFailure, which blocks forever. Start must be
// called before the workers actually run.
func New(size int, argv, baseEnv []string, cfg channel.Config, opts ...Option) *Group {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	workers := make([]*process.ManagedProcess, size)
	for i := range workers {
		env := append(append([]string{}, baseEnv...), fmt.Sprintf("%s=%d", workerIndexEnv, i))
		procOpts := []process.Option{process.WithLogger(o.logger)}
		if o.healthInterval > 0 {
			procOpts = append(procOpts, process.WithHealthInterval(o.healthInterval))
		}
		workers[i] = process.New(argv, env, "", cfg, procOpts...)
	}

	return &Group{
		workers:   workers,
		log:       o.logger,
		failureCh: make(chan struct{}),
	}
}

// Start registers each worker's exit handler — so that an exit during
// start is never lost — then starts every worker in index order. If any
// worker fails to spawn, every worker already started is killed and the
// spawn error is returned.
func (g *Group) Start(sched scheduler.Handle) error {
	g.mu.Lock()
	g.sched = sched
	g.mu.Unlock()

	for i, w := range g.workers {
		idx := i
		w.OnExit(func(status transport.ExitStatus) { g.onWorkerExit(idx, status) })
	}

	for i, w := range g.workers {
		if err := w.Start(sched); err != nil {
			g.Kill()
			return fmt.Errorf("workergroup: start worker %d: %w", i, err)
		}
	}
	return nil
}

func (g *Group) onWorkerExit(index int, status transport.ExitStatus) {
	g.mu.Lock()
	stopping := g.stopping
	g.mu.Unlock()
	if stopping || status.Success() {
		return
	}
	g.recordFailure(index, status)
}

// recordFailure is the single-entry failure guard: the first caller to
// observe failure == nil wins, latches it, and kills every other worker
// still alive. Later callers are no-ops.
func (g *Group) recordFailure(index int, status transport.ExitStatus) {
	g.mu.Lock()
	if g.failure != nil {
		g.mu.Unlock()
		return
	}
	f := procerr.WorkerFailure{
		Index:    index,
		ExitCode: status.Code,
		Signaled: status.Signaled,
		Signal:   status.Signal,
	}
	g.failure = &f
	g.stopping = true
	g.mu.Unlock()
	close(g.failureCh)

	g.log.Info("workergroup: worker failed, killing siblings", zap.Int("index", index), zap.String("status", status.String()))

	var grp errgroup.Group
	for j, w := range g.workers {
		if j == index {
			continue
		}
		w := w
		grp.Go(func() error {
			if w.Alive() {
				return w.Kill()
			}
			return nil
		})
	}
	_ = grp.Wait()
}

// Stop sets stopping and stops every worker with the given per-worker
// timeout. Workers stop concurrently when Start supplied a scheduler
// handle, sequentially otherwise.
func (g *Group) Stop(timeout time.Duration) error {
	g.mu.Lock()
	g.stopping = true
	sched := g.sched
	g.mu.Unlock()

	if len(g.workers) == 0 {
		return nil
	}

	if sched == nil {
		for _, w := range g.workers {
			if err := w.Stop(timeout); err != nil {
				return err
			}
		}
		return nil
	}

	grp, _ := errgroup.WithContext(context.Background())
	for _, w := range g.workers {
		w := w
		grp.Go(func() error { return w.Stop(timeout) })
	}
	return grp.Wait()
}

// Kill sets stopping and kills every worker concurrently.
func (g *Group) Kill() error {
	g.mu.Lock()
	g.stopping = true
	g.mu.Unlock()

	grp, _ := errgroup.WithContext(context.Background())
	for _, w := range g.workers {
		w := w
		grp.Go(func() error { return w.Kill() })
	}
	return grp.Wait()
}

// Wait blocks until every worker has exited. A negative timeout waits
// indefinitely; otherwise procerr.ErrTimeout is returned if the deadline
// elapses first.
func (g *Group) Wait(timeout time.Duration) error {
	if len(g.workers) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		wg.Add(len(g.workers))
		for _, w := range g.workers {
			w := w
			go func() {
				defer wg.Done()
				w.Wait(-1)
			}()
		}
		wg.Wait()
		close(done)
	}()

	if timeout < 0 {
		<-done
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return procerr.ErrTimeout
	}
}

// WaitForFailure blocks until a worker fails and returns the latched
// failure record.
func (g *Group) WaitForFailure() procerr.WorkerFailure {
	<-g.failureCh
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.failure
}

// Alive reports whether any worker is still alive.
func (g *Group) Alive() bool {
	for _, w := range g.workers {
		if w.Alive() {
			return true
		}
	}
	return false
}

// Failed reports whether a failure has been latched.
func (g *Group) Failed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failure != nil
}

// Failure returns the latched failure record, if any.
func (g *Group) Failure() (procerr.WorkerFailure, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failure == nil {
		return procerr.WorkerFailure{}, false
	}
	return *g.failure, true
}

// Get returns the worker at index i.
func (g *Group) Get(i int) *process.ManagedProcess { return g.workers[i] }

// Size returns the group's fixed worker count.
func (g *Group) Size() int { return len(g.workers) }

// Each calls fn once per worker, in index order.
func (g *Group) Each(fn func(index int, w *process.ManagedProcess)) {
	for i, w := range g.workers {
		fn(i, w)
	}
}

// Map calls fn once per worker, in index order, and collects the results.
func (g *Group) Map(fn func(index int, w *process.ManagedProcess) any) []any {
	out := make([]any, len(g.workers))
	for i, w := range g.workers {
		out[i] = fn(i, w)
	}
	return out
}
