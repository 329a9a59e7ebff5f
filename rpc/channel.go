package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/derfred/procpool/outputstream"
	"github.com/derfred/procpool/procerr"
	"github.com/derfred/procpool/scheduler"
	"github.com/derfred/procpool/transport"
)

// Channel frames JSON lines over a transport.Transport and correlates
// requests to responses by id. It does not own the transport: closing a
// Channel never closes its Transport (ManagedProcess owns and closes
// both, in order).
type Channel struct {
	t     transport.Transport
	sched scheduler.Handle
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	notifications *outputstream.Stream[Message]
	readerDone    chan struct{}
}

// New wraps t in a Channel. Start must be called to begin reading.
func New(t transport.Transport, sched scheduler.Handle, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		t:             t,
		sched:         sched,
		log:           log,
		pending:       make(map[string]*pendingRequest),
		notifications: outputstream.New[Message](log),
		readerDone:    make(chan struct{}),
	}
}

// Start launches the reader loop on the scheduler handle.
func (c *Channel) Start() {
	c.sched.Go(c.readLoop)
}

func (c *Channel) readLoop() {
	defer close(c.readerDone)
	defer c.Close()

	for {
		line, err := c.t.ReadLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			c.log.Warn("rpc: malformed line, dropping", zap.Error(err), zap.String("line", line))
			continue
		}

		if replyTo, ok := msg.ReplyTo(); ok {
			c.mu.Lock()
			pr, exists := c.pending[replyTo]
			if exists {
				delete(c.pending, replyTo)
			}
			c.mu.Unlock()
			if exists {
				pr.complete(msg)
			}
			continue
		}

		c.notifications.Emit(msg)
	}
}

// Request sends payload as a new request, assigning it a fresh id, and
// blocks until the correlated response arrives, the channel closes
// (procerr.ErrChannelClosed), the deadline elapses (procerr.ErrTimeout), or
// ctx is cancelled. A negative timeout means wait indefinitely (bounded
// only by ctx).
func (c *Channel) Request(ctx context.Context, payload Message, timeout time.Duration) (Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, procerr.ErrChannelClosed
	}

	id := uuid.NewString()
	req := payload.clone()
	req["id"] = id
	delete(req, "reply_to")

	pr := newPendingRequest(id)
	c.pending[id] = pr
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	if err := c.t.WriteLine(string(data)); err != nil {
		c.removePending(id)
		return nil, procerr.ErrChannelClosed
	}

	var timeoutCh <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case msg := <-pr.done:
		if msg == nil {
			return nil, procerr.ErrChannelClosed
		}
		return msg, nil
	case <-timeoutCh:
		c.removePending(id)
		return nil, procerr.ErrTimeout
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Channel) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends payload as a fire-and-forget notification. Any id or
// reply_to the caller supplied is stripped to preserve notification
// semantics.
func (c *Channel) Notify(payload Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return procerr.ErrChannelClosed
	}
	c.mu.Unlock()

	msg := payload.clone()
	delete(msg, "id")
	delete(msg, "reply_to")

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rpc: marshal notification: %w", err)
	}
	if err := c.t.WriteLine(string(data)); err != nil {
		return procerr.ErrChannelClosed
	}
	return nil
}

// shutdownAction is the reserved payload action that precedes signal-based
// termination in ManagedProcess.Stop.
const shutdownAction = "__shutdown__"

// Shutdown sends the graceful-shutdown handshake and awaits its response,
// returning (nil, nil) if timeout elapses first. It does not close the
// channel or the process — that is ManagedProcess.Stop's job.
func (c *Channel) Shutdown(timeout time.Duration) (Message, error) {
	resp, err := c.Request(context.Background(), Message{"action": shutdownAction}, timeout)
	if err == procerr.ErrTimeout {
		return nil, nil
	}
	return resp, err
}

// Notifications is the stream of inbound messages carrying no reply_to:
// everything that is not a response, including child-to-parent messages
// that carry an id.
func (c *Channel) Notifications() *outputstream.Stream[Message] {
	return c.notifications
}

// OnNotification is shorthand for Notifications().OnData(cb).
func (c *Channel) OnNotification(cb func(Message)) {
	c.notifications.OnData(cb)
}

// Closed reports whether Close has run.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is idempotent: it fails every outstanding request with
// procerr.ErrChannelClosed and closes the notification stream. It does not
// close the underlying Transport.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.complete(nil)
	}
	c.notifications.Close()
	return nil
}
