package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/fault"
)

// Options tunes a Channel's connect and reconnect behaviour.
type Options struct {
	// ConnectTimeout bounds each transport's Connect.
	ConnectTimeout time.Duration
	// MaxReconnects is the number of retries after the first failed round.
	MaxReconnects int
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	// PendingLimit caps deferred messages; the oldest is dropped beyond it.
	PendingLimit int
}

// TransportFactory builds a fresh, unconnected transport.
type TransportFactory func() (Transport, error)

// Channel is the single send/receive surface over the push and pull
// transports. Incoming messages are delivered to the handler from one
// goroutine, in arrival order.
type Channel struct {
	opts    Options
	newPush TransportFactory
	newPull TransportFactory
	faults  *fault.Log
	logger  *zap.Logger

	mu        sync.Mutex
	active    Transport
	status    Status
	pending   []Message
	onMessage func(Message)
	onStatus  func(Status)
	onReady   []func()
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChannel creates a disconnected channel. faults may be nil.
func NewChannel(opts Options, push, pull TransportFactory, faults *fault.Log) *Channel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = 256
	}
	if faults == nil {
		faults = fault.NewLog(64)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:    opts,
		newPush: push,
		newPull: pull,
		faults:  faults,
		logger:  zap.L().Named("signaling"),
		status:  StatusDisconnected,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnMessage sets the handler for incoming messages.
func (c *Channel) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnStatus sets the status observer.
func (c *Channel) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// OnReady registers fn to run every time a transport becomes ready,
// after deferred messages were flushed.
func (c *Channel) OnReady(fn func()) {
	c.mu.Lock()
	c.onReady = append(c.onReady, fn)
	c.mu.Unlock()
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Kind reports the active transport, KindNone when there is none.
func (c *Channel) Kind() TransportKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return KindNone
	}
	return c.active.Kind()
}

// Connect establishes a transport, retrying with backoff. It fails only
// when ctx ends or every retry is exhausted.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	c.mu.Unlock()

	// Stop retrying when either the caller or Close gives up
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	t, err := c.establishWithRetry(ctx)
	if err != nil {
		return err
	}
	c.activate(t)
	return nil
}

func (c *Channel) establishWithRetry(ctx context.Context) (Transport, error) {
	c.setStatus(StatusConnecting)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.ReconnectMin
	eb.MaxInterval = c.opts.ReconnectMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.MaxReconnects)), ctx)

	var t Transport
	op := func() error {
		var err error
		t, err = c.establish(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Info("signaling unavailable, retrying", zap.Duration("in", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return nil, ctx.Err()
		}
		terminal := fault.New(fault.KindTransport, "connect", fmt.Errorf("%w: %v", fault.ErrSignalingExhausted, err))
		c.faults.Record(fault.KindTransport, terminal)
		c.setStatus(StatusError)
		return nil, terminal
	}
	return t, nil
}

// establish runs one connect round: push under the connect timeout, then pull.
func (c *Channel) establish(ctx context.Context) (Transport, error) {
	push, err := c.tryTransport(ctx, c.newPush, "push connect")
	if err == nil {
		return push, nil
	}
	pull, perr := c.tryTransport(ctx, c.newPull, "pull join")
	if perr == nil {
		c.logger.Info("push transport unavailable, using pull", zap.Error(err))
		return pull, nil
	}
	return nil, errors.Join(err, perr)
}

func (c *Channel) tryTransport(ctx context.Context, factory TransportFactory, op string) (Transport, error) {
	if factory == nil {
		return nil, fmt.Errorf("%s: no transport configured", op)
	}
	t, err := factory()
	if err != nil {
		return nil, fault.New(fault.KindTransport, op, err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := t.Connect(cctx); err != nil {
		_ = t.Close()
		ferr := fault.New(fault.KindTransport, op, err)
		c.faults.Record(fault.KindTransport, ferr)
		return nil, ferr
	}
	return t, nil
}

// activate flushes deferred messages on t and only then installs it, so
// sends racing the flush queue up behind the older messages.
func (c *Channel) activate(t Transport) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	batch := c.pending
	c.pending = nil
	ready := append([]func(){}, c.onReady...)
	c.mu.Unlock()

	c.logger.Info("signaling connected", zap.Stringer("transport", t.Kind()), zap.Int("flushing", len(batch)))
	c.setStatus(StatusConnected)

	for {
		sent := 0
		for _, msg := range batch {
			if c.sendOn(t, msg) != nil {
				break
			}
			sent++
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = t.Close()
			return
		}
		if sent < len(batch) {
			// Keep the unsent tail for the next ready event
			c.pending = append(append([]Message{}, batch[sent:]...), c.pending...)
			c.active = t
			c.mu.Unlock()
			break
		}
		if len(c.pending) == 0 {
			c.active = t
			c.mu.Unlock()
			break
		}
		batch = c.pending
		c.pending = nil
		c.mu.Unlock()
	}

	for _, fn := range ready {
		fn()
	}

	c.wg.Add(1)
	go c.deliver(t)
}

// deliver pumps t's messages to the handler and reconnects when t dies.
func (c *Channel) deliver(t Transport) {
	defer c.wg.Done()

	for msg := range t.Messages() {
		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}

	c.mu.Lock()
	if c.active == t {
		c.active = nil
	}
	closed := c.closed
	c.mu.Unlock()
	_ = t.Close()
	if closed {
		return
	}

	c.faults.Record(fault.KindTransport, fault.New(fault.KindTransport, t.Kind().String()+" transport", ErrTransportClosed))
	next, err := c.establishWithRetry(c.ctx)
	if err != nil {
		return
	}
	c.activate(next)
}

// Send hands msg to the active transport and reports whether it was sent.
func (c *Channel) Send(msg Message) bool {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t == nil {
		return false
	}
	return c.sendOn(t, msg) == nil
}

// SendOrDefer sends msg or, when no transport can take it, keeps it for
// the next ready event. It reports whether msg was sent now.
func (c *Channel) SendOrDefer(msg Message) bool {
	c.mu.Lock()
	t := c.active
	if t == nil {
		c.deferLocked(msg)
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if err := c.sendOn(t, msg); err != nil {
		c.mu.Lock()
		c.deferLocked(msg)
		c.mu.Unlock()
		return false
	}
	return true
}

func (c *Channel) deferLocked(msg Message) {
	if len(c.pending) >= c.opts.PendingLimit {
		c.logger.Warn("pending signaling buffer full, dropping oldest", zap.String("type", string(c.pending[0].Type())))
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, msg)
}

// Pending returns how many deferred messages await a ready transport.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) sendOn(t Transport, msg Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := t.Send(ctx, msg); err != nil {
		c.faults.Record(fault.KindTransport, fault.New(fault.KindTransport, "send "+string(msg.Type()), err))
		return err
	}
	return nil
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	fn := c.onStatus
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

// Close shuts the active transport and stops reconnecting.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.active
	c.active = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if t != nil {
		err = t.Close()
	}
	c.wg.Wait()
	c.setStatus(StatusDisconnected)
	return err
}
