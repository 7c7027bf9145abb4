// Package transport owns the duplex byte stream to the proxy process:
// whole-frame writes behind a single lock, one read loop per connection,
// and handoff of proxy-initiated pushes to a worker pool so the loop never
// blocks on user code.
package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/pkg/logs"
	"github.com/davidroman0O/retrypool"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/errgroup"
)

// ErrConnectionClosed means the transport to the proxy is gone; every
// in-flight and future call fails with it.
var ErrConnectionClosed = errors.New("proxylite: connection closed")

// Resolver matches inbound reply frames to their pending requests.
// Implemented by dispatch.Dispatcher.
type Resolver interface {
	Resolve(env *messages.Envelope)
}

// PushHandler processes a proxy-initiated request envelope. It runs on a
// pool worker, never on the read loop: a slow handler must not stall
// delivery of unrelated replies.
type PushHandler func(ctx context.Context, env *messages.Envelope)

type Config struct {
	MaxFrameSize int
	PushWorkers  int
	TraceFrames  bool
	Logger       logs.Logger
}

// Conn frames envelopes over one net.Conn. Any number of goroutines may
// send concurrently; frames are serialized at the write lock so they are
// never interleaved on the wire.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config
	logger logs.Logger

	writeMu deadlock.Mutex

	resolver Resolver
	push     *retrypool.Pool[*messages.Envelope]
	group    *errgroup.Group
	cancel   context.CancelFunc

	closed  atomic.Bool
	onClose func(err error)
}

func NewConn(conn net.Conn, cfg Config) *Conn {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = messages.DefaultMaxFrameSize
	}
	if cfg.PushWorkers <= 0 {
		cfg.PushWorkers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logs.Default()
	}
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

type pushWorker struct {
	ctx     context.Context
	handler PushHandler
}

func (w pushWorker) Run(_ context.Context, env *messages.Envelope) error {
	w.handler(w.ctx, env)
	return nil
}

// Start spawns the read loop. onClose fires once with the terminal error
// when the loop stops; the client uses it to fail the dispatcher's pending
// table.
func (c *Conn) Start(ctx context.Context, resolver Resolver, push PushHandler, onClose func(err error)) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.resolver = resolver
	c.onClose = onClose

	workers := make([]retrypool.Worker[*messages.Envelope], c.cfg.PushWorkers)
	for i := 0; i < c.cfg.PushWorkers; i++ {
		workers[i] = pushWorker{ctx: ctx, handler: push}
	}
	c.push = retrypool.New(ctx, workers, retrypool.WithAttempts[*messages.Envelope](1))

	c.group, ctx = errgroup.WithContext(ctx)
	c.group.Go(func() error {
		return c.readLoop(ctx)
	})
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		env, err := messages.ReadFrame(c.reader, c.cfg.MaxFrameSize)
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				err = ErrConnectionClosed
			}
			c.logger.Debug(ctx, "read loop stopping", "error", err)
			c.teardown(err)
			return err
		}
		if c.cfg.TraceFrames {
			c.logger.Debug(ctx, "frame received", "dump", logs.Pretty(env))
		}

		if env.Kind.IsReply() {
			// Resolution is a map operation; it cannot block the loop.
			c.resolver.Resolve(env)
			continue
		}

		// Proxy-initiated request: hand off so the loop keeps draining.
		if err := c.push.Submit(env); err != nil {
			c.logger.Error(ctx, "dropping push envelope, pool rejected it", "kind", env.Kind.String(), "error", err)
		}
	}
}

// WriteEnvelope encodes env and writes it as one frame. Safe for
// concurrent callers.
func (c *Conn) WriteEnvelope(env *messages.Envelope) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	if c.cfg.TraceFrames {
		c.logger.Debug(context.Background(), "frame sent", "dump", logs.Pretty(env))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	return nil
}

func (c *Conn) teardown(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = c.conn.Close()
	if c.cancel != nil {
		c.cancel()
	}
	if c.push != nil {
		c.push.Close()
	}
	if c.onClose != nil {
		c.onClose(err)
	}
}

// Close tears the connection down and reports the read loop's terminal
// error, if any, once it has drained.
func (c *Conn) Close() error {
	c.teardown(ErrConnectionClosed)
	if c.group != nil {
		if err := c.group.Wait(); err != nil && !errors.Is(err, ErrConnectionClosed) {
			return err
		}
	}
	return nil
}

// LocalAddr returns the client side address of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
