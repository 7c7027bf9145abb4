// Package dispatch correlates outbound requests with the replies the proxy
// sends back, in any order, and enforces per-request timeouts.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/internal/types"
	"github.com/davidroman0O/proxylite/pkg/logs"
	"github.com/sasha-s/go-deadlock"
)

var (
	// ErrTimeout means a specific pending request exceeded its deadline.
	// Retrying is the caller's decision: blindly retrying a non-idempotent
	// request such as a workflow start is unsafe without an idempotency key.
	ErrTimeout = errors.New("proxylite: request timed out")

	// ErrPeerUnhealthy means the heartbeat monitor declared the proxy dead.
	// Sends fail fast instead of waiting out their own timeouts.
	ErrPeerUnhealthy = errors.New("proxylite: proxy is unhealthy")

	// ErrDispatcherClosed means the connection was torn down with requests
	// still in flight.
	ErrDispatcherClosed = errors.New("proxylite: dispatcher closed")
)

// FrameWriter writes one envelope as a single frame. Implemented by
// transport.Conn; a test double is enough for unit tests.
type FrameWriter interface {
	WriteEnvelope(env *messages.Envelope) error
}

type Config struct {
	DefaultTimeout time.Duration
	Logger         logs.Logger
}

// Dispatcher owns the correlation table. Removal from the table is the
// single source of truth for the reply-vs-timeout race: whichever of the
// two takes the entry out delivers the outcome, the loser finds nothing
// and does nothing.
type Dispatcher struct {
	writer         FrameWriter
	logger         logs.Logger
	requestIDs     *types.IdGenerator
	defaultTimeout time.Duration

	mu      deadlock.Mutex
	pending map[types.RequestID]*Pending

	healthy atomic.Bool
	closed  atomic.Bool
}

func New(writer FrameWriter, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logs.Default()
	}
	d := &Dispatcher{
		writer:         writer,
		logger:         cfg.Logger,
		requestIDs:     types.NewIdGenerator(),
		defaultTimeout: cfg.DefaultTimeout,
		pending:        make(map[types.RequestID]*Pending),
	}
	d.healthy.Store(true)
	return d
}

type outcome struct {
	env *messages.Envelope
	err error
}

// Pending is one outstanding request. Its completion slot is fulfilled
// exactly once, by the reply, the timeout or a dispatcher-wide failure.
type Pending struct {
	RequestID types.RequestID
	SentAt    time.Time

	ch    chan outcome
	timer *time.Timer
}

// Wait blocks until the request resolves or ctx is done. A ctx
// cancellation only detaches the caller: the entry stays in the table so a
// late reply is discarded idempotently instead of leaking a slot.
func (p *Pending) Wait(ctx context.Context) (*messages.Envelope, error) {
	select {
	case out := <-p.ch:
		return out.env, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes env with the default timeout and waits for its reply.
func (d *Dispatcher) Send(ctx context.Context, env *messages.Envelope) (*messages.Envelope, error) {
	return d.SendTimeout(ctx, env, d.defaultTimeout)
}

// SendTimeout writes env and waits for its reply within timeout.
func (d *Dispatcher) SendTimeout(ctx context.Context, env *messages.Envelope, timeout time.Duration) (*messages.Envelope, error) {
	pending, err := d.sendAsync(env, timeout, false)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// SendAsync writes env and returns the pending entry for the caller to
// wait on.
func (d *Dispatcher) SendAsync(env *messages.Envelope, timeout time.Duration) (*Pending, error) {
	return d.sendAsync(env, timeout, false)
}

func (d *Dispatcher) sendAsync(env *messages.Envelope, timeout time.Duration, bypassHealth bool) (*Pending, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	if !bypassHealth && !d.healthy.Load() {
		return nil, ErrPeerUnhealthy
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	requestID := types.RequestID(d.requestIDs.Next())
	env.SetRequestID(requestID)

	pending := &Pending{
		RequestID: requestID,
		SentAt:    time.Now(),
		ch:        make(chan outcome, 1),
	}

	// The timer is armed inside the same critical section that publishes
	// the entry: anything that later takes the entry out (reply, drain,
	// close) observes a fully built Pending, timer included.
	d.mu.Lock()
	d.pending[requestID] = pending
	pending.timer = time.AfterFunc(timeout, func() {
		if d.take(requestID) != nil {
			pending.ch <- outcome{err: ErrTimeout}
		}
	})
	d.mu.Unlock()

	if err := d.writer.WriteEnvelope(env); err != nil {
		pending.timer.Stop()
		d.take(requestID)
		return nil, err
	}
	return pending, nil
}

// take removes and returns the pending entry, or nil when the other side
// of the race already claimed it.
func (d *Dispatcher) take(requestID types.RequestID) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending, ok := d.pending[requestID]
	if !ok {
		return nil
	}
	delete(d.pending, requestID)
	return pending
}

// Resolve delivers a reply envelope to whichever caller's request id
// matches. A duplicate or unmatched reply is a protocol violation; it is
// logged and dropped, never a crash.
func (d *Dispatcher) Resolve(env *messages.Envelope) {
	requestID := env.RequestID()
	if requestID == types.NoRequestID {
		d.logger.Error(context.Background(), "dropping reply without request id", "kind", env.Kind.String())
		return
	}
	pending := d.take(requestID)
	if pending == nil {
		d.logger.Error(context.Background(), "dropping duplicate or unmatched reply", "kind", env.Kind.String(), "requestId", int64(requestID))
		return
	}
	if pending.timer != nil {
		pending.timer.Stop()
	}
	pending.ch <- outcome{env: env}
}

// PendingCount returns how many requests are outstanding.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// SetHealthy flips the shared peer-health flag. Owned by the heartbeat
// monitor. Declaring the peer unhealthy fails every in-flight request
// immediately: a dead proxy answers nothing, and making each caller wait
// out its own timeout would only stack latency on top of the misses the
// monitor already paid for.
func (d *Dispatcher) SetHealthy(healthy bool) {
	wasHealthy := d.healthy.Swap(healthy)
	if healthy || !wasHealthy {
		return
	}

	d.mu.Lock()
	drained := d.pending
	d.pending = make(map[types.RequestID]*Pending)
	d.mu.Unlock()

	if len(drained) > 0 {
		d.logger.Warn(context.Background(), "failing in-flight requests, proxy unhealthy", "count", len(drained))
	}
	for _, pending := range drained {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		pending.ch <- outcome{err: ErrPeerUnhealthy}
	}
}

func (d *Dispatcher) Healthy() bool {
	return d.healthy.Load()
}

// Close fails every outstanding request with err (ErrDispatcherClosed when
// nil) and rejects all further sends.
func (d *Dispatcher) Close(err error) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = ErrDispatcherClosed
	}

	d.mu.Lock()
	drained := d.pending
	d.pending = make(map[types.RequestID]*Pending)
	d.mu.Unlock()

	for _, pending := range drained {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		pending.ch <- outcome{err: err}
	}
}
