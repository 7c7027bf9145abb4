// Package proxylite bridges application workflow and activity code to a
// workflow engine proxy process over a duplex, length-prefixed binary
// protocol. The client registers handlers, correlates request/reply
// traffic in both directions, tracks per-invocation execution contexts
// and monitors the proxy's health through periodic heartbeats.
package proxylite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/proxylite/internal/contexts"
	"github.com/davidroman0O/proxylite/internal/dispatch"
	"github.com/davidroman0O/proxylite/internal/maps"
	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/internal/transport"
	"github.com/davidroman0O/proxylite/internal/types"
	"github.com/davidroman0O/proxylite/internal/worker"
	"github.com/davidroman0O/proxylite/pkg/logs"
	"golang.org/x/sync/errgroup"
)

// LibraryVersion is announced to the proxy during the Initialize
// handshake.
const LibraryVersion = "0.1.0"

var (
	// ErrTimeout means a request exceeded its reply deadline.
	ErrTimeout = dispatch.ErrTimeout

	// ErrPeerUnhealthy means the heartbeat monitor declared the proxy
	// dead; sends fail fast until a heartbeat succeeds again.
	ErrPeerUnhealthy = dispatch.ErrPeerUnhealthy

	// ErrConnectionClosed means the transport to the proxy is gone.
	ErrConnectionClosed = transport.ErrConnectionClosed

	// ErrContextClosed means an operation targeted an execution context
	// that already reached its terminal state.
	ErrContextClosed = contexts.ErrContextClosed

	// ErrAlreadyStoppedCannotRestart means a worker triple was fully
	// stopped earlier on this connection and cannot be registered again.
	ErrAlreadyStoppedCannotRestart = worker.ErrAlreadyStoppedCannotRestart
)

// RemoteError is a failure reported by the proxy or by remote
// workflow/activity code.
type RemoteError = messages.RemoteError

// ProtocolError is a framing or encoding violation on the wire.
type ProtocolError = messages.ProtocolError

// Client is the connection to one proxy process. All methods are safe
// for concurrent use.
type Client struct {
	cfg      proxyliteConfig
	logger   logs.Logger
	registry *Registry

	conn       *transport.Conn
	dispatcher *dispatch.Dispatcher
	heartbeat  *dispatch.HeartbeatMonitor
	workers    *worker.Lifecycle

	contextIDs *types.IdGenerator
	workflows  *maps.Map[types.ContextID, *contexts.WorkflowContext]
	activities *maps.Map[types.ContextID, *contexts.ActivityContext]

	group  *errgroup.Group
	cancel context.CancelFunc
	closed atomic.Bool
}

// New connects to the proxy and performs the Initialize handshake.
// With WithProxyAddresses the client dials out; otherwise it listens on
// the configured loopback address and waits for the proxy to dial back.
// registry may be nil for a client that only starts workflows and never
// hosts handlers.
func New(ctx context.Context, registry *Registry, opts ...proxyliteOption) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = logs.Default()
	}

	var netConn net.Conn
	var err error
	if len(cfg.proxyAddresses) > 0 {
		netConn, err = transport.Dial(ctx, transport.DialConfig{
			Addresses:   cfg.proxyAddresses,
			MaxAttempts: cfg.connectAttempts,
			BaseDelay:   cfg.connectBaseDelay,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
	} else {
		listener, lerr := transport.Listen(cfg.listenAddress)
		if lerr != nil {
			return nil, fmt.Errorf("proxylite: listening on %s: %w", cfg.listenAddress, lerr)
		}
		logger.Info(ctx, "waiting for proxy to connect back", "address", listener.Addr().String())
		netConn, err = transport.AcceptOne(ctx, listener, cfg.callTimeout)
		if err != nil {
			return nil, err
		}
		_ = listener.Close()
	}

	return NewWithConn(ctx, registry, netConn, opts...)
}

// NewWithConn boots a client over an already established connection.
func NewWithConn(ctx context.Context, registry *Registry, netConn net.Conn, opts ...proxyliteOption) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = logs.Default()
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		contextIDs: types.NewIdGenerator(),
		workflows:  maps.New[types.ContextID, *contexts.WorkflowContext](),
		activities: maps.New[types.ContextID, *contexts.ActivityContext](),
	}

	// The run context outlives the boot ctx: callers routinely pass a
	// short-lived context to New.
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.conn = transport.NewConn(netConn, transport.Config{
		MaxFrameSize: cfg.maxFrameSize,
		PushWorkers:  cfg.pushWorkers,
		TraceFrames:  cfg.traceFrames,
		Logger:       logger,
	})
	c.dispatcher = dispatch.New(c.conn, dispatch.Config{
		DefaultTimeout: cfg.callTimeout,
		Logger:         logger,
	})

	workers, err := worker.New(c.dispatcher, logger)
	if err != nil {
		cancel()
		_ = netConn.Close()
		return nil, err
	}
	c.workers = workers

	c.conn.Start(runCtx, c.dispatcher, c.handlePush, func(err error) {
		c.dispatcher.Close(ErrConnectionClosed)
		c.failContexts()
	})

	if err := c.handshake(ctx); err != nil {
		cancel()
		_ = c.conn.Close()
		c.dispatcher.Close(ErrConnectionClosed)
		return nil, err
	}

	c.heartbeat = dispatch.NewHeartbeatMonitor(c.dispatcher, dispatch.HeartbeatConfig{
		Interval:      cfg.heartbeatInterval,
		Timeout:       cfg.heartbeatTimeout,
		MissThreshold: cfg.heartbeatMissThreshold,
		Logger:        logger,
	})
	c.group, _ = errgroup.WithContext(runCtx)
	c.group.Go(func() error {
		if err := c.heartbeat.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	logger.Info(ctx, "client ready", "address", c.conn.LocalAddr().String(), "version", LibraryVersion)
	return c, nil
}

// handshake announces the client and registers every handler by name so
// the proxy knows what it may push here.
func (c *Client) handshake(ctx context.Context) error {
	init := messages.NewEnvelope(messages.KindInitializeRequest)
	init.SetStringProperty(messages.PropListenAddress, c.conn.LocalAddr().String())
	init.SetStringProperty(messages.PropVersion, LibraryVersion)
	init.SetStringProperty(messages.PropDomain, c.cfg.domain)
	init.SetStringProperty(messages.PropTaskQueue, c.cfg.taskQueue)
	reply, err := c.dispatcher.Send(ctx, init)
	if err != nil {
		return fmt.Errorf("proxylite: initialize handshake: %w", err)
	}
	if remote := reply.RemoteError(); remote != nil {
		return fmt.Errorf("proxylite: initialize handshake: %w", remote)
	}

	if c.registry == nil {
		return nil
	}
	for name := range c.registry.workflows {
		if err := c.registerHandler(ctx, messages.KindWorkflowRegisterRequest, name); err != nil {
			return err
		}
	}
	for name := range c.registry.activities {
		if err := c.registerHandler(ctx, messages.KindActivityRegisterRequest, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) registerHandler(ctx context.Context, kind messages.Kind, name string) error {
	env := messages.NewEnvelope(kind)
	env.SetStringProperty(messages.PropName, name)
	env.SetStringProperty(messages.PropDomain, c.cfg.domain)
	env.SetStringProperty(messages.PropTaskQueue, c.cfg.taskQueue)
	reply, err := c.dispatcher.Send(ctx, env)
	if err != nil {
		return fmt.Errorf("proxylite: registering %q: %w", name, err)
	}
	if remote := reply.RemoteError(); remote != nil {
		return fmt.Errorf("proxylite: registering %q: %w", name, remote)
	}
	return nil
}

// Echo round-trips a payload through the proxy. Used by tests and as a
// connectivity probe.
func (c *Client) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	env := messages.NewEnvelope(messages.KindEchoRequest)
	env.Payload = payload
	reply, err := c.dispatcher.Send(ctx, env)
	if err != nil {
		return nil, err
	}
	if remote := reply.RemoteError(); remote != nil {
		return nil, remote
	}
	return reply.Payload, nil
}

// Healthy reports the heartbeat monitor's current view of the proxy.
func (c *Client) Healthy() bool {
	return c.dispatcher.Healthy()
}

// LocalAddr returns the client side address of the proxy connection.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close terminates the session: a best-effort Terminate exchange, then
// connection teardown. Every in-flight request and open execution
// context fails with ErrConnectionClosed / ErrContextClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.dispatcher.SendTimeout(ctx, messages.NewEnvelope(messages.KindTerminateRequest), 2*time.Second); err != nil {
		c.logger.Debug(ctx, "terminate exchange failed", "error", err)
	}

	c.cancel()
	err := c.conn.Close()
	c.dispatcher.Close(ErrConnectionClosed)
	c.failContexts()
	if c.group != nil {
		_ = c.group.Wait()
	}
	c.logger.Info(ctx, "client closed")
	return err
}

// failContexts tears down every live execution context so no workflow
// or activity waiter hangs on a dead connection.
func (c *Client) failContexts() {
	for _, wctx := range c.workflows.Drain() {
		wctx.Cancel()
		_ = wctx.Close()
	}
	for _, actx := range c.activities.Drain() {
		actx.Cancel()
	}
}

//----------------------------------------------------------------------------
// proxy-initiated traffic

func (c *Client) handlePush(ctx context.Context, env *messages.Envelope) {
	switch env.Kind {
	case messages.KindWorkflowInvokeRequest:
		c.invokeWorkflow(ctx, env)
	case messages.KindActivityInvokeRequest:
		c.invokeActivity(ctx, env)
	case messages.KindActivityCompletedRequest:
		c.completeActivity(ctx, env)
	case messages.KindWorkflowChildCompletedRequest:
		c.completeChild(ctx, env)
	case messages.KindWorkflowSignalReceivedRequest:
		c.deliverSignal(ctx, env)
	case messages.KindHeartbeatRequest, messages.KindEchoRequest:
		reply := messages.NewReply(env)
		reply.Payload = env.Payload
		c.reply(ctx, reply)
	default:
		c.logger.Error(ctx, "unsupported push kind", "kind", env.Kind.String())
		reply := messages.NewReply(env)
		if reply.Kind == messages.KindUnspecified {
			return
		}
		reply.SetError(&messages.RemoteError{
			Type:    "UnsupportedKind",
			Message: fmt.Sprintf("kind %s is not handled by this client", env.Kind),
		})
		c.reply(ctx, reply)
	}
}

func (c *Client) reply(ctx context.Context, reply *messages.Envelope) {
	if err := c.conn.WriteEnvelope(reply); err != nil {
		c.logger.Error(ctx, "writing reply failed", "kind", reply.Kind.String(), "error", err)
	}
}

// invokeWorkflow runs a registered workflow function on the push worker
// that delivered the request. The reply carries the workflow's decision
// (its results or failure); nested calls it made along the way already
// went out as their own requests.
func (c *Client) invokeWorkflow(ctx context.Context, env *messages.Envelope) {
	reply := messages.NewReply(env)
	name, _ := env.GetStringProperty(messages.PropName)
	info, ok := c.registryWorkflow(name)
	if !ok {
		reply.SetError(&messages.RemoteError{
			Type:    "EntityNotExists",
			Message: fmt.Sprintf("workflow %q is not registered", name),
		})
		c.reply(ctx, reply)
		return
	}

	contextID := env.ContextID()
	if contextID == types.NoContextID {
		contextID = types.ContextID(c.contextIDs.Next())
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wctx := contexts.NewWorkflowContext(contextID, name, cancel)
	if replaying, ok := env.GetBoolProperty(messages.PropReplaying); ok {
		wctx.SetReplaying(replaying)
	}
	c.workflows.Add(contextID, wctx)
	if err := wctx.Start(); err != nil {
		c.workflows.Remove(contextID)
		reply.SetError(&messages.RemoteError{Type: "InternalError", Message: err.Error()})
		c.reply(ctx, reply)
		return
	}
	c.logger.Debug(ctx, "workflow invoked", "name", name, "contextId", int64(contextID), "replaying", wctx.Replaying())

	payload, err := callHandler(info, reflect.ValueOf(WorkflowContext{client: c, inner: wctx, ctx: runCtx}), env.Payload)

	// A concurrent teardown may have closed the context already.
	_ = wctx.BeginCompletion()

	reply.SetContextID(contextID)
	if err != nil {
		reply.SetError(&messages.RemoteError{Type: "ApplicationError", Message: err.Error()})
	} else {
		reply.Payload = payload
	}
	c.reply(ctx, reply)

	if removed, ok := c.workflows.Remove(contextID); ok {
		_ = removed.Close()
	}
}

func (c *Client) invokeActivity(ctx context.Context, env *messages.Envelope) {
	reply := messages.NewReply(env)
	name, _ := env.GetStringProperty(messages.PropName)
	info, ok := c.registryActivity(name)
	if !ok {
		reply.SetError(&messages.RemoteError{
			Type:    "EntityNotExists",
			Message: fmt.Sprintf("activity %q is not registered", name),
		})
		c.reply(ctx, reply)
		return
	}

	contextID := env.ContextID()
	if contextID == types.NoContextID {
		contextID = types.ContextID(c.contextIDs.Next())
	}
	actx := contexts.NewActivityContext(ctx, contextID, name)
	c.activities.Add(contextID, actx)
	c.logger.Debug(ctx, "activity invoked", "name", name, "contextId", int64(contextID))

	payload, err := callHandler(info, reflect.ValueOf(ActivityContext{client: c, inner: actx}), env.Payload)

	if removed, ok := c.activities.Remove(contextID); ok {
		removed.Cancel()
	}

	reply.SetContextID(contextID)
	if err != nil {
		reply.SetError(&messages.RemoteError{Type: "ApplicationError", Message: err.Error()})
	} else {
		reply.Payload = payload
	}
	c.reply(ctx, reply)
}

// completeActivity fulfills the future a workflow is waiting on. A
// completion for a context or activity id that is already gone is
// acknowledged and dropped: the context was torn down and its waiters
// have been failed already.
func (c *Client) completeActivity(ctx context.Context, env *messages.Envelope) {
	reply := messages.NewReply(env)
	wctx, ok := c.workflows.Get(env.ContextID())
	if !ok {
		c.logger.Debug(ctx, "dropping completion for closed context", "contextId", int64(env.ContextID()))
		c.reply(ctx, reply)
		return
	}
	id, _ := env.GetInt64Property(messages.PropActivityID)
	future, ok := wctx.RemoveActivity(types.ActivityID(id))
	if ok {
		if remote := env.RemoteError(); remote != nil {
			future.Complete(nil, remote)
		} else {
			future.Complete(env.Payload, nil)
		}
	}
	c.reply(ctx, reply)
}

func (c *Client) completeChild(ctx context.Context, env *messages.Envelope) {
	reply := messages.NewReply(env)
	wctx, ok := c.workflows.Get(env.ContextID())
	if !ok {
		c.logger.Debug(ctx, "dropping child completion for closed context", "contextId", int64(env.ContextID()))
		c.reply(ctx, reply)
		return
	}
	id, _ := env.GetInt64Property(messages.PropChildID)
	handle, ok := wctx.RemoveChild(types.ChildID(id))
	if ok {
		if remote := env.RemoteError(); remote != nil {
			handle.Future.Complete(nil, remote)
		} else {
			handle.Future.Complete(env.Payload, nil)
		}
	}
	c.reply(ctx, reply)
}

func (c *Client) deliverSignal(ctx context.Context, env *messages.Envelope) {
	reply := messages.NewReply(env)
	wctx, ok := c.workflows.Get(env.ContextID())
	if !ok {
		c.logger.Debug(ctx, "dropping signal for closed context", "contextId", int64(env.ContextID()))
		c.reply(ctx, reply)
		return
	}
	id, _ := env.GetInt64Property(messages.PropQueueID)
	queue, ok := wctx.GetQueue(types.QueueID(id))
	if !ok {
		reply.SetError(&messages.RemoteError{
			Type:    "EntityNotExists",
			Message: fmt.Sprintf("queue %d not found in context %d", id, int64(env.ContextID())),
		})
		c.reply(ctx, reply)
		return
	}
	if !offer(queue, env.Payload) {
		reply.SetError(&messages.RemoteError{
			Type:    "QueueFull",
			Message: fmt.Sprintf("queue %d in context %d cannot accept the signal", id, int64(env.ContextID())),
		})
	}
	c.reply(ctx, reply)
}

// offer writes into a queue without blocking the push worker. The
// channel may be closed by a concurrent context teardown; that counts
// as a miss, not a crash.
func offer(queue chan []byte, payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case queue <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) registryWorkflow(name string) (HandlerInfo, bool) {
	if c.registry == nil {
		return HandlerInfo{}, false
	}
	return c.registry.workflow(name)
}

func (c *Client) registryActivity(name string) (HandlerInfo, bool) {
	if c.registry == nil {
		return HandlerInfo{}, false
	}
	return c.registry.activity(name)
}
