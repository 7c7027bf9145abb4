package proxylite

import (
	"context"

	"github.com/davidroman0O/proxylite/internal/contexts"
	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/internal/worker"
)

// ActivityContext is the first parameter of every registered activity
// function.
type ActivityContext struct {
	client *Client
	inner  *contexts.ActivityContext
}

// Context is cancelled when the invocation or the connection goes away.
func (a ActivityContext) Context() context.Context {
	return a.inner.Context()
}

func (a ActivityContext) ActivityName() string {
	return a.inner.ActivityName()
}

// RecordHeartbeat reports liveness and progress details for a
// long-running activity.
func (a ActivityContext) RecordHeartbeat(details ...interface{}) error {
	payload, err := encodeValues(details)
	if err != nil {
		return err
	}

	env := messages.NewEnvelope(messages.KindActivityHeartbeatRequest)
	env.SetContextID(a.inner.ID())
	env.Payload = payload

	reply, err := a.client.dispatcher.Send(a.inner.Context(), env)
	if err != nil {
		return err
	}
	if remote := reply.RemoteError(); remote != nil {
		return remote
	}
	return nil
}

//----------------------------------------------------------------------------
// worker lifecycle

// WorkerMode selects what a started worker polls for.
type WorkerMode string

const (
	WorkerModeWorkflow WorkerMode = "workflow"
	WorkerModeActivity WorkerMode = "activity"
	WorkerModeBoth     WorkerMode = "both"
)

// Worker is a live registration handle returned by StartWorker.
type Worker struct {
	client *Client
	handle *worker.Handle
}

// StartWorker registers a worker for (mode, domain, taskQueue) with the
// proxy, or joins the existing registration when the triple is already
// live. Empty domain or task queue fall back to the client defaults.
func (c *Client) StartWorker(ctx context.Context, mode WorkerMode, domain, taskQueue string) (*Worker, error) {
	if domain == "" {
		domain = c.cfg.domain
	}
	if taskQueue == "" {
		taskQueue = c.cfg.taskQueue
	}
	handle, err := c.workers.Start(ctx, worker.Mode(mode), domain, taskQueue)
	if err != nil {
		return nil, err
	}
	return &Worker{client: c, handle: handle}, nil
}

// Stop releases this handle's share of the registration. The last stop
// deregisters the worker with the proxy; after that the triple cannot
// be started again on this connection.
func (w *Worker) Stop(ctx context.Context) error {
	return w.client.workers.Stop(ctx, w.handle)
}

func (w *Worker) ID() int64 {
	return int64(w.handle.WorkerID)
}
