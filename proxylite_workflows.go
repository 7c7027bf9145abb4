package proxylite

import (
	"context"
	"fmt"

	"github.com/davidroman0O/proxylite/internal/contexts"
	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/internal/types"
	"github.com/google/uuid"
)

// WorkflowContext is the first parameter of every registered workflow
// function. It scopes nested activities, child workflows and queues to
// the one invocation it belongs to; the small ids it hands out never
// collide across concurrent invocations because every lookup is keyed
// by (context, local id).
type WorkflowContext struct {
	client *Client
	inner  *contexts.WorkflowContext
	ctx    context.Context
}

// Context is cancelled when the invocation or the connection goes away.
func (w WorkflowContext) Context() context.Context {
	return w.ctx
}

func (w WorkflowContext) WorkflowName() string {
	return w.inner.WorkflowName()
}

// Replaying reports whether this invocation is a deterministic
// re-execution from history. While replaying, nested calls consume
// recorded results instead of reaching the proxy.
func (w WorkflowContext) Replaying() bool {
	return w.inner.Replaying()
}

// Awaitable is the pending result of a nested call. Get blocks until
// the completion arrives, the context closes or ctx is done.
type Awaitable struct {
	future *contexts.Future
	err    error
	record func(payload []byte)
}

func failedAwaitable(err error) *Awaitable {
	return &Awaitable{err: err}
}

func (a *Awaitable) Get(ctx context.Context, outs ...interface{}) error {
	if a.err != nil {
		return a.err
	}
	payload, err := a.future.Get(ctx)
	if err != nil {
		return err
	}
	if a.record != nil {
		a.record(payload)
	}
	return decodeInto(payload, outs...)
}

// ExecuteActivity schedules an activity on the proxy and returns a
// handle for its eventual result. The send is acknowledged
// synchronously; the result arrives later as a completion push.
func (w WorkflowContext) ExecuteActivity(name string, args ...interface{}) *Awaitable {
	activityID, future, err := w.inner.AddActivity()
	if err != nil {
		return failedAwaitable(err)
	}
	key := fmt.Sprintf("activity/%d", activityID)

	if w.inner.Replaying() {
		payload, ok := w.inner.ConsumeDecision(key)
		w.inner.RemoveActivity(activityID)
		if !ok {
			return failedAwaitable(fmt.Errorf("proxylite: no recorded result for %s during replay", key))
		}
		future.Complete(payload, nil)
		return &Awaitable{future: future}
	}

	payload, err := encodeValues(args)
	if err != nil {
		w.inner.RemoveActivity(activityID)
		return failedAwaitable(err)
	}

	env := messages.NewEnvelope(messages.KindActivityExecuteRequest)
	env.SetContextID(w.inner.ID())
	env.SetInt64Property(messages.PropActivityID, int64(activityID))
	env.SetStringProperty(messages.PropName, name)
	env.Payload = payload

	reply, err := w.client.dispatcher.Send(w.ctx, env)
	if err != nil {
		w.inner.RemoveActivity(activityID)
		return failedAwaitable(err)
	}
	if remote := reply.RemoteError(); remote != nil {
		w.inner.RemoveActivity(activityID)
		return failedAwaitable(remote)
	}

	inner := w.inner
	return &Awaitable{future: future, record: func(payload []byte) {
		inner.RecordDecision(key, payload)
	}}
}

// ChildWorkflow is the handle of a child started by this invocation.
type ChildWorkflow struct {
	WorkflowID string
	RunID      string
	awaitable  *Awaitable
}

func (c *ChildWorkflow) Get(ctx context.Context, outs ...interface{}) error {
	return c.awaitable.Get(ctx, outs...)
}

// ExecuteChildWorkflow starts a child workflow under this invocation.
func (w WorkflowContext) ExecuteChildWorkflow(name string, args ...interface{}) *ChildWorkflow {
	handle, err := w.inner.AddChild()
	if err != nil {
		return &ChildWorkflow{awaitable: failedAwaitable(err)}
	}
	key := fmt.Sprintf("child/%d", handle.ChildID)

	if w.inner.Replaying() {
		payload, ok := w.inner.ConsumeDecision(key)
		w.inner.RemoveChild(handle.ChildID)
		if !ok {
			return &ChildWorkflow{awaitable: failedAwaitable(fmt.Errorf("proxylite: no recorded result for %s during replay", key))}
		}
		handle.Future.Complete(payload, nil)
		return &ChildWorkflow{awaitable: &Awaitable{future: handle.Future}}
	}

	payload, err := encodeValues(args)
	if err != nil {
		w.inner.RemoveChild(handle.ChildID)
		return &ChildWorkflow{awaitable: failedAwaitable(err)}
	}

	env := messages.NewEnvelope(messages.KindWorkflowChildExecuteRequest)
	env.SetContextID(w.inner.ID())
	env.SetInt64Property(messages.PropChildID, int64(handle.ChildID))
	env.SetStringProperty(messages.PropName, name)
	env.Payload = payload

	reply, err := w.client.dispatcher.Send(w.ctx, env)
	if err != nil {
		w.inner.RemoveChild(handle.ChildID)
		return &ChildWorkflow{awaitable: failedAwaitable(err)}
	}
	if remote := reply.RemoteError(); remote != nil {
		w.inner.RemoveChild(handle.ChildID)
		return &ChildWorkflow{awaitable: failedAwaitable(remote)}
	}

	handle.WorkflowID, _ = reply.GetStringProperty(messages.PropWorkflowID)
	handle.RunID, _ = reply.GetStringProperty(messages.PropRunID)

	inner := w.inner
	return &ChildWorkflow{
		WorkflowID: handle.WorkflowID,
		RunID:      handle.RunID,
		awaitable: &Awaitable{future: handle.Future, record: func(payload []byte) {
			inner.RecordDecision(key, payload)
		}},
	}
}

// Queue is a signal channel scoped to one workflow invocation. Reads
// drain what the proxy pushed; writes go out to the proxy.
type Queue struct {
	w  WorkflowContext
	id types.QueueID
	ch chan []byte
}

// NewQueue registers a queue with the given capacity on both sides.
func (w WorkflowContext) NewQueue(capacity int) (*Queue, error) {
	id, ch, err := w.inner.AddQueue(capacity)
	if err != nil {
		return nil, err
	}

	env := messages.NewEnvelope(messages.KindWorkflowQueueNewRequest)
	env.SetContextID(w.inner.ID())
	env.SetInt64Property(messages.PropQueueID, int64(id))
	env.SetInt64Property(messages.PropCapacity, int64(capacity))

	reply, err := w.client.dispatcher.Send(w.ctx, env)
	if err != nil {
		w.inner.RemoveQueue(id)
		return nil, err
	}
	if remote := reply.RemoteError(); remote != nil {
		w.inner.RemoveQueue(id)
		return nil, remote
	}
	return &Queue{w: w, id: id, ch: ch}, nil
}

func (q *Queue) ID() int64 {
	return int64(q.id)
}

// Read blocks until a signal lands in the queue. A read on a queue
// whose context closed returns ErrContextClosed.
func (q *Queue) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-q.ch:
		if !ok {
			return nil, ErrContextClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends data to the proxy side of the queue.
func (q *Queue) Write(ctx context.Context, data []byte) error {
	env := messages.NewEnvelope(messages.KindWorkflowQueueWriteRequest)
	env.SetContextID(q.w.inner.ID())
	env.SetInt64Property(messages.PropQueueID, int64(q.id))
	env.Payload = data

	reply, err := q.w.client.dispatcher.Send(ctx, env)
	if err != nil {
		return err
	}
	if remote := reply.RemoteError(); remote != nil {
		return remote
	}
	return nil
}

// Close removes the queue from its context and closes the channel.
func (q *Queue) Close() {
	q.w.inner.RemoveQueue(q.id)
}

//----------------------------------------------------------------------------
// client-side workflow operations

// WorkflowRun identifies one started workflow execution.
type WorkflowRun struct {
	client     *Client
	WorkflowID string
	RunID      string
}

// StartWorkflow asks the proxy to start a workflow execution on the
// client's domain and task queue. A fresh workflow id is generated;
// the proxy may override it in the reply.
func (c *Client) StartWorkflow(ctx context.Context, name string, args ...interface{}) (*WorkflowRun, error) {
	payload, err := encodeValues(args)
	if err != nil {
		return nil, err
	}

	workflowID := uuid.NewString()
	env := messages.NewEnvelope(messages.KindWorkflowExecuteRequest)
	env.SetStringProperty(messages.PropName, name)
	env.SetStringProperty(messages.PropDomain, c.cfg.domain)
	env.SetStringProperty(messages.PropTaskQueue, c.cfg.taskQueue)
	env.SetStringProperty(messages.PropWorkflowID, workflowID)
	env.Payload = payload

	reply, err := c.dispatcher.Send(ctx, env)
	if err != nil {
		return nil, err
	}
	if remote := reply.RemoteError(); remote != nil {
		return nil, remote
	}

	if id, ok := reply.GetStringProperty(messages.PropWorkflowID); ok && id != "" {
		workflowID = id
	}
	runID, _ := reply.GetStringProperty(messages.PropRunID)

	c.logger.Info(ctx, "workflow started", "name", name, "workflowId", workflowID, "runId", runID)
	return &WorkflowRun{client: c, WorkflowID: workflowID, RunID: runID}, nil
}

// Get waits for the execution's result and decodes it into outs.
func (r *WorkflowRun) Get(ctx context.Context, outs ...interface{}) error {
	env := messages.NewEnvelope(messages.KindWorkflowGetResultRequest)
	env.SetStringProperty(messages.PropWorkflowID, r.WorkflowID)
	env.SetStringProperty(messages.PropRunID, r.RunID)

	reply, err := r.client.dispatcher.Send(ctx, env)
	if err != nil {
		return err
	}
	if remote := reply.RemoteError(); remote != nil {
		return remote
	}
	return decodeInto(reply.Payload, outs...)
}

// SignalWorkflow delivers a named signal to a running execution.
func (c *Client) SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, args ...interface{}) error {
	payload, err := encodeValues(args)
	if err != nil {
		return err
	}

	env := messages.NewEnvelope(messages.KindWorkflowSignalRequest)
	env.SetStringProperty(messages.PropWorkflowID, workflowID)
	env.SetStringProperty(messages.PropRunID, runID)
	env.SetStringProperty(messages.PropSignalName, signalName)
	env.Payload = payload

	reply, err := c.dispatcher.Send(ctx, env)
	if err != nil {
		return err
	}
	if remote := reply.RemoteError(); remote != nil {
		return remote
	}
	return nil
}

// QueryWorkflow runs a named query against an execution and decodes
// the answer into outs.
func (c *Client) QueryWorkflow(ctx context.Context, workflowID, runID, queryName string, outs ...interface{}) error {
	env := messages.NewEnvelope(messages.KindWorkflowQueryRequest)
	env.SetStringProperty(messages.PropWorkflowID, workflowID)
	env.SetStringProperty(messages.PropRunID, runID)
	env.SetStringProperty(messages.PropQueryName, queryName)

	reply, err := c.dispatcher.Send(ctx, env)
	if err != nil {
		return err
	}
	if remote := reply.RemoteError(); remote != nil {
		return remote
	}
	return decodeInto(reply.Payload, outs...)
}

// CancelWorkflow requests cancellation of a running execution.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID, runID string) error {
	env := messages.NewEnvelope(messages.KindWorkflowCancelRequest)
	env.SetStringProperty(messages.PropWorkflowID, workflowID)
	env.SetStringProperty(messages.PropRunID, runID)

	reply, err := c.dispatcher.Send(ctx, env)
	if err != nil {
		return err
	}
	if remote := reply.RemoteError(); remote != nil {
		return remote
	}
	return nil
}
