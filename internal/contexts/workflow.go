package contexts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/davidroman0O/proxylite/internal/maps"
	"github.com/davidroman0O/proxylite/internal/types"
	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

// ErrContextClosed means an operation was attempted against an execution
// context that already reached its terminal state. It indicates a stale
// handle on the caller's side and is never retried.
var ErrContextClosed = errors.New("proxylite: execution context closed")

type State string

const (
	StateCreated    State = "Created"
	StateRunning    State = "Running"
	StateCompleting State = "Completing"
	StateClosed     State = "Closed"
)

type trigger string

const (
	triggerStart    trigger = "Start"
	triggerComplete trigger = "Complete"
	triggerFinalize trigger = "Finalize"
)

// ChildHandle is the client-side handle of a child workflow started by a
// parent context.
type ChildHandle struct {
	ChildID    types.ChildID
	WorkflowID string
	RunID      string
	Future     *Future
}

// WorkflowContext represents one in-flight workflow invocation. Nested
// child/activity/queue ids are scoped to this context: two workflow
// executions reuse the same small integers concurrently without collision
// because every lookup is a (contextID, localID) pair.
//
// The nested maps are mutated both by the workflow's own code and by the
// read loop delivering async completions; both paths go through the same
// locks.
type WorkflowContext struct {
	id           types.ContextID
	workflowName string
	cancel       context.CancelFunc

	mu  deadlock.Mutex
	fsm *stateless.StateMachine

	children   *maps.Map[types.ChildID, *ChildHandle]
	activities *maps.Map[types.ActivityID, *Future]
	queues     *maps.Map[types.QueueID, chan []byte]

	childIDs    *types.IdGenerator
	activityIDs *types.IdGenerator
	queueIDs    *types.IdGenerator

	replaying atomic.Bool
	decisions *maps.Map[string, []byte]
}

func NewWorkflowContext(id types.ContextID, workflowName string, cancel context.CancelFunc) *WorkflowContext {
	w := &WorkflowContext{
		id:           id,
		workflowName: workflowName,
		cancel:       cancel,
		children:     maps.New[types.ChildID, *ChildHandle](),
		activities:   maps.New[types.ActivityID, *Future](),
		queues:       maps.New[types.QueueID, chan []byte](),
		childIDs:     types.NewIdGenerator(),
		activityIDs:  types.NewIdGenerator(),
		queueIDs:     types.NewIdGenerator(),
		decisions:    maps.New[string, []byte](),
	}

	w.fsm = stateless.NewStateMachine(StateCreated)
	w.fsm.Configure(StateCreated).
		Permit(triggerStart, StateRunning).
		Permit(triggerFinalize, StateClosed)
	w.fsm.Configure(StateRunning).
		Permit(triggerComplete, StateCompleting).
		Permit(triggerFinalize, StateClosed)
	w.fsm.Configure(StateCompleting).
		Permit(triggerFinalize, StateClosed)
	w.fsm.Configure(StateClosed)

	return w
}

func (w *WorkflowContext) ID() types.ContextID {
	return w.id
}

func (w *WorkflowContext) WorkflowName() string {
	return w.workflowName
}

// Cancel requests cancellation of the locally running workflow function.
func (w *WorkflowContext) Cancel() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *WorkflowContext) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsm.MustState().(State)
}

// Start moves the context from Created to Running.
func (w *WorkflowContext) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fire(triggerStart)
}

// BeginCompletion marks the workflow decision as computed locally but not
// yet acknowledged by the proxy. Side-effecting registrations are rejected
// from here on.
func (w *WorkflowContext) BeginCompletion() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fire(triggerComplete)
}

func (w *WorkflowContext) fire(t trigger) error {
	state := w.fsm.MustState().(State)
	if err := w.fsm.Fire(t); err != nil {
		if state == StateClosed {
			return fmt.Errorf("%w: cannot %s", ErrContextClosed, t)
		}
		return fmt.Errorf("proxylite: invalid transition %s from state %s: %v", t, state, err)
	}
	return nil
}

// ensureAccepting rejects nested registrations unless the context can
// still issue side effects. Silent loss of a child registration would
// orphan a running child, so this is an explicit error, never a no-op.
func (w *WorkflowContext) ensureAccepting() error {
	state := w.fsm.MustState().(State)
	switch state {
	case StateCreated, StateRunning:
		return nil
	case StateClosed:
		return fmt.Errorf("%w (context %d)", ErrContextClosed, w.id)
	default:
		return fmt.Errorf("proxylite: context %d is %s and accepts no new registrations", w.id, state)
	}
}

// AddChild allocates the next per-context child id and registers a handle
// for it.
func (w *WorkflowContext) AddChild() (*ChildHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureAccepting(); err != nil {
		return nil, err
	}
	handle := &ChildHandle{
		ChildID: types.ChildID(w.childIDs.Next()),
		Future:  NewFuture(),
	}
	w.children.Add(handle.ChildID, handle)
	return handle, nil
}

func (w *WorkflowContext) GetChild(id types.ChildID) (*ChildHandle, bool) {
	return w.children.Get(id)
}

func (w *WorkflowContext) RemoveChild(id types.ChildID) (*ChildHandle, bool) {
	return w.children.Remove(id)
}

// AddActivity allocates the next per-context activity id and registers the
// future its completion will fulfill.
func (w *WorkflowContext) AddActivity() (types.ActivityID, *Future, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureAccepting(); err != nil {
		return types.NoActivityID, nil, err
	}
	id := types.ActivityID(w.activityIDs.Next())
	future := NewFuture()
	w.activities.Add(id, future)
	return id, future, nil
}

func (w *WorkflowContext) GetActivity(id types.ActivityID) (*Future, bool) {
	return w.activities.Get(id)
}

func (w *WorkflowContext) RemoveActivity(id types.ActivityID) (*Future, bool) {
	return w.activities.Remove(id)
}

// AddQueue allocates the next per-context queue id backed by a buffered
// byte-slice channel.
func (w *WorkflowContext) AddQueue(capacity int) (types.QueueID, chan []byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureAccepting(); err != nil {
		return types.NoQueueID, nil, err
	}
	if capacity <= 0 {
		capacity = 1
	}
	id := types.QueueID(w.queueIDs.Next())
	queue := make(chan []byte, capacity)
	w.queues.Add(id, queue)
	return id, queue, nil
}

func (w *WorkflowContext) GetQueue(id types.QueueID) (chan []byte, bool) {
	return w.queues.Get(id)
}

func (w *WorkflowContext) RemoveQueue(id types.QueueID) bool {
	queue, ok := w.queues.Remove(id)
	if ok {
		close(queue)
	}
	return ok
}

//----------------------------------------------------------------------------
// replay

// SetReplaying flags deterministic re-execution from history. While set,
// externally visible side effects are suppressed and recorded decisions
// are consumed instead.
func (w *WorkflowContext) SetReplaying(replaying bool) {
	w.replaying.Store(replaying)
}

func (w *WorkflowContext) Replaying() bool {
	return w.replaying.Load()
}

// RecordDecision stores the result of a side effect under its
// deterministic per-context key (e.g. "activity/3") during live execution.
func (w *WorkflowContext) RecordDecision(key string, payload []byte) {
	w.decisions.Add(key, payload)
}

// ConsumeDecision takes the recorded result for key during replay. The
// per-context id counters make keys deterministic across re-executions.
func (w *WorkflowContext) ConsumeDecision(key string) ([]byte, bool) {
	return w.decisions.Remove(key)
}

//----------------------------------------------------------------------------
// teardown

// Close is terminal. Every still-pending nested future resolves with
// ErrContextClosed so no waiter hangs forever, queues are closed, and all
// nested registries end up empty.
func (w *WorkflowContext) Close() error {
	w.mu.Lock()
	if err := w.fire(triggerFinalize); err != nil {
		w.mu.Unlock()
		return err
	}
	children := w.children.Drain()
	activities := w.activities.Drain()
	queues := w.queues.Drain()
	w.mu.Unlock()

	for _, handle := range children {
		handle.Future.Complete(nil, ErrContextClosed)
	}
	for _, future := range activities {
		future.Complete(nil, ErrContextClosed)
	}
	for _, queue := range queues {
		close(queue)
	}
	return nil
}
