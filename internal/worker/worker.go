// Package worker tracks proxy worker registrations per (mode, domain,
// task queue) triple, reference counted across repeated starts.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/internal/types"
	"github.com/davidroman0O/proxylite/pkg/logs"
	"github.com/hashicorp/go-memdb"
	"github.com/sasha-s/go-deadlock"
)

// ErrAlreadyStoppedCannotRestart means the triple was fully stopped
// earlier on this connection. The underlying worker runtime does not
// support re-registration, so this is a hard error for the life of the
// connection, never worked around silently.
var ErrAlreadyStoppedCannotRestart = errors.New("proxylite: worker was stopped and cannot be restarted on this connection")

// Mode selects what the worker polls for.
type Mode string

const (
	ModeWorkflow Mode = "workflow"
	ModeActivity Mode = "activity"
	ModeBoth     Mode = "both"
)

// Sender is the dispatcher surface the lifecycle needs: one
// request/reply exchange with the proxy.
type Sender interface {
	Send(ctx context.Context, env *messages.Envelope) (*messages.Envelope, error)
}

// Registration is one row of the workers table. Fields are exported for
// memdb's reflection-based indexers.
type Registration struct {
	Mode      string
	Domain    string
	TaskQueue string
	WorkerID  types.WorkerID
	RefCount  int
	Stopped   bool
}

// Handle identifies a live registration returned by Start.
type Handle struct {
	WorkerID  types.WorkerID
	Mode      Mode
	Domain    string
	TaskQueue string
}

// Lifecycle owns the registration table. Start/Stop are serialized by one
// mutex: the refcount decision and the matching proxy exchange must be
// atomic with respect to each other.
type Lifecycle struct {
	mu        deadlock.Mutex
	db        *memdb.MemDB
	sender    Sender
	workerIDs *types.IdGenerator
	logger    logs.Logger
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"workers": {
				Name: "workers",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Mode"},
								&memdb.StringFieldIndex{Field: "Domain"},
								&memdb.StringFieldIndex{Field: "TaskQueue"},
							},
						},
					},
				},
			},
		},
	}
}

func New(sender Sender, logger logs.Logger) (*Lifecycle, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("proxylite: building worker table: %w", err)
	}
	if logger == nil {
		logger = logs.Default()
	}
	return &Lifecycle{
		db:        db,
		sender:    sender,
		workerIDs: types.NewIdGenerator(),
		logger:    logger,
	}, nil
}

func (l *Lifecycle) lookup(txn *memdb.Txn, mode Mode, domain, taskQueue string) (*Registration, error) {
	raw, err := txn.First("workers", "id", string(mode), domain, taskQueue)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*Registration), nil
}

// Start registers a worker for the triple, or bumps the refcount of the
// live registration when the parameters match an existing one. The
// deregistration invariant makes restarting a fully stopped triple a hard
// error.
func (l *Lifecycle) Start(ctx context.Context, mode Mode, domain, taskQueue string) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txn := l.db.Txn(true)
	existing, err := l.lookup(txn, mode, domain, taskQueue)
	if err != nil {
		txn.Abort()
		return nil, err
	}

	if existing != nil {
		if existing.Stopped {
			txn.Abort()
			return nil, fmt.Errorf("%w: %s/%s/%s", ErrAlreadyStoppedCannotRestart, mode, domain, taskQueue)
		}
		updated := *existing
		updated.RefCount++
		if err := txn.Insert("workers", &updated); err != nil {
			txn.Abort()
			return nil, err
		}
		txn.Commit()
		l.logger.Debug(ctx, "worker refcount bumped", "mode", mode, "domain", domain, "taskQueue", taskQueue, "refCount", updated.RefCount)
		return l.handle(&updated), nil
	}
	txn.Abort()

	// First start of this triple: tell the proxy before recording it.
	env := messages.NewEnvelope(messages.KindWorkerStartRequest)
	env.SetStringProperty(messages.PropMode, string(mode))
	env.SetStringProperty(messages.PropDomain, domain)
	env.SetStringProperty(messages.PropTaskQueue, taskQueue)
	reply, err := l.sender.Send(ctx, env)
	if err != nil {
		return nil, err
	}
	if remote := reply.RemoteError(); remote != nil {
		return nil, remote
	}

	workerID := types.WorkerID(l.workerIDs.Next())
	if id, ok := reply.GetInt64Property(messages.PropWorkerID); ok {
		workerID = types.WorkerID(id)
	}

	registration := &Registration{
		Mode:      string(mode),
		Domain:    domain,
		TaskQueue: taskQueue,
		WorkerID:  workerID,
		RefCount:  1,
	}
	txn = l.db.Txn(true)
	if err := txn.Insert("workers", registration); err != nil {
		txn.Abort()
		return nil, err
	}
	txn.Commit()

	l.logger.Info(ctx, "worker started", "mode", mode, "domain", domain, "taskQueue", taskQueue, "workerId", int64(workerID))
	return l.handle(registration), nil
}

// Stop decrements the refcount and, at zero, sends exactly one
// deregistration to the proxy and marks the triple unrestartable.
func (l *Lifecycle) Stop(ctx context.Context, handle *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	txn := l.db.Txn(true)
	existing, err := l.lookup(txn, handle.Mode, handle.Domain, handle.TaskQueue)
	if err != nil {
		txn.Abort()
		return err
	}
	if existing == nil {
		txn.Abort()
		return fmt.Errorf("proxylite: no worker registered for %s/%s/%s", handle.Mode, handle.Domain, handle.TaskQueue)
	}
	if existing.Stopped {
		txn.Abort()
		return fmt.Errorf("%w: %s/%s/%s", ErrAlreadyStoppedCannotRestart, handle.Mode, handle.Domain, handle.TaskQueue)
	}

	updated := *existing
	updated.RefCount--
	if updated.RefCount <= 0 {
		updated.RefCount = 0
		updated.Stopped = true
	}
	if err := txn.Insert("workers", &updated); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()

	if !updated.Stopped {
		l.logger.Debug(ctx, "worker refcount dropped", "mode", handle.Mode, "domain", handle.Domain, "taskQueue", handle.TaskQueue, "refCount", updated.RefCount)
		return nil
	}

	env := messages.NewEnvelope(messages.KindWorkerStopRequest)
	env.SetStringProperty(messages.PropMode, string(handle.Mode))
	env.SetStringProperty(messages.PropDomain, handle.Domain)
	env.SetStringProperty(messages.PropTaskQueue, handle.TaskQueue)
	env.SetInt64Property(messages.PropWorkerID, int64(updated.WorkerID))
	reply, err := l.sender.Send(ctx, env)
	if err != nil {
		// The triple stays stopped either way: the runtime may or may not
		// have seen the deregistration, and re-registering is unsupported.
		return err
	}
	if remote := reply.RemoteError(); remote != nil {
		return remote
	}

	l.logger.Info(ctx, "worker stopped", "mode", handle.Mode, "domain", handle.Domain, "taskQueue", handle.TaskQueue)
	return nil
}

// RefCount reports the live refcount of a triple, 0 when unknown or
// stopped.
func (l *Lifecycle) RefCount(mode Mode, domain, taskQueue string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	txn := l.db.Txn(false)
	defer txn.Abort()
	existing, err := l.lookup(txn, mode, domain, taskQueue)
	if err != nil || existing == nil {
		return 0
	}
	return existing.RefCount
}

func (l *Lifecycle) handle(r *Registration) *Handle {
	return &Handle{
		WorkerID:  r.WorkerID,
		Mode:      Mode(r.Mode),
		Domain:    r.Domain,
		TaskQueue: r.TaskQueue,
	}
}
