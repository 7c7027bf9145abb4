package types

import "sync/atomic"

// ContextID identifies a workflow or activity execution context on this
// client. 0 means "no context".
type ContextID int64

var NoContextID = ContextID(0)

// RequestID correlates an outbound request with its reply. 0 means
// fire-and-forget.
type RequestID int64

var NoRequestID = RequestID(0)

// ChildID identifies a child workflow within its parent context.
type ChildID int64

var NoChildID = ChildID(0)

// ActivityID identifies an activity future within its owning workflow context.
type ActivityID int64

var NoActivityID = ActivityID(0)

// QueueID identifies a workflow queue within its owning workflow context.
type QueueID int64

var NoQueueID = QueueID(0)

// WorkerID identifies a worker registration on the proxy.
type WorkerID int64

var NoWorkerID = WorkerID(0)

// IdGenerator hands out strictly increasing non-zero int64 identifiers.
// Each logical scope owns its own instance: one for contexts, one for
// request ids, and one per workflow context for child/activity/queue ids.
type IdGenerator struct {
	last atomic.Int64
}

func NewIdGenerator() *IdGenerator {
	return &IdGenerator{}
}

// Next returns the next identifier, starting at 1. Never returns 0.
func (g *IdGenerator) Next() int64 {
	return g.last.Add(1)
}

// Current returns the last issued identifier, or 0 when none was issued yet.
func (g *IdGenerator) Current() int64 {
	return g.last.Load()
}
