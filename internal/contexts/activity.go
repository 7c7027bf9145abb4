// Package contexts tracks the client-side state of in-flight workflow and
// activity invocations and their nested registrations.
package contexts

import (
	"context"

	"github.com/davidroman0O/proxylite/internal/types"
)

// ActivityContext represents one in-flight activity invocation. It is
// created when the proxy pushes an activity-invoke request and removed
// once the completion is acknowledged.
type ActivityContext struct {
	id           types.ContextID
	activityName string
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewActivityContext(parent context.Context, id types.ContextID, activityName string) *ActivityContext {
	ctx, cancel := context.WithCancel(parent)
	return &ActivityContext{
		id:           id,
		activityName: activityName,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (a *ActivityContext) ID() types.ContextID {
	return a.id
}

func (a *ActivityContext) ActivityName() string {
	return a.activityName
}

// Context is the Go context the registered activity function runs under.
func (a *ActivityContext) Context() context.Context {
	return a.ctx
}

// Cancel aborts the running activity function.
func (a *ActivityContext) Cancel() {
	a.cancel()
}
