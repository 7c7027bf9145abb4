package contexts

import (
	"context"
	"sync"
)

// Future is a single-assignment result slot for an in-flight activity or
// child workflow. Complete fulfills it exactly once; later completions are
// discarded, which is what makes the reply-vs-teardown race safe.
type Future struct {
	once    sync.Once
	done    chan struct{}
	payload []byte
	err     error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) Complete(payload []byte, err error) {
	f.once.Do(func() {
		f.payload = payload
		f.err = err
		close(f.done)
	})
}

// Get blocks until the future is fulfilled or ctx is done.
func (f *Future) Get(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the future is fulfilled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
