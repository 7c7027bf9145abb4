package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoWriter answers every request asynchronously with a matching reply,
// like a well-behaved proxy would.
type echoWriter struct {
	dispatcher *Dispatcher
	delay      time.Duration
}

func (w *echoWriter) WriteEnvelope(env *messages.Envelope) error {
	reply := messages.NewReply(env)
	if msg, ok := env.GetStringProperty("msg"); ok {
		reply.SetStringProperty("msg", msg)
	}
	go func() {
		if w.delay > 0 {
			time.Sleep(w.delay)
		}
		w.dispatcher.Resolve(reply)
	}()
	return nil
}

// silentWriter swallows everything; no reply ever comes back.
type silentWriter struct {
	mu   sync.Mutex
	sent []*messages.Envelope
}

func (w *silentWriter) WriteEnvelope(env *messages.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, env)
	return nil
}

func (w *silentWriter) sentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

// go test -v -timeout 30s -run ^TestDispatcherEchoRoundTrip$ ./internal/dispatch
func TestDispatcherEchoRoundTrip(t *testing.T) {
	writer := &echoWriter{}
	d := New(writer, Config{DefaultTimeout: time.Second})
	writer.dispatcher = d

	env := messages.NewEnvelope(messages.KindEchoRequest)
	env.SetStringProperty("msg", "hi")

	reply, err := d.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, messages.KindEchoReply, reply.Kind)
	msg, _ := reply.GetStringProperty("msg")
	assert.Equal(t, "hi", msg)
	assert.Equal(t, 0, d.PendingCount(), "resolved entry must leave the table")
}

func TestDispatcherTimeout(t *testing.T) {
	writer := &silentWriter{}
	d := New(writer, Config{})

	env := messages.NewEnvelope(messages.KindEchoRequest)
	start := time.Now()
	_, err := d.SendTimeout(context.Background(), env, 50*time.Millisecond)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, d.PendingCount(), "timed-out entry must be removed")
}

func TestDispatcherExactlyOneResolution(t *testing.T) {
	writer := &silentWriter{}
	d := New(writer, Config{})

	pending, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), 30*time.Millisecond)
	require.NoError(t, err)

	// Race the reply against the timeout; whichever removes the entry
	// first is authoritative and the slot resolves exactly once.
	reply := messages.NewEnvelope(messages.KindEchoReply)
	reply.SetRequestID(pending.RequestID)
	go d.Resolve(reply)

	_, firstErr := pending.Wait(context.Background())
	if firstErr != nil {
		require.ErrorIs(t, firstErr, ErrTimeout)
	}

	// The loser of the race must not deliver a second outcome.
	select {
	case <-pending.ch:
		t.Fatal("pending slot resolved twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherDuplicateReplyDropped(t *testing.T) {
	writer := &silentWriter{}
	d := New(writer, Config{})

	pending, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), time.Second)
	require.NoError(t, err)

	reply := messages.NewEnvelope(messages.KindEchoReply)
	reply.SetRequestID(pending.RequestID)
	d.Resolve(reply)
	d.Resolve(reply) // duplicate: logged and dropped, no panic, no second delivery

	env, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pending.RequestID, env.RequestID())

	select {
	case <-pending.ch:
		t.Fatal("duplicate reply was delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherUnmatchedReplyDropped(t *testing.T) {
	d := New(&silentWriter{}, Config{})

	reply := messages.NewEnvelope(messages.KindEchoReply)
	reply.SetRequestID(types.RequestID(12345))
	d.Resolve(reply) // nothing pending: must not crash
}

func TestDispatcherOutOfOrderReplies(t *testing.T) {
	writer := &silentWriter{}
	d := New(writer, Config{})

	first, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), time.Second)
	require.NoError(t, err)
	second, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), time.Second)
	require.NoError(t, err)

	// Reply to the second request before the first.
	for _, id := range []types.RequestID{second.RequestID, first.RequestID} {
		reply := messages.NewEnvelope(messages.KindEchoReply)
		reply.SetRequestID(id)
		d.Resolve(reply)
	}

	env, err := second.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.RequestID, env.RequestID())

	env, err = first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, env.RequestID())
}

func TestDispatcherCallerCancelKeepsEntryResolvable(t *testing.T) {
	writer := &silentWriter{}
	d := New(writer, Config{})

	pending, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pending.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The caller gave up but the entry is still pending; a late reply is
	// discarded through the same idempotent removal.
	assert.Equal(t, 1, d.PendingCount())
	reply := messages.NewEnvelope(messages.KindEchoReply)
	reply.SetRequestID(pending.RequestID)
	d.Resolve(reply)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatcherFailsFastWhenUnhealthy(t *testing.T) {
	writer := &silentWriter{}
	d := New(writer, Config{})
	d.SetHealthy(false)

	start := time.Now()
	_, err := d.Send(context.Background(), messages.NewEnvelope(messages.KindEchoRequest))
	require.ErrorIs(t, err, ErrPeerUnhealthy)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "must not wait out the timeout")
	assert.Equal(t, 0, writer.sentCount(), "nothing should hit the wire")
}

func TestDispatcherUnhealthyFailsInFlight(t *testing.T) {
	writer := &silentWriter{}
	d := New(writer, Config{})

	pending, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), time.Minute)
	require.NoError(t, err)

	start := time.Now()
	d.SetHealthy(false)

	// Requests already on the wire fail immediately, not at their own
	// deadline a minute from now.
	_, err = pending.Wait(context.Background())
	require.ErrorIs(t, err, ErrPeerUnhealthy)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "must not wait out the per-request timeout")
	assert.Equal(t, 0, d.PendingCount())

	// Recovery reopens the gate for new sends.
	d.SetHealthy(true)
	_, err = d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), time.Second)
	require.NoError(t, err)
}

// syncWriter resolves the request from inside the write call, like a
// read loop that beats the sender back to its own bookkeeping.
type syncWriter struct {
	dispatcher *Dispatcher
}

func (w *syncWriter) WriteEnvelope(env *messages.Envelope) error {
	w.dispatcher.Resolve(messages.NewReply(env))
	return nil
}

func TestDispatcherReplyBeforeWriteReturns(t *testing.T) {
	writer := &syncWriter{}
	d := New(writer, Config{})
	writer.dispatcher = d

	pending, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), 20*time.Millisecond)
	require.NoError(t, err)

	env, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, messages.KindEchoReply, env.Kind)

	// The reply found an armed timer and stopped it; waiting past the
	// deadline must not produce a late timeout outcome.
	select {
	case <-pending.ch:
		t.Fatal("stray timeout fired after the reply resolved the entry")
	case <-time.After(60 * time.Millisecond):
	}
	assert.Equal(t, 0, d.PendingCount())
}

// failWriter rejects every write.
type failWriter struct{}

func (failWriter) WriteEnvelope(*messages.Envelope) error { return assert.AnError }

func TestDispatcherWriteErrorCleansUp(t *testing.T) {
	d := New(failWriter{}, Config{})

	_, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), time.Second)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, d.PendingCount(), "failed send must not leave an entry or a live timer")
}

func TestDispatcherCloseFailsPending(t *testing.T) {
	writer := &silentWriter{}
	d := New(writer, Config{})

	pending, err := d.SendAsync(messages.NewEnvelope(messages.KindEchoRequest), time.Minute)
	require.NoError(t, err)

	d.Close(nil)

	_, err = pending.Wait(context.Background())
	require.ErrorIs(t, err, ErrDispatcherClosed)

	_, err = d.Send(context.Background(), messages.NewEnvelope(messages.KindEchoRequest))
	require.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcherConcurrentSends(t *testing.T) {
	writer := &echoWriter{delay: time.Millisecond}
	d := New(writer, Config{DefaultTimeout: 5 * time.Second})
	writer.dispatcher = d

	const callers = 32
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			env := messages.NewEnvelope(messages.KindEchoRequest)
			_, errs[slot] = d.Send(context.Background(), env)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 0, d.PendingCount())
}
