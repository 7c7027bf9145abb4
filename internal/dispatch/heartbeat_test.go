package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProxy answers heartbeats only while responsive is true.
type flakyProxy struct {
	dispatcher *Dispatcher
	responsive atomic.Bool
}

func (w *flakyProxy) WriteEnvelope(env *messages.Envelope) error {
	if env.Kind == messages.KindHeartbeatRequest && !w.responsive.Load() {
		return nil
	}
	reply := messages.NewReply(env)
	go w.dispatcher.Resolve(reply)
	return nil
}

// go test -v -timeout 30s -run ^TestHeartbeatFlipsHealthAndRecovers$ ./internal/dispatch
func TestHeartbeatFlipsHealthAndRecovers(t *testing.T) {
	proxy := &flakyProxy{}
	proxy.responsive.Store(true)

	d := New(proxy, Config{DefaultTimeout: time.Second})
	proxy.dispatcher = d

	monitor := NewHeartbeatMonitor(d, HeartbeatConfig{
		Interval:      10 * time.Millisecond,
		Timeout:       20 * time.Millisecond,
		MissThreshold: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	require.Eventually(t, d.Healthy, time.Second, 5*time.Millisecond)

	// Proxy stops answering: two consecutive misses flip the flag.
	proxy.responsive.Store(false)
	require.Eventually(t, func() bool { return !d.Healthy() }, 2*time.Second, 10*time.Millisecond)

	// Every other call now fails fast.
	_, err := d.Send(context.Background(), messages.NewEnvelope(messages.KindEchoRequest))
	require.ErrorIs(t, err, ErrPeerUnhealthy)

	// Heartbeats resume: health is restored without reconnecting.
	proxy.responsive.Store(true)
	require.Eventually(t, d.Healthy, 2*time.Second, 10*time.Millisecond)

	_, err = d.Send(context.Background(), messages.NewEnvelope(messages.KindEchoRequest))
	assert.NoError(t, err)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
