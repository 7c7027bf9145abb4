package dispatch

import (
	"context"
	"time"

	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/pkg/logs"
)

type HeartbeatConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	MissThreshold int
	Logger        logs.Logger
}

// HeartbeatMonitor probes the proxy on a fixed interval through the same
// dispatcher every other request goes through. The proxy's liveness cannot
// be observed directly, only through these probes: after MissThreshold
// consecutive misses the shared health flag flips and all other sends fail
// fast until a heartbeat succeeds again.
type HeartbeatMonitor struct {
	dispatcher *Dispatcher
	interval   time.Duration
	timeout    time.Duration
	threshold  int
	logger     logs.Logger
}

func NewHeartbeatMonitor(dispatcher *Dispatcher, cfg HeartbeatConfig) *HeartbeatMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logs.Default()
	}
	return &HeartbeatMonitor{
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		threshold:  cfg.MissThreshold,
		logger:     cfg.Logger,
	}
}

// Run probes until ctx is done. Meant to be supervised by the client's
// errgroup.
func (m *HeartbeatMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.probe(ctx); err != nil {
				misses++
				m.logger.Warn(ctx, "heartbeat missed", "misses", misses, "threshold", m.threshold, "error", err)
				if misses >= m.threshold && m.dispatcher.Healthy() {
					m.logger.Error(ctx, "proxy declared unhealthy", "misses", misses)
					m.dispatcher.SetHealthy(false)
				}
				continue
			}
			if misses > 0 || !m.dispatcher.Healthy() {
				m.logger.Info(ctx, "proxy health restored")
			}
			misses = 0
			m.dispatcher.SetHealthy(true)
		}
	}
}

// probe bypasses the health gate: heartbeats are how an unhealthy peer
// gets declared healthy again.
func (m *HeartbeatMonitor) probe(ctx context.Context) error {
	pending, err := m.dispatcher.sendAsync(messages.NewEnvelope(messages.KindHeartbeatRequest), m.timeout, true)
	if err != nil {
		return err
	}
	reply, err := pending.Wait(ctx)
	if err != nil {
		return err
	}
	if remote := reply.RemoteError(); remote != nil {
		return remote
	}
	return nil
}
