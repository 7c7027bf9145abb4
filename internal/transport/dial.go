package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/davidroman0O/proxylite/pkg/logs"
	"github.com/sethvargo/go-retry"
)

type DialConfig struct {
	Addresses   []string
	MaxAttempts uint64
	BaseDelay   time.Duration
	Logger      logs.Logger
}

// Dial connects to the first reachable proxy address, backing off between
// rounds. The proxy may still be booting when the client starts, so the
// first refusals are expected.
func Dial(ctx context.Context, cfg DialConfig) (net.Conn, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("proxylite: no proxy addresses configured")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logs.Default()
	}

	var conn net.Conn
	dialer := &net.Dialer{}
	err := retry.Do(ctx,
		retry.WithMaxRetries(cfg.MaxAttempts, retry.NewFibonacci(cfg.BaseDelay)),
		func(ctx context.Context) error {
			var lastErr error
			for _, addr := range cfg.Addresses {
				c, err := dialer.DialContext(ctx, "tcp", addr)
				if err == nil {
					conn = c
					return nil
				}
				lastErr = err
				cfg.Logger.Debug(ctx, "proxy address unreachable", "address", addr, "error", err)
			}
			return retry.RetryableError(lastErr)
		})
	if err != nil {
		return nil, fmt.Errorf("proxylite: connecting to proxy: %w", err)
	}
	return conn, nil
}

// Listen opens the loopback listener whose address is handed to the proxy
// during the Initialize handshake so it can dial back.
func Listen(address string) (net.Listener, error) {
	if address == "" {
		address = "127.0.0.1:0"
	}
	return net.Listen("tcp", address)
}

// AcceptOne waits for the proxy's dial-back, bounded by timeout.
func AcceptOne(ctx context.Context, listener net.Listener, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		_ = listener.Close()
		return nil, ctx.Err()
	case <-time.After(timeout):
		_ = listener.Close()
		return nil, fmt.Errorf("proxylite: proxy did not connect back within %s", timeout)
	}
}
