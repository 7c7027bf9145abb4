package proxylite

import (
	"time"

	"github.com/davidroman0O/proxylite/pkg/logs"
)

type proxyliteConfig struct {
	listenAddress  string
	proxyAddresses []string

	domain    string
	taskQueue string

	callTimeout      time.Duration
	connectAttempts  uint64
	connectBaseDelay time.Duration

	heartbeatInterval      time.Duration
	heartbeatTimeout       time.Duration
	heartbeatMissThreshold int

	pushWorkers  int
	maxFrameSize int
	traceFrames  bool

	logger logs.Logger
}

func defaultConfig() proxyliteConfig {
	return proxyliteConfig{
		listenAddress:          "127.0.0.1:0",
		domain:                 "default",
		taskQueue:              "default",
		callTimeout:            30 * time.Second,
		connectAttempts:        10,
		connectBaseDelay:       100 * time.Millisecond,
		heartbeatInterval:      5 * time.Second,
		heartbeatTimeout:       5 * time.Second,
		heartbeatMissThreshold: 3,
		pushWorkers:            4,
	}
}

type proxyliteOption func(*proxyliteConfig)

func WithLogger(logger logs.Logger) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.logger = logger
	}
}

// WithProxyAddresses makes the client dial out to the proxy instead of
// waiting for the proxy to connect back to the listen address.
func WithProxyAddresses(addresses ...string) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.proxyAddresses = addresses
	}
}

func WithListenAddress(address string) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.listenAddress = address
	}
}

func WithDomain(domain string) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.domain = domain
	}
}

func WithTaskQueue(taskQueue string) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.taskQueue = taskQueue
	}
}

// WithCallTimeout sets the default per-request reply deadline.
func WithCallTimeout(timeout time.Duration) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.callTimeout = timeout
	}
}

func WithConnectRetries(attempts uint64, baseDelay time.Duration) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.connectAttempts = attempts
		c.connectBaseDelay = baseDelay
	}
}

func WithHeartbeat(interval, timeout time.Duration, missThreshold int) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.heartbeatInterval = interval
		c.heartbeatTimeout = timeout
		c.heartbeatMissThreshold = missThreshold
	}
}

// WithPushWorkers sizes the pool that runs workflow and activity
// invocations pushed by the proxy. Increase it when workflows block on
// many nested calls at once.
func WithPushWorkers(n int) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.pushWorkers = n
	}
}

func WithMaxFrameSize(bytes int) proxyliteOption {
	return func(c *proxyliteConfig) {
		c.maxFrameSize = bytes
	}
}

// WithTraceFrames pretty-dumps every frame at debug level.
func WithTraceFrames() proxyliteOption {
	return func(c *proxyliteConfig) {
		c.traceFrames = true
	}
}
