package client

import (
	"fmt"
	"log"
	"time"

	"github.com/c360/relaycore/metric"
)

// Logger interface for client logging
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger logs with the standard library and swallows debug output
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[client] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[client] ERROR: "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {}

// Option configures a Client
type Option func(*Client) error

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithCallTimeout sets the default per-call timeout used when Call receives
// a non-positive timeout
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("call timeout must be positive, got %v", d)
		}
		c.callTimeout = d
		return nil
	}
}

// WithBackoffBase sets the base delay for reconnection backoff. Attempt n
// waits base times 2 to the power of n-1.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("backoff base must be positive, got %v", d)
		}
		c.backoffBase = d
		return nil
	}
}

// WithMaxReconnectAttempts sets the reconnection attempt budget per outage
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return fmt.Errorf("max reconnect attempts must be >= 1, got %d", n)
		}
		c.maxReconnects = n
		return nil
	}
}

// WithStateChangeHandler sets a callback invoked on every connection state
// transition. The callback runs on the client's internal goroutines and must
// not block.
func WithStateChangeHandler(fn func(old, new ConnState)) Option {
	return func(c *Client) error {
		c.onStateChange = fn
		return nil
	}
}

// WithMetrics wires the client into a metrics registry
func WithMetrics(registry *metric.Registry) Option {
	return func(c *Client) error {
		if registry == nil {
			return fmt.Errorf("metrics registry cannot be nil")
		}
		c.metrics = registry.Core
		return nil
	}
}
