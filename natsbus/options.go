package natsbus

import (
	"fmt"
	"log"
	"time"
)

// Logger interface for bus logging
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger logs with the standard library and swallows debug output
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[natsbus] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[natsbus] ERROR: "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {}

// Option configures a Bus
type Option func(*Bus) error

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(b *Bus) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// WithName sets the client name reported to the NATS server
func WithName(name string) Option {
	return func(b *Bus) error {
		b.clientName = name
		return nil
	}
}

// WithMaxReconnects sets the maximum reconnection attempts (-1 for unlimited)
func WithMaxReconnects(n int) Option {
	return func(b *Bus) error {
		if n < -1 {
			return fmt.Errorf("max reconnects must be >= -1, got %d", n)
		}
		b.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the wait between reconnection attempts
func WithReconnectWait(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("reconnect wait must be positive, got %v", d)
		}
		b.reconnectWait = d
		return nil
	}
}

// WithTimeout sets the connection timeout
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		b.timeout = d
		return nil
	}
}

// WithDrainTimeout sets the drain timeout used during Close
func WithDrainTimeout(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout must be positive, got %v", d)
		}
		b.drainTimeout = d
		return nil
	}
}

// WithCircuitThreshold sets the consecutive failures that open the circuit
func WithCircuitThreshold(n int32) Option {
	return func(b *Bus) error {
		if n <= 0 {
			return fmt.Errorf("circuit threshold must be positive, got %d", n)
		}
		b.circuitThreshold = n
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker backoff duration
func WithMaxBackoff(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("max backoff must be positive, got %v", d)
		}
		b.maxBackoff = d
		return nil
	}
}

// WithDisconnectHandler sets a callback invoked when the connection drops
func WithDisconnectHandler(fn func(error)) Option {
	return func(b *Bus) error {
		b.onDisconnect = fn
		return nil
	}
}

// WithReconnectHandler sets a callback invoked after a reconnect
func WithReconnectHandler(fn func()) Option {
	return func(b *Bus) error {
		b.onReconnect = fn
		return nil
	}
}

// WithHealthChangeHandler sets a callback invoked when health transitions
func WithHealthChangeHandler(fn func(bool)) Option {
	return func(b *Bus) error {
		b.onHealthChange = fn
		return nil
	}
}
