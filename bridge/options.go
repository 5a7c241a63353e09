package bridge

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/relaycore/metric"
)

// Logger interface for bridge logging
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger logs with the standard library and swallows debug output
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[bridge] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[bridge] ERROR: "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {}

// Option configures a Bridge
type Option func(*Bridge) error

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(b *Bridge) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// WithRestartDelay sets the wait before restarting a dead listener
func WithRestartDelay(d time.Duration) Option {
	return func(b *Bridge) error {
		if d <= 0 {
			return fmt.Errorf("restart delay must be positive, got %v", d)
		}
		b.restartDelay = d
		return nil
	}
}

// WithTaskTimeout sets the default timeout for SendTask
func WithTaskTimeout(d time.Duration) Option {
	return func(b *Bridge) error {
		if d <= 0 {
			return fmt.Errorf("task timeout must be positive, got %v", d)
		}
		b.taskTimeout = d
		return nil
	}
}

// WithMessageRate sets the per-identity message rate limit
func WithMessageRate(perSecond float64, burst int) Option {
	return func(b *Bridge) error {
		if perSecond <= 0 || burst < 1 {
			return fmt.Errorf("invalid rate limit %v burst %d", perSecond, burst)
		}
		b.messageRate = rate.Limit(perSecond)
		b.messageBurst = burst
		return nil
	}
}

// WithMetrics wires the bridge into a metrics registry
func WithMetrics(registry *metric.Registry) Option {
	return func(b *Bridge) error {
		if registry == nil {
			return fmt.Errorf("metrics registry cannot be nil")
		}
		b.metrics = registry.Core
		return nil
	}
}
