// Package natsbus manages the RelayCore platform bus: a NATS connection
// with circuit breaker supervision, request/reply to the chat backend,
// JetStream streams for the conversational log, and JetStream KV for
// durable session bindings.
package natsbus

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/relaycore/errors"
)

// Status represents the state of the bus connection
type Status int

// Possible connection statuses
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error variables
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Bus manages the NATS connection with a circuit breaker
type Bus struct {
	url      string
	status   atomic.Value // stores Status
	failures atomic.Int32
	logger   Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	// Callbacks
	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// New creates a new bus handle for url. The connection is established by
// Connect.
func New(url string, opts ...Option) (*Bus, error) {
	b := &Bus{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, errors.WrapInvalid(err, "Bus", "New", "apply option")
		}
	}

	b.status.Store(StatusDisconnected)
	b.backoff.Store(time.Second)
	b.lastFailure.Store(time.Time{})

	b.logger.Debugf("Created bus handle for %s", url)

	return b, nil
}

// URL returns the NATS server URL
func (b *Bus) URL() string {
	return b.url
}

// Status returns the current connection status
func (b *Bus) Status() Status {
	val := b.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(Status)
}

// IsHealthy returns true if the connection is healthy
func (b *Bus) IsHealthy() bool {
	return b.Status() == StatusConnected
}

// Failures returns the total failure count
func (b *Bus) Failures() int32 {
	return b.failures.Load()
}

// Backoff returns the current circuit backoff duration
func (b *Bus) Backoff() time.Duration {
	return b.backoff.Load().(time.Duration)
}

// Conn returns the underlying NATS connection, or nil before Connect
func (b *Bus) Conn() *nats.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn
}

func (b *Bus) setStatus(status Status) {
	b.status.Store(status)
}

// recordFailure records a connection failure and manages the circuit breaker
func (b *Bus) recordFailure() {
	total := b.failures.Add(1)
	b.lastFailure.Store(time.Now())
	circuit := b.circuitFailures.Add(1)

	b.logger.Debugf("Recorded failure %d (circuit failures: %d)", total, circuit)

	if circuit < b.circuitThreshold {
		return
	}

	currentStatus := b.Status()
	if currentStatus != StatusCircuitOpen {
		if b.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			currentBackoff := b.backoff.Load().(time.Duration)
			b.growBackoff(currentBackoff)
			b.circuitFailures.Store(0)
			b.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
				circuit, currentBackoff)
			time.AfterFunc(currentBackoff, b.testCircuit)
		}
	} else {
		b.growBackoff(b.backoff.Load().(time.Duration))
		b.circuitFailures.Store(0)
		b.logger.Printf("Circuit breaker still open, backoff now %v", b.Backoff())
	}
}

func (b *Bus) growBackoff(current time.Duration) {
	next := current * 2
	if next > b.maxBackoff {
		next = b.maxBackoff
	}
	b.backoff.Store(next)
}

// resetCircuit resets the circuit breaker state after a success
func (b *Bus) resetCircuit() {
	b.failures.Store(0)
	b.circuitFailures.Store(0)
	b.backoff.Store(time.Second)
	b.lastFailure.Store(time.Time{})

	if b.Status() == StatusCircuitOpen {
		b.setStatus(StatusDisconnected)
	}
}

// testCircuit half-opens the circuit after the backoff elapses
func (b *Bus) testCircuit() {
	if b.Status() == StatusCircuitOpen {
		b.logger.Debugf("Circuit breaker test: moving from open to disconnected")
		b.setStatus(StatusDisconnected)
	}
}

// Connect establishes the connection to the NATS server
func (b *Bus) Connect(ctx context.Context) error {
	if b.Status() == StatusCircuitOpen {
		b.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return ErrCircuitOpen
	}

	b.setStatus(StatusConnecting)
	b.logger.Printf("Connecting to NATS at %s", b.url)

	opts := []nats.Option{
		nats.MaxReconnects(b.maxReconnects),
		nats.ReconnectWait(b.reconnectWait),
		nats.Timeout(b.timeout),
		nats.DrainTimeout(b.drainTimeout),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
		nats.ClosedHandler(b.handleClosed),
	}
	if b.clientName != "" {
		opts = append(opts, nats.Name(b.clientName))
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(b.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		if js, err := jetstream.New(conn); err == nil {
			b.mu.Lock()
			b.js = js
			b.mu.Unlock()
		}

		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			b.recordFailure()
			if b.Status() != StatusCircuitOpen {
				b.setStatus(StatusDisconnected)
			}
			if b.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			return errors.WrapTransient(err, "Bus", "Connect", "establish connection")
		}
	case <-ctx.Done():
		b.recordFailure()
		if b.Status() != StatusCircuitOpen {
			b.setStatus(StatusDisconnected)
		}
		return connectCancelError(ctx.Err())
	}

	b.setStatus(StatusConnected)
	b.resetCircuit()
	b.logger.Printf("Connected to NATS at %s", b.url)

	if b.onHealthChange != nil {
		b.onHealthChange(true)
	}

	return nil
}

// connectCancelError classifies a context failure while dialing: a missed
// deadline is a connection timeout, anything else is a caller cancellation.
func connectCancelError(ctxErr error) error {
	if stderrors.Is(ctxErr, context.DeadlineExceeded) {
		return errors.WrapTransient(errors.ErrConnectionTimeout,
			"Bus", "Connect", "connection timed out")
	}
	return errors.WrapTransient(ctxErr, "Bus", "Connect", "connection cancelled")
}

// Close drains and closes the connection. Safe to call more than once.
func (b *Bus) Close(ctx context.Context) error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	if b.closed.Load() {
		return nil
	}
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error

	b.consumersMu.Lock()
	for name, consumer := range b.consumers {
		consumer.Stop()
		b.logger.Debugf("Stopped consumer: %s", name)
	}
	b.consumers = nil
	b.consumersMu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Bus", "Close", "unsubscribe"))
			b.logger.Errorf("Failed to unsubscribe: %v", err)
		}
	}
	b.subs = nil

	if b.conn != nil {
		drainTimeout := b.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- b.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Bus", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Bus", "Close", "drain timeout"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Bus", "Close", "context cancelled during drain"))
		}

		b.conn.Close()
		b.conn = nil
	}

	b.setStatus(StatusDisconnected)

	if len(errs) > 0 {
		return stderrors.Join(errs...)
	}
	return nil
}

// Publish publishes a message to a subject
func (b *Bus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	return conn.Publish(subject, data)
}

// Subscribe subscribes to a subject. Each handler invocation receives a
// context derived from ctx with a 30-second processing timeout.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || !b.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return err
	}

	b.subs = append(b.subs, sub)
	return nil
}

// Request sends a request and waits for a reply. The timeout comes from the
// context deadline, defaulting to 5 seconds.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	msg, err := conn.Request(subject, data, time.Until(deadline))
	if err != nil {
		return nil, errors.WrapTransient(err, "Bus", "Request",
			fmt.Sprintf("request to %s", subject))
	}
	return msg.Data, nil
}

// JetStream returns the JetStream context
func (b *Bus) JetStream() (jetstream.JetStream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Bus", "JetStream", "get JetStream context")
	}
	return b.js, nil
}

// EnsureStream creates a JetStream stream if it does not exist
func (b *Bus) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if b.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if b.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := b.JetStream()
	if err != nil {
		b.recordFailure()
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		b.recordFailure()
		return nil, err
	}

	b.resetCircuit()
	return stream, nil
}

// PublishToStream publishes a message into a JetStream stream subject
func (b *Bus) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if b.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if b.Status() != StatusConnected {
		return ErrNotConnected
	}

	js, err := b.JetStream()
	if err != nil {
		b.recordFailure()
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		b.recordFailure()
		return err
	}

	b.resetCircuit()
	return nil
}

// ConsumeStream creates a consumer for streamName filtered to subject and
// delivers each message to handler. Redundant calls for the same
// stream/subject pair replace the previous consumer.
func (b *Bus) ConsumeStream(ctx context.Context, streamName, subject string, handler func([]byte)) error {
	if b.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if b.Status() != StatusConnected {
		return ErrNotConnected
	}
	if b.closed.Load() {
		return errors.WrapInvalid(
			fmt.Errorf("bus is closed"),
			"Bus", "ConsumeStream", "check bus state")
	}

	js, err := b.JetStream()
	if err != nil {
		b.recordFailure()
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
	})
	if err != nil {
		b.recordFailure()
		return err
	}

	consumeContext, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(msg.Data())
		_ = msg.Ack()
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		b.logger.Errorf("Consumer error on %s: %v", subject, err)
	}))
	if err != nil {
		b.recordFailure()
		return err
	}

	b.consumersMu.Lock()
	defer b.consumersMu.Unlock()

	if b.closed.Load() {
		consumeContext.Stop()
		return errors.WrapInvalid(
			fmt.Errorf("bus is closing"),
			"Bus", "ConsumeStream", "register consumer")
	}

	if b.consumers == nil {
		b.consumers = make(map[string]jetstream.ConsumeContext)
	}
	key := fmt.Sprintf("%s:%s", streamName, subject)
	if existing, exists := b.consumers[key]; exists {
		existing.Stop()
		b.logger.Debugf("Replaced existing consumer for %s", key)
	}
	b.consumers[key] = consumeContext

	b.resetCircuit()
	return nil
}

// EnsureKeyValue creates or opens a KV bucket
func (b *Bus) EnsureKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if b.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if b.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := b.JetStream()
	if err != nil {
		b.recordFailure()
		return nil, err
	}

	// Prefer the existing bucket so restarted processes keep their bindings
	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		b.resetCircuit()
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				b.recordFailure()
				return nil, errors.Wrap(err, "Bus", "EnsureKeyValue",
					fmt.Sprintf("access existing bucket %s", cfg.Bucket))
			}
			b.resetCircuit()
			return bucket, nil
		}
		b.recordFailure()
		return nil, err
	}

	b.logger.Printf("Created KV bucket: %s", cfg.Bucket)
	b.resetCircuit()
	return bucket, nil
}

// Connection event handlers

func (b *Bus) handleDisconnect(_ *nats.Conn, err error) {
	b.setStatus(StatusReconnecting)

	b.mu.RLock()
	onDisconnect := b.onDisconnect
	onHealthChange := b.onHealthChange
	b.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (b *Bus) handleReconnect(_ *nats.Conn) {
	b.setStatus(StatusConnected)
	b.resetCircuit()

	b.mu.RLock()
	onReconnect := b.onReconnect
	onHealthChange := b.onHealthChange
	b.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (b *Bus) handleClosed(_ *nats.Conn) {
	b.setStatus(StatusDisconnected)

	b.mu.RLock()
	onHealthChange := b.onHealthChange
	b.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

// isAlreadyExistsError checks if an error indicates a KV bucket already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
