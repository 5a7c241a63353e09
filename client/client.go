// Package client implements the platform-facing messaging client: a duplex
// transport multiplexing correlated RPC calls and push events over one
// connection, with automatic reconnection.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/relaycore/correlate"
	"github.com/c360/relaycore/envelope"
	"github.com/c360/relaycore/errors"
	"github.com/c360/relaycore/events"
	"github.com/c360/relaycore/metric"
)

// ConnState is the client connection state
type ConnState int

// Possible connection states
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of ConnState
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Client multiplexes correlated calls and event subscriptions over one
// Transport. One dispatcher goroutine owns all inbound routing, so replies
// and events are processed in arrival order.
type Client struct {
	transport Transport
	table     *correlate.Table
	events    *events.Registry
	logger    Logger
	metrics   *metric.CoreMetrics

	callTimeout   time.Duration
	backoffBase   time.Duration
	maxReconnects int

	onStateChange func(old, new ConnState)

	mu        sync.Mutex
	connectMu sync.Mutex
	state     ConnState
	closed    atomic.Bool

	// bumped on every explicit Connect, Disconnect, and Close so a
	// reconnect loop spawned earlier gives up instead of redialing
	generation atomic.Uint64

	// closed on Close to wake a reconnect loop out of its backoff wait
	done chan struct{}

	wg sync.WaitGroup
}

// New creates a client over the given transport
func New(transport Transport, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil transport"),
			"Client", "New", "validate transport")
	}

	c := &Client{
		transport:     transport,
		table:         correlate.NewTable(),
		logger:        &defaultLogger{},
		callTimeout:   30 * time.Second,
		backoffBase:   time.Second,
		maxReconnects: 5,
		state:         StateDisconnected,
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "New", "apply option")
		}
	}

	c.events = events.NewRegistry(c.logger)

	return c, nil
}

// State returns the current connection state
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions the connection state and notifies the callback
func (c *Client) setState(newState ConnState) {
	c.mu.Lock()
	old := c.state
	if old == newState {
		c.mu.Unlock()
		return
	}
	c.state = newState
	cb := c.onStateChange
	c.mu.Unlock()

	c.logger.Debugf("connection state %s -> %s", old, newState)

	if c.metrics != nil {
		c.metrics.ConnectionState.WithLabelValues("socket").Set(float64(newState))
	}
	if cb != nil {
		cb(old, newState)
	}
}

// Connect establishes the connection and starts the inbound dispatcher.
// Calling Connect on an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrClientClosed, "Client", "Connect", "client closed")
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.State() != StateDisconnected {
		return nil
	}

	// An explicit Connect supersedes any reconnect loop still waiting out
	// its backoff; the generation bump makes that loop exit.
	gen := c.generation.Add(1)

	c.setState(StateConnecting)

	if err := c.transport.Connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "connect transport")
	}

	c.setState(StateConnected)
	c.startDispatcher(gen)
	return nil
}

// startDispatcher launches the inbound routing loop for the current
// connection's message channel
func (c *Client) startDispatcher(gen uint64) {
	msgs := c.transport.Messages()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(msgs)
		c.handleConnectionLoss(gen)
	}()
}

// dispatch routes every inbound message exactly once: correlated replies
// complete pending calls, events fan out to subscribers, anything else is
// dropped. A failure handling one message never stops the loop.
func (c *Client) dispatch(msgs <-chan []byte) {
	for data := range msgs {
		env := envelope.Classify(data)

		switch env.Kind {
		case envelope.KindReply:
			c.routeReply(env)
		case envelope.KindEvent:
			c.events.Emit(env.Event, env.Data)
			c.countRouted("event")
		default:
			c.logger.Debugf("dropping %s message with no route", env.Kind)
			c.countRouted("dropped")
		}
	}
}

func (c *Client) routeReply(env envelope.Envelope) {
	var completed bool
	if env.Error != nil {
		completed = c.table.Reject(env.ID, errors.WrapTransient(
			fmt.Errorf("%s", env.Error.Message),
			"Client", "Call", "remote error"))
	} else {
		completed = c.table.Resolve(env.ID, env.ReplyValue())
	}

	if !completed {
		// Late or duplicate reply; the call already completed or expired
		c.logger.Debugf("dropping reply for unknown id %s", env.ID)
		c.countRouted("dropped")
		return
	}
	c.countRouted("reply")
}

func (c *Client) countRouted(route string) {
	if c.metrics != nil {
		c.metrics.MessagesRouted.WithLabelValues("client", route).Inc()
	}
}

// handleConnectionLoss runs when the transport's message channel closes.
// Outstanding calls fail immediately; reconnection proceeds unless the
// loss was an explicit Disconnect.
func (c *Client) handleConnectionLoss(gen uint64) {
	if c.closed.Load() || gen != c.generation.Load() {
		return
	}

	c.logger.Errorf("connection lost")
	c.table.RejectAll(errors.WrapTransient(errors.ErrConnectionLost,
		"Client", "dispatch", "connection lost"))
	c.setState(StateDisconnected)

	c.reconnect(gen)
}

// reconnect retries the transport with exponential backoff. Attempt n waits
// backoffBase times 2 to the power of n-1. After maxReconnects failures the
// client stays disconnected until Connect is called again.
func (c *Client) reconnect(gen uint64) {
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		delay := c.backoffDelay(attempt)
		c.logger.Printf("reconnect attempt %d/%d in %v", attempt, c.maxReconnects, delay)

		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}

		// Serialize with explicit Connect. If one ran during the wait the
		// generation moved or the state is no longer Disconnected; either
		// way this loop is stale and must leave the connection alone.
		c.connectMu.Lock()
		if c.closed.Load() || gen != c.generation.Load() || c.State() != StateDisconnected {
			c.connectMu.Unlock()
			return
		}

		if c.metrics != nil {
			c.metrics.Reconnects.WithLabelValues("socket").Inc()
		}

		c.setState(StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.transport.Connect(ctx)
		cancel()

		if err == nil {
			c.setState(StateConnected)
			c.logger.Printf("reconnected after %d attempt(s)", attempt)
			c.startDispatcher(gen)
			c.connectMu.Unlock()
			return
		}

		c.setState(StateDisconnected)
		c.connectMu.Unlock()
		c.logger.Errorf("reconnect attempt %d failed: %v", attempt, err)
	}

	c.logger.Errorf("reconnect attempts exhausted: %v", errors.ErrRetriesExhausted)
}

// backoffDelay computes the wait before reconnect attempt n (1-based)
func (c *Client) backoffDelay(attempt int) time.Duration {
	return c.backoffBase * time.Duration(1<<(attempt-1))
}

// Call sends a correlated request and waits for its reply. A non-positive
// timeout uses the client default. Calls made while disconnected fail fast
// with ErrNotConnected rather than queueing.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "Call", "check connection")
	}
	if timeout <= 0 {
		timeout = c.callTimeout
	}

	env, err := envelope.NewRequest(method, params)
	if err != nil {
		return nil, err
	}

	pending, err := c.table.Register(env.ID, timeout)
	if err != nil {
		return nil, err
	}

	data, err := env.Encode()
	if err != nil {
		c.table.Reject(env.ID, err)
		return nil, err
	}

	start := time.Now()
	if err := c.transport.Send(ctx, data); err != nil {
		c.table.Reject(env.ID, err)
		c.countCall("rejected")
		return nil, errors.WrapTransient(err, "Client", "Call", "send request")
	}

	result, err := pending.Wait(ctx)
	if c.metrics != nil {
		c.metrics.CallDuration.WithLabelValues("client").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.IsTimeout(err) {
			c.countCall("timeout")
		} else {
			c.countCall("rejected")
		}
		return nil, err
	}

	c.countCall("resolved")
	return result, nil
}

func (c *Client) countCall(outcome string) {
	if c.metrics != nil {
		c.metrics.CallsTotal.WithLabelValues("client", outcome).Inc()
	}
}

// On subscribes a handler to a named event
func (c *Client) On(event string, h events.Handler) *events.Subscription {
	return c.events.On(event, h)
}

// OnAny subscribes a wildcard handler that receives every event
func (c *Client) OnAny(h events.WildcardHandler) *events.Subscription {
	return c.events.OnAny(h)
}

// Off removes an event subscription
func (c *Client) Off(sub *events.Subscription) {
	c.events.Off(sub)
}

// PendingCalls returns the number of calls awaiting replies
func (c *Client) PendingCalls() int {
	return c.table.Len()
}

// Disconnect closes the connection without triggering reconnection.
// Outstanding calls fail with ErrConnectionLost. The client can Connect
// again afterwards.
func (c *Client) Disconnect() error {
	c.generation.Add(1)

	err := c.transport.Close()

	c.table.RejectAll(errors.WrapTransient(errors.ErrConnectionLost,
		"Client", "Disconnect", "connection closed"))
	c.setState(StateDisconnected)

	if err != nil {
		return errors.Wrap(err, "Client", "Disconnect", "close transport")
	}
	return nil
}

// Close disconnects and permanently shuts the client down
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.done)
	c.generation.Add(1)
	err := c.transport.Close()

	c.table.Close()
	c.setState(StateDisconnected)
	c.wg.Wait()

	if err != nil {
		return errors.Wrap(err, "Client", "Close", "close transport")
	}
	return nil
}
