// Package bridge relays between a conversational message stream and the
// platform's chat backend. Plain messages are forwarded with session
// continuity per sender identity; RPC-shaped tasks are sent as structured
// envelopes over the same stream and their replies matched best-effort.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/relaycore/correlate"
	"github.com/c360/relaycore/envelope"
	"github.com/c360/relaycore/errors"
	"github.com/c360/relaycore/metric"
	"github.com/c360/relaycore/session"
)

// Bridge consumes the conversational stream in one ordered loop that serves
// two duties at once: matching replies for awaited tasks and routing
// everything else to the chat backend. One loop, so every message is
// consumed exactly once.
type Bridge struct {
	provider Provider
	backend  ChatBackend
	sessions session.Store
	signer   Signer
	logger   Logger
	metrics  *metric.CoreMetrics

	table *correlate.Table

	// at most one awaited task per conversation
	awaitMu  sync.Mutex
	awaiting map[string]string // conversation id -> correlation id

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	restartDelay time.Duration
	taskTimeout  time.Duration
	messageRate  rate.Limit
	messageBurst int
}

// New creates a bridge over the given provider and backend
func New(provider Provider, backend ChatBackend, sessions session.Store, signer Signer, opts ...Option) (*Bridge, error) {
	if provider == nil || backend == nil || sessions == nil || signer == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("provider, backend, sessions, and signer are required"),
			"Bridge", "New", "validate dependencies")
	}

	b := &Bridge{
		provider:     provider,
		backend:      backend,
		sessions:     sessions,
		signer:       signer,
		logger:       &defaultLogger{},
		table:        correlate.NewTable(),
		awaiting:     make(map[string]string),
		limiters:     make(map[string]*rate.Limiter),
		restartDelay: 5 * time.Second,
		taskTimeout:  30 * time.Second,
		messageRate:  rate.Limit(1),
		messageBurst: 5,
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, errors.WrapInvalid(err, "Bridge", "New", "apply option")
		}
	}

	return b, nil
}

// Run consumes the conversational stream until ctx is cancelled. If the
// listener dies it is restarted after a fixed delay instead of failing the
// process.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		msgs, err := b.provider.Listen(ctx)
		if err != nil {
			b.logger.Errorf("listener failed to start: %v", err)
			if !b.sleepOrDone(ctx) {
				return ctx.Err()
			}
			continue
		}

		b.logger.Printf("listener started")
		b.consume(ctx, msgs)

		if ctx.Err() != nil {
			b.table.RejectAll(errors.WrapFatal(errors.ErrClientClosed,
				"Bridge", "Run", "shutting down"))
			return ctx.Err()
		}

		b.logger.Errorf("listener stopped, restarting in %v", b.restartDelay)
		if b.metrics != nil {
			b.metrics.ListenerRestarts.Inc()
		}
		if !b.sleepOrDone(ctx) {
			return ctx.Err()
		}
	}
}

func (b *Bridge) sleepOrDone(ctx context.Context) bool {
	select {
	case <-time.After(b.restartDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// consume processes messages until the channel closes or ctx is cancelled
func (b *Bridge) consume(ctx context.Context, msgs <-chan InboundMessage) {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.handleMessage(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage routes one inbound message. A panic or error handling one
// message never stops the loop.
func (b *Bridge) handleMessage(ctx context.Context, msg InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Errorf("panic handling message in %s: %v", msg.ConversationID, rec)
			b.countError("panic")
		}
	}()

	if msg.Sender == b.signer.Address() {
		return
	}

	awaitedID := b.awaitedID(msg.ConversationID)
	env := envelope.Classify([]byte(msg.Body))

	// Reply scan first: an envelope bearing the awaited id completes the
	// task. Unparseable text counts as the awaited reply only when it can
	// be attributed to it; otherwise it is ordinary conversation.
	if awaitedID != "" {
		switch {
		case env.Kind == envelope.KindReply && env.ID == awaitedID:
			b.completeTask(msg.ConversationID, awaitedID, env)
			return
		case env.Kind == envelope.KindRawText && strings.Contains(msg.Body, awaitedID):
			raw, _ := json.Marshal(msg.Body)
			b.resolveTask(msg.ConversationID, awaitedID, raw)
			return
		}
	}

	if err := b.forwardToBackend(ctx, msg); err != nil {
		b.logger.Errorf("message from %s in %s: %v", msg.Sender, msg.ConversationID, err)
	}
}

func (b *Bridge) completeTask(conversationID, id string, env envelope.Envelope) {
	if env.Error != nil {
		if b.table.Reject(id, errors.WrapTransient(
			fmt.Errorf("%s", env.Error.Message),
			"Bridge", "SendTask", "remote error")) {
			b.clearAwaited(conversationID, id)
			b.countRouted("reply")
			return
		}
	} else if b.table.Resolve(id, env.ReplyValue()) {
		b.clearAwaited(conversationID, id)
		b.countRouted("reply")
		return
	}
	b.countRouted("dropped")
}

func (b *Bridge) resolveTask(conversationID, id string, value json.RawMessage) {
	if b.table.Resolve(id, value) {
		b.clearAwaited(conversationID, id)
		b.countRouted("reply")
		return
	}
	b.countRouted("dropped")
}

// forwardToBackend threads the message through the sender's session binding
// and sends the backend's reply into the conversation. The message is
// dropped with ErrRateLimited when the sender exceeds its rate.
func (b *Bridge) forwardToBackend(ctx context.Context, msg InboundMessage) error {
	if !b.limiter(msg.Sender).Allow() {
		b.countError("rate_limited")
		return errors.WrapTransient(errors.ErrRateLimited,
			"Bridge", "forwardToBackend", "drop message")
	}

	sessionID, _, err := b.sessions.Resolve(ctx, msg.Sender)
	if err != nil {
		b.countError("session")
		return errors.Wrap(err, "Bridge", "forwardToBackend", "resolve session")
	}

	reply, newSessionID, err := b.backend.SendMessage(ctx, msg.Body, sessionID)
	if err != nil {
		b.countError("backend")
		return errors.Wrap(err, "Bridge", "forwardToBackend", "forward message")
	}
	b.countRouted("conversation")

	if newSessionID != "" && newSessionID != sessionID {
		if err := b.sessions.Bind(ctx, msg.Sender, newSessionID); err != nil {
			b.logger.Errorf("bind session for %s: %v", msg.Sender, err)
			b.countError("session")
		}
		b.updateSessionsGauge(ctx)
	}

	if reply == "" {
		return nil
	}
	if err := b.provider.Send(ctx, msg.ConversationID, reply); err != nil {
		b.countError("send")
		return errors.WrapTransient(err, "Bridge", "forwardToBackend", "send reply")
	}
	return nil
}

// SendMessage sends plain text into a conversation without awaiting a reply
func (b *Bridge) SendMessage(ctx context.Context, conversationID, body string) error {
	if err := b.provider.Send(ctx, conversationID, body); err != nil {
		return errors.WrapTransient(err, "Bridge", "SendMessage", "send message")
	}
	return nil
}

// SendTask sends a structured task into a conversation and waits for the
// counterparty's correlated reply. At most one task may be outstanding per
// conversation; a second concurrent task fails with ErrTaskInFlight.
func (b *Bridge) SendTask(ctx context.Context, conversationID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.taskTimeout
	}

	env, err := envelope.NewRequest(method, params)
	if err != nil {
		return nil, err
	}

	if !b.setAwaited(conversationID, env.ID) {
		return nil, errors.WrapInvalid(errors.ErrTaskInFlight,
			"Bridge", "SendTask", "task already outstanding for conversation")
	}
	defer b.clearAwaited(conversationID, env.ID)

	pending, err := b.table.Register(env.ID, timeout)
	if err != nil {
		return nil, err
	}

	data, err := env.Encode()
	if err != nil {
		b.table.Reject(env.ID, err)
		return nil, err
	}

	start := time.Now()
	if err := b.provider.Send(ctx, conversationID, string(data)); err != nil {
		b.table.Reject(env.ID, err)
		b.countCall("rejected")
		return nil, errors.WrapTransient(err, "Bridge", "SendTask", "send task")
	}

	result, err := pending.Wait(ctx)
	if b.metrics != nil {
		b.metrics.CallDuration.WithLabelValues("bridge").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.IsTimeout(err) {
			b.countCall("timeout")
		} else {
			b.countCall("rejected")
		}
		return nil, err
	}

	b.countCall("resolved")
	return result, nil
}

// Conversations lists the conversations visible on the stream
func (b *Bridge) Conversations(ctx context.Context) ([]string, error) {
	return b.provider.List(ctx)
}

// PendingTasks returns the number of tasks awaiting replies
func (b *Bridge) PendingTasks() int {
	return b.table.Len()
}

// Address returns the bridge's own messaging identity
func (b *Bridge) Address() string {
	return b.signer.Address()
}

func (b *Bridge) awaitedID(conversationID string) string {
	b.awaitMu.Lock()
	defer b.awaitMu.Unlock()
	return b.awaiting[conversationID]
}

// setAwaited claims the conversation's single task slot
func (b *Bridge) setAwaited(conversationID, id string) bool {
	b.awaitMu.Lock()
	defer b.awaitMu.Unlock()

	if _, exists := b.awaiting[conversationID]; exists {
		return false
	}
	b.awaiting[conversationID] = id
	return true
}

// clearAwaited releases the slot if it still holds id
func (b *Bridge) clearAwaited(conversationID, id string) {
	b.awaitMu.Lock()
	defer b.awaitMu.Unlock()

	if b.awaiting[conversationID] == id {
		delete(b.awaiting, conversationID)
	}
}

// limiter returns the per-identity rate limiter, creating it on first use
func (b *Bridge) limiter(identity string) *rate.Limiter {
	b.limiterMu.Lock()
	defer b.limiterMu.Unlock()

	lim, ok := b.limiters[identity]
	if !ok {
		lim = rate.NewLimiter(b.messageRate, b.messageBurst)
		b.limiters[identity] = lim
	}
	return lim
}

func (b *Bridge) countRouted(route string) {
	if b.metrics != nil {
		b.metrics.MessagesRouted.WithLabelValues("bridge", route).Inc()
	}
}

func (b *Bridge) countCall(outcome string) {
	if b.metrics != nil {
		b.metrics.CallsTotal.WithLabelValues("bridge", outcome).Inc()
	}
}

func (b *Bridge) countError(kind string) {
	if b.metrics != nil {
		b.metrics.ErrorsTotal.WithLabelValues("bridge", kind).Inc()
	}
}

func (b *Bridge) updateSessionsGauge(ctx context.Context) {
	if b.metrics == nil {
		return
	}
	if n, err := b.sessions.Len(ctx); err == nil {
		b.metrics.SessionsActive.Set(float64(n))
	}
}
