package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaycore/errors"
)

// fakeTransport is an in-memory Transport driven by the tests
type fakeTransport struct {
	mu          sync.Mutex
	msgs        chan []byte
	sent        [][]byte
	connected   bool
	connects    int
	connectErrs []error // consumed one per Connect; nil entry means success
	sendErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		return fmt.Errorf("already connected")
	}

	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	f.msgs = make(chan []byte, 16)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.msgs != nil {
		close(f.msgs)
		f.msgs = nil
	}
	return nil
}

// push delivers an inbound frame as if the server sent it
func (f *fakeTransport) push(data []byte) {
	f.mu.Lock()
	msgs := f.msgs
	f.mu.Unlock()
	msgs <- data
}

// dropConnection simulates connection loss
func (f *fakeTransport) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.msgs != nil {
		close(f.msgs)
		f.msgs = nil
	}
}

// lastSentID extracts the correlation id of the most recent request
func (f *fakeTransport) lastSentID(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)

	var req struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(f.sent[len(f.sent)-1], &req))
	return req.ID
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func replyFrame(id string, result any) []byte {
	raw, _ := json.Marshal(result)
	data, _ := json.Marshal(map[string]json.RawMessage{
		"id":     json.RawMessage(fmt.Sprintf("%q", id)),
		"result": raw,
	})
	return data
}

func eventFrame(event string, data any) []byte {
	raw, _ := json.Marshal(data)
	frame, _ := json.Marshal(map[string]json.RawMessage{
		"type":  json.RawMessage(`"event"`),
		"event": json.RawMessage(fmt.Sprintf("%q", event)),
		"data":  raw,
	})
	return frame
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", ConnState(99).String())
}

func TestBackoffSchedule(t *testing.T) {
	c, err := New(newFakeTransport(), WithBackoffBase(time.Second))
	require.NoError(t, err)

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, expected := range want {
		assert.Equal(t, expected, c.backoffDelay(i+1), "attempt %d", i+1)
	}
}

func TestCallWhileDisconnected(t *testing.T) {
	c, err := New(newFakeTransport())
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "agent.status", nil, time.Second)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestCallResolvesWithReply(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = c.Call(context.Background(), "agent.status", map[string]string{"q": "x"}, 5*time.Second)
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, time.Second, 5*time.Millisecond)

	transport.push(replyFrame(transport.lastSentID(t), map[string]string{"state": "ok"}))

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"state":"ok"}`, string(result))
	assert.Equal(t, 0, c.PendingCalls())
}

func TestOutOfOrderReplies(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	results := make([]outcome, 2)
	var wg sync.WaitGroup

	call := func(i int, method string) {
		defer wg.Done()
		res, err := c.Call(context.Background(), method, nil, 5*time.Second)
		results[i] = outcome{res, err}
	}

	wg.Add(2)
	go call(0, "first.method")

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, time.Second, 5*time.Millisecond)
	firstID := transport.lastSentID(t)

	go call(1, "second.method")

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 2
	}, time.Second, 5*time.Millisecond)
	secondID := transport.lastSentID(t)

	// Replies arrive in reverse order of the requests
	transport.push(replyFrame(secondID, "second-result"))
	transport.push(replyFrame(firstID, "first-result"))

	wg.Wait()
	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.JSONEq(t, `"first-result"`, string(results[0].result))
	assert.JSONEq(t, `"second-result"`, string(results[1].result))
}

func TestCallTimeout(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	start := time.Now()
	_, err = c.Call(context.Background(), "never.answered", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "expected timeout classification, got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, c.PendingCalls())

	// A reply landing after expiry is a harmless no-op
	transport.push(replyFrame("stale-id", "late"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.PendingCalls())
}

func TestRemoteErrorReply(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "agent.fail", nil, 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, time.Second, 5*time.Millisecond)

	frame, _ := json.Marshal(map[string]any{
		"id":    transport.lastSentID(t),
		"error": map[string]string{"message": "task refused"},
	})
	transport.push(frame)

	callErr := <-done
	require.Error(t, callErr)
	assert.Contains(t, callErr.Error(), "task refused")
}

func TestEventFanOut(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	got := make(chan string, 4)
	sub := c.On("task.progress", func(data json.RawMessage) {
		got <- string(data)
	})

	wildcardGot := make(chan string, 4)
	c.OnAny(func(event string, _ json.RawMessage) {
		wildcardGot <- event
	})

	transport.push(eventFrame("task.progress", map[string]int{"pct": 50}))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"pct":50}`, data)
	case <-time.After(time.Second):
		t.Fatal("named subscriber never received event")
	}

	select {
	case event := <-wildcardGot:
		assert.Equal(t, "task.progress", event)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber never received event")
	}

	// After Off the named subscriber is silent, the wildcard still fires
	c.Off(sub)
	transport.push(eventFrame("task.progress", map[string]int{"pct": 100}))

	select {
	case event := <-wildcardGot:
		assert.Equal(t, "task.progress", event)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber never received second event")
	}

	select {
	case data := <-got:
		t.Fatalf("removed subscriber received event: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	transport := newFakeTransport()

	states := make(chan ConnState, 16)
	c, err := New(transport,
		WithBackoffBase(5*time.Millisecond),
		WithMaxReconnectAttempts(3),
		WithStateChangeHandler(func(_, newState ConnState) {
			states <- newState
		}))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	// First reconnect attempt fails, second succeeds
	transport.mu.Lock()
	transport.connectErrs = []error{fmt.Errorf("refused"), nil}
	transport.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "in.flight", nil, 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, time.Second, 5*time.Millisecond)

	transport.dropConnection()

	// The in-flight call fails immediately on connection loss
	callErr := <-done
	assert.ErrorIs(t, callErr, errors.ErrConnectionLost)

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// Initial connect plus two reconnect attempts
	assert.Equal(t, 3, transport.connectCount())
}

func TestConnectDuringReconnectBackoff(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport,
		WithBackoffBase(150*time.Millisecond),
		WithMaxReconnectAttempts(3))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	transport.dropConnection()
	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, time.Millisecond)

	// The reconnect loop is waiting out its first backoff. An explicit
	// Connect during the wait wins; the loop must leave the fresh
	// connection alone when it wakes.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	// Wait past the loop's wakeup. A stale loop redialing here would fail
	// against the already-live transport and drive the state back to
	// disconnected.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, transport.connectCount())

	// The repaired connection serves calls end to end
	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = c.Call(context.Background(), "agent.status", nil, 5*time.Second)
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, time.Second, 5*time.Millisecond)

	transport.push(replyFrame(transport.lastSentID(t), "alive"))

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `"alive"`, string(result))
}

func TestCloseInterruptsReconnectBackoff(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport, WithBackoffBase(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	transport.dropConnection()
	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, time.Millisecond)

	// Close must not wait out the remaining backoff
	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), time.Second)
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport, WithBackoffBase(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())

	// No reconnection attempts happen after an explicit disconnect
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, transport.connectCount())

	// The client can connect again
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	_ = c.Close()
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	transport := newFakeTransport()
	c, err := New(transport)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrClientClosed)
}
