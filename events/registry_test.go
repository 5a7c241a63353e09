package events

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	errors []string
}

func (l *recordingLogger) Errorf(format string, v ...any) {
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
}

func TestOnEmitOff(t *testing.T) {
	r := NewRegistry(nil)

	var got []string
	sub := r.On("task.progress", func(data json.RawMessage) {
		got = append(got, string(data))
	})
	assert.Equal(t, "task.progress", sub.Event())

	r.Emit("task.progress", json.RawMessage(`{"pct":50}`))
	assert.Equal(t, []string{`{"pct":50}`}, got)

	// Other events do not reach the subscriber
	r.Emit("task.done", json.RawMessage(`{}`))
	assert.Len(t, got, 1)

	r.Off(sub)
	r.Emit("task.progress", json.RawMessage(`{"pct":100}`))
	assert.Len(t, got, 1)
}

func TestOffBeforeEmit(t *testing.T) {
	r := NewRegistry(nil)

	called := false
	sub := r.On("task.progress", func(json.RawMessage) { called = true })
	r.Off(sub)

	r.Emit("task.progress", json.RawMessage(`{}`))
	assert.False(t, called)
}

func TestMultipleSubscribersEachInvokedOnce(t *testing.T) {
	r := NewRegistry(nil)

	counts := make([]int, 3)
	for i := range counts {
		i := i
		r.On("tick", func(json.RawMessage) { counts[i]++ })
	}

	r.Emit("tick", nil)
	for i, n := range counts {
		assert.Equal(t, 1, n, "subscriber %d", i)
	}
}

func TestWildcardReceivesAllEvents(t *testing.T) {
	r := NewRegistry(nil)

	var events []string
	r.OnAny(func(event string, _ json.RawMessage) {
		events = append(events, event)
	})

	r.Emit("first", nil)
	r.Emit("second", nil)
	assert.Equal(t, []string{"first", "second"}, events)
}

func TestOffNilAndUnknownNoOp(t *testing.T) {
	r := NewRegistry(nil)

	r.Off(nil)

	sub := r.On("x", func(json.RawMessage) {})
	r.Off(sub)
	r.Off(sub) // second removal of the same handle
}

func TestPanicIsolation(t *testing.T) {
	logger := &recordingLogger{}
	r := NewRegistry(logger)

	var after bool
	r.On("boom", func(json.RawMessage) { panic("listener bug") })
	r.On("boom", func(json.RawMessage) { after = true })

	r.Emit("boom", nil)

	assert.True(t, after, "second subscriber must still run")
	assert.Len(t, logger.errors, 1)
	assert.Contains(t, logger.errors[0], "listener bug")
}

func TestSubscriberCount(t *testing.T) {
	r := NewRegistry(nil)

	assert.Equal(t, 0, r.SubscriberCount("x"))
	r.On("x", func(json.RawMessage) {})
	r.OnAny(func(string, json.RawMessage) {})
	assert.Equal(t, 2, r.SubscriberCount("x"))
	assert.Equal(t, 1, r.SubscriberCount("y"))
}

func TestSameFunctionRegisteredTwice(t *testing.T) {
	r := NewRegistry(nil)

	count := 0
	handler := func(json.RawMessage) { count++ }
	sub1 := r.On("x", handler)
	sub2 := r.On("x", handler)

	r.Emit("x", nil)
	assert.Equal(t, 2, count)

	// Handles disambiguate identical functions
	r.Off(sub1)
	r.Emit("x", nil)
	assert.Equal(t, 3, count)

	r.Off(sub2)
	r.Emit("x", nil)
	assert.Equal(t, 3, count)
}
