// Package events implements subscriber fan-out for unsolicited push events.
// Subscriptions are handle-based: On returns a handle and Off takes it back,
// so registering the same function twice never creates ambiguity.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Handler receives the payload of a matching event
type Handler func(data json.RawMessage)

// WildcardHandler receives every event with its name, letting generic
// loggers and activity feeds observe all traffic without per-event
// registration.
type WildcardHandler func(event string, data json.RawMessage)

// Logger is the minimal logging surface the registry needs
type Logger interface {
	Errorf(format string, v ...any)
}

// Subscription is the handle returned by On and OnAny
type Subscription struct {
	id       uint64
	event    string // empty for wildcard
	handler  Handler
	wildcard WildcardHandler
}

// Event returns the event name this subscription matches, or "" for wildcard
func (s *Subscription) Event() string {
	return s.event
}

// Registry holds subscriber lists keyed by event name plus a wildcard list.
// Fan-out is synchronous; a panicking listener is recovered and logged so it
// cannot affect other subscribers or the dispatch loop.
type Registry struct {
	mu        sync.RWMutex
	nextID    atomic.Uint64
	byEvent   map[string][]*Subscription
	wildcards []*Subscription
	logger    Logger
}

// NewRegistry creates an empty event registry. logger may be nil.
func NewRegistry(logger Logger) *Registry {
	return &Registry{
		byEvent: make(map[string][]*Subscription),
		logger:  logger,
	}
}

// On registers a handler for a named event and returns its handle
func (r *Registry) On(event string, h Handler) *Subscription {
	sub := &Subscription{
		id:      r.nextID.Add(1),
		event:   event,
		handler: h,
	}

	r.mu.Lock()
	r.byEvent[event] = append(r.byEvent[event], sub)
	r.mu.Unlock()

	return sub
}

// OnAny registers a wildcard handler invoked for every event
func (r *Registry) OnAny(h WildcardHandler) *Subscription {
	sub := &Subscription{
		id:       r.nextID.Add(1),
		wildcard: h,
	}

	r.mu.Lock()
	r.wildcards = append(r.wildcards, sub)
	r.mu.Unlock()

	return sub
}

// Off removes a subscription. Removing a handle that is nil or no longer
// registered is a no-op.
func (r *Registry) Off(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.wildcard != nil {
		r.wildcards = removeSub(r.wildcards, sub.id)
		return
	}

	subs := removeSub(r.byEvent[sub.event], sub.id)
	if len(subs) == 0 {
		delete(r.byEvent, sub.event)
	} else {
		r.byEvent[sub.event] = subs
	}
}

// Emit fans an event out to every matching subscriber and every wildcard
// subscriber. Each subscriber is invoked exactly once per matching event.
func (r *Registry) Emit(event string, data json.RawMessage) {
	r.mu.RLock()
	matched := make([]*Subscription, len(r.byEvent[event]))
	copy(matched, r.byEvent[event])
	wild := make([]*Subscription, len(r.wildcards))
	copy(wild, r.wildcards)
	r.mu.RUnlock()

	for _, sub := range matched {
		r.invoke(event, func() { sub.handler(data) })
	}
	for _, sub := range wild {
		r.invoke(event, func() { sub.wildcard(event, data) })
	}
}

// SubscriberCount returns the number of subscribers that would receive event
func (r *Registry) SubscriberCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEvent[event]) + len(r.wildcards)
}

// invoke runs one listener with panic isolation
func (r *Registry) invoke(event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Errorf("event listener panicked on %q: %v", event, rec)
		}
	}()
	fn()
}

func removeSub(subs []*Subscription, id uint64) []*Subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
