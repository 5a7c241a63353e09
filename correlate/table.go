// Package correlate implements the correlation table that pairs outstanding
// requests with their eventual replies. Every registered id reaches exactly
// one terminal outcome: resolved, rejected, or expired by its deadline timer.
package correlate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360/relaycore/errors"
)

// Pending is the handle for one in-flight request. The registering caller
// suspends on Wait; the dispatcher completes it through the Table.
type Pending struct {
	id        string
	createdAt time.Time
	deadline  time.Time
	done      chan struct{}

	// set exactly once before done is closed
	value json.RawMessage
	err   error
}

// ID returns the correlation id
func (p *Pending) ID() string {
	return p.id
}

// Done returns a channel closed when the request reaches a terminal outcome
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request resolves, is rejected, expires, or the
// context is cancelled. A deadline expiry surfaces as ErrCallTimeout so
// callers can distinguish "no one answered" from transport failures.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "Pending", "Wait", "context cancelled")
	}
}

// Table maps correlation ids to pending requests. All mutation happens under
// one mutex; whichever of the dispatcher and the deadline timer runs first
// removes the entry, so each request completes exactly once.
type Table struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool
}

type pendingEntry struct {
	p     *Pending
	timer *time.Timer
}

// NewTable creates an empty correlation table
func NewTable() *Table {
	return &Table{pending: make(map[string]*pendingEntry)}
}

// Register creates a PendingRequest for id with the given timeout. It fails
// if the id is already outstanding; correlation ids are never reused while
// a request for them is in flight.
func (t *Table) Register(id string, timeout time.Duration) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.WrapFatal(errors.ErrClientClosed, "Table", "Register", "table closed")
	}
	if _, exists := t.pending[id]; exists {
		return nil, errors.WrapInvalid(errors.ErrDuplicateCall, "Table", "Register", "register id")
	}

	now := time.Now()
	p := &Pending{
		id:        id,
		createdAt: now,
		deadline:  now.Add(timeout),
		done:      make(chan struct{}),
	}

	entry := &pendingEntry{p: p}
	entry.timer = time.AfterFunc(timeout, func() { t.Expire(id) })
	t.pending[id] = entry

	return p, nil
}

// Resolve completes the pending request for id with a value. Returns false
// if id is unknown (already resolved, expired, or never registered), which
// makes duplicate or late replies harmless.
func (t *Table) Resolve(id string, value json.RawMessage) bool {
	entry, ok := t.remove(id)
	if !ok {
		return false
	}
	entry.p.value = value
	close(entry.p.done)
	return true
}

// Reject completes the pending request for id with an error. Returns false
// if id is unknown.
func (t *Table) Reject(id string, err error) bool {
	entry, ok := t.remove(id)
	if !ok {
		return false
	}
	entry.p.err = err
	close(entry.p.done)
	return true
}

// Expire removes the pending request for id and fails it with ErrCallTimeout.
// A no-op when the request already completed.
func (t *Table) Expire(id string) {
	entry, ok := t.remove(id)
	if !ok {
		return
	}
	entry.p.err = errors.WrapTransient(errors.ErrCallTimeout, "Table", "Expire", "await reply")
	close(entry.p.done)
}

// RejectAll fails every outstanding request with err. Used when the
// underlying connection is lost or the owner shuts down.
func (t *Table) RejectAll(err error) {
	t.mu.Lock()
	entries := make([]*pendingEntry, 0, len(t.pending))
	for _, entry := range t.pending {
		entries = append(entries, entry)
	}
	t.pending = make(map[string]*pendingEntry)
	t.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.p.err = err
		close(entry.p.done)
	}
}

// Close rejects all outstanding requests and refuses further registration
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.RejectAll(errors.WrapFatal(errors.ErrClientClosed, "Table", "Close", "reject outstanding"))
}

// Len returns the number of outstanding requests
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Has reports whether id is currently outstanding
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// remove detaches an entry under the lock and stops its timer. The terminal
// outcome is applied by the caller after the lock is released, so the timer
// callback and a racing Resolve cannot both complete the same request.
func (t *Table) remove(id string) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	entry.timer.Stop()
	return entry, true
}
