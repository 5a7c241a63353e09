// Package session persists the binding between a conversation identity and
// the backend session id that keeps its history. Rebinding an identity
// overwrites the previous session.
package session

import "context"

// Store maps conversation identities to backend session ids
type Store interface {
	// Resolve returns the session id bound to identity, with found=false
	// when no binding exists
	Resolve(ctx context.Context, identity string) (sessionID string, found bool, err error)

	// Bind associates identity with sessionID, replacing any prior binding
	Bind(ctx context.Context, identity string, sessionID string) error

	// Unbind removes the binding for identity. Unbinding an unknown
	// identity is a no-op.
	Unbind(ctx context.Context, identity string) error

	// Len returns the number of bound identities
	Len(ctx context.Context) (int, error)
}
