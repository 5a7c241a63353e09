package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/relaycore/errors"
)

// KVStore persists bindings in a JetStream key-value bucket so they survive
// process restarts. A bucket TTL, when configured, gives bindings a bounded
// lifetime instead of the memory store's process-lifetime semantics.
type KVStore struct {
	bucket jetstream.KeyValue
}

var _ Store = (*KVStore)(nil)

// NewKVStore wraps an existing KV bucket
func NewKVStore(bucket jetstream.KeyValue) *KVStore {
	return &KVStore{bucket: bucket}
}

// key derives a KV-safe key from an arbitrary identity string. Identities
// carry platform addresses with characters NATS rejects in subject tokens.
func key(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the session bound to identity
func (s *KVStore) Resolve(ctx context.Context, identity string) (string, bool, error) {
	entry, err := s.bucket.Get(ctx, key(identity))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, errors.WrapTransient(err, "KVStore", "Resolve", "get binding")
	}
	return string(entry.Value()), true, nil
}

// Bind associates identity with sessionID
func (s *KVStore) Bind(ctx context.Context, identity, sessionID string) error {
	if _, err := s.bucket.PutString(ctx, key(identity), sessionID); err != nil {
		return errors.WrapTransient(err, "KVStore", "Bind", "put binding")
	}
	return nil
}

// Unbind removes the binding for identity
func (s *KVStore) Unbind(ctx context.Context, identity string) error {
	if err := s.bucket.Delete(ctx, key(identity)); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "KVStore", "Unbind", "delete binding")
	}
	return nil
}

// Len returns the number of bound identities
func (s *KVStore) Len(ctx context.Context) (int, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, errors.WrapTransient(err, "KVStore", "Len", "list keys")
	}
	return len(keys), nil
}
