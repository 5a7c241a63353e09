package bridge

import (
	"crypto/ed25519"
	"fmt"

	"github.com/c360/relaycore/errors"
)

// LocalSigner signs outbound messages with an ed25519 key held in memory
type LocalSigner struct {
	address string
	key     ed25519.PrivateKey
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner derives a signing key from a 32-byte seed
func NewLocalSigner(address string, seed []byte) (*LocalSigner, error) {
	if address == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty address"),
			"LocalSigner", "New", "validate address")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed)),
			"LocalSigner", "New", "validate seed")
	}
	return &LocalSigner{
		address: address,
		key:     ed25519.NewKeyFromSeed(seed),
	}, nil
}

// Address returns the signer's messaging identity
func (s *LocalSigner) Address() string {
	return s.address
}

// Sign returns the ed25519 signature over data
func (s *LocalSigner) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.key, data), nil
}

// PublicKey returns the verification key for this signer
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}
