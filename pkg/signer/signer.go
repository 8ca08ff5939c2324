// Package signer detects and wraps the capability to sign events on behalf of
// an identity.
//
// A Provider probes its environment and yields a Signer or nothing. Providers
// never fail: detection problems resolve to "no signer" and are logged.
// Providers do not cache, callers decide how long a detected signer stays valid.
package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Signer produces signatures over events for a single identity.
type Signer interface {
	// PublicKey returns the hex public key events are signed with.
	PublicKey(ctx context.Context) (string, error)
	// Sign sets PubKey, ID and Sig on the event.
	Sign(ctx context.Context, ev *nostr.Event) error
}

// Provider probes for a Signer.
type Provider interface {
	Detect(ctx context.Context) (Signer, bool)
}

// SignError reports that a signer refused or failed to sign an event.
// Reason is surfaced verbatim to the user.
type SignError struct {
	Reason string
	Err    error
}

// Error implements the error interface
func (e *SignError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("signing failed: %s", e.Reason)
	}
	return fmt.Sprintf("signing failed: %v", e.Err)
}

// Unwrap implements errors.Unwrap
func (e *SignError) Unwrap() error {
	return e.Err
}

// KeySigner signs with a secret key held in memory.
type KeySigner struct {
	secretKey string
	publicKey string
}

// NewKeySigner accepts a 64-character hex secret key or an nsec1 bech32 key.
func NewKeySigner(key string) (*KeySigner, error) {
	secretKey, err := ParseSecretKey(key)
	if err != nil {
		return nil, err
	}

	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &KeySigner{secretKey: secretKey, publicKey: publicKey}, nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	return NewKeySigner(nostr.GeneratePrivateKey())
}

// PublicKey implements Signer.
func (s *KeySigner) PublicKey(ctx context.Context) (string, error) {
	return s.publicKey, nil
}

// Sign implements Signer.
func (s *KeySigner) Sign(ctx context.Context, ev *nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return &SignError{Reason: "signing cancelled", Err: err}
	}
	if err := ev.Sign(s.secretKey); err != nil {
		return &SignError{Err: err}
	}
	return nil
}

// NSec returns the bech32 encoding of the secret key.
func (s *KeySigner) NSec() (string, error) {
	nsec, err := nip19.EncodePrivateKey(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode secret key: %w", err)
	}
	return nsec, nil
}

// ParseSecretKey normalizes an nsec1 bech32 key or a hex key to lowercase hex.
func ParseSecretKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("secret key cannot be empty")
	}

	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", fmt.Errorf("failed to decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("unexpected key prefix: %s", prefix)
		}
		hexKey, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("unexpected nsec payload type %T", value)
		}
		key = hexKey
	}

	key = strings.ToLower(key)
	if len(key) != 64 {
		return "", fmt.Errorf("secret key must be 64 hex characters, got %d", len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", fmt.Errorf("secret key is not valid hex: %w", err)
	}

	return key, nil
}
