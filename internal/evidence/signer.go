package evidence

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSigningUnavailable indicates no active signing key. Appends fail
	// closed rather than persisting unverifiable evidence.
	ErrSigningUnavailable = errors.New("evidence: signing key unavailable")
	// ErrUnknownKeyVersion indicates a span signed with a key this keyring
	// does not hold.
	ErrUnknownKeyVersion = errors.New("evidence: unknown key version")
)

// Canonical serializes a span with a stable field order. Signing and
// verification both operate on these bytes; any canonical field flip breaks
// the signature.
func Canonical(span Span) ([]byte, error) {
	// Timestamps normalise to UTC nanoseconds so a round trip through
	// storage cannot change the byte representation.
	span.Timestamp = span.Timestamp.UTC().Truncate(time.Microsecond)
	data, err := json.Marshal(span)
	if err != nil {
		return nil, fmt.Errorf("canonicalise span: %w", err)
	}
	return data, nil
}

// Keyring signs spans with the active key and verifies against any
// historical key by version, so rotation keeps old evidence verifiable.
type Keyring struct {
	active string
	keys   map[string][]byte
}

// NewKeyring builds a keyring. activeVersion may be empty (signing fails
// closed until a key is configured; verification of historical spans still
// works).
func NewKeyring(activeVersion string, keys map[string]string) (*Keyring, error) {
	kr := &Keyring{active: activeVersion, keys: make(map[string][]byte, len(keys))}
	for version, secret := range keys {
		if secret == "" {
			return nil, fmt.Errorf("evidence: key %q has empty secret", version)
		}
		kr.keys[version] = []byte(secret)
	}
	if activeVersion != "" {
		if _, ok := kr.keys[activeVersion]; !ok {
			return nil, fmt.Errorf("evidence: active key version %q not present", activeVersion)
		}
	}
	return kr, nil
}

// ActiveVersion returns the current signing key version, or "" when signing
// is unavailable.
func (k *Keyring) ActiveVersion() string {
	return k.active
}

// Sign produces a SignedSpan using the active key.
func (k *Keyring) Sign(span Span) (SignedSpan, error) {
	if k.active == "" {
		return SignedSpan{}, ErrSigningUnavailable
	}
	key := k.keys[k.active]

	canonical, err := Canonical(span)
	if err != nil {
		return SignedSpan{}, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return SignedSpan{
		Span:       span,
		Signature:  mac.Sum(nil),
		KeyVersion: k.active,
	}, nil
}

// Verify recomputes the MAC for signed.Span under the recorded key version
// and compares in constant time.
func (k *Keyring) Verify(signed SignedSpan) (bool, error) {
	key, ok := k.keys[signed.KeyVersion]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownKeyVersion, signed.KeyVersion)
	}

	canonical, err := Canonical(signed.Span)
	if err != nil {
		return false, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), signed.Signature), nil
}
