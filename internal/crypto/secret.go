package crypto

import (
	"crypto/subtle"
	"log/slog"
	"sync"
)

const redactedText = "[REDACTED]"

// Secret owns a piece of credential material. Every formatting, logging and
// encoding path renders it as [REDACTED]; the bytes are reachable only inside
// Use. Copies of a Secret share the same storage, so Destroy wipes them all.
type Secret struct {
	v *secretValue
}

type secretValue struct {
	mu sync.RWMutex
	b  []byte
}

// NewSecret copies s into a new Secret.
func NewSecret(s string) Secret {
	if s == "" {
		return Secret{}
	}
	return NewSecretBytes([]byte(s))
}

// NewSecretBytes copies b into a new Secret. The caller may wipe b afterwards.
func NewSecretBytes(b []byte) Secret {
	if len(b) == 0 {
		return Secret{}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Secret{v: &secretValue{b: cp}}
}

// IsZero reports whether the secret is unset or destroyed.
func (s Secret) IsZero() bool {
	if s.v == nil {
		return true
	}
	s.v.mu.RLock()
	defer s.v.mu.RUnlock()
	return len(s.v.b) == 0
}

// Use calls fn with the secret bytes. fn must not retain the slice.
func (s Secret) Use(fn func(b []byte) error) error {
	if s.v == nil {
		return fn(nil)
	}
	s.v.mu.RLock()
	defer s.v.mu.RUnlock()
	return fn(s.v.b)
}

// Equal compares two secrets in constant time.
func (s Secret) Equal(other string) bool {
	var eq bool
	_ = s.Use(func(b []byte) error {
		eq = subtle.ConstantTimeCompare(b, []byte(other)) == 1
		return nil
	})
	return eq
}

// Destroy overwrites the secret bytes in place.
func (s Secret) Destroy() {
	if s.v == nil {
		return
	}
	s.v.mu.Lock()
	defer s.v.mu.Unlock()
	for i := range s.v.b {
		s.v.b[i] = 0
	}
	s.v.b = nil
}

func (s Secret) String() string   { return redactedText }
func (s Secret) GoString() string { return redactedText }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redactedText) }

// MarshalJSON never emits the secret.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redactedText + `"`), nil }

// MarshalText never emits the secret.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redactedText), nil }

// UnmarshalText lets config decoders populate a Secret directly.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = NewSecretBytes(text)
	return nil
}
