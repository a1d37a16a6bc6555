package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer with key material derived from secret via HKDF-SHA256.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// NewKey draws 32 random bytes and stretches them through HKDF with the
// given info label. Used for per-room keys and ghost session keys.
func NewKey(info string) ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("kdf: read seed: %w", err)
	}
	key := make([]byte, 32)
	if _, err := HKDF(seed, nil, []byte(info), key); err != nil {
		return nil, fmt.Errorf("kdf: derive key: %w", err)
	}
	return key, nil
}
