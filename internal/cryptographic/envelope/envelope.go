// Package envelope implements the two-layer message encryption: an inner
// AEAD layer under the per-room (or per-session) key, wrapped in an outer
// AEAD layer under the server master key so nothing keyed to a room sits
// unwrapped at rest.
package envelope

import (
	"cipherchat/internal/cryptographic/encryption"
	appErrors "cipherchat/pkg/errors"
)

type Envelope struct {
	masterKey []byte
}

func New(masterKey []byte) (*Envelope, error) {
	if len(masterKey) != encryption.KeySize {
		return nil, appErrors.ErrBadKeySize
	}
	return &Envelope{masterKey: masterKey}, nil
}

// Seal encrypts plaintext under roomKey, then wraps the result under the
// master key. Each layer draws a fresh nonce, so sealing identical
// plaintext twice never yields identical ciphertext.
func (e *Envelope) Seal(roomKey, plaintext []byte) ([]byte, error) {
	inner, err := encryption.Seal(roomKey, plaintext, nil)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "envelope inner seal", err)
	}
	outer, err := encryption.Seal(e.masterKey, inner, nil)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "envelope outer seal", err)
	}
	return outer, nil
}

// Open reverses both layers. Any authentication failure fails closed with
// ErrUndecryptable; callers render the undecryptable placeholder instead of
// propagating garbage.
func (e *Envelope) Open(roomKey, ciphertext []byte) ([]byte, error) {
	inner, err := encryption.Open(e.masterKey, ciphertext, nil)
	if err != nil {
		return nil, appErrors.ErrUndecryptable
	}
	plain, err := encryption.Open(roomKey, inner, nil)
	if err != nil {
		return nil, appErrors.ErrUndecryptable
	}
	return plain, nil
}

// WrapKey protects raw key material (room or session keys) for storage.
func (e *Envelope) WrapKey(raw []byte) ([]byte, error) {
	wrapped, err := encryption.Seal(e.masterKey, raw, nil)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "wrap key", err)
	}
	return wrapped, nil
}

// UnwrapKey reverses WrapKey.
func (e *Envelope) UnwrapKey(wrapped []byte) ([]byte, error) {
	raw, err := encryption.Open(e.masterKey, wrapped, nil)
	if err != nil {
		return nil, appErrors.ErrUndecryptable
	}
	return raw, nil
}
