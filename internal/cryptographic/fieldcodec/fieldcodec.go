// Package fieldcodec is the generic encrypted-field encode/decode pair used
// for at-rest identity confidentiality. Encoding is non-deterministic, so a
// stored field can never be matched by re-encrypting a candidate value and
// comparing ciphertexts; queries over encoded fields must fetch candidates
// by an indexed field and decode-compare in process.
package fieldcodec

import (
	"cipherchat/internal/cryptographic/encryption"
	appErrors "cipherchat/pkg/errors"
)

type Codec struct {
	key []byte
}

func New(masterKey []byte) (*Codec, error) {
	if len(masterKey) != encryption.KeySize {
		return nil, appErrors.ErrBadKeySize
	}
	return &Codec{key: masterKey}, nil
}

func (c *Codec) Encode(value string) ([]byte, error) {
	ct, err := encryption.Seal(c.key, []byte(value), nil)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "encode field", err)
	}
	return ct, nil
}

func (c *Codec) Decode(ciphertext []byte) (string, error) {
	plain, err := encryption.Open(c.key, ciphertext, nil)
	if err != nil {
		return "", appErrors.ErrUndecryptable
	}
	return string(plain), nil
}

// Matches decodes the stored field and compares it to the candidate value.
// A field that fails to decode matches nothing.
func (c *Codec) Matches(ciphertext []byte, value string) bool {
	plain, err := c.Decode(ciphertext)
	if err != nil {
		return false
	}
	return plain == value
}
