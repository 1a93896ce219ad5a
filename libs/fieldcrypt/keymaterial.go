// Package fieldcrypt encrypts individual string fields for storage at rest.
//
// A KeyMaterial is derived once at process start and handed to a Cipher,
// which produces versioned, authenticated Envelopes. Envelopes serialize to a
// JSON-of-hex form that fits in a text column next to legacy plaintext values;
// Field decides which of the two a stored value is.
package fieldcrypt

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrConfiguration is returned when key material is missing. It is fatal at startup.
var ErrConfiguration = errors.New("fieldcrypt: encryption key and salt must be configured")

// KeyMaterial holds the derived 256-bit key. It is immutable after construction.
type KeyMaterial struct {
	key [32]byte
}

// NewKeyMaterial derives the key as SHA-256(passphrase || salt).
func NewKeyMaterial(passphrase, salt string) (*KeyMaterial, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase is empty", ErrConfiguration)
	}
	if salt == "" {
		return nil, fmt.Errorf("%w: salt is empty", ErrConfiguration)
	}

	h := sha256.New()
	h.Write([]byte(passphrase))
	h.Write([]byte(salt))

	km := &KeyMaterial{}
	copy(km.key[:], h.Sum(nil))
	return km, nil
}

// String keeps the key out of logs and fmt output.
func (k *KeyMaterial) String() string {
	return "fieldcrypt.KeyMaterial{redacted}"
}

// GoString mirrors String for %#v.
func (k *KeyMaterial) GoString() string {
	return k.String()
}
