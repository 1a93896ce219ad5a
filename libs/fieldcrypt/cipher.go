package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Cipher protects and reveals string values. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher builds an AES-256-GCM cipher over the derived key.
func NewCipher(km *KeyMaterial) (*Cipher, error) {
	if km == nil {
		return nil, ErrConfiguration
	}
	block, err := aes.NewCipher(km.key[:])
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: %w", err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// Protect encrypts plaintext under a fresh random IV.
func (c *Cipher) Protect(plaintext string) (Envelope, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return Envelope{}, fmt.Errorf("fieldcrypt: generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), []byte(CurrentVersion))
	split := len(sealed) - TagSize

	return Envelope{
		Ciphertext: sealed[:split],
		IV:         iv,
		Tag:        sealed[split:],
		Version:    CurrentVersion,
	}, nil
}

// Reveal decrypts env. Any tampering with ciphertext, IV, tag or version
// yields ErrDecryption.
func (c *Cipher) Reveal(env Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	// version is bound as associated data
	plaintext, err := c.aead.Open(nil, env.IV, sealed, []byte(env.Version))
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// ProtectString returns the text-column form of Protect(plaintext).
func (c *Cipher) ProtectString(plaintext string) (string, error) {
	env, err := c.Protect(plaintext)
	if err != nil {
		return "", err
	}
	return env.Encode()
}

// RevealString parses and decrypts a text-column envelope.
func (c *Cipher) RevealString(stored string) (string, error) {
	env, err := DecodeEnvelope(stored)
	if err != nil {
		return "", err
	}
	return c.Reveal(env)
}
