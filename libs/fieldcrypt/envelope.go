package fieldcrypt

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// VersionLegacyCBC marks envelopes written by the old unauthenticated
	// AES-CBC scheme. They are recognised but never decrypted.
	VersionLegacyCBC = "1"
	// VersionGCM is AES-256-GCM with a 16-byte nonce and a detached 16-byte tag.
	VersionGCM = "2"

	// CurrentVersion is what Protect writes.
	CurrentVersion = VersionGCM

	IVSize  = 16
	TagSize = 16
)

var (
	// ErrDecryption covers every reason an envelope cannot be opened.
	ErrDecryption = errors.New("fieldcrypt: decryption failed")
	// ErrMalformedEnvelope is a structural rejection made before any
	// cryptographic work. It matches ErrDecryption under errors.Is.
	ErrMalformedEnvelope = fmt.Errorf("%w: malformed envelope", ErrDecryption)
)

// Envelope is the portable ciphertext bundle. Only Cipher produces one.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
	Version    string
}

type envelopeJSON struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Version    string `json:"version"`
}

// Validate performs the structural checks Reveal runs before decrypting.
func (e Envelope) Validate() error {
	switch e.Version {
	case VersionGCM:
	case VersionLegacyCBC:
		return fmt.Errorf("%w: legacy version %q is not supported", ErrMalformedEnvelope, e.Version)
	default:
		return fmt.Errorf("%w: unknown version %q", ErrMalformedEnvelope, e.Version)
	}
	if len(e.IV) != IVSize {
		return fmt.Errorf("%w: iv must be %d bytes", ErrMalformedEnvelope, IVSize)
	}
	if len(e.Tag) != TagSize {
		return fmt.Errorf("%w: tag must be %d bytes", ErrMalformedEnvelope, TagSize)
	}
	return nil
}

// MarshalJSON encodes byte fields as lowercase hex.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		Ciphertext: hex.EncodeToString(e.Ciphertext),
		IV:         hex.EncodeToString(e.IV),
		Tag:        hex.EncodeToString(e.Tag),
		Version:    e.Version,
	})
}

// UnmarshalJSON decodes the hex form. It does not validate the version.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if raw.Version == "" || raw.IV == "" {
		return fmt.Errorf("%w: missing version or iv", ErrMalformedEnvelope)
	}

	ct, err := hex.DecodeString(raw.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: ciphertext is not hex", ErrMalformedEnvelope)
	}
	iv, err := hex.DecodeString(raw.IV)
	if err != nil {
		return fmt.Errorf("%w: iv is not hex", ErrMalformedEnvelope)
	}
	tag, err := hex.DecodeString(raw.Tag)
	if err != nil {
		return fmt.Errorf("%w: tag is not hex", ErrMalformedEnvelope)
	}

	*e = Envelope{Ciphertext: ct, IV: iv, Tag: tag, Version: raw.Version}
	return nil
}

// Encode returns the text-column form of the envelope.
func (e Envelope) Encode() (string, error) {
	b, err := e.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeEnvelope parses the text-column form.
func DecodeEnvelope(s string) (Envelope, error) {
	var env Envelope
	if err := env.UnmarshalJSON([]byte(s)); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
