package fieldcrypt

import (
	"encoding/json"
	"strings"
)

// Field is a stored value that is either legacy plaintext or an Envelope.
// The variant is decided once, when the value is read from storage.
type Field struct {
	plaintext string
	envelope  *Envelope
}

// Plaintext wraps an unencrypted value.
func Plaintext(s string) Field {
	return Field{plaintext: s}
}

// Sealed wraps an envelope.
func Sealed(env Envelope) Field {
	return Field{envelope: &env}
}

// envelopeKeys are the document keys that mark a value as envelope shaped.
var envelopeKeys = []string{"ciphertext", "iv", "tag", "version"}

// ParseStored classifies a text-column value. A value shaped like an envelope
// document must decode as one; otherwise ParseStored returns
// ErrMalformedEnvelope rather than handing it back as plaintext. Anything
// else is legacy plaintext.
func ParseStored(stored string) (Field, error) {
	trimmed := strings.TrimSpace(stored)
	if !looksLikeEnvelope(trimmed) {
		return Plaintext(stored), nil
	}
	env, err := DecodeEnvelope(trimmed)
	if err != nil {
		return Field{}, err
	}
	return Sealed(env), nil
}

func looksLikeEnvelope(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		// Truncated documents still count when they name an envelope key.
		for _, k := range envelopeKeys {
			if strings.Contains(s, `"`+k+`"`) {
				return true
			}
		}
		return false
	}
	for _, k := range envelopeKeys {
		if _, ok := doc[k]; ok {
			return true
		}
	}
	return false
}

// IsSealed reports whether the field holds an envelope.
func (f Field) IsSealed() bool {
	return f.envelope != nil
}

// Envelope returns the envelope and true when the field is sealed.
func (f Field) Envelope() (Envelope, bool) {
	if f.envelope == nil {
		return Envelope{}, false
	}
	return *f.envelope, true
}

// Stored returns the text-column form.
func (f Field) Stored() (string, error) {
	if f.envelope == nil {
		return f.plaintext, nil
	}
	return f.envelope.Encode()
}

// Seal encrypts a plaintext field; sealed fields are returned unchanged.
func (f Field) Seal(c *Cipher) (Field, error) {
	if f.envelope != nil {
		return f, nil
	}
	env, err := c.Protect(f.plaintext)
	if err != nil {
		return Field{}, err
	}
	return Sealed(env), nil
}

// Open returns the plaintext of either variant.
func (f Field) Open(c *Cipher) (string, error) {
	if f.envelope == nil {
		return f.plaintext, nil
	}
	return c.Reveal(*f.envelope)
}
