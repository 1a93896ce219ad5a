package fieldcrypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	km, err := NewKeyMaterial("correct horse battery staple", "pepper")
	require.NoError(t, err)
	c, err := NewCipher(km)
	require.NoError(t, err)
	return c
}

func TestNewKeyMaterialRequiresPassphraseAndSalt(t *testing.T) {
	_, err := NewKeyMaterial("", "salt")
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewKeyMaterial("key", "")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewKeyMaterialDeterministic(t *testing.T) {
	a, err := NewKeyMaterial("key", "salt")
	require.NoError(t, err)
	b, err := NewKeyMaterial("key", "salt")
	require.NoError(t, err)
	c, err := NewKeyMaterial("key", "other")
	require.NoError(t, err)

	require.Equal(t, a.key, b.key)
	require.NotEqual(t, a.key, c.key)
	require.NotContains(t, a.String(), "key")
}

func TestProtectRevealRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	inputs := []string{
		"",
		"a",
		"Jane Doe",
		"1985-03-14",
		"notes: patient reports mild headache; follow-up in 2 weeks",
		"ünïcödé ✓ 漢字",
		string(bytes.Repeat([]byte("x"), 4096)),
	}
	for _, in := range inputs {
		env, err := c.Protect(in)
		require.NoError(t, err)
		require.Len(t, env.IV, IVSize)
		require.Len(t, env.Tag, TagSize)
		require.Equal(t, CurrentVersion, env.Version)

		out, err := c.Reveal(env)
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}

func TestProtectIsProbabilistic(t *testing.T) {
	c := newTestCipher(t)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		env, err := c.Protect("same value")
		require.NoError(t, err)
		key := string(env.IV) + string(env.Ciphertext)
		require.False(t, seen[key], "ciphertext repeated on iteration %d", i)
		seen[key] = true
	}
}

func TestRevealDetectsSingleByteTampering(t *testing.T) {
	c := newTestCipher(t)
	env, err := c.Protect("sensitive value")
	require.NoError(t, err)

	flip := func(b []byte, i int) []byte {
		out := append([]byte(nil), b...)
		out[i] ^= 0x01
		return out
	}

	for i := range env.Ciphertext {
		tampered := env
		tampered.Ciphertext = flip(env.Ciphertext, i)
		_, err := c.Reveal(tampered)
		require.ErrorIs(t, err, ErrDecryption, "ciphertext byte %d", i)
	}
	for i := range env.IV {
		tampered := env
		tampered.IV = flip(env.IV, i)
		_, err := c.Reveal(tampered)
		require.ErrorIs(t, err, ErrDecryption, "iv byte %d", i)
	}
	for i := range env.Tag {
		tampered := env
		tampered.Tag = flip(env.Tag, i)
		_, err := c.Reveal(tampered)
		require.ErrorIs(t, err, ErrDecryption, "tag byte %d", i)
	}
}

func TestRevealWithWrongKeyFails(t *testing.T) {
	c := newTestCipher(t)
	env, err := c.Protect("value")
	require.NoError(t, err)

	km, err := NewKeyMaterial("another key", "pepper")
	require.NoError(t, err)
	other, err := NewCipher(km)
	require.NoError(t, err)

	_, err = other.Reveal(env)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestRevealRejectsMalformedEnvelopes(t *testing.T) {
	c := newTestCipher(t)
	good, err := c.Protect("value")
	require.NoError(t, err)

	tests := []struct {
		name string
		env  Envelope
	}{
		{"short iv", Envelope{Ciphertext: good.Ciphertext, IV: good.IV[:12], Tag: good.Tag, Version: good.Version}},
		{"long iv", Envelope{Ciphertext: good.Ciphertext, IV: append(append([]byte(nil), good.IV...), 0), Tag: good.Tag, Version: good.Version}},
		{"missing tag", Envelope{Ciphertext: good.Ciphertext, IV: good.IV, Version: good.Version}},
		{"unknown version", Envelope{Ciphertext: good.Ciphertext, IV: good.IV, Tag: good.Tag, Version: "9"}},
		{"legacy version", Envelope{Ciphertext: good.Ciphertext, IV: good.IV, Tag: good.Tag, Version: VersionLegacyCBC}},
		{"empty version", Envelope{Ciphertext: good.Ciphertext, IV: good.IV, Tag: good.Tag}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Reveal(tc.env)
			require.ErrorIs(t, err, ErrMalformedEnvelope)
			require.True(t, errors.Is(err, ErrDecryption))
		})
	}
}

func TestRevealErrorDoesNotLeakPlaintext(t *testing.T) {
	c := newTestCipher(t)
	env, err := c.Protect("top secret diagnosis")
	require.NoError(t, err)
	env.Tag[0] ^= 0xff

	_, err = c.Reveal(env)
	require.Error(t, err)
	require.NotContains(t, err.Error(), "diagnosis")
}

func TestStringFormsRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.ProtectString("555-0100")
	require.NoError(t, err)
	require.Contains(t, stored, `"version":"2"`)

	out, err := c.RevealString(stored)
	require.NoError(t, err)
	require.Equal(t, "555-0100", out)

	_, err = c.RevealString("not json")
	require.ErrorIs(t, err, ErrDecryption)
}
