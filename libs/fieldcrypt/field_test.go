package fieldcrypt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStoredClassifiesOnce(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.ProtectString("Jane")
	require.NoError(t, err)

	sealed, err := ParseStored(stored)
	require.NoError(t, err)
	require.True(t, sealed.IsSealed())
	plain, err := sealed.Open(c)
	require.NoError(t, err)
	require.Equal(t, "Jane", plain)

	for _, legacy := range []string{"Jane", "", "{not json", `{"name":"x"}`} {
		f, err := ParseStored(legacy)
		require.NoError(t, err)
		require.False(t, f.IsSealed(), "value %q", legacy)
		out, err := f.Open(c)
		require.NoError(t, err)
		require.Equal(t, legacy, out)
	}
}

func TestParseStoredRejectsDamagedEnvelopes(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.ProtectString("Jane")
	require.NoError(t, err)

	for _, damaged := range []string{
		`{"iv":"zz","version":"2"}`,
		`{"ciphertext":"ab","version":"2"}`,
		stored[:len(stored)-2],
		corruptCiphertextHex(stored),
	} {
		_, err := ParseStored(damaged)
		require.ErrorIs(t, err, ErrMalformedEnvelope, "value %q", damaged)
	}
}

func TestFieldSealIsIdempotent(t *testing.T) {
	c := newTestCipher(t)

	f, err := Plaintext("value").Seal(c)
	require.NoError(t, err)
	require.True(t, f.IsSealed())

	again, err := f.Seal(c)
	require.NoError(t, err)

	a, _ := f.Envelope()
	b, _ := again.Envelope()
	require.Equal(t, a, b)
}

func TestTransformerProtectsConfiguredFields(t *testing.T) {
	c := newTestCipher(t)
	tr := NewTransformer(c, ModelFields{
		"Patient": {"firstName", "lastName", "notes"},
	})

	record := map[string]any{
		"id":        42,
		"firstName": "Jane",
		"lastName":  "Doe",
		"notes":     nil,
		"city":      "Geneva",
	}

	require.NoError(t, tr.ProtectRecord("Patient", record))
	require.Equal(t, 42, record["id"])
	require.Equal(t, "Geneva", record["city"])
	require.Nil(t, record["notes"])
	for _, key := range []string{"firstName", "lastName"} {
		f, err := ParseStored(record[key].(string))
		require.NoError(t, err)
		require.True(t, f.IsSealed(), key)
	}

	require.NoError(t, tr.RevealRecord("Patient", record))
	require.Equal(t, "Jane", record["firstName"])
	require.Equal(t, "Doe", record["lastName"])
}

func TestTransformerPassesLegacyPlaintextAndIgnoresOtherModels(t *testing.T) {
	c := newTestCipher(t)
	tr := NewTransformer(c, ModelFields{"Patient": {"firstName"}})

	legacy := map[string]any{"firstName": "Legacy"}
	require.NoError(t, tr.RevealRecord("Patient", legacy))
	require.Equal(t, "Legacy", legacy["firstName"])

	other := map[string]any{"firstName": "Unprotected"}
	require.NoError(t, tr.ProtectRecord("Appointment", other))
	require.Equal(t, "Unprotected", other["firstName"])
}

func TestTransformerRejectsNonStringField(t *testing.T) {
	c := newTestCipher(t)
	tr := NewTransformer(c, ModelFields{"Patient": {"firstName"}})

	err := tr.ProtectRecord("Patient", map[string]any{"firstName": 7})
	require.Error(t, err)
}

func TestTransformerEncryptsEnvelopeShapedInput(t *testing.T) {
	c := newTestCipher(t)
	tr := NewTransformer(c, ModelFields{"Patient": {"notes"}})

	input := `{"ciphertext":"00","iv":"00","tag":"00","version":"2"}`
	record := map[string]any{"notes": input}

	require.NoError(t, tr.ProtectRecord("Patient", record))
	require.NotEqual(t, input, record["notes"])

	require.NoError(t, tr.RevealRecord("Patient", record))
	require.Equal(t, input, record["notes"])
}

func TestTransformerRevealFailsOnCorruptedHex(t *testing.T) {
	c := newTestCipher(t)
	tr := NewTransformer(c, ModelFields{"Patient": {"firstName"}})

	stored, err := c.ProtectString("Jane")
	require.NoError(t, err)
	corrupted := corruptCiphertextHex(stored)

	record := map[string]any{"firstName": corrupted}
	err = tr.RevealRecord("Patient", record)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
	require.Equal(t, corrupted, record["firstName"])
}

func TestTransformerRevealFailsOnTamperedField(t *testing.T) {
	c := newTestCipher(t)
	tr := NewTransformer(c, ModelFields{"Patient": {"firstName"}})

	env, err := c.Protect("Jane")
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0x01
	stored, err := env.Encode()
	require.NoError(t, err)

	records := []map[string]any{{"firstName": stored}}
	err = tr.RevealRecords("Patient", records)
	require.ErrorIs(t, err, ErrDecryption)
}

// corruptCiphertextHex replaces the first ciphertext hex digit with 'g'.
func corruptCiphertextHex(stored string) string {
	const marker = `"ciphertext":"`
	i := strings.Index(stored, marker) + len(marker)
	return stored[:i] + "g" + stored[i+1:]
}
