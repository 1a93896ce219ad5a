package fieldcrypt

import (
	"fmt"
)

// ModelFields lists, per model name, the record keys that hold sensitive strings.
type ModelFields map[string][]string

// Transformer applies Cipher to the configured fields of a record on its way
// to and from storage. Callers hand it plain maps so it stays independent of
// any ORM.
type Transformer struct {
	cipher *Cipher
	fields ModelFields
}

func NewTransformer(c *Cipher, fields ModelFields) *Transformer {
	return &Transformer{cipher: c, fields: fields}
}

// Fields returns the sensitive keys configured for model.
func (t *Transformer) Fields(model string) []string {
	return t.fields[model]
}

// ProtectRecord replaces every configured string value with its stored
// envelope form. Nil and empty values are left alone. Every other value is
// encrypted as given, including one that already looks like an envelope.
func (t *Transformer) ProtectRecord(model string, record map[string]any) error {
	for _, key := range t.fields[model] {
		raw, ok := record[key]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("fieldcrypt: %s.%s is %T, want string", model, key, raw)
		}
		if s == "" {
			continue
		}

		sealed, err := Plaintext(s).Seal(t.cipher)
		if err != nil {
			return fmt.Errorf("fieldcrypt: protect %s.%s: %w", model, key, err)
		}
		stored, err := sealed.Stored()
		if err != nil {
			return fmt.Errorf("fieldcrypt: encode %s.%s: %w", model, key, err)
		}
		record[key] = stored
	}
	return nil
}

// RevealRecord decrypts every configured field in place. Legacy plaintext
// values pass through unchanged; a damaged envelope is an error.
func (t *Transformer) RevealRecord(model string, record map[string]any) error {
	for _, key := range t.fields[model] {
		s, ok := record[key].(string)
		if !ok || s == "" {
			continue
		}
		field, err := ParseStored(s)
		if err != nil {
			return fmt.Errorf("fieldcrypt: reveal %s.%s: %w", model, key, err)
		}
		plain, err := field.Open(t.cipher)
		if err != nil {
			return fmt.Errorf("fieldcrypt: reveal %s.%s: %w", model, key, err)
		}
		record[key] = plain
	}
	return nil
}

// RevealRecords applies RevealRecord to each record.
func (t *Transformer) RevealRecords(model string, records []map[string]any) error {
	for _, r := range records {
		if err := t.RevealRecord(model, r); err != nil {
			return err
		}
	}
	return nil
}
