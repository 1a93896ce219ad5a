package mfa

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AfshinJalili/authcore/libs/ctguard"
	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
)

const (
	BackupCodeLength       = 8
	DefaultBackupCodeCount = 10

	BackupVerifyFloor = 150 * time.Millisecond

	backupPlaceholder = "00000000"
)

// VerifyResult reports whether a backup code matched and which slot it was.
// Index is -1 when Valid is false.
type VerifyResult struct {
	Valid bool
	Index int
}

// BackupVault generates and checks recovery codes. Vault slots are owned by
// the caller; a nil slot is a consumed code.
type BackupVault struct {
	cipher *fieldcrypt.Cipher
	floor  time.Duration
	rand   io.Reader
}

type BackupOption func(*BackupVault)

func WithBackupFloor(d time.Duration) BackupOption {
	return func(v *BackupVault) {
		v.floor = d
	}
}

func NewBackupVault(c *fieldcrypt.Cipher, opts ...BackupOption) *BackupVault {
	v := &BackupVault{
		cipher: c,
		floor:  BackupVerifyFloor,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Generate returns count fresh codes in plaintext, for one-time display, and
// their encrypted slots for storage. count <= 0 means DefaultBackupCodeCount.
func (v *BackupVault) Generate(count int) ([]string, []*fieldcrypt.Envelope, error) {
	if count <= 0 {
		count = DefaultBackupCodeCount
	}

	codes := make([]string, 0, count)
	vault := make([]*fieldcrypt.Envelope, 0, count)
	buf := make([]byte, BackupCodeLength/2)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(v.rand, buf); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(buf))

		env, err := v.cipher.Protect(code)
		if err != nil {
			return nil, nil, fmt.Errorf("protect backup code: %w", err)
		}
		codes = append(codes, code)
		vault = append(vault, &env)
	}
	return codes, vault, nil
}

// Verify checks candidate against every live slot. All slots are visited
// regardless of where, or whether, a match occurs. The caller must Consume
// the matched index to make the code single-use.
func (v *BackupVault) Verify(vault []*fieldcrypt.Envelope, candidate string) VerifyResult {
	res, _ := ctguard.WithFloor(v.floor, func() (VerifyResult, error) {
		return v.verify(vault, candidate), nil
	})
	return res
}

func (v *BackupVault) verify(vault []*fieldcrypt.Envelope, candidate string) (res VerifyResult) {
	res = VerifyResult{Index: -1}
	defer func() {
		if recover() != nil {
			res = VerifyResult{Index: -1}
		}
	}()

	code := NormalizeBackupCode(candidate)
	if !IsBackupCodeFormat(code) {
		ctguard.CompareString(code, backupPlaceholder)
		return res
	}

	for i, slot := range vault {
		if slot == nil {
			continue
		}
		stored, err := v.cipher.Reveal(*slot)
		if err != nil {
			continue
		}
		if ctguard.CompareString(stored, code) && !res.Valid {
			res = VerifyResult{Valid: true, Index: i}
		}
	}
	return res
}

// Consume marks slot index as used. It reports false if the slot was already
// consumed or out of range.
func Consume(vault []*fieldcrypt.Envelope, index int) bool {
	if index < 0 || index >= len(vault) || vault[index] == nil {
		return false
	}
	vault[index] = nil
	return true
}

// RemainingCount is the number of unused codes.
func RemainingCount(vault []*fieldcrypt.Envelope) int {
	n := 0
	for _, slot := range vault {
		if slot != nil {
			n++
		}
	}
	return n
}

// NormalizeBackupCode trims and upper-cases user input.
func NormalizeBackupCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// IsBackupCodeFormat reports whether s is exactly BackupCodeLength
// characters of [0-9A-F].
func IsBackupCodeFormat(s string) bool {
	if len(s) != BackupCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
