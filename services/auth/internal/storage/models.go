package storage

import (
	"time"

	"github.com/google/uuid"
)

const UserStatusActive = "active"

type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Status       string
	MFA          MFAColumns
}

// MFAColumns is the MFA state as stored. Secret holds the serialized
// envelope, or a legacy plaintext secret written before field encryption.
type MFAColumns struct {
	Enabled        bool
	Secret         *string
	BackupCodes    []byte
	FailedAttempts int32
	LockedUntil    *time.Time
	EnabledAt      *time.Time
	LastUsedStep   int64
}

type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}
