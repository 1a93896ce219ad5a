package mfa

import (
	"time"

	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
)

const (
	MaxFailedAttempts = 5
	LockoutDuration   = 15 * time.Minute
)

// Credential is the MFA state owned by one account record.
type Credential struct {
	Secret         fieldcrypt.Envelope    `json:"secret"`
	BackupCodes    []*fieldcrypt.Envelope `json:"backup_codes"`
	FailedAttempts uint32                 `json:"failed_attempts"`
	LockedUntil    *time.Time             `json:"locked_until,omitempty"`
	Enabled        bool                   `json:"enabled"`
	EnabledAt      *time.Time             `json:"enabled_at,omitempty"`
	LastUsedStep   int64                  `json:"last_used_step,omitempty"`
}

// IsLocked reports whether verification is suspended at now.
func (c *Credential) IsLocked(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// RegisterFailure counts a failed factor and locks the credential once
// MaxFailedAttempts is reached. It reports whether this call locked it.
func (c *Credential) RegisterFailure(now time.Time) bool {
	if c.LockedUntil != nil && !now.Before(*c.LockedUntil) {
		c.LockedUntil = nil
		c.FailedAttempts = 0
	}
	c.FailedAttempts++
	if c.FailedAttempts >= MaxFailedAttempts && c.LockedUntil == nil {
		until := now.Add(LockoutDuration)
		c.LockedUntil = &until
		return true
	}
	return false
}

// RegisterSuccess clears failure state.
func (c *Credential) RegisterSuccess() {
	c.FailedAttempts = 0
	c.LockedUntil = nil
}

// UseStep records that the TOTP code of step has been accepted. Codes from
// that step or earlier are refused from then on.
func (c *Credential) UseStep(step int64) {
	if step > c.LastUsedStep {
		c.LastUsedStep = step
	}
}

// Activate marks the credential usable for login.
func (c *Credential) Activate(now time.Time) {
	c.Enabled = true
	c.EnabledAt = &now
	c.RegisterSuccess()
}
