// Package mfa implements the second factors: TOTP codes and single-use
// backup codes. Secrets only ever leave this package wrapped in a
// fieldcrypt.Envelope.
package mfa

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/AfshinJalili/authcore/libs/ctguard"
	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	TOTPDigits     = 6
	TOTPPeriod     = 30
	TOTPWindow     = 2
	TOTPSecretSize = 32

	TOTPVerifyFloor = 200 * time.Millisecond

	totpPlaceholder = "000000"
)

var totpOpts = totp.ValidateOpts{
	Period:    TOTPPeriod,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is returned once, when a user starts TOTP setup.
type Enrollment struct {
	Secret          fieldcrypt.Envelope
	ProvisioningURI string
	ManualKey       string
}

// TOTP generates and checks time-based codes.
type TOTP struct {
	cipher *fieldcrypt.Cipher
	issuer string
	floor  time.Duration
	rand   io.Reader
}

type TOTPOption func(*TOTP)

// WithVerifyFloor overrides the minimum Verify latency.
func WithVerifyFloor(d time.Duration) TOTPOption {
	return func(e *TOTP) {
		e.floor = d
	}
}

// WithRand sets the secret source. Tests only.
func WithRand(r io.Reader) TOTPOption {
	return func(e *TOTP) {
		e.rand = r
	}
}

func NewTOTP(c *fieldcrypt.Cipher, issuer string, opts ...TOTPOption) *TOTP {
	e := &TOTP{
		cipher: c,
		issuer: issuer,
		floor:  TOTPVerifyFloor,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enroll creates a fresh secret for accountLabel. The returned envelope is
// what gets stored; ManualKey and ProvisioningURI are shown to the user once.
func (e *TOTP) Enroll(accountLabel string) (Enrollment, error) {
	secret := make([]byte, TOTPSecretSize)
	if _, err := io.ReadFull(e.rand, secret); err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountLabel,
		Period:      TOTPPeriod,
		SecretSize:  TOTPSecretSize,
		Secret:      secret,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("build totp key: %w", err)
	}

	env, err := e.cipher.Protect(key.Secret())
	if err != nil {
		return Enrollment{}, fmt.Errorf("protect totp secret: %w", err)
	}

	return Enrollment{
		Secret:          env,
		ProvisioningURI: key.URL(),
		ManualKey:       key.Secret(),
	}, nil
}

// Verify reports whether candidate matches the code for now or any step
// within TOTPWindow of it. It never returns before the verify floor and
// never reports why a code was rejected.
func (e *TOTP) Verify(secret fieldcrypt.Envelope, candidate string, now time.Time) bool {
	_, ok := e.VerifyStep(secret, candidate, now, 0)
	return ok
}

// VerifyStep is Verify for a credential that has already accepted the code of
// step lastUsed: a match at that step or an earlier one is rejected. On
// success it returns the matched step, which becomes the new lastUsed.
func (e *TOTP) VerifyStep(secret fieldcrypt.Envelope, candidate string, now time.Time, lastUsed int64) (int64, bool) {
	step, _ := ctguard.WithFloor(e.floor, func() (int64, error) {
		return e.verify(secret, candidate, now, lastUsed), nil
	})
	return step, step > 0
}

// StepAt returns the time step now falls in.
func StepAt(now time.Time) int64 {
	return now.Unix() / TOTPPeriod
}

// verify returns the accepted step, or 0.
func (e *TOTP) verify(secret fieldcrypt.Envelope, candidate string, now time.Time, lastUsed int64) (matched int64) {
	defer func() {
		if recover() != nil {
			matched = 0
		}
	}()

	if !IsTOTPFormat(candidate) {
		ctguard.CompareString(candidate, totpPlaceholder)
		return 0
	}

	key, err := e.cipher.Reveal(secret)
	if err != nil {
		return 0
	}

	current := StepAt(now)
	for offset := int64(-TOTPWindow); offset <= TOTPWindow; offset++ {
		step := current + offset
		code, err := totp.GenerateCodeCustom(key, time.Unix(step*TOTPPeriod, 0), totpOpts)
		if err != nil {
			return 0
		}
		// All steps are compared, whichever one matches.
		if ctguard.CompareString(code, candidate) && step > lastUsed && step > matched {
			matched = step
		}
	}
	return matched
}

// IsTOTPFormat reports whether s is exactly TOTPDigits ASCII digits.
func IsTOTPFormat(s string) bool {
	return isDigits(s, TOTPDigits)
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
