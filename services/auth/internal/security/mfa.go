package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
	"github.com/AfshinJalili/authcore/libs/trace"
	"github.com/AfshinJalili/authcore/services/auth/internal/mfa"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
	"github.com/AfshinJalili/authcore/services/auth/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// Enrollment is shown to the user exactly once.
type Enrollment struct {
	ProvisioningURI string
	ManualKey       string
	BackupCodes     []string
}

type FactorResult struct {
	Method               string
	BackupCodesRemaining int
}

type MFAStatus struct {
	Enabled              bool
	Pending              bool
	BackupCodesRemaining int
	LockedUntil          *time.Time
}

// EnrollMFA starts TOTP setup for user. The credential stays inactive until
// ActivateMFA sees a valid code; enrolling again replaces a pending one.
func (f *Facade) EnrollMFA(ctx context.Context, user *storage.User) (*Enrollment, error) {
	if user.MFA.Enabled {
		return nil, ErrMFAAlreadyEnabled
	}

	enr, err := f.totp.Enroll(user.Email)
	if err != nil {
		return nil, err
	}
	codes, vault, err := f.backup.Generate(mfa.DefaultBackupCodeCount)
	if err != nil {
		return nil, err
	}

	cred := &mfa.Credential{Secret: enr.Secret, BackupCodes: vault}
	if err := f.save(ctx, user, cred); err != nil {
		return nil, err
	}

	f.publish(ctx, EventMFAEnrolled, user.ID.String(), nil)
	return &Enrollment{
		ProvisioningURI: enr.ProvisioningURI,
		ManualKey:       enr.ManualKey,
		BackupCodes:     codes,
	}, nil
}

// ActivateMFA enables a pending credential once the user proves the
// authenticator app produces valid codes.
func (f *Facade) ActivateMFA(ctx context.Context, user *storage.User, code string) error {
	cred, err := f.credential(ctx, user)
	if err != nil {
		return err
	}
	if cred.Enabled {
		return ErrMFAAlreadyEnabled
	}

	now := f.now()
	step, ok := f.totp.VerifyStep(cred.Secret, strings.TrimSpace(code), now, cred.LastUsedStep)
	if !ok {
		f.metrics.mfa(MethodTOTP, "invalid")
		return ErrInvalidMFACode
	}

	cred.UseStep(step)
	cred.Activate(now)
	if err := f.save(ctx, user, cred); err != nil {
		return err
	}
	f.metrics.mfa(MethodTOTP, "ok")
	f.publish(ctx, EventMFAActivated, user.ID.String(), nil)
	return nil
}

// VerifyMFAFactor checks a TOTP code or a backup code for user. A matching
// backup code is consumed, and a TOTP step marked used, before success is
// reported. Failures are counted per credential and per user by the mfa rate
// limit.
func (f *Facade) VerifyMFAFactor(ctx context.Context, user *storage.User, code string) (res FactorResult, err error) {
	ctx, span := trace.Start(ctx, "security.verify_mfa")
	defer func() {
		span.SetAttributes(attribute.String("method", res.Method))
		trace.End(span, err)
	}()

	cred, err := f.credential(ctx, user)
	if err != nil {
		return FactorResult{}, err
	}
	if !cred.Enabled {
		return FactorResult{}, ErrMFANotEnrolled
	}

	now := f.now()
	if cred.IsLocked(now) {
		f.metrics.mfa("any", "locked")
		return FactorResult{}, ErrMFALocked
	}

	subject := user.ID.String()
	d, err := f.limiter.Check(ctx, subject, rate.OpMFA, now)
	if err != nil {
		return FactorResult{}, err
	}
	if !d.Allowed {
		f.metrics.mfa("any", "rate_limited")
		return FactorResult{}, &RateLimitError{Decision: d}
	}

	code = strings.TrimSpace(code)
	res.Method = MethodBackupCode
	var ok bool
	if mfa.IsTOTPFormat(code) {
		res.Method = MethodTOTP
		var step int64
		if step, ok = f.totp.VerifyStep(cred.Secret, code, now, cred.LastUsedStep); ok {
			cred.UseStep(step)
		}
	} else {
		match := f.backup.Verify(cred.BackupCodes, code)
		ok = match.Valid && mfa.Consume(cred.BackupCodes, match.Index)
	}

	if !ok {
		locked := cred.RegisterFailure(now)
		if err := f.save(ctx, user, cred); err != nil {
			f.logger.Error("persist mfa failure failed", "user", MaskIdentifier(subject), "error", err)
		}
		f.metrics.mfa(res.Method, "invalid")
		if locked {
			f.logger.Warn("mfa locked", "user", MaskIdentifier(subject), "until", cred.LockedUntil)
			f.publish(ctx, EventMFALocked, subject, map[string]string{
				"locked_until": cred.LockedUntil.UTC().Format(time.RFC3339),
			})
		}
		return FactorResult{Method: res.Method}, ErrInvalidMFACode
	}

	cred.RegisterSuccess()
	if err := f.save(ctx, user, cred); err != nil {
		// The code was not durably consumed, so it must not count.
		f.logger.Warn("mfa code consumption not persisted", "user", MaskIdentifier(subject), "method", res.Method, "error", err)
		f.metrics.mfa(res.Method, "conflict")
		return FactorResult{Method: res.Method}, ErrInvalidMFACode
	}

	if err := f.limiter.Reset(ctx, subject, rate.OpMFA); err != nil {
		f.logger.Warn("reset mfa rate limit failed", "user", MaskIdentifier(subject), "error", err)
	}

	res.BackupCodesRemaining = mfa.RemainingCount(cred.BackupCodes)
	f.metrics.mfa(res.Method, "ok")
	if res.Method == MethodBackupCode {
		f.publish(ctx, EventBackupCodeUsed, subject, map[string]string{
			"remaining": strconv.Itoa(res.BackupCodesRemaining),
		})
	}
	return res, nil
}

// RegenerateBackupCodes replaces every backup code after a successful factor
// check. The new codes are returned in plaintext once.
func (f *Facade) RegenerateBackupCodes(ctx context.Context, user *storage.User, code string) ([]string, error) {
	if _, err := f.VerifyMFAFactor(ctx, user, code); err != nil {
		return nil, err
	}

	cred, err := f.credential(ctx, user)
	if err != nil {
		return nil, err
	}
	codes, vault, err := f.backup.Generate(mfa.DefaultBackupCodeCount)
	if err != nil {
		return nil, err
	}
	cred.BackupCodes = vault
	if err := f.save(ctx, user, cred); err != nil {
		return nil, err
	}

	f.publish(ctx, EventBackupCodesRenewed, user.ID.String(), nil)
	return codes, nil
}

// DisableMFA removes the credential after a successful factor check.
func (f *Facade) DisableMFA(ctx context.Context, user *storage.User, code string) error {
	if _, err := f.VerifyMFAFactor(ctx, user, code); err != nil {
		return err
	}
	if err := f.store.ClearMFA(ctx, user.ID); err != nil {
		return fmt.Errorf("clear mfa: %w", err)
	}
	user.MFA = storage.MFAColumns{}

	f.publish(ctx, EventMFADisabled, user.ID.String(), nil)
	return nil
}

func (f *Facade) BackupCodesRemaining(user *storage.User) (int, error) {
	codes, err := decodeBackupCodes(user.MFA.BackupCodes)
	if err != nil {
		return 0, err
	}
	return mfa.RemainingCount(codes), nil
}

func (f *Facade) MFAStatus(user *storage.User) (MFAStatus, error) {
	if user.MFA.Secret == nil {
		return MFAStatus{}, nil
	}
	remaining, err := f.BackupCodesRemaining(user)
	if err != nil {
		return MFAStatus{}, err
	}
	st := MFAStatus{
		Enabled:              user.MFA.Enabled,
		Pending:              !user.MFA.Enabled,
		BackupCodesRemaining: remaining,
	}
	if user.MFA.LockedUntil != nil && f.now().Before(*user.MFA.LockedUntil) {
		st.LockedUntil = user.MFA.LockedUntil
	}
	return st, nil
}

// legacySecret matches a base32 TOTP secret stored in plaintext by a release
// that predates field encryption.
var legacySecret = regexp.MustCompile(`^[A-Z2-7]+=*$`)

// credential decodes user's stored MFA state. A secret stored in plaintext
// by an older release is sealed and written back. A stored value that is
// neither a valid envelope nor a base32 secret is an error and is left as
// it is.
func (f *Facade) credential(ctx context.Context, user *storage.User) (*mfa.Credential, error) {
	if user.MFA.Secret == nil {
		return nil, ErrMFANotEnrolled
	}

	field, err := fieldcrypt.ParseStored(*user.MFA.Secret)
	if err != nil {
		f.metrics.crypto("reveal", err)
		return nil, fmt.Errorf("decode mfa secret: %w", err)
	}
	legacy := !field.IsSealed()
	if legacy {
		if !legacySecret.MatchString(*user.MFA.Secret) {
			return nil, fmt.Errorf("decode mfa secret: %w", fieldcrypt.ErrMalformedEnvelope)
		}
		sealed, err := field.Seal(f.cipher)
		if err != nil {
			return nil, fmt.Errorf("seal legacy mfa secret: %w", err)
		}
		field = sealed
	}
	env, _ := field.Envelope()

	codes, err := decodeBackupCodes(user.MFA.BackupCodes)
	if err != nil {
		return nil, err
	}

	cred := &mfa.Credential{
		Secret:         env,
		BackupCodes:    codes,
		FailedAttempts: uint32(user.MFA.FailedAttempts),
		LockedUntil:    user.MFA.LockedUntil,
		Enabled:        user.MFA.Enabled,
		EnabledAt:      user.MFA.EnabledAt,
		LastUsedStep:   user.MFA.LastUsedStep,
	}

	if legacy {
		if err := f.save(ctx, user, cred); err != nil {
			return nil, err
		}
		f.logger.Info("sealed legacy mfa secret", "user", MaskIdentifier(user.ID.String()))
	}
	return cred, nil
}

// save writes cred over the state user was loaded with and, on success,
// updates user to match.
func (f *Facade) save(ctx context.Context, user *storage.User, cred *mfa.Credential) error {
	next, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	if err := f.store.SaveMFA(ctx, user.ID, user.MFA, next); err != nil {
		if errors.Is(err, storage.ErrMFAChanged) {
			return err
		}
		return fmt.Errorf("save mfa: %w", err)
	}
	user.MFA = next
	return nil
}

func encodeCredential(cred *mfa.Credential) (storage.MFAColumns, error) {
	secret, err := cred.Secret.Encode()
	if err != nil {
		return storage.MFAColumns{}, fmt.Errorf("encode mfa secret: %w", err)
	}
	var codes []byte
	if cred.BackupCodes != nil {
		if codes, err = json.Marshal(cred.BackupCodes); err != nil {
			return storage.MFAColumns{}, fmt.Errorf("encode backup codes: %w", err)
		}
	}
	return storage.MFAColumns{
		Enabled:        cred.Enabled,
		Secret:         &secret,
		BackupCodes:    codes,
		FailedAttempts: int32(cred.FailedAttempts),
		LockedUntil:    cred.LockedUntil,
		EnabledAt:      cred.EnabledAt,
		LastUsedStep:   cred.LastUsedStep,
	}, nil
}

func decodeBackupCodes(raw []byte) ([]*fieldcrypt.Envelope, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var codes []*fieldcrypt.Envelope
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, fmt.Errorf("decode backup codes: %w", err)
	}
	return codes, nil
}
