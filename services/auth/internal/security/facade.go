package security

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
	"github.com/AfshinJalili/authcore/libs/kafka"
	"github.com/AfshinJalili/authcore/libs/trace"
	"github.com/AfshinJalili/authcore/services/auth/internal/mfa"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
	"github.com/AfshinJalili/authcore/services/auth/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// CredentialStore persists MFA columns. SaveMFA must fail with
// storage.ErrMFAChanged when the row no longer holds prev.
type CredentialStore interface {
	SaveMFA(ctx context.Context, userID uuid.UUID, prev, next storage.MFAColumns) error
	ClearMFA(ctx context.Context, userID uuid.UUID) error
}

type FacadeConfig struct {
	Cipher  *fieldcrypt.Cipher
	TOTP    *mfa.TOTP
	Backup  *mfa.BackupVault
	Limiter *rate.Limiter
	Store   CredentialStore

	// Events is optional; security events are dropped when nil.
	Events      kafka.Publisher
	EventsTopic string

	Logger  *slog.Logger
	Metrics *Metrics
	Clock   func() time.Time
}

// Facade is the single entry point login and setup handlers use for field
// protection, MFA and request gating.
type Facade struct {
	cipher  *fieldcrypt.Cipher
	totp    *mfa.TOTP
	backup  *mfa.BackupVault
	limiter *rate.Limiter
	store   CredentialStore
	events  kafka.Publisher
	topic   string
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewFacade(cfg FacadeConfig) *Facade {
	f := &Facade{
		cipher:  cfg.Cipher,
		totp:    cfg.TOTP,
		backup:  cfg.Backup,
		limiter: cfg.Limiter,
		store:   cfg.Store,
		events:  cfg.Events,
		topic:   cfg.EventsTopic,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Clock,
	}
	if f.logger == nil {
		f.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.topic == "" {
		f.topic = kafka.TopicSecurityEvents
	}
	return f
}

// ProtectField encrypts plaintext and returns the form to store.
func (f *Facade) ProtectField(plaintext string) (string, error) {
	stored, err := f.cipher.ProtectString(plaintext)
	f.metrics.crypto("protect", err)
	return stored, err
}

// RevealField returns the plaintext of a stored value. Values written before
// encryption was enabled pass through unchanged. A damaged envelope is
// reported, never returned as plaintext.
func (f *Facade) RevealField(stored string) (string, error) {
	field, err := fieldcrypt.ParseStored(stored)
	if err != nil {
		f.metrics.crypto("reveal", err)
		return "", err
	}
	plaintext, err := field.Open(f.cipher)
	f.metrics.crypto("reveal", err)
	return plaintext, err
}

// Gate counts one attempt of op by identifier.
func (f *Facade) Gate(ctx context.Context, identifier string, op rate.Operation) (rate.Decision, error) {
	ctx, span := trace.Start(ctx, "security.gate", attribute.String("operation", string(op)))
	d, err := f.limiter.Check(ctx, identifier, op, f.now())
	trace.End(span, err)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		f.logger.Warn("request rate limited",
			"operation", string(op),
			"identifier", MaskIdentifier(identifier),
			"retry_after_seconds", d.RetryAfterSeconds(),
		)
	}
	return d, nil
}

// RecordFailure counts a failed credential check against identifier.
func (f *Facade) RecordFailure(ctx context.Context, identifier string, op rate.Operation) (rate.Decision, error) {
	d, err := f.limiter.RecordFailure(ctx, identifier, op, f.now())
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		f.publish(ctx, EventRateLimitBlocked, identifier, map[string]string{
			"operation":   string(op),
			"block_until": d.ResetTime.UTC().Format(time.RFC3339),
		})
	}
	return d, nil
}

// ResetLimit clears identifier's counter for op after a verified success.
func (f *Facade) ResetLimit(ctx context.Context, identifier string, op rate.Operation) error {
	return f.limiter.Reset(ctx, identifier, op)
}
