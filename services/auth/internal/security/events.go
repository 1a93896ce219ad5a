package security

import (
	"context"
	"time"

	"github.com/AfshinJalili/authcore/libs/httpmiddleware"
	"github.com/AfshinJalili/authcore/libs/kafka"
)

const (
	EventMFAEnrolled        = "mfa.enrolled"
	EventMFAActivated       = "mfa.activated"
	EventMFADisabled        = "mfa.disabled"
	EventMFALocked          = "mfa.locked"
	EventBackupCodeUsed     = "mfa.backup_code_used"
	EventBackupCodesRenewed = "mfa.backup_codes_regenerated"
	EventRateLimitBlocked   = "rate_limit.blocked"
)

const (
	securityEventVersion = 1
	publishTimeout       = 2 * time.Second
)

// SecurityEvent is published for state changes an operator may want to
// audit. Subject is always masked.
type SecurityEvent struct {
	kafka.Envelope
	Subject    string            `json:"subject"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (f *Facade) publish(ctx context.Context, eventType, subject string, attrs map[string]string) {
	if f.events == nil {
		return
	}
	env, err := kafka.NewEnvelope(eventType, securityEventVersion, httpmiddleware.RequestIDFromContext(ctx))
	if err != nil {
		f.logger.Error("build security event failed", "event_type", eventType, "error", err)
		return
	}
	event := SecurityEvent{
		Envelope:   env,
		Subject:    MaskIdentifier(subject),
		Attributes: attrs,
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if _, _, err := f.events.PublishJSON(pubCtx, f.topic, event.Subject, event); err != nil {
		f.logger.Warn("publish security event failed", "event_type", eventType, "error", err)
	}
}
