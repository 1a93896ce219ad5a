package config

import (
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHCORE_CONFIG", t.TempDir()+"/missing.yaml")
	t.Setenv("AUTHCORE_JWT_SECRET", "test-secret")
	t.Setenv("ENCRYPTION_KEY", "test-key")
	t.Setenv("ENCRYPTION_SALT", "test-salt")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RateLimit.Backend != BackendPostgres {
		t.Fatalf("backend %q, want postgres", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.FailureMode != rate.FailClosed {
		t.Fatalf("failure mode %q, want closed", cfg.RateLimit.FailureMode)
	}
	if len(cfg.RateLimit.Policies) != 0 {
		t.Fatalf("expected no policy overrides, got %v", cfg.RateLimit.Policies)
	}
	if cfg.Kafka.Topic != "security.events" || len(cfg.Kafka.Brokers) != 0 {
		t.Fatalf("unexpected kafka config %+v", cfg.Kafka)
	}
	if cfg.Security.MFAIssuer != "Authcore" {
		t.Fatalf("issuer %q", cfg.Security.MFAIssuer)
	}
}

func TestLoadRequiresEncryptionKey(t *testing.T) {
	setRequired(t)
	t.Setenv("ENCRYPTION_SALT", "")

	_, err := Load()
	if !errors.Is(err, fieldcrypt.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadPolicyOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_RATE_LIMIT_MFA_MAX_ATTEMPTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, ok := cfg.RateLimit.Policies[rate.OpMFA]
	if !ok {
		t.Fatalf("expected mfa override")
	}
	if p.MaxAttempts != 7 || p.Window != 5*time.Minute || p.BlockDuration != 30*time.Minute {
		t.Fatalf("unexpected policy %+v", p)
	}
	if _, ok := cfg.RateLimit.Policies[rate.OpAuth]; ok {
		t.Fatalf("auth should keep defaults")
	}
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_RATE_LIMIT_AUTH_MAX_ATTEMPTS", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadBackendValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "memory", env: map[string]string{"AUTHCORE_RATE_LIMIT_BACKEND": "memory"}},
		{name: "redis without addr", env: map[string]string{"AUTHCORE_RATE_LIMIT_BACKEND": "redis"}, wantErr: true},
		{name: "redis", env: map[string]string{"AUTHCORE_RATE_LIMIT_BACKEND": "redis", "AUTHCORE_REDIS_ADDR": "localhost:6379"}},
		{name: "unknown backend", env: map[string]string{"AUTHCORE_RATE_LIMIT_BACKEND": "etcd"}, wantErr: true},
		{name: "fail open", env: map[string]string{"AUTHCORE_RATE_LIMIT_FAILURE_MODE": "OPEN"}},
		{name: "unknown mode", env: map[string]string{"AUTHCORE_RATE_LIMIT_FAILURE_MODE": "maybe"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("AUTHCORE_KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	got := envList("AUTHCORE_KAFKA_BROKERS")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
}
