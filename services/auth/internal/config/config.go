package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/authcore/libs/config"
	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
	"github.com/AfshinJalili/authcore/libs/kafka"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RateLimitConfig struct {
	Backend     string
	FailureMode rate.FailureMode
	// Policies holds only the operations overridden from the environment.
	Policies rate.Policies
	Redis    RedisConfig
}

// SecurityConfig holds field encryption key material and MFA settings.
type SecurityConfig struct {
	EncryptionKey  string
	EncryptionSalt string
	MFAIssuer      string
}

type KafkaConfig struct {
	Brokers  []string
	ClientID string
	Topic    string
	DLQTopic string
}

type Config struct {
	App             base.AppConfig
	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	DB              DBConfig
	RateLimit       RateLimitConfig
	Security        SecurityConfig
	Kafka           KafkaConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("AUTHCORE_CONFIG"))
	if err != nil {
		return nil, err
	}

	policies, err := policyOverrides()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:             *appCfg,
		JWTSecret:       envString("AUTHCORE_JWT_SECRET", ""),
		JWTIssuer:       envString("AUTHCORE_JWT_ISSUER", "authcore"),
		AccessTokenTTL:  envDuration("AUTHCORE_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: envDuration("AUTHCORE_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "authcore"),
			User:     envString("POSTGRES_USER", "authcore"),
			Password: envString("POSTGRES_PASSWORD", "authcore"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		RateLimit: RateLimitConfig{
			Backend:     strings.ToLower(envString("AUTHCORE_RATE_LIMIT_BACKEND", BackendPostgres)),
			FailureMode: rate.FailureMode(strings.ToLower(envString("AUTHCORE_RATE_LIMIT_FAILURE_MODE", string(rate.FailClosed)))),
			Policies:    policies,
			Redis: RedisConfig{
				Addr:     envString("AUTHCORE_REDIS_ADDR", ""),
				Password: envString("AUTHCORE_REDIS_PASSWORD", ""),
				DB:       envInt("AUTHCORE_REDIS_DB", 0),
				Prefix:   envString("AUTHCORE_RATE_LIMIT_REDIS_PREFIX", rate.DefaultRedisPrefix),
			},
		},
		Security: SecurityConfig{
			EncryptionKey:  os.Getenv("ENCRYPTION_KEY"),
			EncryptionSalt: os.Getenv("ENCRYPTION_SALT"),
			MFAIssuer:      envString("AUTHCORE_MFA_ISSUER", "Authcore"),
		},
		Kafka: KafkaConfig{
			Brokers:  envList("AUTHCORE_KAFKA_BROKERS"),
			ClientID: envString("AUTHCORE_KAFKA_CLIENT_ID", "authcore-auth"),
			Topic:    envString("AUTHCORE_KAFKA_TOPIC", kafka.TopicSecurityEvents),
			DLQTopic: envString("AUTHCORE_KAFKA_DLQ_TOPIC", kafka.TopicDeadLetter),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("AUTHCORE_JWT_SECRET must be set")
	}
	if c.Security.EncryptionKey == "" || c.Security.EncryptionSalt == "" {
		return fmt.Errorf("ENCRYPTION_KEY and ENCRYPTION_SALT: %w", fieldcrypt.ErrConfiguration)
	}

	switch c.RateLimit.Backend {
	case BackendPostgres, BackendMemory:
	case BackendRedis:
		if c.RateLimit.Redis.Addr == "" {
			return fmt.Errorf("AUTHCORE_REDIS_ADDR must be set for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}

	switch c.RateLimit.FailureMode {
	case rate.FailClosed, rate.FailOpen:
	default:
		return fmt.Errorf("unknown rate limit failure mode %q", c.RateLimit.FailureMode)
	}
	return nil
}

// policyOverrides reads AUTHCORE_RATE_LIMIT_<OP>_{WINDOW,MAX_ATTEMPTS,BLOCK}.
// Unset fields keep the built-in value for that operation.
func policyOverrides() (rate.Policies, error) {
	out := rate.Policies{}
	for op, def := range rate.DefaultPolicies() {
		prefix := "AUTHCORE_RATE_LIMIT_" + strings.ToUpper(string(op)) + "_"
		windowKey, maxKey, blockKey := prefix+"WINDOW", prefix+"MAX_ATTEMPTS", prefix+"BLOCK"
		if os.Getenv(windowKey) == "" && os.Getenv(maxKey) == "" && os.Getenv(blockKey) == "" {
			continue
		}

		p := rate.Policy{
			Window:        envDuration(windowKey, def.Window),
			MaxAttempts:   envInt(maxKey, def.MaxAttempts),
			BlockDuration: envDuration(blockKey, def.BlockDuration),
		}
		if p.Window <= 0 || p.MaxAttempts <= 0 || p.BlockDuration <= 0 {
			return nil, fmt.Errorf("invalid rate limit policy for %s", op)
		}
		out[op] = p
	}
	return out, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
