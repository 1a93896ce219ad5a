package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/authcore/services/auth/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/argon2"
)

var (
	demoUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	opsUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func main() {
	env := getEnv("AUTHCORE_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: AUTHCORE_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "authcore")
	user := getEnv("POSTGRES_USER", "authcore")
	password := getEnv("POSTGRES_PASSWORD", "authcore")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Migrating database...")
	if err := migrations.Up(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedUsers(ctx, pool); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")

		seeded, err := seedSealedMFAUser(ctx, pool, os.Getenv("ENCRYPTION_KEY"), os.Getenv("ENCRYPTION_SALT"))
		if err != nil {
			log.Fatalf("seed sealed mfa user: %v", err)
		}
		if seeded {
			fmt.Println("✓ Sealed MFA user seeded")
		}
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Credentials:")
	fmt.Println("  Email: demo@example.com")
	fmt.Println("  Password: demo123")
	fmt.Println("  Email: ops@example.com")
	fmt.Println("  Password: ops123")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

type argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var defaultParams = argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// hashPassword writes the same encoding the auth service verifies.
func hashPassword(password string, params argon2Params) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s", argon2.Version, params.Memory, params.Iterations, params.Parallelism, b64Salt, b64Hash)
	return encoded, nil
}

type seedUser struct {
	id       uuid.UUID
	email    string
	password string
	status   string
}

func upsertUser(ctx context.Context, pool *pgxpool.Pool, u seedUser) error {
	hash, err := hashPassword(u.password, defaultParams)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", u.email, err)
	}

	now := time.Now()
	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE
		SET password_hash = EXCLUDED.password_hash,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`, u.id, u.email, hash, u.status, now, now)
	return err
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	for _, u := range []seedUser{
		{id: demoUserID, email: "demo@example.com", password: "demo123", status: "active"},
		{id: opsUserID, email: "ops@example.com", password: "ops123", status: "active"},
	} {
		if err := upsertUser(ctx, pool, u); err != nil {
			return err
		}
	}
	return nil
}
