package main

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// legacyMFASecret is stored in plaintext, the way rows written before field
// encryption look. The auth service seals it on first use.
const legacyMFASecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	legacyUserID := uuid.MustParse("00000000-0000-0000-0000-000000000003")
	suspendedUserID := uuid.MustParse("00000000-0000-0000-0000-000000000004")

	if err := upsertUser(ctx, pool, seedUser{id: legacyUserID, email: "mfa@example.com", password: "mfa123", status: "active"}); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, `
		UPDATE users
		SET mfa_enabled = true,
		    mfa_secret = $2,
		    mfa_backup_codes = NULL,
		    mfa_failed_attempts = 0,
		    mfa_locked_until = NULL,
		    mfa_enabled_at = now(),
		    mfa_last_used_step = 0
		WHERE email = $1
	`, "mfa@example.com", legacyMFASecret)
	if err != nil {
		return err
	}

	return upsertUser(ctx, pool, seedUser{id: suspendedUserID, email: "suspended@example.com", password: "suspended123", status: "suspended"})
}

// userFields names the users columns the auth service keeps sealed.
var userFields = fieldcrypt.ModelFields{"users": {"mfa_secret"}}

// sealedMFASecret seals secret the way the auth service stores it, using the
// service's ENCRYPTION_KEY and ENCRYPTION_SALT.
func sealedMFASecret(passphrase, salt, secret string) (string, error) {
	km, err := fieldcrypt.NewKeyMaterial(passphrase, salt)
	if err != nil {
		return "", err
	}
	c, err := fieldcrypt.NewCipher(km)
	if err != nil {
		return "", err
	}
	record := map[string]any{"mfa_secret": secret}
	if err := fieldcrypt.NewTransformer(c, userFields).ProtectRecord("users", record); err != nil {
		return "", err
	}
	return record["mfa_secret"].(string), nil
}

// seedSealedMFAUser adds an MFA user whose secret is already sealed. It is
// skipped unless both encryption variables are set.
func seedSealedMFAUser(ctx context.Context, pool *pgxpool.Pool, passphrase, salt string) (bool, error) {
	if passphrase == "" || salt == "" {
		return false, nil
	}
	stored, err := sealedMFASecret(passphrase, salt, legacyMFASecret)
	if err != nil {
		return false, fmt.Errorf("seal mfa secret: %w", err)
	}

	sealedUserID := uuid.MustParse("00000000-0000-0000-0000-000000000005")
	if err := upsertUser(ctx, pool, seedUser{id: sealedUserID, email: "mfa-sealed@example.com", password: "mfa123", status: "active"}); err != nil {
		return false, err
	}
	_, err = pool.Exec(ctx, `
		UPDATE users
		SET mfa_enabled = true,
		    mfa_secret = $2,
		    mfa_backup_codes = NULL,
		    mfa_failed_attempts = 0,
		    mfa_locked_until = NULL,
		    mfa_enabled_at = now(),
		    mfa_last_used_step = 0
		WHERE email = $1
	`, "mfa-sealed@example.com", stored)
	return err == nil, err
}
