package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMFAChanged is returned by SaveMFA when the stored state no longer
// matches the state the caller read.
var ErrMFAChanged = errors.New("mfa state changed concurrently")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `
	id, email, password_hash, status,
	mfa_enabled, mfa_secret, mfa_backup_codes, mfa_failed_attempts, mfa_locked_until, mfa_enabled_at,
	mfa_last_used_step
`

func scanUser(row pgx.Row) (*User, error) {
	var user User
	if err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Status,
		&user.MFA.Enabled, &user.MFA.Secret, &user.MFA.BackupCodes, &user.MFA.FailedAttempts, &user.MFA.LockedUntil, &user.MFA.EnabledAt,
		&user.MFA.LastUsedStep,
	); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// CreateUser inserts a user, or replaces the password of an existing one
// with the same email.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = now()
		RETURNING id
	`, uuid.New(), email, passwordHash, UserStatusActive).Scan(&id)
	return id, err
}

// SaveMFA replaces the MFA columns of userID with next, provided they still
// hold prev. ErrMFAChanged means another request won the race.
func (s *Store) SaveMFA(ctx context.Context, userID uuid.UUID, prev, next MFAColumns) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET mfa_enabled = $2,
		    mfa_secret = $3,
		    mfa_backup_codes = $4,
		    mfa_failed_attempts = $5,
		    mfa_locked_until = $6,
		    mfa_enabled_at = $7,
		    mfa_last_used_step = $8,
		    updated_at = now()
		WHERE id = $1
		  AND mfa_secret IS NOT DISTINCT FROM $9
		  AND mfa_backup_codes IS NOT DISTINCT FROM $10::jsonb
		  AND mfa_failed_attempts = $11
		  AND mfa_last_used_step = $12
	`, userID, next.Enabled, next.Secret, next.BackupCodes, next.FailedAttempts, next.LockedUntil, next.EnabledAt, next.LastUsedStep,
		prev.Secret, prev.BackupCodes, prev.FailedAttempts, prev.LastUsedStep)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMFAChanged
	}
	return nil
}

// ClearMFA removes the credential and backup codes of userID.
func (s *Store) ClearMFA(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET mfa_enabled = false,
		    mfa_secret = NULL,
		    mfa_backup_codes = NULL,
		    mfa_failed_attempts = 0,
		    mfa_locked_until = NULL,
		    mfa_enabled_at = NULL,
		    mfa_last_used_step = 0,
		    updated_at = now()
		WHERE id = $1
	`, userID)
	return err
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hash)

	var token RefreshToken
	if err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.RevokedAt); err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, ip string, userAgent string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at, created_ip, user_agent)
		VALUES ($1, $2, $3, now(), $4, $5)
		RETURNING id
	`, userID, tokenHash, expiresAt, ip, userAgent).Scan(&id)
	return id, err
}

func (s *Store) RevokeTokenByHash(ctx context.Context, hash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, hash)
	return err
}

func (s *Store) RevokeAllTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	return err
}

func (s *Store) RotateToken(ctx context.Context, oldTokenID uuid.UUID, userID uuid.UUID, newHash string, expiresAt time.Time, ip string, userAgent string) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var newID uuid.UUID
	if err := tx.QueryRow(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at, created_ip, user_agent)
		VALUES ($1, $2, $3, now(), $4, $5)
		RETURNING id
	`, userID, newHash, expiresAt, ip, userAgent).Scan(&newID); err != nil {
		return uuid.Nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now(), replaced_by = $2
		WHERE id = $1
	`, oldTokenID, newID); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}

	return newID, nil
}
