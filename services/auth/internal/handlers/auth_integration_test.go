package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/AfshinJalili/authcore/libs/auth"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
	"github.com/AfshinJalili/authcore/services/auth/internal/security"
	"github.com/AfshinJalili/authcore/services/auth/internal/storage"
	"github.com/AfshinJalili/authcore/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	integrationEmail    = "integration@example.com"
	integrationPassword = "integration123"
)

// integrationRouter wires the handler to postgres for both users and the
// rate limiter, and seeds one active user.
func integrationRouter(t *testing.T) (*gin.Engine, *pgxpool.Pool, *storage.Store) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	ctx := context.Background()
	if err := testutil.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() { _ = testutil.CleanupTestData(context.Background(), pool) })

	store := storage.New(pool)
	hash, err := security.HashPassword(integrationPassword, security.Argon2Params{
		Memory: 64 * 1024, Iterations: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := store.CreateUser(ctx, integrationEmail, hash); err != nil {
		t.Fatalf("create user: %v", err)
	}

	now := time.Now()
	facade := newFacade(t, store, rate.NewPostgres(pool), now)
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	handler := NewAuthHandler(store, facade, logger, TokenConfig{
		Secret:     testSecret,
		Issuer:     "authcore",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
	})
	handler.Clock = fakeClock{now: now}

	return newRouter(handler), pool, store
}

func login(t *testing.T, router *gin.Engine, req loginRequest) authResponse {
	t.Helper()
	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", req)
	if resp.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var out authResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestLoginIntegration(t *testing.T) {
	router, _, _ := integrationRouter(t)

	t.Run("success with valid credentials", func(t *testing.T) {
		out := login(t, router, loginRequest{Email: integrationEmail, Password: integrationPassword})
		if out.AccessToken == "" || out.RefreshToken == "" {
			t.Fatal("expected tokens")
		}
	})

	t.Run("invalid email", func(t *testing.T) {
		resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{
			Email:    "nonexistent@example.com",
			Password: integrationPassword,
		})
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
	})

	t.Run("malformed JSON payload", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("invalid json"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)
	})

	t.Run("missing password field", func(t *testing.T) {
		resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
			"email": integrationEmail,
		})
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	})

	t.Run("SQL injection attempt", func(t *testing.T) {
		resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{
			Email:    integrationEmail + "' OR '1'='1",
			Password: integrationPassword,
		})
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
	})

	t.Run("rate limiting", func(t *testing.T) {
		var resp *httptest.ResponseRecorder
		for i := 0; i < 4; i++ {
			resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{
				Email:    integrationEmail,
				Password: "wrong",
			})
		}
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
		if resp.Header().Get("Retry-After") == "" {
			t.Fatal("expected Retry-After header")
		}

		other := testutil.Do(router, testutil.Request{
			Method:   http.MethodPost,
			Path:     "/auth/login",
			Body:     loginRequest{Email: integrationEmail, Password: integrationPassword},
			RemoteIP: "198.51.100.7",
		})
		testutil.AssertHTTPStatus(t, other, http.StatusOK)
	})
}

func TestMFAIntegration(t *testing.T) {
	router, pool, store := integrationRouter(t)
	ctx := context.Background()
	now := time.Now()

	setup := enableMFA(t, router, integrationEmail, integrationPassword, now)

	user, err := store.GetUserByEmail(ctx, integrationEmail)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	if !user.MFA.Enabled || user.MFA.Secret == nil || strings.Contains(*user.MFA.Secret, setup.ManualKey) {
		t.Fatalf("expected sealed, enabled credential")
	}

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{
		Email:    integrationEmail,
		Password: integrationPassword,
	})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeMFARequired)

	out := login(t, router, loginRequest{Email: integrationEmail, Password: integrationPassword, MFACode: setup.BackupCodes[0]})
	if out.BackupCodesRemaining == nil || *out.BackupCodesRemaining != len(setup.BackupCodes)-1 {
		t.Fatalf("unexpected remaining %v", out.BackupCodesRemaining)
	}

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{
		Email:    integrationEmail,
		Password: integrationPassword,
		MFACode:  setup.BackupCodes[0],
	})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidMFACode)

	var failed int
	if err := pool.QueryRow(ctx, `SELECT mfa_failed_attempts FROM users WHERE email = $1`, integrationEmail).Scan(&failed); err != nil {
		t.Fatalf("query: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", failed)
	}
}

func TestLegacyMFASecretIntegration(t *testing.T) {
	router, pool, _ := integrationRouter(t)
	ctx := context.Background()
	now := time.Now()

	const secret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	if _, err := pool.Exec(ctx, `
		UPDATE users SET mfa_enabled = true, mfa_secret = $2, mfa_enabled_at = now() WHERE email = $1
	`, integrationEmail, secret); err != nil {
		t.Fatalf("store legacy secret: %v", err)
	}

	login(t, router, loginRequest{Email: integrationEmail, Password: integrationPassword, MFACode: totpCode(t, secret, now)})

	var stored string
	if err := pool.QueryRow(ctx, `SELECT mfa_secret FROM users WHERE email = $1`, integrationEmail).Scan(&stored); err != nil {
		t.Fatalf("query: %v", err)
	}
	if stored == secret || !strings.HasPrefix(stored, "{") {
		t.Fatalf("expected secret sealed at rest, got %q", stored)
	}
}

func TestMFAStatusIntegration(t *testing.T) {
	router, _, store := integrationRouter(t)
	ctx := context.Background()

	user, err := store.GetUserByEmail(ctx, integrationEmail)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}

	t.Run("password login token", func(t *testing.T) {
		token, err := testutil.GenerateJWT(user.ID, []byte(testSecret), 15*time.Minute, time.Now(), auth.AMRPassword)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		resp := testutil.MakeAuthRequest(router, http.MethodGet, "/auth/mfa/status", nil, token)
		testutil.AssertHTTPStatus(t, resp, http.StatusOK)

		var status mfaStatusResponse
		if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if status.Enabled || status.Pending || status.BackupCodesRemaining != 0 {
			t.Fatalf("unexpected status %+v", status)
		}
	})

	t.Run("token without password method", func(t *testing.T) {
		token, err := testutil.GenerateJWT(user.ID, []byte(testSecret), 15*time.Minute, time.Now())
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		resp := testutil.MakeAuthRequest(router, http.MethodGet, "/auth/mfa/status", nil, token)
		testutil.AssertHTTPStatus(t, resp, http.StatusForbidden)
	})
}

func TestRefreshIntegration(t *testing.T) {
	router, pool, store := integrationRouter(t)
	ctx := context.Background()

	t.Run("token rotation and reuse", func(t *testing.T) {
		first := login(t, router, loginRequest{Email: integrationEmail, Password: integrationPassword})

		resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
		}
		var out authResponse
		if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if out.RefreshToken == first.RefreshToken {
			t.Fatal("expected token rotation")
		}

		reuse := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken})
		testutil.AssertErrorCode(t, reuse, testutil.ErrorCodeUnauthorized)
	})

	t.Run("expired token", func(t *testing.T) {
		user, err := store.GetUserByEmail(ctx, integrationEmail)
		if err != nil {
			t.Fatalf("load user: %v", err)
		}
		expiredTime := time.Now().Add(-1 * time.Hour)
		_, err = pool.Exec(ctx, `
			INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, uuid.New(), user.ID, security.HashToken("expired-token"), expiredTime, expiredTime)
		if err != nil {
			t.Fatalf("insert expired token: %v", err)
		}

		resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: "expired-token"})
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
	})

	t.Run("revoked token", func(t *testing.T) {
		out := login(t, router, loginRequest{Email: integrationEmail, Password: integrationPassword})
		testutil.MakeAPIRequest(router, http.MethodPost, "/auth/logout", refreshRequest{RefreshToken: out.RefreshToken})

		resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: out.RefreshToken})
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
	})

	t.Run("missing refresh_token field", func(t *testing.T) {
		resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", map[string]string{})
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	})
}
