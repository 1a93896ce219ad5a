package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/AfshinJalili/authcore/libs/auth"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
	"github.com/AfshinJalili/authcore/services/auth/internal/security"
	"github.com/AfshinJalili/authcore/services/auth/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"log/slog"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*storage.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*storage.User, error)
	GetRefreshTokenByHash(ctx context.Context, hash string) (*storage.RefreshToken, error)
	CreateRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, ip string, userAgent string) (uuid.UUID, error)
	RotateToken(ctx context.Context, oldTokenID uuid.UUID, userID uuid.UUID, newHash string, expiresAt time.Time, ip string, userAgent string) (uuid.UUID, error)
	RevokeTokenByHash(ctx context.Context, hash string) error
	RevokeAllTokens(ctx context.Context, userID uuid.UUID) error
}

// TokenConfig controls the tokens issued by the handler.
type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type AuthHandler struct {
	Store      Store
	Security   *security.Facade
	Logger     *slog.Logger
	JWTSecret  []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	TokenGen   security.TokenGenerator
	Clock      Clock
	Issuer     string
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	MFACode  string `json:"mfa_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	// BackupCodesRemaining is set when the login consumed a backup code.
	BackupCodesRemaining *int `json:"backup_codes_remaining,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewAuthHandler(store Store, facade *security.Facade, logger *slog.Logger, tokens TokenConfig) *AuthHandler {
	return &AuthHandler{
		Store:      store,
		Security:   facade,
		Logger:     logger,
		JWTSecret:  []byte(tokens.Secret),
		AccessTTL:  tokens.AccessTTL,
		RefreshTTL: tokens.RefreshTTL,
		TokenGen:   security.DefaultTokenGenerator{},
		Clock:      systemClock{},
		Issuer:     tokens.Issuer,
	}
}

func (h *AuthHandler) RegisterRoutes(r *gin.Engine) {
	apiGate := RateLimit(h.Security, rate.OpAPI, ClientIPKey)

	r.POST("/auth/login", RateLimit(h.Security, rate.OpAuth, ClientIPKey), h.Login)
	r.POST("/auth/refresh", apiGate, h.Refresh)
	r.POST("/auth/logout", apiGate, h.Logout)

	mfa := r.Group("/auth/mfa", auth.Middleware(h.JWTSecret), auth.RequireAMR(auth.AMRPassword))
	mfa.GET("/status", h.MFAStatus)
	mfa.POST("/setup", RateLimit(h.Security, rate.OpSetup, SubjectKey), h.SetupMFA)
	mfa.POST("/activate", RateLimit(h.Security, rate.OpSetup, SubjectKey), h.ActivateMFA)
	mfa.POST("/backup-codes", h.RegenerateBackupCodes)
	mfa.POST("/disable", h.DisableMFA)
}

// Login runs behind the per-IP auth gate. A wrong password also counts as a
// failure against the same IP, so sustained guessing escalates the block.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()

	user, err := h.Store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			security.BurnPasswordCheck(req.Password)
			h.loginFailed(c, ip)
			return
		}
		h.Logger.Error("login lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	ok, err := security.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok || user.Status != storage.UserStatusActive {
		h.loginFailed(c, ip)
		return
	}

	amr := []string{auth.AMRPassword}
	var backupRemaining *int
	if user.MFA.Enabled {
		if strings.TrimSpace(req.MFACode) == "" {
			c.JSON(http.StatusUnauthorized, errorResponse{Code: "MFA_REQUIRED", Message: "mfa code required"})
			return
		}
		res, err := h.Security.VerifyMFAFactor(ctx, user, req.MFACode)
		if err != nil {
			h.writeSecurityError(c, err)
			return
		}
		amr = append(amr, auth.AMRMFA)
		if res.Method == security.MethodTOTP {
			amr = append(amr, auth.AMROTP)
		} else {
			backupRemaining = &res.BackupCodesRemaining
		}
	}

	if err := h.Security.ResetLimit(ctx, ip, rate.OpAuth); err != nil {
		h.Logger.Warn("reset login rate limit failed", "error", err)
	}

	resp, err := h.issueTokens(c, user.ID, amr)
	if err != nil {
		h.Logger.Error("issue tokens failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	resp.BackupCodesRemaining = backupRemaining
	c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) loginFailed(c *gin.Context, ip string) {
	d, err := h.Security.RecordFailure(c.Request.Context(), ip, rate.OpAuth)
	if err != nil {
		h.Logger.Warn("record login failure failed", "error", err)
	} else {
		setRateLimitHeaders(c, d)
	}
	c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid credentials"})
}

func (h *AuthHandler) issueTokens(c *gin.Context, userID uuid.UUID, amr []string) (authResponse, error) {
	now := h.Clock.Now()
	access, err := security.NewAccessToken(security.AccessTokenParams{
		UserID: userID.String(),
		Roles:  []string{"user"},
		Scopes: []string{"read"},
		AMR:    amr,
		Issuer: h.Issuer,
		TTL:    h.AccessTTL,
	}, h.JWTSecret, now)
	if err != nil {
		return authResponse{}, err
	}

	refreshToken, refreshHash, err := h.TokenGen.New()
	if err != nil {
		return authResponse{}, err
	}

	if _, err := h.Store.CreateRefreshToken(c.Request.Context(), userID, refreshHash, now.Add(h.RefreshTTL), c.ClientIP(), c.Request.UserAgent()); err != nil {
		return authResponse{}, err
	}

	return authResponse{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(h.AccessTTL.Seconds()),
	}, nil
}

// Refresh rotates a refresh token. The new access token carries no
// authentication methods, so MFA management needs a fresh login.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	providedHash := security.HashToken(req.RefreshToken)

	token, err := h.Store.GetRefreshTokenByHash(c.Request.Context(), providedHash)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
		return
	}

	if token.RevokedAt != nil {
		_ = h.Store.RevokeAllTokens(c.Request.Context(), token.UserID)
		h.Logger.Warn("refresh token reuse detected", "user", security.MaskIdentifier(token.UserID.String()))
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "token reuse detected"})
		return
	}

	now := h.Clock.Now()
	if token.ExpiresAt.Before(now) {
		_ = h.Store.RevokeTokenByHash(c.Request.Context(), providedHash)
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "token expired"})
		return
	}

	newToken, newHash, err := h.TokenGen.New()
	if err != nil {
		h.Logger.Error("refresh token generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	_, err = h.Store.RotateToken(c.Request.Context(), token.ID, token.UserID, newHash, now.Add(h.RefreshTTL), c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		h.Logger.Error("token rotation failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	access, err := security.NewAccessToken(security.AccessTokenParams{
		UserID: token.UserID.String(),
		Roles:  []string{"user"},
		Scopes: []string{"read"},
		Issuer: h.Issuer,
		TTL:    h.AccessTTL,
	}, h.JWTSecret, now)
	if err != nil {
		h.Logger.Error("jwt sign failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	c.JSON(http.StatusOK, authResponse{
		AccessToken:  access,
		RefreshToken: newToken,
		ExpiresIn:    int64(h.AccessTTL.Seconds()),
	})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	if err := h.Store.RevokeTokenByHash(c.Request.Context(), security.HashToken(req.RefreshToken)); err != nil {
		h.Logger.Error("revoke token failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeSecurityError maps facade outcomes to coarse HTTP responses.
func (h *AuthHandler) writeSecurityError(c *gin.Context, err error) {
	var limited *security.RateLimitError
	switch {
	case errors.As(err, &limited):
		abortRateLimited(c, limited.Decision)
	case errors.Is(err, rate.ErrStoreUnavailable):
		abortGateError(c, rate.Decision{}, err)
	case errors.Is(err, security.ErrInvalidMFACode):
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "INVALID_MFA_CODE", Message: "invalid code"})
	case errors.Is(err, security.ErrMFALocked):
		c.JSON(http.StatusLocked, errorResponse{Code: "MFA_LOCKED", Message: "too many failed attempts, try again later"})
	case errors.Is(err, security.ErrMFANotEnrolled):
		c.JSON(http.StatusConflict, errorResponse{Code: "MFA_NOT_ENROLLED", Message: "mfa is not set up"})
	case errors.Is(err, security.ErrMFAAlreadyEnabled):
		c.JSON(http.StatusConflict, errorResponse{Code: "MFA_ALREADY_ENABLED", Message: "mfa is already enabled"})
	case errors.Is(err, storage.ErrMFAChanged):
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "request conflicted, retry"})
	default:
		h.Logger.Error("security operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}
