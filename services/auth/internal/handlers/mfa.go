package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/AfshinJalili/authcore/libs/auth"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
	"github.com/AfshinJalili/authcore/services/auth/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type mfaSetupResponse struct {
	ProvisioningURI string   `json:"provisioning_uri"`
	ManualKey       string   `json:"manual_key"`
	BackupCodes     []string `json:"backup_codes"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

type mfaStatusResponse struct {
	Enabled              bool       `json:"enabled"`
	Pending              bool       `json:"pending"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
	LockedUntil          *time.Time `json:"locked_until,omitempty"`
}

func (h *AuthHandler) MFAStatus(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	st, err := h.Security.MFAStatus(user)
	if err != nil {
		h.writeSecurityError(c, err)
		return
	}
	c.JSON(http.StatusOK, mfaStatusResponse{
		Enabled:              st.Enabled,
		Pending:              st.Pending,
		BackupCodesRemaining: st.BackupCodesRemaining,
		LockedUntil:          st.LockedUntil,
	})
}

// SetupMFA returns the secret and backup codes. They are never shown again.
func (h *AuthHandler) SetupMFA(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	enr, err := h.Security.EnrollMFA(c.Request.Context(), user)
	if err != nil {
		h.writeSecurityError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, mfaSetupResponse{
		ProvisioningURI: enr.ProvisioningURI,
		ManualKey:       enr.ManualKey,
		BackupCodes:     enr.BackupCodes,
	})
}

func (h *AuthHandler) ActivateMFA(c *gin.Context) {
	var req mfaCodeRequest
	if !bindCode(c, &req) {
		return
	}
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.Security.ActivateMFA(ctx, user, req.Code); err != nil {
		h.writeSecurityError(c, err)
		return
	}
	if err := h.Security.ResetLimit(ctx, user.ID.String(), rate.OpSetup); err != nil {
		h.Logger.Warn("reset setup rate limit failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (h *AuthHandler) RegenerateBackupCodes(c *gin.Context) {
	var req mfaCodeRequest
	if !bindCode(c, &req) {
		return
	}
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	codes, err := h.Security.RegenerateBackupCodes(c.Request.Context(), user, req.Code)
	if err != nil {
		h.writeSecurityError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

func (h *AuthHandler) DisableMFA(c *gin.Context) {
	var req mfaCodeRequest
	if !bindCode(c, &req) {
		return
	}
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if err := h.Security.DisableMFA(c.Request.Context(), user, req.Code); err != nil {
		h.writeSecurityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

func bindCode(c *gin.Context, req *mfaCodeRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil || req.Code == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return false
	}
	return true
}

func (h *AuthHandler) currentUser(c *gin.Context) (*storage.User, bool) {
	id, err := uuid.Parse(c.GetString(auth.ContextUserIDKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
		return nil, false
	}
	user, err := h.Store.GetUserByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
			return nil, false
		}
		h.Logger.Error("user lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return nil, false
	}
	return user, true
}
