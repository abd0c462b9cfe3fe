package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"call-dispatcher/internal/audit"
	"call-dispatcher/internal/auth"
	"call-dispatcher/internal/dispatch"
	"call-dispatcher/internal/reporting"
	"call-dispatcher/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CycleGate bounds concurrent dispatch cycles across processes.
// utils.ConcurrencyCap satisfies it.
type CycleGate interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth          *auth.Manager
	Authenticator *auth.Authenticator

	Dispatch *dispatch.Service
	Lines    *dispatch.LineService
	Audit    *audit.Service
	Reports  *reporting.Service

	// CycleGate is optional.
	CycleGate CycleGate

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// actor reads identity injected by auth.RequireAccessToken.
func actor(c *gin.Context) audit.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}

func (h Handlers) record(c *gin.Context, typ audit.EventType, message string, metadata map[string]any) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(c.Request.Context(), typ, actor(c), message, metadata)
}

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges operator credentials for a token pair.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.Authenticator == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Username == "" || req.Password == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	op, err := h.Authenticator.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		logger.FromGin(c).Warn("login rejected", "username", req.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	pair, err := h.Auth.IssuePair(h.now(), op.Username, op.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Refresh issues a new pair. The role is looked up again so a demoted or
// removed operator cannot keep refreshing.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil || h.Authenticator == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}

	now := h.now()
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	op, ok := h.Authenticator.Lookup(claims.UserID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	pair, err := h.Auth.IssuePair(now, op.Username, op.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Me(c *gin.Context) {
	a := actor(c)
	c.JSON(http.StatusOK, gin.H{"user_id": a.UserID, "role": a.Role})
}

func internalError(c *gin.Context, msg string, err error) {
	logger.FromGin(c).Error(msg, "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
