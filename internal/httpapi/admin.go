package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"call-dispatcher/internal/audit"
	"call-dispatcher/internal/calls"
	"call-dispatcher/internal/dispatch"

	"github.com/gin-gonic/gin"
)

type upsertLineRequest struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	IsActive    *bool  `json:"is_active"`
	DailyLimit  int    `json:"daily_limit"`
}

func (h Handlers) ListLines(c *gin.Context) {
	if h.Lines == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lines not configured"})
		return
	}
	lines, err := h.Lines.List(c.Request.Context())
	if err != nil {
		internalError(c, "list lines failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// UpsertLine creates or replaces a line. is_active defaults to true.
func (h Handlers) UpsertLine(c *gin.Context) {
	if h.Lines == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lines not configured"})
		return
	}
	var req upsertLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	line, err := h.Lines.Upsert(c.Request.Context(), calls.LineResource{
		ID:          req.ID,
		PhoneNumber: req.PhoneNumber,
		IsActive:    active,
		DailyLimit:  req.DailyLimit,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidLine) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		internalError(c, "upsert line failed", err)
		return
	}

	h.record(c, audit.EventTypeLineChanged, "line upserted", map[string]any{
		"line_id":     line.ID,
		"daily_limit": line.DailyLimit,
		"is_active":   line.IsActive,
	})
	c.JSON(http.StatusOK, line)
}

func (h Handlers) ResetLineUsage(c *gin.Context) {
	if h.Lines == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lines not configured"})
		return
	}
	n, err := h.Lines.ResetDailyUsage(c.Request.Context())
	if err != nil {
		internalError(c, "reset usage failed", err)
		return
	}
	h.record(c, audit.EventTypeUsageReset, "daily line usage reset", map[string]any{"lines": n})
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func (h Handlers) ListAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	events, err := h.Audit.Recent(c.Request.Context(), limit)
	if err != nil {
		internalError(c, "audit list failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
