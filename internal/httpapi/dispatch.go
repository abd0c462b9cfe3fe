package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"call-dispatcher/internal/audit"
	"call-dispatcher/internal/dispatch"
	"call-dispatcher/pkg/logger"

	"github.com/gin-gonic/gin"
)

type enqueueRequest struct {
	Contacts []dispatch.Contact `json:"contacts"`
}

// Enqueue adds pending work items, one per contact.
func (h Handlers) Enqueue(c *gin.Context) {
	if h.Dispatch == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch not configured"})
		return
	}
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	n, err := h.Dispatch.Enqueue(c.Request.Context(), req.Contacts)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidContact) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		internalError(c, "enqueue failed", err)
		return
	}

	h.record(c, audit.EventTypeQueueEnqueued, "work items enqueued", map[string]any{"count": n})
	c.JSON(http.StatusCreated, gin.H{"enqueued": n})
}

// RunCycle runs one dispatch cycle. batch_limit is optional.
//
// Status codes:
//   - 200 for every committed cycle, including nothing_pending and no_eligible_lines
//   - 400 for an invalid batch_limit
//   - 429 when the concurrency cap is full
//   - 500 when the cycle aborted; nothing was committed
//   - 502 when the cycle committed but the gateway failed; the body carries the result
func (h Handlers) RunCycle(c *gin.Context) {
	if h.Dispatch == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch not configured"})
		return
	}

	limit := h.Dispatch.DefaultBatchLimit()
	if raw := c.Query("batch_limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "batch_limit must be an integer"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	log := logger.FromGin(c)

	if h.CycleGate != nil {
		release, ok, err := h.CycleGate.Acquire(ctx)
		if err != nil {
			internalError(c, "cycle admission failed", err)
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent dispatch cycles"})
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("cycle slot release failed", "err", err)
			}
		}()
	}

	res, err := h.Dispatch.RunCycle(ctx, limit)

	var gwErr *dispatch.GatewayError
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrInvalidBatchLimit):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.As(err, &gwErr):
		h.record(c, audit.EventTypeDispatchCycle, "dispatch cycle committed, gateway failed", cycleMetadata(res))
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "gateway failed", "result": res})
		return
	case isContextDone(err):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "cycle canceled"})
		return
	default:
		internalError(c, "dispatch cycle aborted", err)
		return
	}

	if res.Dispatched > 0 {
		h.record(c, audit.EventTypeDispatchCycle, "dispatch cycle committed", cycleMetadata(res))
	}
	c.JSON(http.StatusOK, res)
}

func cycleMetadata(res dispatch.CycleResult) map[string]any {
	return map[string]any{
		"batch_limit": res.BatchLimit,
		"claimed":     res.Claimed,
		"dispatched":  res.Dispatched,
		"gateway":     string(res.Gateway.Status),
	}
}

// HaltPending is the emergency stop: every pending work item is deleted.
func (h Handlers) HaltPending(c *gin.Context) {
	if h.Dispatch == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch not configured"})
		return
	}
	n, err := h.Dispatch.HaltPending(c.Request.Context())
	if err != nil {
		internalError(c, "halt failed", err)
		return
	}
	h.record(c, audit.EventTypeEmergencyHalt, "pending work items deleted", map[string]any{"deleted": n})
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
