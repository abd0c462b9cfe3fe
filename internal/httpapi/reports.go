package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"call-dispatcher/internal/calls"
	"call-dispatcher/internal/reporting"
	"call-dispatcher/pkg/logger"

	"github.com/gin-gonic/gin"
)

const defaultReportWindow = 24 * time.Hour

// parseRange reads from/to as RFC3339. Missing bounds default to the last 24h.
func (h Handlers) parseRange(c *gin.Context) (reporting.TimeRange, error) {
	var r reporting.TimeRange
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return r, fmt.Errorf("from: %w", err)
		}
		r.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return r, fmt.Errorf("to: %w", err)
		}
		r.To = t
	}
	if r.To.IsZero() {
		r.To = h.now().UTC()
	}
	if r.From.IsZero() {
		r.From = r.To.Add(-defaultReportWindow)
	}
	return r, nil
}

// ExportDispatches returns dispatch records as JSON, or CSV with format=csv.
func (h Handlers) ExportDispatches(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	r, err := h.parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f := reporting.ExportFilter{Range: r, LineID: c.Query("line_id")}
	if raw := c.Query("status"); raw != "" {
		st, err := calls.ParseDispatchStatus(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = st
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		f.Limit = n
	}

	rows, err := h.Reports.ExportDispatches(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		internalError(c, "export failed", err)
		return
	}

	if c.Query("format") == "csv" {
		name := fmt.Sprintf("dispatches-%s.csv", r.From.UTC().Format("20060102T150405Z"))
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Status(http.StatusOK)
		if err := reporting.WriteCSV(c.Writer, rows); err != nil {
			logger.FromGin(c).Error("csv write failed", "err", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"range": r, "rows": rows})
}

func (h Handlers) DispatchSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	r, err := h.parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sum, err := h.Reports.Summary(c.Request.Context(), r)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		internalError(c, "summary failed", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
