package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"call-dispatcher/internal/calls"
	"call-dispatcher/pkg/logger"
)

var ErrInvalidLine = errors.New("dispatch: invalid line")

// LineAdmin manages the line pool outside dispatch cycles.
type LineAdmin interface {
	UpsertLine(ctx context.Context, line calls.LineResource) error
	ListLines(ctx context.Context) ([]calls.LineResource, error)

	// ResetDailyUsage sets used_today to zero on every line and returns how
	// many lines changed.
	ResetDailyUsage(ctx context.Context) (int64, error)
}

// LineService validates line changes before they reach the store.
type LineService struct {
	repo LineAdmin
}

func NewLineService(repo LineAdmin) *LineService {
	return &LineService{repo: repo}
}

// Upsert creates or replaces a line. UsedToday on an existing line is kept by
// the store; a new line starts at zero.
func (s *LineService) Upsert(ctx context.Context, line calls.LineResource) (calls.LineResource, error) {
	line.ID = strings.TrimSpace(line.ID)
	line.PhoneNumber = strings.TrimSpace(line.PhoneNumber)
	if line.ID == "" || line.PhoneNumber == "" {
		return calls.LineResource{}, fmt.Errorf("%w: id and phone_number required", ErrInvalidLine)
	}
	if line.DailyLimit < 0 {
		return calls.LineResource{}, fmt.Errorf("%w: daily_limit must be >= 0", ErrInvalidLine)
	}
	line.UsedToday = 0
	if err := s.repo.UpsertLine(ctx, line); err != nil {
		return calls.LineResource{}, fmt.Errorf("dispatch: upsert line: %w", err)
	}
	logger.From(ctx).Info("line upserted", "line_id", line.ID, "daily_limit", line.DailyLimit, "active", line.IsActive)
	return line, nil
}

func (s *LineService) List(ctx context.Context) ([]calls.LineResource, error) {
	return s.repo.ListLines(ctx)
}

func (s *LineService) ResetDailyUsage(ctx context.Context) (int64, error) {
	n, err := s.repo.ResetDailyUsage(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: reset usage: %w", err)
	}
	logger.From(ctx).Info("line usage reset", "lines", n)
	return n, nil
}
