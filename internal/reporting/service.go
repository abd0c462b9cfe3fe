package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"call-dispatcher/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const (
	DefaultExportLimit = 1000
	MaxExportLimit     = 50000

	// summaryScanLimit bounds how many rows a summary aggregates.
	summaryScanLimit = 1_000_000
)

// Repository abstracts data access for reporting. Implementations return
// rows ordered by created_at, dispatch id.
type Repository interface {
	ListDispatches(ctx context.Context, f ExportFilter) ([]ExportRow, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// ExportDispatches returns dispatch records joined with their originating
// work item and line.
func (s *Service) ExportDispatches(ctx context.Context, f ExportFilter) ([]ExportRow, error) {
	if err := validateRange(f.Range); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	switch {
	case f.Limit < 0:
		return nil, fmt.Errorf("%w: limit must be >= 0", ErrInvalidRequest)
	case f.Limit == 0:
		f.Limit = DefaultExportLimit
	case f.Limit > MaxExportLimit:
		f.Limit = MaxExportLimit
	}
	if s.repo == nil {
		return nil, errors.New("reporting: repository not configured")
	}
	return s.repo.ListDispatches(ctx, f)
}

// Summary counts dispatch records by status and by line.
func (s *Service) Summary(ctx context.Context, r TimeRange) (DispatchSummary, error) {
	if !r.Valid() {
		return DispatchSummary{}, fmt.Errorf("%w: range requires from < to", ErrInvalidRequest)
	}
	if s.repo == nil {
		return DispatchSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListDispatches(ctx, ExportFilter{Range: r, Limit: summaryScanLimit})
	if err != nil {
		return DispatchSummary{}, err
	}

	out := DispatchSummary{Range: r, ByStatus: make(map[calls.DispatchStatus]int, len(calls.DispatchStatuses))}
	for _, st := range calls.DispatchStatuses {
		out.ByStatus[st] = 0
	}
	perLine := map[string]*LineUsage{}
	for _, row := range rows {
		out.Total++
		out.ByStatus[row.Status]++
		out.Attempts += row.Attempts
		if row.ExternalCallID == "" {
			out.Unacknowledged++
		}
		if row.Status.IsTerminal() {
			out.Terminal++
		}

		lu, ok := perLine[row.LineID]
		if !ok {
			lu = &LineUsage{LineID: row.LineID, LineNumber: row.LineNumber}
			perLine[row.LineID] = lu
		}
		lu.Dispatched++
		if row.Status == calls.DispatchCompleted {
			lu.Completed++
		}
	}
	if out.Total > 0 {
		out.CompletionRate = float64(out.ByStatus[calls.DispatchCompleted]) / float64(out.Total)
	}

	out.Lines = make([]LineUsage, 0, len(perLine))
	for _, lu := range perLine {
		out.Lines = append(out.Lines, *lu)
	}
	sort.Slice(out.Lines, func(i, j int) bool { return out.Lines[i].LineID < out.Lines[j].LineID })
	return out, nil
}

func validateRange(r TimeRange) error {
	if r.From.IsZero() && r.To.IsZero() {
		return nil
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.To.After(r.From) {
		return fmt.Errorf("%w: range requires from < to", ErrInvalidRequest)
	}
	return nil
}
