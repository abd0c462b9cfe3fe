package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"call-dispatcher/internal/calls"
	"call-dispatcher/internal/gateway"
	"call-dispatcher/pkg/logger"
)

var ErrInvalidUpdate = errors.New("reconcile: invalid status update")

// StatusUpdate is one provider callback, already parsed by a transport adapter.
type StatusUpdate struct {
	ExternalCallID string
	Status         calls.DispatchStatus
	ErrorText      string
}

// Repository is the persistence the reconciler needs.
type Repository interface {
	// ApplyStatus overwrites status (and last_error when errText is not empty)
	// on the record bound to externalCallID.
	ApplyStatus(ctx context.Context, externalCallID string, status calls.DispatchStatus, errText string, at time.Time) (matched, changed bool, err error)

	// RecordGatewayOutcomes bumps attempts and stores external ids or errors.
	RecordGatewayOutcomes(ctx context.Context, outcomes []calls.GatewayOutcome, at time.Time) error
}

// Observer receives callback telemetry.
type Observer interface {
	StatusApplied(result string)
}

// Service applies provider status callbacks to dispatch records.
//
// Callbacks carry no ordering guarantee; the last one applied wins.
// Re-applying the same update is a no-op.
type Service struct {
	repo     Repository
	observer Observer
	clock    func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// ApplyStatus returns false, nil when no dispatch record carries the external
// id; a callback for an unknown call is not an error.
func (s *Service) ApplyStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	u.ExternalCallID = strings.TrimSpace(u.ExternalCallID)
	if u.ExternalCallID == "" {
		return false, fmt.Errorf("%w: external_call_id required", ErrInvalidUpdate)
	}
	if !u.Status.IsValid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, u.Status)
	}

	log := logger.From(ctx).With("external_call_id", u.ExternalCallID, "status", u.Status)

	matched, changed, err := s.repo.ApplyStatus(ctx, u.ExternalCallID, u.Status, strings.TrimSpace(u.ErrorText), s.clock().UTC())
	if err != nil {
		s.observe("error")
		return false, fmt.Errorf("reconcile: apply status: %w", err)
	}

	switch {
	case !matched:
		s.observe("unknown")
		log.Warn("status callback for unknown call")
	case !changed:
		s.observe("unchanged")
		log.Debug("status callback already applied")
	default:
		s.observe("applied")
		log.Info("status callback applied")
	}
	return matched, nil
}

// RecordGatewayResult stores what the call-initiation step returned for a
// committed batch. Every record in the batch counts one attempt.
func (s *Service) RecordGatewayResult(ctx context.Context, batch []gateway.CallRequest, ack gateway.Ack, gatewayErr error) error {
	if len(batch) == 0 {
		return nil
	}

	external := make(map[string]string, len(ack.Calls))
	if gatewayErr == nil {
		for _, c := range ack.Calls {
			external[c.DispatchID] = c.ExternalCallID
		}
	}

	errText := ""
	if gatewayErr != nil {
		errText = gatewayErr.Error()
	}

	outcomes := make([]calls.GatewayOutcome, 0, len(batch))
	for _, b := range batch {
		outcomes = append(outcomes, calls.GatewayOutcome{
			DispatchID:     b.DispatchID,
			ExternalCallID: external[b.DispatchID],
			Error:          errText,
		})
	}

	if err := s.repo.RecordGatewayOutcomes(ctx, outcomes, s.clock().UTC()); err != nil {
		return fmt.Errorf("reconcile: record gateway result: %w", err)
	}
	logger.From(ctx).Debug("gateway result recorded", "records", len(outcomes), "acked_ids", len(external))
	return nil
}

func (s *Service) observe(result string) {
	if s.observer != nil {
		s.observer.StatusApplied(result)
	}
}
