package audit

import (
	"context"
	"errors"
	"time"

	"call-dispatcher/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, limit int) ([]Event, error)
}

// Service records operator actions. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if !e.Type.IsValid() {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends an event and logs instead of failing when the store is down.
func (s *Service) Record(ctx context.Context, typ EventType, actor Actor, message string, metadata map[string]any) {
	err := s.Append(ctx, Event{
		Type:        typ,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		Message:     message,
		Metadata:    metadata,
	})
	if err != nil {
		logger.From(ctx).Warn("audit append failed", "type", typ, "err", err)
	}
}

func (s *Service) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.List(ctx, limit)
}
