package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"call-dispatcher/internal/calls"
	"call-dispatcher/internal/gateway"
	"call-dispatcher/pkg/logger"

	"github.com/google/uuid"
)

// DefaultBatchLimit is used when a trigger does not name a batch size.
const DefaultBatchLimit = 200

// MaxBatchLimit caps a single cycle when Config leaves it unset.
const MaxBatchLimit = 5000

var (
	ErrInvalidBatchLimit = errors.New("dispatch: invalid batch limit")
	ErrInvalidContact    = errors.New("dispatch: invalid contact")

	// ErrCycleAborted wraps every store failure of a cycle. The transaction
	// was rolled back; nothing from the cycle is visible.
	ErrCycleAborted = errors.New("dispatch: cycle aborted")
)

// GatewayError reports a call-initiation failure after the cycle committed.
// The Dispatched records stay queued locally; retrying the batch blindly may
// place the same calls twice.
type GatewayError struct {
	Dispatched int
	Err        error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("dispatch: %d calls committed but gateway failed: %v", e.Dispatched, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// GatewayClient places a committed batch with the call-initiation service.
type GatewayClient interface {
	InitiateCalls(ctx context.Context, batch []gateway.CallRequest) (gateway.Ack, error)
}

// GatewayRecorder persists the gateway outcome per dispatch record
// (external call ids, attempts, last error).
type GatewayRecorder interface {
	RecordGatewayResult(ctx context.Context, batch []gateway.CallRequest, ack gateway.Ack, gatewayErr error) error
}

// Observer receives cycle telemetry.
type Observer interface {
	CycleFinished(outcome string, dispatched int, elapsed time.Duration)
	CycleFailed(reason error)
	GatewayFinished(status string, elapsed time.Duration)
	Enqueued(n int)
	Halted(n int64)
}

type CycleOutcome string

const (
	OutcomeNothingPending  CycleOutcome = "nothing_pending"
	OutcomeNoEligibleLines CycleOutcome = "no_eligible_lines"
	OutcomeDispatched      CycleOutcome = "dispatched"
)

type GatewayStatus string

const (
	GatewaySkipped      GatewayStatus = "skipped"
	GatewayAcknowledged GatewayStatus = "acknowledged"
	GatewayFailed       GatewayStatus = "failed"
)

// GatewayResult is the gateway step as seen by the caller of a cycle.
type GatewayResult struct {
	Status GatewayStatus `json:"status"`
	Ack    *gateway.Ack  `json:"ack,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Outcome    CycleOutcome `json:"outcome"`
	BatchLimit int          `json:"batch_limit"`

	// Claimed counts work items locked by the cycle; Dispatched counts those
	// that got a line. Claimed items without a line stay pending.
	Claimed    int  `json:"claimed"`
	Dispatched int  `json:"dispatched"`
	Exhausted  bool `json:"lines_exhausted"`

	DispatchIDs []string      `json:"dispatch_ids,omitempty"`
	Gateway     GatewayResult `json:"gateway"`
}

// Contact is one (name, phone number) pair from the ingestion collaborator.
type Contact struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

type Config struct {
	DefaultBatchLimit int
	MaxBatchLimit     int
}

// Service runs dispatch cycles, ingestion and the emergency halt.
//
// Invariants:
//   - A cycle is one store transaction; a store error leaves no trace of it.
//   - The gateway is called once per cycle, after commit, outside any lock.
//   - Nothing is retried here; retry policy belongs to the caller.
type Service struct {
	store    Store
	gateway  GatewayClient
	recorder GatewayRecorder
	observer Observer

	defaultBatch int
	maxBatch     int

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store, gw GatewayClient, cfg Config) *Service {
	if cfg.DefaultBatchLimit <= 0 {
		cfg.DefaultBatchLimit = DefaultBatchLimit
	}
	if cfg.MaxBatchLimit <= 0 {
		cfg.MaxBatchLimit = MaxBatchLimit
	}
	return &Service{
		store:        store,
		gateway:      gw,
		observer:     nopObserver{},
		defaultBatch: cfg.DefaultBatchLimit,
		maxBatch:     cfg.MaxBatchLimit,
		clock:        time.Now,
	}
}

func (s *Service) WithRecorder(r GatewayRecorder) *Service {
	s.recorder = r
	return s
}

func (s *Service) WithObserver(o Observer) *Service {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
	return s
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// DefaultBatchLimit is the batch size used when a trigger names none.
func (s *Service) DefaultBatchLimit() int { return s.defaultBatch }

// RunCycle claims up to batchLimit pending work items, binds each to a line
// and commits the whole batch atomically, then hands the batch to the gateway.
//
// Errors:
//   - ErrInvalidBatchLimit: rejected before any transaction.
//   - ErrCycleAborted: store failure, full rollback.
//   - *GatewayError: gateway failed after commit; the returned result still
//     carries the committed dispatch count and ids.
func (s *Service) RunCycle(ctx context.Context, batchLimit int) (CycleResult, error) {
	if batchLimit <= 0 || batchLimit > s.maxBatch {
		return CycleResult{}, fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidBatchLimit, batchLimit, s.maxBatch)
	}

	log := logger.From(ctx).With("batch_limit", batchLimit)
	started := s.clock()

	res := CycleResult{BatchLimit: batchLimit}
	var batch []gateway.CallRequest

	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		res.Claimed, res.Exhausted = 0, false
		batch = batch[:0]

		items, err := tx.ClaimPending(ctx, batchLimit)
		if err != nil {
			return fmt.Errorf("claim pending: %w", err)
		}
		res.Claimed = len(items)

		now := s.clock().UTC()
		for _, item := range items {
			line, ok, err := tx.AllocateLine(ctx)
			if err != nil {
				return fmt.Errorf("allocate line: %w", err)
			}
			if !ok {
				// Remaining claimed items stay pending; their locks go with the tx.
				res.Exhausted = true
				break
			}

			rec := calls.DispatchRecord{
				ID:          uuid.NewString(),
				WorkItemID:  item.ID,
				PhoneNumber: item.PhoneNumber,
				Status:      calls.DispatchQueued,
				LineID:      line.ID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertDispatch(ctx, rec); err != nil {
				return fmt.Errorf("insert dispatch for work item %s: %w", item.ID, err)
			}
			if err := tx.IncrementLineUsage(ctx, line.ID); err != nil {
				return fmt.Errorf("increment line %s: %w", line.ID, err)
			}
			if err := tx.MarkDispatched(ctx, item.ID, now); err != nil {
				return fmt.Errorf("mark work item %s dispatched: %w", item.ID, err)
			}

			batch = append(batch, gateway.CallRequest{
				DispatchID:  rec.ID,
				PhoneNumber: item.PhoneNumber,
				LineNumber:  line.PhoneNumber,
			})
		}
		return nil
	})
	if err != nil {
		s.observer.CycleFailed(err)
		log.Error("dispatch cycle aborted", "err", err)
		return CycleResult{BatchLimit: batchLimit}, fmt.Errorf("%w: %w", ErrCycleAborted, err)
	}

	res.Dispatched = len(batch)
	res.DispatchIDs = make([]string, 0, len(batch))
	for _, b := range batch {
		res.DispatchIDs = append(res.DispatchIDs, b.DispatchID)
	}

	switch {
	case res.Claimed == 0:
		res.Outcome = OutcomeNothingPending
	case res.Dispatched == 0:
		res.Outcome = OutcomeNoEligibleLines
	default:
		res.Outcome = OutcomeDispatched
	}

	if res.Dispatched == 0 {
		res.Gateway = GatewayResult{Status: GatewaySkipped}
		s.observer.CycleFinished(string(res.Outcome), 0, s.clock().Sub(started))
		log.Info("dispatch cycle finished", "outcome", res.Outcome, "claimed", res.Claimed, "lines_exhausted", res.Exhausted)
		return res, nil
	}

	gwErr := s.callGateway(ctx, batch, &res)
	s.observer.CycleFinished(string(res.Outcome), res.Dispatched, s.clock().Sub(started))

	if gwErr != nil {
		log.Error("dispatch cycle committed but gateway failed",
			"dispatched", res.Dispatched,
			"claimed", res.Claimed,
			"err", gwErr,
		)
		return res, &GatewayError{Dispatched: res.Dispatched, Err: gwErr}
	}

	log.Info("dispatch cycle finished",
		"outcome", res.Outcome,
		"claimed", res.Claimed,
		"dispatched", res.Dispatched,
		"lines_exhausted", res.Exhausted,
	)
	return res, nil
}

func (s *Service) callGateway(ctx context.Context, batch []gateway.CallRequest, res *CycleResult) error {
	log := logger.From(ctx)

	var (
		ack gateway.Ack
		err error
	)
	started := s.clock()
	if s.gateway == nil {
		err = errors.New("gateway not configured")
	} else {
		ack, err = s.gateway.InitiateCalls(ctx, batch)
	}

	if err != nil {
		res.Gateway = GatewayResult{Status: GatewayFailed, Error: err.Error()}
	} else {
		res.Gateway = GatewayResult{Status: GatewayAcknowledged, Ack: &ack}
	}
	s.observer.GatewayFinished(string(res.Gateway.Status), s.clock().Sub(started))

	if s.recorder != nil {
		// The cycle's outcome is already decided; a caller cancelling now must
		// not lose the bookkeeping.
		recCtx := context.WithoutCancel(ctx)
		if rerr := s.recorder.RecordGatewayResult(recCtx, batch, ack, err); rerr != nil {
			log.Warn("recording gateway result failed", "err", rerr, "dispatched", len(batch))
		}
	}
	return err
}

// Enqueue stores contacts as pending work items. Duplicates are accepted as
// separate items.
func (s *Service) Enqueue(ctx context.Context, contacts []Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}

	now := s.clock().UTC()
	items := make([]calls.WorkItem, 0, len(contacts))
	for i, c := range contacts {
		name := strings.TrimSpace(c.Name)
		phone := strings.TrimSpace(c.PhoneNumber)
		if name == "" || phone == "" {
			return 0, fmt.Errorf("%w: row %d needs name and phone_number", ErrInvalidContact, i)
		}
		items = append(items, calls.WorkItem{
			ID:          uuid.NewString(),
			Name:        name,
			PhoneNumber: phone,
			Status:      calls.WorkItemPending,
			CreatedAt:   now,
		})
	}

	if err := s.store.InsertWorkItems(ctx, items); err != nil {
		return 0, fmt.Errorf("dispatch: enqueue: %w", err)
	}
	s.observer.Enqueued(len(items))
	logger.From(ctx).Info("work items enqueued", "count", len(items))
	return len(items), nil
}

// HaltPending deletes every pending work item. Calls already dispatched are
// not cancelled; only future cycles are starved.
func (s *Service) HaltPending(ctx context.Context) (int64, error) {
	n, err := s.store.DeletePending(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: halt: %w", err)
	}
	s.observer.Halted(n)
	logger.From(ctx).Warn("emergency halt: pending work items deleted", "deleted", n)
	return n, nil
}

type nopObserver struct{}

func (nopObserver) CycleFinished(string, int, time.Duration) {}
func (nopObserver) CycleFailed(error) {}
func (nopObserver) GatewayFinished(string, time.Duration) {}
func (nopObserver) Enqueued(int) {}
func (nopObserver) Halted(int64) {}
