package dispatch

import (
	"context"
	"errors"
	"time"

	"call-dispatcher/internal/calls"
)

// Store is the persistence contract the dispatch core needs: atomic
// multi-statement transactions with row locks that skip contended rows.
type Store interface {
	// InTx runs fn in one transaction. fn returning an error rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// InsertWorkItems stores items as pending in one transaction.
	InsertWorkItems(ctx context.Context, items []calls.WorkItem) error

	// DeletePending removes every pending work item and returns how many
	// were removed. Dispatched items are never touched.
	DeletePending(ctx context.Context) (int64, error)
}

// Tx is the set of statements a dispatch cycle runs inside its transaction.
type Tx interface {
	// ClaimPending locks up to limit pending work items, skipping rows
	// locked by other transactions.
	ClaimPending(ctx context.Context, limit int) ([]calls.WorkItem, error)

	// AllocateLine locks the active, under-quota line with the lowest usage,
	// skipping lines locked by other transactions. ok is false when no line
	// is eligible.
	AllocateLine(ctx context.Context) (line calls.LineResource, ok bool, err error)

	InsertDispatch(ctx context.Context, rec calls.DispatchRecord) error

	// IncrementLineUsage adds one to used_today. It fails with
	// ErrLineQuotaExceeded rather than exceed daily_limit.
	IncrementLineUsage(ctx context.Context, lineID string) error

	// MarkDispatched moves a pending work item to dispatched. It fails with
	// ErrWorkItemNotPending for any other current status.
	MarkDispatched(ctx context.Context, workItemID string, at time.Time) error
}

var (
	ErrLineQuotaExceeded  = errors.New("dispatch: line quota exceeded")
	ErrWorkItemNotPending = errors.New("dispatch: work item not pending")
	ErrDuplicateDispatch  = errors.New("dispatch: work item already has a dispatch record")
	ErrRowNotLocked       = errors.New("dispatch: row not locked by transaction")
)
