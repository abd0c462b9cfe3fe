package dispatch_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"call-dispatcher/internal/calls"
	"call-dispatcher/internal/dispatch"
	"call-dispatcher/internal/gateway"
	"call-dispatcher/internal/reconcile"
	"call-dispatcher/internal/testpg"
)

type countingGateway struct {
	calls atomic.Int64
	fail  bool
}

func (g *countingGateway) InitiateCalls(ctx context.Context, batch []gateway.CallRequest) (gateway.Ack, error) {
	g.calls.Add(1)
	if g.fail {
		return gateway.Ack{}, &gateway.Error{StatusCode: 500, Body: "edge exploded"}
	}
	ack := gateway.Ack{StatusCode: 200, Raw: []byte(`{}`)}
	for _, b := range batch {
		ack.Calls = append(ack.Calls, gateway.AckedCall{DispatchID: b.DispatchID, ExternalCallID: "CA-" + b.DispatchID})
	}
	return ack, nil
}

func seedPG(t *testing.T, db *sql.DB, items int, lines ...calls.LineResource) *dispatch.PGStore {
	t.Helper()
	ctx := context.Background()
	store := dispatch.NewPGStore(db)
	for _, l := range lines {
		require.NoError(t, store.UpsertLine(ctx, l))
	}
	svc := dispatch.NewService(store, nil, dispatch.Config{})
	contacts := make([]dispatch.Contact, 0, items)
	for i := 0; i < items; i++ {
		contacts = append(contacts, dispatch.Contact{Name: fmt.Sprintf("c%d", i), PhoneNumber: fmt.Sprintf("+1555%07d", i)})
	}
	if items > 0 {
		n, err := svc.Enqueue(ctx, contacts)
		require.NoError(t, err)
		require.Equal(t, items, n)
	}
	return store
}

func pgLine(id string, limit int) calls.LineResource {
	return calls.LineResource{ID: id, PhoneNumber: "+1999" + id, IsActive: true, DailyLimit: limit}
}

func scalar(t *testing.T, db *sql.DB, q string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), q, args...).Scan(&n))
	return n
}

func TestPGStore_ConcurrentCyclesNeverOvercommit(t *testing.T) {
	db := testpg.Open(t)
	store := seedPG(t, db, 120, pgLine("l1", 25), pgLine("l2", 25), pgLine("l3", 25))
	gw := &countingGateway{}
	svc := dispatch.NewService(store, gw, dispatch.Config{})

	var dispatched atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for {
				res, err := svc.RunCycle(ctx, 7)
				if err != nil {
					return err
				}
				dispatched.Add(int64(res.Dispatched))
				if res.Dispatched == 0 {
					return nil
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	// A cycle that found every line locked by a peer returns empty-handed;
	// drain what is left sequentially.
	for {
		res, err := svc.RunCycle(context.Background(), 7)
		require.NoError(t, err)
		if res.Dispatched == 0 {
			break
		}
		dispatched.Add(int64(res.Dispatched))
	}

	require.EqualValues(t, 75, dispatched.Load())
	require.Equal(t, 75, scalar(t, db, `SELECT count(*) FROM dispatch_records`))
	require.Equal(t, 75, scalar(t, db, `SELECT count(DISTINCT work_item_id) FROM dispatch_records`))
	require.Equal(t, 75, scalar(t, db, `SELECT count(*) FROM work_items WHERE status = 'dispatched'`))
	require.Equal(t, 45, scalar(t, db, `SELECT count(*) FROM work_items WHERE status = 'pending'`))
	require.Equal(t, 0, scalar(t, db, `SELECT count(*) FROM line_resources WHERE used_today > daily_limit`))

	// Usage on each line equals the records bound to it.
	require.Equal(t, 0, scalar(t, db, `
SELECT count(*) FROM line_resources l
WHERE l.used_today <> (SELECT count(*) FROM dispatch_records d WHERE d.line_id = l.id)`))
}

func TestPGStore_CompetingTransactionsPartition(t *testing.T) {
	db := testpg.Open(t)
	store := seedPG(t, db, 4, pgLine("a", 10), pgLine("b", 10))
	ctx := context.Background()

	held := make(chan []calls.WorkItem, 1)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.InTx(ctx, func(ctx context.Context, tx dispatch.Tx) error {
			items, err := tx.ClaimPending(ctx, 2)
			if err != nil {
				return err
			}
			held <- items
			<-release
			return errors.New("rollback")
		})
	}()
	locked := <-held

	gw := &countingGateway{}
	res, err := dispatch.NewService(store, gw, dispatch.Config{}).RunCycle(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, res.Claimed)
	require.Equal(t, 2, res.Dispatched)

	for _, it := range locked {
		require.Equal(t, 0, scalar(t, db, `SELECT count(*) FROM dispatch_records WHERE work_item_id = $1`, it.ID))
	}
	close(release)
	require.Error(t, <-done)
}

func TestPGStore_AbortedCycleLeavesNoTrace(t *testing.T) {
	db := testpg.Open(t)
	store := seedPG(t, db, 2, pgLine("a", 10))
	ctx := context.Background()

	// Drop the only line mid-cycle by pointing a record at a missing line.
	err := store.InTx(ctx, func(ctx context.Context, tx dispatch.Tx) error {
		items, err := tx.ClaimPending(ctx, 10)
		require.NoError(t, err)
		require.NoError(t, tx.IncrementLineUsage(ctx, "a"))
		require.NoError(t, tx.MarkDispatched(ctx, items[0].ID, time.Now()))
		return tx.InsertDispatch(ctx, calls.DispatchRecord{
			ID: "rec-1", WorkItemID: items[0].ID, PhoneNumber: items[0].PhoneNumber,
			Status: calls.DispatchQueued, LineID: "missing", CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	})
	require.Error(t, err)

	require.Equal(t, 2, scalar(t, db, `SELECT count(*) FROM work_items WHERE status = 'pending'`))
	require.Equal(t, 0, scalar(t, db, `SELECT used_today FROM line_resources WHERE id = 'a'`))
	require.Equal(t, 0, scalar(t, db, `SELECT count(*) FROM dispatch_records`))
}

func TestPGStore_GatewayFailureAfterCommit(t *testing.T) {
	db := testpg.Open(t)
	store := seedPG(t, db, 3, pgLine("a", 10))
	gw := &countingGateway{fail: true}
	rec := reconcile.NewService(reconcile.NewPGRepo(db))
	svc := dispatch.NewService(store, gw, dispatch.Config{}).WithRecorder(rec)

	res, err := svc.RunCycle(context.Background(), 10)
	var gwErr *dispatch.GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, 3, res.Dispatched)

	require.Equal(t, 3, scalar(t, db, `SELECT count(*) FROM dispatch_records WHERE status = 'queued' AND attempts = 1 AND last_error IS NOT NULL`))
	require.Equal(t, 3, scalar(t, db, `SELECT used_today FROM line_resources WHERE id = 'a'`))
}

func TestPGStore_ReconcileRoundTrip(t *testing.T) {
	db := testpg.Open(t)
	store := seedPG(t, db, 1, pgLine("a", 10))
	rec := reconcile.NewService(reconcile.NewPGRepo(db))
	svc := dispatch.NewService(store, &countingGateway{}, dispatch.Config{}).WithRecorder(rec)
	ctx := context.Background()

	res, err := svc.RunCycle(ctx, 1)
	require.NoError(t, err)
	ext := "CA-" + res.DispatchIDs[0]

	var status string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM dispatch_records WHERE id = $1`, res.DispatchIDs[0]).Scan(&status))
	require.Equal(t, "initiated", status)

	ok, err := rec.ApplyStatus(ctx, reconcile.StatusUpdate{ExternalCallID: ext, Status: calls.DispatchNoAnswer, ErrorText: "no pickup"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rec.ApplyStatus(ctx, reconcile.StatusUpdate{ExternalCallID: ext, Status: calls.DispatchNoAnswer})
	require.NoError(t, err)
	require.True(t, ok)

	var lastErr sql.NullString
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status, last_error FROM dispatch_records WHERE external_call_id = $1`, ext).Scan(&status, &lastErr))
	require.Equal(t, "no_answer", status)
	require.Equal(t, "no pickup", lastErr.String)

	ok, err = rec.ApplyStatus(ctx, reconcile.StatusUpdate{ExternalCallID: "CA-unknown", Status: calls.DispatchCompleted})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPGStore_HaltAndLineAdmin(t *testing.T) {
	db := testpg.Open(t)
	store := seedPG(t, db, 3, pgLine("a", 1))
	ctx := context.Background()
	svc := dispatch.NewService(store, &countingGateway{}, dispatch.Config{})

	_, err := svc.RunCycle(ctx, 10)
	require.NoError(t, err)

	n, err := svc.HaltPending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Equal(t, 1, scalar(t, db, `SELECT count(*) FROM work_items`))

	lines := dispatch.NewLineService(store)
	reset, err := lines.ResetDailyUsage(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, reset)

	_, err = lines.Upsert(ctx, calls.LineResource{ID: "a", PhoneNumber: "+1999a", IsActive: false, DailyLimit: 0})
	require.NoError(t, err)
	got, err := lines.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].IsActive)
}
