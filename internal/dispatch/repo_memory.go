package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"call-dispatcher/internal/calls"
)

// MemoryStore is an in-process Store for tests and local runs.
//
// Row locks are tracked per transaction and released on commit or rollback,
// so claims and allocations skip rows held by other open transactions the
// same way FOR UPDATE SKIP LOCKED does. Writes made through a Tx are staged
// and only become visible on commit.
//
// DeletePending differs from Postgres in one respect: it skips pending items
// locked by an open transaction instead of waiting for the lock.
type MemoryStore struct {
	mu sync.Mutex

	items   map[string]calls.WorkItem
	lines   map[string]calls.LineResource
	records map[string]calls.DispatchRecord

	// locks maps "item:<id>" / "line:<id>" to the owning transaction.
	locks map[string]*memTx
	seq   int64

	// FailOn, when set, is consulted before each Tx statement and
	// InsertWorkItems/DeletePending; a non-nil return fails that statement.
	// Op names: claim, allocate, insert_dispatch, increment_line,
	// mark_dispatched, insert_work_items, delete_pending, commit.
	FailOn func(op string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]calls.WorkItem),
		lines:   make(map[string]calls.LineResource),
		records: make(map[string]calls.DispatchRecord),
		locks:   make(map[string]*memTx),
	}
}

type memTx struct {
	s    *MemoryStore
	id   int64
	held []string

	dispatched map[string]time.Time
	usage      map[string]int
	records    []calls.DispatchRecord
	done       bool
}

func (s *MemoryStore) fail(op string) error {
	if s.FailOn == nil {
		return nil
	}
	return s.FailOn(op)
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.seq++
	tx := &memTx{
		s:          s,
		id:         s.seq,
		dispatched: make(map[string]time.Time),
		usage:      make(map[string]int),
	}
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
			return
		}
		err = tx.commit(ctx)
	}()

	return fn(ctx, tx)
}

func (t *memTx) release() {
	for _, k := range t.held {
		if t.s.locks[k] == t {
			delete(t.s.locks, k)
		}
	}
	t.held = nil
	t.done = true
}

func (t *memTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.release()
}

func (t *memTx) commit(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		t.release()
		return fmt.Errorf("db: commit: %w", err)
	}
	if err := t.s.fail("commit"); err != nil {
		t.release()
		return fmt.Errorf("db: commit: %w", err)
	}

	for id, at := range t.dispatched {
		it := t.s.items[id]
		it.Status = calls.WorkItemDispatched
		when := at
		it.DispatchedAt = &when
		t.s.items[id] = it
	}
	for id, delta := range t.usage {
		l := t.s.lines[id]
		l.UsedToday += delta
		t.s.lines[id] = l
	}
	for _, r := range t.records {
		t.s.records[r.ID] = r
	}
	t.release()
	return nil
}

// lock must be called with s.mu held. It reports false when another open
// transaction owns the row.
func (t *memTx) lock(key string) bool {
	owner, ok := t.s.locks[key]
	if ok && owner != t {
		return false
	}
	if !ok {
		t.s.locks[key] = t
		t.held = append(t.held, key)
	}
	return true
}

func (t *memTx) holds(key string) bool {
	return t.s.locks[key] == t
}

func (t *memTx) checkOpen() error {
	if t.done {
		return errors.New("dispatch: transaction already finished")
	}
	return nil
}

func (t *memTx) ClaimPending(ctx context.Context, limit int) ([]calls.WorkItem, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.s.fail("claim"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pending := make([]calls.WorkItem, 0, len(t.s.items))
	for _, it := range t.s.items {
		if it.Status != calls.WorkItemPending {
			continue
		}
		if _, done := t.dispatched[it.ID]; done {
			continue
		}
		pending = append(pending, it)
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})

	out := make([]calls.WorkItem, 0, limit)
	for _, it := range pending {
		if len(out) == limit {
			break
		}
		if !t.lock("item:" + it.ID) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (t *memTx) AllocateLine(ctx context.Context) (calls.LineResource, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return calls.LineResource{}, false, err
	}
	if err := t.s.fail("allocate"); err != nil {
		return calls.LineResource{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return calls.LineResource{}, false, err
	}

	candidates := make([]calls.LineResource, 0, len(t.s.lines))
	for _, l := range t.s.lines {
		l.UsedToday += t.usage[l.ID]
		if !l.Eligible() {
			continue
		}
		if owner, ok := t.s.locks["line:"+l.ID]; ok && owner != t {
			continue
		}
		candidates = append(candidates, l)
	}
	if len(candidates) == 0 {
		return calls.LineResource{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].UsedToday != candidates[j].UsedToday {
			return candidates[i].UsedToday < candidates[j].UsedToday
		}
		return candidates[i].ID < candidates[j].ID
	})

	l := candidates[0]
	t.lock("line:" + l.ID)
	return l, true, nil
}

func (t *memTx) InsertDispatch(ctx context.Context, rec calls.DispatchRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.s.fail("insert_dispatch"); err != nil {
		return err
	}
	if !t.holds("item:" + rec.WorkItemID) {
		return fmt.Errorf("%w: work item %s", ErrRowNotLocked, rec.WorkItemID)
	}
	for _, r := range t.s.records {
		if r.WorkItemID == rec.WorkItemID {
			return fmt.Errorf("%w: %s", ErrDuplicateDispatch, rec.WorkItemID)
		}
	}
	for _, r := range t.records {
		if r.WorkItemID == rec.WorkItemID {
			return fmt.Errorf("%w: %s", ErrDuplicateDispatch, rec.WorkItemID)
		}
	}
	t.records = append(t.records, rec)
	return nil
}

func (t *memTx) IncrementLineUsage(ctx context.Context, lineID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.s.fail("increment_line"); err != nil {
		return err
	}
	if !t.holds("line:" + lineID) {
		return fmt.Errorf("%w: line %s", ErrRowNotLocked, lineID)
	}
	l, ok := t.s.lines[lineID]
	if !ok || l.UsedToday+t.usage[lineID] >= l.DailyLimit {
		return fmt.Errorf("%w: line %s", ErrLineQuotaExceeded, lineID)
	}
	t.usage[lineID]++
	return nil
}

func (t *memTx) MarkDispatched(ctx context.Context, workItemID string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.s.fail("mark_dispatched"); err != nil {
		return err
	}
	if !t.holds("item:" + workItemID) {
		return fmt.Errorf("%w: work item %s", ErrRowNotLocked, workItemID)
	}
	it, ok := t.s.items[workItemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkItemNotPending, workItemID)
	}
	if _, done := t.dispatched[workItemID]; done {
		return fmt.Errorf("%w: %s", ErrWorkItemNotPending, workItemID)
	}
	if _, err := it.Status.Dispatch(); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkItemNotPending, err)
	}
	t.dispatched[workItemID] = at
	return nil
}

func (s *MemoryStore) InsertWorkItems(ctx context.Context, items []calls.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("insert_work_items"); err != nil {
		return err
	}
	for _, it := range items {
		if _, exists := s.items[it.ID]; exists {
			return fmt.Errorf("dispatch: duplicate work item id %s", it.ID)
		}
	}
	for _, it := range items {
		it.Status = calls.WorkItemPending
		s.items[it.ID] = it
	}
	return nil
}

func (s *MemoryStore) DeletePending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("delete_pending"); err != nil {
		return 0, err
	}
	var n int64
	for id, it := range s.items {
		if it.Status != calls.WorkItemPending {
			continue
		}
		if _, locked := s.locks["item:"+id]; locked {
			continue
		}
		delete(s.items, id)
		n++
	}
	return n, nil
}

// AddLine inserts or replaces a line.
func (s *MemoryStore) AddLine(l calls.LineResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[l.ID] = l
}

// Items returns committed work items ordered by creation.
func (s *MemoryStore) Items() []calls.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.WorkItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lines returns committed lines ordered by id.
func (s *MemoryStore) Lines() []calls.LineResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.LineResource, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatches returns committed dispatch records ordered by creation.
func (s *MemoryStore) Dispatches() []calls.DispatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.DispatchRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) UpsertLine(ctx context.Context, l calls.LineResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.lines[l.ID]; ok {
		l.UsedToday = min(cur.UsedToday, l.DailyLimit)
	} else {
		l.UsedToday = 0
	}
	s.lines[l.ID] = l
	return nil
}

func (s *MemoryStore) ListLines(ctx context.Context) ([]calls.LineResource, error) {
	return s.Lines(), nil
}

func (s *MemoryStore) ResetDailyUsage(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.lines {
		if l.UsedToday == 0 {
			continue
		}
		l.UsedToday = 0
		s.lines[id] = l
		n++
	}
	return n, nil
}

// ApplyStatus updates the record carrying externalCallID. matched is false
// when no record has that id; changed is false when status and error already
// matched.
func (s *MemoryStore) ApplyStatus(ctx context.Context, externalCallID string, status calls.DispatchStatus, errText string, at time.Time) (matched, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if r.ExternalCallID == nil || *r.ExternalCallID != externalCallID {
			continue
		}
		changed = r.Status != status
		r.Status = status
		if errText != "" && (r.LastError == nil || *r.LastError != errText) {
			e := errText
			r.LastError = &e
			changed = true
		}
		if changed {
			r.UpdatedAt = at
		}
		s.records[id] = r
		return true, changed, nil
	}
	return false, false, nil
}

// RecordGatewayOutcomes bumps attempts on each named record and stores the
// external call id or the error text.
func (s *MemoryStore) RecordGatewayOutcomes(ctx context.Context, outcomes []calls.GatewayOutcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outcomes {
		if o.ExternalCallID != "" {
			for _, r := range s.records {
				if r.ID != o.DispatchID && r.ExternalCallID != nil && *r.ExternalCallID == o.ExternalCallID {
					return fmt.Errorf("dispatch: external call id %s already bound", o.ExternalCallID)
				}
			}
		}
	}
	for _, o := range outcomes {
		r, ok := s.records[o.DispatchID]
		if !ok {
			continue
		}
		r.Attempts++
		r.UpdatedAt = at
		if o.Error != "" {
			e := o.Error
			r.LastError = &e
		}
		if o.ExternalCallID != "" {
			id := o.ExternalCallID
			r.ExternalCallID = &id
			if r.Status == calls.DispatchQueued {
				r.Status = calls.DispatchInitiated
			}
		}
		s.records[o.DispatchID] = r
	}
	return nil
}
