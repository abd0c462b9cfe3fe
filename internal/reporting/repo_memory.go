package reporting

import (
	"context"
	"sort"

	"call-dispatcher/internal/calls"
)

// Source is the read side of an in-memory dispatch store.
type Source interface {
	Items() []calls.WorkItem
	Lines() []calls.LineResource
	Dispatches() []calls.DispatchRecord
}

// MemoryRepo joins snapshots from an in-memory store. Open range ends are
// treated as unbounded.
type MemoryRepo struct {
	src Source
}

func NewMemoryRepo(src Source) *MemoryRepo { return &MemoryRepo{src: src} }

func (r *MemoryRepo) ListDispatches(ctx context.Context, f ExportFilter) ([]ExportRow, error) {
	items := map[string]calls.WorkItem{}
	for _, it := range r.src.Items() {
		items[it.ID] = it
	}
	lines := map[string]calls.LineResource{}
	for _, l := range r.src.Lines() {
		lines[l.ID] = l
	}

	recs := r.src.Dispatches()
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})

	out := make([]ExportRow, 0)
	for _, d := range recs {
		if !f.Range.From.IsZero() && d.CreatedAt.Before(f.Range.From) {
			continue
		}
		if !f.Range.To.IsZero() && !d.CreatedAt.Before(f.Range.To) {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.LineID != "" && d.LineID != f.LineID {
			continue
		}

		row := ExportRow{
			DispatchID:  d.ID,
			WorkItemID:  d.WorkItemID,
			ContactName: items[d.WorkItemID].Name,
			PhoneNumber: d.PhoneNumber,
			LineID:      d.LineID,
			LineNumber:  lines[d.LineID].PhoneNumber,
			Status:      d.Status,
			Attempts:    d.Attempts,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		}
		if d.ExternalCallID != nil {
			row.ExternalCallID = *d.ExternalCallID
		}
		if d.LastError != nil {
			row.LastError = *d.LastError
		}
		out = append(out, row)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
