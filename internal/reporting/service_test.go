package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"call-dispatcher/internal/calls"
)

type fakeSource struct {
	items []calls.WorkItem
	lines []calls.LineResource
	recs  []calls.DispatchRecord
}

func (f fakeSource) Items() []calls.WorkItem            { return f.items }
func (f fakeSource) Lines() []calls.LineResource        { return f.lines }
func (f fakeSource) Dispatches() []calls.DispatchRecord { return f.recs }

func strp(s string) *string { return &s }

var now = time.Unix(1700000000, 0).UTC()

func fixture() fakeSource {
	return fakeSource{
		items: []calls.WorkItem{
			{ID: "w1", Name: "Ada", PhoneNumber: "+1001"},
			{ID: "w2", Name: "Grace", PhoneNumber: "+1002"},
			{ID: "w3", Name: "Linus", PhoneNumber: "+1003"},
		},
		lines: []calls.LineResource{
			{ID: "a", PhoneNumber: "+1999"},
			{ID: "b", PhoneNumber: "+1998"},
		},
		recs: []calls.DispatchRecord{
			{ID: "d1", WorkItemID: "w1", PhoneNumber: "+1001", LineID: "a", Status: calls.DispatchCompleted, ExternalCallID: strp("CA1"), Attempts: 1, CreatedAt: now},
			{ID: "d2", WorkItemID: "w2", PhoneNumber: "+1002", LineID: "b", Status: calls.DispatchQueued, Attempts: 1, LastError: strp("gateway: status 502"), CreatedAt: now.Add(time.Minute)},
			{ID: "d3", WorkItemID: "w3", PhoneNumber: "+1003", LineID: "a", Status: calls.DispatchNoAnswer, ExternalCallID: strp("CA3"), Attempts: 1, CreatedAt: now.Add(2 * time.Hour)},
		},
	}
}

func TestExportDispatches_JoinsAndFilters(t *testing.T) {
	svc := NewService(NewMemoryRepo(fixture()))
	ctx := context.Background()

	rows, err := svc.ExportDispatches(ctx, ExportFilter{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(rows) != 3 || rows[0].ContactName != "Ada" || rows[0].LineNumber != "+1999" || rows[0].ExternalCallID != "CA1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	rows, _ = svc.ExportDispatches(ctx, ExportFilter{Status: calls.DispatchQueued})
	if len(rows) != 1 || rows[0].DispatchID != "d2" || rows[0].LastError == "" {
		t.Fatalf("status filter: %+v", rows)
	}

	rows, _ = svc.ExportDispatches(ctx, ExportFilter{Range: TimeRange{From: now, To: now.Add(time.Hour)}})
	if len(rows) != 2 {
		t.Fatalf("range filter: expected 2, got %d", len(rows))
	}

	rows, _ = svc.ExportDispatches(ctx, ExportFilter{LineID: "a", Limit: 1})
	if len(rows) != 1 || rows[0].DispatchID != "d1" {
		t.Fatalf("line+limit filter: %+v", rows)
	}
}

func TestExportDispatches_Validation(t *testing.T) {
	svc := NewService(NewMemoryRepo(fixture()))
	ctx := context.Background()

	if _, err := svc.ExportDispatches(ctx, ExportFilter{Status: "teleported"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for status, got %v", err)
	}
	if _, err := svc.ExportDispatches(ctx, ExportFilter{Range: TimeRange{From: now, To: now}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty range, got %v", err)
	}
	if _, err := svc.ExportDispatches(ctx, ExportFilter{Limit: -1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for limit, got %v", err)
	}
}

func TestSummary_Aggregates(t *testing.T) {
	svc := NewService(NewMemoryRepo(fixture()))

	s, err := svc.Summary(context.Background(), TimeRange{From: now.Add(-time.Hour), To: now.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.Total != 3 || s.ByStatus[calls.DispatchCompleted] != 1 || s.ByStatus[calls.DispatchRinging] != 0 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.Unacknowledged != 1 || s.Terminal != 2 || s.Attempts != 3 {
		t.Fatalf("unexpected derived counts: %+v", s)
	}
	if len(s.Lines) != 2 || s.Lines[0].LineID != "a" || s.Lines[0].Dispatched != 2 || s.Lines[0].Completed != 1 {
		t.Fatalf("unexpected per-line usage: %+v", s.Lines)
	}

	if _, err := svc.Summary(context.Background(), TimeRange{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing range, got %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	svc := NewService(NewMemoryRepo(fixture()))
	rows, _ := svc.ExportDispatches(context.Background(), ExportFilter{})

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("csv: %v", err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(recs) != 4 || recs[0][0] != "dispatch_id" || recs[2][9] != "gateway: status 502" {
		t.Fatalf("unexpected csv: %v", recs)
	}
	if recs[1][10] != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected timestamp format: %s", recs[1][10])
	}
}
