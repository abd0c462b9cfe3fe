package reporting

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"dispatch_id", "work_item_id", "contact_name", "phone_number", "line_id", "line_number",
	"status", "external_call_id", "attempts", "last_error", "created_at", "updated_at",
}

// WriteCSV renders export rows with a header line. Timestamps are RFC 3339 UTC.
func WriteCSV(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.DispatchID,
			r.WorkItemID,
			r.ContactName,
			r.PhoneNumber,
			r.LineID,
			r.LineNumber,
			string(r.Status),
			r.ExternalCallID,
			strconv.Itoa(r.Attempts),
			r.LastError,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
