package migrations

import (
	"strings"
	"testing"
)

func TestFiles_OrderedAndNonEmpty(t *testing.T) {
	names, err := Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_init.sql" {
		t.Fatalf("unexpected files: %v", names)
	}
	body, err := files.ReadFile(names[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{"work_items", "line_resources", "dispatch_records", "used_today <= daily_limit"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}
