package ui

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/offsync/internal/collection"
	"github.com/mschirtzinger/offsync/internal/engine"
	"github.com/mschirtzinger/offsync/internal/record"
)

func init() {
	Init(io.Discard, true)
}

// TestStatusTable tests that every collection gets a row.
func TestStatusTable(t *testing.T) {
	synced := time.Now().Add(-3 * time.Minute)
	out := StatusTable([]*engine.Status{
		{Collection: "inbox", Phase: engine.PhaseIdle, LastSyncAt: &synced, Pending: 1200, InFlight: 1},
		{Collection: "calendar", Phase: engine.PhaseOffline, Failed: 2, LastError: "remote unavailable"},
	})

	for _, want := range []string{"inbox", "calendar", "idle", "offline", "3 minutes ago", "never", "1,201", "remote unavailable"} {
		if !strings.Contains(out, want) {
			t.Errorf("StatusTable() missing %q:\n%s", want, out)
		}
	}
}

// TestSummaryLine tests cycle summaries.
func TestSummaryLine(t *testing.T) {
	tests := []struct {
		name string
		sum  *engine.Summary
		want []string
	}{
		{"nil", nil, []string{"no cycle yet"}},
		{"empty", &engine.Summary{Duration: 12 * time.Millisecond}, []string{"no changes", "12ms"}},
		{"counts", &engine.Summary{Sent: 2, Applied: 1500, Kept: 1, FullSync: true}, []string{"2 sent", "1,500 applied", "1 kept local", "(full sync)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SummaryLine(tt.sum)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("SummaryLine() = %q, missing %q", got, w)
				}
			}
		})
	}
}

// TestTitle tests label extraction from both payload kinds.
func TestTitle(t *testing.T) {
	msg := &record.CachedRecord{Payload: json.RawMessage(`{"subject":"Quarterly report"}`)}
	evt := &record.CachedRecord{Payload: json.RawMessage(`{"summary":"Standup"}`)}
	bad := &record.CachedRecord{Payload: json.RawMessage(`[1,2]`)}

	if got := Title(msg); got != "Quarterly report" {
		t.Errorf("Title(message) = %q", got)
	}
	if got := Title(evt); got != "Standup" {
		t.Errorf("Title(event) = %q", got)
	}
	if got := Title(bad); got != "" {
		t.Errorf("Title(bad) = %q, want empty", got)
	}
}

// TestRecordsTable tests truncation and deleted markers.
func TestRecordsTable(t *testing.T) {
	long := strings.Repeat("x", 80)
	out := RecordsTable([]*record.CachedRecord{
		{ID: "m1", Payload: json.RawMessage(`{"subject":"` + long + `"}`), Flags: record.FlagRead},
		{ID: "m2", Payload: json.RawMessage(`{"subject":"gone"}`), DeletedLocally: true},
	})
	if strings.Contains(out, long) {
		t.Error("RecordsTable() did not truncate long titles")
	}
	if !strings.Contains(out, "gone (deleted)") {
		t.Errorf("RecordsTable() missing deleted marker:\n%s", out)
	}
}

// TestDescribe tests the detail view of a message.
func TestDescribe(t *testing.T) {
	rec := &record.CachedRecord{
		ID:         "m1",
		VersionTag: "v3",
		Payload:    json.RawMessage(`{"from":"alice@example.com","subject":"Hi","labels":["INBOX","UNREAD"],"date":"2026-03-01T09:00:00Z"}`),
	}
	out := Describe(rec, collection.KindMessages)
	for _, want := range []string{"m1", "v3", "alice@example.com", "INBOX, UNREAD"} {
		if !strings.Contains(out, want) {
			t.Errorf("Describe() missing %q:\n%s", want, out)
		}
	}
}
