package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/store"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *store.DB) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	recs := []*record.CachedRecord{
		{Collection: "inbox", ID: "m1", VersionTag: "v1", Payload: json.RawMessage(`{"subject":"one"}`), SortKey: base},
		{Collection: "inbox", ID: "m2", VersionTag: "v3", Payload: json.RawMessage(`{"subject":"two"}`), SortKey: base.Add(time.Hour), Flags: record.FlagRead},
		{Collection: "inbox", ID: "local-1", Payload: json.RawMessage(`{"subject":"draft"}`), SortKey: base},
		{Collection: "calendar", ID: "e1", VersionTag: "v2", Payload: json.RawMessage(`{"summary":"standup"}`), SortKey: base, GroupKey: "primary"},
	}
	for _, r := range recs {
		if err := db.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
	}
	if err := db.Upsert(ctx, &record.CachedRecord{Collection: "inbox", ID: "gone", VersionTag: "v1", SortKey: base}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := db.Tombstone(ctx, "inbox", "gone", true); err != nil {
		t.Fatalf("Tombstone() failed: %v", err)
	}
	if err := db.Upsert(ctx, &record.CachedRecord{Collection: "inbox", ID: "pending", VersionTag: "v1", SortKey: base}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := db.Tombstone(ctx, "inbox", "pending", false); err != nil {
		t.Fatalf("Tombstone() failed: %v", err)
	}
	if err := db.SetCursor(ctx, &record.Cursor{Collection: "inbox", ChangeToken: "tok-0-9"}); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}
}

// TestExportImport tests that a snapshot restores records and cursors.
func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)
	seed(t, src)

	var buf bytes.Buffer
	opts := Options{Tombstones: true, Cursors: true}
	res, err := Export(ctx, src, []string{"inbox", "calendar"}, &buf, opts)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	// m1, m2, gone, e1; local-1 and pending stay behind.
	if res.Records != 4 || res.Cursors != 1 || res.Skipped != 2 {
		t.Errorf("Export() = %+v, want 4 records, 1 cursor, 2 skipped", res)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 5 {
		t.Errorf("snapshot has %d lines, want 5", lines)
	}

	dst := openStore(t)
	res, err = Import(ctx, dst, []string{"inbox", "calendar"}, &buf, opts)
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Records != 4 || res.Cursors != 1 {
		t.Errorf("Import() = %+v, want 4 records, 1 cursor", res)
	}

	m2, err := dst.Get(ctx, "inbox", "m2")
	if err != nil {
		t.Fatalf("Get(m2) failed: %v", err)
	}
	if m2.VersionTag != "v3" || !m2.Flags.Has(record.FlagRead) || string(m2.Payload) != `{"subject":"two"}` {
		t.Errorf("m2 = %+v, not restored faithfully", m2)
	}
	gone, err := dst.Get(ctx, "inbox", "gone")
	if err != nil {
		t.Fatalf("Get(gone) failed: %v", err)
	}
	if !gone.DeletionConfirmed {
		t.Error("tombstone lost its confirmation")
	}
	if _, err := dst.Get(ctx, "inbox", "local-1"); err == nil {
		t.Error("local-only record was exported")
	}

	c, err := dst.GetCursor(ctx, "inbox")
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if c.ChangeToken != "tok-0-9" {
		t.Errorf("ChangeToken = %q, want tok-0-9", c.ChangeToken)
	}
}

// TestImport_Filters tests collection filtering, dry runs and bad entries.
func TestImport_Filters(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)
	seed(t, src)

	var buf bytes.Buffer
	if _, err := Export(ctx, src, []string{"inbox", "calendar"}, &buf, Options{Cursors: true}); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	buf.WriteString(`{"type":"mystery"}` + "\n")

	dst := openStore(t)
	res, err := Import(ctx, dst, []string{"inbox"}, bytes.NewReader(buf.Bytes()), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	// inbox m1, m2 kept; calendar e1 and the cursor (cursors off) skipped.
	if res.Records != 2 || res.Cursors != 0 || res.Skipped != 2 || len(res.Errors) != 1 {
		t.Errorf("Import() = %+v", res)
	}
	if _, err := dst.Get(ctx, "inbox", "m1"); err == nil {
		t.Error("dry run wrote records")
	}

	if _, err := Import(ctx, dst, []string{"inbox"}, strings.NewReader("{not json"), Options{}); err == nil {
		t.Error("Import() accepted malformed JSON")
	}
}

// TestExportFile tests the atomic file round trip.
func TestExportFile(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)
	seed(t, src)

	path := filepath.Join(t.TempDir(), "snapshots", "cache.jsonl")
	if _, err := ExportFile(ctx, src, []string{"calendar"}, path, Options{}); err != nil {
		t.Fatalf("ExportFile() failed: %v", err)
	}

	dst := openStore(t)
	res, err := ImportFile(ctx, dst, []string{"calendar"}, path, Options{})
	if err != nil {
		t.Fatalf("ImportFile() failed: %v", err)
	}
	if res.Records != 1 {
		t.Errorf("Records = %d, want 1", res.Records)
	}
	e1, err := dst.Get(ctx, "calendar", "e1")
	if err != nil {
		t.Fatalf("Get(e1) failed: %v", err)
	}
	if e1.GroupKey != "primary" {
		t.Errorf("GroupKey = %q, want primary", e1.GroupKey)
	}

	if _, err := ImportFile(ctx, dst, nil, filepath.Join(t.TempDir(), "missing.jsonl"), Options{}); err == nil {
		t.Error("ImportFile() accepted a missing file")
	}
}
