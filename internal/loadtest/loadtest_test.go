package loadtest

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/store"
)

func openCache(t *testing.T, count int) *TestCache {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tc, err := Populate(context.Background(), db, count, 0.3)
	if err != nil {
		t.Fatalf("Populate() failed: %v", err)
	}
	return tc
}

// TestPopulate verifies that the cache holds the expected records.
func TestPopulate(t *testing.T) {
	tc := openCache(t, 200)

	if len(tc.IDs) != 200 {
		t.Errorf("Expected 200 records, got %d", len(tc.IDs))
	}
	unreadPct := float64(tc.Unread) / float64(tc.TotalCount) * 100
	if unreadPct < 20 || unreadPct > 40 {
		t.Errorf("Expected ~30%% unread, got %.1f%%", unreadPct)
	}

	counts, err := tc.DB.Stats(context.Background(), Collection)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if counts.Live != 200 || counts.Unread != tc.Unread {
		t.Errorf("Stats() = %+v, want 200 live and %d unread", counts, tc.Unread)
	}
}

// TestConcurrentReads_Small verifies basic concurrent read functionality.
func TestConcurrentReads_Small(t *testing.T) {
	tc := openCache(t, 200)

	stats, err := tc.RunConcurrentReads(context.Background(), Options{Readers: 8, QueriesPerReader: 10})
	if err != nil {
		t.Fatalf("RunConcurrentReads() failed: %v", err)
	}
	if stats.TotalQueries != 80 {
		t.Errorf("Expected 80 queries, got %d", stats.TotalQueries)
	}
	if stats.Errors != 0 {
		t.Errorf("Expected 0 errors, got %d", stats.Errors)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P99 || stats.P99 > stats.Max {
		t.Errorf("Percentiles out of order: %+v", stats)
	}
}

// TestConcurrentReads_WithWriter verifies that readers keep working while a
// sync writes to the cache.
func TestConcurrentReads_WithWriter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	tc := openCache(t, 500)

	stats, err := tc.RunConcurrentReads(context.Background(), Options{
		Readers:          20,
		QueriesPerReader: 20,
		PageSize:         25,
		WriteBatch:       10,
	})
	if err != nil {
		t.Fatalf("RunConcurrentReads() failed: %v", err)
	}
	if stats.Errors != 0 {
		t.Errorf("Expected 0 read errors during writes, got %d", stats.Errors)
	}
	if stats.Writes == 0 {
		t.Error("Writer made no progress")
	}
	stats.Fprint(io.Discard)

	// Every record is still present exactly once.
	page, err := tc.DB.ListSince(context.Background(), Collection, "", record.Filter{Limit: 1000})
	if err != nil {
		t.Fatalf("ListSince() failed: %v", err)
	}
	if len(page.Records) != 500 {
		t.Errorf("Expected 500 records after writes, got %d", len(page.Records))
	}
}

// TestComputeLatencyStats verifies percentile calculation.
func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[99-i] = time.Duration(i+1) * time.Millisecond
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}

	if empty := computeLatencyStats(nil); empty.TotalQueries != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}
