// Package loadtest measures cache read latency under concurrent access.
//
// It populates a store with synthetic messages, then runs many readers paging
// through the cache while an optional writer applies sync batches, the access
// pattern of a UI reading the cache during a sync cycle.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/offsync/internal/collection"
	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/store"
)

// Collection is the collection the synthetic records are written to.
const Collection = "inbox"

// TestCache is a store populated with synthetic messages.
type TestCache struct {
	DB         *store.DB
	IDs        []string
	Unread     int
	TotalCount int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration `json:"min"`
	Max          time.Duration `json:"max"`
	Mean         time.Duration `json:"mean"`
	P50          time.Duration `json:"p50"`
	P95          time.Duration `json:"p95"`
	P99          time.Duration `json:"p99"`
	TotalQueries int           `json:"total_queries"`
	Errors       int           `json:"errors"`
	Writes       int           `json:"writes"`
}

// Options configures a concurrent run.
type Options struct {
	Readers          int
	QueriesPerReader int
	PageSize         int

	// WriteBatch, when positive, runs a writer that keeps upserting batches
	// of this many records until the readers finish.
	WriteBatch int
}

// Populate writes count synthetic messages into db. About unreadPct of them
// are unread. The generator is seeded so runs are comparable.
func Populate(ctx context.Context, db *store.DB, count int, unreadPct float64) (*TestCache, error) {
	schema, err := collection.ForKind(collection.KindMessages)
	if err != nil {
		return nil, err
	}

	tc := &TestCache{DB: db, IDs: make([]string, 0, count), TotalCount: count}
	rng := rand.New(rand.NewSource(42))
	base := time.Now().Add(-30 * 24 * time.Hour)

	err = db.Update(ctx, func(tx *store.Tx) error {
		for i := 0; i < count; i++ {
			unread := rng.Float64() < unreadPct
			rec, err := syntheticMessage(schema, fmt.Sprintf("m-%06d", i), 1, base.Add(time.Duration(i)*time.Minute), unread)
			if err != nil {
				return err
			}
			if err := tx.Upsert(ctx, rec); err != nil {
				return err
			}
			tc.IDs = append(tc.IDs, rec.ID)
			if unread {
				tc.Unread++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to populate cache: %w", err)
	}
	return tc, nil
}

func syntheticMessage(schema collection.Schema, id string, version int, date time.Time, unread bool) (*record.CachedRecord, error) {
	labels := []string{collection.LabelInbox}
	if unread {
		labels = append(labels, collection.LabelUnread)
	}
	payload, err := json.Marshal(collection.MessagePayload{
		ThreadID: "t-" + id[len(id)-3:],
		From:     "loadtest@example.com",
		Subject:  "Load test message " + id,
		Snippet:  "Synthetic message used to measure cache latency.",
		Labels:   labels,
		Date:     date,
	})
	if err != nil {
		return nil, err
	}
	idx, err := schema.Index(payload)
	if err != nil {
		return nil, err
	}
	return &record.CachedRecord{
		Collection: Collection,
		ID:         id,
		VersionTag: fmt.Sprintf("v%d", version),
		Payload:    payload,
		SortKey:    idx.SortKey,
		GroupKey:   idx.GroupKey,
		Flags:      idx.Flags,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// RunConcurrentReads runs opts.Readers goroutines, each paging through the
// cache opts.QueriesPerReader times, and reports per-query latency.
func (tc *TestCache) RunConcurrentReads(ctx context.Context, opts Options) (*LatencyStats, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}

	var (
		mu     sync.Mutex
		all    []time.Duration
		errCnt int
		writes int
	)

	readCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()

	var writer errgroup.Group
	if opts.WriteBatch > 0 {
		writer.Go(func() error {
			n, err := tc.writeLoop(readCtx, opts.WriteBatch)
			writes = n
			return err
		})
	}

	var readers sync.WaitGroup
	for i := 0; i < opts.Readers; i++ {
		readers.Add(1)
		go func(reader int) {
			defer readers.Done()

			durations := make([]time.Duration, 0, opts.QueriesPerReader)
			filter := record.Filter{Limit: opts.PageSize, UnreadOnly: reader%2 == 1}
			token := ""
			failed := 0
			for j := 0; j < opts.QueriesPerReader; j++ {
				start := time.Now()
				page, err := tc.DB.ListSince(ctx, Collection, token, filter)
				durations = append(durations, time.Since(start))
				if err != nil {
					failed++
					token = ""
					continue
				}
				token = page.NextPageToken
			}

			mu.Lock()
			all = append(all, durations...)
			errCnt += failed
			mu.Unlock()
		}(i)
	}
	readers.Wait()
	stopWriter()
	if err := writer.Wait(); err != nil {
		return nil, err
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no queries completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errCnt
	stats.Writes = writes
	return stats, nil
}

// writeLoop bumps the version of batch random records per transaction until
// ctx is done, returning the number of records written.
func (tc *TestCache) writeLoop(ctx context.Context, batch int) (int, error) {
	schema, err := collection.ForKind(collection.KindMessages)
	if err != nil {
		return 0, err
	}
	rng := rand.New(rand.NewSource(7))
	written := 0
	for version := 2; ctx.Err() == nil; version++ {
		err := tc.DB.Update(ctx, func(tx *store.Tx) error {
			for i := 0; i < batch; i++ {
				id := tc.IDs[rng.Intn(len(tc.IDs))]
				rec, err := syntheticMessage(schema, id, version, time.Now(), rng.Intn(2) == 0)
				if err != nil {
					return err
				}
				if err := tx.Upsert(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return written, fmt.Errorf("writer failed: %w", err)
		}
		written += batch
	}
	return written, nil
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(sorted)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(sorted),
	}
}

// Fprint writes a human-readable report.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Writes:        %d\n", s.Writes)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
