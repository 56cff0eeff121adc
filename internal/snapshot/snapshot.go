// Package snapshot exports the local cache to JSONL and imports it back, so
// a cache can be seeded on a new machine without a full remote fetch.
//
// Each line is one Entry: either a cached record or a collection cursor.
// Records that exist only locally (never accepted by the remote) and
// unconfirmed local deletions are not exported, since they belong to the
// outbound queue rather than to the cache.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/store"
)

// Entry types.
const (
	TypeRecord = "record"
	TypeCursor = "cursor"
)

// exportPageSize is the ListSince page size used while exporting.
const exportPageSize = 500

// Entry is one JSONL line.
type Entry struct {
	Type   string               `json:"type"`
	Record *record.CachedRecord `json:"record,omitempty"`
	Cursor *record.Cursor       `json:"cursor,omitempty"`
}

// Options selects what to export or import.
type Options struct {
	// Collections limits the snapshot. Empty means all given collections.
	Collections []string

	// Tombstones includes confirmed tombstones.
	Tombstones bool

	// Cursors includes change cursors. A restored cursor lets the next sync
	// continue incrementally from where the snapshot was taken.
	Cursors bool

	// DryRun counts entries without writing (import only).
	DryRun bool
}

func (o Options) wants(coll string) bool {
	return len(o.Collections) == 0 || slices.Contains(o.Collections, coll)
}

// Result summarizes an export or import.
type Result struct {
	Records int      `json:"records"`
	Cursors int      `json:"cursors"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Export writes the given collections of db to w.
func Export(ctx context.Context, db *store.DB, collections []string, w io.Writer, opts Options) (*Result, error) {
	result := &Result{}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for _, coll := range collections {
		if !opts.wants(coll) {
			continue
		}

		token := ""
		for {
			page, err := db.ListSince(ctx, coll, token, record.Filter{IncludeDeleted: opts.Tombstones, Limit: exportPageSize})
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", coll, err)
			}
			for _, rec := range page.Records {
				if !exportable(rec) {
					result.Skipped++
					continue
				}
				if err := enc.Encode(Entry{Type: TypeRecord, Record: rec}); err != nil {
					return nil, fmt.Errorf("failed to encode record %s/%s: %w", coll, rec.ID, err)
				}
				result.Records++
			}
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}

		if opts.Cursors {
			c, err := db.GetCursor(ctx, coll)
			if err != nil {
				return nil, err
			}
			if c.HasToken() {
				if err := enc.Encode(Entry{Type: TypeCursor, Cursor: c}); err != nil {
					return nil, fmt.Errorf("failed to encode cursor %s: %w", coll, err)
				}
				result.Cursors++
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return result, nil
}

func exportable(rec *record.CachedRecord) bool {
	if rec.VersionTag == "" && !rec.DeletionConfirmed {
		return false
	}
	if rec.DeletedLocally && !rec.DeletionConfirmed {
		return false
	}
	return true
}

// ExportFile writes a snapshot to path atomically via a temp file.
func ExportFile(ctx context.Context, db *store.DB, collections []string, path string, opts Options) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, db, collections, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// Import reads a snapshot from r into db in one transaction. Entries for
// collections outside known are skipped; malformed entries are reported in
// Result.Errors and skipped. A read or storage error aborts the import.
func Import(ctx context.Context, db *store.DB, known []string, r io.Reader, opts Options) (*Result, error) {
	result := &Result{}
	var records []*record.CachedRecord
	var cursors []*record.Cursor

	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at entry %d: %w", line, err)
		}

		switch {
		case e.Type == TypeRecord && e.Record != nil:
			coll := e.Record.Collection
			if !slices.Contains(known, coll) || !opts.wants(coll) || e.Record.ID == "" {
				result.Skipped++
				continue
			}
			if e.Record.DeletedLocally && !opts.Tombstones {
				result.Skipped++
				continue
			}
			records = append(records, e.Record)
		case e.Type == TypeCursor && e.Cursor != nil:
			if !opts.Cursors || !slices.Contains(known, e.Cursor.Collection) || !opts.wants(e.Cursor.Collection) {
				result.Skipped++
				continue
			}
			cursors = append(cursors, e.Cursor)
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: unknown or empty entry type %q", line, e.Type))
		}
	}

	result.Records = len(records)
	result.Cursors = len(cursors)
	if opts.DryRun {
		return result, nil
	}

	err := db.Update(ctx, func(tx *store.Tx) error {
		for _, rec := range records {
			if err := tx.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		for _, c := range cursors {
			if err := tx.SetCursor(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import snapshot: %w", err)
	}
	return result, nil
}

// ImportFile imports the snapshot at path.
func ImportFile(ctx context.Context, db *store.DB, known []string, path string, opts Options) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return Import(ctx, db, known, f, opts)
}
