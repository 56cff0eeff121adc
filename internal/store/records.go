package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the statements shared by DB and Tx.
type queries struct {
	q querier
}

const recordColumns = `collection, id, version_tag, payload, sort_key, group_key, flags,
	deleted_locally, deletion_confirmed, deleted_at, updated_at`

// Get returns one cached record, tombstoned or not.
func (s queries) Get(ctx context.Context, collection, id string) (*record.CachedRecord, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE collection = ? AND id = ?`,
		collection, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Upsert inserts or replaces a record. UpdatedAt is set when zero.
func (s queries) Upsert(ctx context.Context, rec *record.CachedRecord) error {
	if rec.Collection == "" || rec.ID == "" {
		return fmt.Errorf("record collection and id are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		version_tag = excluded.version_tag,
		payload = excluded.payload,
		sort_key = excluded.sort_key,
		group_key = excluded.group_key,
		flags = excluded.flags,
		deleted_locally = excluded.deleted_locally,
		deletion_confirmed = excluded.deletion_confirmed,
		deleted_at = excluded.deleted_at,
		updated_at = excluded.updated_at
	`
	_, err := s.q.ExecContext(ctx, query,
		rec.Collection,
		rec.ID,
		rec.VersionTag,
		string(rec.Payload),
		rec.SortKey.UnixMilli(),
		rec.GroupKey,
		int64(rec.Flags),
		rec.DeletedLocally,
		rec.DeletionConfirmed,
		timeToNullString(rec.DeletedAt),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

// Tombstone marks a record deleted.
//
// An unconfirmed tombstone is a local deletion still waiting for the remote;
// it carries FlagPendingDelete. A confirmed tombstone becomes purgeable.
// Tombstoning an uncached record inserts an empty tombstone row.
func (s queries) Tombstone(ctx context.Context, collection, id string, confirmed bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	pending := int64(record.FlagPendingDelete)
	if confirmed {
		pending = 0
	}

	query := `
	INSERT INTO records (collection, id, flags, deleted_locally, deletion_confirmed, deleted_at, updated_at)
	VALUES (?, ?, ?, 1, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		flags = (records.flags & ~?) | excluded.flags,
		deleted_locally = 1,
		deletion_confirmed = excluded.deletion_confirmed,
		deleted_at = COALESCE(records.deleted_at, excluded.deleted_at),
		updated_at = excluded.updated_at
	`
	_, err := s.q.ExecContext(ctx, query,
		collection, id, pending, confirmed, now, now, int64(record.FlagPendingDelete))
	if err != nil {
		return fmt.Errorf("failed to tombstone record %s/%s: %w", collection, id, err)
	}
	return nil
}

// ConfirmDeletion marks an existing tombstone as acknowledged by the remote.
// It is a no-op for records that are live or absent.
func (s queries) ConfirmDeletion(ctx context.Context, collection, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE records
		SET deletion_confirmed = 1, flags = flags & ~?, updated_at = ?
		WHERE collection = ? AND id = ? AND deleted_locally = 1`,
		int64(record.FlagPendingDelete), time.Now().UTC().Format(time.RFC3339Nano), collection, id)
	if err != nil {
		return fmt.Errorf("failed to confirm deletion of %s/%s: %w", collection, id, err)
	}
	return nil
}

// SetVersion records the version tag the remote assigned after a local change
// was accepted.
func (s queries) SetVersion(ctx context.Context, collection, id, version string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE records SET version_tag = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		version, time.Now().UTC().Format(time.RFC3339Nano), collection, id)
	if err != nil {
		return fmt.Errorf("failed to set version of %s/%s: %w", collection, id, err)
	}
	return nil
}

// Rekey renames a locally created record to the id the remote assigned.
// Any row already cached under newID is replaced.
func (s queries) Rekey(ctx context.Context, collection, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, newID); err != nil {
		return fmt.Errorf("failed to clear record %s/%s: %w", collection, newID, err)
	}
	if _, err := s.q.ExecContext(ctx,
		`UPDATE records SET id = ? WHERE collection = ? AND id = ?`, newID, collection, oldID); err != nil {
		return fmt.Errorf("failed to rekey record %s/%s: %w", collection, oldID, err)
	}
	return nil
}

// PurgeTombstones deletes confirmed tombstones deleted before olderThan.
// Unconfirmed tombstones are never purged.
func (s queries) PurgeTombstones(ctx context.Context, collection string, olderThan time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM records
		WHERE collection = ?
		  AND deleted_locally = 1
		  AND deletion_confirmed = 1
		  AND deleted_at < ?`,
		collection, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged tombstones: %w", err)
	}
	return n, nil
}

// RemoteIDs returns the ids of records that exist on the remote as far as the
// cache knows: every record carrying a version tag whose deletion has not been
// confirmed. Locally created records that were never sent are excluded.
func (s queries) RemoteIDs(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id FROM records
		WHERE collection = ? AND version_tag != '' AND deletion_confirmed = 0
		ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list record ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSince returns one page of records ordered newest first.
// pageToken is the NextPageToken of the previous page, or empty.
func (s queries) ListSince(ctx context.Context, collection, pageToken string, f record.Filter) (*record.Page, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	where := []string{"collection = ?"}
	args := []any{collection}

	if !f.IncludeDeleted {
		where = append(where, "deleted_locally = 0")
	}
	if f.GroupKey != "" {
		where = append(where, "group_key = ?")
		args = append(args, f.GroupKey)
	}
	if f.UnreadOnly {
		where = append(where, "(flags & ?) = 0")
		args = append(args, int64(record.FlagRead))
	}
	if f.StarredOnly {
		where = append(where, "(flags & ?) != 0")
		args = append(args, int64(record.FlagStarred))
	}
	if f.Since != nil {
		where = append(where, "sort_key >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.Until != nil {
		where = append(where, "sort_key < ?")
		args = append(args, f.Until.UnixMilli())
	}
	if pageToken != "" {
		pos, err := decodePageToken(pageToken)
		if err != nil {
			return nil, err
		}
		where = append(where, "(sort_key < ? OR (sort_key = ? AND id < ?))")
		args = append(args, pos.SortKey, pos.SortKey, pos.ID)
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY sort_key DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	page := &record.Page{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		last := page.Records[limit-1]
		page.NextPageToken = encodePageToken(pagePosition{SortKey: last.SortKey.UnixMilli(), ID: last.ID})
	}
	return page, nil
}

// Counts summarizes one collection for status displays.
type Counts struct {
	Live       int `json:"live" yaml:"live"`
	Unread     int `json:"unread" yaml:"unread"`
	Starred    int `json:"starred" yaml:"starred"`
	Tombstones int `json:"tombstones" yaml:"tombstones"`
}

// Stats counts the records of a collection.
func (s queries) Stats(ctx context.Context, collection string) (*Counts, error) {
	var c Counts
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted_locally = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_locally = 0 AND (flags & ?) = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_locally = 0 AND (flags & ?) != 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_locally = 1 THEN 1 ELSE 0 END), 0)
		FROM records WHERE collection = ?`,
		int64(record.FlagRead), int64(record.FlagStarred), collection,
	).Scan(&c.Live, &c.Unread, &c.Starred, &c.Tombstones)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*record.CachedRecord, error) {
	var (
		rec       record.CachedRecord
		payload   string
		sortKey   int64
		flags     int64
		deletedAt sql.NullString
		updatedAt string
	)
	err := sc.Scan(
		&rec.Collection,
		&rec.ID,
		&rec.VersionTag,
		&payload,
		&sortKey,
		&rec.GroupKey,
		&flags,
		&rec.DeletedLocally,
		&rec.DeletionConfirmed,
		&deletedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	rec.SortKey = time.UnixMilli(sortKey).UTC()
	rec.Flags = record.Flags(flags)
	rec.DeletedAt = nullStringToTime(deletedAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

// Helper functions for nullable time fields

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
