package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
)

// GetCursor returns the change cursor of a collection. A collection that was
// never synced yields an empty cursor, not an error.
func (s queries) GetCursor(ctx context.Context, collection string) (*record.Cursor, error) {
	var (
		c         = record.Cursor{Collection: collection}
		lastFull  sql.NullString
		updatedAt string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT change_token, last_full_sync_at, updated_at FROM cursors WHERE collection = ?`,
		collection,
	).Scan(&c.ChangeToken, &lastFull, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor for %s: %w", collection, err)
	}
	c.LastFullSyncAt = nullStringToTime(lastFull)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

// SetCursor stores the change cursor of a collection.
func (s queries) SetCursor(ctx context.Context, c *record.Cursor) error {
	if c.Collection == "" {
		return fmt.Errorf("cursor collection is required")
	}
	c.UpdatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cursors (collection, change_token, last_full_sync_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			change_token = excluded.change_token,
			last_full_sync_at = COALESCE(excluded.last_full_sync_at, cursors.last_full_sync_at),
			updated_at = excluded.updated_at`,
		c.Collection, c.ChangeToken, timeToNullString(c.LastFullSyncAt), c.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", c.Collection, err)
	}
	return nil
}

// ClearCursor drops the change token so the next fetch is a full one.
func (s queries) ClearCursor(ctx context.Context, collection string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE cursors SET change_token = '', updated_at = ? WHERE collection = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), collection)
	if err != nil {
		return fmt.Errorf("failed to clear cursor for %s: %w", collection, err)
	}
	return nil
}

// PutDeferred stores a delta whose application was postponed. A later delta
// for the same record replaces it.
func (s queries) PutDeferred(ctx context.Context, collection string, d *record.Delta) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO deferred_deltas (collection, id, version_tag, payload, is_deletion, deferred_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			version_tag = excluded.version_tag,
			payload = excluded.payload,
			is_deletion = excluded.is_deletion,
			deferred_at = excluded.deferred_at`,
		collection, d.ID, d.VersionTag, string(d.Payload), d.IsDeletion, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to defer delta %s/%s: %w", collection, d.ID, err)
	}
	return nil
}

// DeleteDeferred removes a deferred delta. Missing rows are ignored.
func (s queries) DeleteDeferred(ctx context.Context, collection, id string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM deferred_deltas WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete deferred delta %s/%s: %w", collection, id, err)
	}
	return nil
}

// ListDeferred returns the deferred deltas of a collection, oldest first.
func (s queries) ListDeferred(ctx context.Context, collection string) ([]*record.Delta, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, version_tag, payload, is_deletion FROM deferred_deltas
		WHERE collection = ? ORDER BY deferred_at, id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred deltas: %w", err)
	}
	defer rows.Close()

	var deltas []*record.Delta
	for rows.Next() {
		var (
			d       record.Delta
			payload string
		)
		if err := rows.Scan(&d.ID, &d.VersionTag, &payload, &d.IsDeletion); err != nil {
			return nil, fmt.Errorf("failed to scan deferred delta: %w", err)
		}
		if payload != "" {
			d.Payload = json.RawMessage(payload)
		}
		deltas = append(deltas, &d)
	}
	return deltas, rows.Err()
}
