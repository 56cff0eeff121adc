// Package queue implements the durable outbound action queue.
//
// Actions are kept in the cache database so that queue bookkeeping can commit
// atomically with cache writes. Ordering is strict per record: an action is
// eligible only when no older action for the same record remains in the
// queue, whatever its status. A failed action therefore blocks its successors
// until it is retried or discarded.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/store"
)

var (
	// ErrNotFound is returned for unknown action ids.
	ErrNotFound = errors.New("action not found")

	// ErrRecordDeleted rejects mutations of a record with an unresolved delete.
	ErrRecordDeleted = fmt.Errorf("%w: record has a pending delete", record.ErrInvalidAction)
)

// DefaultMaxRetries is the retry ceiling after which an action is Failed.
const DefaultMaxRetries = 5

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queue is the outbound action queue.
type Queue struct {
	db         *store.DB
	maxRetries int
}

// New creates the queue tables in db if needed. maxRetries <= 0 selects
// DefaultMaxRetries.
func New(db *store.DB, maxRetries int) (*Queue, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	q := &Queue{db: db, maxRetries: maxRetries}
	if err := q.InitSchemaContext(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

// MaxRetries returns the retry ceiling.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// InitSchemaContext creates the queue table.
func (q *Queue) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		action_type TEXT NOT NULL,  -- create, update, delete, status_change
		base_version TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',  -- pending, in_flight, failed
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(collection, status, id);
	CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue(collection, record_id, id);
	`
	if _, err := q.db.RawDB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// Enqueue appends an action in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, a *record.QueuedAction) (*record.QueuedAction, error) {
	var out *record.QueuedAction
	err := q.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		out, _, err = q.EnqueueTx(ctx, tx, a)
		return err
	})
	return out, err
}

// EnqueueTx appends an action inside tx and reports how many earlier
// actions it voided.
//
// A Delete voids earlier pending Update and StatusChange actions for the same
// record. Any action enqueued after an unresolved Delete is rejected with
// ErrRecordDeleted.
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Tx, a *record.QueuedAction) (*record.QueuedAction, int, error) {
	if err := a.Validate(); err != nil {
		return nil, 0, err
	}
	db := tx.SQL()

	var deletes int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue
		WHERE collection = ? AND record_id = ? AND action_type = ?`,
		a.Collection, a.RecordID, string(record.ActionDelete)).Scan(&deletes)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to check pending deletes: %w", err)
	}
	if deletes > 0 {
		return nil, 0, fmt.Errorf("%s/%s: %w", a.Collection, a.RecordID, ErrRecordDeleted)
	}

	var voided int64
	if a.Type == record.ActionDelete {
		res, err := db.ExecContext(ctx, `
			DELETE FROM sync_queue
			WHERE collection = ? AND record_id = ? AND status = ?
			  AND action_type IN (?, ?)`,
			a.Collection, a.RecordID, string(record.StatusPending),
			string(record.ActionUpdate), string(record.ActionStatusChange))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to void superseded actions: %w", err)
		}
		if voided, err = res.RowsAffected(); err != nil {
			return nil, 0, fmt.Errorf("failed to count voided actions: %w", err)
		}
	}

	now := time.Now().UTC()
	out := *a
	out.Status = record.StatusPending
	out.RetryCount = 0
	out.LastError = ""
	out.CreatedAt = now
	out.UpdatedAt = now

	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_queue (collection, record_id, action_type, base_version, payload,
			created_at, updated_at, retry_count, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '')`,
		out.Collection, out.RecordID, string(out.Type), out.BaseVersion, string(out.Payload),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), string(record.StatusPending))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to enqueue action: %w", err)
	}
	out.ID, err = res.LastInsertId()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read action id: %w", err)
	}
	return &out, int(voided), nil
}

// NextPending claims the oldest eligible action of a collection and marks it
// in flight. It returns nil when nothing is eligible.
func (q *Queue) NextPending(ctx context.Context, collection string) (*record.QueuedAction, error) {
	var next *record.QueuedAction
	err := q.db.Update(ctx, func(tx *store.Tx) error {
		row := tx.SQL().QueryRowContext(ctx, `
			SELECT `+actionColumns+` FROM sync_queue a
			WHERE a.collection = ? AND a.status = ?
			  AND NOT EXISTS (
				SELECT 1 FROM sync_queue b
				WHERE b.collection = a.collection AND b.record_id = a.record_id AND b.id < a.id
			  )
			ORDER BY a.id
			LIMIT 1`,
			collection, string(record.StatusPending))
		a, err := scanAction(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next action: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.SQL().ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(record.StatusInFlight), now.Format(time.RFC3339Nano), a.ID); err != nil {
			return fmt.Errorf("failed to claim action %d: %w", a.ID, err)
		}
		a.Status = record.StatusInFlight
		a.UpdatedAt = now
		next = a
		return nil
	})
	return next, err
}

// MarkSucceeded removes a sent action.
func (q *Queue) MarkSucceeded(ctx context.Context, id int64) error {
	return q.db.Update(ctx, func(tx *store.Tx) error {
		return q.MarkSucceededTx(ctx, tx, id)
	})
}

// MarkSucceededTx removes a sent action inside tx.
func (q *Queue) MarkSucceededTx(ctx context.Context, tx *store.Tx, id int64) error {
	if _, err := tx.SQL().ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove action %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt and returns the resulting status.
// The action returns to Pending until the retry ceiling is reached; a terminal
// failure goes straight to Failed.
func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string, terminal bool) (record.ActionStatus, error) {
	var status record.ActionStatus
	err := q.db.Update(ctx, func(tx *store.Tx) error {
		var retries int
		err := tx.SQL().QueryRowContext(ctx,
			`SELECT retry_count FROM sync_queue WHERE id = ?`, id).Scan(&retries)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("action %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read action %d: %w", id, err)
		}

		retries++
		status = record.StatusPending
		if terminal || retries >= q.maxRetries {
			status = record.StatusFailed
		}
		_, err = tx.SQL().ExecContext(ctx, `
			UPDATE sync_queue SET retry_count = ?, status = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			retries, string(status), reason, time.Now().UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("failed to mark action %d failed: %w", id, err)
		}
		return nil
	})
	return status, err
}

// Release returns an in-flight action to Pending without counting a retry.
func (q *Queue) Release(ctx context.Context, id int64) error {
	_, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(record.StatusPending), time.Now().UTC().Format(time.RFC3339Nano), id, string(record.StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to release action %d: %w", id, err)
	}
	return nil
}

// Requeue returns an in-flight action to Pending and records reason as its
// last error. The retry count is left alone.
func (q *Queue) Requeue(ctx context.Context, id int64, reason string) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(record.StatusPending), reason, time.Now().UTC().Format(time.RFC3339Nano), id, string(record.StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to requeue action %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("action %d is not in flight: %w", id, ErrNotFound)
	}
	return nil
}

// RecoverInFlight returns every in-flight action to Pending. It is called at
// startup, when no attempt can still be running.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, updated_at = ? WHERE status = ?`,
		string(record.StatusPending), time.Now().UTC().Format(time.RFC3339Nano), string(record.StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight actions: %w", err)
	}
	return res.RowsAffected()
}

// UnresolvedTx returns every queued action for a record, oldest first.
func (q *Queue) UnresolvedTx(ctx context.Context, tx *store.Tx, collection, recordID string) ([]*record.QueuedAction, error) {
	return listActions(ctx, tx.SQL(), `
		SELECT `+actionColumns+` FROM sync_queue
		WHERE collection = ? AND record_id = ? ORDER BY id`,
		collection, recordID)
}

// RebaseTx moves the pending successors of a sent action onto the version the
// remote reported for it.
func (q *Queue) RebaseTx(ctx context.Context, tx *store.Tx, collection, recordID, version string) error {
	_, err := tx.SQL().ExecContext(ctx, `
		UPDATE sync_queue SET base_version = ?
		WHERE collection = ? AND record_id = ? AND status = ?`,
		version, collection, recordID, string(record.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to rebase actions for %s/%s: %w", collection, recordID, err)
	}
	return nil
}

// RekeyTx points queued actions of a locally created record at its remote id.
func (q *Queue) RekeyTx(ctx context.Context, tx *store.Tx, collection, oldID, newID string) error {
	_, err := tx.SQL().ExecContext(ctx,
		`UPDATE sync_queue SET record_id = ? WHERE collection = ? AND record_id = ?`,
		newID, collection, oldID)
	if err != nil {
		return fmt.Errorf("failed to rekey actions for %s/%s: %w", collection, oldID, err)
	}
	return nil
}

// Get returns one action.
func (q *Queue) Get(ctx context.Context, id int64) (*record.QueuedAction, error) {
	a, err := scanAction(q.db.RawDB().QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %d: %w", id, err)
	}
	return a, nil
}

// List returns the actions of a collection in queue order. An empty status
// lists all of them.
func (q *Queue) List(ctx context.Context, collection string, status record.ActionStatus) ([]*record.QueuedAction, error) {
	if status == "" {
		return listActions(ctx, q.db.RawDB(),
			`SELECT `+actionColumns+` FROM sync_queue WHERE collection = ? ORDER BY id`, collection)
	}
	return listActions(ctx, q.db.RawDB(),
		`SELECT `+actionColumns+` FROM sync_queue WHERE collection = ? AND status = ? ORDER BY id`,
		collection, string(status))
}

// Retry resets a failed action to Pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	return q.resolve(ctx, id, `
		UPDATE sync_queue SET status = ?, retry_count = 0, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(record.StatusPending), time.Now().UTC().Format(time.RFC3339Nano), id, string(record.StatusFailed))
}

// Discard drops a failed action, unblocking its successors.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	return q.resolve(ctx, id,
		`DELETE FROM sync_queue WHERE id = ? AND status = ?`, id, string(record.StatusFailed))
}

func (q *Queue) resolve(ctx context.Context, id int64, query string, args ...any) error {
	res, err := q.db.RawDB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to resolve action %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve action %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("failed action %d: %w", id, ErrNotFound)
	}
	return nil
}

// Stats counts the actions of a collection by status.
type Stats struct {
	Pending  int `json:"pending" yaml:"pending"`
	InFlight int `json:"in_flight" yaml:"in_flight"`
	Failed   int `json:"failed" yaml:"failed"`
}

// Stats returns the action counts of a collection.
func (q *Queue) Stats(ctx context.Context, collection string) (*Stats, error) {
	rows, err := q.db.RawDB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue WHERE collection = ? GROUP BY status`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		switch record.ActionStatus(status) {
		case record.StatusPending:
			s.Pending = n
		case record.StatusInFlight:
			s.InFlight = n
		case record.StatusFailed:
			s.Failed = n
		}
	}
	return &s, rows.Err()
}

const actionColumns = `id, collection, record_id, action_type, base_version, payload,
	created_at, updated_at, retry_count, status, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(sc scanner) (*record.QueuedAction, error) {
	var (
		a                    record.QueuedAction
		typ, status, payload string
		createdAt, updatedAt string
	)
	err := sc.Scan(&a.ID, &a.Collection, &a.RecordID, &typ, &a.BaseVersion, &payload,
		&createdAt, &updatedAt, &a.RetryCount, &status, &a.LastError)
	if err != nil {
		return nil, err
	}
	a.Type = record.ActionType(typ)
	a.Status = record.ActionStatus(status)
	if payload != "" {
		a.Payload = []byte(payload)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

func listActions(ctx context.Context, db querier, query string, args ...any) ([]*record.QueuedAction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*record.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
