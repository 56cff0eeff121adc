package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/offsync/internal/collection"
	"github.com/mschirtzinger/offsync/internal/conflict"
	"github.com/mschirtzinger/offsync/internal/events"
	"github.com/mschirtzinger/offsync/internal/metrics"
	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/remote"
	"github.com/mschirtzinger/offsync/internal/retry"
	"github.com/mschirtzinger/offsync/internal/store"
)

var (
	// ErrOffline stops a cycle whose remote calls kept failing transiently.
	ErrOffline = errors.New("remote unreachable")
	// ErrAuth stops a cycle that needs a new credential.
	ErrAuth = errors.New("authentication required")
)

// staleVersionReason is recorded on actions rejected for a stale base version.
const staleVersionReason = "stale version"

// Engine syncs one collection.
type Engine struct {
	svc        *Services
	collection string
	schema     collection.Schema
	log        logrus.FieldLogger

	// cycleMu serializes cycles.
	cycleMu sync.Mutex

	mu          sync.RWMutex
	state       State
	lastError   string
	lastSyncAt  *time.Time
	lastSummary *Summary

	// voided counts queued actions superseded by a Delete since the last
	// cycle started.
	voided int
}

// NewEngine creates the engine for a configured collection.
func NewEngine(svc *Services, name string) (*Engine, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	schema, err := svc.Schemas.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Engine{
		svc:        svc,
		collection: name,
		schema:     schema,
		log:        svc.Logger.WithField("collection", name),
	}, nil
}

// Collection returns the collection name.
func (e *Engine) Collection() string { return e.collection }

// State returns the current cycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if !changed {
		return
	}
	offline := 0.0
	if s == StateOffline {
		offline = 1
	}
	metrics.Offline.WithLabelValues(e.collection).Set(offline)
	e.svc.Bus.Publish(events.Event{
		Type:       events.StatusChanged,
		Collection: e.collection,
		Data:       map[string]string{"state": s.String(), "phase": string(s.Phase())},
	})
}

func (e *Engine) snapshot() (State, string, *time.Time, *Summary) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, e.lastError, e.lastSyncAt, e.lastSummary
}

// RunCycle performs one full sync cycle. It always returns a summary; the
// error is non-nil only when the cycle stopped early (offline, awaiting
// credentials, cancelled, or a local storage failure). Individual actions
// that fail permanently do not fail the cycle.
func (e *Engine) RunCycle(ctx context.Context) (*Summary, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	sum := &Summary{
		CycleID:    uuid.NewString(),
		Collection: e.collection,
		StartedAt:  time.Now().UTC(),
	}
	e.mu.Lock()
	sum.Voided, e.voided = e.voided, 0
	e.mu.Unlock()
	log := e.log.WithField("cycle", sum.CycleID)

	err := e.cycle(ctx, sum, log)
	sum.Duration = time.Since(sum.StartedAt)
	e.finish(ctx, sum, err, log)
	return sum, err
}

func (e *Engine) noteVoided(n int) {
	if n == 0 {
		return
	}
	e.mu.Lock()
	e.voided += n
	e.mu.Unlock()
}

func (e *Engine) cycle(ctx context.Context, sum *Summary, log logrus.FieldLogger) error {
	e.setState(StateDraining)
	if err := e.drain(ctx, sum, log); err != nil {
		return err
	}

	e.setState(StateFetching)
	changes, err := e.fetch(ctx, sum, log)
	if err != nil {
		return err
	}

	e.setState(StateApplying)
	if err := e.apply(ctx, changes, sum); err != nil {
		return err
	}

	if e.svc.TombstoneRetention > 0 {
		n, err := e.svc.Store.PurgeTombstones(ctx, e.collection, time.Now().Add(-e.svc.TombstoneRetention))
		if err != nil {
			log.WithError(err).Warn("failed to purge tombstones")
		} else if n > 0 {
			sum.Purged = int(n)
			metrics.TombstonesPurgedTotal.WithLabelValues(e.collection).Add(float64(n))
		}
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, sum *Summary, err error, log logrus.FieldLogger) {
	status := metrics.Ok
	next := StateIdle
	fields := logrus.Fields{
		"sent":     sum.Sent,
		"failed":   sum.Failed,
		"applied":  sum.Applied,
		"deleted":  sum.Deleted,
		"kept":     sum.Kept,
		"deferred": sum.Deferred,
		"full":     sum.FullSync,
		"duration": sum.Duration,
	}

	switch {
	case err == nil:
		log.WithFields(fields).Info("sync cycle complete")
	case errors.Is(err, ErrOffline):
		status, next = metrics.Fail, StateOffline
		log.WithFields(fields).WithError(err).Warn("remote unreachable, going offline")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = metrics.Fail
		log.WithFields(fields).WithError(err).Info("sync cycle cancelled")
	default:
		status = metrics.Fail
		log.WithFields(fields).WithError(err).Error("sync cycle failed")
	}
	if err != nil {
		sum.Err = err.Error()
	}

	metrics.SyncCyclesTotal.WithLabelValues(e.collection, status).Inc()
	metrics.SyncCycleSeconds.WithLabelValues(e.collection).Observe(sum.Duration.Seconds())
	if qs, qerr := e.svc.Queue.Stats(context.WithoutCancel(ctx), e.collection); qerr == nil {
		metrics.QueueDepth.WithLabelValues(e.collection, string(record.StatusPending)).Set(float64(qs.Pending))
		metrics.QueueDepth.WithLabelValues(e.collection, string(record.StatusFailed)).Set(float64(qs.Failed))
	}

	e.mu.Lock()
	e.lastSummary = sum
	if err == nil {
		now := time.Now().UTC()
		e.lastSyncAt = &now
		e.lastError = ""
	} else {
		e.lastError = err.Error()
	}
	e.mu.Unlock()

	e.setState(next)
	e.svc.Bus.Publish(events.Event{Type: events.SyncCompleted, Collection: e.collection, Data: sum})
}

// call runs op under the retry policy and folds exhausted transient failures
// into ErrOffline.
func (e *Engine) call(ctx context.Context, op func(ctx context.Context) error) error {
	attempts, err := retry.Do(ctx, e.svc.Retry, op)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, remote.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if retry.Classify(err) == retry.Transient {
		return fmt.Errorf("%w after %d attempts: %w", ErrOffline, attempts, err)
	}
	return err
}

// drain sends pending actions until the queue has nothing eligible.
func (e *Engine) drain(ctx context.Context, sum *Summary, log logrus.FieldLogger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, err := e.svc.Queue.NextPending(ctx, e.collection)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if a == nil {
			return nil
		}
		alog := log.WithFields(logrus.Fields{"action": a.ID, "type": a.Type, "record": a.RecordID})

		var res *remote.SendResult
		err = e.call(ctx, func(ctx context.Context) error {
			var err error
			res, err = e.svc.Remote.Send(ctx, e.collection, a)
			return err
		})

		if err != nil && a.Type == record.ActionDelete && errors.Is(err, remote.ErrNotFound) {
			// Already gone remotely.
			err, res = nil, &remote.SendResult{}
		}

		switch {
		case err == nil:
			if err := e.confirm(ctx, a, res); err != nil {
				_ = e.svc.Queue.Release(context.WithoutCancel(ctx), a.ID)
				return err
			}
			sum.Sent++
			metrics.ActionsSentTotal.WithLabelValues(e.collection, string(a.Type), metrics.Ok).Inc()
			alog.Debug("action sent")

		case ctx.Err() != nil:
			if rerr := e.svc.Queue.Release(context.WithoutCancel(ctx), a.ID); rerr != nil {
				alog.WithError(rerr).Warn("failed to release action")
			}
			return ctx.Err()

		case errors.Is(err, ErrAuth):
			if rerr := e.svc.Queue.Release(ctx, a.ID); rerr != nil {
				alog.WithError(rerr).Warn("failed to release action")
			}
			return err

		case errors.Is(err, ErrOffline):
			metrics.ActionsSentTotal.WithLabelValues(e.collection, string(a.Type), metrics.Fail).Inc()
			if !serverAnswered(err) {
				// An outage says nothing about the action itself.
				if rerr := e.svc.Queue.Requeue(ctx, a.ID, err.Error()); rerr != nil {
					return fmt.Errorf("failed to requeue action: %w", rerr)
				}
				return err
			}
			status, ferr := e.svc.Queue.MarkFailed(ctx, a.ID, err.Error(), false)
			if ferr != nil {
				return fmt.Errorf("failed to record action failure: %w", ferr)
			}
			if status == record.StatusFailed {
				sum.Failed++
				e.publishFailed(a, err.Error())
			}
			return err

		default:
			reason := err.Error()
			if errors.Is(err, remote.ErrPreconditionFailed) {
				reason = staleVersionReason
			}
			if _, ferr := e.svc.Queue.MarkFailed(ctx, a.ID, reason, true); ferr != nil {
				return fmt.Errorf("failed to record action failure: %w", ferr)
			}
			sum.Failed++
			metrics.ActionsSentTotal.WithLabelValues(e.collection, string(a.Type), metrics.Fail).Inc()
			e.publishFailed(a, reason)
			alog.WithError(err).Warn("action failed permanently")
		}
	}
}

// serverAnswered reports whether err carries an HTTP status, meaning the
// remote was reachable and refused this particular request.
func serverAnswered(err error) bool {
	var rerr *remote.Error
	return errors.As(err, &rerr) && rerr.StatusCode != 0
}

func (e *Engine) publishFailed(a *record.QueuedAction, reason string) {
	failed := *a
	failed.Status = record.StatusFailed
	failed.LastError = reason
	e.svc.Bus.Publish(events.Event{Type: events.ActionFailed, Collection: e.collection, Data: &failed})
}

// confirm removes a sent action and records its remote effect locally.
func (e *Engine) confirm(ctx context.Context, a *record.QueuedAction, res *remote.SendResult) error {
	return e.svc.Store.Update(ctx, func(tx *store.Tx) error {
		if err := e.svc.Queue.MarkSucceededTx(ctx, tx, a.ID); err != nil {
			return err
		}
		if a.Type == record.ActionDelete {
			return tx.ConfirmDeletion(ctx, e.collection, a.RecordID)
		}

		id := a.RecordID
		if a.Type == record.ActionCreate && res.ID != "" && res.ID != id {
			if err := tx.Rekey(ctx, e.collection, id, res.ID); err != nil {
				return err
			}
			if err := e.svc.Queue.RekeyTx(ctx, tx, e.collection, id, res.ID); err != nil {
				return err
			}
			id = res.ID
		}
		if res.VersionTag == "" {
			return nil
		}

		successors, err := e.svc.Queue.UnresolvedTx(ctx, tx, e.collection, id)
		if err != nil {
			return err
		}
		if len(successors) > 0 {
			if err := e.svc.Queue.RebaseTx(ctx, tx, e.collection, id, res.VersionTag); err != nil {
				return err
			}
			return tx.SetVersion(ctx, e.collection, id, res.VersionTag)
		}

		// Nothing else queued: adopt the remote copy when it came back.
		if len(res.Payload) > 0 {
			return e.upsertRemote(ctx, tx, &record.Delta{ID: id, VersionTag: res.VersionTag, Payload: res.Payload}, nil)
		}
		return tx.SetVersion(ctx, e.collection, id, res.VersionTag)
	})
}

// fetch reads remote changes, replacing an expired cursor with a full fetch.
func (e *Engine) fetch(ctx context.Context, sum *Summary, log logrus.FieldLogger) (*remote.Changes, error) {
	cursor, err := e.svc.Store.GetCursor(ctx, e.collection)
	if err != nil {
		return nil, err
	}

	if cursor.HasToken() {
		var changes *remote.Changes
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			changes, err = e.svc.Remote.FetchIncremental(ctx, e.collection, cursor.ChangeToken)
			return err
		})
		switch {
		case err == nil:
			metrics.FetchesTotal.WithLabelValues(e.collection, "incremental", metrics.Ok).Inc()
			return changes, nil
		case errors.Is(err, remote.ErrCursorExpired):
			log.Info("change cursor expired, resyncing")
			metrics.CursorResetsTotal.WithLabelValues(e.collection).Inc()
			if err := e.svc.Store.ClearCursor(ctx, e.collection); err != nil {
				return nil, err
			}
			sum.CursorReset = true
		default:
			metrics.FetchesTotal.WithLabelValues(e.collection, "incremental", metrics.Fail).Inc()
			return nil, err
		}
	}

	var changes *remote.Changes
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		changes, err = e.svc.Remote.FetchFull(ctx, e.collection)
		return err
	})
	if err != nil {
		metrics.FetchesTotal.WithLabelValues(e.collection, "full", metrics.Fail).Inc()
		return nil, err
	}
	metrics.FetchesTotal.WithLabelValues(e.collection, "full", metrics.Ok).Inc()
	changes.Full = true
	sum.FullSync = true
	return changes, nil
}

// apply resolves and writes every delta and the new cursor atomically.
func (e *Engine) apply(ctx context.Context, changes *remote.Changes, sum *Summary) error {
	var counts Summary
	err := e.svc.Store.Update(ctx, func(tx *store.Tx) error {
		counts = Summary{}

		fresh := make(map[string]bool, len(changes.Deltas))
		for _, d := range changes.Deltas {
			fresh[d.ID] = true
		}

		deferred, err := tx.ListDeferred(ctx, e.collection)
		if err != nil {
			return err
		}
		var deltas []*record.Delta
		for _, d := range deferred {
			if err := tx.DeleteDeferred(ctx, e.collection, d.ID); err != nil {
				return err
			}
			if !changes.Full && !fresh[d.ID] {
				deltas = append(deltas, d)
			}
		}
		deltas = append(deltas, changes.Deltas...)

		// A full listing is authoritative: anything cached but absent was
		// deleted remotely.
		if changes.Full {
			ids, err := tx.RemoteIDs(ctx, e.collection)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if !fresh[id] {
					deltas = append(deltas, &record.Delta{ID: id, IsDeletion: true})
				}
			}
		}

		for _, d := range deltas {
			if err := e.applyDelta(ctx, tx, d, &counts); err != nil {
				return err
			}
		}

		c := &record.Cursor{Collection: e.collection, ChangeToken: changes.NextToken}
		if changes.Full {
			now := time.Now().UTC()
			c.LastFullSyncAt = &now
		}
		return tx.SetCursor(ctx, c)
	})
	if err != nil {
		return fmt.Errorf("failed to apply changes: %w", err)
	}

	sum.Applied += counts.Applied
	sum.Deleted += counts.Deleted
	sum.Kept += counts.Kept
	sum.Deferred += counts.Deferred
	return nil
}

func (e *Engine) applyDelta(ctx context.Context, tx *store.Tx, d *record.Delta, counts *Summary) error {
	local, err := tx.Get(ctx, e.collection, d.ID)
	if errors.Is(err, store.ErrNotFound) {
		local = nil
	} else if err != nil {
		return err
	}
	unresolved, err := e.svc.Queue.UnresolvedTx(ctx, tx, e.collection, d.ID)
	if err != nil {
		return err
	}

	decision := e.svc.Resolver.Resolve(local, d, unresolved)
	metrics.DeltasTotal.WithLabelValues(e.collection, decision.String()).Inc()

	switch decision {
	case conflict.KeepLocal:
		counts.Kept++
		return nil
	case conflict.Deferred:
		counts.Deferred++
		return tx.PutDeferred(ctx, e.collection, d)
	}

	if d.IsDeletion {
		if local == nil || local.DeletionConfirmed {
			return nil
		}
		counts.Deleted++
		return tx.Tombstone(ctx, e.collection, d.ID, true)
	}
	counts.Applied++
	return e.upsertRemote(ctx, tx, d, unresolved)
}

// upsertRemote caches the remote copy of a record, then lays the still
// unresolved local actions back on top of it. A queued Delete of any status
// keeps the record tombstoned; failed edits are not replayed.
func (e *Engine) upsertRemote(ctx context.Context, tx *store.Tx, d *record.Delta, unresolved []*record.QueuedAction) error {
	rec := &record.CachedRecord{
		Collection: e.collection,
		ID:         d.ID,
		VersionTag: d.VersionTag,
		Payload:    d.Payload,
		UpdatedAt:  time.Now().UTC(),
	}
	idx, err := e.schema.Index(d.Payload)
	if err != nil {
		e.log.WithError(err).WithField("record", d.ID).Warn("unindexable payload, caching unsorted")
	} else {
		rec.SortKey = idx.SortKey
		rec.GroupKey = idx.GroupKey
		rec.Flags = idx.Flags
	}

	deleted := false
	for _, a := range unresolved {
		switch {
		case a.Type == record.ActionDelete:
			deleted = true
		case a.Status == record.StatusFailed || a.Type == record.ActionCreate:
		default:
			if err := e.schema.ApplyLocal(rec, a); err != nil {
				e.log.WithError(err).WithField("action", a.ID).Warn("failed to replay local action")
			}
		}
	}
	if err := tx.Upsert(ctx, rec); err != nil {
		return err
	}
	if deleted {
		return tx.Tombstone(ctx, e.collection, d.ID, false)
	}
	return nil
}

// Status returns the engine's status combined with queue counts.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	state, lastErr, lastSync, lastSum := e.snapshot()
	qs, err := e.svc.Queue.Stats(ctx, e.collection)
	if err != nil {
		return nil, err
	}
	return &Status{
		Collection:  e.collection,
		Phase:       state.Phase(),
		State:       state.String(),
		LastError:   lastErr,
		LastSyncAt:  lastSync,
		LastSummary: lastSum,
		Pending:     qs.Pending,
		InFlight:    qs.InFlight,
		Failed:      qs.Failed,
	}, nil
}
