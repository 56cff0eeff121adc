package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/offsync/internal/events"
	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/store"
)

// LocalIDPrefix marks ids assigned to records created offline. The remote
// replaces them on the first successful send.
const LocalIDPrefix = "local-"

var (
	// ErrUnknownCollection is returned for collections without an engine.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrRecordExists is returned when a create targets a cached id.
	ErrRecordExists = fmt.Errorf("%w: record already exists", record.ErrInvalidAction)
	// ErrRecordNotCached is returned when an edit targets a record that is
	// not cached or is already deleted.
	ErrRecordNotCached = fmt.Errorf("%w: record is not cached", record.ErrInvalidAction)
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Collections to sync. Empty means every collection in the registry.
	Collections []string

	// PollInterval is how often each collection syncs without a trigger.
	// Zero disables polling.
	PollInterval time.Duration
}

// DefaultManagerConfig returns the default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{PollInterval: 5 * time.Minute}
}

// Manager owns one Worker per collection and is the entry point for callers.
// Its query and mutation methods never touch the network.
type Manager struct {
	svc     *Services
	workers map[string]*Worker
	names   []string

	recoverOnce sync.Once
	recoverErr  error
}

// NewManager creates engines and workers for the configured collections.
func NewManager(svc *Services, cfg ManagerConfig) (*Manager, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	names := cfg.Collections
	if len(names) == 0 {
		names = svc.Schemas.Names()
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no collections configured")
	}

	m := &Manager{svc: svc, workers: make(map[string]*Worker, len(names))}
	for _, name := range names {
		if _, ok := m.workers[name]; ok {
			continue
		}
		e, err := NewEngine(svc, name)
		if err != nil {
			return nil, err
		}
		m.workers[name] = NewWorker(e, cfg.PollInterval)
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	return m, nil
}

// Collections returns the synced collection names, sorted.
func (m *Manager) Collections() []string {
	return append([]string(nil), m.names...)
}

// Run recovers interrupted actions, then drives every worker until ctx is
// cancelled. A new credential triggers every collection.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.recoverInFlight(ctx); err != nil {
		return err
	}

	m.svc.OnCredential(func() { m.TriggerSync("") })

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.names {
		w := m.workers[name]
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// recoverInFlight returns actions left in flight by an earlier process to
// Pending. It runs once per Manager, before the first cycle.
func (m *Manager) recoverInFlight(ctx context.Context) error {
	m.recoverOnce.Do(func() {
		n, err := m.svc.Queue.RecoverInFlight(ctx)
		if err != nil {
			m.recoverErr = err
			return
		}
		if n > 0 {
			m.svc.Logger.WithField("actions", n).Info("recovered interrupted actions")
		}
	})
	return m.recoverErr
}

func (m *Manager) worker(name string) (*Worker, error) {
	w, ok := m.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return w, nil
}

// TriggerSync schedules a cycle for a collection, or for every collection
// when name is empty. It returns immediately.
func (m *Manager) TriggerSync(name string) error {
	if name == "" {
		for _, w := range m.workers {
			w.Trigger()
		}
		return nil
	}
	w, err := m.worker(name)
	if err != nil {
		return err
	}
	w.Trigger()
	return nil
}

// SyncNow runs one cycle for a collection and waits for it.
func (m *Manager) SyncNow(ctx context.Context, name string) (*Summary, error) {
	w, err := m.worker(name)
	if err != nil {
		return nil, err
	}
	if err := m.recoverInFlight(ctx); err != nil {
		return nil, err
	}
	return w.Engine().RunCycle(ctx)
}

// EnqueueLocalMutation applies a mutation to the cache and queues it for the
// remote in one transaction, then triggers a sync. Create actions get a local
// id, which is returned on the stored action.
func (m *Manager) EnqueueLocalMutation(ctx context.Context, name string, a *record.QueuedAction) (*record.QueuedAction, error) {
	w, err := m.worker(name)
	if err != nil {
		return nil, err
	}
	e := w.Engine()

	in := *a
	in.Collection = name
	if in.Type == record.ActionCreate && in.RecordID == "" {
		in.RecordID = LocalIDPrefix + uuid.NewString()
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := e.schema.ValidateAction(&in); err != nil {
		return nil, err
	}

	var (
		queued *record.QueuedAction
		voided int
	)
	err = m.svc.Store.Update(ctx, func(tx *store.Tx) error {
		local, err := tx.Get(ctx, name, in.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			local = nil
		} else if err != nil {
			return err
		}

		switch in.Type {
		case record.ActionCreate:
			if local != nil {
				return fmt.Errorf("%s/%s: %w", name, in.RecordID, ErrRecordExists)
			}
		case record.ActionUpdate, record.ActionStatusChange:
			if local == nil || !local.Live() {
				return fmt.Errorf("%s/%s: %w", name, in.RecordID, ErrRecordNotCached)
			}
		}
		if local != nil && in.BaseVersion == "" {
			in.BaseVersion = local.VersionTag
		}

		queued, voided, err = m.svc.Queue.EnqueueTx(ctx, tx, &in)
		if err != nil {
			return err
		}

		if in.Type == record.ActionDelete {
			return tx.Tombstone(ctx, name, in.RecordID, false)
		}
		rec := local
		if rec == nil {
			rec = &record.CachedRecord{Collection: name, ID: in.RecordID}
		}
		if err := e.schema.ApplyLocal(rec, queued); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()
		return tx.Upsert(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", in.Type, err)
	}

	m.svc.Logger.WithField("collection", name).WithField("record", queued.RecordID).
		WithField("type", queued.Type).WithField("voided", voided).Debug("local mutation queued")
	e.noteVoided(voided)
	w.Trigger()
	return queued, nil
}

// GetSyncStatus reports one collection's sync state.
func (m *Manager) GetSyncStatus(ctx context.Context, name string) (*Status, error) {
	w, err := m.worker(name)
	if err != nil {
		return nil, err
	}
	return w.Engine().Status(ctx)
}

// GetAllStatus reports every collection's sync state, sorted by name.
func (m *Manager) GetAllStatus(ctx context.Context) ([]*Status, error) {
	out := make([]*Status, 0, len(m.names))
	for _, name := range m.names {
		st, err := m.workers[name].Engine().Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ListCached reads one page of cached records, newest first.
func (m *Manager) ListCached(ctx context.Context, name string, f record.Filter, pageToken string) (*record.Page, error) {
	if _, err := m.worker(name); err != nil {
		return nil, err
	}
	return m.svc.Store.ListSince(ctx, name, pageToken, f)
}

// Subscribe returns a stream of engine events and a function to stop it.
func (m *Manager) Subscribe(buffer int) (<-chan events.Event, func()) {
	return m.svc.Bus.Subscribe(buffer)
}
