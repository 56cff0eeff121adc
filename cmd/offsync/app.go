package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mschirtzinger/offsync/internal/collection"
	"github.com/mschirtzinger/offsync/internal/config"
	"github.com/mschirtzinger/offsync/internal/daemon"
	"github.com/mschirtzinger/offsync/internal/engine"
	"github.com/mschirtzinger/offsync/internal/events"
	"github.com/mschirtzinger/offsync/internal/metrics"
	"github.com/mschirtzinger/offsync/internal/queue"
	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/remote"
	"github.com/mschirtzinger/offsync/internal/remote/httpremote"
	"github.com/mschirtzinger/offsync/internal/store"
)

// app holds everything a command needs, built from cfg.
type app struct {
	cfg      *config.Config
	db       *store.DB
	queue    *queue.Queue
	schemas  *collection.Registry
	svc      *engine.Services
	mgr      *engine.Manager
	registry *prometheus.Registry
}

// openApp opens the cache and builds the engine. With online set the remote
// must be configured and the stored credential is loaded; offline commands
// never reach the network.
func openApp(online bool) (*app, error) {
	var (
		db  *store.DB
		err error
	)
	if cfg.Store == config.StoreMemory {
		db, err = store.OpenMemory("")
	} else {
		db, err = store.Open(cfg.DBPath)
	}
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db}
	if err := a.build(online); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(online bool) error {
	q, err := queue.New(a.db, a.cfg.Queue.MaxRetries)
	if err != nil {
		return err
	}
	schemas, err := a.cfg.Registry()
	if err != nil {
		return err
	}

	creds := remote.NewCredentials(nil)
	var rem remote.Remote = unconfiguredRemote{}
	if a.cfg.Remote.BaseURL != "" {
		rem, err = httpremote.New(httpremote.Config{
			BaseURL:  a.cfg.Remote.BaseURL,
			PageSize: a.cfg.Remote.PageSize,
			Timeout:  a.cfg.Remote.Timeout,
			Logger:   logger,
		}, creds)
		if err != nil {
			return err
		}
	} else if online {
		return fmt.Errorf("remote.base_url is not configured")
	}

	a.queue = q
	a.schemas = schemas
	a.registry = metrics.NewRegistry()
	a.svc = &engine.Services{
		Store:              a.db,
		Queue:              q,
		Remote:             rem,
		Credentials:        creds,
		Schemas:            schemas,
		Bus:                events.NewBus(),
		Logger:             logger,
		Retry:              a.cfg.RetryPolicy(),
		TombstoneRetention: a.cfg.TombstoneRetention,
	}
	a.mgr, err = engine.NewManager(a.svc, engine.ManagerConfig{
		Collections:  a.cfg.CollectionNames(),
		PollInterval: a.cfg.PollInterval,
	})
	if err != nil {
		return err
	}

	if online {
		a.loadCredential()
	}
	return nil
}

// loadCredential installs the token file's credential. A missing or broken
// file only warns; cycles then fail with an authentication error.
func (a *app) loadCredential() {
	path := a.cfg.Remote.TokenFile
	if path == "" {
		return
	}
	tok, err := daemon.LoadToken(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WithField("token_file", path).Warn("no token file, requests will be unauthenticated")
		} else {
			logger.WithError(err).Warn("failed to load token")
		}
		return
	}
	a.svc.SetCredential(tok)
}

func (a *app) Close() error {
	return a.db.Close()
}

// kind returns the payload kind of a configured collection.
func (a *app) kind(name string) (collection.Kind, error) {
	s, err := a.schemas.Lookup(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", engine.ErrUnknownCollection, name)
	}
	return s.Kind(), nil
}

// collectionsOrAll validates names, defaulting to every configured collection.
func (a *app) collectionsOrAll(names []string) ([]string, error) {
	if len(names) == 0 {
		return a.mgr.Collections(), nil
	}
	for _, n := range names {
		if _, err := a.kind(n); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// unconfiguredRemote stands in when remote.base_url is unset so offline
// commands can still build an engine. Every call fails as an outage.
type unconfiguredRemote struct{}

func (unconfiguredRemote) err() error {
	return &remote.Error{Kind: remote.ErrTransient, Msg: "remote.base_url is not configured"}
}

func (r unconfiguredRemote) FetchFull(context.Context, string) (*remote.Changes, error) {
	return nil, r.err()
}

func (r unconfiguredRemote) FetchIncremental(context.Context, string, string) (*remote.Changes, error) {
	return nil, r.err()
}

func (r unconfiguredRemote) Send(context.Context, string, *record.QueuedAction) (*remote.SendResult, error) {
	return nil, r.err()
}
