// Package daemon runs the sync manager as a long-lived background process.
//
// Besides driving every collection's worker, the daemon keeps the remote
// credential fresh by watching the token file and can serve the dashboard.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/offsync/internal/dashboard"
	"github.com/mschirtzinger/offsync/internal/engine"
)

// Config holds daemon configuration
type Config struct {
	// TokenFile holds the bearer credential as oauth2.Token JSON. Empty
	// disables credential loading and watching.
	TokenFile string

	// DebounceInterval is how long to wait after the last token file change
	// before reloading it (default: 500ms)
	DebounceInterval time.Duration

	// DashboardAddr enables the dashboard when non-empty.
	DashboardAddr string

	// Gatherer backs the dashboard's /metrics endpoint.
	Gatherer prometheus.Gatherer

	// Logger for daemon activity (default: logrus standard logger)
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           logrus.StandardLogger(),
	}
}

// Daemon wires the manager, the token watcher and the dashboard together.
type Daemon struct {
	config *Config
	svc    *engine.Services
	mgr    *engine.Manager
	logger logrus.FieldLogger

	watcher   *TokenWatcher
	dashboard *dashboard.Server
	ready     chan struct{}
}

// New creates a daemon. svc must be the Services mgr was built from.
func New(svc *engine.Services, mgr *engine.Manager, config *Config) (*Daemon, error) {
	if svc == nil || mgr == nil {
		return nil, fmt.Errorf("services and manager are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Daemon{
		config: config,
		svc:    svc,
		mgr:    mgr,
		logger: config.Logger.WithField("component", "daemon"),
		ready:  make(chan struct{}),
	}, nil
}

// Start runs the daemon until ctx is cancelled. It returns nil on a clean
// shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.startCredentials(); err != nil {
		return err
	}
	defer d.stopWatcher()

	if d.config.DashboardAddr != "" {
		d.dashboard = dashboard.NewServer(&dashboard.Config{
			Addr:     d.config.DashboardAddr,
			Gatherer: d.config.Gatherer,
			Logger:   d.config.Logger,
		}, d.mgr)
		if err := d.dashboard.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() {
			if err := d.dashboard.Stop(); err != nil {
				d.logger.WithError(err).Warn("dashboard shutdown failed")
			}
		}()

		ch, unsubscribe := d.mgr.Subscribe(256)
		defer unsubscribe()
		go dashboard.NewHandler(d.dashboard, d.config.Logger).Forward(ctx, ch)
	}

	d.logger.WithField("collections", d.mgr.Collections()).Info("daemon started")
	close(d.ready)

	err := d.mgr.Run(ctx)
	d.logger.Info("daemon stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Ready is closed once the daemon has loaded its credential and started its
// listeners.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// DashboardAddr returns the dashboard's listening address, or "" when the
// dashboard is disabled or not yet started.
func (d *Daemon) DashboardAddr() string {
	if d.dashboard == nil {
		return ""
	}
	return d.dashboard.Addr()
}

func (d *Daemon) startCredentials() error {
	path := d.config.TokenFile
	if path == "" {
		return nil
	}

	tok, err := LoadToken(path)
	switch {
	case err == nil:
		d.svc.SetCredential(tok)
	case errors.Is(err, os.ErrNotExist):
		d.logger.WithField("token_file", path).Warn("no token file yet, syncing will wait for one")
	default:
		d.logger.WithError(err).Warn("initial token load failed")
	}

	w, err := NewTokenWatcher(path, d.config.DebounceInterval, d.config.Logger, d.svc.SetCredential)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	d.watcher = w
	return nil
}

func (d *Daemon) stopWatcher() {
	if d.watcher == nil {
		return
	}
	if err := d.watcher.Stop(); err != nil {
		d.logger.WithError(err).Warn("token watcher shutdown failed")
	}
}
