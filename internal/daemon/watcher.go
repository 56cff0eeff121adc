package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// TokenWatcher reloads a token file whenever it changes and hands the new
// credential to a callback.
//
// The parent directory is watched rather than the file itself, so editors and
// tools that replace the file by rename are seen too. Bursts of events are
// debounced into one reload.
type TokenWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func(*oauth2.Token)
	logger   logrus.FieldLogger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewTokenWatcher creates a watcher for path. It must be started with Start.
func NewTokenWatcher(path string, debounce time.Duration, logger logrus.FieldLogger, onChange func(*oauth2.Token)) (*TokenWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &TokenWatcher{
		watcher:  watcher,
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.WithField("token_file", abs),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (tw *TokenWatcher) Start() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := tw.watcher.Add(filepath.Dir(tw.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(tw.path), err)
	}

	tw.running = true
	tw.wg.Add(1)
	go tw.processEvents()
	return nil
}

// Stop stops watching and waits for the event loop to exit. It also releases
// a watcher that was never started.
func (tw *TokenWatcher) Stop() error {
	tw.mu.Lock()
	wasRunning := tw.running
	tw.running = false
	tw.mu.Unlock()

	if wasRunning {
		close(tw.done)
	}
	err := tw.watcher.Close()
	tw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (tw *TokenWatcher) IsRunning() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.running
}

func (tw *TokenWatcher) processEvents() {
	defer tw.wg.Done()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-tw.done:
			return

		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if !tw.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(tw.debounce)
			} else {
				timer.Reset(tw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			tw.reload()

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.logger.WithError(err).Warn("token watcher error")
		}
	}
}

func (tw *TokenWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != tw.path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}

func (tw *TokenWatcher) reload() {
	tok, err := LoadToken(tw.path)
	if err != nil {
		tw.logger.WithError(err).Warn("ignoring unreadable token file")
		return
	}
	tw.logger.Info("credential reloaded")
	tw.onChange(tok)
}
