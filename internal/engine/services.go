package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/mschirtzinger/offsync/internal/collection"
	"github.com/mschirtzinger/offsync/internal/conflict"
	"github.com/mschirtzinger/offsync/internal/events"
	"github.com/mschirtzinger/offsync/internal/queue"
	"github.com/mschirtzinger/offsync/internal/remote"
	"github.com/mschirtzinger/offsync/internal/retry"
	"github.com/mschirtzinger/offsync/internal/store"
)

// Services bundles the collaborators every Engine needs. It is built once
// and shared; engines hold no other global state.
type Services struct {
	Store       *store.DB
	Queue       *queue.Queue
	Remote      remote.Remote
	Credentials *remote.Credentials
	Schemas     *collection.Registry
	Bus         *events.Bus
	Logger      logrus.FieldLogger
	Retry       retry.Policy
	Resolver    conflict.Resolver

	// TombstoneRetention is how long confirmed tombstones are kept before a
	// successful cycle purges them. Zero disables purging.
	TombstoneRetention time.Duration

	mu           sync.Mutex
	onCredential []func()
}

func (s *Services) validate() error {
	switch {
	case s.Store == nil:
		return fmt.Errorf("services: store is required")
	case s.Queue == nil:
		return fmt.Errorf("services: queue is required")
	case s.Remote == nil:
		return fmt.Errorf("services: remote is required")
	case s.Schemas == nil:
		return fmt.Errorf("services: schemas are required")
	}
	if s.Bus == nil {
		s.Bus = events.NewBus()
	}
	if s.Logger == nil {
		s.Logger = logrus.StandardLogger()
	}
	if s.Credentials == nil {
		s.Credentials = remote.NewCredentials(nil)
	}
	if s.Retry.MaxAttempts <= 0 {
		s.Retry = retry.DefaultPolicy()
	}
	return nil
}

// SetCredential installs a fresh bearer token and wakes every worker so
// cycles stalled on authentication resume.
func (s *Services) SetCredential(tok *oauth2.Token) {
	s.Credentials.Set(tok)

	s.mu.Lock()
	hooks := append([]func(){}, s.onCredential...)
	s.mu.Unlock()
	for _, f := range hooks {
		f()
	}
}

// OnCredential registers f to run after every SetCredential.
func (s *Services) OnCredential(f func()) {
	s.mu.Lock()
	s.onCredential = append(s.onCredential, f)
	s.mu.Unlock()
}
