// Package collection describes the record kinds the engine can cache and the
// local effect of each queued action on a cached record.
package collection

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
)

// Kind names a payload schema.
type Kind string

const (
	KindMessages Kind = "messages"
	KindEvents   Kind = "events"
)

// Index holds the values derived from a payload for ordering and filtering.
type Index struct {
	SortKey  time.Time
	GroupKey string
	Flags    record.Flags
}

// Schema is implemented once per Kind.
type Schema interface {
	Kind() Kind

	// ValidateAction rejects actions that are malformed for this kind.
	ValidateAction(a *record.QueuedAction) error

	// Index derives sort/group keys and remote-owned flags from a payload.
	Index(payload json.RawMessage) (Index, error)

	// ApplyLocal mutates rec to reflect a not-yet-sent action.
	// Deletions are handled by the store and never reach ApplyLocal.
	ApplyLocal(rec *record.CachedRecord, a *record.QueuedAction) error
}

// ForKind returns the schema for k.
func ForKind(k Kind) (Schema, error) {
	switch k {
	case KindMessages:
		return Messages{}, nil
	case KindEvents:
		return Events{}, nil
	}
	return nil, fmt.Errorf("unknown collection kind %q", k)
}

// Registry maps collection names to schemas.
//
// A name of the form "events/primary" resolves through its prefix, so one
// configured kind can serve several sub-collections with their own cursors.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register binds a collection name to a kind.
func (r *Registry) Register(name string, k Kind) error {
	if name == "" {
		return fmt.Errorf("collection name is required")
	}
	if _, err := ForKind(k); err != nil {
		return err
	}
	r.kinds[name] = k
	return nil
}

// Lookup returns the schema for a collection name.
func (r *Registry) Lookup(name string) (Schema, error) {
	if k, ok := r.kinds[name]; ok {
		return ForKind(k)
	}
	if i := strings.IndexByte(name, '/'); i > 0 {
		if k, ok := r.kinds[name[:i]]; ok {
			return ForKind(k)
		}
	}
	return nil, fmt.Errorf("collection %q is not configured", name)
}

// Names returns the registered collection names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	return names
}

// MergeJSON overlays the top-level fields of patch onto base.
// A null field in patch removes the key.
func MergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode base payload: %w", err)
		}
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}
	for k, v := range overlay {
		if string(v) == "null" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	return json.Marshal(fields)
}

func decodeStatusChange(a *record.QueuedAction) (*record.StatusChange, error) {
	var sc record.StatusChange
	if err := json.Unmarshal(a.Payload, &sc); err != nil {
		return nil, fmt.Errorf("%w: status change payload: %v", record.ErrInvalidAction, err)
	}
	if sc.Empty() {
		return nil, fmt.Errorf("%w: status change has no effect", record.ErrInvalidAction)
	}
	return &sc, nil
}
