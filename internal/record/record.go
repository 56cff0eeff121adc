// Package record defines the data carried between the local cache, the
// outbound action queue and the remote change feed.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidAction is returned when a local mutation is rejected before it
// reaches the queue.
var ErrInvalidAction = errors.New("invalid action")

// Flags is a bitset of per-record markers kept alongside the payload.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagStarred
	FlagPendingDelete
)

// Has reports whether every bit in f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Apply sets then clears the given bits.
func (f Flags) Apply(set, clear Flags) Flags { return (f | set) &^ clear }

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagRead) {
		parts = append(parts, "read")
	}
	if f.Has(FlagStarred) {
		parts = append(parts, "starred")
	}
	if f.Has(FlagPendingDelete) {
		parts = append(parts, "pending_delete")
	}
	return strings.Join(parts, ",")
}

// CachedRecord is the locally persisted copy of one remote record.
//
// A record deleted locally stays as a tombstone (DeletedLocally) until the
// remote confirms the deletion (DeletionConfirmed); only confirmed tombstones
// are purgeable.
type CachedRecord struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	VersionTag string          `json:"version_tag,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Derived from the payload for ordering and grouping.
	SortKey  time.Time `json:"sort_key"`
	GroupKey string    `json:"group_key,omitempty"`
	Flags    Flags     `json:"flags"`

	DeletedLocally    bool       `json:"deleted_locally,omitempty"`
	DeletionConfirmed bool       `json:"deletion_confirmed,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Live reports whether the record is visible to readers.
func (r *CachedRecord) Live() bool { return !r.DeletedLocally }

// Delta is one remote change as reported by a change fetch.
type Delta struct {
	ID         string          `json:"id"`
	VersionTag string          `json:"version_tag,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	IsDeletion bool            `json:"is_deletion,omitempty"`
}

// Cursor tracks the remote change token for a collection.
// An empty ChangeToken means the collection was never synced.
type Cursor struct {
	Collection     string     `json:"collection"`
	ChangeToken    string     `json:"change_token,omitempty"`
	LastFullSyncAt *time.Time `json:"last_full_sync_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasToken reports whether an incremental fetch is possible.
func (c *Cursor) HasToken() bool { return c != nil && c.ChangeToken != "" }

// ActionType is the kind of local mutation.
type ActionType string

const (
	ActionCreate       ActionType = "create"
	ActionUpdate       ActionType = "update"
	ActionDelete       ActionType = "delete"
	ActionStatusChange ActionType = "status_change"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreate, ActionUpdate, ActionDelete, ActionStatusChange:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusInFlight ActionStatus = "in_flight"
	StatusFailed   ActionStatus = "failed"
)

// QueuedAction is a local mutation waiting to be sent to the remote.
type QueuedAction struct {
	ID          int64           `json:"id"`
	Collection  string          `json:"collection"`
	RecordID    string          `json:"record_id"`
	Type        ActionType      `json:"type"`
	BaseVersion string          `json:"base_version,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	RetryCount  int             `json:"retry_count"`
	Status      ActionStatus    `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
}

// Validate checks the fields every action needs regardless of collection kind.
func (a *QueuedAction) Validate() error {
	if a.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidAction)
	}
	if a.RecordID == "" && a.Type != ActionCreate {
		return fmt.Errorf("%w: record id is required for %s", ErrInvalidAction, a.Type)
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, a.Type)
	}
	if len(a.Payload) > 0 && !json.Valid(a.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
	}
	if a.Type != ActionDelete && len(a.Payload) == 0 {
		return fmt.Errorf("%w: payload is required for %s", ErrInvalidAction, a.Type)
	}
	return nil
}

// StatusChange is the payload of an ActionStatusChange.
type StatusChange struct {
	Set          Flags    `json:"set,omitempty"`
	Clear        Flags    `json:"clear,omitempty"`
	Archive      bool     `json:"archive,omitempty"`
	AddLabels    []string `json:"add_labels,omitempty"`
	RemoveLabels []string `json:"remove_labels,omitempty"`

	// Response is an attendee reply for events: accepted, declined, tentative.
	Response string `json:"response,omitempty"`
}

// Empty reports whether the change would do nothing.
func (s *StatusChange) Empty() bool {
	return s.Set == 0 && s.Clear == 0 && !s.Archive &&
		len(s.AddLabels) == 0 && len(s.RemoveLabels) == 0 && s.Response == ""
}

// Filter narrows ListCached results.
type Filter struct {
	GroupKey       string
	UnreadOnly     bool
	StarredOnly    bool
	Since          *time.Time
	Until          *time.Time
	IncludeDeleted bool
	Limit          int
}

// Page is one keyset page of cached records.
type Page struct {
	Records       []*CachedRecord `json:"records"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}
