package engine

import (
	"time"
)

// State is the engine's position in the sync cycle.
type State int

const (
	StateIdle State = iota
	StateDraining
	StateFetching
	StateApplying
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

// Phase is the coarse state reported to callers.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseOffline Phase = "offline"
)

// Phase collapses the cycle states into Idle, Syncing and Offline.
func (s State) Phase() Phase {
	switch s {
	case StateIdle:
		return PhaseIdle
	case StateOffline:
		return PhaseOffline
	}
	return PhaseSyncing
}

// Summary describes one sync cycle.
type Summary struct {
	CycleID    string        `json:"cycle_id" yaml:"cycle_id"`
	Collection string        `json:"collection" yaml:"collection"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	Duration   time.Duration `json:"duration" yaml:"duration"`

	// Outbound
	Sent   int `json:"sent" yaml:"sent"`
	Failed int `json:"failed" yaml:"failed"`
	Voided int `json:"voided" yaml:"voided"`

	// Inbound
	Applied  int `json:"applied" yaml:"applied"`
	Deleted  int `json:"deleted" yaml:"deleted"`
	Kept     int `json:"kept" yaml:"kept"`
	Deferred int `json:"deferred" yaml:"deferred"`
	Purged   int `json:"purged" yaml:"purged"`

	FullSync    bool   `json:"full_sync" yaml:"full_sync"`
	CursorReset bool   `json:"cursor_reset" yaml:"cursor_reset"`
	Err         string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Status is a snapshot of one collection's sync state.
type Status struct {
	Collection  string     `json:"collection" yaml:"collection"`
	Phase       Phase      `json:"phase" yaml:"phase"`
	State       string     `json:"state" yaml:"state"`
	LastError   string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
	LastSummary *Summary   `json:"last_summary,omitempty" yaml:"last_summary,omitempty"`
	Pending     int        `json:"pending" yaml:"pending"`
	InFlight    int        `json:"in_flight" yaml:"in_flight"`
	Failed      int        `json:"failed" yaml:"failed"`
}
