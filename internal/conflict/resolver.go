// Package conflict decides how a remote delta meets local state.
package conflict

import (
	"github.com/mschirtzinger/offsync/internal/record"
)

// Decision is the outcome of resolving one delta.
type Decision int

const (
	// ApplyRemote overwrites the cache with the delta.
	ApplyRemote Decision = iota
	// KeepLocal leaves the cache as is; queued local changes win.
	KeepLocal
	// Deferred postpones the delta to a later cycle.
	Deferred
)

func (d Decision) String() string {
	switch d {
	case ApplyRemote:
		return "apply_remote"
	case KeepLocal:
		return "keep_local"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// Resolver applies last-fetched-wins, except where a queued local change was
// built on exactly the version the delta carries.
type Resolver struct{}

// Resolve decides the fate of delta given the cached record (nil when not
// cached) and the unresolved actions for that record, oldest first.
//
// With nothing queued the remote always wins. Otherwise:
//   - an in-flight head action defers the delta until its outcome is known
//   - a remote deletion applies only when every queued action is a delete,
//     and is deferred otherwise
//   - a delta at the head action's base version, or with either version
//     unknown, keeps the local state
//   - any other version applies; the queued action will then fail its
//     precondition and surface as stale
func (Resolver) Resolve(local *record.CachedRecord, delta *record.Delta, unresolved []*record.QueuedAction) Decision {
	if len(unresolved) == 0 {
		return ApplyRemote
	}
	head := unresolved[0]
	if head.Status == record.StatusInFlight {
		return Deferred
	}

	if delta.IsDeletion {
		for _, a := range unresolved {
			if a.Type != record.ActionDelete {
				return Deferred
			}
		}
		return ApplyRemote
	}

	if delta.VersionTag == "" || head.BaseVersion == "" || delta.VersionTag == head.BaseVersion {
		return KeepLocal
	}
	return ApplyRemote
}
