package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mschirtzinger/offsync/internal/record"
)

func action(typ record.ActionType, base string, status record.ActionStatus) *record.QueuedAction {
	return &record.QueuedAction{Collection: "inbox", RecordID: "m1", Type: typ, BaseVersion: base, Status: status}
}

func TestResolve(t *testing.T) {
	local := &record.CachedRecord{Collection: "inbox", ID: "m1", VersionTag: "v1"}
	pendingUpdate := action(record.ActionUpdate, "v1", record.StatusPending)

	cases := []struct {
		name       string
		local      *record.CachedRecord
		delta      *record.Delta
		unresolved []*record.QueuedAction
		want       Decision
	}{
		{
			name:  "nothing queued applies newer version",
			local: local,
			delta: &record.Delta{ID: "m1", VersionTag: "v2"},
			want:  ApplyRemote,
		},
		{
			name:  "nothing queued applies deletion",
			local: local,
			delta: &record.Delta{ID: "m1", VersionTag: "v2", IsDeletion: true},
			want:  ApplyRemote,
		},
		{
			name:  "uncached record",
			delta: &record.Delta{ID: "m9", VersionTag: "v1"},
			want:  ApplyRemote,
		},
		{
			name:       "delta at base version keeps local",
			local:      local,
			delta:      &record.Delta{ID: "m1", VersionTag: "v1"},
			unresolved: []*record.QueuedAction{pendingUpdate},
			want:       KeepLocal,
		},
		{
			name:       "newer delta applies over queued edit",
			local:      local,
			delta:      &record.Delta{ID: "m1", VersionTag: "v2"},
			unresolved: []*record.QueuedAction{pendingUpdate},
			want:       ApplyRemote,
		},
		{
			name:       "unknown delta version keeps local",
			local:      local,
			delta:      &record.Delta{ID: "m1"},
			unresolved: []*record.QueuedAction{pendingUpdate},
			want:       KeepLocal,
		},
		{
			name:       "unknown base version keeps local",
			local:      local,
			delta:      &record.Delta{ID: "m1", VersionTag: "v2"},
			unresolved: []*record.QueuedAction{action(record.ActionUpdate, "", record.StatusPending)},
			want:       KeepLocal,
		},
		{
			name:       "in-flight head defers",
			local:      local,
			delta:      &record.Delta{ID: "m1", VersionTag: "v2"},
			unresolved: []*record.QueuedAction{action(record.ActionUpdate, "v1", record.StatusInFlight)},
			want:       Deferred,
		},
		{
			name:       "remote deletion against queued edit defers",
			local:      local,
			delta:      &record.Delta{ID: "m1", IsDeletion: true},
			unresolved: []*record.QueuedAction{pendingUpdate},
			want:       Deferred,
		},
		{
			name:       "remote deletion against queued delete applies",
			local:      local,
			delta:      &record.Delta{ID: "m1", IsDeletion: true},
			unresolved: []*record.QueuedAction{action(record.ActionDelete, "v1", record.StatusPending)},
			want:       ApplyRemote,
		},
		{
			name:       "failed head still compares versions",
			local:      local,
			delta:      &record.Delta{ID: "m1", VersionTag: "v1"},
			unresolved: []*record.QueuedAction{action(record.ActionUpdate, "v1", record.StatusFailed)},
			want:       KeepLocal,
		},
	}

	var r Resolver
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Resolve(tc.local, tc.delta, tc.unresolved))
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "apply_remote", ApplyRemote.String())
	assert.Equal(t, "keep_local", KeepLocal.String())
	assert.Equal(t, "deferred", Deferred.String())
}
