package record

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestFlags_Apply tests setting and clearing flag bits.
func TestFlags_Apply(t *testing.T) {
	f := FlagRead
	f = f.Apply(FlagStarred, FlagRead)
	if f.Has(FlagRead) {
		t.Errorf("expected read cleared, got %s", f)
	}
	if !f.Has(FlagStarred) {
		t.Errorf("expected starred set, got %s", f)
	}
	if got := (FlagRead | FlagPendingDelete).String(); got != "read,pending_delete" {
		t.Errorf("String() = %q", got)
	}
}

// TestQueuedAction_Validate tests action validation.
func TestQueuedAction_Validate(t *testing.T) {
	tests := []struct {
		name    string
		action  QueuedAction
		wantErr bool
	}{
		{
			name:   "valid update",
			action: QueuedAction{Collection: "inbox", RecordID: "m1", Type: ActionUpdate, Payload: json.RawMessage(`{"subject":"x"}`)},
		},
		{
			name:   "delete without payload",
			action: QueuedAction{Collection: "inbox", RecordID: "m1", Type: ActionDelete},
		},
		{
			name:   "create without record id",
			action: QueuedAction{Collection: "inbox", Type: ActionCreate, Payload: json.RawMessage(`{}`)},
		},
		{
			name:    "missing collection",
			action:  QueuedAction{RecordID: "m1", Type: ActionDelete},
			wantErr: true,
		},
		{
			name:    "unknown type",
			action:  QueuedAction{Collection: "inbox", RecordID: "m1", Type: "move"},
			wantErr: true,
		},
		{
			name:    "update without payload",
			action:  QueuedAction{Collection: "inbox", RecordID: "m1", Type: ActionUpdate},
			wantErr: true,
		},
		{
			name:    "malformed payload",
			action:  QueuedAction{Collection: "inbox", RecordID: "m1", Type: ActionUpdate, Payload: json.RawMessage(`{`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAction) {
				t.Errorf("expected ErrInvalidAction, got %v", err)
			}
		})
	}
}
