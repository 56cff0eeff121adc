package collection

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
)

// Well-known message labels that carry flag state.
const (
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
	LabelInbox   = "INBOX"
	LabelDraft   = "DRAFT"
)

// MessagePayload is the cached shape of one mail message.
type MessagePayload struct {
	ThreadID string    `json:"thread_id"`
	From     string    `json:"from"`
	To       []string  `json:"to,omitempty"`
	Cc       []string  `json:"cc,omitempty"`
	Subject  string    `json:"subject"`
	Snippet  string    `json:"snippet,omitempty"`
	Body     string    `json:"body,omitempty"`
	Labels   []string  `json:"labels,omitempty"`
	Date     time.Time `json:"date"`
}

// HasLabel reports whether the message carries label l.
func (m *MessagePayload) HasLabel(l string) bool { return slices.Contains(m.Labels, l) }

func (m *MessagePayload) addLabel(l string) {
	if !m.HasLabel(l) {
		m.Labels = append(m.Labels, l)
	}
}

func (m *MessagePayload) removeLabel(l string) {
	m.Labels = slices.DeleteFunc(m.Labels, func(s string) bool { return s == l })
}

// Messages is the schema for mail collections.
type Messages struct{}

func (Messages) Kind() Kind { return KindMessages }

func (Messages) ValidateAction(a *record.QueuedAction) error {
	switch a.Type {
	case record.ActionDelete:
		return nil
	case record.ActionCreate:
		var m MessagePayload
		if err := json.Unmarshal(a.Payload, &m); err != nil {
			return fmt.Errorf("%w: message payload: %v", record.ErrInvalidAction, err)
		}
		if m.Subject == "" && m.Body == "" {
			return fmt.Errorf("%w: draft needs a subject or body", record.ErrInvalidAction)
		}
		return nil
	case record.ActionUpdate:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(a.Payload, &fields); err != nil {
			return fmt.Errorf("%w: update payload: %v", record.ErrInvalidAction, err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: update has no fields", record.ErrInvalidAction)
		}
		if _, ok := fields["thread_id"]; ok {
			return fmt.Errorf("%w: thread_id cannot be changed", record.ErrInvalidAction)
		}
		return nil
	case record.ActionStatusChange:
		sc, err := decodeStatusChange(a)
		if err != nil {
			return err
		}
		if sc.Response != "" {
			return fmt.Errorf("%w: messages have no attendee response", record.ErrInvalidAction)
		}
		if sc.Set&sc.Clear != 0 {
			return fmt.Errorf("%w: flag both set and cleared", record.ErrInvalidAction)
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported action %s", record.ErrInvalidAction, a.Type)
}

func (Messages) Index(payload json.RawMessage) (Index, error) {
	var m MessagePayload
	if err := json.Unmarshal(payload, &m); err != nil {
		return Index{}, fmt.Errorf("failed to decode message: %w", err)
	}
	idx := Index{SortKey: m.Date, GroupKey: m.ThreadID}
	if !m.HasLabel(LabelUnread) {
		idx.Flags |= record.FlagRead
	}
	if m.HasLabel(LabelStarred) {
		idx.Flags |= record.FlagStarred
	}
	return idx, nil
}

func (s Messages) ApplyLocal(rec *record.CachedRecord, a *record.QueuedAction) error {
	var m MessagePayload
	switch a.Type {
	case record.ActionCreate:
		if err := json.Unmarshal(a.Payload, &m); err != nil {
			return fmt.Errorf("failed to decode draft: %w", err)
		}
		m.addLabel(LabelDraft)
		if m.Date.IsZero() {
			m.Date = a.CreatedAt
		}
	case record.ActionUpdate:
		merged, err := MergeJSON(rec.Payload, a.Payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(merged, &m); err != nil {
			return fmt.Errorf("failed to decode merged message: %w", err)
		}
	case record.ActionStatusChange:
		sc, err := decodeStatusChange(a)
		if err != nil {
			return err
		}
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &m); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
		}
		if sc.Set.Has(record.FlagRead) {
			m.removeLabel(LabelUnread)
		}
		if sc.Clear.Has(record.FlagRead) {
			m.addLabel(LabelUnread)
		}
		if sc.Set.Has(record.FlagStarred) {
			m.addLabel(LabelStarred)
		}
		if sc.Clear.Has(record.FlagStarred) {
			m.removeLabel(LabelStarred)
		}
		if sc.Archive {
			m.removeLabel(LabelInbox)
		}
		for _, l := range sc.AddLabels {
			m.addLabel(l)
		}
		for _, l := range sc.RemoveLabels {
			m.removeLabel(l)
		}
	default:
		return fmt.Errorf("cannot apply %s to a message locally", a.Type)
	}

	payload, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	idx, err := s.Index(payload)
	if err != nil {
		return err
	}
	rec.Payload = payload
	rec.SortKey = idx.SortKey
	rec.GroupKey = idx.GroupKey
	rec.Flags = idx.Flags | (rec.Flags & record.FlagPendingDelete)
	return nil
}
