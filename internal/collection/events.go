package collection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
)

// Attendee responses accepted in an event status change.
var validResponses = map[string]bool{
	"accepted":    true,
	"declined":    true,
	"tentative":   true,
	"needsAction": true,
}

// Attendee is one invitee of an event.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	Self           bool   `json:"self,omitempty"`
	Organizer      bool   `json:"organizer,omitempty"`
}

// EventPayload is the cached shape of one calendar event.
type EventPayload struct {
	CalendarID  string     `json:"calendar_id"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	AllDay      bool       `json:"all_day,omitempty"`
	Status      string     `json:"status,omitempty"` // confirmed, tentative, cancelled
	Attendees   []Attendee `json:"attendees,omitempty"`
	Recurrence  []string   `json:"recurrence,omitempty"`
}

// Validate checks the time range and required fields.
func (e *EventPayload) Validate() error {
	if e.Summary == "" {
		return fmt.Errorf("summary is required")
	}
	if e.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	if !e.End.IsZero() && e.End.Before(e.Start) {
		return fmt.Errorf("end %s is before start %s", e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	return nil
}

// Events is the schema for calendar collections.
type Events struct{}

func (Events) Kind() Kind { return KindEvents }

func (Events) ValidateAction(a *record.QueuedAction) error {
	switch a.Type {
	case record.ActionDelete:
		return nil
	case record.ActionCreate:
		var e EventPayload
		if err := json.Unmarshal(a.Payload, &e); err != nil {
			return fmt.Errorf("%w: event payload: %v", record.ErrInvalidAction, err)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %v", record.ErrInvalidAction, err)
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
		return nil
	case record.ActionStatusChange:
		sc, err := decodeStatusChange(a)
		if err != nil {
			return err
		}
		if sc.Response == "" || !validResponses[sc.Response] {
			return fmt.Errorf("%w: invalid response %q", record.ErrInvalidAction, sc.Response)
		}
		if sc.Set != 0 || sc.Clear != 0 || sc.Archive || len(sc.AddLabels) > 0 || len(sc.RemoveLabels) > 0 {
			return fmt.Errorf("%w: events only accept a response", record.ErrInvalidAction)
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported action %s", record.ErrInvalidAction, a.Type)
}

func (Events) Index(payload json.RawMessage) (Index, error) {
	var e EventPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		return Index{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return Index{SortKey: e.Start, GroupKey: e.CalendarID}, nil
}

func (s Events) ApplyLocal(rec *record.CachedRecord, a *record.QueuedAction) error {
	var e EventPayload
	switch a.Type {
	case record.ActionCreate:
		if err := json.Unmarshal(a.Payload, &e); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
	case record.ActionUpdate:
		merged, err := MergeJSON(rec.Payload, a.Payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(merged, &e); err != nil {
			return fmt.Errorf("failed to decode merged event: %w", err)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %v", record.ErrInvalidAction, err)
		}
	case record.ActionStatusChange:
		sc, err := decodeStatusChange(a)
		if err != nil {
			return err
		}
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &e); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
		}
		found := false
		for i := range e.Attendees {
			if e.Attendees[i].Self {
				e.Attendees[i].ResponseStatus = sc.Response
				found = true
			}
		}
		if !found {
			e.Attendees = append(e.Attendees, Attendee{Self: true, ResponseStatus: sc.Response})
		}
	default:
		return fmt.Errorf("cannot apply %s to an event locally", a.Type)
	}

	payload, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	rec.Payload = payload
	rec.SortKey = e.Start
	rec.GroupKey = e.CalendarID
	return nil
}
