package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/offsync/internal/events"
)

// Handler forwards engine events to a dashboard server.
type Handler struct {
	server *Server
	logger logrus.FieldLogger
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{server: server, logger: logger}
}

// Forward broadcasts every event from ch until ctx is done or ch closes.
func (h *Handler) Forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if msg, ok := h.convert(ev); ok {
				h.server.Broadcast(msg)
			}
		}
	}
}

func (h *Handler) convert(ev events.Event) (Message, bool) {
	var typ MessageType
	switch ev.Type {
	case events.SyncCompleted:
		typ = MessageTypeSyncCompleted
	case events.StatusChanged:
		typ = MessageTypeStateChanged
	case events.ActionFailed:
		typ = MessageTypeActionFailed
	default:
		return Message{}, false
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		h.logger.WithError(err).WithField("type", ev.Type).Warn("failed to marshal event")
		return Message{}, false
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Message{Type: typ, Collection: ev.Collection, Timestamp: ts, Data: data}, true
}
