package remotetest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/remote"
)

// Handler serves r over the httpremote wire protocol. When token is not
// empty, requests must carry it as a bearer credential.
func Handler(r *Remote, token string) http.Handler {
	return &handler{remote: r, token: token}
}

type handler struct {
	remote *Remote
	token  string
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if h.token != "" && req.Header.Get("Authorization") != "Bearer "+h.token {
		writeError(w, &remote.Error{Kind: remote.ErrUnauthorized, StatusCode: http.StatusUnauthorized})
		return
	}

	// /v1/collections/{c}/changes | /records | /records/{id}[:status]
	parts := strings.Split(strings.TrimPrefix(req.URL.EscapedPath(), "/v1/collections/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, req)
		return
	}
	name, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "changes" && req.Method == http.MethodGet:
		h.changes(w, req, name)
	case len(parts) == 2 && parts[1] == "records" && req.Method == http.MethodPost:
		h.send(w, req, name, "", record.ActionCreate)
	case len(parts) == 3 && parts[1] == "records":
		id, err := url.PathUnescape(parts[2])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch {
		case strings.HasSuffix(id, ":status") && req.Method == http.MethodPost:
			h.send(w, req, name, strings.TrimSuffix(id, ":status"), record.ActionStatusChange)
		case req.Method == http.MethodPatch:
			h.send(w, req, name, id, record.ActionUpdate)
		case req.Method == http.MethodDelete:
			h.send(w, req, name, id, record.ActionDelete)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, req)
	}
}

func (h *handler) changes(w http.ResponseWriter, req *http.Request, name string) {
	q := req.URL.Query()
	page, err := h.remote.ChangesPage(req.Context(), name, q.Get("since"), q.Get("pageToken"))
	if err != nil {
		writeError(w, err)
		return
	}

	type change struct {
		ID      string          `json:"id"`
		Version string          `json:"version,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Deleted bool            `json:"deleted,omitempty"`
	}
	out := struct {
		Changes       []change `json:"changes"`
		NextPageToken string   `json:"nextPageToken,omitempty"`
		SyncToken     string   `json:"syncToken,omitempty"`
	}{NextPageToken: page.NextPageToken, SyncToken: page.SyncToken}
	for _, d := range page.Deltas {
		out.Changes = append(out.Changes, change{ID: d.ID, Version: d.VersionTag, Payload: d.Payload, Deleted: d.IsDeletion})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) send(w http.ResponseWriter, req *http.Request, name, id string, typ record.ActionType) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a := &record.QueuedAction{
		Collection:  name,
		RecordID:    id,
		Type:        typ,
		BaseVersion: req.Header.Get("If-Match"),
		Payload:     body,
	}
	res, err := h.remote.Send(req.Context(), name, a)
	if err != nil {
		writeError(w, err)
		return
	}
	if typ == record.ActionDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if res.ID == "" {
		res.ID = id
	}
	status := http.StatusOK
	if typ == record.ActionCreate {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"id": res.ID, "version": res.VersionTag, "payload": res.Payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var rerr *remote.Error
	if errors.As(err, &rerr) {
		switch {
		case rerr.StatusCode != 0:
			status = rerr.StatusCode
		case errors.Is(err, remote.ErrTransient):
			status = http.StatusServiceUnavailable
		case errors.Is(err, remote.ErrUnauthorized):
			status = http.StatusUnauthorized
		case errors.Is(err, remote.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, remote.ErrCursorExpired):
			status = http.StatusGone
		case errors.Is(err, remote.ErrPreconditionFailed):
			status = http.StatusPreconditionFailed
		default:
			status = http.StatusBadRequest
		}
		if rerr.Retry > 0 {
			w.Header().Set("Retry-After", "1")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": err.Error()}})
}
