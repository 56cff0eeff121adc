// Package remote defines the boundary to the authoritative record service:
// change fetching, mutation sending, and the error taxonomy the engine acts on.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mschirtzinger/offsync/internal/record"
)

// Sentinel kinds. Use errors.Is against these; *Error matches its Kind.
var (
	// ErrCursorExpired means the change token is no longer accepted and a
	// full fetch is required.
	ErrCursorExpired = errors.New("change cursor expired")
	// ErrPreconditionFailed means the action's base version is stale.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrUnauthorized means the credential is missing, expired or rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound means the record does not exist remotely.
	ErrNotFound = errors.New("not found")
	// ErrTransient covers timeouts, rate limiting and server errors.
	ErrTransient = errors.New("transient remote failure")
	// ErrRejected covers every other client error.
	ErrRejected = errors.New("rejected by remote")
)

// Error is a failed remote call.
type Error struct {
	Kind       error
	StatusCode int
	Retry      time.Duration
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Transient reports whether the call may succeed if repeated.
func (e *Error) Transient() bool { return e.Kind == ErrTransient }

// RetryAfter is the server's requested wait, if it sent one.
func (e *Error) RetryAfter() time.Duration { return e.Retry }

// FromStatus maps an HTTP status to an Error. It returns nil for 2xx.
func FromStatus(status int, msg string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var kind error
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = ErrUnauthorized
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status == http.StatusGone:
		kind = ErrCursorExpired
	case status == http.StatusPreconditionFailed, status == http.StatusConflict:
		kind = ErrPreconditionFailed
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		kind = ErrTransient
	default:
		kind = ErrRejected
	}
	return &Error{Kind: kind, StatusCode: status, Msg: msg}
}

// Changes is the result of a fully drained fetch.
type Changes struct {
	Deltas    []*record.Delta
	NextToken string
	// Full is set when Deltas is the complete current set of records.
	Full bool
}

// ChangeFetcher reads remote changes for a collection.
type ChangeFetcher interface {
	// FetchFull returns every live record and a token for later increments.
	FetchFull(ctx context.Context, collection string) (*Changes, error)
	// FetchIncremental returns changes since token. It fails with
	// ErrCursorExpired when the token is no longer valid.
	FetchIncremental(ctx context.Context, collection, token string) (*Changes, error)
}

// SendResult is what the remote reports after accepting an action.
type SendResult struct {
	// ID is the remote id of a created record; empty otherwise.
	ID string
	// VersionTag is the record's new version; empty for deletes.
	VersionTag string
	// Payload is the record as stored remotely, when returned.
	Payload json.RawMessage
}

// MutationSender pushes one queued action to the remote.
type MutationSender interface {
	Send(ctx context.Context, collection string, a *record.QueuedAction) (*SendResult, error)
}

// Remote is the full remote capability set for one collection kind.
type Remote interface {
	ChangeFetcher
	MutationSender
}

// Page is one page of a change listing.
type Page struct {
	Deltas        []*record.Delta
	NextPageToken string
	// SyncToken is only present on the final page.
	SyncToken string
}

// Drain calls fetch until the listing has no more pages and returns the
// concatenated deltas with the final sync token. A page that repeats an
// earlier page token aborts the drain.
func Drain(ctx context.Context, fetch func(ctx context.Context, pageToken string) (*Page, error)) ([]*record.Delta, string, error) {
	var (
		deltas []*record.Delta
		token  string
		seen   = make(map[string]bool)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		page, err := fetch(ctx, token)
		if err != nil {
			return nil, "", err
		}
		deltas = append(deltas, page.Deltas...)
		if page.NextPageToken == "" {
			return deltas, page.SyncToken, nil
		}
		if seen[page.NextPageToken] {
			return nil, "", fmt.Errorf("page token %q repeated", page.NextPageToken)
		}
		seen[page.NextPageToken] = true
		token = page.NextPageToken
	}
}
