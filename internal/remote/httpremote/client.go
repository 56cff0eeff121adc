// Package httpremote is a JSON-over-HTTP implementation of remote.Remote.
//
// Endpoints, relative to the base URL:
//
//	GET    /v1/collections/{c}/changes?since=&pageToken=&pageSize=
//	POST   /v1/collections/{c}/records
//	PATCH  /v1/collections/{c}/records/{id}          (If-Match: base version)
//	POST   /v1/collections/{c}/records/{id}:status   (If-Match: base version)
//	DELETE /v1/collections/{c}/records/{id}          (If-Match: base version)
//
// Requests carry the bearer token from an oauth2.TokenSource.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/remote"
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	PageSize int
	Timeout  time.Duration

	// Transport overrides the base round tripper, mostly for tests.
	Transport http.RoundTripper
	Logger    logrus.FieldLogger
}

// DefaultConfig returns defaults for everything but BaseURL.
func DefaultConfig() Config {
	return Config{
		PageSize: 100,
		Timeout:  30 * time.Second,
		Logger:   logrus.StandardLogger(),
	}
}

// Client talks to one record service.
type Client struct {
	base     *url.URL
	http     *http.Client
	pageSize int
	log      logrus.FieldLogger
}

var _ remote.Remote = (*Client)(nil)

// New creates a client authenticating through ts.
func New(cfg Config, ts oauth2.TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: ts, Base: transport},
		},
		pageSize: cfg.PageSize,
		log:      cfg.Logger,
	}, nil
}

type wireChange struct {
	ID      string          `json:"id"`
	Version string          `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

type wireChangesPage struct {
	Changes       []wireChange `json:"changes"`
	NextPageToken string       `json:"nextPageToken,omitempty"`
	SyncToken     string       `json:"syncToken,omitempty"`
}

type wireRecord struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FetchFull lists every live record of the collection.
func (c *Client) FetchFull(ctx context.Context, collection string) (*remote.Changes, error) {
	deltas, token, err := remote.Drain(ctx, func(ctx context.Context, pageToken string) (*remote.Page, error) {
		return c.changesPage(ctx, collection, "", pageToken)
	})
	if err != nil {
		return nil, err
	}
	return &remote.Changes{Deltas: deltas, NextToken: token, Full: true}, nil
}

// FetchIncremental lists changes since token.
func (c *Client) FetchIncremental(ctx context.Context, collection, token string) (*remote.Changes, error) {
	deltas, next, err := remote.Drain(ctx, func(ctx context.Context, pageToken string) (*remote.Page, error) {
		return c.changesPage(ctx, collection, token, pageToken)
	})
	if err != nil {
		return nil, err
	}
	return &remote.Changes{Deltas: deltas, NextToken: next}, nil
}

func (c *Client) changesPage(ctx context.Context, collection, since, pageToken string) (*remote.Page, error) {
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(c.pageSize))
	if since != "" {
		q.Set("since", since)
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var wire wireChangesPage
	if err := c.do(ctx, http.MethodGet, c.collectionPath(collection, "changes")+"?"+q.Encode(), "", nil, &wire); err != nil {
		return nil, err
	}

	page := &remote.Page{NextPageToken: wire.NextPageToken, SyncToken: wire.SyncToken}
	for _, ch := range wire.Changes {
		page.Deltas = append(page.Deltas, &record.Delta{
			ID:         ch.ID,
			VersionTag: ch.Version,
			Payload:    ch.Payload,
			IsDeletion: ch.Deleted,
		})
	}
	c.log.WithFields(logrus.Fields{
		"collection": collection,
		"changes":    len(page.Deltas),
		"more":       page.NextPageToken != "",
	}).Debug("fetched changes page")
	return page, nil
}

// Send pushes one action.
func (c *Client) Send(ctx context.Context, collection string, a *record.QueuedAction) (*remote.SendResult, error) {
	var (
		method, path string
		body         []byte
	)
	switch a.Type {
	case record.ActionCreate:
		method, path, body = http.MethodPost, c.collectionPath(collection, "records"), a.Payload
	case record.ActionUpdate:
		method, path, body = http.MethodPatch, c.recordPath(collection, a.RecordID, ""), a.Payload
	case record.ActionStatusChange:
		method, path, body = http.MethodPost, c.recordPath(collection, a.RecordID, ":status"), a.Payload
	case record.ActionDelete:
		method, path = http.MethodDelete, c.recordPath(collection, a.RecordID, "")
	default:
		return nil, &remote.Error{Kind: remote.ErrRejected, Msg: fmt.Sprintf("unsupported action %s", a.Type)}
	}

	ifMatch := ""
	if a.Type != record.ActionCreate {
		ifMatch = a.BaseVersion
	}

	var out wireRecord
	var dst any = &out
	if a.Type == record.ActionDelete {
		dst = nil
	}
	if err := c.do(ctx, method, path, ifMatch, body, dst); err != nil {
		return nil, err
	}
	return &remote.SendResult{ID: out.ID, VersionTag: out.Version, Payload: out.Payload}, nil
}

func (c *Client) collectionPath(collection, suffix string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/" + suffix
}

func (c *Client) recordPath(collection, id, suffix string) string {
	return c.collectionPath(collection, "records/"+url.PathEscape(id)+suffix)
}

func (c *Client) do(ctx context.Context, method, path, ifMatch string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := remote.FromStatus(resp.StatusCode, readErrorMessage(resp.Body))
		if rerr, ok := err.(*remote.Error); ok {
			rerr.Retry = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &remote.Error{Kind: remote.ErrTransient, StatusCode: resp.StatusCode, Msg: "malformed response body", Err: err}
	}
	return nil
}

// classifyTransportError keeps credential failures permanent and treats
// every other transport failure as transient.
func classifyTransportError(err error) error {
	var rerr *remote.Error
	if errors.As(err, &rerr) {
		return err
	}
	return &remote.Error{Kind: remote.ErrTransient, Err: err}
}

func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var wire struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &wire) == nil && wire.Error.Message != "" {
		return wire.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
