// Package remotetest provides an in-memory authoritative record service for
// tests and local demos. It implements remote.Remote directly and serves the
// httpremote wire protocol through Handler.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mschirtzinger/offsync/internal/collection"
	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/remote"
)

// Operation names for failure injection.
const (
	OpFetch = "fetch"
	OpSend  = "send"
)

type storedRecord struct {
	version int
	payload json.RawMessage
	deleted bool
}

type change struct {
	seq int64
	id  string
}

type coll struct {
	kind    collection.Kind
	records map[string]*storedRecord
	log     []change
}

// Remote is an in-memory record service.
type Remote struct {
	mu          sync.Mutex
	collections map[string]*coll
	seq         int64
	nextID      int
	generation  int
	offline     bool
	failures    map[string][]error
	pageSize    int

	fullFetches        int
	incrementalFetches int
	sends              []*record.QueuedAction
}

var _ remote.Remote = (*Remote)(nil)

// New creates an empty remote. Unknown collections default to messages.
func New() *Remote {
	return &Remote{
		collections: make(map[string]*coll),
		failures:    make(map[string][]error),
		pageSize:    2,
	}
}

// SetKind sets the payload schema used for status changes in a collection.
func (r *Remote) SetKind(name string, k collection.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collection(name).kind = k
}

// SetPageSize sets how many changes each internal page carries.
func (r *Remote) SetPageSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pageSize = n
}

func (r *Remote) collection(name string) *coll {
	c, ok := r.collections[name]
	if !ok {
		c = &coll{kind: collection.KindMessages, records: make(map[string]*storedRecord)}
		r.collections[name] = c
	}
	return c
}

func (r *Remote) record(c *coll, id string) *storedRecord {
	rec, ok := c.records[id]
	if !ok {
		rec = &storedRecord{}
		c.records[id] = rec
	}
	return rec
}

func (r *Remote) touch(c *coll, id string) {
	r.seq++
	c.log = append(c.log, change{seq: r.seq, id: id})
}

func versionTag(v int) string { return "v" + strconv.Itoa(v) }

// token encodes the token generation and the change sequence: tok-<gen>-<seq>.
func (r *Remote) token() string { return fmt.Sprintf("tok-%d-%d", r.generation, r.seq) }

func (r *Remote) parseToken(token string) (gen int, seq int64, err error) {
	if _, err := fmt.Sscanf(token, "tok-%d-%d", &gen, &seq); err != nil {
		return 0, 0, err
	}
	return gen, seq, nil
}

// Put writes a record as another client would, returning its new version.
func (r *Remote) Put(name, id string, payload json.RawMessage) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.collection(name)
	rec := r.record(c, id)
	rec.version++
	rec.payload = payload
	rec.deleted = false
	r.touch(c, id)
	return versionTag(rec.version)
}

// Delete removes a record as another client would.
func (r *Remote) Delete(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.collection(name)
	rec := r.record(c, id)
	rec.version++
	rec.deleted = true
	r.touch(c, id)
}

// Get returns the current version and payload of a live record.
func (r *Remote) Get(name, id string) (string, json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.collection(name).records[id]
	if !ok || rec.deleted {
		return "", nil, false
	}
	return versionTag(rec.version), rec.payload, true
}

// IDs returns the ids of live records, sorted.
func (r *Remote) IDs(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, rec := range r.collection(name).records {
		if !rec.deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ExpireTokens invalidates every change token issued so far.
func (r *Remote) ExpireTokens() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
}

// SetOffline makes every call fail as a transient network error.
func (r *Remote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// FailNext queues errors returned by the next calls of op, one per call.
func (r *Remote) FailNext(op string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], errs...)
}

// FetchCounts returns how many full and incremental fetches were served.
func (r *Remote) FetchCounts() (full, incremental int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fullFetches, r.incrementalFetches
}

// Sent returns the actions accepted so far, in order.
func (r *Remote) Sent() []*record.QueuedAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*record.QueuedAction(nil), r.sends...)
}

// Transient returns the error the remote uses for network failures.
func Transient(msg string) error {
	return &remote.Error{Kind: remote.ErrTransient, Msg: msg}
}

func (r *Remote) injected(op string) error {
	if r.offline {
		return Transient("remote unreachable")
	}
	if q := r.failures[op]; len(q) > 0 {
		r.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// FetchFull implements remote.ChangeFetcher.
func (r *Remote) FetchFull(ctx context.Context, name string) (*remote.Changes, error) {
	deltas, token, err := remote.Drain(ctx, func(ctx context.Context, pageToken string) (*remote.Page, error) {
		return r.ChangesPage(ctx, name, "", pageToken)
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.fullFetches++
	r.mu.Unlock()
	return &remote.Changes{Deltas: deltas, NextToken: token, Full: true}, nil
}

// FetchIncremental implements remote.ChangeFetcher.
func (r *Remote) FetchIncremental(ctx context.Context, name, token string) (*remote.Changes, error) {
	deltas, next, err := remote.Drain(ctx, func(ctx context.Context, pageToken string) (*remote.Page, error) {
		return r.ChangesPage(ctx, name, token, pageToken)
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.incrementalFetches++
	r.mu.Unlock()
	return &remote.Changes{Deltas: deltas, NextToken: next}, nil
}

// ChangesPage serves one page of a full (since == "") or incremental listing.
func (r *Remote) ChangesPage(ctx context.Context, name, since, pageToken string) (*remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected(OpFetch); err != nil {
		return nil, err
	}
	c := r.collection(name)

	var ids []string
	if since == "" {
		for id, rec := range c.records {
			if !rec.deleted {
				ids = append(ids, id)
			}
		}
	} else {
		gen, from, err := r.parseToken(since)
		if err != nil {
			return nil, &remote.Error{Kind: remote.ErrRejected, StatusCode: 400, Msg: "malformed token"}
		}
		if gen != r.generation {
			return nil, &remote.Error{Kind: remote.ErrCursorExpired, StatusCode: 410}
		}
		seen := make(map[string]bool)
		for _, ch := range c.log {
			if ch.seq > from && !seen[ch.id] {
				seen[ch.id] = true
				ids = append(ids, ch.id)
			}
		}
	}
	sort.Strings(ids)

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(pageToken, "p-"))
		if err != nil || n < 0 || n > len(ids) {
			return nil, &remote.Error{Kind: remote.ErrRejected, Msg: "malformed page token"}
		}
		offset = n
	}
	end := len(ids)
	if r.pageSize > 0 && offset+r.pageSize < end {
		end = offset + r.pageSize
	}

	page := &remote.Page{}
	for _, id := range ids[offset:end] {
		rec := c.records[id]
		page.Deltas = append(page.Deltas, &record.Delta{
			ID:         id,
			VersionTag: versionTag(rec.version),
			Payload:    rec.payload,
			IsDeletion: rec.deleted,
		})
	}
	if end < len(ids) {
		page.NextPageToken = "p-" + strconv.Itoa(end)
	} else {
		page.SyncToken = r.token()
	}
	return page, nil
}

// Send implements remote.MutationSender.
func (r *Remote) Send(ctx context.Context, name string, a *record.QueuedAction) (*remote.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected(OpSend); err != nil {
		return nil, err
	}
	c := r.collection(name)

	if a.Type == record.ActionCreate {
		r.nextID++
		id := fmt.Sprintf("r-%d", r.nextID)
		rec := r.record(c, id)
		rec.version = 1
		rec.payload = a.Payload
		r.touch(c, id)
		r.sends = append(r.sends, a)
		return &remote.SendResult{ID: id, VersionTag: versionTag(1), Payload: rec.payload}, nil
	}

	rec, ok := c.records[a.RecordID]
	if !ok || rec.deleted {
		return nil, &remote.Error{Kind: remote.ErrNotFound, StatusCode: 404}
	}
	if a.BaseVersion != "" && a.BaseVersion != versionTag(rec.version) {
		return nil, &remote.Error{
			Kind:       remote.ErrPreconditionFailed,
			StatusCode: 412,
			Msg:        fmt.Sprintf("base %s, current %s", a.BaseVersion, versionTag(rec.version)),
		}
	}

	switch a.Type {
	case record.ActionDelete:
		rec.deleted = true
	case record.ActionUpdate, record.ActionStatusChange:
		schema, err := collection.ForKind(c.kind)
		if err != nil {
			return nil, err
		}
		tmp := &record.CachedRecord{Collection: name, ID: a.RecordID, Payload: rec.payload}
		if err := schema.ApplyLocal(tmp, a); err != nil {
			return nil, &remote.Error{Kind: remote.ErrRejected, StatusCode: 400, Err: err}
		}
		rec.payload = tmp.Payload
	default:
		return nil, &remote.Error{Kind: remote.ErrRejected, StatusCode: 400, Msg: "unsupported action"}
	}
	rec.version++
	r.touch(c, a.RecordID)
	r.sends = append(r.sends, a)

	res := &remote.SendResult{VersionTag: versionTag(rec.version), Payload: rec.payload}
	if a.Type == record.ActionDelete {
		res.VersionTag = ""
		res.Payload = nil
	}
	return res, nil
}
