package httpremote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/remote"
	"github.com/mschirtzinger/offsync/internal/remote/remotetest"
	"github.com/mschirtzinger/offsync/internal/retry"
)

func newTestClient(t *testing.T, h http.Handler, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.PageSize = 2
	cfg.Timeout = 5 * time.Second
	cfg.Logger = logrus.New()

	c, err := New(cfg, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	require.NoError(t, err)
	return c
}

func TestFetchFullAndIncremental(t *testing.T) {
	ctx := context.Background()
	fake := remotetest.New()
	for _, id := range []string{"m1", "m2", "m3"} {
		fake.Put("inbox", id, json.RawMessage(`{"subject":"`+id+`"}`))
	}
	c := newTestClient(t, remotetest.Handler(fake, "secret"), "secret")

	full, err := c.FetchFull(ctx, "inbox")
	require.NoError(t, err)
	assert.True(t, full.Full)
	assert.Len(t, full.Deltas, 3)
	assert.NotEmpty(t, full.NextToken)

	fake.Put("inbox", "m2", json.RawMessage(`{"subject":"edited"}`))
	fake.Delete("inbox", "m3")

	inc, err := c.FetchIncremental(ctx, "inbox", full.NextToken)
	require.NoError(t, err)
	assert.False(t, inc.Full)
	require.Len(t, inc.Deltas, 2)
	assert.Equal(t, "m2", inc.Deltas[0].ID)
	assert.Equal(t, "v2", inc.Deltas[0].VersionTag)
	assert.True(t, inc.Deltas[1].IsDeletion)
}

func TestFetchIncrementalCursorExpired(t *testing.T) {
	ctx := context.Background()
	fake := remotetest.New()
	fake.Put("inbox", "m1", json.RawMessage(`{}`))
	c := newTestClient(t, remotetest.Handler(fake, ""), "")

	full, err := c.FetchFull(ctx, "inbox")
	require.NoError(t, err)
	fake.ExpireTokens()

	_, err = c.FetchIncremental(ctx, "inbox", full.NextToken)
	assert.ErrorIs(t, err, remote.ErrCursorExpired)
}

func TestSendLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := remotetest.New()
	c := newTestClient(t, remotetest.Handler(fake, ""), "")

	created, err := c.Send(ctx, "inbox", &record.QueuedAction{
		Type:    record.ActionCreate,
		Payload: json.RawMessage(`{"subject":"draft","thread_id":"t1"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "v1", created.VersionTag)

	updated, err := c.Send(ctx, "inbox", &record.QueuedAction{
		Type:        record.ActionUpdate,
		RecordID:    created.ID,
		BaseVersion: "v1",
		Payload:     json.RawMessage(`{"subject":"final"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.VersionTag)

	// Stale base version
	_, err = c.Send(ctx, "inbox", &record.QueuedAction{
		Type:        record.ActionUpdate,
		RecordID:    created.ID,
		BaseVersion: "v1",
		Payload:     json.RawMessage(`{"subject":"late"}`),
	})
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)
	assert.Equal(t, retry.Permanent, retry.Classify(err))

	sc, _ := json.Marshal(record.StatusChange{Set: record.FlagStarred})
	_, err = c.Send(ctx, "inbox", &record.QueuedAction{
		Type:        record.ActionStatusChange,
		RecordID:    created.ID,
		BaseVersion: "v2",
		Payload:     sc,
	})
	require.NoError(t, err)

	_, err = c.Send(ctx, "inbox", &record.QueuedAction{Type: record.ActionDelete, RecordID: created.ID})
	require.NoError(t, err)
	_, _, ok := fake.Get("inbox", created.ID)
	assert.False(t, ok)

	_, err = c.Send(ctx, "inbox", &record.QueuedAction{Type: record.ActionDelete, RecordID: created.ID})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestSubCollectionPath(t *testing.T) {
	ctx := context.Background()
	fake := remotetest.New()
	fake.Put("events/work", "e1", json.RawMessage(`{}`))
	c := newTestClient(t, remotetest.Handler(fake, ""), "")

	full, err := c.FetchFull(ctx, "events/work")
	require.NoError(t, err)
	require.Len(t, full.Deltas, 1)
	assert.Equal(t, "e1", full.Deltas[0].ID)
}

func TestUnauthorized(t *testing.T) {
	fake := remotetest.New()
	c := newTestClient(t, remotetest.Handler(fake, "secret"), "wrong")

	_, err := c.FetchFull(context.Background(), "inbox")
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
	assert.Equal(t, retry.Permanent, retry.Classify(err))
}

func TestMissingCredentialIsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(remotetest.Handler(remotetest.New(), ""))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c, err := New(cfg, remote.NewCredentials(nil))
	require.NoError(t, err)

	_, err = c.FetchFull(context.Background(), "inbox")
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
}

func TestTransientStatusCarriesRetryAfter(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	})
	c := newTestClient(t, h, "x")

	_, err := c.FetchFull(context.Background(), "inbox")
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrTransient)
	assert.Equal(t, retry.Transient, retry.Classify(err))
	assert.Equal(t, 7*time.Second, retry.RetryAfterHint(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
}
