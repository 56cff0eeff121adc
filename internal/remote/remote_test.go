package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/retry"
)

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status    int
		kind      error
		transient bool
	}{
		{401, ErrUnauthorized, false},
		{403, ErrUnauthorized, false},
		{404, ErrNotFound, false},
		{408, ErrTransient, true},
		{409, ErrPreconditionFailed, false},
		{410, ErrCursorExpired, false},
		{412, ErrPreconditionFailed, false},
		{429, ErrTransient, true},
		{400, ErrRejected, false},
		{422, ErrRejected, false},
		{500, ErrTransient, true},
		{503, ErrTransient, true},
	}
	for _, tc := range cases {
		err := FromStatus(tc.status, "boom")
		require.Error(t, err, "status %d", tc.status)
		assert.ErrorIs(t, err, tc.kind, "status %d", tc.status)

		class := retry.Classify(err)
		if tc.transient {
			assert.Equal(t, retry.Transient, class, "status %d", tc.status)
		} else {
			assert.Equal(t, retry.Permanent, class, "status %d", tc.status)
		}
	}
	assert.NoError(t, FromStatus(200, ""))
	assert.NoError(t, FromStatus(204, ""))
}

func TestErrorMessageAndHint(t *testing.T) {
	cause := errors.New("reset by peer")
	err := &Error{Kind: ErrTransient, StatusCode: 503, Retry: 3 * time.Second, Msg: "busy", Err: cause}

	assert.Equal(t, "transient remote failure (HTTP 503): busy: reset by peer", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3*time.Second, retry.RetryAfterHint(err))
}

func TestDrainConcatenatesPages(t *testing.T) {
	pages := map[string]*Page{
		"":   {Deltas: []*record.Delta{{ID: "a"}}, NextPageToken: "p1"},
		"p1": {Deltas: []*record.Delta{{ID: "b"}, {ID: "c"}}, NextPageToken: "p2"},
		"p2": {Deltas: []*record.Delta{{ID: "d"}}, SyncToken: "tok-9"},
	}
	deltas, token, err := Drain(context.Background(), func(_ context.Context, pt string) (*Page, error) {
		return pages[pt], nil
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-9", token)
	require.Len(t, deltas, 4)
	assert.Equal(t, "d", deltas[3].ID)
}

func TestDrainRejectsLoops(t *testing.T) {
	_, _, err := Drain(context.Background(), func(_ context.Context, pt string) (*Page, error) {
		return &Page{NextPageToken: "again"}, nil
	})
	assert.Error(t, err)
}

func TestDrainPropagatesErrors(t *testing.T) {
	_, _, err := Drain(context.Background(), func(_ context.Context, pt string) (*Page, error) {
		if pt == "" {
			return &Page{NextPageToken: "p1"}, nil
		}
		return nil, &Error{Kind: ErrCursorExpired}
	})
	assert.ErrorIs(t, err, ErrCursorExpired)
}

func TestCredentials(t *testing.T) {
	c := NewCredentials(nil)
	_, err := c.Token()
	assert.ErrorIs(t, err, ErrUnauthorized)

	c.Set(&oauth2.Token{AccessToken: "abc", Expiry: time.Now().Add(-time.Minute)})
	_, err = c.Token()
	assert.ErrorIs(t, err, ErrUnauthorized, "expired token")

	c.Set(&oauth2.Token{AccessToken: "abc", Expiry: time.Now().Add(time.Hour)})
	tok, err := c.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
}
