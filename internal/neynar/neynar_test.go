package neynar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const castBody = `{
  "cast": {
    "hash": "0x1234abcd",
    "author": {"fid": 3, "username": "dwr", "display_name": "Dan", "pfp_url": "https://img/dwr.png"},
    "text": "gm",
    "embeds": [{"url": "https://example.com"}],
    "parent_hash": null,
    "parent_url": "https://warpcast.com/~/channel/dev",
    "timestamp": "2025-03-01T12:00:00.000Z",
    "replies": {"count": 4},
    "reactions": {"likes_count": 10, "recasts_count": 2}
  }
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/", APIKey: "test-key", Timeout: 2 * time.Second, RPS: 100, Burst: 100})
}

func TestLookupCast(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/farcaster/cast", r.URL.Path)
		assert.Equal(t, "0x1234abcd", r.URL.Query().Get("identifier"))
		assert.Equal(t, "hash", r.URL.Query().Get("type"))
		assert.Equal(t, "test-key", r.Header.Get("api_key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(castBody))
	})

	cast, err := c.LookupCast(context.Background(), "0x1234abcd")
	require.NoError(t, err)
	assert.Equal(t, "0x1234abcd", cast.Hash)
	assert.Equal(t, int64(3), cast.Author.FID)
	assert.Equal(t, "https://img/dwr.png", cast.Author.PfpURL)
	assert.Nil(t, cast.ParentHash)
	require.NotNil(t, cast.ParentURL)
	require.NotNil(t, cast.Timestamp)
	assert.Equal(t, 4, cast.RepliesCount())
	assert.Equal(t, 10, cast.ReactionsCount())
	assert.Equal(t, 2, cast.RecastsCount())
	assert.Empty(t, cast.Mentions)
	assert.True(t, strings.HasPrefix(string(cast.Raw), "{"))
	assert.Contains(t, string(cast.Raw), `"text": "gm"`)
}

func TestLookupCastAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Cast not found"}`))
	})

	_, err := c.LookupCast(context.Background(), "0xdead")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, `Neynar API error: 404 - {"message":"Cast not found"}`, err.Error())
}

func TestLookupCastErrorBodyIsBounded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	})

	_, err := c.LookupCast(context.Background(), "0xdead")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Len(t, apiErr.Body, 1024)
}

func TestLookupCastMalformed(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"cast": "nope"}`,
		`{"cast": {"hash": "0x1"}}`,
		`{"cast": {"hash": 1, "author": {"fid": 3}}}`,
		`{"cast": {"hash": "0x1", "author": {"fid": "3"}}}`,
		`not json`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.LookupCast(context.Background(), "0x1")
			assert.True(t, errors.Is(err, ErrMalformedPayload), "got %v", err)
		})
	}
}

func TestMissingAPIKeyMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	assert.False(t, c.Configured())

	_, err := c.LookupCast(context.Background(), "0x1")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Equal(t, "NEYNAR_API_KEY not configured", err.Error())
	assert.Zero(t, calls.Load())
}

func TestLookupCastTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond})
	_, err := c.LookupCast(context.Background(), "0x1")
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestLookupUsers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/farcaster/user/bulk", r.URL.Path)
		assert.Equal(t, "3,42", r.URL.Query().Get("fids"))
		_, _ = w.Write([]byte(`{"users":[
			{"fid":3,"username":"dwr","custody_address":"0x6b0bda3f2ffed5efc83fa8c024acff1dd45793f1",
			 "verified_addresses":{"eth_addresses":["0xd7029bdea1c17493893aafe29aad69ef892b8ff2"]}}]}`))
	})

	users, err := c.LookupUsers(context.Background(), []int64{3, 42})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "dwr", users[0].Username)
	assert.Equal(t, []string{"0xd7029bdea1c17493893aafe29aad69ef892b8ff2"}, users[0].VerifiedAddresses.EthAddresses)
}

func TestLookupUsersLimits(t *testing.T) {
	c := New(Options{APIKey: "k"})

	users, err := c.LookupUsers(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = c.LookupUsers(context.Background(), make([]int64, MaxBulkUsers+1))
	assert.Error(t, err)
}

func TestRateLimitHonorsContext(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1", APIKey: "k", RPS: 0.001, Burst: 1})
	// Drain the single token.
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.LookupCast(ctx, "0x1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}
