package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/primal-host/castkeeper/internal/cast"
	"github.com/primal-host/castkeeper/internal/events"
	"github.com/primal-host/castkeeper/internal/neynar"
	"github.com/primal-host/castkeeper/internal/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	casts map[string]*neynar.Cast
	err   error
	calls []string
}

func (f *fakeResolver) LookupCast(_ context.Context, hash string) (*neynar.Cast, error) {
	f.calls = append(f.calls, hash)
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.casts[hash]
	if !ok {
		return nil, &neynar.APIError{Status: 404, Body: `{"message":"Cast not found"}`}
	}
	return c, nil
}

type fakeUsers struct {
	mu      sync.Mutex
	byFID   map[int64]*user.User
	created int
	err     error
}

func (f *fakeUsers) GetOrCreate(_ context.Context, fid int64) (*user.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	if u, ok := f.byFID[fid]; ok {
		return u, false, nil
	}
	f.created++
	u := &user.User{ID: fmt.Sprintf("user-%d", fid), FID: fid}
	f.byFID[fid] = u
	return u, true, nil
}

type fakeCasts struct {
	mu        sync.Mutex
	rows      map[string]*cast.SavedCast
	inserted  []cast.InsertParams
	raceOnIns bool
	insertErr error
}

func (f *fakeCasts) key(hash, userID string) string { return hash + "|" + userID }

func (f *fakeCasts) Exists(_ context.Context, hash, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[f.key(hash, userID)]
	return ok, nil
}

func (f *fakeCasts) Insert(_ context.Context, p cast.InsertParams) (*cast.SavedCast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	if f.raceOnIns {
		return nil, fmt.Errorf("%w: %s", cast.ErrAlreadySaved, p.CastHash)
	}
	if _, ok := f.rows[f.key(p.CastHash, p.UserID)]; ok {
		return nil, fmt.Errorf("%w: %s", cast.ErrAlreadySaved, p.CastHash)
	}
	f.inserted = append(f.inserted, p)
	sc := &cast.SavedCast{
		ID:             fmt.Sprintf("cast-%d", len(f.inserted)),
		UserID:         p.UserID,
		CastHash:       p.CastHash,
		AuthorFID:      p.AuthorFID,
		Embeds:         p.Embeds,
		Mentions:       p.Mentions,
		RepliesCount:   p.RepliesCount,
		ReactionsCount: p.ReactionsCount,
		RecastsCount:   p.RecastsCount,
		Rev:            fmt.Sprintf("rev-%d", len(f.inserted)),
		SavedAt:        time.Now(),
	}
	if p.SnapshotCID != "" {
		cid := p.SnapshotCID
		sc.SnapshotCID = &cid
	}
	f.rows[f.key(p.CastHash, p.UserID)] = sc
	return sc, nil
}

type fakeSnapshots struct {
	puts int
	err  error
}

func (f *fakeSnapshots) Put(_ context.Context, hash string, _ []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.puts++
	return "bafk-" + hash, nil
}

type fakeEmitter struct {
	events []string
	err    error
}

func (f *fakeEmitter) Emit(_ context.Context, eventType string, fid int64, _ any) (events.Event, error) {
	if f.err != nil {
		return events.Event{}, f.err
	}
	f.events = append(f.events, fmt.Sprintf("%s:%d", eventType, fid))
	return events.Event{Seq: int64(len(f.events)), Type: eventType, FID: fid}, nil
}

type harness struct {
	resolver  *fakeResolver
	users     *fakeUsers
	casts     *fakeCasts
	snapshots *fakeSnapshots
	emitter   *fakeEmitter
	svc       *Service
}

func newHarness() *harness {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	parent := "0xparent"
	h := &harness{
		resolver: &fakeResolver{casts: map[string]*neynar.Cast{
			"0x1234abcd": {
				Hash:       "0x1234abcd",
				Author:     neynar.Author{FID: 3, Username: "alice", DisplayName: "Alice", PfpURL: "https://img/a.png"},
				Text:       "gm",
				Embeds:     json.RawMessage(`[{"url":"https://example.com"}]`),
				ParentHash: &parent,
				Timestamp:  &ts,
				Raw:        json.RawMessage(`{"hash":"0x1234abcd"}`),
			},
		}},
		users:     &fakeUsers{byFID: map[int64]*user.User{}},
		casts:     &fakeCasts{rows: map[string]*cast.SavedCast{}},
		snapshots: &fakeSnapshots{},
		emitter:   &fakeEmitter{},
	}
	h.svc = NewService(h.resolver, h.users, h.casts, h.snapshots, h.emitter)
	return h
}

func TestSaveCastEndToEnd(t *testing.T) {
	h := newHarness()

	sc, err := h.svc.SaveCast(context.Background(), "https://warpcast.com/alice/0x1234abcd", 42)
	require.NoError(t, err)
	assert.Equal(t, "0x1234abcd", sc.CastHash)
	assert.Equal(t, "user-42", sc.UserID)
	assert.Equal(t, 1, h.users.created)
	require.NotNil(t, sc.SnapshotCID)
	assert.Equal(t, "bafk-0x1234abcd", *sc.SnapshotCID)
	assert.Equal(t, []string{"cast.saved:42"}, h.emitter.events)

	require.Len(t, h.casts.inserted, 1)
	p := h.casts.inserted[0]
	assert.Equal(t, int64(3), p.AuthorFID)
	assert.Equal(t, "alice", p.AuthorUsername)
	assert.Equal(t, "https://img/a.png", p.AuthorAvatarURL)
	assert.Equal(t, "0xparent", p.ParentHash)
	assert.Empty(t, p.ParentURL)
	assert.Zero(t, p.RepliesCount)
}

func TestSaveCastMissingInput(t *testing.T) {
	cases := []struct {
		ref string
		fid int64
	}{
		{"", 0},
		{"", 42},
		{"0x1234abcd", 0},
		{"   ", 42},
	}
	for _, tc := range cases {
		h := newHarness()
		_, err := h.svc.SaveCast(context.Background(), tc.ref, tc.fid)
		require.Error(t, err)
		assert.Equal(t, KindInvalidRequest, KindOf(err), "ref=%q fid=%d", tc.ref, tc.fid)
		assert.Equal(t, MsgMissingInput, err.Error())
		assert.Empty(t, h.resolver.calls, "no upstream call for invalid input")
	}
}

func TestSaveCastNegativeFID(t *testing.T) {
	_, err := newHarness().svc.SaveCast(context.Background(), "0x1234abcd", -1)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.Equal(t, MsgInvalidFID, err.Error())
}

func TestSaveCastInvalidReference(t *testing.T) {
	h := newHarness()
	_, err := h.svc.SaveCast(context.Background(), "not-a-url", 42)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.Equal(t, MsgInvalidURL, err.Error())
	assert.Zero(t, h.users.created)
}

func TestSaveCastReusesUser(t *testing.T) {
	h := newHarness()
	second := *h.resolver.casts["0x1234abcd"]
	second.Hash = "0xbeef"
	h.resolver.casts["0xbeef"] = &second

	a, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	require.NoError(t, err)
	b, err := h.svc.SaveCast(context.Background(), "0xBEEF", 42)
	require.NoError(t, err)

	assert.Equal(t, 1, h.users.created)
	assert.Equal(t, a.UserID, b.UserID)
	assert.Equal(t, []string{"0x1234abcd", "0xbeef"}, h.resolver.calls)
}

func TestSaveCastDuplicateIsConflict(t *testing.T) {
	h := newHarness()
	_, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	require.NoError(t, err)

	_, err = h.svc.SaveCast(context.Background(), "https://farcaster.xyz/alice/0x1234abcd", 42)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, MsgAlreadySaved, err.Error())
	assert.Len(t, h.casts.inserted, 1)
	assert.Len(t, h.emitter.events, 1)
}

func TestSaveCastSameCastDifferentUsers(t *testing.T) {
	h := newHarness()
	_, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	require.NoError(t, err)
	_, err = h.svc.SaveCast(context.Background(), "0x1234abcd", 7)
	require.NoError(t, err)
	assert.Len(t, h.casts.inserted, 2)
}

func TestSaveCastInsertRaceIsConflict(t *testing.T) {
	h := newHarness()
	h.casts.raceOnIns = true

	_, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, MsgAlreadySaved, err.Error())
	assert.Empty(t, h.emitter.events)
}

func TestSaveCastUpstreamErrorCreatesNothing(t *testing.T) {
	h := newHarness()
	_, err := h.svc.SaveCast(context.Background(), "0xdead", 42)
	require.Error(t, err)
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Equal(t, `Neynar API error: 404 - {"message":"Cast not found"}`, err.Error())

	var apiErr *neynar.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Zero(t, h.users.created)
	assert.Empty(t, h.casts.inserted)
}

func TestSaveCastMalformedUpstream(t *testing.T) {
	h := newHarness()
	h.resolver.err = fmt.Errorf("%w: cast 0x1", neynar.ErrMalformedPayload)

	_, err := h.svc.SaveCast(context.Background(), "0x1", 42)
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.ErrorIs(t, err, neynar.ErrMalformedPayload)
}

func TestSaveCastMissingAPIKey(t *testing.T) {
	h := newHarness()
	h.resolver.err = neynar.ErrMissingAPIKey

	_, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Equal(t, "NEYNAR_API_KEY not configured", err.Error())
	assert.Zero(t, h.users.created)
}

func TestSaveCastUserStorageError(t *testing.T) {
	h := newHarness()
	h.users.err = errors.New("connection refused")

	_, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, "Failed to create user: connection refused", err.Error())
}

func TestSaveCastInsertStorageErrorKeepsUser(t *testing.T) {
	h := newHarness()
	h.casts.insertErr = errors.New("disk full")

	_, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, "Database error: disk full", err.Error())
	assert.Equal(t, 1, h.users.created, "no compensation for the created user")
}

func TestSaveCastSnapshotError(t *testing.T) {
	h := newHarness()
	h.snapshots.err = errors.New("too large")

	_, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Empty(t, h.casts.inserted)
}

func TestSaveCastEmitFailureDoesNotFailSave(t *testing.T) {
	h := newHarness()
	h.emitter.err = errors.New("events table missing")

	sc, err := h.svc.SaveCast(context.Background(), "0x1234abcd", 42)
	require.NoError(t, err)
	assert.Equal(t, "0x1234abcd", sc.CastHash)
}

func TestSaveCastWithoutOptionalCollaborators(t *testing.T) {
	h := newHarness()
	svc := NewService(h.resolver, h.users, h.casts, nil, nil)

	sc, err := svc.SaveCast(context.Background(), "0x1234abcd", 42)
	require.NoError(t, err)
	assert.Nil(t, sc.SnapshotCID)
}

func TestErrorFormatting(t *testing.T) {
	assert.Equal(t, "a: b", (&Error{Msg: "a", Err: errors.New("b")}).Error())
	assert.Equal(t, "b", (&Error{Err: errors.New("b")}).Error())
	assert.Equal(t, "a", (&Error{Msg: "a"}).Error())
	assert.Equal(t, "Conflict", KindConflict.String())
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
}
