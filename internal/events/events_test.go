package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventCols = []string{"seq", "event_type", "fid", "payload", "created_at"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func expectPersist(mock pgxmock.PgxPoolIface, seq, fid int64) {
	mock.ExpectQuery(`INSERT INTO cast_events`).
		WithArgs(TypeCastSaved, fid, pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"seq", "created_at"}).AddRow(seq, time.Now()))
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPersist(t *testing.T) {
	mock := newMock(t)
	expectPersist(mock, 7, 42)

	evt, err := NewPersister(mock).Persist(context.Background(), TypeCastSaved, 42, map[string]string{"cast_hash": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), evt.Seq)
	assert.JSONEq(t, `{"cast_hash":"0xabc"}`, string(evt.Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitFansOutByFID(t *testing.T) {
	mock := newMock(t)
	m := NewManager(NewPersister(mock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, stopAll := m.Subscribe(ctx, 0, nil)
	defer stopAll()
	mine, stopMine := m.Subscribe(ctx, 42, nil)
	defer stopMine()
	other, stopOther := m.Subscribe(ctx, 7, nil)
	defer stopOther()

	expectPersist(mock, 1, 42)
	_, err := m.Emit(ctx, TypeCastSaved, 42, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), recv(t, all).Seq)
	assert.Equal(t, int64(42), recv(t, mine).FID)
	select {
	case evt := <-other:
		t.Fatalf("unexpected event for other fid: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	mock := newMock(t)
	m := NewManager(NewPersister(mock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	mock.ExpectQuery(`SELECT seq, event_type, fid, payload, created_at FROM cast_events`).
		WithArgs(int64(3), int64(42)).
		WillReturnRows(mock.NewRows(eventCols).
			AddRow(int64(4), TypeCastSaved, int64(42), json.RawMessage(`{}`), now).
			AddRow(int64(5), TypeCastDeleted, int64(42), json.RawMessage(`{}`), now))

	since := int64(3)
	ch, stop := m.Subscribe(ctx, 42, &since)
	defer stop()

	assert.Equal(t, int64(4), recv(t, ch).Seq)
	evt := recv(t, ch)
	assert.Equal(t, int64(5), evt.Seq)
	assert.Equal(t, TypeCastDeleted, evt.Type)

	// A live event already covered by replay is skipped.
	m.broadcast(Event{Seq: 5, FID: 42})
	m.broadcast(Event{Seq: 6, FID: 42})
	assert.Equal(t, int64(6), recv(t, ch).Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelClosesChannel(t *testing.T) {
	m := NewManager(NewPersister(newMock(t)))
	ch, stop := m.Subscribe(context.Background(), 0, nil)
	stop()
	stop()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	m := NewManager(NewPersister(newMock(t)))
	ch, stop := m.Subscribe(context.Background(), 0, nil)
	defer stop()

	// Nobody reads ch: the forwarder holds one event, the queue fills,
	// and the next broadcast stops the subscriber.
	for i := 1; i <= bufferSize+2; i++ {
		m.broadcast(Event{Seq: int64(i)})
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		}
	}
}

func TestShutdown(t *testing.T) {
	m := NewManager(NewPersister(newMock(t)))
	ch, _ := m.Subscribe(context.Background(), 0, nil)
	m.Shutdown()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed on shutdown")
	}

	late, _ := m.Subscribe(context.Background(), 0, nil)
	_, ok := <-late
	assert.False(t, ok)
}
