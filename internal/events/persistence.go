// Package events handles library change events: sequencing, persistence,
// and fan-out to stream subscribers. Each event carries the fid whose
// library changed so subscribers can follow a single user.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/primal-host/castkeeper/internal/database"
)

// Event types.
const (
	TypeCastSaved   = "cast.saved"
	TypeCastDeleted = "cast.deleted"
	TypeTagAdded    = "tag.added"
	TypeTagRemoved  = "tag.removed"
	TypeNoteAdded   = "note.added"
)

// Event is one sequenced library change.
type Event struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	FID     int64           `json:"fid"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Persister stores events in the cast_events table.
type Persister struct {
	db database.Querier
}

// NewPersister creates a Persister.
func NewPersister(db database.Querier) *Persister {
	return &Persister{db: db}
}

// Persist inserts an event and returns it with the assigned sequence
// number. The BIGSERIAL column provides monotonic ordering.
func (p *Persister) Persist(ctx context.Context, eventType string, fid int64, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("persist: marshal payload: %w", err)
	}

	evt := Event{Type: eventType, FID: fid, Payload: data}
	err = p.db.QueryRow(ctx,
		`INSERT INTO cast_events (event_type, fid, payload)
		 VALUES ($1, $2, $3)
		 RETURNING seq, created_at`,
		eventType, fid, data,
	).Scan(&evt.Seq, &evt.Time)
	if err != nil {
		return Event{}, fmt.Errorf("persist: insert event: %w", err)
	}
	return evt, nil
}

// Replay reads events with seq > since in order and calls fn for each.
// A non-zero fid restricts replay to that user's events.
func (p *Persister) Replay(ctx context.Context, since, fid int64, fn func(Event) error) error {
	rows, err := p.db.Query(ctx,
		`SELECT seq, event_type, fid, payload, created_at FROM cast_events
		 WHERE seq > $1 AND ($2::bigint = 0 OR fid = $2)
		 ORDER BY seq ASC`, since, fid)
	if err != nil {
		return fmt.Errorf("replay: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.Seq, &evt.Type, &evt.FID, &evt.Payload, &evt.Time); err != nil {
			return fmt.Errorf("replay: scan: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	return rows.Err()
}
