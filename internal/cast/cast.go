// Package cast provides the data model and storage operations for saved
// casts. A saved cast is a point-in-time copy of one network post, owned
// by exactly one user. A user can keep a given cast at most once; the
// database enforces this with a unique (cast_hash, user_id) constraint.
package cast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/primal-host/castkeeper/internal/database"
)

// Sentinel errors for saved cast operations.
var (
	ErrNotFound     = errors.New("cast: not found")
	ErrAlreadySaved = errors.New("cast: already saved")
)

// Listing bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// SavedCast is one kept cast. Engagement counters are a snapshot taken
// at save time and are never refreshed.
type SavedCast struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	CastHash          string          `json:"cast_hash"`
	AuthorFID         int64           `json:"cast_author_fid"`
	AuthorUsername    *string         `json:"cast_author_username"`
	AuthorDisplayName *string         `json:"cast_author_display_name"`
	AuthorAvatarURL   *string         `json:"cast_author_avatar_url"`
	Text              *string         `json:"cast_text"`
	Embeds            json.RawMessage `json:"cast_embeds"`
	Mentions          json.RawMessage `json:"cast_mentions"`
	ParentHash        *string         `json:"cast_parent_hash"`
	ParentURL         *string         `json:"cast_parent_url"`
	Timestamp         *time.Time      `json:"cast_timestamp"`
	RepliesCount      int             `json:"cast_replies_count"`
	ReactionsCount    int             `json:"cast_reactions_count"`
	RecastsCount      int             `json:"cast_recasts_count"`
	SnapshotCID       *string         `json:"snapshot_cid"`
	Rev               string          `json:"rev"`
	SavedAt           time.Time       `json:"saved_at"`
}

// InsertParams holds the fields copied from the upstream cast. Empty
// strings are stored as NULL; nil arrays are stored as [].
type InsertParams struct {
	UserID            string
	CastHash          string
	AuthorFID         int64
	AuthorUsername    string
	AuthorDisplayName string
	AuthorAvatarURL   string
	Text              string
	Embeds            json.RawMessage
	Mentions          json.RawMessage
	ParentHash        string
	ParentURL         string
	Timestamp         *time.Time
	RepliesCount      int
	ReactionsCount    int
	RecastsCount      int
	SnapshotCID       string
}

const castColumns = `id, user_id, cast_hash, cast_author_fid, cast_author_username,
	cast_author_display_name, cast_author_avatar_url, cast_text, cast_embeds, cast_mentions,
	cast_parent_hash, cast_parent_url, cast_timestamp, cast_replies_count,
	cast_reactions_count, cast_recasts_count, snapshot_cid, rev, saved_at`

// Store provides saved cast operations backed by PostgreSQL.
type Store struct {
	db    database.Querier
	clock *syntax.TIDClock
}

// NewStore creates a saved cast Store.
func NewStore(db database.Querier) *Store {
	return &Store{db: db, clock: syntax.NewTIDClock(0)}
}

// Exists reports whether the user already keeps the cast.
func (s *Store) Exists(ctx context.Context, castHash, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM saved_casts WHERE cast_hash = $1 AND user_id = $2)`,
		castHash, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("cast: exists %s: %w", castHash, err)
	}
	return exists, nil
}

// Insert stores a new saved cast. The insert is conditional on the
// (cast_hash, user_id) pair being unused; if it is taken, Insert returns
// ErrAlreadySaved and writes nothing.
func (s *Store) Insert(ctx context.Context, p InsertParams) (*SavedCast, error) {
	embeds := p.Embeds
	if len(embeds) == 0 || string(embeds) == "null" {
		embeds = json.RawMessage("[]")
	}
	mentions := p.Mentions
	if len(mentions) == 0 || string(mentions) == "null" {
		mentions = json.RawMessage("[]")
	}

	sc, err := scanCast(s.db.QueryRow(ctx,
		`INSERT INTO saved_casts (
		     id, user_id, cast_hash, cast_author_fid, cast_author_username,
		     cast_author_display_name, cast_author_avatar_url, cast_text, cast_embeds,
		     cast_mentions, cast_parent_hash, cast_parent_url, cast_timestamp,
		     cast_replies_count, cast_reactions_count, cast_recasts_count,
		     snapshot_cid, rev)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
		     NULLIF($8, ''), $9, $10, NULLIF($11, ''), NULLIF($12, ''), $13,
		     $14, $15, $16, NULLIF($17, ''), $18)
		 ON CONFLICT (cast_hash, user_id) DO NOTHING
		 RETURNING `+castColumns,
		uuid.NewString(), p.UserID, p.CastHash, p.AuthorFID, p.AuthorUsername,
		p.AuthorDisplayName, p.AuthorAvatarURL, p.Text, embeds,
		mentions, p.ParentHash, p.ParentURL, p.Timestamp,
		p.RepliesCount, p.ReactionsCount, p.RecastsCount,
		p.SnapshotCID, s.clock.Next().String(),
	))
	if errors.Is(err, pgx.ErrNoRows) || database.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySaved, p.CastHash)
	}
	if err != nil {
		return nil, fmt.Errorf("cast: insert %s: %w", p.CastHash, err)
	}
	return sc, nil
}

// Get returns a saved cast by id.
// Returns ErrNotFound if no row matches.
func (s *Store) Get(ctx context.Context, id string) (*SavedCast, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sc, err := scanCast(s.db.QueryRow(ctx,
		`SELECT `+castColumns+` FROM saved_casts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("cast: get %s: %w", id, err)
	}
	return sc, nil
}

// ListByUser returns a page of the user's saved casts, newest first.
// cursor is the rev of the last cast of the previous page ("" for the
// first page). The returned cursor is empty when there are no more rows.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int, cursor string) ([]SavedCast, string, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+castColumns+` FROM saved_casts
		 WHERE user_id = $1 AND ($2::text = '' OR rev < $2)
		 ORDER BY rev DESC
		 LIMIT $3`,
		userID, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("cast: list: %w", err)
	}
	defer rows.Close()

	casts := []SavedCast{}
	for rows.Next() {
		sc, err := scanCast(rows)
		if err != nil {
			return nil, "", fmt.Errorf("cast: list scan: %w", err)
		}
		casts = append(casts, *sc)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("cast: list: %w", err)
	}

	next := ""
	if len(casts) == limit {
		next = casts[len(casts)-1].Rev
	}
	return casts, next, nil
}

// SnapshotCIDs returns the snapshot ids referenced by the user's saved
// casts in save order.
func (s *Store) SnapshotCIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT snapshot_cid FROM saved_casts
		 WHERE user_id = $1 AND snapshot_cid IS NOT NULL
		 ORDER BY rev ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("cast: snapshot cids: %w", err)
	}
	defer rows.Close()

	cids := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("cast: snapshot cids scan: %w", err)
		}
		cids = append(cids, c)
	}
	return cids, rows.Err()
}

// Delete removes a saved cast owned by userID.
// Returns ErrNotFound if no such cast belongs to the user.
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	result, err := s.db.Exec(ctx,
		`DELETE FROM saved_casts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("cast: delete %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanCast(row pgx.Row) (*SavedCast, error) {
	var sc SavedCast
	err := row.Scan(&sc.ID, &sc.UserID, &sc.CastHash, &sc.AuthorFID, &sc.AuthorUsername,
		&sc.AuthorDisplayName, &sc.AuthorAvatarURL, &sc.Text, &sc.Embeds, &sc.Mentions,
		&sc.ParentHash, &sc.ParentURL, &sc.Timestamp, &sc.RepliesCount,
		&sc.ReactionsCount, &sc.RecastsCount, &sc.SnapshotCID, &sc.Rev, &sc.SavedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}
