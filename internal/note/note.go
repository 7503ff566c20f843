// Package note stores free-text annotations on saved casts.
package note

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/primal-host/castkeeper/internal/database"
)

// MaxContentLength bounds note content (in characters).
const MaxContentLength = 2000

var (
	ErrNotFound = errors.New("note: not found")
	ErrInvalid  = errors.New("note: invalid content")
)

// Note is an annotation on a saved cast.
type Note struct {
	ID          string    `json:"id"`
	SavedCastID string    `json:"saved_cast_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store provides note operations backed by PostgreSQL.
type Store struct {
	db database.Querier
}

// NewStore creates a note Store.
func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

func clean(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" || len([]rune(content)) > MaxContentLength {
		return "", fmt.Errorf("%w: must be 1-%d characters", ErrInvalid, MaxContentLength)
	}
	return content, nil
}

// Add attaches a note to a saved cast. The caller checks ownership.
func (s *Store) Add(ctx context.Context, savedCastID, content string) (*Note, error) {
	content, err := clean(content)
	if err != nil {
		return nil, err
	}

	var n Note
	err = s.db.QueryRow(ctx,
		`INSERT INTO notes (id, saved_cast_id, content)
		 VALUES ($1, $2, $3)
		 RETURNING id, saved_cast_id, content, created_at, updated_at`,
		uuid.NewString(), savedCastID, content,
	).Scan(&n.ID, &n.SavedCastID, &n.Content, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("note: add: %w", err)
	}
	return &n, nil
}

// ListForCast returns the notes on a saved cast, oldest first.
func (s *Store) ListForCast(ctx context.Context, savedCastID string) ([]Note, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, saved_cast_id, content, created_at, updated_at FROM notes
		 WHERE saved_cast_id = $1 ORDER BY created_at ASC`, savedCastID)
	if err != nil {
		return nil, fmt.Errorf("note: list: %w", err)
	}
	defer rows.Close()

	notes := []Note{}
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SavedCastID, &n.Content, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("note: list scan: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Update replaces the content of a note on a saved cast owned by userID.
// Returns ErrNotFound if the note does not exist or belongs to someone else.
func (s *Store) Update(ctx context.Context, id, userID, content string) (*Note, error) {
	content, err := clean(content)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var n Note
	err = s.db.QueryRow(ctx,
		`UPDATE notes n SET content = $3, updated_at = NOW()
		 FROM saved_casts sc
		 WHERE n.id = $1 AND sc.id = n.saved_cast_id AND sc.user_id = $2
		 RETURNING n.id, n.saved_cast_id, n.content, n.created_at, n.updated_at`,
		id, userID, content,
	).Scan(&n.ID, &n.SavedCastID, &n.Content, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("note: update %s: %w", id, err)
	}
	return &n, nil
}
