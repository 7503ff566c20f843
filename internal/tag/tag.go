// Package tag manages user-defined labels and their attachment to saved
// casts. Tag names are unique per user.
package tag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/primal-host/castkeeper/internal/database"
)

// DefaultColor is used when a tag is created without one.
const DefaultColor = "#8a63d2"

// MaxNameLength bounds tag names (in characters).
const MaxNameLength = 50

// Sentinel errors for tag operations.
var (
	ErrNotFound  = errors.New("tag: not found")
	ErrDuplicate = errors.New("tag: name already used")
	ErrInvalid   = errors.New("tag: invalid")
)

var colorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Tag is a user label.
type Tag struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides tag operations backed by PostgreSQL.
type Store struct {
	db database.Querier
}

// NewStore creates a tag Store.
func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

// Create adds a tag for userID. An empty color selects DefaultColor.
func (s *Store) Create(ctx context.Context, userID, name, color string) (*Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > MaxNameLength {
		return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalid, MaxNameLength)
	}
	if color == "" {
		color = DefaultColor
	}
	if !colorRe.MatchString(color) {
		return nil, fmt.Errorf("%w: color must look like #rrggbb", ErrInvalid)
	}
	color = strings.ToLower(color)

	var t Tag
	err := s.db.QueryRow(ctx,
		`INSERT INTO tags (id, user_id, name, color)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, name) DO NOTHING
		 RETURNING id, user_id, name, color, created_at`,
		uuid.NewString(), userID, name, color,
	).Scan(&t.ID, &t.UserID, &t.Name, &t.Color, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) || database.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	if err != nil {
		return nil, fmt.Errorf("tag: create: %w", err)
	}
	return &t, nil
}

// ListByUser returns the user's tags ordered by name.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Tag, error) {
	return s.list(ctx,
		`SELECT id, user_id, name, color, created_at FROM tags
		 WHERE user_id = $1 ORDER BY name ASC`, userID)
}

// ForCast returns the tags attached to a saved cast.
func (s *Store) ForCast(ctx context.Context, savedCastID string) ([]Tag, error) {
	return s.list(ctx,
		`SELECT t.id, t.user_id, t.name, t.color, t.created_at
		 FROM tags t JOIN saved_cast_tags sct ON sct.tag_id = t.id
		 WHERE sct.saved_cast_id = $1 ORDER BY t.name ASC`, savedCastID)
}

func (s *Store) list(ctx context.Context, sql string, arg string) ([]Tag, error) {
	rows, err := s.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("tag: list: %w", err)
	}
	defer rows.Close()

	tags := []Tag{}
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Color, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("tag: list scan: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// Attach links a tag to a saved cast. Both must belong to userID.
// Attaching twice is a no-op.
func (s *Store) Attach(ctx context.Context, savedCastID, tagID, userID string) error {
	if !validIDs(savedCastID, tagID) {
		return fmt.Errorf("%w: %s", ErrNotFound, tagID)
	}

	var owned bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM saved_casts sc JOIN tags t ON t.user_id = sc.user_id
		     WHERE sc.id = $1 AND t.id = $2 AND sc.user_id = $3)`,
		savedCastID, tagID, userID,
	).Scan(&owned)
	if err != nil {
		return fmt.Errorf("tag: attach: %w", err)
	}
	if !owned {
		return fmt.Errorf("%w: %s", ErrNotFound, tagID)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO saved_cast_tags (saved_cast_id, tag_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		savedCastID, tagID)
	if err != nil {
		return fmt.Errorf("tag: attach: %w", err)
	}
	return nil
}

// Detach unlinks a tag from a saved cast owned by userID.
func (s *Store) Detach(ctx context.Context, savedCastID, tagID, userID string) error {
	if !validIDs(savedCastID, tagID) {
		return fmt.Errorf("%w: %s", ErrNotFound, tagID)
	}

	result, err := s.db.Exec(ctx,
		`DELETE FROM saved_cast_tags sct USING tags t
		 WHERE sct.tag_id = t.id AND sct.saved_cast_id = $1 AND sct.tag_id = $2 AND t.user_id = $3`,
		savedCastID, tagID, userID)
	if err != nil {
		return fmt.Errorf("tag: detach: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tagID)
	}
	return nil
}

func validIDs(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}
