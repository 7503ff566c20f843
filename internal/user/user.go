// Package user provides the data model and storage operations for local
// user records. A user is identified by its Farcaster id (fid), which is
// issued by the network and never generated locally. Rows are created
// lazily the first time a fid saves a cast and are never deleted.
package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/primal-host/castkeeper/internal/database"
)

// ErrNotFound is returned when a user lookup finds no matching row.
var ErrNotFound = errors.New("user: not found")

// errFIDTaken signals that a concurrent insert claimed the fid first.
var errFIDTaken = errors.New("user: fid already exists")

// User is a local user record.
type User struct {
	ID                    string    `json:"id"`
	FID                   int64     `json:"fid"`
	Username              *string   `json:"username"`
	DisplayName           *string   `json:"display_name"`
	AvatarURL             *string   `json:"avatar_url"`
	CustodyAddress        *string   `json:"custody_address"`
	VerificationAddresses []string  `json:"verification_addresses"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Profile holds the optional profile fields copied from the network.
// Empty strings are stored as NULL.
type Profile struct {
	Username              string
	DisplayName           string
	AvatarURL             string
	CustodyAddress        string
	VerificationAddresses []string
}

const userColumns = `id, fid, username, display_name, avatar_url, custody_address,
	verification_addresses, created_at, updated_at`

// Store provides user operations backed by PostgreSQL.
type Store struct {
	db database.Querier
}

// NewStore creates a user Store.
func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

// GetByFID returns the user with the given fid.
// Returns ErrNotFound if no user matches.
func (s *Store) GetByFID(ctx context.Context, fid int64) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE fid = $1`, fid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: fid %d", ErrNotFound, fid)
	}
	if err != nil {
		return nil, fmt.Errorf("user: get by fid %d: %w", fid, err)
	}
	return u, nil
}

// GetByID returns the user with the given row id.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("user: get %s: %w", id, err)
	}
	return u, nil
}

// Create inserts a user holding only its fid. The insert is conditional
// on the fid being unused; losing that race returns errFIDTaken.
func (s *Store) Create(ctx context.Context, fid int64) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`INSERT INTO users (id, fid) VALUES ($1, $2)
		 ON CONFLICT (fid) DO NOTHING
		 RETURNING `+userColumns,
		uuid.NewString(), fid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errFIDTaken
	}
	if err != nil {
		return nil, fmt.Errorf("user: create fid %d: %w", fid, err)
	}
	return u, nil
}

// GetOrCreate returns the user for fid, inserting it if needed. created
// reports whether this call inserted the row. Concurrent first calls for
// the same fid converge on a single row.
func (s *Store) GetOrCreate(ctx context.Context, fid int64) (u *User, created bool, err error) {
	u, err = s.GetByFID(ctx, fid)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	u, err = s.Create(ctx, fid)
	if errors.Is(err, errFIDTaken) {
		u, err = s.GetByFID(ctx, fid)
		return u, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// UpdateProfile replaces the profile fields of the user with fid.
// Returns ErrNotFound if the user does not exist.
func (s *Store) UpdateProfile(ctx context.Context, fid int64, p Profile) (*User, error) {
	addrs := p.VerificationAddresses
	if addrs == nil {
		addrs = []string{}
	}
	u, err := scanUser(s.db.QueryRow(ctx,
		`UPDATE users SET
		     username = NULLIF($2, ''),
		     display_name = NULLIF($3, ''),
		     avatar_url = NULLIF($4, ''),
		     custody_address = NULLIF($5, ''),
		     verification_addresses = $6,
		     updated_at = NOW()
		 WHERE fid = $1
		 RETURNING `+userColumns,
		fid, p.Username, p.DisplayName, p.AvatarURL, p.CustodyAddress, addrs))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: fid %d", ErrNotFound, fid)
	}
	if err != nil {
		return nil, fmt.Errorf("user: update profile fid %d: %w", fid, err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.FID, &u.Username, &u.DisplayName, &u.AvatarURL,
		&u.CustodyAddress, &u.VerificationAddresses, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if u.VerificationAddresses == nil {
		u.VerificationAddresses = []string{}
	}
	return &u, nil
}
