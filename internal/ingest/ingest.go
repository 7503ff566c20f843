// Package ingest implements save-cast: resolve a cast reference against
// the content API and keep a snapshot of it in a user's library.
//
// The flow per call is strictly sequential:
//
//	validate -> extract hash -> resolve upstream -> get-or-create user ->
//	duplicate check -> store snapshot -> insert -> emit event
//
// Every failure is reported as an *Error whose Kind tells the boundary
// how to respond. Nothing is retried or compensated: a user created by
// a call that later fails is kept.
package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/primal-host/castkeeper/internal/cast"
	"github.com/primal-host/castkeeper/internal/events"
	"github.com/primal-host/castkeeper/internal/metrics"
	"github.com/primal-host/castkeeper/internal/neynar"
	"github.com/primal-host/castkeeper/internal/user"
	log "github.com/sirupsen/logrus"
)

// Client-facing messages.
const (
	MsgMissingInput  = "Missing castUrl or userFid"
	MsgInvalidFID    = "Invalid userFid"
	MsgInvalidURL    = "Invalid cast URL format"
	MsgAlreadySaved  = "Cast already saved"
	MsgCreateUser    = "Failed to create user"
	MsgDatabaseError = "Database error"
)

// Resolver looks casts up upstream.
type Resolver interface {
	LookupCast(ctx context.Context, hash string) (*neynar.Cast, error)
}

// Users resolves local users by fid.
type Users interface {
	GetOrCreate(ctx context.Context, fid int64) (*user.User, bool, error)
}

// Casts persists saved casts.
type Casts interface {
	Exists(ctx context.Context, castHash, userID string) (bool, error)
	Insert(ctx context.Context, p cast.InsertParams) (*cast.SavedCast, error)
}

// Snapshots keeps verbatim upstream documents.
type Snapshots interface {
	Put(ctx context.Context, castHash string, data []byte) (string, error)
}

// Emitter publishes library change events.
type Emitter interface {
	Emit(ctx context.Context, eventType string, fid int64, payload any) (events.Event, error)
}

// Service runs save-cast. Snapshots and Emitter may be nil.
type Service struct {
	resolver  Resolver
	users     Users
	casts     Casts
	snapshots Snapshots
	emitter   Emitter
}

// NewService creates a Service.
func NewService(resolver Resolver, users Users, casts Casts, snapshots Snapshots, emitter Emitter) *Service {
	return &Service{
		resolver:  resolver,
		users:     users,
		casts:     casts,
		snapshots: snapshots,
		emitter:   emitter,
	}
}

// SaveCast resolves ref (a cast URL or raw hash) and saves it to the
// library of the user identified by fid.
func (s *Service) SaveCast(ctx context.Context, ref string, fid int64) (sc *cast.SavedCast, err error) {
	defer func() { metrics.RecordSave(outcome(err)) }()

	if strings.TrimSpace(ref) == "" || fid == 0 {
		return nil, invalid(MsgMissingInput)
	}
	if fid < 0 {
		return nil, invalid(MsgInvalidFID)
	}

	hash, err := cast.ExtractHash(ref)
	if err != nil {
		return nil, invalid(MsgInvalidURL)
	}

	upstream, err := s.resolver.LookupCast(ctx, hash)
	if err != nil {
		if errors.Is(err, neynar.ErrMissingAPIKey) {
			return nil, &Error{Kind: KindConfiguration, Err: err}
		}
		return nil, &Error{Kind: KindUpstream, Err: err}
	}

	u, created, err := s.users.GetOrCreate(ctx, fid)
	if err != nil {
		return nil, &Error{Kind: KindStorage, Msg: MsgCreateUser, Err: err}
	}
	if created {
		log.WithField("fid", fid).Info("Created user")
	}

	castHash := strings.ToLower(upstream.Hash)
	exists, err := s.casts.Exists(ctx, castHash, u.ID)
	if err != nil {
		return nil, &Error{Kind: KindStorage, Msg: MsgDatabaseError, Err: err}
	}
	if exists {
		return nil, &Error{Kind: KindConflict, Msg: MsgAlreadySaved}
	}

	var snapshotCID string
	if s.snapshots != nil && len(upstream.Raw) > 0 {
		snapshotCID, err = s.snapshots.Put(ctx, castHash, upstream.Raw)
		if err != nil {
			return nil, &Error{Kind: KindStorage, Msg: MsgDatabaseError, Err: err}
		}
	}

	sc, err = s.casts.Insert(ctx, insertParams(u.ID, castHash, upstream, snapshotCID))
	if errors.Is(err, cast.ErrAlreadySaved) {
		return nil, &Error{Kind: KindConflict, Msg: MsgAlreadySaved}
	}
	if err != nil {
		return nil, &Error{Kind: KindStorage, Msg: MsgDatabaseError, Err: err}
	}

	log.WithFields(log.Fields{
		"fid":       fid,
		"cast_hash": castHash,
		"id":        sc.ID,
	}).Info("Cast saved")

	s.emit(ctx, fid, sc)
	return sc, nil
}

// emit publishes cast.saved. Failures are logged and never fail the save.
func (s *Service) emit(ctx context.Context, fid int64, sc *cast.SavedCast) {
	if s.emitter == nil {
		return
	}
	payload := map[string]any{
		"id":        sc.ID,
		"cast_hash": sc.CastHash,
		"rev":       sc.Rev,
	}
	if sc.SnapshotCID != nil {
		payload["snapshot_cid"] = *sc.SnapshotCID
	}
	if _, err := s.emitter.Emit(ctx, events.TypeCastSaved, fid, payload); err != nil {
		log.Printf("Warning: emit cast.saved for %s: %v", sc.ID, err)
	}
}

func insertParams(userID, castHash string, c *neynar.Cast, snapshotCID string) cast.InsertParams {
	p := cast.InsertParams{
		UserID:            userID,
		CastHash:          castHash,
		AuthorFID:         c.Author.FID,
		AuthorUsername:    c.Author.Username,
		AuthorDisplayName: c.Author.DisplayName,
		AuthorAvatarURL:   c.Author.PfpURL,
		Text:              c.Text,
		Embeds:            c.Embeds,
		Mentions:          c.Mentions,
		Timestamp:         c.Timestamp,
		RepliesCount:      c.RepliesCount(),
		ReactionsCount:    c.ReactionsCount(),
		RecastsCount:      c.RecastsCount(),
		SnapshotCID:       snapshotCID,
	}
	if c.ParentHash != nil {
		p.ParentHash = *c.ParentHash
	}
	if c.ParentURL != nil {
		p.ParentURL = *c.ParentURL
	}
	return p
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch KindOf(err) {
	case KindInvalidRequest:
		return "invalid"
	case KindConfiguration:
		return "configuration"
	case KindUpstream:
		return "upstream"
	case KindConflict:
		return "conflict"
	default:
		return "storage"
	}
}
