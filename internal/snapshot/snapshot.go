// Package snapshot keeps the verbatim upstream cast documents that saved
// casts were built from. Documents are content-addressed: the key is a
// CIDv1 (raw codec, sha2-256) of the bytes, so saving the same upstream
// payload twice stores it once.
package snapshot

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/jackc/pgx/v5"
	"github.com/multiformats/go-multihash"
	"github.com/primal-host/castkeeper/internal/database"
)

// MaxSize is the maximum accepted document size (1MB).
const MaxSize = 1 << 20

// ErrEmpty is returned by ExportCAR when there is nothing to export.
var ErrEmpty = errors.New("snapshot: no snapshots to export")

// Store handles snapshot writes, reads and CAR export.
type Store struct {
	db database.Querier
}

// NewStore creates a snapshot Store.
func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

// Sum computes the CID for data.
func Sum(data []byte) (cid.Cid, error) {
	hash := sha256.Sum256(data)
	mh, err := multihash.Encode(hash[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("snapshot: multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// Put stores data for castHash and returns its CID string.
func (s *Store) Put(ctx context.Context, castHash string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("snapshot: empty document for %s", castHash)
	}
	if len(data) > MaxSize {
		return "", fmt.Errorf("snapshot: exceeds maximum size of %d bytes", MaxSize)
	}

	c, err := Sum(data)
	if err != nil {
		return "", err
	}
	cidStr := c.String()

	_, err = s.db.Exec(ctx,
		`INSERT INTO cast_snapshots (cid, cast_hash, size, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cid) DO NOTHING`,
		cidStr, castHash, int64(len(data)), data,
	)
	if err != nil {
		return "", fmt.Errorf("snapshot: store %s: %w", castHash, err)
	}
	return cidStr, nil
}

// Get returns the document stored under cidStr. Unknown or malformed
// CIDs yield an error satisfying ipld.IsNotFound.
func (s *Store) Get(ctx context.Context, cidStr string) ([]byte, error) {
	c, err := cid.Decode(cidStr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", ipld.ErrNotFound{})
	}

	var data []byte
	err = s.db.QueryRow(ctx,
		`SELECT data FROM cast_snapshots WHERE cid = $1`, c.String(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot: %w", ipld.ErrNotFound{Cid: c})
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: get %s: %w", cidStr, err)
	}
	return data, nil
}

// ExportCAR writes a CAR v1 archive holding the given snapshots to w.
// The header roots are the CIDs in the order given; each block is
// written once.
func (s *Store) ExportCAR(ctx context.Context, cidStrs []string, w io.Writer) error {
	if len(cidStrs) == 0 {
		return ErrEmpty
	}

	bs, err := s.load(ctx, cidStrs)
	if err != nil {
		return err
	}

	roots := make([]cid.Cid, 0, len(cidStrs))
	seen := make(map[string]bool, len(cidStrs))
	for _, cs := range cidStrs {
		if seen[cs] {
			continue
		}
		seen[cs] = true
		blk, ok := bs[cs]
		if !ok {
			return fmt.Errorf("snapshot: export: %w", ipld.ErrNotFound{})
		}
		roots = append(roots, blk.Cid())
	}

	if err := car.WriteHeader(&car.CarHeader{Roots: roots, Version: 1}, w); err != nil {
		return fmt.Errorf("snapshot: write car header: %w", err)
	}
	for _, root := range roots {
		blk := bs[root.String()]
		if err := carutil.LdWrite(w, blk.Cid().Bytes(), blk.RawData()); err != nil {
			return fmt.Errorf("snapshot: write block %s: %w", root, err)
		}
	}
	return nil
}

// load fetches the requested snapshots keyed by CID string.
func (s *Store) load(ctx context.Context, cidStrs []string) (map[string]blocks.Block, error) {
	rows, err := s.db.Query(ctx,
		`SELECT cid, data FROM cast_snapshots WHERE cid = ANY($1)`, cidStrs)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]blocks.Block, len(cidStrs))
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return nil, fmt.Errorf("snapshot: scan: %w", err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode cid %q: %w", cidStr, err)
		}
		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return nil, fmt.Errorf("snapshot: create block: %w", err)
		}
		out[cidStr] = blk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: iterate rows: %w", err)
	}
	return out, nil
}
