// Package storage implements the per-block storage engine: materialized
// revisions, pending transactions, revision ranges, and restore
// callbacks. One bbolt database backs every block this peer holds —
// five top-level buckets, one per concern (meta/revs/pend/trx/blocks),
// each keyed by blockId the way the teacher's BoltStore keys one bucket
// per entity type, with a NUL-separated blockId/discriminator suffix
// standing in for the teacher's single-ID keys since these buckets hold
// many records per block.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/latch"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta   = []byte("meta")
	bucketRevs   = []byte("revs")
	bucketPend   = []byte("pend")
	bucketTrx    = []byte("trx")
	bucketBlocks = []byte("blocks")
)

const keySep = "\x00"

// TrxRev pairs a transaction ID with the revision it produced. Mirrors
// repo.TrxRev under a different name: repo.Transactor's concrete
// implementation depends on this package, so this package cannot import
// repo back without a cycle.
type TrxRev struct {
	TrxId string
	Rev   int64
}

// Context is the view of which revisions a Get caller already considers
// committed — a local mirror of repo.TrxContext for the same reason
// TrxRev is mirrored above.
type Context struct {
	Committed []TrxRev
	Rev       int64
}

// Range is one materializable span of revisions for a block. End nil
// means "live through current".
type Range struct {
	Start int64
	End   *int64
}

// BlockMetadata tracks which revisions are materializable locally and
// the block's last known commit.
type BlockMetadata struct {
	Ranges []Range
	Latest *TrxRev
}

// RevisionArchive is one restored revision: its committed transform,
// plus a materialized block snapshot if the restore chose to include
// one at that revision. The materialization algorithm requires exactly
// one — the archive's oldest revision.
type RevisionArchive struct {
	TrxId     string
	Transform block.Transform
	Block     *block.Block
}

// PendingArchive is one restored or locally-listed pending transaction.
type PendingArchive struct {
	TrxId     string
	Transform block.Transform
}

// BlockArchive is what a RestoreCallback returns: enough history to
// resume materializing a block locally. Revisions must include a
// materialized Block at the archive's oldest revision.
type BlockArchive struct {
	BlockId   string
	Revisions map[int64]RevisionArchive
	Range     Range
	Pending   []PendingArchive
}

// RevisionRef names one committed revision without its transform.
type RevisionRef struct {
	Rev   int64
	TrxId string
}

// RestoreCallback fetches archived history for a block from elsewhere
// in the cluster when a requested revision falls outside the locally
// known ranges. Invoked with the per-block latch held.
type RestoreCallback func(ctx context.Context, blockId string, rev int64) (*BlockArchive, error)

// Engine is the per-block storage engine for every block this peer
// holds, backed by one bbolt database.
type Engine struct {
	db      *bolt.DB
	restore RestoreCallback
	latches *latch.Registry
	logger  zerolog.Logger
}

// Open creates or opens the bbolt database under dataDir, creating its
// buckets on first use. restore may be nil for a peer that never needs
// to reach outside its own history (e.g. tests, or a coordinator that
// holds every revision it has ever committed).
func Open(dataDir string, restore RestoreCallback, latches *latch.Registry, logger zerolog.Logger) (*Engine, error) {
	dbPath := filepath.Join(dataDir, "blockstore.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketRevs, bucketPend, bucketTrx, bucketBlocks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Engine{
		db:      db,
		restore: restore,
		latches: latches,
		logger:  logger.With().Str("component", "storage").Logger(),
	}, nil
}

// Close releases the underlying bbolt database.
func (e *Engine) Close() error {
	return e.db.Close()
}

func revKey(blockId string, rev int64) []byte {
	return []byte(fmt.Sprintf("%s%s%020d", blockId, keySep, rev))
}

func prefixKey(blockId string) []byte {
	return []byte(blockId + keySep)
}

func idKey(blockId, id string) []byte {
	return []byte(blockId + keySep + id)
}

func (e *Engine) getMetadata(tx *bolt.Tx, blockId string) (*BlockMetadata, error) {
	data := tx.Bucket(bucketMeta).Get([]byte(blockId))
	if data == nil {
		return &BlockMetadata{}, nil
	}
	var m BlockMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("storage: decode metadata %q: %w", blockId, err)
	}
	return &m, nil
}

func (e *Engine) putMetadata(tx *bolt.Tx, blockId string, m *BlockMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put([]byte(blockId), data)
}

func (e *Engine) getPend(tx *bolt.Tx, blockId, trxId string) (*block.Transform, error) {
	data := tx.Bucket(bucketPend).Get(idKey(blockId, trxId))
	if data == nil {
		return nil, nil
	}
	var t block.Transform
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (e *Engine) putPend(tx *bolt.Tx, blockId, trxId string, t block.Transform) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPend).Put(idKey(blockId, trxId), data)
}

func (e *Engine) deletePend(tx *bolt.Tx, blockId, trxId string) error {
	return tx.Bucket(bucketPend).Delete(idKey(blockId, trxId))
}

func (e *Engine) listPend(tx *bolt.Tx, blockId string) ([]PendingArchive, error) {
	var out []PendingArchive
	c := tx.Bucket(bucketPend).Cursor()
	prefix := prefixKey(blockId)
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var t block.Transform
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, err
		}
		out = append(out, PendingArchive{TrxId: string(k[len(prefix):]), Transform: t})
	}
	return out, nil
}

func (e *Engine) getTrx(tx *bolt.Tx, blockId, trxId string) (*block.Transform, error) {
	data := tx.Bucket(bucketTrx).Get(idKey(blockId, trxId))
	if data == nil {
		return nil, nil
	}
	var t block.Transform
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (e *Engine) putTrx(tx *bolt.Tx, blockId, trxId string, t block.Transform) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTrx).Put(idKey(blockId, trxId), data)
}

func (e *Engine) getMaterialized(tx *bolt.Tx, blockId, trxId string) (*block.Block, bool, error) {
	data := tx.Bucket(bucketBlocks).Get(idKey(blockId, trxId))
	if data == nil {
		return nil, false, nil
	}
	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

func (e *Engine) putMaterialized(tx *bolt.Tx, blockId, trxId string, b *block.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketBlocks).Put(idKey(blockId, trxId), data)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
