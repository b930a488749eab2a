package logchain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/chain"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/crypto"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/tracker"
)

// HeaderType and DataType are the block.Header.Type values for a log's
// chain blocks. A Collection's own header block is a separate block,
// the one its caller's CreateHeaderBlock returns, whose logHeaderId
// attribute names this log's header block.
const (
	HeaderType = "log-header"
	DataType   = "log-data"
)

// Log is a chain.Chain[Entry] with the action/checkpoint semantics
// layered on top: hash-chained tamper detection via blockAdded, and
// the trxContext/replay algorithms a Collection drives its sync loop
// with.
type Log struct {
	chain *chain.Chain[Entry]
}

// Open wraps an already-created log chain rooted at headerId. store may
// be a bare *tracker.Tracker (as Collection.CreateOrOpen, Update and Sync
// pass) or a *tracker.Atomic, whose writes stay staged until committed.
func Open(store tracker.Stage, headerId string, entriesPerBlock int) *Log {
	l := &Log{}
	l.chain = chain.Open[Entry](store, headerId, entriesPerBlock, l.onBlockAdded)
	return l
}

// Create initializes a brand new log: a header block and one empty
// data block, linked and staged through store.
func Create(store tracker.Stage, headerId, firstDataBlockId, collectionId string, entriesPerBlock int) *Log {
	l := &Log{}
	l.chain = chain.Create[Entry](store, headerId, firstDataBlockId, collectionId, HeaderType, DataType, entriesPerBlock, l.onBlockAdded)
	return l
}

// onBlockAdded stamps the new tail's PriorHash with the SHA-256 of the
// prior tail's finalized serialization, so a reader can detect
// truncation or tampering by recomputing and comparing.
func (l *Log) onBlockAdded(oldTail, newTail *chain.DataBlock[Entry]) {
	raw, _ := json.Marshal(oldTail)
	d := crypto.Digest(raw)
	hash := base64.RawURLEncoding.EncodeToString(d[:])
	newTail.PriorHash = &hash
}

// AddActions appends an ActionEntry for a just-locally-committed
// transaction. blockIds is a thunk because the log wants the touched
// set computed after this very append — which may itself have grown
// the chain — so it can include any new log-chain blocks.
func (l *Log) AddActions(ctx context.Context, actions []Action, trxId string, rev int64, blockIds func() []string, collectionIds []string, timestamp time.Time) (*Entry, *chain.Path, error) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	entry := Entry{
		Timestamp: timestamp,
		Rev:       rev,
		Action: &ActionEntry{
			TrxId:         trxId,
			Actions:       actions,
			CollectionIds: collectionIds,
		},
	}

	if err := l.chain.Add(ctx, entry); err != nil {
		return nil, nil, err
	}

	entry.Action.BlockIds = blockIds()

	// The entry's BlockIds field is computed after append, so rewrite
	// the just-appended entry in place to carry the final set.
	path, err := l.tailPath(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := l.rewriteAt(ctx, *path, entry); err != nil {
		return nil, nil, err
	}

	return &entry, path, nil
}

// AddCheckpoint appends a CheckpointEntry restating pendings as of rev.
func (l *Log) AddCheckpoint(ctx context.Context, pendings []repo.TrxRev, rev int64, timestamp time.Time) (*Entry, error) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	entry := Entry{
		Timestamp:  timestamp,
		Rev:        rev,
		Checkpoint: &CheckpointEntry{Pendings: pendings},
	}
	if err := l.chain.Add(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// tailPath returns the path of the most recently appended entry. Select
// in reverse mode starts at the tail, so the first value it yields is
// exactly that entry — no need to walk the whole chain.
func (l *Log) tailPath(ctx context.Context) (*chain.Path, error) {
	next, err := l.chain.Select(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	p, _, ok, err := next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("logchain: empty log has no tail")
	}
	return p, nil
}

func (l *Log) rewriteAt(ctx context.Context, path chain.Path, entry Entry) error {
	return l.chain.ReplaceEntry(ctx, path, entry)
}

// allEntries reads the whole log head-to-tail (oldest first).
func (l *Log) allEntries(ctx context.Context) ([]Entry, error) {
	next, err := l.chain.Select(ctx, nil, false)
	if err != nil {
		return nil, err
	}
	var all []Entry
	for {
		_, e, ok, err := next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		all = append(all, e)
	}
	return all, nil
}

// GetTrxContext walks backward from the tail to find the nearest
// checkpoint. committed = checkpoint.pendings plus every ActionEntry's
// {trxId, rev} strictly after the checkpoint, in log order. rev is the
// revision of the newest entry, or 0 if the log is empty.
func (l *Log) GetTrxContext(ctx context.Context) (*repo.TrxContext, error) {
	all, err := l.allEntries(ctx)
	if err != nil {
		return nil, err
	}

	checkpointIdx := -1
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Checkpoint != nil {
			checkpointIdx = i
			break
		}
	}

	var committed []repo.TrxRev
	if checkpointIdx >= 0 {
		committed = append(committed, all[checkpointIdx].Checkpoint.Pendings...)
	}
	for i := checkpointIdx + 1; i < len(all); i++ {
		if all[i].Action != nil {
			committed = append(committed, repo.TrxRev{TrxId: all[i].Action.TrxId, Rev: all[i].Rev})
		}
	}

	rev := int64(0)
	if len(all) > 0 {
		rev = all[len(all)-1].Rev
	}

	return &repo.TrxContext{Committed: committed, Rev: rev}, nil
}

// GetFrom returns every ActionEntry with rev > startRev, in rev order,
// plus the TrxContext reflecting state as of the newest entry. It reads
// the whole log oldest first; the context's committed set is built from
// the newest checkpoint onward, while entries are taken from anywhere
// in the log.
func (l *Log) GetFrom(ctx context.Context, startRev int64) (*repo.TrxContext, []ActionEntry, error) {
	all, err := l.allEntries(ctx)
	if err != nil {
		return nil, nil, err
	}

	var checkpointPendings []repo.TrxRev
	checkpointIdx := -1
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Checkpoint != nil {
			checkpointPendings = all[i].Checkpoint.Pendings
			checkpointIdx = i
			break
		}
	}

	var committed []repo.TrxRev
	committed = append(committed, checkpointPendings...)

	var entries []ActionEntry
	for i, e := range all {
		if e.Action == nil {
			continue
		}
		if i > checkpointIdx {
			committed = append(committed, repo.TrxRev{TrxId: e.Action.TrxId, Rev: e.Rev})
		}
		if e.Rev > startRev {
			entries = append(entries, *e.Action)
		}
	}

	rev := int64(0)
	if len(all) > 0 {
		rev = all[len(all)-1].Rev
	}

	return &repo.TrxContext{Committed: committed, Rev: rev}, entries, nil
}

// TailId returns the log's current tail data block ID, the value a
// Collection passes as a CommitRequest's TailId for tail-first commit
// ordering.
func (l *Log) TailId(ctx context.Context) (string, error) {
	return l.chain.TailId(ctx)
}

// Select returns an iterator over raw log entries; forward from head
// unless forward is false, in which case it starts from the tail.
func (l *Log) Select(ctx context.Context, startingPath *chain.Path, forward bool) (func() (*chain.Path, Entry, bool, error), error) {
	return l.chain.Select(ctx, startingPath, !forward)
}

// VerifyChain recomputes PriorHash for every adjacent pair of data
// blocks and fails with bserr.ErrPriorHashMismatch on the first
// mismatch — used by readers that must not silently continue past
// truncation or tampering.
func (l *Log) VerifyChain(ctx context.Context) error {
	return l.chain.VerifyHashes(ctx, func(oldTail *chain.DataBlock[Entry]) string {
		raw, _ := json.Marshal(oldTail)
		d := crypto.Digest(raw)
		return base64.RawURLEncoding.EncodeToString(d[:])
	}, bserr.ErrPriorHashMismatch)
}
