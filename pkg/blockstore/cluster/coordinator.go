package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/crypto"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/rs/zerolog"
)

// Discoverer resolves a block ID to its coordinator peer and to the
// small set of peers that jointly commit operations on it — the
// DHT-like routing step of §4.8, abstracted so tests and a future real
// Kademlia-style implementation both satisfy it.
type Discoverer interface {
	// CoordinatorFor returns blockId's coordinator peer, skipping any
	// peer ID present in exclude.
	CoordinatorFor(ctx context.Context, blockId string, exclude map[string]bool) (PeerInfo, error)
	// ClusterFor returns the peers (including the coordinator) that
	// jointly commit operations on blockId.
	ClusterFor(ctx context.Context, blockId string) ([]PeerInfo, error)
}

// Dialer issues the cluster protocol's two outbound legs to a peer: a
// write operation wrapped in a ClusterRecord for consensus voting, and a
// direct read that bypasses voting entirely (a Get needs a peer holding
// the data, not distributed agreement).
type Dialer interface {
	// Update sends record to peer and returns the record that peer's
	// Member settled on after its own internal propagation completes.
	Update(ctx context.Context, peer PeerInfo, record *ClusterRecord) (*ClusterRecord, error)
	// Get reads blocks directly from peer's repo.
	Get(ctx context.Context, peer PeerInfo, req repo.GetRequest, opts repo.MessageOptions) (map[string]repo.GetResult, error)
}

// batch is one coordinator peer's share of a multi-block operation.
type batch struct {
	peer       PeerInfo
	blockIds   []string
	subsumedBy *batch
}

// Coordinator is the caller side of §4.8: for every block an operation
// touches, it finds that block's coordinator, groups blocks into
// per-coordinator batches, dials each, and retries against a
// newly-discovered coordinator when a dial fails, tracking the retry as
// subsumedBy the original batch. It implements repo.Transactor so a
// Collection can drive it exactly like a local Repo.
type Coordinator struct {
	selfId     string
	keyPair    *crypto.KeyPair
	discoverer Discoverer
	dialer     Dialer
	logger     zerolog.Logger
}

var _ repo.Transactor = (*Coordinator)(nil)

// NewCoordinator builds a Coordinator signing as selfId/keyPair,
// resolving coordinators via discoverer and dialing them via dialer.
func NewCoordinator(selfId string, keyPair *crypto.KeyPair, discoverer Discoverer, dialer Dialer, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		selfId:     selfId,
		keyPair:    keyPair,
		discoverer: discoverer,
		dialer:     dialer,
		logger:     logger.With().Str("component", "cluster-coordinator").Logger(),
	}
}

// groupByCoordinator assigns each of blockIds to a batch keyed by its
// coordinator peer ID.
func (c *Coordinator) groupByCoordinator(ctx context.Context, blockIds []string) (map[string]*batch, error) {
	batches := make(map[string]*batch)
	for _, id := range blockIds {
		peer, err := c.discoverer.CoordinatorFor(ctx, id, nil)
		if err != nil {
			return nil, fmt.Errorf("cluster: discover coordinator for %q: %w", id, err)
		}
		b, ok := batches[peer.PeerId]
		if !ok {
			b = &batch{peer: peer}
			batches[peer.PeerId] = b
		}
		b.blockIds = append(b.blockIds, id)
	}
	return batches, nil
}

// dispatch drives one batch to a final record, retrying against a
// freshly discovered coordinator (recorded via subsumedBy) when the
// dial itself fails. buildMessage projects the operation onto the
// batch's block subset.
func (c *Coordinator) dispatch(ctx context.Context, b *batch, expiration time.Time, buildMessage func(blockIds []string) Message) (*ClusterRecord, error) {
	excluded := map[string]bool{}
	cur := b

	for {
		peers, err := c.discoverer.ClusterFor(ctx, cur.blockIds[0])
		if err != nil {
			return nil, fmt.Errorf("cluster: resolve cluster for %q: %w", cur.blockIds[0], err)
		}
		peerMap := make(ClusterPeers, len(peers))
		for _, p := range peers {
			peerMap[p.PeerId] = p
		}

		message := buildMessage(cur.blockIds)
		message.Expiration = expiration

		record, err := NewClusterRecord(message, peerMap)
		if err != nil {
			return nil, err
		}

		result, dialErr := c.dialer.Update(ctx, cur.peer, record)
		if dialErr == nil {
			return result, nil
		}

		c.logger.Warn().Err(dialErr).Str("peer", cur.peer.PeerId).Msg("coordinator dial failed, retrying with excluded peer")
		excluded[cur.peer.PeerId] = true

		nextPeer, discErr := c.discoverer.CoordinatorFor(ctx, cur.blockIds[0], excluded)
		if discErr != nil {
			return nil, fmt.Errorf("cluster: no coordinator available after excluding %d peers: %w", len(excluded), bserr.ErrCoordinatorNone)
		}
		retry := &batch{peer: nextPeer, blockIds: cur.blockIds}
		cur.subsumedBy = retry
		cur = retry

		if time.Now().After(expiration) {
			return nil, fmt.Errorf("cluster: coordinator retries exhausted expiration: %w", bserr.ErrExpired)
		}
	}
}

func (c *Coordinator) dispatchAll(ctx context.Context, blockIds []string, expiration time.Time, buildMessage func(blockIds []string) Message) (map[string]*ClusterRecord, error) {
	batches, err := c.groupByCoordinator(ctx, blockIds)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		peerId string
		record *ClusterRecord
		err    error
	}
	results := make(chan outcome, len(batches))
	var wg sync.WaitGroup
	for peerId, b := range batches {
		wg.Add(1)
		go func(peerId string, b *batch) {
			defer wg.Done()
			record, err := c.dispatch(ctx, b, expiration, buildMessage)
			results <- outcome{peerId: peerId, record: record, err: err}
		}(peerId, b)
	}
	wg.Wait()
	close(results)

	out := make(map[string]*ClusterRecord, len(batches))
	for o := range results {
		if o.err != nil {
			return nil, o.err
		}
		out[o.peerId] = o.record
	}
	return out, nil
}

func expirationOrDefault(opts repo.MessageOptions) time.Time {
	if opts.Expiration.IsZero() {
		return time.Now().Add(30 * time.Second)
	}
	return opts.Expiration
}

// Get implements repo.Transactor. Reads need no cluster consensus, so
// each batch is read straight from its coordinator peer rather than
// routed through a ClusterRecord vote.
func (c *Coordinator) Get(ctx context.Context, req repo.GetRequest, opts repo.MessageOptions) (map[string]repo.GetResult, error) {
	batches, err := c.groupByCoordinator(ctx, req.BlockIds)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		results map[string]repo.GetResult
		err     error
	}
	outcomes := make(chan outcome, len(batches))
	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(b *batch) {
			defer wg.Done()
			sub := repo.GetRequest{BlockIds: b.blockIds, Context: req.Context}
			results, err := c.dialer.Get(ctx, b.peer, sub, opts)
			outcomes <- outcome{results: results, err: err}
		}(b)
	}
	wg.Wait()
	close(outcomes)

	out := make(map[string]repo.GetResult)
	for o := range outcomes {
		if o.err != nil {
			return nil, o.err
		}
		for id, r := range o.results {
			out[id] = r
		}
	}
	return out, nil
}

// Pend implements repo.Transactor.
func (c *Coordinator) Pend(ctx context.Context, req repo.PendRequest, opts repo.MessageOptions) (*repo.PendSuccess, *repo.StaleFailure, error) {
	blockIds := block.BlockIdsForTransforms(req.Transforms)
	records, err := c.dispatchAll(ctx, blockIds, expirationOrDefault(opts), func(batchBlockIds []string) Message {
		sub := repo.PendRequest{
			Transforms: block.EmptyTransforms(),
			TrxId:      req.TrxId,
			Rev:        req.Rev,
			Policy:     req.Policy,
		}
		for _, id := range batchBlockIds {
			sub.Transforms = block.MergeTransforms(sub.Transforms, block.TransformsFromTransform(block.TransformForBlockId(req.Transforms, id), id))
		}
		return Message{Pend: &sub}
	})
	if err != nil {
		return nil, nil, err
	}

	success := &repo.PendSuccess{}
	for _, record := range records {
		if RecordState(record) == StateRejected {
			return nil, &repo.StaleFailure{Reason: "cluster: batch rejected"}, nil
		}
	}
	for _, id := range blockIds {
		success.BlockIds = append(success.BlockIds, id)
	}
	return success, nil, nil
}

// Cancel implements repo.Transactor.
func (c *Coordinator) Cancel(ctx context.Context, req repo.CancelRequest, opts repo.MessageOptions) error {
	_, err := c.dispatchAll(ctx, req.BlockIds, expirationOrDefault(opts), func(batchBlockIds []string) Message {
		return Message{Cancel: &repo.CancelRequest{BlockIds: batchBlockIds, TrxId: req.TrxId}}
	})
	return err
}

// Commit implements repo.Transactor. The tail block's batch is
// dispatched first when TailId is set, per §4.6/§4.8's tail-first
// ordering, then the remaining batches concurrently.
func (c *Coordinator) Commit(ctx context.Context, req repo.CommitRequest, opts repo.MessageOptions) (*repo.CommitSuccess, *repo.StaleFailure, error) {
	expiration := expirationOrDefault(opts)
	buildMessage := func(batchBlockIds []string) Message {
		return Message{Commit: &repo.CommitRequest{
			BlockIds: batchBlockIds,
			TrxId:    req.TrxId,
			Rev:      req.Rev,
			TailId:   req.TailId,
			HeaderId: req.HeaderId,
		}}
	}

	if req.TailId != "" {
		tailBatches, err := c.groupByCoordinator(ctx, []string{req.TailId})
		if err != nil {
			return nil, nil, err
		}
		for _, b := range tailBatches {
			record, err := c.dispatch(ctx, b, expiration, buildMessage)
			if err != nil {
				return nil, nil, err
			}
			if RecordState(record) == StateRejected {
				return nil, &repo.StaleFailure{Reason: "cluster: tail commit rejected"}, nil
			}
		}
	}

	rest := make([]string, 0, len(req.BlockIds))
	for _, id := range req.BlockIds {
		if id != req.TailId {
			rest = append(rest, id)
		}
	}
	if len(rest) == 0 {
		return &repo.CommitSuccess{}, nil, nil
	}

	records, err := c.dispatchAll(ctx, rest, expiration, buildMessage)
	if err != nil {
		return nil, nil, err
	}
	for _, record := range records {
		if RecordState(record) == StateRejected {
			return nil, &repo.StaleFailure{Reason: "cluster: batch rejected"}, nil
		}
	}
	return &repo.CommitSuccess{CoordinatorId: c.selfId}, nil, nil
}
