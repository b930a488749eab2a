package cluster

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/crypto"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/rs/zerolog"
)

// State is one ClusterRecord's position in the member state machine
// (§4.8's table).
type State string

const (
	StateOurPromiseNeeded State = "OurPromiseNeeded"
	StatePromising        State = "Promising"
	StateOurCommitNeeded  State = "OurCommitNeeded"
	StateConsensus        State = "Consensus"
	StateRejected         State = "Rejected"
	StatePropagating      State = "Propagating"
)

// Propagator forwards an updated record to peer and returns whatever
// that peer's own Update produced — normally a ClusterClient.Update
// call; tests supply a fake.
type Propagator func(ctx context.Context, peer PeerInfo, record *ClusterRecord) (*ClusterRecord, error)

type activeEntry struct {
	record   *ClusterRecord
	state    State
	expireAt time.Time
	applied  bool
}

// Member is the handler side of the cluster protocol (§4.8): it
// validates and merges incoming ClusterRecords, runs the promise/commit
// state machine, and applies a record to the local repo exactly once
// on reaching Consensus.
type Member struct {
	selfId         string
	keyPair        *crypto.KeyPair
	transactor     repo.Transactor
	promiseTimeout time.Duration

	mu     sync.Mutex
	active map[string]*activeEntry

	logger zerolog.Logger
}

// NewMember constructs a Member for selfId, signing with keyPair,
// applying consensus operations through transactor.
func NewMember(selfId string, keyPair *crypto.KeyPair, transactor repo.Transactor, promiseTimeout time.Duration, logger zerolog.Logger) *Member {
	return &Member{
		selfId:         selfId,
		keyPair:        keyPair,
		transactor:     transactor,
		promiseTimeout: promiseTimeout,
		active:         make(map[string]*activeEntry),
		logger:         logger.With().Str("component", "cluster-member").Str("peerId", selfId).Logger(),
	}
}

// Validate checks an incoming record's hash binding, per-peer
// signatures, and expiration, per §4.8's Member bullet.
func Validate(record *ClusterRecord, now time.Time) error {
	ok, err := record.VerifyHash()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cluster: record hash mismatch: %w", bserr.ErrSignatureInvalid)
	}
	if now.After(record.Message.Expiration) {
		return fmt.Errorf("cluster: record expired: %w", bserr.ErrExpired)
	}
	for peerId, sig := range record.Promises {
		if err := verifyVote(record, peerId, "promise", sig); err != nil {
			return err
		}
	}
	for peerId, sig := range record.Commits {
		if err := verifyVote(record, peerId, "commit", sig); err != nil {
			return err
		}
	}
	return nil
}

func verifyVote(record *ClusterRecord, peerId, phase string, sig Signature) error {
	peer, ok := record.Peers[peerId]
	if !ok {
		return fmt.Errorf("cluster: vote from unknown peer %q: %w", peerId, bserr.ErrSignatureInvalid)
	}
	if !VerifySignature(ed25519.PublicKey(peer.PublicKey), phase, record.MessageHash, sig.Signature) {
		return fmt.Errorf("cluster: invalid %s signature from %q: %w", phase, peerId, bserr.ErrSignatureInvalid)
	}
	return nil
}

// fieldsMatch reports whether two records for the same messageHash
// agree on their non-signature fields, the merge precondition from
// §4.8 ("non-signature fields must match exactly").
func fieldsMatch(a, b *ClusterRecord) bool {
	if len(a.Peers) != len(b.Peers) {
		return false
	}
	for id, pa := range a.Peers {
		pb, ok := b.Peers[id]
		if !ok || pa.PeerId != pb.PeerId || len(pa.Multiaddrs) != len(pb.Multiaddrs) {
			return false
		}
	}
	return a.Message.Expiration.Equal(b.Message.Expiration)
}

func mergeVotes(into, from map[string]Signature) {
	for peerId, sig := range from {
		if _, exists := into[peerId]; !exists {
			into[peerId] = sig
		}
	}
}

// conflicts reports whether record's blocks intersect any other active
// (non-terminal) record's blocks, per §4.8's conflict check.
func (m *Member) conflicts(record *ClusterRecord) bool {
	touched := blockSet(record.Message.BlockIds())
	for hash, entry := range m.active {
		if hash == record.MessageHash {
			continue
		}
		if entry.state == StateConsensus || entry.state == StateRejected {
			continue
		}
		for _, id := range entry.record.Message.BlockIds() {
			if touched[id] {
				return true
			}
		}
	}
	return false
}

func blockSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// Update merges incoming into the active set for its messageHash, runs
// the state machine to a fixed point, applies the operation locally on
// first reaching Consensus, and returns the resulting record plus every
// peer in the record besides self, whatever state the record reached.
func (m *Member) Update(ctx context.Context, incoming *ClusterRecord, now time.Time) (*ClusterRecord, []PeerInfo, error) {
	if err := Validate(incoming, now); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.active[incoming.MessageHash]
	if !exists {
		entry = &activeEntry{record: incoming, state: StateOurPromiseNeeded, expireAt: incoming.Message.Expiration}
		m.active[incoming.MessageHash] = entry
	} else {
		if !fieldsMatch(entry.record, incoming) {
			return nil, nil, fmt.Errorf("cluster: conflicting record for hash %s", incoming.MessageHash)
		}
		mergeVotes(entry.record.Promises, incoming.Promises)
		mergeVotes(entry.record.Commits, incoming.Commits)
	}

	m.transition(entry)

	peers := otherPeers(entry.record, m.selfId)
	return entry.record, peers, nil
}

func otherPeers(record *ClusterRecord, selfId string) []PeerInfo {
	out := make([]PeerInfo, 0, len(record.Peers))
	for id, p := range record.Peers {
		if id != selfId {
			out = append(out, p)
		}
	}
	return out
}

// transition runs entry through the state table until it reaches a
// point with no further local action (Promising, Propagating, a
// terminal state, or a rejected/conflicting promise).
func (m *Member) transition(entry *activeEntry) {
	for {
		rec := entry.record

		if len(rejectedVotes(rec.Promises)) > 0 {
			entry.state = StateRejected
			return
		}
		if majorityRejected(rec.Commits, len(rec.Peers)) {
			entry.state = StateRejected
			return
		}

		if majorityApproved(rec.Commits, len(rec.Peers)) {
			entry.state = StateConsensus
			if !entry.applied {
				if err := m.apply(rec); err != nil {
					m.logger.Error().Err(err).Str("messageHash", rec.MessageHash).Msg("apply consensus operation failed")
				}
				entry.applied = true
			}
			return
		}

		if _, promised := rec.Promises[m.selfId]; !promised {
			if m.conflicts(rec) {
				sig := Sign(m.keyPair.Private, "promise", rec.MessageHash)
				rec.Promises[m.selfId] = Signature{Type: SignatureReject, Signature: sig, RejectReason: "conflicts with an active record"}
				entry.state = StateRejected
				return
			}
			sig := Sign(m.keyPair.Private, "promise", rec.MessageHash)
			rec.Promises[m.selfId] = Signature{Type: SignatureApprove, Signature: sig}
			entry.state = StatePropagating
			continue
		}

		if len(rec.Promises) < len(rec.Peers) {
			entry.state = StatePromising
			return
		}

		if _, committed := rec.Commits[m.selfId]; !committed {
			sig := Sign(m.keyPair.Private, "commit", rec.MessageHash)
			rec.Commits[m.selfId] = Signature{Type: SignatureApprove, Signature: sig}
			entry.state = StatePropagating
			continue
		}

		entry.state = StatePromising
		return
	}
}

func rejectedVotes(votes map[string]Signature) map[string]Signature {
	out := map[string]Signature{}
	for id, sig := range votes {
		if sig.Type == SignatureReject {
			out[id] = sig
		}
	}
	return out
}

func majorityApproved(votes map[string]Signature, peerCount int) bool {
	if peerCount == 0 {
		return false
	}
	approved := 0
	for _, sig := range votes {
		if sig.Type == SignatureApprove {
			approved++
		}
	}
	return approved >= peerCount/2+1
}

func majorityRejected(votes map[string]Signature, peerCount int) bool {
	if peerCount == 0 {
		return false
	}
	rejected := 0
	for _, sig := range votes {
		if sig.Type == SignatureReject {
			rejected++
		}
	}
	return rejected >= peerCount/2+1
}

// RecordState reports the terminal/non-terminal state rec's votes imply,
// independent of any Member's own active-entry bookkeeping — what a
// Coordinator checks on a record returned by a dial to decide whether a
// batch succeeded.
func RecordState(rec *ClusterRecord) State {
	if len(rejectedVotes(rec.Promises)) > 0 {
		return StateRejected
	}
	if majorityRejected(rec.Commits, len(rec.Peers)) {
		return StateRejected
	}
	if majorityApproved(rec.Commits, len(rec.Peers)) {
		return StateConsensus
	}
	return StatePromising
}

// apply applies rec's operation through the local transactor exactly
// once, per the Consensus row's action.
func (m *Member) apply(rec *ClusterRecord) error {
	ctx, cancel := context.WithDeadline(context.Background(), rec.Message.Expiration)
	defer cancel()

	opts := repo.MessageOptions{Expiration: rec.Message.Expiration}

	switch {
	case rec.Message.Get != nil:
		_, err := m.transactor.Get(ctx, *rec.Message.Get, opts)
		return err
	case rec.Message.Pend != nil:
		_, _, err := m.transactor.Pend(ctx, *rec.Message.Pend, opts)
		return err
	case rec.Message.Cancel != nil:
		return m.transactor.Cancel(ctx, *rec.Message.Cancel, opts)
	case rec.Message.Commit != nil:
		_, _, err := m.transactor.Commit(ctx, *rec.Message.Commit, opts)
		return err
	default:
		return errors.New("cluster: record carries no operation")
	}
}

// Sweep evicts every active record already in Consensus or Rejected,
// and marks any other record whose expiration has passed Rejected (the
// promise timer's reject-by-timeout), so the following sweep evicts it.
func (m *Member) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hash, entry := range m.active {
		if entry.state == StateConsensus {
			delete(m.active, hash)
			continue
		}
		if entry.state == StateRejected {
			delete(m.active, hash)
			continue
		}
		if now.After(entry.record.Message.Expiration) {
			entry.state = StateRejected
		}
	}
}

// Run periodically sweeps expired records until ctx is cancelled.
func (m *Member) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
