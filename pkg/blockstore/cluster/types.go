// Package cluster implements peer-to-peer block coordination (§4.8): a
// Coordinator that drives a two-phase promise/commit round with the
// peers responsible for a block, and a Member state machine that
// applies that protocol's wire records and, on consensus, commits the
// operation through a local repo.Transactor.
package cluster

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/crypto"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
)

// PeerInfo names one cluster member: its dial addresses and signing
// public key.
type PeerInfo struct {
	PeerId     string   `json:"peerId"`
	Multiaddrs []string `json:"multiaddrs"`
	PublicKey  []byte   `json:"publicKey"`
}

// ClusterPeers is the value type of ClusterRecord.Peers.
type ClusterPeers map[string]PeerInfo

// SignatureType distinguishes an approval from a rejection.
type SignatureType string

const (
	SignatureApprove SignatureType = "approve"
	SignatureReject  SignatureType = "reject"
)

// Signature is one peer's vote on a ClusterRecord, at a given phase
// (promise or commit — the map it lives in says which).
type Signature struct {
	Type         SignatureType `json:"type"`
	Signature    []byte        `json:"signature"`
	RejectReason string        `json:"rejectReason,omitempty"`
}

// Message is the operation request a ClusterRecord carries, plus its
// expiration — the payload the record's peers are promising/committing
// to apply identically.
type Message struct {
	Get        *repo.GetRequest    `json:"get,omitempty"`
	Pend       *repo.PendRequest   `json:"pend,omitempty"`
	Cancel     *repo.CancelRequest `json:"cancel,omitempty"`
	Commit     *repo.CommitRequest `json:"commit,omitempty"`
	Expiration time.Time           `json:"expiration"`
}

// BlockIds returns every block this message's operation touches.
func (m Message) BlockIds() []string {
	switch {
	case m.Pend != nil:
		return block.BlockIdsForTransforms(m.Pend.Transforms)
	case m.Cancel != nil:
		return m.Cancel.BlockIds
	case m.Commit != nil:
		return m.Commit.BlockIds
	case m.Get != nil:
		return m.Get.BlockIds
	default:
		return nil
	}
}

// ClusterRecord is the consensus unit: one operation, the peers who
// must agree on it, and their votes at each phase.
type ClusterRecord struct {
	MessageHash string               `json:"messageHash"`
	Peers       ClusterPeers         `json:"peers"`
	Message     Message              `json:"message"`
	Promises    map[string]Signature `json:"promises"`
	Commits     map[string]Signature `json:"commits"`
}

// NewClusterRecord builds a record for message and peers with the hash
// that binds them, and empty vote maps.
func NewClusterRecord(message Message, peers ClusterPeers) (*ClusterRecord, error) {
	rec := &ClusterRecord{
		Message:  message,
		Peers:    peers,
		Promises: map[string]Signature{},
		Commits:  map[string]Signature{},
	}
	hash, err := hashRecord(message, peers)
	if err != nil {
		return nil, err
	}
	rec.MessageHash = hash
	return rec, nil
}

// hashRecord digests the fields a ClusterRecord's hash must bind:
// message and peers. Vote maps are excluded — they accumulate after
// the hash is fixed.
func hashRecord(message Message, peers ClusterPeers) (string, error) {
	canonical := struct {
		Message Message      `json:"message"`
		Peers   ClusterPeers `json:"peers"`
	}{message, peers}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("cluster: hash record: %w", err)
	}
	digest := crypto.Digest(data)
	return fmt.Sprintf("%x", digest), nil
}

// VerifyHash reports whether r.MessageHash still matches r.Message and
// r.Peers.
func (r *ClusterRecord) VerifyHash() (bool, error) {
	hash, err := hashRecord(r.Message, r.Peers)
	if err != nil {
		return false, err
	}
	return hash == r.MessageHash, nil
}

// Sign produces this peer's signature over the record's hash for the
// given phase tag ("promise" or "commit") — the tag is folded in so a
// promise signature can't be replayed as a commit signature.
func Sign(priv ed25519.PrivateKey, phase, messageHash string) []byte {
	return crypto.Sign(priv, []byte(phase+":"+messageHash))
}

// VerifySignature checks sig against phase and messageHash under pub.
func VerifySignature(pub ed25519.PublicKey, phase, messageHash string, sig []byte) bool {
	return crypto.Verify(pub, []byte(phase+":"+messageHash), sig)
}
