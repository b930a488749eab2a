package cluster

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/config"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/crypto"
)

// StaticDiscoverer routes a block ID to peers by rendezvous hashing
// (highest random weight) over a fixed peer table — the simplification
// this package stands in for a real Kademlia-style DHT with: every peer
// knows the same small membership list up front, so "discovery" is a
// deterministic local computation rather than a network walk.
type StaticDiscoverer struct {
	peers             []PeerInfo
	replicationFactor int
}

// NewStaticDiscoverer builds a StaticDiscoverer over peers, each
// operation replicated across replicationFactor of them (clamped to
// len(peers)).
func NewStaticDiscoverer(peers []PeerInfo, replicationFactor int) *StaticDiscoverer {
	if replicationFactor <= 0 || replicationFactor > len(peers) {
		replicationFactor = len(peers)
	}
	return &StaticDiscoverer{peers: peers, replicationFactor: replicationFactor}
}

// weight ranks peer for blockId: sha256(peerId || blockId), compared
// lexicographically. Deterministic and peer-order-independent, so every
// member computes the same ranking without coordination.
func weight(peerId, blockId string) [crypto.DigestSize]byte {
	return crypto.Digest([]byte(peerId + "\x00" + blockId))
}

func (d *StaticDiscoverer) ranked(blockId string, exclude map[string]bool) []PeerInfo {
	candidates := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		if exclude[p.PeerId] {
			continue
		}
		candidates = append(candidates, p)
	}
	weights := make(map[string][crypto.DigestSize]byte, len(candidates))
	for _, p := range candidates {
		weights[p.PeerId] = weight(p.PeerId, blockId)
	}
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := weights[candidates[i].PeerId], weights[candidates[j].PeerId]
		return bytes.Compare(wi[:], wj[:]) > 0
	})
	return candidates
}

// CoordinatorFor implements Discoverer: the highest-ranked peer not in
// exclude becomes blockId's coordinator.
func (d *StaticDiscoverer) CoordinatorFor(ctx context.Context, blockId string, exclude map[string]bool) (PeerInfo, error) {
	ranked := d.ranked(blockId, exclude)
	if len(ranked) == 0 {
		return PeerInfo{}, fmt.Errorf("cluster: no coordinator available for block %q", blockId)
	}
	return ranked[0], nil
}

// ClusterFor implements Discoverer: the top replicationFactor peers by
// rank form blockId's cluster, the set the coordinator seeks promises
// and commits from.
func (d *StaticDiscoverer) ClusterFor(ctx context.Context, blockId string) ([]PeerInfo, error) {
	ranked := d.ranked(blockId, nil)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("cluster: no peers configured")
	}
	n := d.replicationFactor
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n], nil
}

var _ Discoverer = (*StaticDiscoverer)(nil)

// PeersFromConfig decodes a static cluster membership table (as loaded
// from a peer's YAML config) into the PeerInfo list a StaticDiscoverer
// or ClusterRecord needs, appending selfId's own entry if the config
// omitted it — the common case for a single-node bootstrap run, where a
// peer lists the others it knows about but not itself.
func PeersFromConfig(cfg config.ClusterConfig, selfId, selfRepoListen, selfClusterListen string) ([]PeerInfo, error) {
	peers := make([]PeerInfo, 0, len(cfg.Peers)+1)
	sawSelf := false
	for _, p := range cfg.Peers {
		pub, err := hex.DecodeString(p.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("cluster peer %q: decode public key: %w", p.PeerId, err)
		}
		peers = append(peers, PeerInfo{
			PeerId:     p.PeerId,
			Multiaddrs: []string{p.RepoAddr, p.ClusterAddr},
			PublicKey:  pub,
		})
		if p.PeerId == selfId {
			sawSelf = true
		}
	}
	if !sawSelf {
		peers = append(peers, PeerInfo{
			PeerId:     selfId,
			Multiaddrs: []string{selfRepoListen, selfClusterListen},
		})
	}
	return peers, nil
}
