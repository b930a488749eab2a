package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/wire"
)

// ClusterClient dials a peer's ClusterServer fresh for each call — a
// cluster update is a rare, latency-insensitive round trip compared to
// the high-frequency repo protocol, so there's no persistent-connection
// state to hold. Its Update method is a Propagator, so a
// Member/ClusterServer can forward records through it directly.
type ClusterClient struct {
	tls wire.TLSConfig
}

// NewClusterClient builds a ClusterClient dialing with tls.
func NewClusterClient(tls wire.TLSConfig) *ClusterClient {
	return &ClusterClient{tls: tls}
}

// peerAddr picks the cluster-protocol address from peer's multiaddrs:
// by convention the second entry (index 1), the repo address being the
// first — both protocols share one wire framing but listen on separate
// ports.
func peerAddr(peer PeerInfo, index int) (string, error) {
	if index >= len(peer.Multiaddrs) {
		return "", fmt.Errorf("cluster: peer %q has no multiaddr at index %d", peer.PeerId, index)
	}
	return peer.Multiaddrs[index], nil
}

// Update dials a fresh connection to peer's ClusterServer and sends
// record, returning the settled record it replies with.
func (c *ClusterClient) Update(ctx context.Context, peer PeerInfo, record *ClusterRecord) (*ClusterRecord, error) {
	addr, err := peerAddr(peer, 1)
	if err != nil {
		return nil, err
	}

	conn, err := wire.Dial(addr, c.tls)
	if err != nil {
		return nil, fmt.Errorf("cluster client: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WriteFrame(conn, UpdateRequest{Record: record}); err != nil {
		return nil, fmt.Errorf("cluster client: send: %w", err)
	}
	var resp UpdateResponse
	if err := wire.ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("cluster client: receive: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Record, nil
}

// PeerDialer implements cluster.Dialer for a Coordinator: Update goes
// through a ClusterClient, Get dials the peer's repo.RepoServer
// directly since reads need no cluster consensus.
type PeerDialer struct {
	cluster *ClusterClient
	tls     wire.TLSConfig

	mu          sync.Mutex
	repoClients map[string]*repo.RepoClient
}

var _ Dialer = (*PeerDialer)(nil)

// NewPeerDialer builds a PeerDialer routing the Update leg through
// cluster and dialing repo connections (cached per peer) for the Get
// leg.
func NewPeerDialer(cluster *ClusterClient, tls wire.TLSConfig) *PeerDialer {
	return &PeerDialer{cluster: cluster, tls: tls, repoClients: make(map[string]*repo.RepoClient)}
}

// Update implements Dialer.
func (d *PeerDialer) Update(ctx context.Context, peer PeerInfo, record *ClusterRecord) (*ClusterRecord, error) {
	return d.cluster.Update(ctx, peer, record)
}

func (d *PeerDialer) repoClientFor(peer PeerInfo) (*repo.RepoClient, error) {
	addr, err := peerAddr(peer, 0)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if client, ok := d.repoClients[peer.PeerId]; ok {
		return client, nil
	}
	client, err := repo.NewRepoClient(addr, d.tls)
	if err != nil {
		return nil, fmt.Errorf("cluster dialer: dial repo %s: %w", addr, err)
	}
	d.repoClients[peer.PeerId] = client
	return client, nil
}

// Get implements Dialer.
func (d *PeerDialer) Get(ctx context.Context, peer PeerInfo, req repo.GetRequest, opts repo.MessageOptions) (map[string]repo.GetResult, error) {
	client, err := d.repoClientFor(peer)
	if err != nil {
		return nil, err
	}
	return client.Get(ctx, req, opts)
}
