package cluster

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/wire"
	"github.com/rs/zerolog"
)

// ClusterServer accepts UpdateRequest frames and drives each one through
// its Member, propagating to the peers the state machine names until
// the record reaches Consensus or Rejected (or no peer makes further
// progress), then answers with the settled record — mirroring
// RepoServer's listener shape, generalized from a single local dispatch
// into a propagate-and-merge loop.
type ClusterServer struct {
	member     *Member
	propagator Propagator
	listener   net.Listener
	logger     zerolog.Logger
}

// NewClusterServer wraps member, propagating onward via propagator, and
// starts accepting on listener. Call Serve to run the accept loop.
func NewClusterServer(member *Member, propagator Propagator, listener net.Listener, logger zerolog.Logger) *ClusterServer {
	return &ClusterServer{
		member:     member,
		propagator: propagator,
		listener:   listener,
		logger:     logger.With().Str("component", "cluster-server").Logger(),
	}
}

// Serve accepts connections until the listener closes or ctx is
// cancelled, handling each on its own goroutine.
func (s *ClusterServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

func (s *ClusterServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		var req UpdateRequest
		if err := wire.ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("cluster connection closed")
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if err := wire.WriteFrame(conn, resp); err != nil {
			s.logger.Warn().Err(err).Msg("cluster write response failed")
			return
		}
	}
}

func (s *ClusterServer) dispatch(ctx context.Context, req UpdateRequest) UpdateResponse {
	settled, err := s.resolve(ctx, req.Record)
	if err != nil {
		return UpdateResponse{Error: err.Error()}
	}
	return UpdateResponse{Record: settled}
}

// resolve merges incoming into the member's active set and keeps
// propagating to named peers, folding each reply back in, until the
// record reaches a terminal state or a full round makes no further
// progress. The round cap bounds the fan-out to the record's own peer
// count, since no more rounds than that can add a new vote.
func (s *ClusterServer) resolve(ctx context.Context, incoming *ClusterRecord) (*ClusterRecord, error) {
	current, peers, err := s.member.Update(ctx, incoming, time.Now())
	if err != nil {
		return nil, err
	}

	maxRounds := len(current.Peers) + 1
	for round := 0; round < maxRounds; round++ {
		state := RecordState(current)
		if state == StateConsensus || state == StateRejected {
			return current, nil
		}

		progressed := false
		for _, peer := range peers {
			reply, err := s.propagator(ctx, peer, current)
			if err != nil {
				s.logger.Warn().Err(err).Str("peer", peer.PeerId).Msg("cluster propagate failed")
				continue
			}
			merged, nextPeers, err := s.member.Update(ctx, reply, time.Now())
			if err != nil {
				s.logger.Warn().Err(err).Str("peer", peer.PeerId).Msg("cluster merge reply failed")
				continue
			}
			current = merged
			peers = nextPeers
			progressed = true
		}
		if !progressed {
			return current, nil
		}
	}
	return current, nil
}
