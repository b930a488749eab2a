package repo

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/wire"
	"github.com/rs/zerolog"
)

// RepoServer accepts RepoMessage frames over a net.Listener and
// dispatches each operation to a local Transactor — grounded on the
// teacher's pkg/client dial-and-call pattern, turned inside out into a
// listener since this protocol has no gRPC service generation to lean
// on.
type RepoServer struct {
	transactor Transactor
	listener   net.Listener
	logger     zerolog.Logger
}

// NewRepoServer wraps transactor (normally a *Repo) and listener. It
// does not accept connections itself; call Serve to run the accept loop.
func NewRepoServer(transactor Transactor, listener net.Listener, logger zerolog.Logger) *RepoServer {
	return &RepoServer{
		transactor: transactor,
		listener:   listener,
		logger:     logger.With().Str("component", "repo-server").Logger(),
	}
}

// Serve accepts connections until the listener closes or ctx is
// cancelled, handling each on its own goroutine.
func (s *RepoServer) Serve(ctx context.Context) error {
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

func (s *RepoServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		var msg RepoMessage
		if err := wire.ReadFrame(conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("repo connection closed")
			}
			return
		}

		resp := s.dispatch(ctx, msg)
		if err := wire.WriteFrame(conn, resp); err != nil {
			s.logger.Warn().Err(err).Msg("repo write response failed")
			return
		}
	}
}

func (s *RepoServer) dispatch(ctx context.Context, msg RepoMessage) RepoResponse {
	opts := MessageOptions{}
	if msg.Expiration != nil {
		opts.Expiration = *msg.Expiration
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *msg.Expiration)
		defer cancel()
	}

	resp := RepoResponse{Results: make([]OperationResult, len(msg.Operations))}
	for i, op := range msg.Operations {
		resp.Results[i] = s.dispatchOne(ctx, op, opts)
	}
	return resp
}

func (s *RepoServer) dispatchOne(ctx context.Context, op Operation, opts MessageOptions) OperationResult {
	switch {
	case op.Get != nil:
		result, err := s.transactor.Get(ctx, *op.Get, opts)
		if err != nil {
			return OperationResult{Error: err.Error()}
		}
		return OperationResult{Get: result}

	case op.Pend != nil:
		success, stale, err := s.transactor.Pend(ctx, *op.Pend, opts)
		if err != nil {
			return OperationResult{Error: err.Error()}
		}
		if stale != nil {
			return OperationResult{Stale: stale}
		}
		return OperationResult{Pend: success}

	case op.Cancel != nil:
		if err := s.transactor.Cancel(ctx, *op.Cancel, opts); err != nil {
			return OperationResult{Error: err.Error()}
		}
		return OperationResult{}

	case op.Commit != nil:
		success, stale, err := s.transactor.Commit(ctx, *op.Commit, opts)
		if err != nil {
			return OperationResult{Error: err.Error()}
		}
		if stale != nil {
			return OperationResult{Stale: stale}
		}
		return OperationResult{Commit: success}

	default:
		return OperationResult{Error: "repo: empty operation"}
	}
}
