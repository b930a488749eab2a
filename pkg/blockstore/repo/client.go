package repo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/wire"
)

// RepoClient dials a remote peer's RepoServer and implements
// Transactor over the length-prefixed JSON wire protocol. One
// connection is dialed up front and reused for every call, serialized
// behind a mutex — request/response framing on a single TCP stream
// isn't safe for concurrent callers otherwise.
type RepoClient struct {
	addr string
	tls  wire.TLSConfig
	mu   sync.Mutex
	conn net.Conn
}

var _ Transactor = (*RepoClient)(nil)

// NewRepoClient dials addr immediately, the way the teacher's
// client.NewClient connects at construction rather than lazily.
func NewRepoClient(addr string, tls wire.TLSConfig) (*RepoClient, error) {
	conn, err := wire.Dial(addr, tls)
	if err != nil {
		return nil, fmt.Errorf("repo client: dial %s: %w", addr, err)
	}
	return &RepoClient{addr: addr, tls: tls, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *RepoClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *RepoClient) call(ctx context.Context, op Operation, opts MessageOptions) (OperationResult, error) {
	msg := RepoMessage{Operations: []Operation{op}}
	if !opts.Expiration.IsZero() {
		msg.Expiration = &opts.Expiration
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	if err := wire.WriteFrame(c.conn, msg); err != nil {
		return OperationResult{}, fmt.Errorf("repo client: send: %w", err)
	}

	var resp RepoResponse
	if err := wire.ReadFrame(c.conn, &resp); err != nil {
		return OperationResult{}, fmt.Errorf("repo client: receive: %w", err)
	}
	if len(resp.Results) != 1 {
		return OperationResult{}, errors.New("repo client: expected exactly one result")
	}

	result := resp.Results[0]
	if result.Error != "" {
		return OperationResult{}, errors.New(result.Error)
	}
	return result, nil
}

// Get implements Transactor.
func (c *RepoClient) Get(ctx context.Context, req GetRequest, opts MessageOptions) (map[string]GetResult, error) {
	result, err := c.call(ctx, Operation{Get: &req}, opts)
	if err != nil {
		return nil, err
	}
	return result.Get, nil
}

// Pend implements Transactor.
func (c *RepoClient) Pend(ctx context.Context, req PendRequest, opts MessageOptions) (*PendSuccess, *StaleFailure, error) {
	result, err := c.call(ctx, Operation{Pend: &req}, opts)
	if err != nil {
		return nil, nil, err
	}
	if result.Stale != nil {
		return nil, result.Stale, nil
	}
	return result.Pend, nil, nil
}

// Cancel implements Transactor.
func (c *RepoClient) Cancel(ctx context.Context, req CancelRequest, opts MessageOptions) error {
	_, err := c.call(ctx, Operation{Cancel: &req}, opts)
	return err
}

// Commit implements Transactor.
func (c *RepoClient) Commit(ctx context.Context, req CommitRequest, opts MessageOptions) (*CommitSuccess, *StaleFailure, error) {
	result, err := c.call(ctx, Operation{Commit: &req}, opts)
	if err != nil {
		return nil, nil, err
	}
	if result.Stale != nil {
		return nil, result.Stale, nil
	}
	return result.Commit, nil, nil
}
