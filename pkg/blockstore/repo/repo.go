// Package repo defines the transactor contract (IRepo in the spec) that
// a Collection consumes, plus its storage-backed implementation (Repo)
// and a RepoClient/RepoServer pair that carries the contract over the
// wire. Dispatch to cluster coordinators lives in package cluster.
package repo

import (
	"context"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
)

// TrxRev pairs a transaction ID with the revision it produced.
type TrxRev struct {
	TrxId string `json:"trxId"`
	Rev   int64  `json:"rev"`
}

// TrxContext is the view of which revisions a reader should treat as
// visible when fetching blocks. TrxId, when set, asks Get to overlay
// that one pending transaction onto the result instead of reporting
// every pending trxId on the touched blocks — how a caller previews
// its own in-flight transaction before it commits.
type TrxContext struct {
	Committed []TrxRev `json:"committed"`
	Rev       int64    `json:"rev"`
	TrxId     string   `json:"trxId,omitempty"`
}

// MessageOptions accompanies every outbound transactor/cluster call.
type MessageOptions struct {
	Expiration time.Time
}

// Pend policy for PendRequest.
type PendPolicy string

const (
	// PendFail fails fast if any pending transaction already exists on
	// a targeted block.
	PendFail PendPolicy = "f"
	// PendReturn behaves like PendFail but includes each conflicting
	// pending's transform in the failure.
	PendReturn PendPolicy = "r"
	// PendContinue accumulates conflicting pending info but proceeds
	// to stage this pend anyway.
	PendContinue PendPolicy = "c"
)

// GetRequest asks for a set of blocks as of an optional TrxContext.
type GetRequest struct {
	BlockIds []string
	Context  *TrxContext
}

// BlockState reports which revision and pending transactions currently
// apply to a fetched block.
type BlockState struct {
	Latest   *TrxRev
	Pendings []string
}

// GetResult is the per-block result of a Get call.
type GetResult struct {
	Block *block.Block
	State BlockState
}

// PendRequest stages a Transforms across whatever blocks it touches.
type PendRequest struct {
	Transforms block.Transforms
	TrxId      string
	Rev        int64
	Policy     PendPolicy
}

// PendingInfo is one block's pre-existing pending transaction, surfaced
// by PendReturn/PendContinue or by a StaleFailure.
type PendingInfo struct {
	BlockId   string
	TrxId     string
	Transform *block.Transform
}

// PendSuccess is the positive result of a Pend call.
type PendSuccess struct {
	Pending  []PendingInfo
	BlockIds []string
}

// CommitRequest commits a previously pended transaction.
type CommitRequest struct {
	BlockIds []string
	TrxId    string
	Rev      int64
	TailId   string
	HeaderId string // set only on the first commit of a new collection
}

// CommitSuccess is the positive result of a Commit call.
type CommitSuccess struct {
	CoordinatorId string
}

// MissingTrx is a transaction the caller's context predates, keyed by
// TrxId, returned so the caller can catch up via Collection.update.
type MissingTrx struct {
	TrxId      string
	Rev        int64
	Transforms block.Transforms
}

// StaleFailure reports why Pend or Commit could not proceed.
type StaleFailure struct {
	Reason  string
	Missing []MissingTrx
	Pending []PendingInfo
}

func (f *StaleFailure) Error() string {
	if f.Reason != "" {
		return f.Reason
	}
	if len(f.Missing) > 0 {
		return "stale: missing committed revisions"
	}
	return "stale: conflicting pending transaction"
}

// CancelRequest drops a pending transaction on a set of blocks.
type CancelRequest struct {
	BlockIds []string
	TrxId    string
}

// Transactor is the contract a Collection consumes (IRepo in the spec).
type Transactor interface {
	Get(ctx context.Context, req GetRequest, opts MessageOptions) (map[string]GetResult, error)
	Pend(ctx context.Context, req PendRequest, opts MessageOptions) (*PendSuccess, *StaleFailure, error)
	Cancel(ctx context.Context, req CancelRequest, opts MessageOptions) error
	Commit(ctx context.Context, req CommitRequest, opts MessageOptions) (*CommitSuccess, *StaleFailure, error)
}
