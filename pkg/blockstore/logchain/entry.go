// Package logchain implements the action/checkpoint log built on top of
// chain.Chain: cryptographically back-linked entries recording either a
// committed transaction's actions or an explicit checkpoint of the
// committed-but-uncheckpointed set.
package logchain

import (
	"encoding/json"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
)

// Action is one unit of logical work. Type selects the registered
// handler; Data is the handler-specific payload, dispatched the way the
// teacher dispatches by a short string tag rather than a closed enum.
type Action struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ActionEntry records one committed transaction's actions and the
// blocks it touched, including any log-chain blocks allocated to hold
// this very entry.
type ActionEntry struct {
	TrxId         string   `json:"trxId"`
	Actions       []Action `json:"actions"`
	BlockIds      []string `json:"blockIds"`
	CollectionIds []string `json:"collectionIds,omitempty"`
}

// CheckpointEntry restates the currently committed-but-uncheckpointed
// set as of this log position, letting readers prune implicit history.
type CheckpointEntry struct {
	Pendings []repo.TrxRev `json:"pendings"`
}

// Entry is exactly one of Action or Checkpoint.
type Entry struct {
	Timestamp  time.Time        `json:"timestamp"`
	Rev        int64            `json:"rev"`
	Action     *ActionEntry     `json:"action,omitempty"`
	Checkpoint *CheckpointEntry `json:"checkpoint,omitempty"`
}
