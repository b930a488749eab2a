// Package collection implements the collection-level optimistic
// transaction loop: local action application, remote-history absorption,
// and the sync retry loop that pushes local work through a repo.Transactor
// and reconciles conflicts — modeled on the teacher's reconciler loop
// (ticker/retry/structured-log shape) but driven by the caller instead of
// a ticker, per the spec's single-writer-per-collection design.
package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/config"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/latch"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/logchain"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/source"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/tracker"
	"github.com/gotchoices/votetorrent-sub002/pkg/metrics"
	"github.com/rs/zerolog"
)

// ActionHandler mutates blocks through atomic for one Action's Data
// payload. Registered per Action.Type.
type ActionHandler func(ctx context.Context, atomic *tracker.Atomic, data json.RawMessage) error

// FilterConflict judges one locally pending action against the actions
// of a remote entry absorbed during update. Returning (nil, false) drops
// the pending action. Returning (action, false) keeps it verbatim.
// Returning (action, true) drops the original and schedules action as a
// replacement, replayed through the normal handler path.
type FilterConflict func(pending logchain.Action, remoteActions []logchain.Action) (action *logchain.Action, isReplacement bool)

// logHeaderAttr is the collection header block's attribute key pointing
// at its log chain's header block ID.
const logHeaderAttr = "logHeaderId"

// Collection is the transaction loop over one collection ID: local
// pending actions and their staged mutations, a log recording committed
// history, and the machinery to push local work and absorb remote work.
type Collection struct {
	id              string
	handlers        map[string]ActionHandler
	filterConflict  FilterConflict
	latches         *latch.Registry
	transactor      repo.Transactor
	messageOpts     repo.MessageOptions
	entriesPerBlock int
	retryDelay      time.Duration
	logger          zerolog.Logger

	srcTransactor *source.Transactor
	cache         *source.Cache
	tracker       *tracker.Tracker
	pending       []logchain.Action
	log           *logchain.Log
	logHeaderId   string
}

// CreateHeaderBlock synthesizes a brand new collection's header block,
// supplied by the caller since only it knows the collection's domain
// attributes (its own entity tables, schema version, and so on).
type CreateHeaderBlock func(id string) *block.Block

// CreateOrOpen implements createOrOpen: fetch the would-be header block;
// if present, open the existing log; if absent, synthesize one via
// createHeaderBlock, insert it, and create a fresh log. A freshly
// created collection's trxContext is left nil, signaling the header
// still needs to be committed by the first Sync.
func CreateOrOpen(ctx context.Context, transactor repo.Transactor, id string, handlers map[string]ActionHandler, filterConflict FilterConflict, createHeaderBlock CreateHeaderBlock, latches *latch.Registry, cfg config.Config, logger zerolog.Logger) (*Collection, error) {
	opts := repo.MessageOptions{Expiration: time.Now().Add(cfg.Cluster.DefaultExpiration)}
	srcTransactor := source.NewTransactor(transactor, opts)
	cache := source.NewCache(srcTransactor)
	tr := tracker.New(cache)

	c := &Collection{
		id:              id,
		handlers:        handlers,
		filterConflict:  filterConflict,
		latches:         latches,
		transactor:      transactor,
		messageOpts:     opts,
		entriesPerBlock: cfg.Chain.EntriesPerBlock,
		retryDelay:      cfg.Sync.PendingRetryDelay,
		logger:          logger.With().Str("collection", id).Logger(),
		srcTransactor:   srcTransactor,
		cache:           cache,
		tracker:         tr,
	}

	existing, err := tr.TryGet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("collection %q: fetch header: %w", id, err)
	}

	if existing != nil {
		logHeaderId, _ := existing.Attributes[logHeaderAttr].(string)
		if logHeaderId == "" {
			return nil, fmt.Errorf("collection %q: header block missing %q", id, logHeaderAttr)
		}
		c.logHeaderId = logHeaderId
		c.log = logchain.Open(c.tracker, logHeaderId, c.entriesPerBlock)

		trxCtx, err := c.log.GetTrxContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("collection %q: trx context: %w", id, err)
		}
		c.srcTransactor.SetTrxContext(trxCtx)
		c.logger.Debug().Int64("rev", trxCtx.Rev).Msg("opened existing collection")
		metrics.CollectionsOpen.Inc()
		return c, nil
	}

	logHeaderId, err := tr.GenerateId()
	if err != nil {
		return nil, err
	}
	logDataId, err := tr.GenerateId()
	if err != nil {
		return nil, err
	}

	hdr := createHeaderBlock(id)
	if hdr.Attributes == nil {
		hdr.Attributes = make(map[string]interface{})
	}
	hdr.Attributes[logHeaderAttr] = logHeaderId
	hdr.Header.Id = id
	tr.Insert(id, hdr)

	c.logHeaderId = logHeaderId
	c.log = logchain.Create(c.tracker, logHeaderId, logDataId, id, c.entriesPerBlock)
	c.logger.Debug().Msg("created new collection, awaiting first sync")
	metrics.CollectionsOpen.Inc()
	return c, nil
}

// Close releases the collection's slot in the CollectionsOpen gauge. It
// does not flush pending work; callers must Sync first if that matters.
func (c *Collection) Close() {
	metrics.CollectionsOpen.Dec()
}

// Act is the local-application half of the loop: each action's handler
// mutates blocks through a shared Atomic, which commits into the
// collection's Tracker as one unit; then the actions are appended to
// the pending queue in order.
func (c *Collection) Act(ctx context.Context, actions ...logchain.Action) error {
	if len(actions) == 0 {
		return nil
	}

	atomic := tracker.NewAtomic(c.tracker, c.tracker)
	for _, a := range actions {
		h, ok := c.handlers[a.Type]
		if !ok {
			return fmt.Errorf("collection %q: action %q: %w", c.id, a.Type, bserr.ErrUnknownAction)
		}
		if err := h(ctx, atomic, a.Data); err != nil {
			return fmt.Errorf("collection %q: action %q: %w", c.id, a.Type, err)
		}
	}
	if err := atomic.Commit(); err != nil {
		return fmt.Errorf("collection %q: commit local actions: %w", c.id, err)
	}

	c.pending = append(c.pending, actions...)
	return nil
}

// hasUnsyncedWork reports whether Sync has anything left to push.
func (c *Collection) hasUnsyncedWork() bool {
	if len(c.pending) > 0 {
		return true
	}
	t := c.tracker.Transforms()
	return len(t.Inserts) > 0 || len(t.Updates) > 0 || len(t.Deletes) > 0
}

// SelectLog returns an iterator over every individual Action recorded in
// the collection's log, across all ActionEntry entries, forward from the
// head unless forward is false.
func (c *Collection) SelectLog(ctx context.Context, forward bool) (func() (*logchain.Action, bool, error), error) {
	next, err := c.log.Select(ctx, nil, forward)
	if err != nil {
		return nil, err
	}

	var cur []logchain.Action
	var idx int

	advance := func() (*logchain.Action, bool, error) {
		for {
			if idx < len(cur) {
				a := cur[idx]
				idx++
				return &a, true, nil
			}
			_, e, ok, err := next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, nil
			}
			if e.Action == nil {
				continue
			}
			cur = e.Action.Actions
			idx = 0
			if !forward {
				reversed := make([]logchain.Action, len(cur))
				for i, a := range cur {
					reversed[len(cur)-1-i] = a
				}
				cur = reversed
			}
		}
	}

	return advance, nil
}
