package blocksync

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/massif-org/massif/internal/chainsync"
	"github.com/massif-org/massif/libs/log"
	"github.com/massif-org/massif/store"
	"github.com/massif-org/massif/types"
)

const (
	// headerLocatorWindow is how many of the most recent local headers are
	// sent as the locator of a header request, newest first.
	headerLocatorWindow = 128

	// blockWindowSize is how many blocks are requested and applied at a
	// time.
	blockWindowSize = 5

	// maxHeadersPerRequest caps one header response batch.
	maxHeadersPerRequest = 500
)

// errPeerFailed marks conditions that disqualify the current peer without
// aborting the round: the next candidate is tried instead.
var errPeerFailed = errors.New("sync peer failed")

// Engine replays the network tip onto the local chain, header batch by
// header batch and block window by block window, detecting and recovering
// from short reorganizations on the way. One Synchronize call is one sync
// round against a round-scoped candidate pool.
type Engine struct {
	logger     log.Logger
	client     chainsync.Client
	store      store.Store
	applyRetry chainsync.RetryPolicy
}

// NewEngine wires a forward block sync engine.
func NewEngine(logger log.Logger, client chainsync.Client, st store.Store) *Engine {
	return &Engine{
		logger:     logger,
		client:     client,
		store:      st,
		applyRetry: chainsync.DefaultRetryPolicy(),
	}
}

// Synchronize runs one forward sync round. Peers are consumed from the
// selector as they fail; draining it without completing the round is
// fatal. A nil return means every received header batch was applied and
// the local tip now matches the chosen peer's chain.
func (e *Engine) Synchronize(ctx context.Context, selector *chainsync.PeerSelector) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		peer, ok := selector.Next()
		if !ok {
			return &chainsync.StageError{Stage: chainsync.StageBlockSync, Err: chainsync.ErrNoMoreSyncPeers}
		}

		err := e.syncWithPeer(ctx, peer)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errPeerFailed):
			e.logger.Info("sync peer failed, rotating", "peer", peer, "err", err)
		default:
			return &chainsync.StageError{Stage: chainsync.StageBlockSync, Err: err}
		}
	}
}

// syncWithPeer drives one peer until its chain is exhausted. It returns
// errPeerFailed for conditions that should rotate to the next candidate
// and any other error for round-fatal conditions.
func (e *Engine) syncWithPeer(ctx context.Context, peer types.NodeID) error {
	anchor, err := e.tipHeight()
	if err != nil {
		return err
	}
	fromHeaders, err := e.localHeaderWindow(anchor)
	if err != nil {
		return err
	}

	progressed := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		headers, err := e.client.FetchHeadersBetween(ctx, peer, headerHashes(fromHeaders), maxHeadersPerRequest)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: header request: %v", errPeerFailed, err)
		}
		headers = e.trimKnownHeaders(headers)
		if len(headers) == 0 {
			if progressed {
				// Caught up with this peer.
				return nil
			}
			return fmt.Errorf("%w: empty header response", errPeerFailed)
		}

		reanchored, err := e.checkContinuity(headers, fromHeaders)
		if err != nil {
			return err
		}
		if reanchored != nil {
			// The fork point lies below the window we sent; widen and ask
			// the same peer again.
			fromHeaders = reanchored
			continue
		}

		if err := e.applyHeaderBatch(ctx, peer, headers); err != nil {
			return err
		}
		progressed = true

		tip, err := e.tipHeight()
		if err != nil {
			return err
		}
		fromHeaders, err = e.localHeaderWindow(tip)
		if err != nil {
			return err
		}
	}
}

// checkContinuity performs the continuity check on a freshly received
// batch. A nil, nil return means the batch connects and can be applied.
// A non-nil header window means the request must be retried with that
// window (the genesis re-anchor special case). Peer and storage failures
// surface as errors.
func (e *Engine) checkContinuity(headers, fromHeaders []*types.Header) ([]*types.Header, error) {
	parent, err := e.store.HeaderByHash(headers[0].PrevHash)
	if errors.Is(err, store.ErrHeaderNotFound) {
		// The peer built on a chain we know nothing about.
		return nil, fmt.Errorf("%w: unknown parent %X", errPeerFailed, headers[0].PrevHash)
	} else if err != nil {
		return nil, err
	}

	tip, err := e.store.TipHeader()
	if err != nil {
		return nil, err
	}
	if bytes.Equal(parent.Hash(), tip.Hash()) {
		return nil, nil
	}

	// A chain split at the ancestor's height. When the reported ancestor
	// is genesis but our window never reached down to height 1, the real
	// fork point may simply lie below the window; re-anchor at the oldest
	// header we sent and retry before trusting the peer's claim.
	oldest := fromHeaders[len(fromHeaders)-1]
	if parent.Height == 0 && oldest.Height > 1 {
		e.logger.Debug("peer reports genesis ancestor, re-anchoring header window",
			"oldest_sent", oldest.Height)
		return e.localHeaderWindow(oldest.Height)
	}

	e.logger.Info("chain split detected",
		"split_height", parent.Height,
		"local_tip", tip.Height)
	return nil, nil
}

// applyHeaderBatch fetches and applies the blocks for an accepted header
// batch in fixed-size windows.
func (e *Engine) applyHeaderBatch(ctx context.Context, peer types.NodeID, headers []*types.Header) error {
	for start := 0; start < len(headers); start += blockWindowSize {
		end := start + blockWindowSize
		if end > len(headers) {
			end = len(headers)
		}
		if err := e.syncBlockWindow(ctx, peer, headers[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// syncBlockWindow requests the blocks for one window of headers and
// applies them transactionally. A storage validation failure re-requests
// the whole window, up to the retry bound; peer delivery failures abort
// with errPeerFailed so the caller can rotate peers.
func (e *Engine) syncBlockWindow(ctx context.Context, peer types.NodeID, window []*types.Header) error {
	hashes := headerHashes(window)

	return e.applyRetry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			e.logger.Info("re-requesting block window after validation failure",
				"peer", peer, "height", window[0].Height, "attempt", attempt)
		}

		blocks, err := e.client.FetchBlocks(ctx, peer, hashes)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: block request: %v", errPeerFailed, err)
		}
		if len(blocks) != len(hashes) {
			return fmt.Errorf("%w: expected %d blocks, got %d", errPeerFailed, len(hashes), len(blocks))
		}

		for i, block := range blocks {
			if !bytes.Equal(block.Hash(), hashes[i]) {
				return fmt.Errorf("%w: block %d hash mismatch", errPeerFailed, i)
			}
		}
		for _, block := range blocks {
			if err := e.store.AddBlock(block); err != nil {
				return err
			}
			e.logger.Debug("block applied", "height", block.Header.Height, "hash", block.Hash())
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, store.ErrBlockValidation)
	})
}

// trimKnownHeaders drops leading headers we already store on our best
// chain; peers may overlap their response with the locator window.
func (e *Engine) trimKnownHeaders(headers []*types.Header) []*types.Header {
	i := 0
	for ; i < len(headers); i++ {
		local, err := e.store.Header(headers[i].Height)
		if err != nil || !bytes.Equal(local.Hash(), headers[i].Hash()) {
			break
		}
	}
	return headers[i:]
}

func (e *Engine) tipHeight() (uint64, error) {
	tip, err := e.store.TipHeader()
	if err != nil {
		return 0, err
	}
	return tip.Height, nil
}

// localHeaderWindow returns up to headerLocatorWindow local headers
// descending from the anchor height.
func (e *Engine) localHeaderWindow(anchor uint64) ([]*types.Header, error) {
	window := make([]*types.Header, 0, headerLocatorWindow)
	height := anchor
	for len(window) < headerLocatorWindow {
		header, err := e.store.Header(height)
		if err != nil {
			return nil, err
		}
		window = append(window, header)
		if height == 0 {
			break
		}
		height--
	}
	return window, nil
}

func headerHashes(headers []*types.Header) [][]byte {
	hashes := make([][]byte, len(headers))
	for i, header := range headers {
		hashes[i] = header.Hash()
	}
	return hashes
}
