package horizonsync

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/massif-org/massif/internal/chainsync"
	"github.com/massif-org/massif/libs/log"
	"github.com/massif-org/massif/store"
	"github.com/massif-org/massif/types"
)

// Config governs the pagination of every bulk transfer. The four chunk
// sizes are independent because the four payloads differ wildly in size.
type Config struct {
	LeafNodesChunkSize uint64
	HeadersChunkSize   uint64
	KernelsChunkSize   uint64
	UTXOsChunkSize     uint64
}

// DefaultConfig returns the default chunk sizes.
func DefaultConfig() Config {
	return Config{
		LeafNodesChunkSize: 1000,
		HeadersChunkSize:   250,
		KernelsChunkSize:   1000,
		UTXOsChunkSize:     500,
	}
}

// ValidateBasic performs basic validation, returning an error on any
// chunk size the engine cannot paginate with.
func (cfg Config) ValidateBasic() error {
	for _, size := range []struct {
		name  string
		value uint64
	}{
		{"leaf nodes", cfg.LeafNodesChunkSize},
		{"headers", cfg.HeadersChunkSize},
		{"kernels", cfg.KernelsChunkSize},
		{"utxos", cfg.UTXOsChunkSize},
	} {
		if size.value == 0 {
			return fmt.Errorf("%s chunk size must be greater than zero", size.name)
		}
	}
	return nil
}

// Engine bulk-downloads and reconstructs a pruned chain state up to a
// target horizon height: accumulator base states first, then headers,
// kernel bodies, and unspent outputs, with a final root cross-check.
// Stages run strictly in order; the first failing stage aborts the round
// with no cross-stage retry.
type Engine struct {
	logger log.Logger
	client chainsync.Client
	store  store.Store
	cfg    Config
}

// NewEngine wires a horizon sync engine.
func NewEngine(logger log.Logger, client chainsync.Client, st store.Store, cfg Config) (*Engine, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid horizon sync config: %w", err)
	}
	return &Engine{
		logger: logger,
		client: client,
		store:  st,
		cfg:    cfg,
	}, nil
}

// Synchronize runs one horizon sync round against a single peer drawn
// from the selector. Any error is fatal for the round and is tagged with
// the stage it occurred in.
func (e *Engine) Synchronize(ctx context.Context, selector *chainsync.PeerSelector, horizonHeight uint64) error {
	peer, ok := selector.Next()
	if !ok {
		return &chainsync.StageError{Stage: chainsync.StageMMRState, Err: chainsync.ErrNoMoreSyncPeers}
	}
	e.logger.Info("starting horizon sync", "peer", peer, "horizon_height", horizonHeight)

	if err := e.syncMMRBaseStates(ctx, peer); err != nil {
		return &chainsync.StageError{Stage: chainsync.StageMMRState, Err: err}
	}
	if err := e.syncHeaders(ctx, peer, horizonHeight); err != nil {
		return &chainsync.StageError{Stage: chainsync.StageHeaders, Err: err}
	}
	if err := e.syncKernels(ctx, peer); err != nil {
		return &chainsync.StageError{Stage: chainsync.StageKernels, Err: err}
	}
	if err := e.syncUTXOs(ctx, peer); err != nil {
		return &chainsync.StageError{Stage: chainsync.StageUTXOs, Err: err}
	}
	if err := e.store.ValidateHorizonState(horizonHeight); err != nil {
		return &chainsync.StageError{Stage: chainsync.StageValidation, Err: err}
	}

	e.logger.Info("horizon state adopted", "horizon_height", horizonHeight)
	return nil
}

// syncMMRBaseStates downloads the leaf set of each accumulator tree and
// assigns it as the tree's new base state. The stopping bound of each
// loop is the total leaf count reported by the most recent response, so
// a tree with n leaves costs ceil(n/chunk) requests.
func (e *Engine) syncMMRBaseStates(ctx context.Context, peer types.NodeID) error {
	for _, tree := range types.AllMMRTrees {
		var (
			leaves  [][]byte
			deleted = bitset.New(0)
			offset  uint64
		)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk, err := e.client.FetchMMRState(ctx, peer, tree, offset, e.cfg.LeafNodesChunkSize)
			if err != nil {
				return fmt.Errorf("%v leaf nodes at offset %d: %w", tree, offset, err)
			}
			leaves = append(leaves, chunk.LeafHashes...)
			if chunk.Deleted != nil {
				deleted.InPlaceUnion(chunk.Deleted)
			}

			offset += e.cfg.LeafNodesChunkSize
			if offset >= chunk.TotalLeafCount {
				if uint64(len(leaves)) != chunk.TotalLeafCount {
					return fmt.Errorf("%v leaf set incomplete: got %d of %d",
						tree, len(leaves), chunk.TotalLeafCount)
				}
				break
			}
		}

		if err := e.store.AssignMMR(tree, &store.MMRState{LeafHashes: leaves, Deleted: deleted}); err != nil {
			return fmt.Errorf("assign %v base state: %w", tree, err)
		}
		e.logger.Debug("assigned accumulator base state", "tree", tree.String(), "leaves", len(leaves))
	}
	return nil
}

// syncHeaders downloads headers 0..=horizonHeight, one storage
// transaction per chunk.
func (e *Engine) syncHeaders(ctx context.Context, peer types.NodeID, horizonHeight uint64) error {
	for start := uint64(0); start <= horizonHeight; start += e.cfg.HeadersChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + e.cfg.HeadersChunkSize - 1
		if end > horizonHeight {
			end = horizonHeight
		}
		heights := make([]uint64, 0, end-start+1)
		for h := start; h <= end; h++ {
			heights = append(heights, h)
		}

		headers, err := e.client.FetchHeaders(ctx, peer, heights)
		if err != nil {
			return fmt.Errorf("headers %d..%d: %w", start, end, err)
		}
		if len(headers) != len(heights) {
			return fmt.Errorf("headers %d..%d: expected %d, got %d", start, end, len(heights), len(headers))
		}

		batch := e.store.NewBatch()
		for _, header := range headers {
			batch.InsertHeader(header)
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("commit headers %d..%d: %w", start, end, err)
		}
		e.logger.Debug("headers synchronized", "from", start, "to", end)
	}
	return nil
}

// syncKernels reads back the full kernel leaf-hash list just assigned
// and downloads the kernel bodies in chunks, checking each body against
// the leaf hash that requested it.
func (e *Engine) syncKernels(ctx context.Context, peer types.NodeID) error {
	total, err := e.store.MMRBaseLeafCount(types.KernelTree)
	if err != nil {
		return err
	}
	state, err := e.store.MMRBaseLeafNodes(types.KernelTree, 0, total)
	if err != nil {
		return err
	}

	hashes := state.LeafHashes
	for start := uint64(0); start < uint64(len(hashes)); start += e.cfg.KernelsChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + e.cfg.KernelsChunkSize
		if end > uint64(len(hashes)) {
			end = uint64(len(hashes))
		}
		chunk := hashes[start:end]

		kernels, err := e.client.FetchKernels(ctx, peer, chunk)
		if err != nil {
			return fmt.Errorf("kernels at offset %d: %w", start, err)
		}
		if len(kernels) != len(chunk) {
			return fmt.Errorf("kernels at offset %d: expected %d, got %d", start, len(chunk), len(kernels))
		}

		batch := e.store.NewBatch()
		for i, kernel := range kernels {
			if !bytes.Equal(kernel.Hash(), chunk[i]) {
				return fmt.Errorf("kernel %d does not hash to its leaf %X", start+uint64(i), chunk[i])
			}
			batch.InsertKernel(kernel)
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("commit kernels at offset %d: %w", start, err)
		}
	}
	e.logger.Debug("kernels synchronized", "count", len(hashes))
	return nil
}

// syncUTXOs walks the output leaf-hash list chunk by chunk, skipping
// every leaf the deletion bitmap marks spent, and downloads the
// remaining outputs.
func (e *Engine) syncUTXOs(ctx context.Context, peer types.NodeID) error {
	total, err := e.store.MMRBaseLeafCount(types.OutputTree)
	if err != nil {
		return err
	}

	var fetched int
	for offset := uint64(0); offset < total; offset += e.cfg.UTXOsChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := e.store.MMRBaseLeafNodes(types.OutputTree, offset, e.cfg.UTXOsChunkSize)
		if err != nil {
			return err
		}

		// Spent outputs are never fetched.
		unspent := make([][]byte, 0, len(state.LeafHashes))
		for i, hash := range state.LeafHashes {
			if state.Deleted != nil && state.Deleted.Test(uint(offset + uint64(i))) {
				continue
			}
			unspent = append(unspent, hash)
		}
		if len(unspent) == 0 {
			continue
		}

		outputs, err := e.client.FetchUTXOs(ctx, peer, unspent)
		if err != nil {
			return fmt.Errorf("utxos at offset %d: %w", offset, err)
		}
		if len(outputs) != len(unspent) {
			return fmt.Errorf("utxos at offset %d: expected %d, got %d", offset, len(unspent), len(outputs))
		}

		batch := e.store.NewBatch()
		for i, output := range outputs {
			if !bytes.Equal(output.Hash(), unspent[i]) {
				return fmt.Errorf("utxo does not hash to its leaf %X", unspent[i])
			}
			batch.InsertUTXO(output)
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("commit utxos at offset %d: %w", offset, err)
		}
		fetched += len(outputs)
	}
	e.logger.Debug("utxos synchronized", "fetched", fetched, "leaves", total)
	return nil
}
