package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/massif-org/massif/crypto/mmr"
	"github.com/massif-org/massif/types"
)

// Key prefixes. Heights and indexes are orderedcode-encoded so iteration
// order matches chain order.
const (
	prefixHeader     = int64(0)
	prefixBlockHash  = int64(1)
	prefixKernel     = int64(2)
	prefixUTXO       = int64(3)
	prefixMMRLeaves  = int64(4)
	prefixMMRDeleted = int64(5)
	prefixTip        = int64(6)
)

// ChainStore is the default Store implementation over a tm-db backend.
// Headers are keyed by height with a hash index alongside; kernel and
// output bodies are keyed by their accumulator leaf hash; each tree's
// base state is stored as the leaf-hash list plus a marshaled deletion
// bitmap. Stored values are msgpack-encoded.
//
// The handle may be shared with other node services; every mutation goes
// through a single synchronous batch write.
type ChainStore struct {
	mtx sync.RWMutex
	db  dbm.DB
}

var _ Store = (*ChainStore)(nil)

// NewChainStore returns a ChainStore over the given database.
func NewChainStore(db dbm.DB) *ChainStore {
	return &ChainStore{db: db}
}

func (cs *ChainStore) TipHeader() (*types.Header, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.tipHeader()
}

func (cs *ChainStore) tipHeader() (*types.Header, error) {
	raw, err := cs.db.Get(tipKey())
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrHeaderNotFound
	}
	return cs.header(binary.BigEndian.Uint64(raw))
}

func (cs *ChainStore) Header(height uint64) (*types.Header, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.header(height)
}

func (cs *ChainStore) header(height uint64) (*types.Header, error) {
	raw, err := cs.db.Get(headerKey(height))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrHeaderNotFound
	}
	header := new(types.Header)
	if err := msgpack.Unmarshal(raw, header); err != nil {
		return nil, fmt.Errorf("corrupt header at height %d: %w", height, err)
	}
	return header, nil
}

func (cs *ChainStore) HeaderByHash(hash []byte) (*types.Header, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.headerByHash(hash)
}

func (cs *ChainStore) headerByHash(hash []byte) (*types.Header, error) {
	raw, err := cs.db.Get(blockHashKey(hash))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrHeaderNotFound
	}
	header, err := cs.header(binary.BigEndian.Uint64(raw))
	if err != nil {
		return nil, err
	}
	// The index may be stale after a rewind.
	if !bytes.Equal(header.Hash(), hash) {
		return nil, ErrHeaderNotFound
	}
	return header, nil
}

func (cs *ChainStore) AddBlock(block *types.HistoricalBlock) error {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if block == nil {
		return fmt.Errorf("%w: nil block", ErrBlockValidation)
	}
	if err := block.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrBlockValidation, err)
	}

	tip, err := cs.tipHeader()
	switch {
	case err == ErrHeaderNotFound:
		if block.Header.Height != 0 {
			return fmt.Errorf("%w: first block must have height 0, got %d",
				ErrBlockValidation, block.Header.Height)
		}
	case err != nil:
		return err
	case bytes.Equal(block.Header.PrevHash, tip.Hash()):
		if block.Header.Height != tip.Height+1 {
			return fmt.Errorf("%w: expected height %d, got %d",
				ErrBlockValidation, tip.Height+1, block.Header.Height)
		}
	default:
		// The block extends a stored header that is not the tip: a chain
		// split. Rewind to the ancestor before appending.
		parent, err := cs.headerByHash(block.Header.PrevHash)
		if err == ErrHeaderNotFound {
			return fmt.Errorf("%w: unknown parent %X", ErrBlockValidation, block.Header.PrevHash)
		} else if err != nil {
			return err
		}
		if block.Header.Height != parent.Height+1 {
			return fmt.Errorf("%w: expected height %d, got %d",
				ErrBlockValidation, parent.Height+1, block.Header.Height)
		}
		if err := cs.rewindAbove(parent.Height, tip.Height); err != nil {
			return err
		}
	}

	batch := cs.db.NewBatch()
	defer batch.Close()

	if err := setHeader(batch, &block.Header); err != nil {
		return err
	}
	for _, kernel := range block.Kernels {
		if err := setKernel(batch, kernel); err != nil {
			return err
		}
	}
	for _, output := range block.Outputs {
		if err := setUTXO(batch, output); err != nil {
			return err
		}
	}
	if err := setTip(batch, block.Header.Height); err != nil {
		return err
	}
	return batch.WriteSync()
}

func (cs *ChainStore) rewindAbove(ancestorHeight, tipHeight uint64) error {
	batch := cs.db.NewBatch()
	defer batch.Close()

	for height := ancestorHeight + 1; height <= tipHeight; height++ {
		header, err := cs.header(height)
		if err == ErrHeaderNotFound {
			continue
		} else if err != nil {
			return err
		}
		if err := batch.Delete(blockHashKey(header.Hash())); err != nil {
			return err
		}
		if err := batch.Delete(headerKey(height)); err != nil {
			return err
		}
	}
	if err := setTip(batch, ancestorHeight); err != nil {
		return err
	}
	return batch.WriteSync()
}

func (cs *ChainStore) NewBatch() Batch {
	return &chainBatch{store: cs, batch: cs.db.NewBatch()}
}

func (cs *ChainStore) MMRBaseLeafCount(tree types.MMRTree) (uint64, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()

	state, err := cs.mmrState(tree)
	if err != nil {
		return 0, err
	}
	return uint64(len(state.LeafHashes)), nil
}

func (cs *ChainStore) MMRBaseLeafNodes(tree types.MMRTree, start, count uint64) (*MMRState, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()

	state, err := cs.mmrState(tree)
	if err != nil {
		return nil, err
	}
	total := uint64(len(state.LeafHashes))
	if start >= total {
		return &MMRState{Deleted: state.Deleted}, nil
	}
	end := start + count
	if end > total {
		end = total
	}
	return &MMRState{
		LeafHashes: state.LeafHashes[start:end],
		Deleted:    state.Deleted,
	}, nil
}

func (cs *ChainStore) AssignMMR(tree types.MMRTree, state *MMRState) error {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	batch := cs.db.NewBatch()
	defer batch.Close()

	rawLeaves, err := msgpack.Marshal(state.LeafHashes)
	if err != nil {
		return err
	}
	if err := batch.Set(mmrLeavesKey(tree), rawLeaves); err != nil {
		return err
	}
	deleted := state.Deleted
	if deleted == nil {
		deleted = bitset.New(0)
	}
	rawBitmap, err := deleted.MarshalBinary()
	if err != nil {
		return err
	}
	if err := batch.Set(mmrDeletedKey(tree), rawBitmap); err != nil {
		return err
	}
	return batch.WriteSync()
}

func (cs *ChainStore) mmrState(tree types.MMRTree) (*MMRState, error) {
	rawLeaves, err := cs.db.Get(mmrLeavesKey(tree))
	if err != nil {
		return nil, err
	}
	var leaves [][]byte
	if len(rawLeaves) > 0 {
		if err := msgpack.Unmarshal(rawLeaves, &leaves); err != nil {
			return nil, fmt.Errorf("corrupt %v leaf set: %w", tree, err)
		}
	}

	deleted := bitset.New(0)
	rawBitmap, err := cs.db.Get(mmrDeletedKey(tree))
	if err != nil {
		return nil, err
	}
	if len(rawBitmap) > 0 {
		if err := deleted.UnmarshalBinary(rawBitmap); err != nil {
			return nil, fmt.Errorf("corrupt %v deletion bitmap: %w", tree, err)
		}
	}
	return &MMRState{LeafHashes: leaves, Deleted: deleted}, nil
}

func (cs *ChainStore) ValidateHorizonState(horizonHeight uint64) error {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()

	header, err := cs.header(horizonHeight)
	if err != nil {
		return err
	}

	expected := map[types.MMRTree][]byte{
		types.KernelTree:     header.KernelRoot,
		types.RangeProofTree: header.RangeProofRoot,
		types.OutputTree:     header.OutputRoot,
	}
	for _, tree := range types.AllMMRTrees {
		state, err := cs.mmrState(tree)
		if err != nil {
			return err
		}
		root := mmr.NewFromLeafHashes(state.LeafHashes).Root()
		if !bytes.Equal(root, expected[tree]) {
			return fmt.Errorf("%w: %v root %X, header commits to %X",
				ErrHorizonStateInvalid, tree, root, expected[tree])
		}
	}
	return nil
}

// chainBatch accumulates inserts and applies them in one synchronous
// write. Header inserts advance the tip to the highest inserted height.
type chainBatch struct {
	store     *ChainStore
	batch     dbm.Batch
	maxHeight uint64
	hasHeader bool
	err       error
}

func (b *chainBatch) InsertHeader(header *types.Header) {
	if b.err != nil {
		return
	}
	b.err = setHeader(b.batch, header)
	if !b.hasHeader || header.Height > b.maxHeight {
		b.maxHeight = header.Height
		b.hasHeader = true
	}
}

func (b *chainBatch) InsertKernel(kernel types.Kernel) {
	if b.err != nil {
		return
	}
	b.err = setKernel(b.batch, kernel)
}

func (b *chainBatch) InsertUTXO(output types.Output) {
	if b.err != nil {
		return
	}
	b.err = setUTXO(b.batch, output)
}

func (b *chainBatch) Commit() error {
	defer b.batch.Close()
	if b.err != nil {
		return b.err
	}

	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()

	if b.hasHeader {
		tip, err := b.store.tipHeader()
		if err != nil && err != ErrHeaderNotFound {
			return err
		}
		if err == ErrHeaderNotFound || b.maxHeight > tip.Height {
			if err := setTip(b.batch, b.maxHeight); err != nil {
				return err
			}
		}
	}
	return b.batch.WriteSync()
}

func setHeader(batch dbm.Batch, header *types.Header) error {
	raw, err := msgpack.Marshal(header)
	if err != nil {
		return err
	}
	if err := batch.Set(headerKey(header.Height), raw); err != nil {
		return err
	}
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], header.Height)
	return batch.Set(blockHashKey(header.Hash()), heightBuf[:])
}

func setKernel(batch dbm.Batch, kernel types.Kernel) error {
	raw, err := msgpack.Marshal(kernel)
	if err != nil {
		return err
	}
	return batch.Set(kernelKey(kernel.Hash()), raw)
}

func setUTXO(batch dbm.Batch, output types.Output) error {
	raw, err := msgpack.Marshal(output)
	if err != nil {
		return err
	}
	return batch.Set(utxoKey(output.Hash()), raw)
}

func setTip(batch dbm.Batch, height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return batch.Set(tipKey(), buf[:])
}

// Kernel returns the stored kernel with the given leaf hash, if any.
func (cs *ChainStore) Kernel(hash []byte) (*types.Kernel, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()

	raw, err := cs.db.Get(kernelKey(hash))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("kernel %X not found", hash)
	}
	kernel := new(types.Kernel)
	if err := msgpack.Unmarshal(raw, kernel); err != nil {
		return nil, err
	}
	return kernel, nil
}

// UTXO returns the stored output with the given leaf hash, if any.
func (cs *ChainStore) UTXO(hash []byte) (*types.Output, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()

	raw, err := cs.db.Get(utxoKey(hash))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("utxo %X not found", hash)
	}
	output := new(types.Output)
	if err := msgpack.Unmarshal(raw, output); err != nil {
		return nil, err
	}
	return output, nil
}

func headerKey(height uint64) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, int64(height))
	if err != nil {
		panic(err)
	}
	return key
}

func blockHashKey(hash []byte) []byte {
	key, err := orderedcode.Append(nil, prefixBlockHash, string(hash))
	if err != nil {
		panic(err)
	}
	return key
}

func kernelKey(hash []byte) []byte {
	key, err := orderedcode.Append(nil, prefixKernel, string(hash))
	if err != nil {
		panic(err)
	}
	return key
}

func utxoKey(hash []byte) []byte {
	key, err := orderedcode.Append(nil, prefixUTXO, string(hash))
	if err != nil {
		panic(err)
	}
	return key
}

func mmrLeavesKey(tree types.MMRTree) []byte {
	key, err := orderedcode.Append(nil, prefixMMRLeaves, int64(tree))
	if err != nil {
		panic(err)
	}
	return key
}

func mmrDeletedKey(tree types.MMRTree) []byte {
	key, err := orderedcode.Append(nil, prefixMMRDeleted, int64(tree))
	if err != nil {
		panic(err)
	}
	return key
}

func tipKey() []byte {
	key, err := orderedcode.Append(nil, prefixTip)
	if err != nil {
		panic(err)
	}
	return key
}
