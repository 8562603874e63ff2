package blocksync

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/massif-org/massif/crypto/mmr"
	"github.com/massif-org/massif/internal/chainsync"
	"github.com/massif-org/massif/libs/log"
	"github.com/massif-org/massif/store"
	"github.com/massif-org/massif/types"
)

// fakeClient stubs the network contract with function fields. Unassigned
// methods panic through the embedded nil interface.
type fakeClient struct {
	chainsync.Client

	fetchHeadersBetween func(ctx context.Context, peer types.NodeID, locator [][]byte, limit uint64) ([]*types.Header, error)
	fetchBlocks         func(ctx context.Context, peer types.NodeID, hashes [][]byte) ([]*types.HistoricalBlock, error)
}

func (c *fakeClient) FetchHeadersBetween(ctx context.Context, peer types.NodeID, locator [][]byte, limit uint64) ([]*types.Header, error) {
	return c.fetchHeadersBetween(ctx, peer, locator, limit)
}

func (c *fakeClient) FetchBlocks(ctx context.Context, peer types.NodeID, hashes [][]byte) ([]*types.HistoricalBlock, error) {
	return c.fetchBlocks(ctx, peer, hashes)
}

func makeBlock(height uint64, prevHash []byte, nonce uint64) *types.HistoricalBlock {
	kernel := types.Kernel{
		Fee:       height * 10,
		Excess:    []byte{byte(height), 1},
		Signature: []byte{byte(height), 2},
	}
	output := types.Output{
		Commitment: []byte{byte(height), 3},
		RangeProof: []byte{byte(height), 4},
	}

	kernelMMR := mmr.New()
	kernelMMR.PushLeafHash(kernel.Hash())
	outputMMR := mmr.New()
	outputMMR.PushLeafHash(output.Hash())

	return &types.HistoricalBlock{
		Header: types.Header{
			Height:          height,
			PrevHash:        prevHash,
			Timestamp:       height * 60,
			KernelRoot:      kernelMMR.Root(),
			OutputRoot:      outputMMR.Root(),
			RangeProofRoot:  outputMMR.Root(),
			TotalDifficulty: height * 100,
			Nonce:           nonce,
		},
		Kernels: []types.Kernel{kernel},
		Outputs: []types.Output{output},
	}
}

// buildChain returns blocks 0..n-1 linked by hash. Heights present in
// nonces get that nonce, which forks the chain from there on.
func buildChain(n int, nonces map[uint64]uint64) []*types.HistoricalBlock {
	blocks := make([]*types.HistoricalBlock, 0, n)
	var prevHash []byte
	for height := 0; height < n; height++ {
		block := makeBlock(uint64(height), prevHash, nonces[uint64(height)])
		prevHash = block.Hash()
		blocks = append(blocks, block)
	}
	return blocks
}

func seedStore(t *testing.T, cs *store.ChainStore, blocks []*types.HistoricalBlock) {
	t.Helper()
	for _, block := range blocks {
		require.NoError(t, cs.AddBlock(block))
	}
}

// peerChain answers header and block requests the way a well-behaved peer
// would: headers resume after the newest locator hash it recognizes, with
// overlap extra known headers repeated in front.
type peerChain struct {
	blocks  []*types.HistoricalBlock
	byHash  map[string]int
	overlap int
}

func newPeerChain(blocks []*types.HistoricalBlock) *peerChain {
	byHash := make(map[string]int, len(blocks))
	for i, block := range blocks {
		byHash[string(block.Hash())] = i
	}
	return &peerChain{blocks: blocks, byHash: byHash}
}

func (pc *peerChain) headersBetween(locator [][]byte, limit uint64) []*types.Header {
	start := 1 // no common block found: assume only genesis is shared
	for _, hash := range locator {
		if i, ok := pc.byHash[string(hash)]; ok {
			start = i + 1 - pc.overlap
			if start < 0 {
				start = 0
			}
			break
		}
	}
	end := start + int(limit)
	if end > len(pc.blocks) {
		end = len(pc.blocks)
	}
	headers := make([]*types.Header, 0, end-start)
	for _, block := range pc.blocks[start:end] {
		header := block.Header
		headers = append(headers, &header)
	}
	return headers
}

func (pc *peerChain) blocksByHash(hashes [][]byte) ([]*types.HistoricalBlock, error) {
	blocks := make([]*types.HistoricalBlock, 0, len(hashes))
	for _, hash := range hashes {
		i, ok := pc.byHash[string(hash)]
		if !ok {
			return nil, errors.New("unknown block hash")
		}
		blocks = append(blocks, pc.blocks[i])
	}
	return blocks, nil
}

func (pc *peerChain) client(headerCalls *[][][]byte, blockCalls *[][][]byte) *fakeClient {
	return &fakeClient{
		fetchHeadersBetween: func(_ context.Context, _ types.NodeID, locator [][]byte, limit uint64) ([]*types.Header, error) {
			if headerCalls != nil {
				*headerCalls = append(*headerCalls, locator)
			}
			return pc.headersBetween(locator, limit), nil
		},
		fetchBlocks: func(_ context.Context, _ types.NodeID, hashes [][]byte) ([]*types.HistoricalBlock, error) {
			if blockCalls != nil {
				*blockCalls = append(*blockCalls, hashes)
			}
			return pc.blocksByHash(hashes)
		},
	}
}

func singlePeer(id types.NodeID) *chainsync.PeerSelector {
	return chainsync.NewPeerSelector([]types.NodeID{id}, rand.New(rand.NewSource(1)))
}

// A peer overlapping its header response with the locator window must not
// be mistaken for a fork: the known prefix is dropped and the remainder
// applies onto the tip.
func TestEngineOverlappingHeaderResponse(t *testing.T) {
	chain := buildChain(16, nil) // heights 0..15
	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, chain[:11]) // local tip at height 10

	pc := newPeerChain(chain)
	pc.overlap = 5 // respond from height 6 when the tip matches at 10

	var headerCalls, blockCalls [][][]byte
	engine := NewEngine(log.TestingLogger(t), pc.client(&headerCalls, &blockCalls), cs)

	require.NoError(t, engine.Synchronize(context.Background(), singlePeer("a")))

	tip, err := cs.TipHeader()
	require.NoError(t, err)
	assert.EqualValues(t, 15, tip.Height)
	assert.Equal(t, chain[15].Hash(), tip.Hash())

	// One window of exactly the five new blocks, nothing re-fetched.
	require.Len(t, blockCalls, 1)
	require.Len(t, blockCalls[0], 5)
	assert.Equal(t, []byte(chain[11].Hash()), blockCalls[0][0])
	assert.Len(t, headerCalls, 2)
}

func TestEngineReorg(t *testing.T) {
	canonical := buildChain(9, nil)                          // heights 0..8
	fork := buildChain(7, map[uint64]uint64{3: 42})          // shares 0..2, diverges at 3
	require.Equal(t, canonical[2].Hash(), fork[2].Hash())    // common ancestor
	require.NotEqual(t, canonical[3].Hash(), fork[3].Hash()) // split

	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, fork)

	pc := newPeerChain(canonical)
	engine := NewEngine(log.TestingLogger(t), pc.client(nil, nil), cs)

	require.NoError(t, engine.Synchronize(context.Background(), singlePeer("a")))

	tip, err := cs.TipHeader()
	require.NoError(t, err)
	assert.EqualValues(t, 8, tip.Height)
	assert.Equal(t, canonical[8].Hash(), tip.Hash())

	// The abandoned branch is gone from the hash index.
	_, err = cs.HeaderByHash(fork[6].Hash())
	assert.ErrorIs(t, err, store.ErrHeaderNotFound)
	for height := 3; height <= 8; height++ {
		header, err := cs.Header(uint64(height))
		require.NoError(t, err)
		assert.Equal(t, canonical[height].Hash(), header.Hash())
	}
}

// When a peer reports a genesis ancestor but the locator window never
// reached low enough to prove it, the window is widened and the request
// retried before the claim is trusted.
func TestEngineGenesisReanchor(t *testing.T) {
	local := buildChain(201, nil)                      // heights 0..200
	peer := buildChain(4, map[uint64]uint64{1: 42})    // genesis plus a 3-block fork
	require.Equal(t, local[0].Hash(), peer[0].Hash())  // shared genesis
	require.NotEqual(t, local[1].Hash(), peer[1].Hash())

	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, local)

	pc := newPeerChain(peer)

	var headerCalls [][][]byte
	engine := NewEngine(log.TestingLogger(t), pc.client(&headerCalls, nil), cs)

	require.NoError(t, engine.Synchronize(context.Background(), singlePeer("a")))

	tip, err := cs.TipHeader()
	require.NoError(t, err)
	assert.EqualValues(t, 3, tip.Height)
	assert.Equal(t, peer[3].Hash(), tip.Hash())

	// First window stopped well above genesis, the re-anchored one
	// reached all the way down, and the third confirmed the new tip.
	require.Len(t, headerCalls, 3)
	assert.Len(t, headerCalls[0], 128)
	oldest := headerCalls[1][len(headerCalls[1])-1]
	assert.Equal(t, []byte(local[0].Hash()), oldest)
}

func TestEngineRotatesOnPeerFailure(t *testing.T) {
	chain := buildChain(8, nil)
	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, chain[:3])

	pc := newPeerChain(chain)
	good := pc.client(nil, nil)

	var failed []types.NodeID
	client := &fakeClient{
		fetchHeadersBetween: func(ctx context.Context, peer types.NodeID, locator [][]byte, limit uint64) ([]*types.Header, error) {
			if peer == "flaky" {
				failed = append(failed, peer)
				return nil, errors.New("connection reset")
			}
			return good.fetchHeadersBetween(ctx, peer, locator, limit)
		},
		fetchBlocks: good.fetchBlocks,
	}

	engine := NewEngine(log.TestingLogger(t), client, cs)
	selector := chainsync.NewPeerSelector(
		[]types.NodeID{"flaky", "steady"}, rand.New(rand.NewSource(1)))

	require.NoError(t, engine.Synchronize(context.Background(), selector))

	tip, err := cs.TipHeader()
	require.NoError(t, err)
	assert.Equal(t, chain[7].Hash(), tip.Hash())
	// The flaky peer is consulted at most once per round.
	assert.LessOrEqual(t, len(failed), 1)
}

func TestEnginePeerExhaustion(t *testing.T) {
	chain := buildChain(3, nil)
	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, chain)

	client := &fakeClient{
		fetchHeadersBetween: func(context.Context, types.NodeID, [][]byte, uint64) ([]*types.Header, error) {
			return nil, errors.New("connection reset")
		},
	}

	engine := NewEngine(log.TestingLogger(t), client, cs)
	selector := chainsync.NewPeerSelector(
		[]types.NodeID{"a", "b", "c"}, rand.New(rand.NewSource(1)))

	err := engine.Synchronize(context.Background(), selector)
	require.ErrorIs(t, err, chainsync.ErrNoMoreSyncPeers)
	assert.Equal(t, chainsync.StageBlockSync, chainsync.StageOf(err, ""))
	assert.Zero(t, selector.Len())
}

func TestEngineBlockHashMismatch(t *testing.T) {
	chain := buildChain(8, nil)
	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, chain[:3])

	pc := newPeerChain(chain)
	client := pc.client(nil, nil)
	client.fetchBlocks = func(_ context.Context, _ types.NodeID, hashes [][]byte) ([]*types.HistoricalBlock, error) {
		blocks, err := pc.blocksByHash(hashes)
		if err != nil {
			return nil, err
		}
		blocks[0], blocks[len(blocks)-1] = blocks[len(blocks)-1], blocks[0]
		return blocks, nil
	}

	engine := NewEngine(log.TestingLogger(t), client, cs)
	err := engine.Synchronize(context.Background(), singlePeer("a"))
	require.ErrorIs(t, err, chainsync.ErrNoMoreSyncPeers)
}

// retryStore fails AddBlock with a validation error a fixed number of
// times before delegating.
type retryStore struct {
	store.Store

	failures int
	calls    int
}

func (s *retryStore) AddBlock(block *types.HistoricalBlock) error {
	s.calls++
	if s.calls <= s.failures {
		return store.ErrBlockValidation
	}
	return s.Store.AddBlock(block)
}

func TestEngineRetriesBlockWindowOnValidationFailure(t *testing.T) {
	chain := buildChain(6, nil)
	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, chain[:3])

	rs := &retryStore{Store: cs, failures: 2}

	var blockCalls [][][]byte
	pc := newPeerChain(chain)
	engine := NewEngine(log.TestingLogger(t), pc.client(nil, &blockCalls), rs)

	require.NoError(t, engine.Synchronize(context.Background(), singlePeer("a")))

	tip, err := cs.TipHeader()
	require.NoError(t, err)
	assert.Equal(t, chain[5].Hash(), tip.Hash())
	// Two failed attempts, then the third applies the window.
	assert.Len(t, blockCalls, 3)
}

func TestEngineGivesUpAfterRepeatedValidationFailures(t *testing.T) {
	chain := buildChain(6, nil)
	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, chain[:3])

	rs := &retryStore{Store: cs, failures: 100}

	var blockCalls [][][]byte
	pc := newPeerChain(chain)
	engine := NewEngine(log.TestingLogger(t), pc.client(nil, &blockCalls), rs)

	err := engine.Synchronize(context.Background(), singlePeer("a"))
	require.ErrorIs(t, err, store.ErrBlockValidation)
	assert.NotErrorIs(t, err, chainsync.ErrNoMoreSyncPeers)
	assert.Len(t, blockCalls, 5)
}

func TestEngineContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := buildChain(3, nil)
	cs := store.NewChainStore(dbm.NewMemDB())
	seedStore(t, cs, chain)

	engine := NewEngine(log.TestingLogger(t), &fakeClient{}, cs)
	err := engine.Synchronize(ctx, singlePeer("a"))
	require.ErrorIs(t, err, context.Canceled)
}
