package chainsync

import (
	"context"

	"github.com/bits-and-blooms/bitset"

	"github.com/massif-org/massif/types"
)

// MMRStateChunk is one page of an accumulator tree's base state as served
// by a peer. TotalLeafCount is the peer's current claim for the whole
// tree; the download loop is bounded by the most recent claim, not one
// known in advance.
type MMRStateChunk struct {
	TotalLeafCount uint64
	LeafHashes     [][]byte
	Deleted        *bitset.BitSet
}

// Client is the network collaborator contract. Every call addresses one
// peer (except FloodPeers), blocks until that peer answers or the context
// is done, and is issued sequentially by the sync engines; chunked
// protocols derive each offset from the previous response.
//
// No wire format is implied; implementations bridge to whatever transport
// the node runs.
type Client interface {
	// FetchHeadersBetween requests headers extending the chain identified
	// by the locator hashes (newest first), at most limit of them.
	FetchHeadersBetween(ctx context.Context, peer types.NodeID, locator [][]byte, limit uint64) ([]*types.Header, error)

	// FetchHeaders requests the headers at the given heights.
	FetchHeaders(ctx context.Context, peer types.NodeID, heights []uint64) ([]*types.Header, error)

	// FetchBlocks requests full historical blocks by block hash.
	FetchBlocks(ctx context.Context, peer types.NodeID, hashes [][]byte) ([]*types.HistoricalBlock, error)

	// FetchMMRState requests count leaf nodes of the given tree starting
	// at leaf index start.
	FetchMMRState(ctx context.Context, peer types.NodeID, tree types.MMRTree, start, count uint64) (*MMRStateChunk, error)

	// FetchKernels requests kernel bodies by their leaf hash.
	FetchKernels(ctx context.Context, peer types.NodeID, hashes [][]byte) ([]types.Kernel, error)

	// FetchUTXOs requests unspent outputs by their leaf hash.
	FetchUTXOs(ctx context.Context, peer types.NodeID, hashes [][]byte) ([]types.Output, error)

	// TipInfo requests the peer's chain metadata.
	TipInfo(ctx context.Context, peer types.NodeID) (types.ChainMetadata, error)

	// FloodPeers returns the currently reachable sync candidates.
	FloodPeers(ctx context.Context) ([]types.NodeID, error)
}
