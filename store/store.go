package store

import (
	"errors"

	"github.com/bits-and-blooms/bitset"

	"github.com/massif-org/massif/types"
)

var (
	// ErrBlockValidation is returned by AddBlock when a block fails
	// validation. Callers may retry the block; any other error from the
	// store means local consistency can no longer be assumed.
	ErrBlockValidation = errors.New("block failed validation")

	// ErrHeaderNotFound is returned when no header exists for the
	// requested height or hash.
	ErrHeaderNotFound = errors.New("header not found")

	// ErrHorizonStateInvalid is returned by ValidateHorizonState when a
	// rebuilt accumulator root does not match the header it must commit
	// to.
	ErrHorizonStateInvalid = errors.New("horizon state does not match expected roots")
)

// MMRState is the stored base state of one accumulator tree: the ordered
// leaf hashes, plus the deletion bitmap marking spent leaves. The bitmap
// indexes the full leaf space even when LeafHashes holds only a slice of
// it.
type MMRState struct {
	LeafHashes [][]byte
	Deleted    *bitset.BitSet
}

// Batch accumulates inserts and commits them as one atomic storage
// transaction. A Batch that is never committed has no effect.
type Batch interface {
	InsertHeader(*types.Header)
	InsertKernel(types.Kernel)
	InsertUTXO(types.Output)

	// Commit atomically applies everything inserted so far.
	Commit() error
}

// Store is the storage collaborator contract the sync engines mutate
// through. All writes go through either AddBlock or a committed Batch;
// the implementation is responsible for isolation against other readers
// of the same handle.
type Store interface {
	// TipHeader returns the header of the current local tip, or
	// ErrHeaderNotFound for an empty store.
	TipHeader() (*types.Header, error)

	// Header returns the stored header at the given height.
	Header(height uint64) (*types.Header, error)

	// HeaderByHash returns the stored header with the given block hash.
	HeaderByHash(hash []byte) (*types.Header, error)

	// AddBlock validates and appends one block, rewinding to the fork
	// ancestor first when the block extends a stored non-tip header.
	// Validation failures are reported as ErrBlockValidation.
	AddBlock(*types.HistoricalBlock) error

	// NewBatch returns a fresh transaction builder.
	NewBatch() Batch

	// MMRBaseLeafCount returns the number of leaves in the tree's
	// assigned base state.
	MMRBaseLeafCount(tree types.MMRTree) (uint64, error)

	// MMRBaseLeafNodes returns count leaf hashes starting at the given
	// leaf index, clipped to the stored leaf count, together with the
	// tree's deletion bitmap.
	MMRBaseLeafNodes(tree types.MMRTree, start, count uint64) (*MMRState, error)

	// AssignMMR replaces the tree's base state with the given one.
	AssignMMR(tree types.MMRTree, state *MMRState) error

	// ValidateHorizonState cross-checks the locally rebuilt accumulator
	// roots against the header at horizonHeight, returning
	// ErrHorizonStateInvalid on any mismatch.
	ValidateHorizonState(horizonHeight uint64) error
}
