package mmr

import "fmt"

// MerkleMountainRange is an append-only accumulator: a forest of perfect
// binary hash trees over a flat node array. It is identified by its size
// (node count, not leaf count) and grows only by appending leaves; a
// range of a given size is immutable.
type MerkleMountainRange struct {
	nodes [][]byte
}

// New returns an empty mountain range.
func New() *MerkleMountainRange {
	return &MerkleMountainRange{}
}

// NewFromLeafHashes rebuilds a mountain range from an ordered list of
// leaf hashes, recomputing every internal node. This is how horizon sync
// reassembles a downloaded base state.
func NewFromLeafHashes(leafHashes [][]byte) *MerkleMountainRange {
	m := New()
	for _, h := range leafHashes {
		m.PushLeafHash(h)
	}
	return m
}

// PushLeaf hashes the given leaf data and appends it, returning the new
// leaf's node position.
func (m *MerkleMountainRange) PushLeaf(leaf []byte) uint64 {
	return m.PushLeafHash(leafHash(leaf))
}

// PushLeafHash appends an already-hashed leaf, filling in every internal
// node the new leaf completes, and returns the leaf's node position.
func (m *MerkleMountainRange) PushLeafHash(hash []byte) uint64 {
	pos := uint64(len(m.nodes))
	m.nodes = append(m.nodes, hash)

	// Every time the next position is an internal node, the two subtrees
	// below it are complete; fold them.
	for {
		next := uint64(len(m.nodes))
		height := PosHeight(next)
		if height == 0 {
			break
		}
		left := m.nodes[next-(uint64(1)<<height)]
		right := m.nodes[next-1]
		m.nodes = append(m.nodes, innerHash(left, right))
	}

	return pos
}

// Size returns the node count of the mountain range.
func (m *MerkleMountainRange) Size() uint64 {
	return uint64(len(m.nodes))
}

// LeafCount returns the number of leaves appended so far.
func (m *MerkleMountainRange) LeafCount() uint64 {
	return LeafCount(m.Size())
}

// Node returns the hash at the given node position, or an error if the
// position is out of range.
func (m *MerkleMountainRange) Node(pos uint64) ([]byte, error) {
	if pos >= uint64(len(m.nodes)) {
		return nil, ErrHashNotFound{Pos: pos}
	}
	return m.nodes[pos], nil
}

// LeafHash returns the hash of the leaf with the given leaf index.
func (m *MerkleMountainRange) LeafHash(index uint64) ([]byte, error) {
	return m.Node(LeafIndexToPos(index))
}

// PeakHashes returns the hashes of all peaks in ascending position order.
func (m *MerkleMountainRange) PeakHashes() [][]byte {
	positions := PeakPositions(m.Size())
	peaks := make([][]byte, len(positions))
	for i, pos := range positions {
		peaks[i] = m.nodes[pos]
	}
	return peaks
}

// Root returns the single root hash committing to the whole mountain
// range: the bagged hash of all peaks.
func (m *MerkleMountainRange) Root() []byte {
	return bagPeaks(m.PeakHashes())
}

func (m *MerkleMountainRange) String() string {
	return fmt.Sprintf("MMR{size=%d leaves=%d}", m.Size(), m.LeafCount())
}
