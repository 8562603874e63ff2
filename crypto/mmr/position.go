package mmr

import "math/bits"

// Leaves and internal nodes of a mountain range share one flat,
// zero-based position space laid out in post order: each leaf is followed
// by every internal node it completes. The functions here are the pure
// positional arithmetic on that space; none of them touch hashes.

// PosHeight returns the height of the node at pos, with leaves at
// height 0.
func PosHeight(pos uint64) int {
	// In the 1-based numbering a node is a (sub)tree root exactly when its
	// number is all ones; repeatedly jump to the same offset inside the
	// left subtree until we hit one.
	pos++
	for !allOnes(pos) {
		pos -= (uint64(1) << (bits.Len64(pos) - 1)) - 1
	}
	return bits.Len64(pos) - 1
}

// IsLeaf reports whether pos is a leaf position.
func IsLeaf(pos uint64) bool {
	return PosHeight(pos) == 0
}

// LeafIndexToPos converts a sequential leaf index to its node position.
func LeafIndexToPos(index uint64) uint64 {
	// Each preceding leaf contributes itself plus one internal node per
	// carry bit in the leaf count.
	return 2*index - uint64(bits.OnesCount64(index))
}

// Family returns the parent and sibling positions of pos.
func Family(pos uint64) (parent, sibling uint64) {
	height := PosHeight(pos)
	span := (uint64(1) << (height + 1)) - 1

	if PosHeight(pos+1) > height {
		// pos is a right child; the parent is the next position.
		return pos + 1, pos - span
	}
	// pos is a left child; its sibling's subtree sits directly after its
	// own, and the parent directly after that.
	return pos + span + 1, pos + span
}

// PeakPositions returns the positions of all peaks of a mountain range of
// the given size, in ascending order. An MMR of size n has one peak per
// perfect subtree, carved off left to right from largest to smallest.
func PeakPositions(size uint64) []uint64 {
	var (
		peaks []uint64
		pos   uint64
	)
	remaining := size
	for remaining > 0 {
		// Largest perfect subtree that fits: 2^h - 1 <= remaining.
		height := bits.Len64(remaining+1) - 1
		treeSize := (uint64(1) << height) - 1
		peaks = append(peaks, pos+treeSize-1)
		pos += treeSize
		remaining -= treeSize
	}
	return peaks
}

// PeakCount returns the number of peaks of a mountain range of the given
// size. For a range built from k leaves this equals the number of set
// bits in k.
func PeakCount(size uint64) int {
	return len(PeakPositions(size))
}

// LeafCount returns the number of leaves in a mountain range of the given
// size.
func LeafCount(size uint64) uint64 {
	var leaves uint64
	for _, peak := range PeakPositions(size) {
		leaves += uint64(1) << PosHeight(peak)
	}
	return leaves
}

func allOnes(v uint64) bool {
	return v != 0 && v&(v+1) == 0
}
