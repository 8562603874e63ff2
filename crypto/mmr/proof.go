package mmr

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrRootMismatch is returned when a proof does not hash up to the
	// expected root. This is the security-relevant rejection: the proven
	// value is not part of the committed set.
	ErrRootMismatch = errors.New("mmr root mismatch")

	// ErrNonLeafNode is returned when a proof is requested for an
	// internal node position.
	ErrNonLeafNode = errors.New("position is not a leaf")

	// ErrIncorrectPeakMap is returned when the peaks carried in a proof
	// cannot be reconciled with the canonical peak list of its MMR size.
	ErrIncorrectPeakMap = errors.New("incorrect peak map")

	// ErrUnexpected is returned when a proof's sibling path walks outside
	// the MMR. A well-formed proof can never trigger it.
	ErrUnexpected = errors.New("unexpected proof structure")
)

// ErrHashNotFound is returned when no hash exists at the requested
// position.
type ErrHashNotFound struct {
	Pos uint64
}

func (e ErrHashNotFound) Error() string {
	return fmt.Sprintf("no hash at position %d", e.Pos)
}

// Proof is a compact inclusion proof for a single leaf of a mountain
// range of known size: the sibling hashes from the leaf up to its local
// peak, plus the hashes of every other peak.
//
// A proof is built once and never mutated; verification works on a copy.
type Proof struct {
	// MMRSize is the node count of the MMR the proof was built against.
	MMRSize uint64

	// Path holds the sibling hash at each step from the leaf to its local
	// peak, in leaf-to-peak order.
	Path [][]byte

	// Peaks holds the hashes of all peaks other than the local one, in
	// ascending position order. Always PeakCount(MMRSize)-1 entries.
	Peaks [][]byte
}

// ProofForLeaf builds an inclusion proof for the leaf with the given leaf
// index.
func ProofForLeaf(m *MerkleMountainRange, leafIndex uint64) (*Proof, error) {
	return generateProof(m, LeafIndexToPos(leafIndex))
}

// ProofForNode builds an inclusion proof for the node at the given
// position, which must be a leaf.
func ProofForNode(m *MerkleMountainRange, pos uint64) (*Proof, error) {
	if !IsLeaf(pos) {
		return nil, ErrNonLeafNode
	}
	return generateProof(m, pos)
}

func generateProof(m *MerkleMountainRange, pos uint64) (*Proof, error) {
	if _, err := m.Node(pos); err != nil {
		return nil, err
	}

	size := m.Size()
	peakPositions := PeakPositions(size)
	isPeak := make(map[uint64]bool, len(peakPositions))
	for _, p := range peakPositions {
		isPeak[p] = true
	}

	// Climb from the leaf to the root of its perfect subtree, collecting
	// the sibling at every step.
	var path [][]byte
	cur := pos
	for !isPeak[cur] {
		parent, sibling := Family(cur)
		sib, err := m.Node(sibling)
		if err != nil {
			return nil, err
		}
		path = append(path, sib)
		cur = parent
	}

	peaks := make([][]byte, 0, len(peakPositions)-1)
	for _, p := range peakPositions {
		if p == cur {
			continue
		}
		peaks = append(peaks, m.nodes[p])
	}

	return &Proof{
		MMRSize: size,
		Path:    path,
		Peaks:   peaks,
	}, nil
}

// VerifyLeaf verifies that hash is the leaf with the given leaf index in
// the MMR committed to by root.
func (p *Proof) VerifyLeaf(root, hash []byte, leafIndex uint64) error {
	return p.Verify(root, hash, LeafIndexToPos(leafIndex))
}

// Verify verifies that hash sits at node position pos in the MMR
// committed to by root.
//
// The canonical peak list is derived from the proof's own MMRSize, so the
// caller must only trust a successful verification when root and MMRSize
// come from a commitment it already trusts, such as a stored header.
func (p *Proof) Verify(root, hash []byte, pos uint64) error {
	cur := hash
	curPos := pos

	// Fold the sibling path into the running hash. An explicit loop, not
	// recursion: path length grows with tree height.
	for _, sibling := range p.Path {
		parent, siblingPos := Family(curPos)
		if parent >= p.MMRSize {
			return ErrUnexpected
		}
		if siblingPos < curPos {
			cur = innerHash(sibling, cur)
		} else {
			cur = innerHash(cur, sibling)
		}
		curPos = parent
	}

	// cur now denotes the local peak. Rebuild the full peak list by
	// substituting it at its position and consuming the carried peaks in
	// order.
	peakPositions := PeakPositions(p.MMRSize)
	if len(peakPositions) != len(p.Peaks)+1 {
		return ErrIncorrectPeakMap
	}

	all := make([][]byte, 0, len(peakPositions))
	rest := p.Peaks
	for _, peakPos := range peakPositions {
		if peakPos == curPos {
			all = append(all, cur)
			continue
		}
		if len(rest) == 0 {
			// curPos is not a peak of this MMR size.
			return ErrIncorrectPeakMap
		}
		all = append(all, rest[0])
		rest = rest[1:]
	}
	if len(rest) != 0 {
		return ErrIncorrectPeakMap
	}

	if !bytes.Equal(bagPeaks(all), root) {
		return ErrRootMismatch
	}
	return nil
}
