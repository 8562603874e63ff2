package chainsync

import (
	"math/rand"

	"github.com/massif-org/massif/types"
)

// PeerSelector holds the candidate peers of one sync round and hands them
// out in random order. Candidates are consumed as they are used or fail;
// no peer is selected twice within a round. The randomness source is
// injected so tests can supply deterministic orderings.
//
// A selector is round-scoped and not safe for concurrent use.
type PeerSelector struct {
	rng       *rand.Rand
	remaining []types.NodeID
}

// NewPeerSelector creates a selector over a private copy of peers.
func NewPeerSelector(peers []types.NodeID, rng *rand.Rand) *PeerSelector {
	remaining := make([]types.NodeID, len(peers))
	copy(remaining, peers)
	return &PeerSelector{rng: rng, remaining: remaining}
}

// Candidates returns the not-yet-consumed peers outside the exclude set,
// in randomized order. It returns an empty slice when the pool is
// exhausted.
func (s *PeerSelector) Candidates(exclude map[types.NodeID]bool) []types.NodeID {
	candidates := make([]types.NodeID, 0, len(s.remaining))
	for _, peer := range s.remaining {
		if !exclude[peer] {
			candidates = append(candidates, peer)
		}
	}
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates
}

// Next pops one peer at random from the pool. It reports ok=false when
// the round's candidates are exhausted.
func (s *PeerSelector) Next() (types.NodeID, bool) {
	if len(s.remaining) == 0 {
		return "", false
	}
	i := s.rng.Intn(len(s.remaining))
	peer := s.remaining[i]
	s.remaining[i] = s.remaining[len(s.remaining)-1]
	s.remaining = s.remaining[:len(s.remaining)-1]
	return peer, true
}

// Len returns the number of candidates left in the round.
func (s *PeerSelector) Len() int {
	return len(s.remaining)
}
