package types

import "fmt"

// ChainMetadata summarizes a chain tip: its height, the work behind it,
// and how much history its owner retains. Both the local node and every
// peer advertise one; comparing them drives the fallen-behind decision.
type ChainMetadata struct {
	// Height of the longest chain known to the holder.
	Height uint64 `json:"height"`

	// AccumulatedDifficulty is the total work on that chain. Between two
	// claimed tips the one with more work wins, regardless of height.
	AccumulatedDifficulty uint64 `json:"accumulated_difficulty"`

	// PruningHorizon is the number of most recent blocks the holder keeps
	// in full. Zero means an archive node (nothing pruned).
	PruningHorizon uint64 `json:"pruning_horizon"`
}

// HorizonBlock returns the lowest height for which the holder still has
// full block data.
func (m ChainMetadata) HorizonBlock() uint64 {
	if m.PruningHorizon == 0 || m.PruningHorizon >= m.Height {
		return 0
	}
	return m.Height - m.PruningHorizon
}

func (m ChainMetadata) String() string {
	return fmt.Sprintf("ChainMetadata{height=%d work=%d horizon=%d}",
		m.Height, m.AccumulatedDifficulty, m.PruningHorizon)
}

// NodeID is the string identifier of a peer.
type NodeID string
