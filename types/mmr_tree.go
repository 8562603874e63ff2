package types

import "fmt"

// MMRTree identifies one of the accumulator trees a pruned node rebuilds
// during horizon sync.
type MMRTree int32

const (
	KernelTree MMRTree = iota
	RangeProofTree
	OutputTree
)

// AllMMRTrees lists every tree, in the order horizon sync downloads them.
var AllMMRTrees = []MMRTree{KernelTree, RangeProofTree, OutputTree}

func (t MMRTree) String() string {
	switch t {
	case KernelTree:
		return "kernel"
	case RangeProofTree:
		return "range-proof"
	case OutputTree:
		return "output"
	default:
		return fmt.Sprintf("unknown-tree-%d", int32(t))
	}
}
