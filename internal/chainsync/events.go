package chainsync

import (
	"fmt"

	"github.com/massif-org/massif/types"
)

// StateEvent is the only channel through which the sync core communicates
// upward. Status and telemetry consume the stream; other node services
// gate their own startup on it.
type StateEvent interface {
	fmt.Stringer
	stateEvent()
}

// BlocksSynchronized reports a completed forward block sync round.
type BlocksSynchronized struct {
	Height uint64
}

func (e BlocksSynchronized) stateEvent() {}
func (e BlocksSynchronized) String() string {
	return fmt.Sprintf("BlocksSynchronized{height=%d}", e.Height)
}

// HorizonStateFetched reports a completed horizon sync round: a pruned,
// validated chain state has been adopted up to Height.
type HorizonStateFetched struct {
	Height uint64
}

func (e HorizonStateFetched) stateEvent() {}
func (e HorizonStateFetched) String() string {
	return fmt.Sprintf("HorizonStateFetched{height=%d}", e.Height)
}

// FallenBehind reports that the network's best chain exceeds the local
// one by more than the configured margin, naming the candidate peers the
// coming round will sync from.
type FallenBehind struct {
	Local   types.ChainMetadata
	Network types.ChainMetadata
	Peers   []types.NodeID
}

func (e FallenBehind) stateEvent() {}
func (e FallenBehind) String() string {
	return fmt.Sprintf("FallenBehind{local=%d network=%d peers=%d}",
		e.Local.Height, e.Network.Height, len(e.Peers))
}

// FatalError reports an aborted sync attempt. The coordinator does not
// retry it; re-attempt scheduling is up to the operator.
type FatalError struct {
	Stage SyncStage
	Err   error
}

func (e FatalError) stateEvent() {}
func (e FatalError) String() string {
	return fmt.Sprintf("FatalError{stage=%s err=%v}", e.Stage, e.Err)
}
