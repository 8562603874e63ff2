package chainsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/massif-org/massif/libs/log"
	"github.com/massif-org/massif/libs/service"
	"github.com/massif-org/massif/store"
	"github.com/massif-org/massif/types"
)

// SyncState names the coordinator's current position in its state
// machine.
type SyncState int32

const (
	Listening SyncState = iota
	ForwardBlockSync
	HorizonSync
	Synchronized
)

func (s SyncState) String() string {
	switch s {
	case Listening:
		return "listening"
	case ForwardBlockSync:
		return "forward-block-sync"
	case HorizonSync:
		return "horizon-sync"
	case Synchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("unknown-state-%d", int32(s))
	}
}

// ForwardSyncer replays the network tip block by block. Implemented by
// the forward block sync engine.
type ForwardSyncer interface {
	Synchronize(ctx context.Context, selector *PeerSelector) error
}

// HorizonSyncer bulk-adopts a pruned chain state up to horizonHeight.
// Implemented by the horizon sync engine.
type HorizonSyncer interface {
	Synchronize(ctx context.Context, selector *PeerSelector, horizonHeight uint64) error
}

// Config holds the coordinator's tunables.
type Config struct {
	// LaggingThreshold is how many blocks behind the network's best tip
	// the local chain may fall before a sync round starts.
	LaggingThreshold uint64

	// PruningHorizon is the number of most recent blocks this node keeps
	// in full. Zero means an archive node, which never horizon-syncs.
	PruningHorizon uint64

	// PollInterval is how often the coordinator re-evaluates chain
	// metadata while listening.
	PollInterval time.Duration

	// EventBuffer is the capacity of the state event channel.
	EventBuffer int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		LaggingThreshold: 1,
		PruningHorizon:   2880,
		PollInterval:     30 * time.Second,
		EventBuffer:      16,
	}
}

// ValidateBasic performs basic validation, returning an error on any
// value the coordinator cannot run with.
func (cfg Config) ValidateBasic() error {
	if cfg.LaggingThreshold < 1 {
		return errors.New("lagging threshold must be at least 1")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if cfg.EventBuffer < 1 {
		return errors.New("event buffer must be at least 1")
	}
	return nil
}

// Coordinator is the node's single long-lived sync task. While listening
// it compares local chain metadata against what connected peers
// advertise; when the node has fallen behind it dispatches one engine per
// round and returns to listening. Forward block sync runs while the gap
// stays inside the retained window, horizon sync once it crosses the
// pruning horizon. Attempts run strictly one at a time, and a fatal round
// is surfaced, never retried internally.
type Coordinator struct {
	service.BaseService
	logger log.Logger

	cfg     Config
	client  Client
	store   store.Store
	forward ForwardSyncer
	horizon HorizonSyncer
	rng     *rand.Rand

	state  int32 // atomic, holds a SyncState
	events chan StateEvent
}

// NewCoordinator wires a coordinator. The rng drives peer selection and
// may be seeded deterministically in tests.
func NewCoordinator(
	logger log.Logger,
	cfg Config,
	client Client,
	st store.Store,
	forward ForwardSyncer,
	horizon HorizonSyncer,
	rng *rand.Rand,
) (*Coordinator, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	c := &Coordinator{
		logger:  logger,
		cfg:     cfg,
		client:  client,
		store:   st,
		forward: forward,
		horizon: horizon,
		rng:     rng,
		events:  make(chan StateEvent, cfg.EventBuffer),
	}
	c.BaseService = *service.NewBaseService(logger, "SyncCoordinator", c)
	return c, nil
}

// Events returns the state event stream. Events are dropped if the
// consumer falls further behind than the configured buffer, except fatal
// ones, which block until delivered or shutdown.
func (c *Coordinator) Events() <-chan StateEvent {
	return c.events
}

// State returns the coordinator's current state.
func (c *Coordinator) State() SyncState {
	return SyncState(atomic.LoadInt32(&c.state))
}

func (c *Coordinator) setState(s SyncState) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Coordinator) OnStart(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

func (c *Coordinator) OnStop() {}

func (c *Coordinator) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one evaluation, and at most one sync round, to completion.
func (c *Coordinator) tick(ctx context.Context) {
	c.setState(Listening)

	local := c.localMetadata()
	network, peers, err := c.networkMetadata(ctx, local)
	if err != nil {
		c.logger.Debug("failed to poll network metadata", "err", err)
		return
	}
	if len(peers) == 0 || network.Height <= local.Height+c.cfg.LaggingThreshold {
		c.setState(Synchronized)
		return
	}

	c.logger.Info("fallen behind network",
		"local_height", local.Height,
		"network_height", network.Height,
		"peers", len(peers))
	c.publish(FallenBehind{Local: local, Network: network, Peers: peers})

	selector := NewPeerSelector(peers, c.rng)

	// The gap decides the strategy: full blocks while the needed blocks
	// are still inside our retained window, a pruned state snapshot once
	// the gap crosses the pruning horizon. The horizon is computed from
	// our own retention policy, not the peer's.
	network.PruningHorizon = c.cfg.PruningHorizon
	horizonHeight := network.HorizonBlock()
	if c.cfg.PruningHorizon == 0 || local.Height >= horizonHeight {
		c.setState(ForwardBlockSync)
		if err := c.forward.Synchronize(ctx, selector); err != nil {
			c.fail(ctx, StageBlockSync, err)
			return
		}
		tip := c.localMetadata()
		c.publish(BlocksSynchronized{Height: tip.Height})
	} else {
		c.setState(HorizonSync)
		if err := c.horizon.Synchronize(ctx, selector, horizonHeight); err != nil {
			c.fail(ctx, StageMMRState, err)
			return
		}
		c.publish(HorizonStateFetched{Height: horizonHeight})
	}

	c.setState(Synchronized)
}

func (c *Coordinator) fail(ctx context.Context, fallback SyncStage, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	stage := StageOf(err, fallback)
	c.logger.Error("sync attempt aborted", "stage", string(stage), "err", err)
	// Fatal events must reach the consumer; block until delivered.
	select {
	case c.events <- FatalError{Stage: stage, Err: err}:
	case <-ctx.Done():
	}
}

func (c *Coordinator) publish(event StateEvent) {
	select {
	case c.events <- event:
	default:
		c.logger.Debug("dropping state event, consumer behind", "event", event.String())
	}
}

// localMetadata summarizes the local chain. An empty store counts as
// height zero with no accumulated work.
func (c *Coordinator) localMetadata() types.ChainMetadata {
	tip, err := c.store.TipHeader()
	if err != nil {
		if !errors.Is(err, store.ErrHeaderNotFound) {
			c.logger.Error("failed to read local tip", "err", err)
		}
		return types.ChainMetadata{PruningHorizon: c.cfg.PruningHorizon}
	}
	return types.ChainMetadata{
		Height:                tip.Height,
		AccumulatedDifficulty: tip.TotalDifficulty,
		PruningHorizon:        c.cfg.PruningHorizon,
	}
}

// networkMetadata polls the reachable peers and returns the best
// advertised claim along with every peer claiming more work than we
// hold. Peers that fail to answer are skipped, not removed; the round's
// selector does its own consumption.
func (c *Coordinator) networkMetadata(ctx context.Context, local types.ChainMetadata) (types.ChainMetadata, []types.NodeID, error) {
	peers, err := c.client.FloodPeers(ctx)
	if err != nil {
		return types.ChainMetadata{}, nil, fmt.Errorf("peer discovery: %w", err)
	}

	var (
		best       types.ChainMetadata
		candidates []types.NodeID
	)
	for _, peer := range peers {
		if ctx.Err() != nil {
			return types.ChainMetadata{}, nil, ctx.Err()
		}
		claim, err := c.client.TipInfo(ctx, peer)
		if err != nil {
			c.logger.Debug("peer failed tip info", "peer", peer, "err", err)
			continue
		}
		if claim.AccumulatedDifficulty <= local.AccumulatedDifficulty {
			continue
		}
		candidates = append(candidates, peer)
		if claim.AccumulatedDifficulty > best.AccumulatedDifficulty {
			best = claim
		}
	}
	return best, candidates, nil
}
