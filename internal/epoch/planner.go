package epoch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sharding-experiment/resharding/internal/layout"
)

// ErrReshardingIncomplete is returned when an epoch boundary arrives
// before all child shard states have been produced. Recoverable via
// catchup; the node must not produce or validate chunks for the
// affected shards until then.
var ErrReshardingIncomplete = errors.New("resharding incomplete at epoch boundary")

// Phase is the planner's per-epoch state.
type Phase int

const (
	// PhaseStable means the epoch runs under a settled layout.
	PhaseStable Phase = iota
	// PhasePendingUpgrade means the epoch still runs under the old
	// layout but the state split is triggered at its last block, so
	// the new layout's state exists before the next epoch needs it.
	PhasePendingUpgrade
)

func (p Phase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhasePendingUpgrade:
		return "pending-upgrade"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Planner decides which shard layout version is active per epoch and
// when the transition to the next layout is scheduled. The decision is
// driven by the network protocol version aggregated from block headers
// and is recorded at epoch boundary heights, so every node resolves
// the same switch height.
//
// Epoch e spans heights [e*L+1, (e+1)*L]; the genesis block (height 0)
// belongs to epoch 0.
type Planner struct {
	mu sync.RWMutex

	epochLength    uint64
	current        *layout.Layout
	next           *layout.Layout
	upgradeVersion uint32

	// boundaryVersions records the protocol version observed at each
	// epoch's last height.
	boundaryVersions map[uint64]uint32

	// decidedEpoch latches the epoch whose boundary first saw the
	// upgrade version. Epoch decidedEpoch+1 is PendingUpgrade and
	// epoch decidedEpoch+2 activates the next layout.
	decidedEpoch uint64
	decided      bool
}

// NewPlanner creates a planner over the given epoch length. next may
// be nil when no upgrade is configured, in which case the layout never
// changes.
func NewPlanner(epochLength uint64, current, next *layout.Layout, upgradeVersion uint32) *Planner {
	return &Planner{
		epochLength:      epochLength,
		current:          current,
		next:             next,
		upgradeVersion:   upgradeVersion,
		boundaryVersions: make(map[uint64]uint32),
	}
}

// EpochLength returns the configured epoch length.
func (p *Planner) EpochLength() uint64 { return p.epochLength }

// EpochOf returns the epoch a block height belongs to.
func (p *Planner) EpochOf(height uint64) uint64 {
	if height == 0 {
		return 0
	}
	return (height - 1) / p.epochLength
}

// FirstHeightOf returns the first block height of an epoch. This is
// the deadline height for catchup and split work feeding that epoch.
func (p *Planner) FirstHeightOf(epoch uint64) uint64 {
	return epoch*p.epochLength + 1
}

// LastHeightOf returns the last block height of an epoch.
func (p *Planner) LastHeightOf(epoch uint64) uint64 {
	return (epoch + 1) * p.epochLength
}

// IsBoundary reports whether height is the last height of its epoch.
func (p *Planner) IsBoundary(height uint64) bool {
	return height > 0 && height%p.epochLength == 0
}

// RecordProtocolVersion feeds the network protocol version carried by
// the block header at the given height. Only boundary heights settle
// the upgrade decision; intermediate heights are ignored so all nodes
// agree on when the switch occurs.
func (p *Planner) RecordProtocolVersion(height uint64, version uint32) {
	if !p.IsBoundary(height) {
		return
	}
	epoch := p.EpochOf(height)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.boundaryVersions[epoch] = version
	if !p.decided && p.next != nil && version >= p.upgradeVersion {
		p.decidedEpoch = epoch
		p.decided = true
	}
}

// PhaseOf returns the planner phase for an epoch.
func (p *Planner) PhaseOf(epoch uint64) Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.decided && epoch == p.decidedEpoch+1 {
		return PhasePendingUpgrade
	}
	return PhaseStable
}

// LayoutAt returns the shard layout active in the given epoch. During
// PendingUpgrade the old layout is still active.
func (p *Planner) LayoutAt(epoch uint64) *layout.Layout {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.decided && epoch >= p.decidedEpoch+2 {
		return p.next
	}
	return p.current
}

// NextLayout returns the configured upgrade target, nil if none.
func (p *Planner) NextLayout() *layout.Layout {
	return p.next
}

// SplitDue reports whether the state split must run after applying the
// block at the given height: the last height of a PendingUpgrade
// epoch, so child states exist before the new epoch's first block.
func (p *Planner) SplitDue(height uint64) bool {
	if !p.IsBoundary(height) {
		return false
	}
	return p.PhaseOf(p.EpochOf(height)) == PhasePendingUpgrade
}

// LayoutChangesAt reports whether the epoch starting after the given
// boundary height runs under a different layout version than the
// epoch containing it.
func (p *Planner) LayoutChangesAt(height uint64) bool {
	if !p.IsBoundary(height) {
		return false
	}
	epoch := p.EpochOf(height)
	return p.LayoutAt(epoch).Version() != p.LayoutAt(epoch+1).Version()
}
