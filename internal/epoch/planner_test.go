package epoch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/resharding/internal/layout"
)

const upgradeVersion = 48

func testPlanner(t *testing.T) *Planner {
	t.Helper()
	old, err := layout.NewRanged(0, nil, nil)
	require.NoError(t, err)
	next, err := layout.NewRanged(1, []string{"abc", "foo", "test0"},
		map[layout.ShardID][]layout.ShardID{0: {0, 1, 2, 3}})
	require.NoError(t, err)
	return NewPlanner(5, old, next, upgradeVersion)
}

func TestEpochArithmetic(t *testing.T) {
	p := testPlanner(t)

	assert.Equal(t, uint64(0), p.EpochOf(0))
	assert.Equal(t, uint64(0), p.EpochOf(1))
	assert.Equal(t, uint64(0), p.EpochOf(5))
	assert.Equal(t, uint64(1), p.EpochOf(6))
	assert.Equal(t, uint64(1), p.EpochOf(10))
	assert.Equal(t, uint64(2), p.EpochOf(11))

	assert.Equal(t, uint64(6), p.FirstHeightOf(1))
	assert.Equal(t, uint64(10), p.LastHeightOf(1))

	assert.False(t, p.IsBoundary(0))
	assert.False(t, p.IsBoundary(4))
	assert.True(t, p.IsBoundary(5))
	assert.True(t, p.IsBoundary(10))
}

// Mirrors the upgrade schedule of the reference scenario: the upgrade
// version is seen from the first block, recorded at the epoch 0
// boundary, epoch 1 is pending with the split at its last height, and
// epoch 2 runs the new layout.
func TestUpgradeSchedule(t *testing.T) {
	p := testPlanner(t)

	for h := uint64(1); h <= 15; h++ {
		p.RecordProtocolVersion(h, upgradeVersion)

		switch {
		case h < 5:
			assert.Equal(t, PhaseStable, p.PhaseOf(p.EpochOf(h)))
			assert.False(t, p.SplitDue(h))
		case h == 5:
			// Decision lands at the boundary; epoch 1 becomes pending.
			assert.Equal(t, PhasePendingUpgrade, p.PhaseOf(1))
			assert.False(t, p.SplitDue(5))
		case h < 10:
			assert.Equal(t, layout.Version(0), p.LayoutAt(p.EpochOf(h)).Version())
		case h == 10:
			assert.True(t, p.SplitDue(10), "split runs at the last block of the pending epoch")
			assert.True(t, p.LayoutChangesAt(10))
		default:
			assert.Equal(t, layout.Version(1), p.LayoutAt(p.EpochOf(h)).Version())
			assert.False(t, p.SplitDue(h))
		}
	}
}

func TestUpgradeDecisionOnlyAtBoundary(t *testing.T) {
	p := testPlanner(t)

	// Versions seen mid-epoch must not trigger the upgrade.
	for h := uint64(1); h < 5; h++ {
		p.RecordProtocolVersion(h, upgradeVersion)
	}
	assert.Equal(t, PhaseStable, p.PhaseOf(1))

	// An old version at the boundary keeps the layout stable.
	p.RecordProtocolVersion(5, upgradeVersion-1)
	assert.Equal(t, PhaseStable, p.PhaseOf(1))
	assert.Equal(t, layout.Version(0), p.LayoutAt(5).Version())

	// The next boundary with the new version schedules the switch.
	p.RecordProtocolVersion(10, upgradeVersion)
	assert.Equal(t, PhasePendingUpgrade, p.PhaseOf(2))
	assert.True(t, p.SplitDue(15))
	assert.Equal(t, layout.Version(1), p.LayoutAt(3).Version())
}

func TestNoUpgradeConfigured(t *testing.T) {
	old, err := layout.NewRanged(0, nil, nil)
	require.NoError(t, err)
	p := NewPlanner(5, old, nil, upgradeVersion)

	for h := uint64(1); h <= 20; h++ {
		p.RecordProtocolVersion(h, upgradeVersion)
		assert.False(t, p.SplitDue(h))
		assert.Equal(t, layout.Version(0), p.LayoutAt(p.EpochOf(h)).Version())
	}
}
