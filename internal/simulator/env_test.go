package simulator

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/protocol"
)

func testLayouts(t *testing.T) (*layout.Layout, *layout.Layout) {
	t.Helper()
	old, err := layout.NewRanged(1, []string{"m"}, nil)
	require.NoError(t, err)
	next, err := layout.NewRanged(2, []string{"f", "m"}, map[layout.ShardID][]layout.ShardID{
		0: {0, 1},
		1: {2},
	})
	require.NoError(t, err)
	return old, next
}

func testConfig(upgradeHeight uint64) Config {
	return Config{
		EpochLength:          5,
		GasLimit:             1_000_000_000_000_000,
		NumClients:           4,
		UpgradeVersion:       48,
		UpgradeHeight:        upgradeHeight,
		CatchupProbability:   0.2,
		RedeliverProbability: 0.1,
		Seed:                 7,
	}
}

func testBalances() map[string]*uint256.Int {
	return map[string]*uint256.Int{
		"alice": uint256.NewInt(10_000),
		"greg":  uint256.NewInt(10_000),
		"zed":   uint256.NewInt(10_000),
	}
}

func newTestEnv(t *testing.T, upgradeHeight uint64) *Env {
	t.Helper()
	old, next := testLayouts(t)
	env, err := New(zerolog.Nop(), testConfig(upgradeHeight), old, next, testBalances())
	require.NoError(t, err)
	return env
}

func TestStableNetworkRotatesShards(t *testing.T) {
	// Upgrade never triggers; assignment rotation still moves shards
	// between nodes every epoch, exercising catchup downloads.
	env := newTestEnv(t, 1000)

	id := env.SubmitTransfer("alice", "zed", 500)
	require.NoError(t, env.StepTo(context.Background(), 30))

	assert.Equal(t, protocol.TxSuccess, env.TxStatus(id))
	require.NoError(t, env.CheckAccounts(map[string]uint64{
		"alice": 9_500,
		"greg":  10_000,
		"zed":   10_500,
	}))
	assert.Equal(t, layout.Version(1), env.Client(0).ActiveLayout(30).Version())
}

func TestBlocksCommitChunkRoots(t *testing.T) {
	env := newTestEnv(t, 1000)
	require.NoError(t, env.StepTo(context.Background(), 3))

	// Every produced block carries one chunk header per shard with the
	// converged pre-state root; every tracker agrees with it.
	headers := env.chunkHeaders()
	require.Len(t, headers, 2)
	for _, ch := range headers {
		for i := 0; i < len(env.clients); i++ {
			if root, ok := env.Client(i).Head(ch.Shard); ok {
				assert.Equal(t, root, ch.PrevStateRoot)
			}
		}
	}
	assert.NotEqual(t, protocol.BlockHash{}, env.prevHash)
}

func TestUpgradePreservesBalances(t *testing.T) {
	env := newTestEnv(t, 6)

	env.SubmitTransfer("alice", "greg", 1_000)
	require.NoError(t, env.StepTo(context.Background(), 4))
	env.SubmitTransfer("zed", "alice", 250)
	require.NoError(t, env.StepTo(context.Background(), 25))

	assert.Equal(t, layout.Version(2), env.Client(0).ActiveLayout(25).Version())
	require.NoError(t, env.CheckAccounts(map[string]uint64{
		"alice": 9_250,
		"greg":  11_000,
		"zed":   9_750,
	}))
}

func TestTransfersSubmittedEveryBlockConverge(t *testing.T) {
	env := newTestEnv(t, 6)

	var ids []string
	for env.Height() < 25 {
		if env.Height()%2 == 0 {
			ids = append(ids, env.SubmitTransfer("alice", "zed", 10))
		}
		require.NoError(t, env.Step(context.Background()))
	}
	// Give in-flight receipts time to land after the last submission.
	require.NoError(t, env.StepTo(context.Background(), 30))

	for _, id := range ids {
		assert.Equal(t, protocol.TxSuccess, env.TxStatus(id), id)
	}
	moved := uint64(10 * len(ids))
	require.NoError(t, env.CheckAccounts(map[string]uint64{
		"alice": 10_000 - moved,
		"zed":   10_000 + moved,
	}))
}
