package test

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/protocol"
)

// TestBlockHashDeterminism verifies the block hash commits to the
// block's content: identical blocks hash identically, any field change
// produces a different hash.
func TestBlockHashDeterminism(t *testing.T) {
	base := func() *protocol.Block {
		return &protocol.Block{
			Height:          7,
			Timestamp:       7,
			ProtocolVersion: 48,
			Transactions: []*protocol.SignedTransaction{{
				ID:       "tx-1",
				Signer:   "alice",
				Receiver: "zed",
				Nonce:    1,
				Actions:  []*protocol.TxAction{{Kind: protocol.TxTransfer, Deposit: "5"}},
			}},
		}
	}

	assert.Equal(t, base().Hash(), base().Hash())

	bumped := base()
	bumped.Height = 8
	assert.NotEqual(t, base().Hash(), bumped.Hash())

	reversioned := base()
	reversioned.ProtocolVersion = 49
	assert.NotEqual(t, base().Hash(), reversioned.Hash())
}

// TestOversizedReceiptNeverWedges sets the gas budget below the cost
// of a single transfer. Each block still admits exactly one receipt,
// so the queue drains one per block instead of deadlocking.
func TestOversizedReceiptNeverWedges(t *testing.T) {
	cfg := networkConfig(1000)
	cfg.GasLimit = 1
	env := newNetwork(t, cfg, standardBalances())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, env.SubmitTransfer("alice", "zed", 10))
	}
	require.NoError(t, env.StepTo(ctx, 20))

	for _, id := range ids {
		assert.Equal(t, protocol.TxSuccess, env.TxStatus(id), id)
	}
	require.NoError(t, env.CheckAccounts(map[string]uint64{
		"alice": 9_950,
		"zed":   10_050,
	}))
}

// TestSplitOfEmptyShard reshards a network whose accounts all live on
// one side of the new boundary, leaving a child shard empty. The empty
// child must still come up trackable and the populated shards keep
// their balances.
func TestSplitOfEmptyShard(t *testing.T) {
	// Both accounts sort above "m", so post-split shards 0 and 1 hold
	// nothing.
	env := newNetwork(t, networkConfig(6), map[string]*uint256.Int{
		"tom": uint256.NewInt(4_000),
		"zed": uint256.NewInt(6_000),
	})
	ctx := context.Background()

	id := env.SubmitTransfer("zed", "tom", 1_500)
	require.NoError(t, env.StepTo(ctx, 25))

	lay := env.Client(0).ActiveLayout(25)
	assert.Equal(t, layout.Version(2), lay.Version())
	assert.Equal(t, uint64(3), lay.NumShards())

	assert.Equal(t, protocol.TxSuccess, env.TxStatus(id))
	require.NoError(t, env.CheckAccounts(map[string]uint64{
		"tom": 5_500,
		"zed": 4_500,
	}))
}

// TestDuplicateDeliveryAtEveryBlock redelivers the previous block's
// receipts on every single height, including across the upgrade
// boundary where receipts rebucket to new shards. Duplicates must be
// absorbed without double-applying anywhere.
func TestDuplicateDeliveryAtEveryBlock(t *testing.T) {
	cfg := networkConfig(6)
	cfg.RedeliverProbability = 1.0
	env := newNetwork(t, cfg, standardBalances())
	ctx := context.Background()

	var ids []string
	for env.Height() < 20 {
		if env.Height()%2 == 0 {
			ids = append(ids, env.SubmitTransfer("alice", "zed", 10))
		}
		require.NoError(t, env.Step(ctx))
	}
	require.NoError(t, env.StepTo(ctx, 26))

	for _, id := range ids {
		assert.Equal(t, protocol.TxSuccess, env.TxStatus(id), id)
	}
	moved := uint64(10 * len(ids))
	require.NoError(t, env.CheckAccounts(map[string]uint64{
		"alice": 10_000 - moved,
		"zed":   10_000 + moved,
	}))
}
