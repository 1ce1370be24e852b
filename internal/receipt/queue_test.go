package receipt

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/resharding/internal/state"
)

func TestDelayedQueueFIFO(t *testing.T) {
	store := state.NewMemoryStore()
	batch, err := store.OpenBatch(store.EmptyRoot())
	require.NoError(t, err)

	var di DelayedIndices
	parent := crypto.Keccak256Hash([]byte("parent"))
	for i := uint64(0); i < 5; i++ {
		r := NewActionReceipt(DeriveID(parent, i), "a", "b", []*Action{{Kind: ActionTransfer, Deposit: uint256.NewInt(i)}})
		require.NoError(t, PushDelayed(batch, &di, r))
	}
	assert.Equal(t, uint64(5), di.Len())

	for i := uint64(0); i < 5; i++ {
		r, err := PopDelayed(batch, &di)
		require.NoError(t, err)
		assert.Equal(t, DeriveID(parent, i), r.ID, "queue must preserve arrival order")
	}
	assert.Equal(t, uint64(0), di.Len())

	_, err = PopDelayed(batch, &di)
	assert.ErrorIs(t, err, ErrQueueCorrupted)
}

func TestDelayedIndicesSurviveCommit(t *testing.T) {
	store := state.NewMemoryStore()
	batch, err := store.OpenBatch(store.EmptyRoot())
	require.NoError(t, err)

	var di DelayedIndices
	r := NewActionReceipt(DeriveID(crypto.Keccak256Hash([]byte("p")), 0), "a", "b",
		[]*Action{{Kind: ActionTransfer, Deposit: uint256.NewInt(1)}})
	require.NoError(t, PushDelayed(batch, &di, r))
	require.NoError(t, StoreDelayedIndices(batch, di))
	root, err := batch.Commit(1)
	require.NoError(t, err)

	batch2, err := store.OpenBatch(root)
	require.NoError(t, err)
	di2, err := LoadDelayedIndices(batch2)
	require.NoError(t, err)
	assert.Equal(t, di, di2)

	got, err := PopDelayed(batch2, &di2)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestLoadDelayedIndicesFreshState(t *testing.T) {
	store := state.NewMemoryStore()
	snap, err := store.Snapshot(store.EmptyRoot())
	require.NoError(t, err)
	di, err := LoadDelayedIndices(snap)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), di.Len())
}
