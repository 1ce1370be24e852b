package receipt

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/resharding/internal/state"
)

func TestMarkAppliedIsVisibleAcrossCommits(t *testing.T) {
	store := state.NewMemoryStore()
	batch, err := store.OpenBatch(store.EmptyRoot())
	require.NoError(t, err)

	r := NewActionReceipt(DeriveID(crypto.Keccak256Hash([]byte("p")), 0), "a", "b",
		[]*Action{{Kind: ActionTransfer, Deposit: uint256.NewInt(1)}})

	var si SeenIndices
	applied, err := WasApplied(batch, r.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, MarkApplied(batch, &si, r, 5))
	require.NoError(t, StoreSeenIndices(batch, si))
	root, err := batch.Commit(5)
	require.NoError(t, err)

	snap, err := store.Snapshot(root)
	require.NoError(t, err)
	applied, err = WasApplied(snap, r.ID)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestPruneSeenDropsOnlyStaleEntries(t *testing.T) {
	store := state.NewMemoryStore()
	batch, err := store.OpenBatch(store.EmptyRoot())
	require.NoError(t, err)

	parent := crypto.Keccak256Hash([]byte("p"))
	old := NewActionReceipt(DeriveID(parent, 0), "a", "b",
		[]*Action{{Kind: ActionTransfer, Deposit: uint256.NewInt(1)}})
	recent := NewActionReceipt(DeriveID(parent, 1), "a", "b",
		[]*Action{{Kind: ActionTransfer, Deposit: uint256.NewInt(1)}})

	var si SeenIndices
	require.NoError(t, MarkApplied(batch, &si, old, 1))
	require.NoError(t, MarkApplied(batch, &si, recent, 100))

	// Height 100: the entry from height 1 is outside the window, the
	// one from height 100 stays.
	require.NoError(t, PruneSeen(batch, &si, 100))
	assert.Equal(t, uint64(1), si.Len())

	applied, err := WasApplied(batch, old.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = WasApplied(batch, recent.ID)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestPruneSeenBeforeWindowIsNoop(t *testing.T) {
	store := state.NewMemoryStore()
	batch, err := store.OpenBatch(store.EmptyRoot())
	require.NoError(t, err)

	r := NewActionReceipt(DeriveID(crypto.Keccak256Hash([]byte("p")), 0), "a", "b",
		[]*Action{{Kind: ActionTransfer, Deposit: uint256.NewInt(1)}})
	var si SeenIndices
	require.NoError(t, MarkApplied(batch, &si, r, 1))
	require.NoError(t, PruneSeen(batch, &si, 10))
	assert.Equal(t, uint64(1), si.Len())
}
