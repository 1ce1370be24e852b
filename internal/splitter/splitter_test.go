package splitter

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/receipt"
	"github.com/sharding-experiment/resharding/internal/state"
)

// splitLayout grows 2 shards into 3: shard 0 (accounts below "m")
// splits into shards 0 and 1 at "f", shard 1 carries over as shard 2.
func splitLayout(t *testing.T) *layout.Layout {
	t.Helper()
	lay, err := layout.NewRanged(2, []string{"f", "m"}, map[layout.ShardID][]layout.ShardID{
		0: {0, 1},
		1: {2},
	})
	require.NoError(t, err)
	return lay
}

func transferTo(parent common.Hash, idx uint64, to string) *receipt.Receipt {
	return receipt.NewActionReceipt(receipt.DeriveID(parent, idx), "sender", to,
		[]*receipt.Action{{Kind: receipt.ActionTransfer, Deposit: uint256.NewInt(1)}})
}

func buildParentState(t *testing.T, store *state.Store) common.Hash {
	t.Helper()
	batch, err := store.OpenBatch(store.EmptyRoot())
	require.NoError(t, err)

	alice := state.NewAccount(uint256.NewInt(100))
	require.NoError(t, state.SetAccount(batch, "alice", alice))
	require.NoError(t, state.SetCode(batch, "alice", alice, []byte("wasm")))
	require.NoError(t, state.SetAccount(batch, "greg", state.NewAccount(uint256.NewInt(200))))

	parent := crypto.Keccak256Hash([]byte("origin"))
	var di receipt.DelayedIndices
	require.NoError(t, receipt.PushDelayed(batch, &di, transferTo(parent, 0, "greg")))
	require.NoError(t, receipt.PushDelayed(batch, &di, transferTo(parent, 1, "alice")))
	require.NoError(t, receipt.PushDelayed(batch, &di, transferTo(parent, 2, "greg")))
	require.NoError(t, receipt.StoreDelayedIndices(batch, di))

	dataID := receipt.DeriveDataID(parent, 0)
	blocked := transferTo(parent, 3, "greg")
	blocked.InputDataIDs = []common.Hash{dataID}
	rawPostponed, err := rlp.EncodeToBytes(&receipt.PostponedRecord{Receipt: blocked, MissingInputs: 1})
	require.NoError(t, err)
	require.NoError(t, batch.Set(state.PostponedKey(blocked.ID), rawPostponed))
	rawWaiting, err := rlp.EncodeToBytes(&receipt.WaitingRecord{ReceiptID: blocked.ID, Receiver: "greg"})
	require.NoError(t, err)
	require.NoError(t, batch.Set(state.WaitingKey(dataID), rawWaiting))

	otherData := receipt.DeriveDataID(parent, 1)
	rawData, err := rlp.EncodeToBytes(&receipt.DataRecord{Receiver: "alice", Data: []byte{7}})
	require.NoError(t, err)
	require.NoError(t, batch.Set(state.DataKey(otherData), rawData))

	var si receipt.SeenIndices
	require.NoError(t, receipt.MarkApplied(batch, &si, transferTo(parent, 9, "greg"), 1))
	require.NoError(t, receipt.StoreSeenIndices(batch, si))

	root, err := batch.Commit(1)
	require.NoError(t, err)
	return root
}

func TestSplitRoutesEveryColumn(t *testing.T) {
	store := state.NewMemoryStore()
	lay := splitLayout(t)
	parentRoot := buildParentState(t, store)

	roots, err := New(zerolog.Nop(), store).Split(context.Background(), parentRoot, 0, lay, 10)
	require.NoError(t, err)
	require.Len(t, roots, 2)

	aliceSnap, err := store.Snapshot(roots[lay.UID(0)])
	require.NoError(t, err)
	gregSnap, err := store.Snapshot(roots[lay.UID(1)])
	require.NoError(t, err)

	acct, err := state.GetAccount(aliceSnap, "alice")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, uint64(100), acct.Balance.Uint64())
	code, err := state.GetCode(aliceSnap, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm"), code)

	missing, err := state.GetAccount(gregSnap, "alice")
	require.NoError(t, err)
	assert.Nil(t, missing, "alice must not leak into greg's shard")
	acct, err = state.GetAccount(gregSnap, "greg")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, uint64(200), acct.Balance.Uint64())

	// Delayed queues are rebuilt densely, parent order preserved.
	aliceDI, err := receipt.LoadDelayedIndices(aliceSnap)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), aliceDI.Len())
	gregDI, err := receipt.LoadDelayedIndices(gregSnap)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gregDI.Len())
	assert.Equal(t, uint64(0), gregDI.FirstIndex)

	origin := crypto.Keccak256Hash([]byte("origin"))
	raw, err := gregSnap.Get(state.DelayedKey(0))
	require.NoError(t, err)
	first, err := receipt.DecodeReceipt(raw)
	require.NoError(t, err)
	assert.Equal(t, receipt.DeriveID(origin, 0), first.ID)
	raw, err = gregSnap.Get(state.DelayedKey(1))
	require.NoError(t, err)
	second, err := receipt.DecodeReceipt(raw)
	require.NoError(t, err)
	assert.Equal(t, receipt.DeriveID(origin, 2), second.ID)

	// Postponed buffer and waiting reference follow greg, the data
	// record follows alice.
	raw, err = gregSnap.Get(state.WaitingKey(receipt.DeriveDataID(origin, 0)))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	raw, err = aliceSnap.Get(state.DataKey(receipt.DeriveDataID(origin, 1)))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	raw, err = aliceSnap.Get(state.WaitingKey(receipt.DeriveDataID(origin, 0)))
	require.NoError(t, err)
	assert.Empty(t, raw)

	// The applied-receipt dedup set moves with its receiver.
	applied, err := receipt.WasApplied(gregSnap, receipt.DeriveID(origin, 9))
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = receipt.WasApplied(aliceSnap, receipt.DeriveID(origin, 9))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSplitConservesTotalBalance(t *testing.T) {
	store := state.NewMemoryStore()
	lay := splitLayout(t)
	parentRoot := buildParentState(t, store)

	roots, err := New(zerolog.Nop(), store).Split(context.Background(), parentRoot, 0, lay, 10)
	require.NoError(t, err)

	total := uint256.NewInt(0)
	for _, root := range roots {
		snap, err := store.Snapshot(root)
		require.NoError(t, err)
		require.NoError(t, snap.Iterate(func(key, value []byte) error {
			if state.Classify(key) != state.KindAccount {
				return nil
			}
			acct, err := state.DecodeAccount(value)
			if err != nil {
				return err
			}
			total.Add(total, acct.Balance)
			return nil
		}))
	}
	assert.Equal(t, uint64(300), total.Uint64(), "children must hold exactly the parent's balance")
}

func TestSplitIsDeterministic(t *testing.T) {
	store := state.NewMemoryStore()
	lay := splitLayout(t)
	parentRoot := buildParentState(t, store)
	s := New(zerolog.Nop(), store)

	first, err := s.Split(context.Background(), parentRoot, 0, lay, 10)
	require.NoError(t, err)
	second, err := s.Split(context.Background(), parentRoot, 0, lay, 10)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same parent state must yield identical child roots")
}

func TestSplitRejectsForeignAccounts(t *testing.T) {
	store := state.NewMemoryStore()
	lay := splitLayout(t)

	batch, err := store.OpenBatch(store.EmptyRoot())
	require.NoError(t, err)
	require.NoError(t, state.SetAccount(batch, "alice", state.NewAccount(uint256.NewInt(1))))
	root, err := batch.Commit(1)
	require.NoError(t, err)

	// alice belongs under parent 0; splitting her out of parent 1 would
	// misplace state.
	_, err = New(zerolog.Nop(), store).Split(context.Background(), root, 1, lay, 10)
	assert.ErrorIs(t, err, ErrSplitDiverged)
}

func TestSplitRejectsLayoutWithoutChildren(t *testing.T) {
	store := state.NewMemoryStore()
	lay, err := layout.NewRanged(2, []string{"m"}, nil)
	require.NoError(t, err)

	_, err = New(zerolog.Nop(), store).Split(context.Background(), store.EmptyRoot(), 0, lay, 10)
	assert.ErrorIs(t, err, ErrSplitDiverged)
}
