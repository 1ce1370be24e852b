package receipt

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sharding-experiment/resharding/internal/state"
)

// DelayedIndices is the persisted index record of a shard's delayed
// receipt queue: a monotonic ring of indices with contents stored
// between FirstIndex (inclusive) and NextAvailableIndex (exclusive).
type DelayedIndices struct {
	FirstIndex         uint64
	NextAvailableIndex uint64
}

// Len returns the number of queued receipts.
func (di DelayedIndices) Len() uint64 {
	return di.NextAvailableIndex - di.FirstIndex
}

// LoadDelayedIndices reads the queue indices from state, zero if the
// queue has never been touched.
func LoadDelayedIndices(r state.Reader) (DelayedIndices, error) {
	var di DelayedIndices
	raw, err := r.Get(state.DelayedIndicesKey())
	if err != nil {
		return di, err
	}
	if len(raw) == 0 {
		return di, nil
	}
	if err := rlp.DecodeBytes(raw, &di); err != nil {
		return di, fmt.Errorf("%w: decode indices: %v", ErrQueueCorrupted, err)
	}
	if di.FirstIndex > di.NextAvailableIndex {
		return di, fmt.Errorf("%w: first index %d past next available %d", ErrQueueCorrupted, di.FirstIndex, di.NextAvailableIndex)
	}
	return di, nil
}

// StoreDelayedIndices writes the queue indices to state.
func StoreDelayedIndices(b *state.WriteBatch, di DelayedIndices) error {
	raw, err := rlp.EncodeToBytes(&di)
	if err != nil {
		return err
	}
	return b.Set(state.DelayedIndicesKey(), raw)
}

// PushDelayed appends a receipt to the back of the delayed queue,
// advancing NextAvailableIndex. The caller persists the indices once
// per block via StoreDelayedIndices.
func PushDelayed(b *state.WriteBatch, di *DelayedIndices, r *Receipt) error {
	raw, err := r.Encode()
	if err != nil {
		return err
	}
	if err := b.Set(state.DelayedKey(di.NextAvailableIndex), raw); err != nil {
		return err
	}
	di.NextAvailableIndex++
	return nil
}

// PopDelayed removes and returns the receipt at the front of the
// delayed queue. The queue must be non-empty.
func PopDelayed(b *state.WriteBatch, di *DelayedIndices) (*Receipt, error) {
	if di.Len() == 0 {
		return nil, fmt.Errorf("%w: pop from empty queue", ErrQueueCorrupted)
	}
	key := state.DelayedKey(di.FirstIndex)
	raw, err := b.Get(key)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing entry at index %d", ErrQueueCorrupted, di.FirstIndex)
	}
	r, err := DecodeReceipt(raw)
	if err != nil {
		return nil, err
	}
	if err := b.Delete(key); err != nil {
		return nil, err
	}
	di.FirstIndex++
	return r, nil
}
