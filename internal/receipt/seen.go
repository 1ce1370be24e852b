package receipt

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sharding-experiment/resharding/internal/state"
)

// seenWindow is how many recent heights of applied receipt ids stay in
// state for duplicate suppression. The transport may redeliver across
// a few blocks and across a shard handover, so the set lives in
// authenticated state rather than node memory; the window bounds its
// size.
const seenWindow = 64

// SeenRecord marks a receipt as applied on its shard. Receiver routes
// the record in a state split; Height drives pruning.
type SeenRecord struct {
	Receiver string
	Height   uint64
}

// SeenRingEntry orders applied receipts for pruning, oldest first.
type SeenRingEntry struct {
	ID       common.Hash
	Receiver string
	Height   uint64
}

// SeenIndices is the persisted index record of the applied-receipt
// ring, same shape as the delayed queue indices.
type SeenIndices struct {
	FirstIndex         uint64
	NextAvailableIndex uint64
}

func (si SeenIndices) Len() uint64 {
	return si.NextAvailableIndex - si.FirstIndex
}

// LoadSeenIndices reads the ring indices, zero if never touched.
func LoadSeenIndices(r state.Reader) (SeenIndices, error) {
	var si SeenIndices
	raw, err := r.Get(state.SeenIndicesKey())
	if err != nil {
		return si, err
	}
	if len(raw) == 0 {
		return si, nil
	}
	if err := rlp.DecodeBytes(raw, &si); err != nil {
		return si, fmt.Errorf("%w: decode seen indices: %v", ErrQueueCorrupted, err)
	}
	if si.FirstIndex > si.NextAvailableIndex {
		return si, fmt.Errorf("%w: seen first index %d past next available %d", ErrQueueCorrupted, si.FirstIndex, si.NextAvailableIndex)
	}
	return si, nil
}

// StoreSeenIndices writes the ring indices.
func StoreSeenIndices(b *state.WriteBatch, si SeenIndices) error {
	raw, err := rlp.EncodeToBytes(&si)
	if err != nil {
		return err
	}
	return b.Set(state.SeenIndicesKey(), raw)
}

// WasApplied reports whether a receipt id is in the applied set.
func WasApplied(r state.Reader, id common.Hash) (bool, error) {
	raw, err := r.Get(state.SeenKey(id))
	if err != nil {
		return false, err
	}
	return len(raw) > 0, nil
}

// MarkApplied records a receipt as applied at height, appending it to
// the pruning ring.
func MarkApplied(b *state.WriteBatch, si *SeenIndices, r *Receipt, height uint64) error {
	raw, err := rlp.EncodeToBytes(&SeenRecord{Receiver: r.Receiver, Height: height})
	if err != nil {
		return err
	}
	if err := b.Set(state.SeenKey(r.ID), raw); err != nil {
		return err
	}
	entry, err := rlp.EncodeToBytes(&SeenRingEntry{ID: r.ID, Receiver: r.Receiver, Height: height})
	if err != nil {
		return err
	}
	if err := b.Set(state.SeenRingKey(si.NextAvailableIndex), entry); err != nil {
		return err
	}
	si.NextAvailableIndex++
	return nil
}

// PruneSeen drops applied-receipt records older than the dedup window
// from the front of the ring.
func PruneSeen(b *state.WriteBatch, si *SeenIndices, height uint64) error {
	if height < seenWindow {
		return nil
	}
	cutoff := height - seenWindow
	for si.Len() > 0 {
		key := state.SeenRingKey(si.FirstIndex)
		raw, err := b.Get(key)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return fmt.Errorf("%w: missing seen ring entry at index %d", ErrQueueCorrupted, si.FirstIndex)
		}
		var entry SeenRingEntry
		if err := rlp.DecodeBytes(raw, &entry); err != nil {
			return fmt.Errorf("%w: decode seen ring entry: %v", ErrQueueCorrupted, err)
		}
		if entry.Height >= cutoff {
			return nil
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		if err := b.Delete(state.SeenKey(entry.ID)); err != nil {
			return err
		}
		si.FirstIndex++
	}
	return nil
}

// DecodeSeenRecord deserializes an applied-receipt record.
func DecodeSeenRecord(raw []byte) (*SeenRecord, error) {
	rec := new(SeenRecord)
	if err := rlp.DecodeBytes(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: decode seen record: %v", ErrQueueCorrupted, err)
	}
	return rec, nil
}

// DecodeSeenRingEntry deserializes an applied-receipt ring entry.
func DecodeSeenRingEntry(raw []byte) (*SeenRingEntry, error) {
	entry := new(SeenRingEntry)
	if err := rlp.DecodeBytes(raw, entry); err != nil {
		return nil, fmt.Errorf("%w: decode seen ring entry: %v", ErrQueueCorrupted, err)
	}
	return entry, nil
}

// AppendSeenEntry re-appends a ring entry on a rebuilt shard, keeping
// its id record alongside.
func AppendSeenEntry(b *state.WriteBatch, si *SeenIndices, entry *SeenRingEntry) error {
	raw, err := rlp.EncodeToBytes(&SeenRecord{Receiver: entry.Receiver, Height: entry.Height})
	if err != nil {
		return err
	}
	if err := b.Set(state.SeenKey(entry.ID), raw); err != nil {
		return err
	}
	enc, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	if err := b.Set(state.SeenRingKey(si.NextAvailableIndex), enc); err != nil {
		return err
	}
	si.NextAvailableIndex++
	return nil
}
