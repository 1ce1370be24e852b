package receipt

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sharding-experiment/resharding/internal/state"
)

// PostponedRecord holds a receipt blocked on not-yet-available inputs
// together with its missing-input count. A receipt leaves the buffer
// exactly once, when the count reaches zero.
type PostponedRecord struct {
	Receipt       *Receipt
	MissingInputs uint32
}

// WaitingRecord points from a pending data id to the receipt blocked
// on it. Receiver repeats the blocked receipt's receiver so a state
// split can route the record without loading the receipt.
type WaitingRecord struct {
	ReceiptID common.Hash
	Receiver  string
}

// DataRecord is a received execution result, retained until the
// receipt depending on it executes. Receiver is the account whose
// receipt consumes the data, which also routes the record in a split.
type DataRecord struct {
	Receiver string
	Data     []byte
}

// DecodePostponed deserializes a postponed receipt record.
func DecodePostponed(raw []byte) (*PostponedRecord, error) {
	rec := new(PostponedRecord)
	if err := rlp.DecodeBytes(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: decode postponed record: %v", ErrPostponedInconsistent, err)
	}
	return rec, nil
}

// DecodeWaiting deserializes a waiting-receipt reference.
func DecodeWaiting(raw []byte) (*WaitingRecord, error) {
	rec := new(WaitingRecord)
	if err := rlp.DecodeBytes(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: decode waiting record: %v", ErrPostponedInconsistent, err)
	}
	return rec, nil
}

// DecodeData deserializes a received data record.
func DecodeData(raw []byte) (*DataRecord, error) {
	rec := new(DataRecord)
	if err := rlp.DecodeBytes(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: decode data record: %v", ErrPostponedInconsistent, err)
	}
	return rec, nil
}

func storePostponed(b *state.WriteBatch, rec *PostponedRecord) error {
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return err
	}
	return b.Set(state.PostponedKey(rec.Receipt.ID), raw)
}

func loadPostponed(r state.Reader, receiptID common.Hash) (*PostponedRecord, error) {
	raw, err := r.Get(state.PostponedKey(receiptID))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return DecodePostponed(raw)
}

func deletePostponed(b *state.WriteBatch, receiptID common.Hash) error {
	return b.Delete(state.PostponedKey(receiptID))
}

func storeWaiting(b *state.WriteBatch, dataID common.Hash, rec *WaitingRecord) error {
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return err
	}
	return b.Set(state.WaitingKey(dataID), raw)
}

func loadWaiting(r state.Reader, dataID common.Hash) (*WaitingRecord, error) {
	raw, err := r.Get(state.WaitingKey(dataID))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return DecodeWaiting(raw)
}

func deleteWaiting(b *state.WriteBatch, dataID common.Hash) error {
	return b.Delete(state.WaitingKey(dataID))
}

func storeData(b *state.WriteBatch, dataID common.Hash, rec *DataRecord) error {
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return err
	}
	return b.Set(state.DataKey(dataID), raw)
}

func loadData(r state.Reader, dataID common.Hash) (*DataRecord, bool, error) {
	raw, err := r.Get(state.DataKey(dataID))
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	rec, err := DecodeData(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func deleteData(b *state.WriteBatch, dataID common.Hash) error {
	return b.Delete(state.DataKey(dataID))
}
