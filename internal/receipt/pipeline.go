package receipt

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/state"
)

// Pipeline applies blocks to shard state: transaction conversion,
// incoming receipt routing checks, the delayed queue, and the
// postponed buffer. One Pipeline serves all shards of a store; calls
// for the same shard must be sequential, different shards may run
// concurrently.
type Pipeline struct {
	log   zerolog.Logger
	store *state.Store
}

func NewPipeline(log zerolog.Logger, store *state.Store) *Pipeline {
	return &Pipeline{
		log:   log.With().Str("component", "receipt-pipeline").Logger(),
		store: store,
	}
}

// ApplyResult is the outcome of applying one block to one shard.
type ApplyResult struct {
	NewRoot  common.Hash
	Outgoing []*Receipt
	Outcomes []*Outcome
	Delayed  DelayedIndices
}

// ApplyBlock processes one block for one shard on top of prevRoot.
//
// Delayed receipts from earlier blocks drain first, then transactions
// convert, then incoming receipts apply. Ready action receipts execute
// while gas used stays under gasLimit; one receipt may overshoot so a
// single expensive receipt can never wedge the queue. Receipts past
// the limit join the delayed queue in arrival order. Data receipts are
// free and always apply.
//
// Incoming receipts addressed to a different shard under lay are a
// routing inconsistency and fail the whole block. Duplicate deliveries
// of recently applied receipts are dropped; the applied set lives in
// shard state so it survives catchup downloads and splits.
func (p *Pipeline) ApplyBlock(
	ctx context.Context,
	uid layout.ShardUID,
	prevRoot common.Hash,
	height uint64,
	gasLimit uint64,
	lay *layout.Layout,
	txs []*Transaction,
	incoming []*Receipt,
) (*ApplyResult, error) {
	batch, err := p.store.OpenBatch(prevRoot)
	if err != nil {
		return nil, err
	}
	di, err := LoadDelayedIndices(batch)
	if err != nil {
		return nil, err
	}
	si, err := LoadSeenIndices(batch)
	if err != nil {
		return nil, err
	}

	exec := &executor{batch: batch}
	res := &ApplyResult{}
	var gasUsed uint64
	var work []*Receipt

	route := func(r *Receipt) {
		if lay.UIDOf(r.Receiver) == uid {
			work = append(work, r)
		} else {
			res.Outgoing = append(res.Outgoing, r)
		}
	}

	// Drain the front of the delayed queue. Everything in it was ready
	// when enqueued, so entries apply directly.
	for di.Len() > 0 && gasUsed < gasLimit {
		r, err := PopDelayed(batch, &di)
		if err != nil {
			return nil, err
		}
		ap, err := exec.applyReceipt(r)
		if err != nil {
			return nil, err
		}
		gasUsed += ap.outcome.GasBurnt
		res.Outcomes = append(res.Outcomes, ap.outcome)
		if err := p.consumeInputs(batch, r); err != nil {
			return nil, err
		}
		for _, nr := range ap.produced {
			route(nr)
		}
	}

	// Transactions convert into their first receipt unconditionally;
	// the receipts themselves are subject to the gas limit.
	for _, tx := range txs {
		ap, err := exec.convertTx(tx)
		if err != nil {
			return nil, err
		}
		res.Outcomes = append(res.Outcomes, ap.outcome)
		for _, nr := range ap.produced {
			route(nr)
		}
	}

	for _, r := range incoming {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if got := lay.UIDOf(r.Receiver); got != uid {
			return nil, fmt.Errorf("%w: receipt %s for %q belongs to %s, delivered to %s",
				ErrRoutingInconsistency, r.ID.Hex(), r.Receiver, got, uid)
		}
		applied, err := WasApplied(batch, r.ID)
		if err != nil {
			return nil, err
		}
		if applied {
			p.log.Debug().Str("shard", uid.String()).Str("receipt", r.ID.Hex()).Msg("dropping duplicate receipt")
			continue
		}
		if err := MarkApplied(batch, &si, r, height); err != nil {
			return nil, err
		}
		work = append(work, r)
	}

	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := work[0]
		work = work[1:]

		if r.Kind == KindData {
			released, err := p.absorbData(batch, r)
			if err != nil {
				return nil, err
			}
			if released != nil {
				work = append(work, released)
			}
			continue
		}

		missing, err := p.countMissingInputs(batch, r)
		if err != nil {
			return nil, err
		}
		if missing > 0 {
			if err := p.postpone(batch, r, missing); err != nil {
				return nil, err
			}
			continue
		}

		if gasUsed >= gasLimit {
			if err := PushDelayed(batch, &di, r); err != nil {
				return nil, err
			}
			continue
		}

		ap, err := exec.applyReceipt(r)
		if err != nil {
			return nil, err
		}
		gasUsed += ap.outcome.GasBurnt
		res.Outcomes = append(res.Outcomes, ap.outcome)
		if err := p.consumeInputs(batch, r); err != nil {
			return nil, err
		}
		for _, nr := range ap.produced {
			route(nr)
		}
	}

	if err := StoreDelayedIndices(batch, di); err != nil {
		return nil, err
	}
	if err := PruneSeen(batch, &si, height); err != nil {
		return nil, err
	}
	if err := StoreSeenIndices(batch, si); err != nil {
		return nil, err
	}
	root, err := batch.Commit(height)
	if err != nil {
		return nil, err
	}
	res.NewRoot = root
	res.Delayed = di

	p.log.Debug().
		Str("shard", uid.String()).
		Uint64("height", height).
		Uint64("gas_used", gasUsed).
		Uint64("delayed", di.Len()).
		Int("outgoing", len(res.Outgoing)).
		Msg("applied block")
	return res, nil
}

// absorbData records an arrived data receipt and returns the blocked
// receipt it releases, if this was its last missing input.
func (p *Pipeline) absorbData(batch *state.WriteBatch, r *Receipt) (*Receipt, error) {
	w, err := loadWaiting(batch, r.DataID)
	if err != nil {
		return nil, err
	}
	if err := storeData(batch, r.DataID, &DataRecord{Receiver: r.Receiver, Data: r.Data}); err != nil {
		return nil, err
	}
	if w == nil {
		// Data arrived before the receipt depending on it; the record
		// waits in state until the receipt shows up.
		return nil, nil
	}
	if err := deleteWaiting(batch, r.DataID); err != nil {
		return nil, err
	}

	rec, err := loadPostponed(batch, w.ReceiptID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: waiting record for %s names missing receipt %s",
			ErrPostponedInconsistent, r.DataID.Hex(), w.ReceiptID.Hex())
	}
	if rec.MissingInputs == 0 {
		return nil, fmt.Errorf("%w: receipt %s postponed with zero missing inputs",
			ErrPostponedInconsistent, w.ReceiptID.Hex())
	}
	rec.MissingInputs--
	if rec.MissingInputs > 0 {
		return nil, storePostponed(batch, rec)
	}
	if err := deletePostponed(batch, w.ReceiptID); err != nil {
		return nil, err
	}
	return rec.Receipt, nil
}

func (p *Pipeline) countMissingInputs(batch *state.WriteBatch, r *Receipt) (uint32, error) {
	var missing uint32
	for _, id := range r.InputDataIDs {
		_, ok, err := loadData(batch, id)
		if err != nil {
			return 0, err
		}
		if !ok {
			missing++
		}
	}
	return missing, nil
}

func (p *Pipeline) postpone(batch *state.WriteBatch, r *Receipt, missing uint32) error {
	if err := storePostponed(batch, &PostponedRecord{Receipt: r, MissingInputs: missing}); err != nil {
		return err
	}
	for _, id := range r.InputDataIDs {
		_, ok, err := loadData(batch, id)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := storeWaiting(batch, id, &WaitingRecord{ReceiptID: r.ID, Receiver: r.Receiver}); err != nil {
			return err
		}
	}
	return nil
}

// consumeInputs drops the data records an executed receipt consumed.
func (p *Pipeline) consumeInputs(batch *state.WriteBatch, r *Receipt) error {
	for _, id := range r.InputDataIDs {
		if err := deleteData(batch, id); err != nil {
			return err
		}
	}
	return nil
}

