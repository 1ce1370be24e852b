// Package splitter repartitions one shard's state into the child
// shards of a new layout at a resharding boundary.
package splitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/receipt"
	"github.com/sharding-experiment/resharding/internal/state"
)

// ErrSplitDiverged reports that repartitioning would lose or misplace
// an entry: a routed owner outside the parent's children, or an entry
// the key schema cannot attribute to an account.
var ErrSplitDiverged = errors.New("state split diverged")

// Splitter copies entries from a parent shard's trie into fresh child
// tries. Splitting is read-only on the parent and deterministic, so
// every node derives identical child roots.
type Splitter struct {
	log   zerolog.Logger
	store *state.Store
}

func New(log zerolog.Logger, store *state.Store) *Splitter {
	return &Splitter{
		log:   log.With().Str("component", "splitter").Logger(),
		store: store,
	}
}

type childState struct {
	batch   *state.WriteBatch
	delayed receipt.DelayedIndices
	seen    receipt.SeenIndices
	entries uint64
	balance *uint256.Int
}

// Split routes every entry under parentRoot to the child shard owning
// it under newLay and returns the child state roots. Delayed receipt
// queues are rebuilt densely per child, preserving the parent's order.
// blockNum tags the committed child tries.
func (s *Splitter) Split(
	ctx context.Context,
	parentRoot common.Hash,
	parentID layout.ShardID,
	newLay *layout.Layout,
	blockNum uint64,
) (map[layout.ShardUID]common.Hash, error) {
	childIDs := newLay.ChildrenOf(parentID)
	if len(childIDs) == 0 {
		return nil, fmt.Errorf("%w: layout v%d has no children for shard %d", ErrSplitDiverged, newLay.Version(), parentID)
	}
	children := make(map[layout.ShardID]*childState, len(childIDs))
	for _, id := range childIDs {
		batch, err := s.store.OpenBatch(s.store.EmptyRoot())
		if err != nil {
			return nil, err
		}
		children[id] = &childState{batch: batch, balance: uint256.NewInt(0)}
	}

	snap, err := s.store.Snapshot(parentRoot)
	if err != nil {
		return nil, err
	}

	// Trie iteration is lexicographic, so delayed entries arrive in
	// queue order and per-child pushes preserve it.
	var seen, moved uint64
	parentBalance := uint256.NewInt(0)
	err = snap.Iterate(func(key, value []byte) error {
		if seen%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		seen++

		entry, err := classifyEntry(key, value)
		if err != nil {
			return err
		}
		if entry.skip {
			return nil
		}

		childID := newLay.ShardOf(entry.owner)
		child, ok := children[childID]
		if !ok {
			return fmt.Errorf("%w: account %q of shard %d maps to shard %d under layout v%d",
				ErrSplitDiverged, entry.owner, parentID, childID, newLay.Version())
		}
		moved++
		child.entries++
		if entry.balance != nil {
			parentBalance.Add(parentBalance, entry.balance)
			child.balance.Add(child.balance, entry.balance)
		}
		switch {
		case entry.delayed != nil:
			return receipt.PushDelayed(child.batch, &child.delayed, entry.delayed)
		case entry.seenRing != nil:
			return receipt.AppendSeenEntry(child.batch, &child.seen, entry.seenRing)
		default:
			// Keys carry the owning account or a content hash, so
			// copying them verbatim cannot collide across children.
			return child.batch.Set(common.CopyBytes(key), common.CopyBytes(value))
		}
	})
	if err != nil {
		return nil, err
	}

	// Children must partition the parent: every routed entry lands in
	// exactly one child and the total balance is conserved.
	var childEntries uint64
	childBalance := uint256.NewInt(0)
	for _, child := range children {
		childEntries += child.entries
		childBalance.Add(childBalance, child.balance)
	}
	if childEntries != moved {
		return nil, fmt.Errorf("%w: routed %d entries, children hold %d", ErrSplitDiverged, moved, childEntries)
	}
	if !childBalance.Eq(parentBalance) {
		return nil, fmt.Errorf("%w: parent balance %s, children sum %s",
			ErrSplitDiverged, parentBalance.Dec(), childBalance.Dec())
	}

	roots := make(map[layout.ShardUID]common.Hash, len(children))
	for id, child := range children {
		if err := receipt.StoreDelayedIndices(child.batch, child.delayed); err != nil {
			return nil, err
		}
		if err := receipt.StoreSeenIndices(child.batch, child.seen); err != nil {
			return nil, err
		}
		root, err := child.batch.Commit(blockNum)
		if err != nil {
			return nil, err
		}
		roots[newLay.UID(id)] = root
	}

	s.log.Info().
		Uint64("parent_shard", uint64(parentID)).
		Str("parent_root", parentRoot.Hex()).
		Uint64("entries", moved).
		Int("children", len(children)).
		Msg("split shard state")
	return roots, nil
}

// routedEntry is one parent entry resolved to the account that owns
// it. Ring-structured entries (delayed queue, applied-receipt ring)
// come back decoded so the child rebuilds its rings densely; index
// singletons are skipped for the same reason. Account entries carry
// their balance for the conservation check.
type routedEntry struct {
	owner    string
	balance  *uint256.Int
	delayed  *receipt.Receipt
	seenRing *receipt.SeenRingEntry
	skip     bool
}

func classifyEntry(key, value []byte) (routedEntry, error) {
	switch state.Classify(key) {
	case state.KindAccount:
		owner, ok := state.AccountFromKey(key)
		if !ok {
			return routedEntry{}, fmt.Errorf("%w: account key %x has no owner", ErrSplitDiverged, key)
		}
		acct, err := state.DecodeAccount(value)
		if err != nil {
			return routedEntry{}, err
		}
		return routedEntry{owner: owner, balance: acct.Balance}, nil

	case state.KindCode:
		owner, ok := state.AccountFromKey(key)
		if !ok {
			return routedEntry{}, fmt.Errorf("%w: code key %x has no owner", ErrSplitDiverged, key)
		}
		return routedEntry{owner: owner}, nil

	case state.KindDelayedIndices, state.KindSeenIndices:
		return routedEntry{skip: true}, nil

	case state.KindDelayed:
		r, err := receipt.DecodeReceipt(value)
		if err != nil {
			return routedEntry{}, err
		}
		return routedEntry{owner: r.Receiver, delayed: r}, nil

	case state.KindSeen:
		// Re-created from the ring entry on the child.
		if _, err := receipt.DecodeSeenRecord(value); err != nil {
			return routedEntry{}, err
		}
		return routedEntry{skip: true}, nil

	case state.KindSeenRing:
		entry, err := receipt.DecodeSeenRingEntry(value)
		if err != nil {
			return routedEntry{}, err
		}
		return routedEntry{owner: entry.Receiver, seenRing: entry}, nil

	case state.KindPostponed:
		rec, err := receipt.DecodePostponed(value)
		if err != nil {
			return routedEntry{}, err
		}
		return routedEntry{owner: rec.Receipt.Receiver}, nil

	case state.KindWaiting:
		rec, err := receipt.DecodeWaiting(value)
		if err != nil {
			return routedEntry{}, err
		}
		return routedEntry{owner: rec.Receiver}, nil

	case state.KindData:
		rec, err := receipt.DecodeData(value)
		if err != nil {
			return routedEntry{}, err
		}
		return routedEntry{owner: rec.Receiver}, nil

	default:
		return routedEntry{}, fmt.Errorf("%w: unclassifiable key %x", ErrSplitDiverged, key)
	}
}
