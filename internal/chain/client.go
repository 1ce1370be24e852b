package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/resharding/internal/catchup"
	"github.com/sharding-experiment/resharding/internal/epoch"
	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/protocol"
	"github.com/sharding-experiment/resharding/internal/receipt"
	"github.com/sharding-experiment/resharding/internal/splitter"
	"github.com/sharding-experiment/resharding/internal/state"
)

var (
	// ErrShardNotTracked is returned by queries for shards this node
	// holds no state for.
	ErrShardNotTracked = errors.New("shard not tracked")
	// ErrUnknownAccount is returned by queries for accounts absent from
	// the tracked state.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrChunkMismatch is returned when a block's chunk header commits a
	// pre-state root that disagrees with the locally derived head.
	ErrChunkMismatch = errors.New("chunk state root mismatch")
)

// Client is one node's view of the sharded chain: the shards it
// tracks, their head state roots, and the machinery that moves both
// across resharding boundaries.
type Client struct {
	log      zerolog.Logger
	name     string
	store    *state.Store
	planner  *epoch.Planner
	pipeline *receipt.Pipeline
	splitter *splitter.Splitter
	router   *Router
	catchup  *catchup.Coordinator
	outcomes *receipt.OutcomeStore
	gasLimit uint64

	mu         sync.Mutex
	tracked    map[layout.ShardUID]bool
	roots      map[layout.ShardUID]common.Hash
	lastHeight uint64

	// acquired holds roots of shards downloaded ahead of their epoch.
	// They are applied alongside tracked shards so they stay current
	// until adoption.
	acquired map[layout.ShardUID]common.Hash

	// pendingChildren holds child roots produced by a local split at a
	// boundary, adopted when the new epoch starts.
	pendingChildren map[layout.ShardUID]common.Hash

	// assignments pins the shard set per epoch; epochs without an entry
	// follow the previous set (and its split children).
	assignments map[uint64][]layout.ShardUID
}

func NewClient(log zerolog.Logger, name string, store *state.Store, planner *epoch.Planner, gasLimit uint64) *Client {
	log = log.With().Str("client", name).Logger()
	return &Client{
		log:             log,
		name:            name,
		store:           store,
		planner:         planner,
		pipeline:        receipt.NewPipeline(log, store),
		splitter:        splitter.New(log, store),
		router:          NewRouter(planner),
		catchup:         catchup.New(log),
		outcomes:        receipt.NewOutcomeStore(),
		gasLimit:        gasLimit,
		tracked:         make(map[layout.ShardUID]bool),
		roots:           make(map[layout.ShardUID]common.Hash),
		acquired:        make(map[layout.ShardUID]common.Hash),
		pendingChildren: make(map[layout.ShardUID]common.Hash),
		assignments:     make(map[uint64][]layout.ShardUID),
	}
}

// Name returns the node name used in logs.
func (c *Client) Name() string { return c.name }

// Store exposes the node's state store, e.g. as an import target for
// catchup downloads.
func (c *Client) Store() *state.Store { return c.store }

// Outcomes exposes the node's execution outcome store.
func (c *Client) Outcomes() *receipt.OutcomeStore { return c.outcomes }

// InitGenesis builds the genesis state of every shard in the initial
// layout from the given balances and tracks all of them.
func (c *Client) InitGenesis(balances map[string]*uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lay := c.planner.LayoutAt(0)
	for _, uid := range lay.ShardUIDs() {
		batch, err := c.store.OpenBatch(c.store.EmptyRoot())
		if err != nil {
			return err
		}
		for account, balance := range balances {
			if lay.UIDOf(account) != uid {
				continue
			}
			if err := state.SetAccount(batch, account, state.NewAccount(balance)); err != nil {
				return err
			}
		}
		root, err := batch.Commit(0)
		if err != nil {
			return err
		}
		c.tracked[uid] = true
		c.roots[uid] = root
	}
	return nil
}

// Assign pins the shard set this node serves from the given epoch on
// and returns the shards whose state is neither held entering that
// epoch nor produced by a local split, i.e. the ones needing a catchup
// download.
func (c *Client) Assign(epochNum uint64, uids []layout.ShardUID) []layout.ShardUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.assignments[epochNum] = append([]layout.ShardUID(nil), uids...)

	// The shards held entering epochNum are the previous epoch's
	// assignment when one is pinned, the current set otherwise.
	held := make(map[layout.ShardUID]bool, len(c.tracked))
	if prev, ok := c.assignments[epochNum-1]; ok && epochNum > 0 {
		for _, uid := range prev {
			held[uid] = true
		}
	} else {
		for uid := range c.tracked {
			held[uid] = true
		}
	}

	var missing []layout.ShardUID
	for _, uid := range uids {
		if held[uid] {
			continue
		}
		if splitProducesLocally(c.planner.NextLayout(), held, uid) {
			continue
		}
		missing = append(missing, uid)
	}
	return missing
}

// splitProducesLocally reports whether uid is a child of a held shard
// under the configured upgrade, so its state will appear from the
// node's own split.
func splitProducesLocally(next *layout.Layout, held map[layout.ShardUID]bool, uid layout.ShardUID) bool {
	if next == nil || uid.Version != next.Version() {
		return false
	}
	for parent := range held {
		if parent.Version == next.Version() {
			continue
		}
		for _, child := range next.ChildrenOf(parent.ID) {
			if child == uid.ID {
				return true
			}
		}
	}
	return false
}

// ScheduleCatchup registers a state download for a shard needed by the
// epoch starting after deadline.
func (c *Client) ScheduleCatchup(uid layout.ShardUID, deadline uint64, fetch catchup.FetchFunc) {
	c.catchup.Schedule(uid, deadline, fetch)
}

// RunCatchup executes pending state downloads.
func (c *Client) RunCatchup(ctx context.Context) error {
	return c.catchup.Run(ctx)
}

// RunCatchupDue executes the pending downloads whose deadline is at or
// before height.
func (c *Client) RunCatchupDue(ctx context.Context, height uint64) error {
	return c.catchup.RunDue(ctx, height)
}

// CatchupPending lists shards with downloads still outstanding.
func (c *Client) CatchupPending() []layout.ShardUID {
	return c.catchup.Pending()
}

// Head returns the current state root of a tracked shard.
func (c *Client) Head(uid layout.ShardUID) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, ok := c.roots[uid]
	return root, ok
}

// IsReady reports whether this node can validate uid at height: uid
// must belong to the layout governing height and its state must be
// live on this node, either tracked now or already produced for the
// epoch by a local split or a finished download. Never true for a
// shard the catchup coordinator has not moved to tracking.
func (c *Client) IsReady(uid layout.ShardUID, height uint64) bool {
	lay := c.planner.LayoutAt(c.planner.EpochOf(height))
	if uid.Version != lay.Version() || uint64(uid.ID) >= lay.NumShards() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracked[uid] {
		return true
	}
	if _, ok := c.pendingChildren[uid]; ok {
		return true
	}
	if _, ok := c.acquired[uid]; ok {
		return true
	}
	return c.catchup.Status(uid) == catchup.Tracking
}

// StateSource opens a snapshot of a shard this node can serve to a
// catching-up peer: either a tracked head or a freshly split child.
func (c *Client) StateSource(uid layout.ShardUID) (*state.Snapshot, bool) {
	c.mu.Lock()
	root, ok := c.roots[uid]
	if !ok {
		root, ok = c.pendingChildren[uid]
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	snap, err := c.store.Snapshot(root)
	if err != nil {
		return nil, false
	}
	return snap, true
}

// Tracked returns the shards this node currently applies, sorted.
func (c *Client) Tracked() []layout.ShardUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackedSorted()
}

func (c *Client) trackedSorted() []layout.ShardUID {
	uids := make([]layout.ShardUID, 0, len(c.tracked))
	for uid := range c.tracked {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool {
		if uids[i].Version != uids[j].Version {
			return uids[i].Version < uids[j].Version
		}
		return uids[i].ID < uids[j].ID
	})
	return uids
}

// LastHeight returns the height of the last applied block.
func (c *Client) LastHeight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeight
}

// ActiveLayout returns the layout governing the given height.
func (c *Client) ActiveLayout(height uint64) *layout.Layout {
	return c.planner.LayoutAt(c.planner.EpochOf(height))
}

// BlockResult carries the receipts a node produced applying one
// block: bucketed by destination shard for the next delivery, and by
// producing shard so a network layer can pick one producer per shard.
type BlockResult struct {
	Outgoing map[layout.ShardUID][]*receipt.Receipt
	BySource map[layout.ShardUID][]*receipt.Receipt
}

// ProcessBlock applies one block to every tracked shard. incoming
// holds the receipts delivered to each shard at this height; the
// result holds the receipts to deliver at the next height.
//
// At an epoch's first height the node switches to the epoch's shard
// set first; a shard whose state is neither split out locally nor
// caught up in time fails the block.
func (c *Client) ProcessBlock(ctx context.Context, blk *protocol.Block, incoming map[layout.ShardUID][]*receipt.Receipt) (*BlockResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := blk.Height
	c.planner.RecordProtocolVersion(h, blk.ProtocolVersion)
	epochNum := c.planner.EpochOf(h)
	lay := c.planner.LayoutAt(epochNum)

	if h == c.planner.FirstHeightOf(epochNum) && epochNum > 0 {
		if err := c.beginEpoch(epochNum, h, lay); err != nil {
			return nil, err
		}
	}

	c.absorbFinishedDownloads()

	txsByShard := make(map[layout.ShardUID][]*receipt.Transaction)
	for _, stx := range blk.Transactions {
		uid := lay.UIDOf(stx.Signer)
		if _, held := c.acquired[uid]; !held && !c.tracked[uid] {
			continue
		}
		etx, err := toExecutable(stx)
		if err != nil {
			// A malformed transaction is a terminal outcome for its
			// submitter, never a block failure.
			c.outcomes.Record(&receipt.Outcome{
				ID:     receipt.TxHash(stx.ID),
				Status: receipt.StatusFailure,
				Err:    err.Error(),
			})
			continue
		}
		txsByShard[uid] = append(txsByShard[uid], etx)
	}

	result := &BlockResult{
		Outgoing: make(map[layout.ShardUID][]*receipt.Receipt),
		BySource: make(map[layout.ShardUID][]*receipt.Receipt),
	}
	for _, uid := range c.trackedSorted() {
		if want, ok := blk.ChunkRoot(uid); ok && want != c.roots[uid] {
			return nil, fmt.Errorf("%w: shard %s at height %d commits %s, local head %s",
				ErrChunkMismatch, uid, h, want.Hex(), c.roots[uid].Hex())
		}
		res, err := c.pipeline.ApplyBlock(ctx, uid, c.roots[uid], h, c.gasLimit, lay, txsByShard[uid], incoming[uid])
		if err != nil {
			return nil, fmt.Errorf("apply block %d to shard %s: %w", h, uid, err)
		}
		c.roots[uid] = res.NewRoot
		for _, o := range res.Outcomes {
			c.outcomes.Record(o)
		}
		if len(res.Outgoing) > 0 {
			result.BySource[uid] = res.Outgoing
		}
		for dst, rs := range c.router.Route(h+1, res.Outgoing) {
			result.Outgoing[dst] = append(result.Outgoing[dst], rs...)
		}
	}
	// Shards downloaded ahead of their epoch keep pace with the chain
	// so the root adopted at the epoch start matches live trackers.
	for _, uid := range sortedUIDs(c.acquired) {
		res, err := c.pipeline.ApplyBlock(ctx, uid, c.acquired[uid], h, c.gasLimit, lay, txsByShard[uid], incoming[uid])
		if err != nil {
			return nil, fmt.Errorf("apply block %d to acquired shard %s: %w", h, uid, err)
		}
		c.acquired[uid] = res.NewRoot
		for _, o := range res.Outcomes {
			c.outcomes.Record(o)
		}
	}
	c.lastHeight = h

	if c.planner.SplitDue(h) {
		if err := c.runSplit(ctx, h); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// beginEpoch switches the tracked shard set for a starting epoch and
// resolves each shard's opening root from the previous head, a local
// split, or a finished catchup.
func (c *Client) beginEpoch(epochNum, height uint64, lay *layout.Layout) error {
	if err := c.catchup.CheckDeadline(height); err != nil {
		return err
	}

	desired, ok := c.assignments[epochNum]
	if !ok {
		desired = c.followLayout(lay)
	}

	roots := make(map[layout.ShardUID]common.Hash, len(desired))
	tracked := make(map[layout.ShardUID]bool, len(desired))
	for _, uid := range desired {
		root, ok := c.roots[uid]
		if !ok {
			root, ok = c.pendingChildren[uid]
		}
		if !ok {
			root, ok = c.acquired[uid]
		}
		if !ok {
			root, ok = c.catchup.Root(uid)
		}
		if !ok {
			return fmt.Errorf("%w: no state for shard %s at epoch %d", epoch.ErrReshardingIncomplete, uid, epochNum)
		}
		roots[uid] = root
		tracked[uid] = true
		c.catchup.Drop(uid)
	}

	c.log.Info().
		Uint64("epoch", epochNum).
		Uint32("layout", uint32(lay.Version())).
		Int("shards", len(tracked)).
		Msg("epoch started")
	// Split children the new assignment does not claim retire with
	// their parent epoch, coordinator entry included.
	for uid := range c.pendingChildren {
		if !tracked[uid] {
			c.catchup.Drop(uid)
		}
	}
	c.tracked = tracked
	c.roots = roots
	c.pendingChildren = make(map[layout.ShardUID]common.Hash)
	c.acquired = make(map[layout.ShardUID]common.Hash)
	return nil
}

// absorbFinishedDownloads moves completed catchup roots into live
// application. The coordinator keeps the task so deadline accounting
// stays intact until the epoch adopts the shard.
func (c *Client) absorbFinishedDownloads() {
	for _, uid := range c.catchup.Ready() {
		if c.tracked[uid] {
			c.catchup.Drop(uid)
			continue
		}
		if _, ok := c.acquired[uid]; ok {
			continue
		}
		if root, ok := c.catchup.Root(uid); ok {
			c.acquired[uid] = root
		}
	}
}

func sortedUIDs(m map[layout.ShardUID]common.Hash) []layout.ShardUID {
	uids := make([]layout.ShardUID, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool {
		if uids[i].Version != uids[j].Version {
			return uids[i].Version < uids[j].Version
		}
		return uids[i].ID < uids[j].ID
	})
	return uids
}

// followLayout carries the tracked set into an epoch with no explicit
// assignment: same shards while the layout holds, split children when
// it changes.
func (c *Client) followLayout(lay *layout.Layout) []layout.ShardUID {
	var desired []layout.ShardUID
	for uid := range c.tracked {
		if uid.Version == lay.Version() {
			desired = append(desired, uid)
			continue
		}
		for _, child := range lay.ChildrenOf(uid.ID) {
			desired = append(desired, lay.UID(child))
		}
	}
	return desired
}

// runSplit repartitions every tracked shard into its children under
// the upgrade layout, one parent per worker. Runs at the last height
// of a pending-upgrade epoch, so the child roots exist before the next
// epoch opens.
func (c *Client) runSplit(ctx context.Context, height uint64) error {
	next := c.planner.NextLayout()
	uids := c.trackedSorted()
	results := make([]map[layout.ShardUID]common.Hash, len(uids))
	g, gctx := errgroup.WithContext(ctx)
	for i, uid := range uids {
		g.Go(func() error {
			children, err := c.splitter.Split(gctx, c.roots[uid], uid.ID, next, height)
			if err != nil {
				return fmt.Errorf("split shard %s at height %d: %w", uid, height, err)
			}
			results[i] = children
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, children := range results {
		for child, root := range children {
			c.pendingChildren[child] = root
			// The coordinator's state machine covers locally split
			// shards too, so readiness queries see them as tracking.
			c.catchup.Adopt(child, root)
		}
	}
	return nil
}

// Balance returns an account's balance from the tracked shard owning
// it at the current height.
func (c *Client) Balance(account string) (*uint256.Int, error) {
	c.mu.Lock()
	lay := c.planner.LayoutAt(c.planner.EpochOf(c.lastHeight))
	uid := lay.UIDOf(account)
	root, ok := c.roots[uid]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s owns %q", ErrShardNotTracked, uid, account)
	}
	snap, err := c.store.Snapshot(root)
	if err != nil {
		return nil, err
	}
	acct, err := state.GetAccount(snap, account)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	return acct.Balance, nil
}

// TxStatus resolves a submitted transaction's terminal status by
// walking the outcomes of every receipt it spawned.
func (c *Client) TxStatus(txID string) protocol.TxStatus {
	st, done := c.outcomes.FinalStatus(receipt.TxHash(txID))
	if !done {
		return protocol.TxPending
	}
	if st == receipt.StatusSuccess {
		return protocol.TxSuccess
	}
	return protocol.TxFailed
}

// toExecutable converts a wire transaction into its execution form.
func toExecutable(stx *protocol.SignedTransaction) (*receipt.Transaction, error) {
	actions := make([]*receipt.Action, 0, len(stx.Actions))
	for _, a := range stx.Actions {
		deposit, err := a.ParseDeposit()
		if err != nil {
			return nil, err
		}
		act := &receipt.Action{Deposit: deposit}
		switch a.Kind {
		case protocol.TxCreateAccount:
			act.Kind = receipt.ActionCreateAccount
		case protocol.TxTransfer:
			act.Kind = receipt.ActionTransfer
		case protocol.TxDeployContract:
			act.Kind = receipt.ActionDeployContract
			act.Code = a.Code
		case protocol.TxFunctionCall:
			act.Kind = receipt.ActionFunctionCall
			act.Method = a.Method
			act.Args = a.Args
			act.Gas = a.Gas
		default:
			return nil, fmt.Errorf("unknown action kind %q", a.Kind)
		}
		actions = append(actions, act)
	}
	if len(actions) == 0 {
		return nil, errors.New("transaction without actions")
	}
	return &receipt.Transaction{
		Hash:     receipt.TxHash(stx.ID),
		Signer:   stx.Signer,
		Receiver: stx.Receiver,
		Actions:  actions,
	}, nil
}
