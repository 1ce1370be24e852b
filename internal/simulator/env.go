// Package simulator drives a set of nodes through blocks, receipt
// delivery, and a protocol upgrade, checking that every node converges
// on the same state.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sharding-experiment/resharding/internal/catchup"
	"github.com/sharding-experiment/resharding/internal/chain"
	"github.com/sharding-experiment/resharding/internal/epoch"
	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/protocol"
	"github.com/sharding-experiment/resharding/internal/receipt"
	"github.com/sharding-experiment/resharding/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config shapes a simulation run.
type Config struct {
	EpochLength    uint64
	GasLimit       uint64
	NumClients     int
	UpgradeVersion uint32
	// UpgradeHeight is the height from which produced blocks advertise
	// UpgradeVersion; before it they advertise UpgradeVersion-1.
	UpgradeHeight uint64
	// CatchupProbability is the per-step chance a node with pending
	// downloads runs them early instead of deferring to the deadline.
	CatchupProbability float64
	// RedeliverProbability is the per-step chance the previous block's
	// receipts are delivered a second time.
	RedeliverProbability float64
	Seed                 int64
}

// Env is a deterministic multi-node simulation. All nodes see the same
// blocks; shard assignments rotate per epoch so catchup downloads are
// continuously exercised.
type Env struct {
	log     zerolog.Logger
	cfg     Config
	rng     *rand.Rand
	planner *epoch.Planner
	clients []*chain.Client

	height        uint64
	prevHash      protocol.BlockHash
	heads         map[layout.ShardUID]common.Hash
	pendingTxs    []*protocol.SignedTransaction
	mailbox       map[layout.ShardUID][]*receipt.Receipt
	lastDelivered map[layout.ShardUID][]*receipt.Receipt
}

// New builds an environment with NumClients nodes sharing a genesis.
func New(log zerolog.Logger, cfg Config, old, next *layout.Layout, balances map[string]*uint256.Int) (*Env, error) {
	if cfg.NumClients < 1 {
		return nil, fmt.Errorf("need at least one client, got %d", cfg.NumClients)
	}
	e := &Env{
		log:     log.With().Str("component", "simulator").Logger(),
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		planner: epoch.NewPlanner(cfg.EpochLength, old, next, cfg.UpgradeVersion),
	}
	for i := 0; i < cfg.NumClients; i++ {
		name := fmt.Sprintf("client%d", i)
		planner := epoch.NewPlanner(cfg.EpochLength, old, next, cfg.UpgradeVersion)
		c := chain.NewClient(log, name, state.NewMemoryStore(), planner, cfg.GasLimit)
		if err := c.InitGenesis(balances); err != nil {
			return nil, fmt.Errorf("genesis for %s: %w", name, err)
		}
		e.clients = append(e.clients, c)
	}
	return e, nil
}

// Height returns the last produced block height.
func (e *Env) Height() uint64 { return e.height }

// Client returns the i-th node.
func (e *Env) Client(i int) *chain.Client { return e.clients[i] }

// SubmitTransfer queues a transfer transaction for the next block and
// returns its id.
func (e *Env) SubmitTransfer(signer, receiver string, amount uint64) string {
	return e.Submit(signer, receiver, []*protocol.TxAction{{
		Kind:    protocol.TxTransfer,
		Deposit: fmt.Sprint(amount),
	}})
}

// Submit queues an arbitrary transaction for the next block.
func (e *Env) Submit(signer, receiver string, actions []*protocol.TxAction) string {
	tx := &protocol.SignedTransaction{
		ID:       uuid.NewString(),
		Signer:   signer,
		Receiver: receiver,
		Nonce:    uint64(len(e.pendingTxs)) + 1,
		Actions:  actions,
	}
	e.pendingTxs = append(e.pendingTxs, tx)
	return tx.ID
}

func (e *Env) versionAt(height uint64) uint32 {
	if height >= e.cfg.UpgradeHeight {
		return e.cfg.UpgradeVersion
	}
	return e.cfg.UpgradeVersion - 1
}

// Step produces and applies the next block on every node. Queued
// transactions ride along; receipts produced at this height are
// delivered at the next. With RedeliverProbability the previous
// delivery repeats, which must be absorbed without double-applying.
func (e *Env) Step(ctx context.Context) error {
	h := e.height + 1
	blk := &protocol.Block{
		Height:          h,
		PrevHash:        e.prevHash,
		Timestamp:       h,
		ProtocolVersion: e.versionAt(h),
		Transactions:    e.pendingTxs,
		Chunks:          e.chunkHeaders(),
	}
	e.pendingTxs = nil
	e.prevHash = blk.Hash()
	e.planner.RecordProtocolVersion(h, blk.ProtocolVersion)

	incoming := e.mailbox
	if e.lastDelivered != nil && e.rng.Float64() < e.cfg.RedeliverProbability {
		incoming = mergeDeliveries(incoming, e.lastDelivered)
	}

	// Execution is deterministic, so every tracker of a shard produces
	// identical receipts; the first tracker delivers them.
	produced := make(map[layout.ShardUID][]*receipt.Receipt)
	claimed := make(map[layout.ShardUID]bool)
	router := chain.NewRouter(e.planner)
	for _, c := range e.clients {
		res, err := c.ProcessBlock(ctx, blk, incoming)
		if err != nil {
			return fmt.Errorf("%s at height %d: %w", c.Name(), h, err)
		}
		for _, uid := range c.Tracked() {
			if claimed[uid] {
				continue
			}
			claimed[uid] = true
			for dst, rs := range router.Route(h+1, res.BySource[uid]) {
				produced[dst] = append(produced[dst], rs...)
			}
		}
	}

	e.height = h
	e.lastDelivered = incoming
	e.mailbox = produced

	if err := e.checkConvergence(); err != nil {
		return err
	}
	return e.manageCatchup(ctx, h)
}

// StepTo advances the simulation to the given height.
func (e *Env) StepTo(ctx context.Context, height uint64) error {
	for e.height < height {
		if err := e.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// manageCatchup plans assignments one epoch ahead at boundaries and
// runs pending downloads, randomly early or forcibly at the deadline.
func (e *Env) manageCatchup(ctx context.Context, h uint64) error {
	if e.planner.IsBoundary(h) && e.cfg.NumClients > 1 {
		// The boundary ending epoch n plans epoch n+2, leaving all of
		// epoch n+1 for the downloads.
		target := e.planner.EpochOf(h) + 2
		lay := e.planner.LayoutAt(target)
		deadline := e.planner.LastHeightOf(target - 1)
		e.planAssignments(target, lay, deadline)
	}

	for _, c := range e.clients {
		if len(c.CatchupPending()) == 0 {
			continue
		}
		// Downloads due at this boundary must land now; the rest run
		// early with probability CatchupProbability, or keep waiting.
		if e.planner.IsBoundary(h) {
			if err := c.RunCatchupDue(ctx, h); err != nil {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
		}
		if e.rng.Float64() < e.cfg.CatchupProbability {
			if err := c.RunCatchup(ctx); err != nil {
				// Early attempts may race the split that produces the
				// state; the deadline run settles it.
				e.log.Debug().Err(err).Str("client", c.Name()).Msg("deferred catchup retry")
			}
		}
	}
	return nil
}

// planAssignments rotates shards across clients for an epoch. Each
// shard gets two trackers so every download has a live donor.
func (e *Env) planAssignments(epochNum uint64, lay *layout.Layout, deadline uint64) {
	n := uint64(len(e.clients))
	perClient := make(map[int][]layout.ShardUID)
	for i, uid := range lay.ShardUIDs() {
		first := int((uint64(i) + epochNum) % n)
		second := int((uint64(i) + epochNum + 1) % n)
		perClient[first] = append(perClient[first], uid)
		if second != first {
			perClient[second] = append(perClient[second], uid)
		}
	}
	for i, c := range e.clients {
		missing := c.Assign(epochNum, perClient[i])
		for _, uid := range missing {
			c.ScheduleCatchup(uid, deadline, e.fetchFrom(c, uid))
		}
	}
}

// fetchFrom builds a download that pulls a shard's state from any
// other node able to serve it.
func (e *Env) fetchFrom(dst *chain.Client, uid layout.ShardUID) catchup.FetchFunc {
	return func(ctx context.Context) (common.Hash, error) {
		for _, donor := range e.clients {
			if donor == dst {
				continue
			}
			snap, ok := donor.StateSource(uid)
			if !ok {
				continue
			}
			return dst.Store().Import(ctx, snap, e.height)
		}
		return common.Hash{}, fmt.Errorf("%w: no donor holds shard %s yet", catchup.ErrDeadlineMissed, uid)
	}
}

// chunkHeaders commits every shard's converged head root into the next
// block, ordered so the block hash is deterministic.
func (e *Env) chunkHeaders() []protocol.ChunkHeader {
	uids := make([]layout.ShardUID, 0, len(e.heads))
	for uid := range e.heads {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool {
		if uids[i].Version != uids[j].Version {
			return uids[i].Version < uids[j].Version
		}
		return uids[i].ID < uids[j].ID
	})
	headers := make([]protocol.ChunkHeader, 0, len(uids))
	for _, uid := range uids {
		headers = append(headers, protocol.ChunkHeader{Shard: uid, PrevStateRoot: e.heads[uid]})
	}
	return headers
}

// checkConvergence verifies that every pair of nodes tracking the same
// shard agrees on its head root and records the converged heads for
// the next block's chunk headers.
func (e *Env) checkConvergence() error {
	heads := make(map[layout.ShardUID]common.Hash)
	owner := make(map[layout.ShardUID]string)
	for _, c := range e.clients {
		for _, uid := range c.Tracked() {
			root, ok := c.Head(uid)
			if !ok {
				continue
			}
			if prev, seen := heads[uid]; seen && prev != root {
				return fmt.Errorf("shard %s diverged at height %d: %s has %s, %s has %s",
					uid, e.height, owner[uid], prev.Hex(), c.Name(), root.Hex())
			}
			heads[uid] = root
			owner[uid] = c.Name()
		}
	}
	e.heads = heads
	return nil
}

// Balance resolves an account's balance from any node tracking its
// shard.
func (e *Env) Balance(account string) (*uint256.Int, error) {
	var lastErr error
	for _, c := range e.clients {
		b, err := c.Balance(account)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// CheckAccounts verifies a set of expected balances across the
// network.
func (e *Env) CheckAccounts(expected map[string]uint64) error {
	for account, want := range expected {
		got, err := e.Balance(account)
		if err != nil {
			return fmt.Errorf("account %q: %w", account, err)
		}
		if got.Uint64() != want {
			return fmt.Errorf("account %q: balance %s, want %d", account, got.Dec(), want)
		}
	}
	return nil
}

// TxStatus resolves a transaction's terminal status by walking its
// receipt graph across every node's outcomes. No single node needs to
// track all shards the transaction touched.
func (e *Env) TxStatus(id string) protocol.TxStatus {
	queue := []common.Hash{receipt.TxHash(id)}
	visited := make(map[common.Hash]struct{})
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}

		o := e.lookupOutcome(cur)
		if o == nil {
			return protocol.TxPending
		}
		if o.Status == receipt.StatusFailure {
			return protocol.TxFailed
		}
		queue = append(queue, o.ProducedIDs...)
	}
	return protocol.TxSuccess
}

func (e *Env) lookupOutcome(id common.Hash) *receipt.Outcome {
	for _, c := range e.clients {
		if o := c.Outcomes().Get(id); o != nil {
			return o
		}
	}
	return nil
}

// DelayedLen sums the delayed receipt queues across one node's
// shards.
func (e *Env) DelayedLen(clientIdx int) (uint64, error) {
	c := e.clients[clientIdx]
	var total uint64
	for _, uid := range c.Tracked() {
		root, ok := c.Head(uid)
		if !ok {
			continue
		}
		snap, err := c.Store().Snapshot(root)
		if err != nil {
			return 0, err
		}
		di, err := receipt.LoadDelayedIndices(snap)
		if err != nil {
			return 0, err
		}
		total += di.Len()
	}
	return total, nil
}

func mergeDeliveries(a, b map[layout.ShardUID][]*receipt.Receipt) map[layout.ShardUID][]*receipt.Receipt {
	out := make(map[layout.ShardUID][]*receipt.Receipt)
	for uid, rs := range a {
		out[uid] = append(out[uid], rs...)
	}
	for uid, rs := range b {
		out[uid] = append(out[uid], rs...)
	}
	return out
}
