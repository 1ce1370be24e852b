// Package catchup tracks state acquisition for shards a node will be
// assigned to in an upcoming epoch but does not track yet.
package catchup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/resharding/internal/layout"
)

// ErrDeadlineMissed reports that a shard's state was still being
// acquired when the node had to start producing for it.
var ErrDeadlineMissed = errors.New("catchup deadline missed")

// Status is the tracking state of one shard on one node.
type Status int

const (
	// NotTracking: the node holds no state for the shard.
	NotTracking Status = iota
	// Acquiring: a download is scheduled or running.
	Acquiring
	// Tracking: state is local and the shard can be applied.
	Tracking
)

func (s Status) String() string {
	switch s {
	case NotTracking:
		return "not-tracking"
	case Acquiring:
		return "acquiring"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// FetchFunc downloads a shard's state and returns the root it now
// holds locally.
type FetchFunc func(ctx context.Context) (common.Hash, error)

type task struct {
	status   Status
	deadline uint64
	fetch    FetchFunc
	root     common.Hash
}

// Coordinator schedules and runs state downloads for shards entering a
// node's assignment. Scheduling and running are decoupled so a node
// may defer the work, as long as every download lands before its
// deadline height.
type Coordinator struct {
	log zerolog.Logger

	mu    sync.Mutex
	tasks map[layout.ShardUID]*task
}

func New(log zerolog.Logger) *Coordinator {
	return &Coordinator{
		log:   log.With().Str("component", "catchup").Logger(),
		tasks: make(map[layout.ShardUID]*task),
	}
}

// Schedule registers a shard for acquisition with a deadline height.
// Scheduling an already-known shard is a no-op, so repeated epoch
// planning never restarts a download.
func (c *Coordinator) Schedule(uid layout.ShardUID, deadline uint64, fetch FetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[uid]; ok {
		return
	}
	c.tasks[uid] = &task{status: Acquiring, deadline: deadline, fetch: fetch}
	c.log.Debug().Str("shard", uid.String()).Uint64("deadline", deadline).Msg("scheduled catchup")
}

// Adopt marks a shard as tracked at root without a download. Used when
// the node already holds the state, e.g. child shards produced by a
// local split.
func (c *Coordinator) Adopt(uid layout.ShardUID, root common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[uid] = &task{status: Tracking, root: root}
}

// Run executes all pending downloads concurrently and marks their
// shards tracking. A failed download leaves its shard acquiring so a
// later Run retries it.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.RunDue(ctx, math.MaxUint64)
}

// RunDue is Run restricted to downloads whose deadline is at or before
// height. Lets a node settle imminent shards without touching ones it
// may still defer.
func (c *Coordinator) RunDue(ctx context.Context, height uint64) error {
	c.mu.Lock()
	pending := make(map[layout.ShardUID]FetchFunc)
	for uid, tk := range c.tasks {
		if tk.status == Acquiring && tk.deadline <= height {
			pending[uid] = tk.fetch
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for uid, fetch := range pending {
		g.Go(func() error {
			root, err := fetch(gctx)
			if err != nil {
				return fmt.Errorf("fetch state for %s: %w", uid, err)
			}
			c.mu.Lock()
			tk := c.tasks[uid]
			tk.status = Tracking
			tk.root = root
			c.mu.Unlock()
			c.log.Info().Str("shard", uid.String()).Str("root", root.Hex()).Msg("caught up")
			return nil
		})
	}
	return g.Wait()
}

// CheckDeadline fails if any shard is still acquiring at a height past
// its deadline. Called once per block before applying chunks.
func (c *Coordinator) CheckDeadline(height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid, tk := range c.tasks {
		if tk.status == Acquiring && height > tk.deadline {
			return fmt.Errorf("%w: shard %s needed by height %d, at %d", ErrDeadlineMissed, uid, tk.deadline, height)
		}
	}
	return nil
}

// Status returns the tracking state of a shard.
func (c *Coordinator) Status(uid layout.ShardUID) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk, ok := c.tasks[uid]
	if !ok {
		return NotTracking
	}
	return tk.status
}

// Root returns the caught-up state root for a tracking shard.
func (c *Coordinator) Root(uid layout.ShardUID) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk, ok := c.tasks[uid]
	if !ok || tk.status != Tracking {
		return common.Hash{}, false
	}
	return tk.root, true
}

// Drop forgets a shard, e.g. when the node's assignment moves away.
func (c *Coordinator) Drop(uid layout.ShardUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, uid)
}

// Ready lists shards whose download has finished.
func (c *Coordinator) Ready() []layout.ShardUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []layout.ShardUID
	for uid, tk := range c.tasks {
		if tk.status == Tracking {
			out = append(out, uid)
		}
	}
	return out
}

// Pending lists shards still being acquired.
func (c *Coordinator) Pending() []layout.ShardUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []layout.ShardUID
	for uid, tk := range c.tasks {
		if tk.status == Acquiring {
			out = append(out, uid)
		}
	}
	return out
}
