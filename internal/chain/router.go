package chain

import (
	"github.com/sharding-experiment/resharding/internal/epoch"
	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/receipt"
)

// Router buckets produced receipts by the shard owning their receiver
// at delivery time. Receipts produced at a resharding boundary are
// rebucketed under the new layout, so nothing crosses an epoch edge
// addressed to a retired shard.
type Router struct {
	planner *epoch.Planner
}

func NewRouter(planner *epoch.Planner) *Router {
	return &Router{planner: planner}
}

// Route groups receipts by destination shard for delivery at the given
// height.
func (r *Router) Route(deliveryHeight uint64, receipts []*receipt.Receipt) map[layout.ShardUID][]*receipt.Receipt {
	if len(receipts) == 0 {
		return nil
	}
	lay := r.planner.LayoutAt(r.planner.EpochOf(deliveryHeight))
	out := make(map[layout.ShardUID][]*receipt.Receipt)
	for _, rc := range receipts {
		uid := lay.UIDOf(rc.Receiver)
		out[uid] = append(out[uid], rc)
	}
	return out
}
