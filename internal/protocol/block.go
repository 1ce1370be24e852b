package protocol

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sharding-experiment/resharding/internal/layout"
)

type BlockHash [32]byte

// ChunkHeader commits one shard's pre-state root in a block, the way
// chunk headers reference the state their chunk executes on.
type ChunkHeader struct {
	Shard         layout.ShardUID `json:"shard"`
	PrevStateRoot common.Hash     `json:"prev_state_root"`
}

// Block is the consensus-level view this subsystem consumes: a height,
// the protocol version aggregated from headers (which drives layout
// upgrades), the transactions to convert on their signer shards, and
// per-shard chunk headers.
type Block struct {
	Height          uint64               `json:"height"`
	PrevHash        BlockHash            `json:"prev_hash"`
	Timestamp       uint64               `json:"timestamp"`
	ProtocolVersion uint32               `json:"protocol_version"`
	Transactions    []*SignedTransaction `json:"transactions"`
	Chunks          []ChunkHeader        `json:"chunks"`
}

func (b *Block) Hash() BlockHash {
	data, _ := json.Marshal(b)
	return sha256.Sum256(data)
}

// ChunkRoot returns the pre-state root committed for a shard, false if
// the block carries no chunk for it.
func (b *Block) ChunkRoot(uid layout.ShardUID) (common.Hash, bool) {
	for _, c := range b.Chunks {
		if c.Shard == uid {
			return c.PrevStateRoot, true
		}
	}
	return common.Hash{}, false
}
