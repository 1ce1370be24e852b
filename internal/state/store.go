package state

import (
	"context"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"
)

// readCacheSize bounds the root-scoped read-through cache.
const readCacheSize = 32 << 20

// Reader is the read side shared by snapshots and open write batches.
type Reader interface {
	// Get returns the value stored under key, nil if absent.
	Get(key []byte) ([]byte, error)
}

// Store holds authenticated key-value state for any number of shards.
// Each shard/height pair owns one state root; roots are tamper-evident
// and new roots are derived by committing write batches, old roots
// stay readable.
type Store struct {
	db     ethdb.Database
	triedb *triedb.Database
	cache  *fastcache.Cache
}

// NewMemoryStore creates an in-memory store (tests, simulation).
func NewMemoryStore() *Store {
	db := rawdb.NewMemoryDatabase()
	return &Store{
		db:     db,
		triedb: triedb.NewDatabase(db, nil),
		cache:  fastcache.New(readCacheSize),
	}
}

// NewStore creates a store backed by leveldb at dir.
func NewStore(dir string) (*Store, error) {
	ldb, err := leveldb.New(dir, 128, 1024, "", false)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", dir, err)
	}
	db := rawdb.NewDatabase(ldb)
	return &Store{
		db:     db,
		triedb: triedb.NewDatabase(db, nil),
		cache:  fastcache.New(readCacheSize),
	}, nil
}

// EmptyRoot returns the root of the empty state.
func (s *Store) EmptyRoot() common.Hash {
	return types.EmptyRootHash
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot opens a read-only view of the state at root.
func (s *Store) Snapshot(root common.Hash) (*Snapshot, error) {
	tr, err := trie.New(trie.TrieID(root), s.triedb)
	if err != nil {
		return nil, fmt.Errorf("open state at %s: %w", root.Hex(), err)
	}
	return &Snapshot{store: s, root: root, tr: tr}, nil
}

// OpenBatch opens a write batch deriving a new state from root.
func (s *Store) OpenBatch(root common.Hash) (*WriteBatch, error) {
	tr, err := trie.New(trie.TrieID(root), s.triedb)
	if err != nil {
		return nil, fmt.Errorf("open state at %s: %w", root.Hex(), err)
	}
	return &WriteBatch{store: s, parent: root, tr: tr}, nil
}

// Import copies every entry of a foreign snapshot into this store and
// returns the resulting root. Roots are content-addressed, so a
// faithful copy reproduces the source root, which is how a catchup
// download is verified.
func (s *Store) Import(ctx context.Context, from *Snapshot, blockNum uint64) (common.Hash, error) {
	batch, err := s.OpenBatch(types.EmptyRootHash)
	if err != nil {
		return common.Hash{}, err
	}
	var n int
	err = from.Iterate(func(key, value []byte) error {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++
		return batch.Set(common.CopyBytes(key), common.CopyBytes(value))
	})
	if err != nil {
		return common.Hash{}, err
	}
	root, err := batch.Commit(blockNum)
	if err != nil {
		return common.Hash{}, err
	}
	if root != from.Root() {
		return common.Hash{}, fmt.Errorf("imported state root %s does not match source %s", root.Hex(), from.Root().Hex())
	}
	return root, nil
}

// Snapshot is a read-only view of one shard's state at one root.
// Safe for concurrent readers as long as no writer shares the trie.
type Snapshot struct {
	store *Store
	root  common.Hash
	tr    *trie.Trie
}

// Root returns the state root this snapshot reads from.
func (sn *Snapshot) Root() common.Hash { return sn.root }

// Get returns the value under key, nil if absent. Reads at a given
// root are immutable, so hits are served from the store-wide cache.
func (sn *Snapshot) Get(key []byte) ([]byte, error) {
	ck := cacheKey(sn.root, key)
	if v := sn.store.cache.Get(nil, ck); len(v) > 0 {
		return v, nil
	}
	v, err := sn.tr.Get(key)
	if err != nil {
		return nil, err
	}
	if len(v) > 0 {
		sn.store.cache.Set(ck, v)
	}
	return v, nil
}

// Iterate walks all entries in lexicographic key order. The order is
// deterministic, which the splitter relies on for idempotent
// repartitioning.
func (sn *Snapshot) Iterate(fn func(key, value []byte) error) error {
	nodeIt, err := sn.tr.NodeIterator(nil)
	if err != nil {
		return err
	}
	it := trie.NewIterator(nodeIt)
	for it.Next() {
		if err := fn(it.Key, it.Value); err != nil {
			return err
		}
	}
	return it.Err
}

// WriteBatch accumulates updates on top of a parent root. Commit
// derives the new root; the batch must not be used afterwards.
type WriteBatch struct {
	store  *Store
	parent common.Hash
	tr     *trie.Trie
}

// Parent returns the root the batch was opened from.
func (b *WriteBatch) Parent() common.Hash { return b.parent }

// Get returns the value under key including uncommitted writes.
func (b *WriteBatch) Get(key []byte) ([]byte, error) {
	return b.tr.Get(key)
}

// Set stores value under key.
func (b *WriteBatch) Set(key, value []byte) error {
	return b.tr.Update(key, value)
}

// Delete removes key.
func (b *WriteBatch) Delete(key []byte) error {
	return b.tr.Delete(key)
}

// Commit hashes the batch into a new state root and persists the trie
// nodes. blockNum tags the trie database update for history tracking.
func (b *WriteBatch) Commit(blockNum uint64) (common.Hash, error) {
	root, nodes := b.tr.Commit(false)
	if nodes == nil {
		// No changes; the parent root already holds this state.
		return root, nil
	}
	merged := trienode.NewWithNodeSet(nodes)
	if err := b.store.triedb.Update(root, b.parent, blockNum, merged, nil); err != nil {
		return common.Hash{}, fmt.Errorf("update trie database: %w", err)
	}
	if err := b.store.triedb.Commit(root, false); err != nil {
		return common.Hash{}, fmt.Errorf("commit state root %s: %w", root.Hex(), err)
	}
	return root, nil
}

func cacheKey(root common.Hash, key []byte) []byte {
	ck := make([]byte, 0, common.HashLength+len(key))
	ck = append(ck, root.Bytes()...)
	return append(ck, key...)
}
