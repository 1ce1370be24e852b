// Command create_storage seeds a node's on-disk state with the genesis
// layout and a set of deterministic test accounts, one trie per shard.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/holiman/uint256"

	"github.com/sharding-experiment/resharding/config"
	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/state"
)

const testAccountNum = 24

func main() {
	cfg := config.Default()
	if len(os.Args) > 1 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}

	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		panic(err)
	}

	accounts := generateAccounts()
	if err := writeAccountsFile(cfg.StorageDir, accounts); err != nil {
		panic(err)
	}

	// Genesis runs on the pre-upgrade single-shard layout; the boundary
	// accounts in the config only take effect after the resharding.
	lay, err := layout.NewRanged(1, nil, nil)
	if err != nil {
		panic(err)
	}

	store, err := state.NewStore(filepath.Join(cfg.StorageDir, "statedb"))
	if err != nil {
		panic(err)
	}
	defer store.Close()

	for _, id := range lay.ShardIDs() {
		if err := createShardState(cfg, store, lay, id, accounts); err != nil {
			panic(err)
		}
	}
}

// generateAccounts derives stable account names from hashed seeds so
// every run produces the same genesis and the names scatter across the
// boundary accounts.
func generateAccounts() []string {
	accounts := make([]string, 0, testAccountNum)
	for i := 0; i < testAccountNum; i++ {
		seed := fmt.Sprintf("resharding-test-account-%d", i)
		hash := sha256.Sum256([]byte(seed))
		accounts = append(accounts, hex.EncodeToString(hash[:8]))
	}
	return accounts
}

func writeAccountsFile(dir string, accounts []string) error {
	file, err := os.Create(filepath.Join(dir, "accounts.txt"))
	if err != nil {
		return err
	}
	defer file.Close()

	for _, account := range accounts {
		if _, err := fmt.Fprintln(file, account); err != nil {
			return err
		}
	}
	return nil
}

func createShardState(cfg *config.Config, store *state.Store, lay *layout.Layout, id layout.ShardID, accounts []string) error {
	batch, err := store.OpenBatch(store.EmptyRoot())
	if err != nil {
		return err
	}

	var seeded int
	for _, account := range accounts {
		if lay.ShardOf(account) != id {
			continue
		}
		if err := state.SetAccount(batch, account, state.NewAccount(uint256.NewInt(1_000_000))); err != nil {
			return err
		}
		seeded++
	}
	fmt.Printf("Seeded %d accounts for shard %s\n", seeded, lay.UID(id))

	root, err := batch.Commit(0)
	if err != nil {
		return err
	}
	fmt.Printf("Commit Root: %v\n", root)

	rootFile := filepath.Join(cfg.StorageDir, fmt.Sprintf("%s_root.txt", lay.UID(id)))
	return os.WriteFile(rootFile, []byte(root.Hex()), 0644)
}
