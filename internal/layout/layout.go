package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidLayout is returned when a layout description is malformed.
// Routing is consensus-critical, so a malformed layout is rejected at
// construction time rather than detected during use.
var ErrInvalidLayout = errors.New("invalid shard layout")

// ShardID identifies a shard within one layout version. The same
// numeric id refers to different partitions across versions, so bare
// ShardIDs are presentation-only; use ShardUID for stable identity.
type ShardID uint64

// Version identifies a shard layout version. Layouts are immutable
// once created.
type Version uint32

// ShardUID is the layout-independent stable identity of a shard,
// combining the layout version with the shard id.
type ShardUID struct {
	Version Version `json:"version"`
	ID      ShardID `json:"shard_id"`
}

func (u ShardUID) String() string {
	return fmt.Sprintf("s%d.v%d", u.ID, u.Version)
}

// ParseUID parses the "s<id>.v<version>" form produced by String.
func ParseUID(s string) (ShardUID, error) {
	var id, version uint64
	if _, err := fmt.Sscanf(s, "s%d.v%d", &id, &version); err != nil {
		return ShardUID{}, fmt.Errorf("%w: malformed shard uid %q", ErrInvalidLayout, s)
	}
	return ShardUID{Version: Version(version), ID: ShardID(id)}, nil
}

// Layout is a versioned, total, deterministic mapping from account ids
// to shards. Two mapping rules exist: hash-based (v0 style) and
// boundary-account ranges (v1 style). A layout produced by a split
// additionally records which children each parent shard was divided
// into.
type Layout struct {
	version   Version
	numShards uint64

	// boundaries partition the account id space for range layouts.
	// Empty means hash-based routing.
	boundaries []string

	// children[parent] lists the shards of this layout that the parent
	// shard of the previous version was split into. Nil for layouts
	// not produced by a split.
	children map[ShardID][]ShardID
}

// NewHashed creates a hash-routed layout with numShards shards.
func NewHashed(version Version, numShards uint64) (*Layout, error) {
	if numShards == 0 {
		return nil, fmt.Errorf("%w: zero shards", ErrInvalidLayout)
	}
	return &Layout{version: version, numShards: numShards}, nil
}

// NewRanged creates a boundary-account layout. k boundary accounts
// produce k+1 shards: shard i holds accounts in
// [boundaries[i-1], boundaries[i]). splitFrom, when non-nil, maps each
// parent shard id of the previous layout version to the child shards
// it was divided into; every child must appear under exactly one
// parent.
func NewRanged(version Version, boundaries []string, splitFrom map[ShardID][]ShardID) (*Layout, error) {
	numShards := uint64(len(boundaries)) + 1
	if !sort.StringsAreSorted(boundaries) {
		return nil, fmt.Errorf("%w: boundary accounts not sorted", ErrInvalidLayout)
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] == boundaries[i-1] {
			return nil, fmt.Errorf("%w: duplicate boundary account %q", ErrInvalidLayout, boundaries[i])
		}
	}

	var children map[ShardID][]ShardID
	if splitFrom != nil {
		seen := make(map[ShardID]ShardID, numShards)
		children = make(map[ShardID][]ShardID, len(splitFrom))
		for parent, kids := range splitFrom {
			if len(kids) == 0 {
				return nil, fmt.Errorf("%w: parent shard %d has no children", ErrInvalidLayout, parent)
			}
			cp := make([]ShardID, len(kids))
			copy(cp, kids)
			for _, c := range cp {
				if uint64(c) >= numShards {
					return nil, fmt.Errorf("%w: child shard %d out of range", ErrInvalidLayout, c)
				}
				if prev, dup := seen[c]; dup {
					return nil, fmt.Errorf("%w: child shard %d claimed by parents %d and %d", ErrInvalidLayout, c, prev, parent)
				}
				seen[c] = parent
			}
			children[parent] = cp
		}
		if uint64(len(seen)) != numShards {
			return nil, fmt.Errorf("%w: split map covers %d of %d shards", ErrInvalidLayout, len(seen), numShards)
		}
	}

	b := make([]string, len(boundaries))
	copy(b, boundaries)
	return &Layout{
		version:    version,
		numShards:  numShards,
		boundaries: b,
		children:   children,
	}, nil
}

// Version returns the layout version.
func (l *Layout) Version() Version { return l.version }

// NumShards returns the number of shards in this layout.
func (l *Layout) NumShards() uint64 { return l.numShards }

// ShardOf routes an account id to its owning shard. Pure and
// deterministic; every account maps to exactly one shard.
func (l *Layout) ShardOf(account string) ShardID {
	if len(l.boundaries) == 0 && l.numShards > 1 {
		h := crypto.Keccak256([]byte(account))
		return ShardID(binary.BigEndian.Uint64(h[:8]) % l.numShards)
	}
	// A boundary account is the first account of the shard it opens,
	// so route to the first boundary strictly greater than the account.
	idx := sort.Search(len(l.boundaries), func(i int) bool {
		return l.boundaries[i] > account
	})
	return ShardID(idx)
}

// UID returns the stable identity of a shard under this layout.
func (l *Layout) UID(id ShardID) ShardUID {
	return ShardUID{Version: l.version, ID: id}
}

// UIDOf routes an account and returns the stable shard identity in
// one step.
func (l *Layout) UIDOf(account string) ShardUID {
	return l.UID(l.ShardOf(account))
}

// ShardIDs returns all shard ids of this layout in order.
func (l *Layout) ShardIDs() []ShardID {
	ids := make([]ShardID, l.numShards)
	for i := range ids {
		ids[i] = ShardID(i)
	}
	return ids
}

// ShardUIDs returns the stable identities of all shards in order.
func (l *Layout) ShardUIDs() []ShardUID {
	uids := make([]ShardUID, l.numShards)
	for i := range uids {
		uids[i] = ShardUID{Version: l.version, ID: ShardID(i)}
	}
	return uids
}

// IsSplit reports whether this layout was produced by splitting a
// previous layout.
func (l *Layout) IsSplit() bool { return l.children != nil }

// ChildrenOf returns the shards a parent shard of the previous layout
// version was split into, in ascending order.
func (l *Layout) ChildrenOf(parent ShardID) []ShardID {
	kids := l.children[parent]
	cp := make([]ShardID, len(kids))
	copy(cp, kids)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return cp
}
