package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Trie key schema. Every shard's authenticated state holds account
// records, contract code, the delayed receipt queue, and the postponed
// receipt buffer under single-byte column prefixes, so the whole shard
// is covered by one state root and can be repartitioned in one pass.
const (
	prefixAccount        = 'a' // 'a' + account id -> Account
	prefixCode           = 'c' // 'c' + account id -> contract code
	prefixDelayedIndices = 'D' // singleton -> DelayedIndices
	prefixDelayed        = 'd' // 'd' + be64(index) -> delayed receipt
	prefixPostponed      = 'p' // 'p' + receipt id -> postponed receipt + missing count
	prefixWaiting        = 'w' // 'w' + data id -> waiting receipt reference
	prefixData           = 'x' // 'x' + data id -> received data
	prefixSeenIndices    = 'S' // singleton -> SeenIndices
	prefixSeen           = 's' // 's' + receipt id -> applied-receipt record
	prefixSeenRing       = 'q' // 'q' + be64(seq) -> applied-receipt ring entry
)

// KeyKind classifies a trie key by its column.
type KeyKind int

const (
	KindUnknown KeyKind = iota
	KindAccount
	KindCode
	KindDelayedIndices
	KindDelayed
	KindPostponed
	KindWaiting
	KindData
	KindSeenIndices
	KindSeen
	KindSeenRing
)

// AccountKey returns the trie key of an account record.
func AccountKey(account string) []byte {
	return append([]byte{prefixAccount}, account...)
}

// CodeKey returns the trie key of an account's contract code.
func CodeKey(account string) []byte {
	return append([]byte{prefixCode}, account...)
}

// DelayedIndicesKey returns the singleton key of the delayed queue
// index record.
func DelayedIndicesKey() []byte {
	return []byte{prefixDelayedIndices}
}

// DelayedKey returns the trie key of the delayed receipt at the given
// queue index. Big-endian indices keep trie iteration in FIFO order.
func DelayedKey(index uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixDelayed
	binary.BigEndian.PutUint64(key[1:], index)
	return key
}

// PostponedKey returns the trie key of a postponed receipt record.
func PostponedKey(receiptID common.Hash) []byte {
	return append([]byte{prefixPostponed}, receiptID.Bytes()...)
}

// WaitingKey returns the trie key of the waiting-receipt reference for
// a data dependency.
func WaitingKey(dataID common.Hash) []byte {
	return append([]byte{prefixWaiting}, dataID.Bytes()...)
}

// DataKey returns the trie key of a received data record.
func DataKey(dataID common.Hash) []byte {
	return append([]byte{prefixData}, dataID.Bytes()...)
}

// SeenIndicesKey returns the singleton key of the applied-receipt ring
// index record.
func SeenIndicesKey() []byte {
	return []byte{prefixSeenIndices}
}

// SeenKey returns the trie key of an applied-receipt record, used to
// drop duplicate deliveries.
func SeenKey(receiptID common.Hash) []byte {
	return append([]byte{prefixSeen}, receiptID.Bytes()...)
}

// SeenRingKey returns the trie key of the seq-th applied-receipt ring
// entry. Big-endian sequence numbers keep iteration in append order.
func SeenRingKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixSeenRing
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// Classify returns the column a trie key belongs to.
func Classify(key []byte) KeyKind {
	if len(key) == 0 {
		return KindUnknown
	}
	switch key[0] {
	case prefixAccount:
		return KindAccount
	case prefixCode:
		return KindCode
	case prefixDelayedIndices:
		if len(key) == 1 {
			return KindDelayedIndices
		}
	case prefixDelayed:
		if len(key) == 9 {
			return KindDelayed
		}
	case prefixPostponed:
		if len(key) == 1+common.HashLength {
			return KindPostponed
		}
	case prefixWaiting:
		if len(key) == 1+common.HashLength {
			return KindWaiting
		}
	case prefixData:
		if len(key) == 1+common.HashLength {
			return KindData
		}
	case prefixSeenIndices:
		if len(key) == 1 {
			return KindSeenIndices
		}
	case prefixSeen:
		if len(key) == 1+common.HashLength {
			return KindSeen
		}
	case prefixSeenRing:
		if len(key) == 9 {
			return KindSeenRing
		}
	}
	return KindUnknown
}

// AccountFromKey extracts the account id from an account or code key.
func AccountFromKey(key []byte) (string, bool) {
	if len(key) < 2 {
		return "", false
	}
	if key[0] != prefixAccount && key[0] != prefixCode {
		return "", false
	}
	return string(key[1:]), true
}

// DelayedIndexFromKey extracts the queue index from a delayed receipt
// key.
func DelayedIndexFromKey(key []byte) (uint64, bool) {
	if len(key) != 9 || key[0] != prefixDelayed {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[1:]), true
}
