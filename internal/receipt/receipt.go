package receipt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Structural errors are fatal to block processing for the shard: they
// indicate a consensus-breaking bug or data corruption, never a
// condition to repair silently.
var (
	ErrMalformedReceipt      = errors.New("malformed receipt")
	ErrRoutingInconsistency  = errors.New("receipt routing inconsistency")
	ErrQueueCorrupted        = errors.New("delayed receipt queue corrupted")
	ErrPostponedInconsistent = errors.New("postponed receipt buffer inconsistent")
)

// Kind distinguishes action receipts from data receipts.
type Kind uint8

const (
	// KindAction carries actions to execute on the receiver account.
	KindAction Kind = iota
	// KindData carries an execution result another receipt depends on.
	KindData
)

// ActionKind enumerates the supported account actions.
type ActionKind uint8

const (
	ActionCreateAccount ActionKind = iota
	ActionTransfer
	ActionDeployContract
	ActionFunctionCall
)

// Per-action gas costs. Function calls burn their attached gas.
const (
	GasCreateAccount  uint64 = 1_000_000_000_000
	GasTransfer       uint64 = 1_000_000_000_000
	GasDeployContract uint64 = 5_000_000_000_000
)

// Action is one step of an action receipt, applied to the receiver
// account in order.
type Action struct {
	Kind    ActionKind
	Code    []byte // ActionDeployContract
	Method  string // ActionFunctionCall
	Args    []byte // ActionFunctionCall
	Gas     uint64 // ActionFunctionCall attached gas
	Deposit *uint256.Int
}

// GasCost returns the gas burnt by applying this action.
func (a *Action) GasCost() uint64 {
	switch a.Kind {
	case ActionCreateAccount:
		return GasCreateAccount
	case ActionTransfer:
		return GasTransfer
	case ActionDeployContract:
		return GasDeployContract
	case ActionFunctionCall:
		return a.Gas
	default:
		return 0
	}
}

// DepositOrZero returns the action's deposit, treating nil as zero.
func (a *Action) DepositOrZero() *uint256.Int {
	if a.Deposit == nil {
		return uint256.NewInt(0)
	}
	return a.Deposit
}

// Receipt is an asynchronous cross-shard (or intra-shard) message
// produced by execution. Immutable once created; identifiers are
// derived deterministically so every node produces identical receipts.
type Receipt struct {
	ID          common.Hash
	Predecessor string
	Receiver    string
	Kind        Kind

	// Action receipt fields.
	Actions      []*Action
	InputDataIDs []common.Hash
	// OutputDataID, when non-zero, registers that this receipt's
	// execution result is sent as a data receipt to OutputReceiver.
	OutputDataID   common.Hash
	OutputReceiver string

	// Data receipt fields.
	DataID common.Hash
	Data   []byte
}

// NewActionReceipt creates an action receipt.
func NewActionReceipt(id common.Hash, predecessor, receiver string, actions []*Action) *Receipt {
	return &Receipt{
		ID:          id,
		Predecessor: predecessor,
		Receiver:    receiver,
		Kind:        KindAction,
		Actions:     actions,
	}
}

// NewDataReceipt creates a data receipt carrying an execution result.
func NewDataReceipt(id common.Hash, predecessor, receiver string, dataID common.Hash, data []byte) *Receipt {
	return &Receipt{
		ID:          id,
		Predecessor: predecessor,
		Receiver:    receiver,
		Kind:        KindData,
		DataID:      dataID,
		Data:        data,
	}
}

// GasToApply returns the gas burnt by applying the receipt. Data
// receipts are free: they only resolve dependencies.
func (r *Receipt) GasToApply() uint64 {
	if r.Kind == KindData {
		return 0
	}
	var gas uint64
	for _, a := range r.Actions {
		gas += a.GasCost()
	}
	return gas
}

// Validate checks structural well-formedness.
func (r *Receipt) Validate() error {
	if r.ID == (common.Hash{}) {
		return fmt.Errorf("%w: zero receipt id", ErrMalformedReceipt)
	}
	if r.Receiver == "" {
		return fmt.Errorf("%w: empty receiver", ErrMalformedReceipt)
	}
	switch r.Kind {
	case KindAction:
		if len(r.Actions) == 0 {
			return fmt.Errorf("%w: action receipt %s without actions", ErrMalformedReceipt, r.ID.Hex())
		}
		if (r.OutputDataID == common.Hash{}) != (r.OutputReceiver == "") {
			return fmt.Errorf("%w: receipt %s has partial output data registration", ErrMalformedReceipt, r.ID.Hex())
		}
	case KindData:
		if r.DataID == (common.Hash{}) {
			return fmt.Errorf("%w: data receipt %s without data id", ErrMalformedReceipt, r.ID.Hex())
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedReceipt, r.Kind)
	}
	return nil
}

// Encode serializes the receipt for storage in authenticated state.
func (r *Receipt) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(r)
}

// DecodeReceipt deserializes a receipt stored in authenticated state.
func DecodeReceipt(raw []byte) (*Receipt, error) {
	r := new(Receipt)
	if err := rlp.DecodeBytes(raw, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	return r, nil
}

// Identifier domains for deterministic id derivation.
const (
	domainReceipt = 'r'
	domainData    = 'd'
	domainTx      = 't'
)

// DeriveID derives the id of the index-th receipt produced while
// executing the receipt (or transaction) identified by parent.
func DeriveID(parent common.Hash, index uint64) common.Hash {
	return deriveID(parent, domainReceipt, index)
}

// DeriveDataID derives the id of the index-th data dependency created
// under parent.
func DeriveDataID(parent common.Hash, index uint64) common.Hash {
	return deriveID(parent, domainData, index)
}

// TxHash converts a submitted transaction id into the hash domain used
// for outcomes and receipt derivation.
func TxHash(txID string) common.Hash {
	return deriveID(crypto.Keccak256Hash([]byte(txID)), domainTx, 0)
}

func deriveID(parent common.Hash, domain byte, index uint64) common.Hash {
	var buf [common.HashLength + 1 + 8]byte
	copy(buf[:], parent.Bytes())
	buf[common.HashLength] = domain
	binary.BigEndian.PutUint64(buf[common.HashLength+1:], index)
	return crypto.Keccak256Hash(buf[:])
}
