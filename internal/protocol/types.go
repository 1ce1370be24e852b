package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Transaction action kinds on the wire.
const (
	TxCreateAccount  = "create_account"
	TxTransfer       = "transfer"
	TxDeployContract = "deploy_contract"
	TxFunctionCall   = "function_call"
)

// TxAction is one action of a submitted transaction.
type TxAction struct {
	Kind    string          `json:"kind"`
	Code    []byte          `json:"code,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Gas     uint64          `json:"gas,omitempty"`
	Deposit string          `json:"deposit,omitempty"` // decimal
}

// ParseDeposit returns the action's deposit as an integer, zero when
// unset.
func (a *TxAction) ParseDeposit() (*uint256.Int, error) {
	if a.Deposit == "" {
		return uint256.NewInt(0), nil
	}
	d, err := uint256.FromDecimal(a.Deposit)
	if err != nil {
		return nil, fmt.Errorf("invalid deposit %q: %w", a.Deposit, err)
	}
	return d, nil
}

// SignedTransaction is a submitted transaction. The id is assigned by
// the submitter (uuid); signature verification is outside this
// subsystem.
type SignedTransaction struct {
	ID       string      `json:"id"`
	Signer   string      `json:"signer"`
	Receiver string      `json:"receiver"`
	Nonce    uint64      `json:"nonce"`
	Actions  []*TxAction `json:"actions"`
}

// TxStatus is the terminal status of a transaction including all
// receipts it spawned.
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)
