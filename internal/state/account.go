package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Account is the per-account state record. Balances use uint256 and
// the record is RLP encoded, so every node derives byte-identical
// state roots.
type Account struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
}

// NewAccount creates an account with the given balance.
func NewAccount(balance *uint256.Int) *Account {
	return &Account{Balance: new(uint256.Int).Set(balance)}
}

// HasCode reports whether the account has a deployed contract.
func (a *Account) HasCode() bool {
	return a.CodeHash != (common.Hash{})
}

// GetAccount reads an account record, nil if the account does not
// exist.
func GetAccount(r Reader, account string) (*Account, error) {
	raw, err := r.Get(AccountKey(account))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	acct := new(Account)
	if err := rlp.DecodeBytes(raw, acct); err != nil {
		return nil, fmt.Errorf("decode account %q: %w", account, err)
	}
	return acct, nil
}

// DecodeAccount decodes a raw account record.
func DecodeAccount(raw []byte) (*Account, error) {
	acct := new(Account)
	if err := rlp.DecodeBytes(raw, acct); err != nil {
		return nil, fmt.Errorf("decode account record: %w", err)
	}
	return acct, nil
}

// SetAccount writes an account record.
func SetAccount(b *WriteBatch, account string, acct *Account) error {
	raw, err := rlp.EncodeToBytes(acct)
	if err != nil {
		return fmt.Errorf("encode account %q: %w", account, err)
	}
	return b.Set(AccountKey(account), raw)
}

// GetCode reads an account's contract code, nil if none is deployed.
func GetCode(r Reader, account string) ([]byte, error) {
	return r.Get(CodeKey(account))
}

// SetCode deploys contract code for an account and stamps the code
// hash into the account record.
func SetCode(b *WriteBatch, account string, acct *Account, code []byte) error {
	if err := b.Set(CodeKey(account), code); err != nil {
		return err
	}
	acct.CodeHash = crypto.Keccak256Hash(code)
	return SetAccount(b, account, acct)
}
