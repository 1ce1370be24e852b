package receipt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/resharding/internal/state"
)

// Transaction is the execution-level view of a submitted transaction:
// wire concerns (uuid, signature) are already stripped, the hash is in
// the receipt id domain.
type Transaction struct {
	Hash     common.Hash
	Signer   string
	Receiver string
	Actions  []*Action
}

// PromiseCall is one entry of a promise program: the argument format
// interpreted by a function call on a deployed contract. Each call
// produces an action receipt to Receiver; DependsOn wires data
// dependencies to earlier calls in the same program, which is what
// lands receipts in the postponed buffer until their inputs arrive.
type PromiseCall struct {
	Receiver string          `json:"receiver"`
	Method   string          `json:"method,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Gas      uint64          `json:"gas,omitempty"`
	Deposit  string          `json:"deposit,omitempty"` // decimal

	// CreateAccount makes the call a batch that creates the receiver
	// account funded with Deposit.
	CreateAccount bool `json:"create_account,omitempty"`

	DependsOn []int `json:"depends_on,omitempty"`
}

// EncodePromiseProgram serializes a promise program for use as
// function call args.
func EncodePromiseProgram(calls []PromiseCall) []byte {
	raw, _ := json.Marshal(calls)
	return raw
}

// executionError is a failed receipt outcome: terminal, recorded, and
// never a pipeline error.
type executionError struct{ msg string }

func (e *executionError) Error() string { return e.msg }

func execErrorf(format string, args ...any) error {
	return &executionError{msg: fmt.Sprintf(format, args...)}
}

// executor applies receipts and transactions to one shard's write
// batch. Structural problems come back as errors; execution failures
// are folded into outcomes.
type executor struct {
	batch *state.WriteBatch
}

// applied is the result of executing one receipt or transaction.
type applied struct {
	outcome  *Outcome
	produced []*Receipt
}

// convertTx turns a signed transaction into its first receipt,
// debiting the signer for all attached deposits. An unknown signer or
// insufficient balance is a failed transaction outcome, not an error.
func (e *executor) convertTx(tx *Transaction) (*applied, error) {
	out := &Outcome{ID: tx.Hash}

	acct, err := state.GetAccount(e.batch, tx.Signer)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		out.fail("signer account %q does not exist", tx.Signer)
		return &applied{outcome: out}, nil
	}

	total := uint256.NewInt(0)
	for _, a := range tx.Actions {
		total.Add(total, a.DepositOrZero())
	}
	if acct.Balance.Lt(total) {
		out.fail("signer %q balance %s below attached deposits %s", tx.Signer, acct.Balance.Dec(), total.Dec())
		return &applied{outcome: out}, nil
	}
	acct.Balance.Sub(acct.Balance, total)
	acct.Nonce++
	if err := state.SetAccount(e.batch, tx.Signer, acct); err != nil {
		return nil, err
	}

	r := NewActionReceipt(DeriveID(tx.Hash, 0), tx.Signer, tx.Receiver, tx.Actions)
	out.Status = StatusSuccess
	out.ProducedIDs = []common.Hash{r.ID}
	return &applied{outcome: out, produced: []*Receipt{r}}, nil
}

// applyReceipt executes an action receipt against the batch. The
// receipt is consumed either way: failures become terminal outcomes.
func (e *executor) applyReceipt(r *Receipt) (*applied, error) {
	out := &Outcome{ID: r.ID, GasBurnt: r.GasToApply(), Status: StatusSuccess}
	var produced []*Receipt

	for _, a := range r.Actions {
		newReceipts, err := e.applyAction(r, a, len(produced))
		if err != nil {
			var execErr *executionError
			if !errors.As(err, &execErr) {
				return nil, err
			}
			// Remaining actions of a failed receipt are skipped.
			out.fail("%s", execErr.msg)
			produced = nil
			break
		}
		produced = append(produced, newReceipts...)
	}

	for _, nr := range produced {
		if nr.Kind == KindAction {
			out.ProducedIDs = append(out.ProducedIDs, nr.ID)
		}
	}

	// A registered output dependency is always resolved, success or
	// failure, so dependents never hang.
	if r.OutputDataID != (common.Hash{}) {
		data := []byte{byte(out.Status)}
		dr := NewDataReceipt(DeriveID(r.ID, uint64(len(produced))), r.Receiver, r.OutputReceiver, r.OutputDataID, data)
		produced = append(produced, dr)
	}

	return &applied{outcome: out, produced: produced}, nil
}

func (e *executor) applyAction(r *Receipt, a *Action, producedSoFar int) ([]*Receipt, error) {
	switch a.Kind {
	case ActionCreateAccount:
		return nil, e.createAccount(r.Receiver, a.DepositOrZero())
	case ActionTransfer:
		return nil, e.transfer(r.Receiver, a.DepositOrZero())
	case ActionDeployContract:
		return nil, e.deployContract(r.Receiver, a.Code)
	case ActionFunctionCall:
		return e.functionCall(r, a, producedSoFar)
	default:
		return nil, fmt.Errorf("%w: unknown action kind %d in receipt %s", ErrMalformedReceipt, a.Kind, r.ID.Hex())
	}
}

func (e *executor) createAccount(account string, deposit *uint256.Int) error {
	acct, err := state.GetAccount(e.batch, account)
	if err != nil {
		return err
	}
	if acct != nil {
		return execErrorf("account %q already exists", account)
	}
	return state.SetAccount(e.batch, account, state.NewAccount(deposit))
}

func (e *executor) transfer(account string, deposit *uint256.Int) error {
	acct, err := state.GetAccount(e.batch, account)
	if err != nil {
		return err
	}
	if acct == nil {
		return execErrorf("account %q does not exist", account)
	}
	acct.Balance.Add(acct.Balance, deposit)
	return state.SetAccount(e.batch, account, acct)
}

func (e *executor) deployContract(account string, code []byte) error {
	acct, err := state.GetAccount(e.batch, account)
	if err != nil {
		return err
	}
	if acct == nil {
		return execErrorf("cannot deploy to missing account %q", account)
	}
	return state.SetCode(e.batch, account, acct, code)
}

// functionCall credits the attached deposit to the contract account,
// then interprets the args as a promise program producing chained
// receipts.
func (e *executor) functionCall(r *Receipt, a *Action, idOffset int) ([]*Receipt, error) {
	acct, err := state.GetAccount(e.batch, r.Receiver)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, execErrorf("account %q does not exist", r.Receiver)
	}
	if !acct.HasCode() {
		return nil, execErrorf("no contract deployed on %q", r.Receiver)
	}

	acct.Balance.Add(acct.Balance, a.DepositOrZero())

	var program []PromiseCall
	if len(a.Args) > 0 {
		if err := json.Unmarshal(a.Args, &program); err != nil {
			return nil, execErrorf("invalid promise program on %q: %v", r.Receiver, err)
		}
	}

	// All sub-call deposits are paid by the contract account up front.
	total := uint256.NewInt(0)
	deposits := make([]*uint256.Int, len(program))
	for i, call := range program {
		d := uint256.NewInt(0)
		if call.Deposit != "" {
			d, err = uint256.FromDecimal(call.Deposit)
			if err != nil {
				return nil, execErrorf("invalid deposit in promise %d: %v", i, err)
			}
		}
		deposits[i] = d
		total.Add(total, d)
	}
	if acct.Balance.Lt(total) {
		return nil, execErrorf("account %q balance %s below promise deposits %s", r.Receiver, acct.Balance.Dec(), total.Dec())
	}
	acct.Balance.Sub(acct.Balance, total)
	if err := state.SetAccount(e.batch, r.Receiver, acct); err != nil {
		return nil, err
	}

	receipts := make([]*Receipt, len(program))
	for i, call := range program {
		var actions []*Action
		if call.CreateAccount {
			actions = append(actions, &Action{Kind: ActionCreateAccount, Deposit: deposits[i]})
		}
		if call.Method != "" {
			dep := uint256.NewInt(0)
			if !call.CreateAccount {
				dep = deposits[i]
			}
			actions = append(actions, &Action{
				Kind:    ActionFunctionCall,
				Method:  call.Method,
				Args:    call.Args,
				Gas:     call.Gas,
				Deposit: dep,
			})
		}
		if len(actions) == 0 {
			return nil, execErrorf("promise %d on %q has nothing to do", i, r.Receiver)
		}
		receipts[i] = NewActionReceipt(DeriveID(r.ID, uint64(idOffset+i)), r.Receiver, call.Receiver, actions)
	}

	// Wire data dependencies after all receipts exist.
	for i, call := range program {
		for _, d := range call.DependsOn {
			if d < 0 || d >= i {
				return nil, execErrorf("promise %d depends on invalid promise %d", i, d)
			}
			if receipts[d].OutputDataID != (common.Hash{}) {
				return nil, execErrorf("promise %d already has a dependent", d)
			}
			dataID := DeriveDataID(r.ID, uint64(idOffset+d))
			receipts[d].OutputDataID = dataID
			receipts[d].OutputReceiver = receipts[i].Receiver
			receipts[i].InputDataIDs = append(receipts[i].InputDataIDs, dataID)
		}
	}

	return receipts, nil
}
