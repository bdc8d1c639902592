// Package txprocessor applies rollup operations to the state tree.  Every
// operation is executed against a scratch overlay and only flushed when it
// fully succeeds, so a state level failure leaves the tree untouched and is
// recorded as a failed transaction instead.
package txprocessor

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/db/statedb"
	"github.com/crescentzk/crescent-node/log"
)

// Registry exposes the append-only L1 driven registries the processor
// validates against
type Registry interface {
	// TokenExists reports whether the token id has been activated by a
	// NewToken event (or is the native token)
	TokenExists(common.TokenID) bool
	// FactoryExists reports whether the NFT factory address has been
	// registered on L1
	FactoryExists(ethCommon.Address) bool
}

// Processor applies operations to the StateDB and accumulates the fees
// collected since the last seal
type Processor struct {
	state    *statedb.StateDB
	registry Registry

	collectedFees map[common.TokenID]*big.Int
}

// NewProcessor creates a Processor over the given state
func NewProcessor(state *statedb.StateDB, registry Registry) *Processor {
	return &Processor{
		state:         state,
		registry:      registry,
		collectedFees: make(map[common.TokenID]*big.Int),
	}
}

// StateDB returns the underlying state
func (p *Processor) StateDB() *statedb.StateDB {
	return p.state
}

// ResetFees drops the accumulated fees.  Called when a new pending block
// starts.
func (p *Processor) ResetFees() {
	p.collectedFees = make(map[common.TokenID]*big.Int)
}

// CollectedFees returns the fees accumulated since the last ResetFees
func (p *Processor) CollectedFees() map[common.TokenID]*big.Int {
	return p.collectedFees
}

func (p *Processor) accrueFee(token common.TokenID, fee *big.Int) {
	if fee == nil || fee.Sign() == 0 {
		return
	}
	if cur, ok := p.collectedFees[token]; ok {
		cur.Add(cur, fee)
	} else {
		p.collectedFees[token] = new(big.Int).Set(fee)
	}
}

// CollectFees credits the accumulated fees to the fee account and resets
// the accumulator.  Called at seal time, after the last miniblock.
func (p *Processor) CollectFees(feeAccount common.AccountID) ([]common.AccountUpdate, error) {
	if len(p.collectedFees) == 0 {
		return nil, nil
	}
	account, err := p.state.GetAccount(feeAccount)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var updates []common.AccountUpdate
	for token, fee := range p.collectedFees {
		if err := account.AddBalance(token, fee); err != nil {
			return nil, tracerr.Wrap(err)
		}
		updates = append(updates, common.AccountUpdate{
			AccountID: feeAccount,
			TokenID:   token,
			Nonce:     account.Nonce,
			Balance:   new(big.Int).Set(account.Balance(token)),
		})
	}
	if err := p.state.UpdateAccount(feeAccount, account); err != nil {
		return nil, tracerr.Wrap(err)
	}
	p.ResetFees()
	return updates, nil
}

// validationErrs are recorded as a failed transaction instead of
// propagating
var validationErrs = []error{
	common.ErrNotEnoughBalance,
	common.ErrNonceMismatch,
	common.ErrInvalidTimeRange,
	common.ErrInvalidSignature,
	common.ErrAccountNotFound,
	common.ErrAccountAlreadyExists,
	common.ErrSigningKeyNotSet,
	common.ErrCloseDisabled,
	common.ErrUnknownToken,
	common.ErrUnknownNFTFactory,
}

func isValidationErr(err error) bool {
	base := tracerr.Unwrap(err)
	for _, v := range validationErrs {
		if errors.Is(base, v) {
			return true
		}
	}
	return false
}

// checkSupply verifies that the balance changes the overlay accumulated
// match the net mint/burn the op kind declares.  A mismatch is an invariant
// violation.
func checkSupply(o *overlay, expected map[common.TokenID]*big.Int) error {
	deltas := o.supplyDeltas()
	for token, delta := range deltas {
		want, ok := expected[token]
		if !ok {
			want = big.NewInt(0)
		}
		if delta.Cmp(want) != 0 {
			log.Errorw("supply check failed", "token", token,
				"delta", delta, "want", want)
			return tracerr.Wrap(common.ErrBalanceSumMismatch)
		}
	}
	return nil
}

// ApplyPriorityOp applies an L1 priority operation.  Priority ops never
// fail validation: a FullExit against a mismatched owner simply exits a
// zero amount.
func (p *Processor) ApplyPriorityOp(op *common.PriorityOp) (*common.ExecutedOp, []common.AccountUpdate, error) {
	o := newOverlay(p.state)
	executed := &common.ExecutedOp{
		PriorityOp: op,
		Success:    true,
		CreatedAt:  time.Now(),
	}

	switch op.Kind {
	case common.PriorityOpDeposit:
		id, err := o.accountID(op.Owner)
		if tracerr.Unwrap(err) == common.ErrAccountNotFound {
			id, _, err = o.createAccount(op.Owner)
			if err != nil {
				return nil, nil, tracerr.Wrap(err)
			}
			executed.CreatedID = id
		} else if err != nil {
			return nil, nil, tracerr.Wrap(err)
		}
		account, err := o.account(id)
		if err != nil {
			return nil, nil, tracerr.Wrap(err)
		}
		if err := o.addBalance(id, account, op.TokenID, op.Amount); err != nil {
			return nil, nil, tracerr.Wrap(err)
		}
		if err := checkSupply(o, map[common.TokenID]*big.Int{
			op.TokenID: new(big.Int).Set(op.Amount),
		}); err != nil {
			return nil, nil, err
		}
		executed.Entry = &common.PubdataEntry{
			OpCode:    common.OpCodeDeposit,
			AccountID: id,
			TokenID:   op.TokenID,
			Amount:    new(big.Int).Set(op.Amount),
			Addr:      op.Owner,
		}

	case common.PriorityOpFullExit:
		burned := big.NewInt(0)
		account, err := o.account(op.AccountID)
		if err == nil && account.EthAddr == op.Owner {
			burned = new(big.Int).Set(account.Balance(op.TokenID))
			if err := o.addBalance(op.AccountID, account, op.TokenID,
				new(big.Int).Neg(burned)); err != nil {
				return nil, nil, tracerr.Wrap(err)
			}
		} else if err != nil && tracerr.Unwrap(err) != common.ErrAccountNotFound {
			return nil, nil, tracerr.Wrap(err)
		}
		if err := checkSupply(o, map[common.TokenID]*big.Int{
			op.TokenID: new(big.Int).Neg(burned),
		}); err != nil {
			return nil, nil, err
		}
		executed.Entry = &common.PubdataEntry{
			OpCode:    common.OpCodeFullExit,
			AccountID: op.AccountID,
			Addr:      op.Owner,
			TokenID:   op.TokenID,
			Amount:    burned,
		}

	default:
		return nil, nil, tracerr.Wrap(common.ErrUnknownPriorityOpKind)
	}

	updates, err := o.flush()
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	return executed, updates, nil
}

// ApplyTx applies a user transaction.  A state level validation failure is
// returned as a failed ExecutedOp with a nil error; the state is untouched.
func (p *Processor) ApplyTx(tx *common.Tx, blockTimestamp uint64) (*common.ExecutedOp, []common.AccountUpdate, error) {
	o := newOverlay(p.state)
	entry, fee, err := p.applyTxToOverlay(o, tx, blockTimestamp)
	if err != nil {
		if isValidationErr(err) {
			return &common.ExecutedOp{
				Tx:         tx,
				Success:    false,
				FailReason: tracerr.Unwrap(err).Error(),
				CreatedAt:  time.Now(),
			}, nil, nil
		}
		return nil, nil, tracerr.Wrap(err)
	}
	updates, err := o.flush()
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	p.accrueFee(tx.FeeToken(), fee)
	executed := &common.ExecutedOp{
		Tx:        tx,
		Success:   true,
		Entry:     entry,
		CreatedAt: time.Now(),
	}
	if tx.Type == common.TxTypeTransferToNew {
		executed.CreatedID = entry.ToID
	}
	return executed, updates, nil
}

// ApplyBatch applies a group of transactions atomically: if any of them
// fails a state level check, none of their updates persist and every
// transaction of the batch is recorded as failed.
func (p *Processor) ApplyBatch(txs []*common.Tx, blockTimestamp uint64) ([]common.ExecutedOp, []common.AccountUpdate, error) {
	o := newOverlay(p.state)
	executed := make([]common.ExecutedOp, 0, len(txs))
	var totalFees []struct {
		token common.TokenID
		fee   *big.Int
	}
	for i, tx := range txs {
		entry, fee, err := p.applyTxToOverlay(o, tx, blockTimestamp)
		if err != nil {
			if !isValidationErr(err) {
				return nil, nil, tracerr.Wrap(err)
			}
			// one failure reverts the whole batch
			reason := tracerr.Unwrap(err).Error()
			failed := make([]common.ExecutedOp, 0, len(txs))
			for j, failedTx := range txs {
				failReason := fmt.Sprintf("batch reverted by tx %d: %s", i, reason)
				if j == i {
					failReason = reason
				}
				failed = append(failed, common.ExecutedOp{
					Tx:         failedTx,
					Success:    false,
					FailReason: failReason,
					CreatedAt:  time.Now(),
				})
			}
			return failed, nil, nil
		}
		op := common.ExecutedOp{
			Tx:        tx,
			Success:   true,
			Entry:     entry,
			CreatedAt: time.Now(),
		}
		if tx.Type == common.TxTypeTransferToNew {
			op.CreatedID = entry.ToID
		}
		executed = append(executed, op)
		totalFees = append(totalFees, struct {
			token common.TokenID
			fee   *big.Int
		}{tx.FeeToken(), fee})
	}
	updates, err := o.flush()
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	for _, f := range totalFees {
		p.accrueFee(f.token, f.fee)
	}
	return executed, updates, nil
}

// loadSender resolves and validates the sender of an L2 transaction:
// account existence, signing key binding, nonce and time range.
func (p *Processor) loadSender(o *overlay, tx *common.Tx, blockTimestamp uint64) (common.AccountID, *common.Account, error) {
	if tx.ValidFrom > blockTimestamp ||
		(tx.ValidUntil != 0 && tx.ValidUntil < blockTimestamp) {
		return 0, nil, tracerr.Wrap(common.ErrInvalidTimeRange)
	}
	id, err := o.accountID(tx.FromAddr)
	if err != nil {
		return 0, nil, tracerr.Wrap(err)
	}
	account, err := o.account(id)
	if err != nil {
		return 0, nil, tracerr.Wrap(err)
	}
	if tx.Nonce != account.Nonce {
		return 0, nil, tracerr.Wrap(common.ErrNonceMismatch)
	}
	pkh, err := common.NewPubKeyHash(tx.FromBJJ)
	if err != nil {
		return 0, nil, tracerr.Wrap(common.ErrInvalidSignature)
	}
	if tx.Type == common.TxTypeChangePubKey {
		// a ChangePubKey is signed with the key being set
		if pkh != tx.NewPubKeyHash {
			return 0, nil, tracerr.Wrap(common.ErrInvalidSignature)
		}
		return id, account, nil
	}
	if account.PubKeyHash == common.EmptyPubKeyHash {
		return 0, nil, tracerr.Wrap(common.ErrSigningKeyNotSet)
	}
	if pkh != account.PubKeyHash {
		return 0, nil, tracerr.Wrap(common.ErrInvalidSignature)
	}
	return id, account, nil
}

func (p *Processor) checkToken(token common.TokenID) error {
	if p.registry != nil && !p.registry.TokenExists(token) {
		return tracerr.Wrap(common.ErrUnknownToken)
	}
	return nil
}

// applyTxToOverlay runs the state transition of one transaction against the
// overlay.  It returns the resolved pubdata entry and the fee charged.
func (p *Processor) applyTxToOverlay(o *overlay, tx *common.Tx, blockTimestamp uint64) (*common.PubdataEntry, *big.Int, error) {
	switch tx.Type {
	case common.TxTypeTransfer, common.TxTypeTransferToNew:
		return p.applyTransfer(o, tx, blockTimestamp)
	case common.TxTypeWithdraw:
		return p.applyWithdraw(o, tx, blockTimestamp)
	case common.TxTypeChangePubKey:
		return p.applyChangePubKey(o, tx, blockTimestamp)
	case common.TxTypeForcedExit:
		return p.applyForcedExit(o, tx, blockTimestamp)
	case common.TxTypeMintNFT:
		return p.applyMintNFT(o, tx, blockTimestamp)
	case common.TxTypeWithdrawNFT:
		return p.applyWithdrawNFT(o, tx, blockTimestamp)
	case common.TxTypeSwap:
		return p.applySwap(o, tx, blockTimestamp)
	case common.TxTypeClose:
		// decoding compatibility only, always rejected at apply
		return nil, nil, tracerr.Wrap(common.ErrCloseDisabled)
	}
	return nil, nil, tracerr.Wrap(common.ErrUnknownOpCode)
}

func (p *Processor) applyTransfer(o *overlay, tx *common.Tx, blockTimestamp uint64) (*common.PubdataEntry, *big.Int, error) {
	if err := p.checkToken(tx.TokenID); err != nil {
		return nil, nil, err
	}
	fromID, from, err := p.loadSender(o, tx, blockTimestamp)
	if err != nil {
		return nil, nil, err
	}

	amount := amountOrZero(tx.Amount)
	fee := amountOrZero(tx.Fee)
	total := new(big.Int).Add(amount, fee)
	if from.Balance(tx.TokenID).Cmp(total) < 0 {
		return nil, nil, tracerr.Wrap(common.ErrNotEnoughBalance)
	}

	var toID common.AccountID
	created := false
	toID, err = o.accountID(tx.ToAddr)
	if tracerr.Unwrap(err) == common.ErrAccountNotFound {
		toID, _, err = o.createAccount(tx.ToAddr)
		if err != nil {
			return nil, nil, tracerr.Wrap(err)
		}
		created = true
	} else if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if created != (tx.Type == common.TxTypeTransferToNew) {
		// the declared type must match the recipient's existence so the
		// pubdata replays deterministically
		return nil, nil, tracerr.Wrap(common.ErrAccountNotFound)
	}

	if err := o.addBalance(fromID, from, tx.TokenID, new(big.Int).Neg(total)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	to, err := o.account(toID)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := o.addBalance(toID, to, tx.TokenID, amount); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	from.Nonce++

	if err := checkSupply(o, map[common.TokenID]*big.Int{
		tx.TokenID: new(big.Int).Neg(fee),
	}); err != nil {
		return nil, nil, err
	}

	opCode := common.OpCodeTransfer
	if created {
		opCode = common.OpCodeTransferToNew
	}
	return &common.PubdataEntry{
		OpCode:    opCode,
		AccountID: fromID,
		ToID:      toID,
		TokenID:   tx.TokenID,
		Amount:    amount,
		Fee:       fee,
		Addr:      tx.ToAddr,
	}, fee, nil
}

func (p *Processor) applyWithdraw(o *overlay, tx *common.Tx, blockTimestamp uint64) (*common.PubdataEntry, *big.Int, error) {
	if err := p.checkToken(tx.TokenID); err != nil {
		return nil, nil, err
	}
	fromID, from, err := p.loadSender(o, tx, blockTimestamp)
	if err != nil {
		return nil, nil, err
	}

	amount := amountOrZero(tx.Amount)
	fee := amountOrZero(tx.Fee)
	total := new(big.Int).Add(amount, fee)
	if from.Balance(tx.TokenID).Cmp(total) < 0 {
		return nil, nil, tracerr.Wrap(common.ErrNotEnoughBalance)
	}
	if err := o.addBalance(fromID, from, tx.TokenID, new(big.Int).Neg(total)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	from.Nonce++

	expected := new(big.Int).Neg(new(big.Int).Add(amount, fee))
	if err := checkSupply(o, map[common.TokenID]*big.Int{tx.TokenID: expected}); err != nil {
		return nil, nil, err
	}

	return &common.PubdataEntry{
		OpCode:    common.OpCodeWithdraw,
		AccountID: fromID,
		TokenID:   tx.TokenID,
		Amount:    amount,
		Fee:       fee,
		Addr:      tx.ToAddr,
	}, fee, nil
}

func (p *Processor) applyChangePubKey(o *overlay, tx *common.Tx, blockTimestamp uint64) (*common.PubdataEntry, *big.Int, error) {
	if err := p.checkToken(tx.TokenID); err != nil {
		return nil, nil, err
	}
	fromID, from, err := p.loadSender(o, tx, blockTimestamp)
	if err != nil {
		return nil, nil, err
	}

	fee := amountOrZero(tx.Fee)
	if from.Balance(tx.TokenID).Cmp(fee) < 0 {
		return nil, nil, tracerr.Wrap(common.ErrNotEnoughBalance)
	}
	if err := o.addBalance(fromID, from, tx.TokenID, new(big.Int).Neg(fee)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	from.PubKeyHash = tx.NewPubKeyHash
	nonce := from.Nonce
	from.Nonce++

	if err := checkSupply(o, map[common.TokenID]*big.Int{
		tx.TokenID: new(big.Int).Neg(fee),
	}); err != nil {
		return nil, nil, err
	}

	return &common.PubdataEntry{
		OpCode:     common.OpCodeChangePubKey,
		AccountID:  fromID,
		PubKeyHash: tx.NewPubKeyHash,
		Nonce:      nonce,
		TokenID:    tx.TokenID,
		Fee:        fee,
	}, fee, nil
}

func (p *Processor) applyForcedExit(o *overlay, tx *common.Tx, blockTimestamp uint64) (*common.PubdataEntry, *big.Int, error) {
	if err := p.checkToken(tx.TokenID); err != nil {
		return nil, nil, err
	}
	fromID, from, err := p.loadSender(o, tx, blockTimestamp)
	if err != nil {
		return nil, nil, err
	}

	targetID, err := o.accountID(tx.ToAddr)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	target, err := o.account(targetID)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	// only accounts without a signing key can be forced out
	if target.PubKeyHash != common.EmptyPubKeyHash {
		return nil, nil, tracerr.Wrap(common.ErrInvalidSignature)
	}

	fee := amountOrZero(tx.Fee)
	if from.Balance(tx.TokenID).Cmp(fee) < 0 {
		return nil, nil, tracerr.Wrap(common.ErrNotEnoughBalance)
	}
	amount := new(big.Int).Set(target.Balance(tx.TokenID))

	if err := o.addBalance(fromID, from, tx.TokenID, new(big.Int).Neg(fee)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := o.addBalance(targetID, target, tx.TokenID, new(big.Int).Neg(amount)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	from.Nonce++

	expected := new(big.Int).Neg(new(big.Int).Add(amount, fee))
	if err := checkSupply(o, map[common.TokenID]*big.Int{tx.TokenID: expected}); err != nil {
		return nil, nil, err
	}

	return &common.PubdataEntry{
		OpCode:    common.OpCodeForcedExit,
		AccountID: fromID,
		ToID:      targetID,
		TokenID:   tx.TokenID,
		Amount:    amount,
		Fee:       fee,
	}, fee, nil
}

func (p *Processor) applyMintNFT(o *overlay, tx *common.Tx, blockTimestamp uint64) (*common.PubdataEntry, *big.Int, error) {
	if err := p.checkToken(tx.FeeTokenID); err != nil {
		return nil, nil, err
	}
	if p.registry != nil && tx.FactoryAddr != (ethCommon.Address{}) &&
		!p.registry.FactoryExists(tx.FactoryAddr) {
		return nil, nil, tracerr.Wrap(common.ErrUnknownNFTFactory)
	}
	fromID, from, err := p.loadSender(o, tx, blockTimestamp)
	if err != nil {
		return nil, nil, err
	}

	toID, err := o.accountID(tx.ToAddr)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	to, err := o.account(toID)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}

	fee := amountOrZero(tx.Fee)
	if from.Balance(tx.FeeTokenID).Cmp(fee) < 0 {
		return nil, nil, tracerr.Wrap(common.ErrNotEnoughBalance)
	}
	if err := o.addBalance(fromID, from, tx.FeeTokenID, new(big.Int).Neg(fee)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}

	nft, err := o.mintNFT(fromID, tx.ContentHash)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := o.addBalance(toID, to, nft.TokenID, big.NewInt(1)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	from.Nonce++

	if err := checkSupply(o, map[common.TokenID]*big.Int{
		tx.FeeTokenID: new(big.Int).Neg(fee),
		nft.TokenID:   big.NewInt(1),
	}); err != nil {
		return nil, nil, err
	}

	return &common.PubdataEntry{
		OpCode:      common.OpCodeMintNFT,
		AccountID:   fromID,
		ToID:        toID,
		ContentHash: tx.ContentHash,
		TokenB:      tx.FeeTokenID,
		Fee:         fee,
	}, fee, nil
}

func (p *Processor) applyWithdrawNFT(o *overlay, tx *common.Tx, blockTimestamp uint64) (*common.PubdataEntry, *big.Int, error) {
	if err := p.checkToken(tx.FeeTokenID); err != nil {
		return nil, nil, err
	}
	fromID, from, err := p.loadSender(o, tx, blockTimestamp)
	if err != nil {
		return nil, nil, err
	}
	if _, err := o.nft(tx.TokenID); err != nil {
		return nil, nil, tracerr.Wrap(common.ErrUnknownToken)
	}

	fee := amountOrZero(tx.Fee)
	if from.Balance(tx.FeeTokenID).Cmp(fee) < 0 {
		return nil, nil, tracerr.Wrap(common.ErrNotEnoughBalance)
	}
	if from.Balance(tx.TokenID).Cmp(big.NewInt(1)) < 0 {
		return nil, nil, tracerr.Wrap(common.ErrNotEnoughBalance)
	}
	if err := o.addBalance(fromID, from, tx.FeeTokenID, new(big.Int).Neg(fee)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := o.addBalance(fromID, from, tx.TokenID, big.NewInt(-1)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	from.Nonce++

	if err := checkSupply(o, map[common.TokenID]*big.Int{
		tx.FeeTokenID: new(big.Int).Neg(fee),
		tx.TokenID:    big.NewInt(-1),
	}); err != nil {
		return nil, nil, err
	}

	return &common.PubdataEntry{
		OpCode:    common.OpCodeWithdrawNFT,
		AccountID: fromID,
		TokenID:   tx.TokenID,
		Addr:      tx.ToAddr,
		TokenB:    tx.FeeTokenID,
		Fee:       fee,
	}, fee, nil
}

func (p *Processor) applySwap(o *overlay, tx *common.Tx, blockTimestamp uint64) (*common.PubdataEntry, *big.Int, error) {
	if err := p.checkToken(tx.TokenID); err != nil {
		return nil, nil, err
	}
	if err := p.checkToken(tx.TokenB); err != nil {
		return nil, nil, err
	}
	if err := p.checkToken(tx.FeeTokenID); err != nil {
		return nil, nil, err
	}
	fromID, from, err := p.loadSender(o, tx, blockTimestamp)
	if err != nil {
		return nil, nil, err
	}
	counterID, err := o.accountID(tx.ToAddr)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	counter, err := o.account(counterID)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}

	amount := amountOrZero(tx.Amount)
	amountB := amountOrZero(tx.AmountB)
	fee := amountOrZero(tx.Fee)
	if from.Balance(tx.TokenID).Cmp(amount) < 0 ||
		from.Balance(tx.FeeTokenID).Cmp(fee) < 0 ||
		counter.Balance(tx.TokenB).Cmp(amountB) < 0 {
		return nil, nil, tracerr.Wrap(common.ErrNotEnoughBalance)
	}

	if err := o.addBalance(fromID, from, tx.TokenID, new(big.Int).Neg(amount)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := o.addBalance(counterID, counter, tx.TokenID, amount); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := o.addBalance(counterID, counter, tx.TokenB, new(big.Int).Neg(amountB)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := o.addBalance(fromID, from, tx.TokenB, amountB); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := o.addBalance(fromID, from, tx.FeeTokenID, new(big.Int).Neg(fee)); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	from.Nonce++

	if err := checkSupply(o, map[common.TokenID]*big.Int{
		tx.FeeTokenID: new(big.Int).Neg(fee),
	}); err != nil {
		return nil, nil, err
	}

	return &common.PubdataEntry{
		OpCode:    common.OpCodeSwap,
		AccountID: fromID,
		ToID:      counterID,
		TokenID:   tx.TokenID,
		TokenB:    tx.TokenB,
		Amount:    amount,
		AmountB:   amountB,
		Fee:       fee,
	}, fee, nil
}

func amountOrZero(a *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	return a
}
