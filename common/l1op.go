package common

import (
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// L1OpKind is the kind of L1 state transition the commit pipeline performs
// for a block range
type L1OpKind string

const (
	// L1OpCommit posts the block data (roots, pubdata, cursors) on L1
	L1OpCommit L1OpKind = "Commit"
	// L1OpProve submits the zk proof of one or more committed blocks
	L1OpProve L1OpKind = "ExecuteProof"
	// L1OpExecute finalizes proved blocks, completing pending
	// withdrawals in bounded batches
	L1OpExecute L1OpKind = "Execute"
)

// EthTxAttempt is one signed L1 transaction attempt of an L1Op.  Several
// attempts with the same nonce can exist when a stuck transaction is
// replaced with a higher gas price.
type EthTxAttempt struct {
	Hash     ethCommon.Hash
	GasPrice *big.Int
	// DeadlineBlock is the L1 block after which the attempt is considered
	// stuck and replaced
	DeadlineBlock uint64
	SentAt        time.Time
	// Final marks the attempt whose receipt reached the confirmation
	// threshold
	Final bool
}

// L1Op tracks one L1 state transition of the commit pipeline through its
// attempts.  It is journaled before the first attempt is sent so a restart
// can resume or resign it.
type L1Op struct {
	Kind      L1OpKind
	BlockFrom uint64
	BlockTo   uint64
	Nonce     uint64
	// Calldata is the encoded contract call, kept so a restart can resign
	// the same call with a fresh gas price
	Calldata  []byte
	Attempts  []EthTxAttempt
	CreatedAt time.Time
}

// LastAttempt returns the most recent attempt, nil if none was sent yet
func (op *L1Op) LastAttempt() *EthTxAttempt {
	if len(op.Attempts) == 0 {
		return nil
	}
	return &op.Attempts[len(op.Attempts)-1]
}

// FinalAttempt returns the mined and confirmed attempt, nil while the op is
// in flight
func (op *L1Op) FinalAttempt() *EthTxAttempt {
	for i := range op.Attempts {
		if op.Attempts[i].Final {
			return &op.Attempts[i]
		}
	}
	return nil
}

// PendingWithdrawal is a withdrawal observed on L1 via the
// WithdrawalPending event, waiting for an Execute transition to complete it
type PendingWithdrawal struct {
	TokenID   TokenID
	Recipient ethCommon.Address
	Amount    *big.Int
	EthTxHash ethCommon.Hash
	EthBlock  uint64
}
