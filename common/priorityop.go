package common

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
)

// PriorityOpKind is the one byte kind tag carried by the NewPriorityRequest
// L1 event
type PriorityOpKind uint8

const (
	// PriorityOpDeposit mints the deposited amount into the owner account
	PriorityOpDeposit PriorityOpKind = 0x01
	// PriorityOpFullExit burns the full balance of a token of the target
	// account and queues its withdrawal on L1
	PriorityOpFullExit PriorityOpKind = 0x06
)

// TxType returns the execution tag of the priority op kind
func (k PriorityOpKind) TxType() (TxType, error) {
	switch k {
	case PriorityOpDeposit:
		return TxTypeDeposit, nil
	case PriorityOpFullExit:
		return TxTypeFullExit, nil
	}
	return "", tracerr.Wrap(ErrUnknownPriorityOpKind)
}

// ErrUnknownPriorityOpKind is returned when an L1 log carries a kind byte
// outside the known set.  On a known topic this is a fatal decode error.
var ErrUnknownPriorityOpKind = errors.New("unknown priority op kind")

// PriorityOp is a user action initiated on L1 that the rollup must process
// in bounded time.  SerialID is assigned by the L1 contract and is dense.
type PriorityOp struct {
	SerialID uint64
	Kind     PriorityOpKind
	// Owner is the L1 address the op credits (Deposit) or exits
	// (FullExit)
	Owner   ethCommon.Address
	TokenID TokenID
	// Amount is the deposited amount; zero for FullExit, whose amount is
	// determined at apply time from the account balance
	Amount *big.Int
	// AccountID is the exiting account for FullExit, unused for Deposit
	AccountID AccountID
	EthBlock  uint64
	EthHash   ethCommon.Hash
	// ExpirationBlock is the L1 block by which the op must be processed
	ExpirationBlock uint64
	ReceivedAt      time.Time
}

const (
	depositPayloadLen  = 20 + 4 + 16
	fullExitPayloadLen = 4 + 20 + 4
)

// ErrPriorityOpPayloadLen is returned when a NewPriorityRequest payload does
// not match the fixed length of its kind
var ErrPriorityOpPayloadLen = errors.New("wrong priority op payload length")

// PriorityOpFromPayload decodes the payload bytes of a NewPriorityRequest
// log.  Deposit carries owner(20) token(4) amount(16); FullExit carries
// accountID(4) owner(20) token(4).
func PriorityOpFromPayload(serialID uint64, kind PriorityOpKind,
	payload []byte) (*PriorityOp, error) {
	op := &PriorityOp{
		SerialID: serialID,
		Kind:     kind,
	}
	switch kind {
	case PriorityOpDeposit:
		if len(payload) != depositPayloadLen {
			return nil, tracerr.Wrap(ErrPriorityOpPayloadLen)
		}
		copy(op.Owner[:], payload[0:20])
		op.TokenID = TokenID(binary.BigEndian.Uint32(payload[20:24]))
		op.Amount = new(big.Int).SetBytes(payload[24:40])
	case PriorityOpFullExit:
		if len(payload) != fullExitPayloadLen {
			return nil, tracerr.Wrap(ErrPriorityOpPayloadLen)
		}
		op.AccountID = AccountID(binary.BigEndian.Uint32(payload[0:4]))
		copy(op.Owner[:], payload[4:24])
		op.TokenID = TokenID(binary.BigEndian.Uint32(payload[24:28]))
	default:
		return nil, tracerr.Wrap(ErrUnknownPriorityOpKind)
	}
	return op, nil
}

// Payload is the inverse of PriorityOpFromPayload
func (op *PriorityOp) Payload() ([]byte, error) {
	switch op.Kind {
	case PriorityOpDeposit:
		b := make([]byte, depositPayloadLen)
		copy(b[0:20], op.Owner[:])
		binary.BigEndian.PutUint32(b[20:24], uint32(op.TokenID))
		amountOrZero(op.Amount).FillBytes(b[24:40])
		return b, nil
	case PriorityOpFullExit:
		b := make([]byte, fullExitPayloadLen)
		binary.BigEndian.PutUint32(b[0:4], uint32(op.AccountID))
		copy(b[4:24], op.Owner[:])
		binary.BigEndian.PutUint32(b[24:28], uint32(op.TokenID))
		return b, nil
	}
	return nil, tracerr.Wrap(ErrUnknownPriorityOpKind)
}

// TxID returns the transaction id of the priority op, prefix 0x01 over the
// op's L1 identity
func (op *PriorityOp) TxID() TxID {
	var b [8 + 32]byte
	binary.BigEndian.PutUint64(b[0:8], op.SerialID)
	copy(b[8:], op.EthHash[:])
	h := sha256.Sum256(b[:])
	var txID TxID
	txID[0] = TxIDPrefixL1
	copy(txID[1:], h[:])
	return txID
}

// Chunks returns the pubdata chunk cost of the priority op
func (op *PriorityOp) Chunks() (int, error) {
	txType, err := op.Kind.TxType()
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return TxTypeChunks(txType)
}
