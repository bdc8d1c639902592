package common

import (
	"time"

	"github.com/hermeznetwork/tracerr"
)

// ChunkBytes is the size in bytes of one pubdata chunk
const ChunkBytes = 8

// OpCode is the one byte tag leading the pubdata encoding of each operation
type OpCode uint8

// Op codes of the pubdata encoding
const (
	OpCodeNoop          OpCode = 0x00
	OpCodeDeposit       OpCode = 0x01
	OpCodeTransferToNew OpCode = 0x02
	OpCodeWithdraw      OpCode = 0x03
	OpCodeClose         OpCode = 0x04
	OpCodeTransfer      OpCode = 0x05
	OpCodeFullExit      OpCode = 0x06
	OpCodeChangePubKey  OpCode = 0x07
	OpCodeForcedExit    OpCode = 0x08
	OpCodeMintNFT       OpCode = 0x09
	OpCodeWithdrawNFT   OpCode = 0x0a
	OpCodeSwap          OpCode = 0x0b
)

// opChunks is the fixed chunk cost of each operation in the pubdata
// encoding
var opChunks = map[OpCode]int{
	OpCodeNoop:          1,
	OpCodeDeposit:       6,
	OpCodeTransferToNew: 5,
	OpCodeWithdraw:      6,
	OpCodeClose:         1,
	OpCodeTransfer:      3,
	OpCodeFullExit:      6,
	OpCodeChangePubKey:  5,
	OpCodeForcedExit:    4,
	OpCodeMintNFT:       6,
	OpCodeWithdrawNFT:   5,
	OpCodeSwap:          4,
}

var opCodeByTxType = map[TxType]OpCode{
	TxTypeNoop:          OpCodeNoop,
	TxTypeDeposit:       OpCodeDeposit,
	TxTypeTransferToNew: OpCodeTransferToNew,
	TxTypeWithdraw:      OpCodeWithdraw,
	TxTypeClose:         OpCodeClose,
	TxTypeTransfer:      OpCodeTransfer,
	TxTypeFullExit:      OpCodeFullExit,
	TxTypeChangePubKey:  OpCodeChangePubKey,
	TxTypeForcedExit:    OpCodeForcedExit,
	TxTypeMintNFT:       OpCodeMintNFT,
	TxTypeWithdrawNFT:   OpCodeWithdrawNFT,
	TxTypeSwap:          OpCodeSwap,
}

// Chunks returns the fixed chunk cost of the op code
func (c OpCode) Chunks() (int, error) {
	chunks, ok := opChunks[c]
	if !ok {
		return 0, tracerr.Wrap(ErrUnknownOpCode)
	}
	return chunks, nil
}

// Bytes returns the total pubdata byte size of the op code, including zero
// padding
func (c OpCode) Bytes() (int, error) {
	chunks, err := c.Chunks()
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return chunks * ChunkBytes, nil
}

// OpCodeByTxType returns the pubdata op code of a TxType
func OpCodeByTxType(t TxType) (OpCode, error) {
	code, ok := opCodeByTxType[t]
	if !ok {
		return 0, tracerr.Wrap(ErrUnknownOpCode)
	}
	return code, nil
}

// TxTypeChunks returns the fixed chunk cost of a TxType
func TxTypeChunks(t TxType) (int, error) {
	code, err := OpCodeByTxType(t)
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return code.Chunks()
}

// ExecutedOp is one entry of a sealed block: either a successfully applied
// operation (user tx or priority op) or a failed user transaction.  Failed
// transactions occupy zero chunks and do not affect the state root, but are
// surfaced to submitters.
type ExecutedOp struct {
	// Tx is set for user transactions and for the decoded form of
	// priority ops; nil only for explicit Noop padding entries
	Tx *Tx
	// PriorityOp is set when the operation originates on L1
	PriorityOp *PriorityOp
	Success    bool
	FailReason string
	// CreatedID is the account id assigned when the op created an
	// account (Deposit to a new address, TransferToNew)
	CreatedID AccountID
	// Entry is the resolved pubdata form of the op, filled at apply time
	// for successful ops
	Entry     *PubdataEntry
	CreatedAt time.Time
}

// Type returns the TxType of the executed op
func (e *ExecutedOp) Type() TxType {
	if e.PriorityOp != nil {
		t, err := e.PriorityOp.Kind.TxType()
		if err == nil {
			return t
		}
	}
	if e.Tx != nil {
		return e.Tx.Type
	}
	return TxTypeNoop
}

// Chunks returns the chunk cost of the executed op.  Failed transactions
// cost zero chunks.
func (e *ExecutedOp) Chunks() int {
	if !e.Success {
		return 0
	}
	chunks, err := TxTypeChunks(e.Type())
	if err != nil {
		return 0
	}
	return chunks
}

// TxID returns the transaction id of the executed op
func (e *ExecutedOp) TxID() TxID {
	if e.PriorityOp != nil {
		return e.PriorityOp.TxID()
	}
	if e.Tx != nil {
		return e.Tx.TxID
	}
	return TxID{}
}
