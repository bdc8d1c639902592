package common

import (
	"bytes"
	"encoding/binary"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
)

// Pubdata is the compact byte encoding of a block's operations published on
// L1 so the state can be reconstructed by anyone.  Each operation encodes as
// [opCode u8 | operands...] zero padded to its fixed chunk cost.  The
// operand widths are: account id 4, token id 4, address 20, nonce 4, full
// amount 16, packed amount 5 (Float40), packed fee 2 (Float16).

// PubdataEntry is one decoded pubdata operation.  It mirrors the subset of
// Tx/PriorityOp fields published on chain.
type PubdataEntry struct {
	OpCode OpCode
	// AccountID is the primary account of the op: the credited account
	// for Deposit, the sender for L2 ops, the exiting account for
	// FullExit
	AccountID   AccountID
	ToID        AccountID
	Addr        ethCommon.Address
	TokenID     TokenID
	TokenB      TokenID
	Amount      *big.Int
	AmountB     *big.Int
	Fee         *big.Int
	Nonce       Nonce
	PubKeyHash  PubKeyHash
	ContentHash [32]byte
}

type pubdataWriter struct {
	buf bytes.Buffer
	err error
}

func (w *pubdataWriter) bytes(b []byte) {
	if w.err != nil {
		return
	}
	w.buf.Write(b)
}

func (w *pubdataWriter) packedAmount(amount *big.Int) {
	if w.err != nil {
		return
	}
	f40, err := NewFloat40(amountOrZero(amount))
	if err != nil {
		w.err = tracerr.Wrap(err)
		return
	}
	b, err := f40.Bytes()
	if err != nil {
		w.err = tracerr.Wrap(err)
		return
	}
	w.buf.Write(b)
}

func (w *pubdataWriter) packedFee(fee *big.Int) {
	if w.err != nil {
		return
	}
	f16, err := NewFloat16(amountOrZero(fee))
	if err != nil {
		w.err = tracerr.Wrap(err)
		return
	}
	w.buf.Write(f16.Bytes())
}

func (w *pubdataWriter) fullAmount(amount *big.Int) {
	if w.err != nil {
		return
	}
	if amountOrZero(amount).BitLen() > maxBalanceBytes*8 {
		w.err = tracerr.Wrap(ErrBalanceOverflow)
		return
	}
	var b [maxBalanceBytes]byte
	amountOrZero(amount).FillBytes(b[:])
	w.buf.Write(b[:])
}

// EncodePubdataOp encodes one executed operation, zero padded to its chunk
// cost.  The account ids the op touched must already be resolved into the
// entry.
func EncodePubdataOp(e *PubdataEntry) ([]byte, error) {
	w := &pubdataWriter{}
	w.bytes([]byte{byte(e.OpCode)})
	switch e.OpCode {
	case OpCodeNoop:
		// op code only
	case OpCodeDeposit:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.fullAmount(e.Amount)
		w.bytes(e.Addr.Bytes())
	case OpCodeTransferToNew:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.packedAmount(e.Amount)
		w.packedFee(e.Fee)
		w.bytes(e.Addr.Bytes())
		w.bytes(e.ToID.Bytes())
	case OpCodeWithdraw:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.fullAmount(e.Amount)
		w.packedFee(e.Fee)
		w.bytes(e.Addr.Bytes())
	case OpCodeClose:
		w.bytes(e.AccountID.Bytes())
	case OpCodeTransfer:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.ToID.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.packedAmount(e.Amount)
		w.packedFee(e.Fee)
	case OpCodeFullExit:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.Addr.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.fullAmount(e.Amount)
	case OpCodeChangePubKey:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.PubKeyHash[:])
		w.bytes(e.Nonce.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.packedFee(e.Fee)
	case OpCodeForcedExit:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.ToID.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.fullAmount(e.Amount)
		w.packedFee(e.Fee)
	case OpCodeMintNFT:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.ToID.Bytes())
		w.bytes(e.ContentHash[:])
		w.bytes(e.TokenB.Bytes())
		w.packedFee(e.Fee)
	case OpCodeWithdrawNFT:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.bytes(e.Addr.Bytes())
		w.bytes(e.TokenB.Bytes())
		w.packedFee(e.Fee)
	case OpCodeSwap:
		w.bytes(e.AccountID.Bytes())
		w.bytes(e.ToID.Bytes())
		w.bytes(e.TokenID.Bytes())
		w.bytes(e.TokenB.Bytes())
		w.packedAmount(e.Amount)
		w.packedAmount(e.AmountB)
		w.packedFee(e.Fee)
	default:
		return nil, tracerr.Wrap(ErrUnknownOpCode)
	}
	if w.err != nil {
		return nil, w.err
	}
	size, err := e.OpCode.Bytes()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if w.buf.Len() > size {
		return nil, tracerr.Wrap(ErrUnknownOpCode)
	}
	out := make([]byte, size)
	copy(out, w.buf.Bytes())
	return out, nil
}

type pubdataReader struct {
	b   []byte
	off int
	err error
}

func (r *pubdataReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = tracerr.Wrap(ErrPubdataTooShort)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *pubdataReader) accountID() AccountID {
	b := r.take(AccountIDBytesLen)
	if r.err != nil {
		return 0
	}
	return AccountID(binary.BigEndian.Uint32(b))
}

func (r *pubdataReader) tokenID() TokenID {
	b := r.take(tokenIDBytesLen)
	if r.err != nil {
		return 0
	}
	return TokenID(binary.BigEndian.Uint32(b))
}

func (r *pubdataReader) nonce() Nonce {
	b := r.take(4)
	if r.err != nil {
		return 0
	}
	return Nonce(binary.BigEndian.Uint32(b))
}

func (r *pubdataReader) addr() ethCommon.Address {
	var a ethCommon.Address
	b := r.take(20)
	if r.err != nil {
		return a
	}
	copy(a[:], b)
	return a
}

func (r *pubdataReader) fullAmount() *big.Int {
	b := r.take(maxBalanceBytes)
	if r.err != nil {
		return nil
	}
	return new(big.Int).SetBytes(b)
}

func (r *pubdataReader) packedAmount() *big.Int {
	b := r.take(Float40BytesLength)
	if r.err != nil {
		return nil
	}
	amount, err := Float40FromBytes(b).BigInt()
	if err != nil {
		r.err = tracerr.Wrap(err)
		return nil
	}
	return amount
}

func (r *pubdataReader) packedFee() *big.Int {
	b := r.take(2)
	if r.err != nil {
		return nil
	}
	return Float16FromBytes(b).BigInt()
}

// DecodePubdataOp decodes one operation starting at the beginning of
// pubdata and returns the entry together with the number of bytes consumed
// (always a whole number of chunks).
func DecodePubdataOp(pubdata []byte) (*PubdataEntry, int, error) {
	if len(pubdata) == 0 {
		return nil, 0, tracerr.Wrap(ErrPubdataTooShort)
	}
	e := &PubdataEntry{OpCode: OpCode(pubdata[0])}
	size, err := e.OpCode.Bytes()
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}
	if len(pubdata) < size {
		return nil, 0, tracerr.Wrap(ErrPubdataTooShort)
	}
	r := &pubdataReader{b: pubdata[:size], off: 1}
	switch e.OpCode {
	case OpCodeNoop:
	case OpCodeDeposit:
		e.AccountID = r.accountID()
		e.TokenID = r.tokenID()
		e.Amount = r.fullAmount()
		e.Addr = r.addr()
	case OpCodeTransferToNew:
		e.AccountID = r.accountID()
		e.TokenID = r.tokenID()
		e.Amount = r.packedAmount()
		e.Fee = r.packedFee()
		e.Addr = r.addr()
		e.ToID = r.accountID()
	case OpCodeWithdraw:
		e.AccountID = r.accountID()
		e.TokenID = r.tokenID()
		e.Amount = r.fullAmount()
		e.Fee = r.packedFee()
		e.Addr = r.addr()
	case OpCodeClose:
		e.AccountID = r.accountID()
	case OpCodeTransfer:
		e.AccountID = r.accountID()
		e.ToID = r.accountID()
		e.TokenID = r.tokenID()
		e.Amount = r.packedAmount()
		e.Fee = r.packedFee()
	case OpCodeFullExit:
		e.AccountID = r.accountID()
		e.Addr = r.addr()
		e.TokenID = r.tokenID()
		e.Amount = r.fullAmount()
	case OpCodeChangePubKey:
		e.AccountID = r.accountID()
		copy(e.PubKeyHash[:], r.take(20))
		e.Nonce = r.nonce()
		e.TokenID = r.tokenID()
		e.Fee = r.packedFee()
	case OpCodeForcedExit:
		e.AccountID = r.accountID()
		e.ToID = r.accountID()
		e.TokenID = r.tokenID()
		e.Amount = r.fullAmount()
		e.Fee = r.packedFee()
	case OpCodeMintNFT:
		e.AccountID = r.accountID()
		e.ToID = r.accountID()
		copy(e.ContentHash[:], r.take(32))
		e.TokenB = r.tokenID()
		e.Fee = r.packedFee()
	case OpCodeWithdrawNFT:
		e.AccountID = r.accountID()
		e.TokenID = r.tokenID()
		e.Addr = r.addr()
		e.TokenB = r.tokenID()
		e.Fee = r.packedFee()
	case OpCodeSwap:
		e.AccountID = r.accountID()
		e.ToID = r.accountID()
		e.TokenID = r.tokenID()
		e.TokenB = r.tokenID()
		e.Amount = r.packedAmount()
		e.AmountB = r.packedAmount()
		e.Fee = r.packedFee()
	default:
		return nil, 0, tracerr.Wrap(ErrUnknownOpCode)
	}
	if r.err != nil {
		return nil, 0, r.err
	}
	return e, size, nil
}

// DecodePubdata decodes a whole block's pubdata into its ordered operation
// list.  Trailing Noop padding is returned as entries too.
func DecodePubdata(pubdata []byte) ([]*PubdataEntry, error) {
	var entries []*PubdataEntry
	off := 0
	for off < len(pubdata) {
		e, n, err := DecodePubdataOp(pubdata[off:])
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		entries = append(entries, e)
		off += n
	}
	return entries, nil
}
