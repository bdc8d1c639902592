package common

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// TxIDLen is the length of the TxID byte array
const TxIDLen = 33

const (
	// TxIDPrefixL2 is the prefix of a user submitted L2 transaction id
	TxIDPrefixL2 = byte(0x02)
	// TxIDPrefixL1 is the prefix of an L1 priority operation id
	TxIDPrefixL1 = byte(0x01)
)

// TxID is the unique identifier of a transaction: a one byte origin prefix
// followed by the sha256 of the canonical transaction encoding
type TxID [TxIDLen]byte

// String returns the hex representation of the TxID with a 0x prefix
func (txID TxID) String() string {
	return "0x" + hex.EncodeToString(txID[:])
}

// TxType is the tag that dispatches the apply and pubdata logic of an
// operation
type TxType string

const (
	// TxTypeNoop is the padding operation, it does not modify state
	TxTypeNoop TxType = "Noop"
	// TxTypeDeposit is an L1 priority op that mints balance into an
	// account, creating it if needed
	TxTypeDeposit TxType = "Deposit"
	// TxTypeTransferToNew moves balance to an address with no account yet,
	// creating it
	TxTypeTransferToNew TxType = "TransferToNew"
	// TxTypeWithdraw burns balance and queues an L1 withdrawal to an
	// Ethereum address
	TxTypeWithdraw TxType = "Withdraw"
	// TxTypeClose is permanently disabled, kept only so historical
	// pubdata still decodes
	TxTypeClose TxType = "Close"
	// TxTypeTransfer moves balance between two existing accounts
	TxTypeTransfer TxType = "Transfer"
	// TxTypeFullExit is an L1 priority op that burns the full balance of
	// a token and queues its withdrawal
	TxTypeFullExit TxType = "FullExit"
	// TxTypeChangePubKey sets the signing key of an account
	TxTypeChangePubKey TxType = "ChangePubKey"
	// TxTypeForcedExit burns the full balance of a target account without
	// a signing key, paid for by the initiator
	TxTypeForcedExit TxType = "ForcedExit"
	// TxTypeMintNFT mints a non fungible token inside the rollup
	TxTypeMintNFT TxType = "MintNFT"
	// TxTypeWithdrawNFT burns an NFT and queues its L1 withdrawal
	TxTypeWithdrawNFT TxType = "WithdrawNFT"
	// TxTypeSwap atomically exchanges two token amounts between two
	// accounts
	TxTypeSwap TxType = "Swap"
)

// Tx is a user submitted L2 transaction.  A single struct covers every
// TxType; fields not used by a type are left at their zero value.
type Tx struct {
	TxID    TxID
	Type    TxType
	FromAddr ethCommon.Address
	// FromBJJ is the sender public key; its hash must match the sender
	// account's PubKeyHash
	FromBJJ babyjub.PublicKeyComp
	ToAddr  ethCommon.Address
	TokenID TokenID
	Amount  *big.Int
	Fee     *big.Int
	// FeeTokenID is the token the fee is paid in, used by MintNFT,
	// WithdrawNFT and Swap; other types pay the fee in TokenID
	FeeTokenID TokenID
	Nonce      Nonce
	// ValidFrom and ValidUntil bound the block timestamps the transaction
	// may be included at, both in unix seconds.  ValidUntil == 0 means no
	// upper bound.
	ValidFrom  uint64
	ValidUntil uint64
	// Fast requests fast processing, which shortens the sealing timeout
	// of the block the transaction lands in.  Only meaningful for
	// Withdraw.
	Fast bool
	// NewPubKeyHash is the key being set by a ChangePubKey
	NewPubKeyHash PubKeyHash
	// ContentHash identifies the minted content of a MintNFT; for
	// WithdrawNFT it is looked up from the NFT registry
	ContentHash [32]byte
	// FactoryAddr is the registered NFT factory a MintNFT mints through
	FactoryAddr ethCommon.Address
	// TokenB and AmountB are the second leg of a Swap: the counterparty
	// at ToAddr sends AmountB of TokenB to FromAddr
	TokenB  TokenID
	AmountB *big.Int
	// BatchID groups the transactions of an atomic batch, 0 when the
	// transaction is standalone
	BatchID   uint64
	Signature babyjub.SignatureComp
	ReceivedAt int64
}

// feeToken returns the token the fee of the tx is charged in
func (tx *Tx) feeToken() TokenID {
	switch tx.Type {
	case TxTypeMintNFT, TxTypeWithdrawNFT, TxTypeSwap:
		return tx.FeeTokenID
	default:
		return tx.TokenID
	}
}

// FeeToken returns the token the fee of the tx is charged in
func (tx *Tx) FeeToken() TokenID {
	return tx.feeToken()
}

// amountOrZero guards the hashing and encoding paths against nil amounts
func amountOrZero(a *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	return a
}

// canonicalBytes is the encoding signed by the sender and hashed into the
// TxID.  It covers every semantic field.
func (tx *Tx) canonicalBytes() []byte {
	b := make([]byte, 0, 256)
	b = append(b, []byte(tx.Type)...)
	b = append(b, tx.FromAddr.Bytes()...)
	b = append(b, tx.FromBJJ[:]...)
	b = append(b, tx.ToAddr.Bytes()...)
	b = append(b, tx.TokenID.Bytes()...)
	var amount [16]byte
	amountOrZero(tx.Amount).FillBytes(amount[:])
	b = append(b, amount[:]...)
	var fee [16]byte
	amountOrZero(tx.Fee).FillBytes(fee[:])
	b = append(b, fee[:]...)
	b = append(b, tx.FeeTokenID.Bytes()...)
	b = append(b, tx.Nonce.Bytes()...)
	var timeRange [16]byte
	binary.BigEndian.PutUint64(timeRange[0:8], tx.ValidFrom)
	binary.BigEndian.PutUint64(timeRange[8:16], tx.ValidUntil)
	b = append(b, timeRange[:]...)
	if tx.Fast {
		b = append(b, 0x01)
	} else {
		b = append(b, 0x00)
	}
	b = append(b, tx.NewPubKeyHash[:]...)
	b = append(b, tx.ContentHash[:]...)
	b = append(b, tx.FactoryAddr.Bytes()...)
	b = append(b, tx.TokenB.Bytes()...)
	var amountB [16]byte
	amountOrZero(tx.AmountB).FillBytes(amountB[:])
	b = append(b, amountB[:]...)
	var batchID [8]byte
	binary.BigEndian.PutUint64(batchID[:], tx.BatchID)
	b = append(b, batchID[:]...)
	return b
}

// SetID computes and sets the TxID from the canonical encoding
func (tx *Tx) SetID() {
	h := sha256.Sum256(tx.canonicalBytes())
	tx.TxID[0] = TxIDPrefixL2
	copy(tx.TxID[1:], h[:])
}

// HashToSign returns the field element the sender signs
func (tx *Tx) HashToSign() (*big.Int, error) {
	h := sha256.Sum256(tx.canonicalBytes())
	// truncate to 31 bytes so the value fits the field
	return poseidon.Hash([]*big.Int{new(big.Int).SetBytes(h[:31])})
}

// Sign signs the transaction with the given private key and sets both the
// signature and the TxID
func (tx *Tx) Sign(sk *babyjub.PrivateKey) error {
	tx.FromBJJ = sk.Public().Compress()
	toSign, err := tx.HashToSign()
	if err != nil {
		return tracerr.Wrap(err)
	}
	sig := sk.SignPoseidon(toSign)
	tx.Signature = sig.Compress()
	tx.SetID()
	return nil
}

// VerifySignature checks the transaction signature against the declared
// sender public key
func (tx *Tx) VerifySignature() error {
	toSign, err := tx.HashToSign()
	if err != nil {
		return tracerr.Wrap(err)
	}
	pk, err := tx.FromBJJ.Decompress()
	if err != nil {
		return tracerr.Wrap(ErrInvalidSignature)
	}
	sig, err := tx.Signature.Decompress()
	if err != nil {
		return tracerr.Wrap(ErrInvalidSignature)
	}
	if !pk.VerifyPoseidon(toSign, sig) {
		return tracerr.Wrap(ErrInvalidSignature)
	}
	return nil
}

// IsWithdrawal reports whether the transaction burns balance towards L1
func (tx *Tx) IsWithdrawal() bool {
	return tx.Type == TxTypeWithdraw || tx.Type == TxTypeForcedExit ||
		tx.Type == TxTypeWithdrawNFT
}
