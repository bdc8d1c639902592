package common

import (
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(b byte) *babyjub.PrivateKey {
	var sk babyjub.PrivateKey
	sk[0] = b
	return &sk
}

func TestTxSignVerify(t *testing.T) {
	sk := newTestKey(1)
	tx := &Tx{
		Type:     TxTypeTransfer,
		FromAddr: ethCommon.HexToAddress("0xaa"),
		ToAddr:   ethCommon.HexToAddress("0xbb"),
		TokenID:  1,
		Amount:   big.NewInt(700),
		Fee:      big.NewInt(5),
		Nonce:    0,
	}
	require.NoError(t, tx.Sign(sk))
	assert.Equal(t, TxIDPrefixL2, tx.TxID[0])
	assert.NoError(t, tx.VerifySignature())

	// a mutated field invalidates the signature
	tx.Amount = big.NewInt(701)
	err := tx.VerifySignature()
	assert.Equal(t, ErrInvalidSignature, tracerr.Unwrap(err))
}

func TestTxIDDependsOnContent(t *testing.T) {
	tx1 := &Tx{Type: TxTypeTransfer, TokenID: 1, Amount: big.NewInt(1), Nonce: 0}
	tx2 := &Tx{Type: TxTypeTransfer, TokenID: 1, Amount: big.NewInt(1), Nonce: 1}
	tx1.SetID()
	tx2.SetID()
	assert.NotEqual(t, tx1.TxID, tx2.TxID)
}

func TestPriorityOpTxID(t *testing.T) {
	op := &PriorityOp{
		SerialID: 10,
		Kind:     PriorityOpDeposit,
		EthHash:  ethCommon.HexToHash("0x01"),
	}
	txID := op.TxID()
	assert.Equal(t, TxIDPrefixL1, txID[0])

	op2 := &PriorityOp{SerialID: 11, Kind: PriorityOpDeposit, EthHash: op.EthHash}
	assert.NotEqual(t, txID, op2.TxID())
}

func TestFeeToken(t *testing.T) {
	tx := &Tx{Type: TxTypeTransfer, TokenID: 3, FeeTokenID: 9}
	assert.Equal(t, TokenID(3), tx.FeeToken())
	tx.Type = TxTypeMintNFT
	assert.Equal(t, TokenID(9), tx.FeeToken())
}
