package mempool

import (
	"math/big"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescentzk/crescent-node/common"
)

type stubState struct {
	nonces map[ethCommon.Address]common.Nonce
}

func (s *stubState) GetAccountByAddr(addr ethCommon.Address) (common.AccountID, *common.Account, error) {
	nonce, ok := s.nonces[addr]
	if !ok {
		return 0, nil, tracerr.Wrap(common.ErrAccountNotFound)
	}
	return 1, &common.Account{EthAddr: addr, Nonce: nonce}, nil
}

type allTokens struct{}

func (allTokens) TokenExists(common.TokenID) bool { return true }

func newTestMempool(nonces map[ethCommon.Address]common.Nonce) *Mempool {
	return NewMempool(Config{
		MaxQueueSize:        16,
		MaxTxAge:            time.Hour,
		MaxBatchSize:        4,
		MaxBatchWithdrawals: 1,
		MinFee:              big.NewInt(1),
	}, &stubState{nonces: nonces}, allTokens{})
}

func newTestKey(b byte) *babyjub.PrivateKey {
	var sk babyjub.PrivateKey
	sk[0] = b
	return &sk
}

func testAddr(b byte) ethCommon.Address {
	var addr ethCommon.Address
	addr[19] = b
	return addr
}

func signedTx(t *testing.T, sk *babyjub.PrivateKey, from ethCommon.Address,
	nonce common.Nonce, batchID uint64) *common.Tx {
	tx := &common.Tx{
		Type:     common.TxTypeTransfer,
		FromAddr: from,
		FromBJJ:  sk.Public().Compress(),
		ToAddr:   testAddr(0xff),
		TokenID:  1,
		Amount:   big.NewInt(10),
		Fee:      big.NewInt(1),
		Nonce:    nonce,
		BatchID:  batchID,
	}
	require.NoError(t, tx.Sign(sk))
	return tx
}

func TestAddAndPropose(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := newTestMempool(map[ethCommon.Address]common.Nonce{alice: 0})

	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 0, 0)))
	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 1, 0)))
	assert.Equal(t, 2, m.Len())

	items := m.Propose(100)
	require.Len(t, items, 2)
	// FIFO within the sender
	assert.Equal(t, common.Nonce(0), items[0].Txs[0].Nonce)
	assert.Equal(t, common.Nonce(1), items[1].Txs[0].Nonce)
	assert.Equal(t, 0, m.Len())
}

func TestAddRejections(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := newTestMempool(map[ethCommon.Address]common.Nonce{alice: 5})

	// stale nonce
	err := m.Add(signedTx(t, skAlice, alice, 3, 0))
	assert.Equal(t, ErrNonceTooLow, tracerr.Unwrap(err))

	// future nonce is fine, earlier queued txs may bump the account
	assert.NoError(t, m.Add(signedTx(t, skAlice, alice, 7, 0)))

	// tampered signature
	tx := signedTx(t, skAlice, alice, 5, 0)
	tx.Amount = big.NewInt(999)
	err = m.Add(tx)
	assert.Equal(t, ErrBadSignature, tracerr.Unwrap(err))

	// fee below minimum
	tx = signedTx(t, skAlice, alice, 5, 0)
	tx.Fee = big.NewInt(0)
	require.NoError(t, tx.Sign(skAlice))
	err = m.Add(tx)
	assert.Equal(t, ErrFeeTooLow, tracerr.Unwrap(err))

	// expired time range
	tx = signedTx(t, skAlice, alice, 5, 0)
	tx.ValidUntil = 1
	require.NoError(t, tx.Sign(skAlice))
	err = m.Add(tx)
	assert.Equal(t, ErrInvalidTimeRange, tracerr.Unwrap(err))
}

func TestQueueFull(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := NewMempool(Config{MaxQueueSize: 1, MinFee: big.NewInt(1)},
		&stubState{}, allTokens{})

	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 0, 0)))
	err := m.Add(signedTx(t, skAlice, alice, 1, 0))
	assert.Equal(t, ErrQueueFull, tracerr.Unwrap(err))
}

func TestClosedRejects(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := newTestMempool(nil)

	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 0, 0)))
	m.Close()
	err := m.Add(signedTx(t, skAlice, alice, 1, 0))
	assert.Equal(t, ErrClosed, tracerr.Unwrap(err))
	// queued items stay proposable after close
	assert.Len(t, m.Propose(100), 1)
}

func TestProposeRespectsChunkBudget(t *testing.T) {
	alice := testAddr(1)
	bob := testAddr(2)
	skAlice := newTestKey(1)
	skBob := newTestKey(2)
	m := newTestMempool(nil)

	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 0, 0)))
	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 1, 0)))
	require.NoError(t, m.Add(signedTx(t, skBob, bob, 0, 0)))

	// a Transfer occupies 3 chunks: budget 7 fits two of the three
	items := m.Propose(7)
	require.Len(t, items, 2)
	// round-robin takes one from each sender first
	assert.Equal(t, alice, items[0].Txs[0].FromAddr)
	assert.Equal(t, bob, items[1].Txs[0].FromAddr)
	assert.Equal(t, 1, m.Len())
}

func TestRevertRestoresOrder(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := newTestMempool(nil)

	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 0, 0)))
	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 1, 0)))

	items := m.Propose(100)
	require.Len(t, items, 2)
	m.Revert(items)

	items = m.Propose(100)
	require.Len(t, items, 2)
	assert.Equal(t, common.Nonce(0), items[0].Txs[0].Nonce)
	assert.Equal(t, common.Nonce(1), items[1].Txs[0].Nonce)
}

func TestBatchValidation(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := newTestMempool(nil)

	// mixed batch ids
	err := m.AddBatch([]*common.Tx{
		signedTx(t, skAlice, alice, 0, 3),
		signedTx(t, skAlice, alice, 1, 4),
	})
	assert.Equal(t, ErrMixedBatchID, tracerr.Unwrap(err))

	// too many transactions
	var big5 []*common.Tx
	for i := 0; i < 5; i++ {
		big5 = append(big5, signedTx(t, skAlice, alice, common.Nonce(i), 3))
	}
	err = m.AddBatch(big5)
	assert.Equal(t, ErrBatchTooBig, tracerr.Unwrap(err))

	// too many withdrawals
	w1 := signedTx(t, skAlice, alice, 0, 3)
	w1.Type = common.TxTypeWithdraw
	require.NoError(t, w1.Sign(skAlice))
	w2 := signedTx(t, skAlice, alice, 1, 3)
	w2.Type = common.TxTypeWithdraw
	require.NoError(t, w2.Sign(skAlice))
	err = m.AddBatch([]*common.Tx{w1, w2})
	assert.Equal(t, ErrTooManyWithdrawalsInBatch, tracerr.Unwrap(err))

	// a valid batch is proposed whole
	require.NoError(t, m.AddBatch([]*common.Tx{
		signedTx(t, skAlice, alice, 0, 3),
		signedTx(t, skAlice, alice, 1, 3),
	}))
	items := m.Propose(100)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(3), items[0].BatchID)
	assert.Len(t, items[0].Txs, 2)
}

func TestBatchFeeIsFungible(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := newTestMempool(nil)

	// one tx pays zero fee, the other covers both minimums
	free := signedTx(t, skAlice, alice, 0, 9)
	free.Fee = big.NewInt(0)
	require.NoError(t, free.Sign(skAlice))
	payer := signedTx(t, skAlice, alice, 1, 9)
	payer.Fee = big.NewInt(2)
	require.NoError(t, payer.Sign(skAlice))

	assert.NoError(t, m.AddBatch([]*common.Tx{free, payer}))
}

func TestBatchLeftWhenNotFitting(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := newTestMempool(nil)

	require.NoError(t, m.AddBatch([]*common.Tx{
		signedTx(t, skAlice, alice, 0, 3),
		signedTx(t, skAlice, alice, 1, 3),
	}))

	// the batch needs 6 chunks, only 5 available
	assert.Empty(t, m.Propose(5))
	assert.Equal(t, 1, m.Len())
	assert.Len(t, m.Propose(6), 1)
}

func TestPurgeExpired(t *testing.T) {
	alice := testAddr(1)
	skAlice := newTestKey(1)
	m := newTestMempool(nil)

	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 0, 0)))
	require.NoError(t, m.Add(signedTx(t, skAlice, alice, 1, 0)))

	assert.Equal(t, 0, m.PurgeExpired(time.Now()))
	assert.Equal(t, 2, m.PurgeExpired(time.Now().Add(2*time.Hour)))
	assert.Equal(t, 0, m.Len())
}
