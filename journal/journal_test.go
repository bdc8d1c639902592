package journal

import (
	"math/big"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-merkletree/db/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescentzk/crescent-node/common"
)

func newTestJournal(t *testing.T) *KVJournal {
	storage, err := pebble.NewPebbleStorage(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(storage.Close)
	return NewKVJournal(storage)
}

func testBlock(num uint64) *common.Block {
	return &common.Block{
		Num:         num,
		Timestamp:   1000 + num,
		PrevRoot:    big.NewInt(int64(num)),
		NewRoot:     big.NewInt(int64(num + 1)),
		FeeAccount:  1,
		BlockChunks: 6,
	}
}

func TestRecordAndLoadBlock(t *testing.T) {
	j := newTestJournal(t)

	last, err := j.LastBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	updates := []common.AccountUpdate{
		{BlockNum: 1, AccountID: 2, TokenID: 0, Nonce: 1, Balance: big.NewInt(700)},
	}
	require.NoError(t, j.RecordBlock(testBlock(1), updates))
	require.NoError(t, j.RecordBlock(testBlock(2), nil))

	last, err = j.LastBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	block, gotUpdates, err := j.LoadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), block.Num)
	assert.Equal(t, big.NewInt(2), block.NewRoot)
	require.Len(t, gotUpdates, 1)
	assert.Equal(t, big.NewInt(700), gotUpdates[0].Balance)

	_, _, err = j.LoadBlock(9)
	assert.Equal(t, ErrBlockNotFound, tracerr.Unwrap(err))
}

func TestL1OpLifecycle(t *testing.T) {
	j := newTestJournal(t)

	op := &common.L1Op{
		Kind:      common.L1OpCommit,
		BlockFrom: 1,
		BlockTo:   1,
		Nonce:     7,
		CreatedAt: time.Now(),
	}
	require.NoError(t, j.RecordL1Op(op))

	ops, err := j.LoadUnconfirmedL1Ops()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(7), ops[0].Nonce)

	// a confirmed op no longer resumes
	op.Attempts = append(op.Attempts, common.EthTxAttempt{
		Hash:     ethCommon.HexToHash("0x01"),
		GasPrice: big.NewInt(100),
		Final:    true,
	})
	require.NoError(t, j.RecordL1Op(op))
	ops, err = j.LoadUnconfirmedL1Ops()
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestUnconfirmedOpsNonceOrder(t *testing.T) {
	j := newTestJournal(t)

	for _, nonce := range []uint64{5, 3, 4} {
		require.NoError(t, j.RecordL1Op(&common.L1Op{
			Kind:  common.L1OpCommit,
			Nonce: nonce,
		}))
	}
	ops, err := j.LoadUnconfirmedL1Ops()
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, uint64(3), ops[0].Nonce)
	assert.Equal(t, uint64(4), ops[1].Nonce)
	assert.Equal(t, uint64(5), ops[2].Nonce)
}

func TestWatcherCursor(t *testing.T) {
	j := newTestJournal(t)

	_, _, ok, err := j.LoadWatcherCursor()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.RecordWatcherCursor(12345, 42))
	scanned, serial, ok, err := j.LoadWatcherCursor()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(12345), scanned)
	assert.Equal(t, uint64(42), serial)
}

func TestPendingSnapshotConsumedOnSeal(t *testing.T) {
	j := newTestJournal(t)

	snapshot, err := j.LoadPendingSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	require.NoError(t, j.RecordPendingSnapshot([]byte(`{"n":1}`)))
	snapshot, err = j.LoadPendingSnapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), snapshot)

	// sealing a block clears the snapshot in the same group
	require.NoError(t, j.RecordBlock(testBlock(1), nil))
	snapshot, err = j.LoadPendingSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}
