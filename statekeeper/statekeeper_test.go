package statekeeper

import (
	"errors"
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-merkletree/db/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/db/statedb"
	"github.com/crescentzk/crescent-node/journal"
	"github.com/crescentzk/crescent-node/mempool"
	"github.com/crescentzk/crescent-node/txprocessor"
)

type allRegistry struct{}

func (allRegistry) TokenExists(common.TokenID) bool      { return true }
func (allRegistry) FactoryExists(ethCommon.Address) bool { return true }

type testEnv struct {
	state  *statedb.StateDB
	proc   *txprocessor.Processor
	jrnl   *journal.KVJournal
	keeper *StateKeeper
}

func defaultConfig() Config {
	return Config{
		FeeAccount:          0,
		AvailableChunkSizes: []int{6, 12, 24, 48, 96},
		MaxIterations:       5,
		FastIterations:      2,
		MaxCommitGas:        5_000_000,
		MaxExecuteGas:       5_000_000,
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	state, err := statedb.NewStateDB(statedb.Config{
		Path:    t.TempDir(),
		Keep:    32,
		NLevels: statedb.DefaultNLevels,
	})
	require.NoError(t, err)
	t.Cleanup(state.Close)

	storage, err := pebble.NewPebbleStorage(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(storage.Close)
	jrnl := journal.NewKVJournal(storage)

	proc := txprocessor.NewProcessor(state, allRegistry{})
	return &testEnv{
		state:  state,
		proc:   proc,
		jrnl:   jrnl,
		keeper: NewStateKeeper(cfg, proc, jrnl, 0),
	}
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

func depositOp(serial uint64, addr ethCommon.Address, amount int64) *common.PriorityOp {
	return &common.PriorityOp{
		SerialID: serial,
		Kind:     common.PriorityOpDeposit,
		Owner:    addr,
		TokenID:  0,
		Amount:   big.NewInt(amount),
	}
}

// setupFunded seals a first block depositing to the fee account and alice,
// and registers alice's key.  Returns alice's signing key.
func setupFunded(t *testing.T, env *testEnv) *babyjub.PrivateKey {
	skAlice := newTestKey(1)
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{
			depositOp(0, testAddr(9), 0),    // fee account, id 0
			depositOp(1, testAddr(1), 1000), // alice, id 1
		},
		Timestamp: 1000,
	})
	require.NoError(t, err)
	require.Nil(t, result.Sealed)

	pkh, err := common.NewPubKeyHash(skAlice.Public().Compress())
	require.NoError(t, err)
	cpk := &common.Tx{
		Type:          common.TxTypeChangePubKey,
		FromAddr:      testAddr(1),
		FromBJJ:       skAlice.Public().Compress(),
		TokenID:       0,
		Fee:           big.NewInt(0),
		Nonce:         0,
		NewPubKeyHash: pkh,
	}
	require.NoError(t, cpk.Sign(skAlice))
	env.keeper.SealNow()
	result, err = env.keeper.ExecuteMiniblock(ProposedOps{
		Items:     []*mempool.Item{{Txs: []*common.Tx{cpk}}},
		Timestamp: 1000,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)
	require.Equal(t, uint64(1), result.Sealed.Num)
	return skAlice
}

func signedTransfer(t *testing.T, sk *babyjub.PrivateKey, nonce common.Nonce,
	to ethCommon.Address, amount, fee int64) *common.Tx {
	tx := &common.Tx{
		Type:     common.TxTypeTransferToNew,
		FromAddr: testAddr(1),
		FromBJJ:  sk.Public().Compress(),
		ToAddr:   to,
		TokenID:  0,
		Amount:   big.NewInt(amount),
		Fee:      big.NewInt(fee),
		Nonce:    nonce,
	}
	require.NoError(t, tx.Sign(sk))
	return tx
}

func TestSealOnMaxIterations(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxIterations = 2
	env := newTestEnv(t, cfg)

	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{depositOp(0, testAddr(1), 500)},
		Timestamp:   1000,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Sealed)

	// second tick hits max_iterations
	result, err = env.keeper.ExecuteMiniblock(ProposedOps{Timestamp: 1000})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)
	block := result.Sealed

	assert.Equal(t, uint64(1), block.Num)
	assert.Equal(t, uint64(0), block.CursorBefore)
	assert.Equal(t, uint64(1), block.CursorAfter)
	assert.Equal(t, 6, block.BlockChunks)
	assert.NotEqual(t, block.PrevRoot, block.NewRoot)
	assert.Equal(t, block.NewRoot, env.keeper.LastRoot())
	assert.NotEmpty(t, result.Updates)

	// the sealed block is journaled
	journaled, _, err := env.jrnl.LoadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, block.Commitment, journaled.Commitment)
}

func TestSealOnExactFill(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	// a Deposit occupies 6 chunks, exactly the smallest block size
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{depositOp(0, testAddr(1), 500)},
		Timestamp:   1000,
	})
	require.NoError(t, err)
	// not a full block yet: the max size is 96
	assert.Nil(t, result.Sealed)
}

func TestPriorityOpSealsWhenNotFitting(t *testing.T) {
	cfg := defaultConfig()
	cfg.AvailableChunkSizes = []int{6, 12}
	env := newTestEnv(t, cfg)

	ops := []*common.PriorityOp{
		depositOp(0, testAddr(1), 100),
		depositOp(1, testAddr(2), 100),
		depositOp(2, testAddr(3), 100),
	}
	// 12 chunks fit two deposits; the third seals the block unconsumed
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: ops,
		Timestamp:   1000,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)
	assert.Equal(t, uint64(0), result.Sealed.CursorBefore)
	assert.Equal(t, uint64(2), result.Sealed.CursorAfter)
	assert.Equal(t, 12, result.Sealed.BlockChunks)

	// the unconsumed op opens the next block
	result, err = env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: ops[2:],
		Timestamp:   1001,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Sealed)
	env.keeper.SealNow()
	result, err = env.keeper.ExecuteMiniblock(ProposedOps{Timestamp: 1001})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)
	assert.Equal(t, uint64(2), result.Sealed.CursorBefore)
	assert.Equal(t, uint64(3), result.Sealed.CursorAfter)
}

func TestBlockChaining(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	env.keeper.SealNow()
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{depositOp(0, testAddr(1), 100)},
		Timestamp:   1000,
	})
	require.NoError(t, err)
	block1 := result.Sealed
	require.NotNil(t, block1)

	env.keeper.SealNow()
	result, err = env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{depositOp(1, testAddr(2), 100)},
		Timestamp:   1001,
	})
	require.NoError(t, err)
	block2 := result.Sealed
	require.NotNil(t, block2)

	assert.Equal(t, block1.Num+1, block2.Num)
	assert.Equal(t, 0, block2.PrevRoot.Cmp(block1.NewRoot))
}

func TestFeesCreditedAtSeal(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	skAlice := setupFunded(t, env)

	tx := signedTransfer(t, skAlice, 1, testAddr(2), 700, 5)
	env.keeper.SealNow()
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		Items:     []*mempool.Item{{Txs: []*common.Tx{tx}}},
		Timestamp: 1002,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)

	feeAcc, err := env.state.GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), feeAcc.Balance(0))

	_, aliceAcc, err := env.keeper.GetAccount(testAddr(1))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(295), aliceAcc.Balance(0))
}

func TestFailedTxOccupiesZeroChunks(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	skAlice := setupFunded(t, env)
	rootBefore := env.keeper.LastRoot()

	// alice has 1000, this cannot succeed
	tx := signedTransfer(t, skAlice, 1, testAddr(2), 5000, 5)
	env.keeper.SealNow()
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		Items:     []*mempool.Item{{Txs: []*common.Tx{tx}}},
		Timestamp: 1002,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)
	block := result.Sealed

	require.Len(t, block.Ops, 1)
	assert.False(t, block.Ops[0].Success)
	assert.Equal(t, 6, block.BlockChunks)
	// the root does not move for a block of failed txs
	assert.Equal(t, 0, block.NewRoot.Cmp(rootBefore))
}

func TestFastProcessingSealsEarly(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxIterations = 10
	cfg.FastIterations = 1
	env := newTestEnv(t, cfg)
	skAlice := setupFunded(t, env)

	withdraw := &common.Tx{
		Type:     common.TxTypeWithdraw,
		FromAddr: testAddr(1),
		FromBJJ:  skAlice.Public().Compress(),
		ToAddr:   testAddr(1),
		TokenID:  0,
		Amount:   big.NewInt(100),
		Fee:      big.NewInt(1),
		Nonce:    1,
		Fast:     true,
	}
	require.NoError(t, withdraw.Sign(skAlice))

	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		Items:     []*mempool.Item{{Txs: []*common.Tx{withdraw}}},
		Timestamp: 1002,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed, "fast processing must seal at fast_iterations")
}

func TestSealNowPadsEmptyBlock(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	env.keeper.SealNow()
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{Timestamp: 1000})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)
	block := result.Sealed

	assert.Empty(t, block.Ops)
	assert.Equal(t, 6, block.BlockChunks)
	pubdata, err := block.Pubdata()
	require.NoError(t, err)
	assert.Len(t, pubdata, 6*common.ChunkBytes)
	assert.Equal(t, 0, block.NewRoot.Cmp(block.PrevRoot))
}

func TestNotFittingItemsReturned(t *testing.T) {
	cfg := defaultConfig()
	cfg.AvailableChunkSizes = []int{6, 12}
	env := newTestEnv(t, cfg)

	skAlice := newTestKey(1)
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{
			depositOp(0, testAddr(9), 0),
			depositOp(1, testAddr(1), 1000),
		},
		Timestamp: 1000,
	})
	require.NoError(t, err)
	// two deposits fill the 12-chunk budget exactly
	require.NotNil(t, result.Sealed)

	pkh, err := common.NewPubKeyHash(skAlice.Public().Compress())
	require.NoError(t, err)
	cpk := &common.Tx{
		Type:          common.TxTypeChangePubKey,
		FromAddr:      testAddr(1),
		FromBJJ:       skAlice.Public().Compress(),
		TokenID:       0,
		Fee:           big.NewInt(0),
		Nonce:         0,
		NewPubKeyHash: pkh,
	}
	require.NoError(t, cpk.Sign(skAlice))
	env.keeper.SealNow()
	result, err = env.keeper.ExecuteMiniblock(ProposedOps{
		Items:     []*mempool.Item{{Txs: []*common.Tx{cpk}}},
		Timestamp: 1001,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)

	// a 12-chunk budget takes two 5-chunk TransferToNew but not a third
	tx1 := signedTransfer(t, skAlice, 1, testAddr(2), 10, 1)
	tx2 := signedTransfer(t, skAlice, 2, testAddr(3), 10, 1)
	tx3 := signedTransfer(t, skAlice, 3, testAddr(4), 10, 1)
	result, err = env.keeper.ExecuteMiniblock(ProposedOps{
		Items: []*mempool.Item{
			{Txs: []*common.Tx{tx1}},
			{Txs: []*common.Tx{tx2}},
			{Txs: []*common.Tx{tx3}},
		},
		Timestamp: 1002,
	})
	require.NoError(t, err)
	require.Len(t, result.NotConsumed, 1)
	assert.Equal(t, tx3, result.NotConsumed[0].Txs[0])
}

func TestTimestampMonotonic(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	env.keeper.SealNow()
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{depositOp(0, testAddr(1), 100)},
		Timestamp:   1000,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)
	require.Equal(t, uint64(1000), result.Sealed.Timestamp)

	// a backwards step of the wall clock must not move block time backwards
	env.keeper.SealNow()
	result, err = env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{depositOp(1, testAddr(2), 100)},
		Timestamp:   500,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Sealed)
	assert.Equal(t, uint64(1000), result.Sealed.Timestamp)
	assert.Equal(t, uint64(1000), env.keeper.LastTimestamp())
}

// failingJournal breaks block writes to exercise the seal error path
type failingJournal struct {
	*journal.KVJournal
}

var errJournalBroken = errors.New("journal write refused")

func (failingJournal) RecordBlock(*common.Block, []common.AccountUpdate) error {
	return errJournalBroken
}

func TestSealSurfacesJournalFailure(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	keeper := NewStateKeeper(defaultConfig(), env.proc,
		failingJournal{env.jrnl}, 0)

	keeper.SealNow()
	_, err := keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{depositOp(0, testAddr(1), 100)},
		Timestamp:   1000,
	})
	require.Error(t, err)
	assert.Equal(t, errJournalBroken, tracerr.Unwrap(err))
}

func TestRestoreReplaysPendingBlock(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	skAlice := setupFunded(t, env)

	// apply work without sealing, then simulate a crash
	tx := signedTransfer(t, skAlice, 1, testAddr(2), 700, 5)
	result, err := env.keeper.ExecuteMiniblock(ProposedOps{
		PriorityOps: []*common.PriorityOp{depositOp(2, testAddr(3), 50)},
		Items:       []*mempool.Item{{Txs: []*common.Tx{tx}}},
		Timestamp:   1002,
	})
	require.NoError(t, err)
	require.Nil(t, result.Sealed)
	rootBeforeCrash := env.state.Root()

	// a fresh keeper over the same state and journal
	keeper2 := NewStateKeeper(defaultConfig(), env.proc, env.jrnl,
		env.keeper.PriorityCursor())
	require.NoError(t, keeper2.Restore())
	assert.Equal(t, 0, keeper2.proc.StateDB().Root().Cmp(rootBeforeCrash))
	assert.Equal(t, uint64(3), keeper2.PriorityCursor())
	// the last sealed timestamp survives the restart
	assert.Equal(t, uint64(1000), keeper2.LastTimestamp())

	// the replayed pending block seals exactly as the original would
	keeper2.SealNow()
	sealed, err := keeper2.ExecuteMiniblock(ProposedOps{Timestamp: 1002})
	require.NoError(t, err)
	require.NotNil(t, sealed.Sealed)
	assert.Equal(t, uint64(2), sealed.Sealed.Num)
	assert.Len(t, sealed.Sealed.Ops, 2)
}
