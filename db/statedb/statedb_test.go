package statedb

import (
	"io/ioutil"
	"math/big"
	"os"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescentzk/crescent-node/common"
)

func newTestStateDB(t *testing.T) *StateDB {
	dir, err := ioutil.TempDir("", "statedb")
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, os.RemoveAll(dir)) })

	sdb, err := NewStateDB(Config{Path: dir, Keep: 32})
	require.NoError(t, err)
	t.Cleanup(sdb.Close)
	return sdb
}

func newTestAccount(addr string, balance int64) *common.Account {
	account := common.NewAccount(ethCommon.HexToAddress(addr))
	account.SetBalance(0, big.NewInt(balance))
	return account
}

func TestCreateGetAccount(t *testing.T) {
	sdb := newTestStateDB(t)

	account := newTestAccount("0xaa", 1000)
	id, err := sdb.AssignAccountID()
	require.NoError(t, err)
	assert.Equal(t, common.AccountID(0), id)
	require.NoError(t, sdb.CreateAccount(id, account))

	got, err := sdb.GetAccount(id)
	require.NoError(t, err)
	assert.Equal(t, account.EthAddr, got.EthAddr)
	assert.Equal(t, int64(1000), got.Balance(0).Int64())

	// address index points back at the id
	gotID, err := sdb.GetAccountID(account.EthAddr)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	// creating the same id twice fails
	err = sdb.CreateAccount(id, account)
	assert.Equal(t, common.ErrAccountAlreadyExists, tracerr.Unwrap(err))
}

func TestUpdateAccountMovesRoot(t *testing.T) {
	sdb := newTestStateDB(t)

	account := newTestAccount("0xaa", 1000)
	id, err := sdb.AssignAccountID()
	require.NoError(t, err)
	require.NoError(t, sdb.CreateAccount(id, account))
	root1 := sdb.Root()

	account.SetBalance(0, big.NewInt(900))
	account.Nonce++
	require.NoError(t, sdb.UpdateAccount(id, account))
	root2 := sdb.Root()
	assert.NotEqual(t, 0, root1.Cmp(root2))

	// unknown id errors
	err = sdb.UpdateAccount(99, account)
	assert.Equal(t, common.ErrAccountNotFound, tracerr.Unwrap(err))
}

func TestMTProof(t *testing.T) {
	sdb := newTestStateDB(t)

	account := newTestAccount("0xaa", 1000)
	id, err := sdb.AssignAccountID()
	require.NoError(t, err)
	require.NoError(t, sdb.CreateAccount(id, account))

	proof, value, err := sdb.MTProof(id)
	require.NoError(t, err)
	assert.True(t, proof.Existence)
	expected, err := account.HashValue()
	require.NoError(t, err)
	assert.Equal(t, 0, expected.Cmp(value))
}

func TestCheckpointAndReset(t *testing.T) {
	sdb := newTestStateDB(t)

	account := newTestAccount("0xaa", 1000)
	id, err := sdb.AssignAccountID()
	require.NoError(t, err)
	require.NoError(t, sdb.CreateAccount(id, account))
	require.NoError(t, sdb.MakeCheckpoint())
	rootAtBlock1 := sdb.Root()

	account.SetBalance(0, big.NewInt(1))
	require.NoError(t, sdb.UpdateAccount(id, account))
	require.NoError(t, sdb.MakeCheckpoint())
	assert.NotEqual(t, 0, rootAtBlock1.Cmp(sdb.Root()))

	// roll back to block 1 and check the root is restored bit-identical
	require.NoError(t, sdb.Reset(1))
	assert.Equal(t, 0, rootAtBlock1.Cmp(sdb.Root()))
	assert.Equal(t, uint64(1), sdb.CurrentBlock())

	got, err := sdb.GetAccount(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance(0).Int64())
}

func TestRecomputeRootMatchesIncremental(t *testing.T) {
	sdb := newTestStateDB(t)

	for i, addr := range []string{"0xaa", "0xbb", "0xcc"} {
		account := newTestAccount(addr, int64(100*(i+1)))
		id, err := sdb.AssignAccountID()
		require.NoError(t, err)
		require.NoError(t, sdb.CreateAccount(id, account))
	}

	recomputed, err := sdb.RecomputeRoot()
	require.NoError(t, err)
	assert.Equal(t, 0, sdb.Root().Cmp(recomputed))
}
