package kvdb

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/crescentzk/crescent-node/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTestKV(t *testing.T, db *KVDB, k, v []byte) {
	tx, err := db.db.NewTx()
	require.NoError(t, err)

	err = tx.Put(k, v)
	require.NoError(t, err)

	err = tx.Commit()
	require.NoError(t, err)
}

func TestCheckpoints(t *testing.T) {
	dir, err := ioutil.TempDir("", "sdb")
	require.NoError(t, err)
	defer assert.NoError(t, os.RemoveAll(dir))

	db, err := NewKVDB(dir, 128)
	require.NoError(t, err)

	// add test key-values
	for i := 0; i < 10; i++ {
		addTestKV(t, db, []byte{byte(i), byte(i)}, []byte{byte(i * 2), byte(i * 2)})
	}

	// do checkpoints and check that currentBlock is correct
	err = db.MakeCheckpoint()
	assert.NoError(t, err)
	cb, err := db.GetCurrentBlock()
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), cb)

	for i := 1; i < 10; i++ {
		err = db.MakeCheckpoint()
		assert.NoError(t, err)

		cb, err = db.GetCurrentBlock()
		assert.NoError(t, err)
		assert.Equal(t, uint64(i+1), cb)
	}

	// reset checkpoint
	err = db.Reset(3)
	assert.NoError(t, err)

	// check that reset can be repeated (as there exist the 'current' and
	// 'BlockNum3', from where the 'current' is a copy)
	err = db.Reset(3)
	require.NoError(t, err)

	// check that currentBlock is as expected after Reset
	cb, err = db.GetCurrentBlock()
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), cb)

	// advance one checkpoint and check that currentBlock is fine
	err = db.MakeCheckpoint()
	assert.NoError(t, err)
	cb, err = db.GetCurrentBlock()
	assert.NoError(t, err)
	assert.Equal(t, uint64(4), cb)

	err = db.DeleteCheckpoint(1)
	assert.NoError(t, err)
	err = db.DeleteCheckpoint(2)
	assert.NoError(t, err)
	err = db.DeleteCheckpoint(1) // does not exist, should return err
	assert.NotNil(t, err)
	err = db.DeleteCheckpoint(2) // does not exist, should return err
	assert.NotNil(t, err)
}

func TestNextAccountID(t *testing.T) {
	dir, err := ioutil.TempDir("", "sdb")
	require.NoError(t, err)
	defer assert.NoError(t, os.RemoveAll(dir))

	db, err := NewKVDB(dir, 8)
	require.NoError(t, err)

	id, err := db.GetNextAccountID()
	require.NoError(t, err)
	assert.Equal(t, common.AccountID(0), id)

	require.NoError(t, db.SetNextAccountID(5))
	require.NoError(t, db.MakeCheckpoint())
	require.NoError(t, db.SetNextAccountID(9))
	require.NoError(t, db.MakeCheckpoint())

	// resetting to the first checkpoint recovers the id stored there
	require.NoError(t, db.Reset(1))
	assert.Equal(t, common.AccountID(5), db.NextAccountID)
}

func TestListCheckpoints(t *testing.T) {
	dir, err := ioutil.TempDir("", "tmpdb")
	require.NoError(t, err)
	defer assert.NoError(t, os.RemoveAll(dir))

	db, err := NewKVDB(dir, 128)
	require.NoError(t, err)

	numCheckpoints := 16
	// do checkpoints
	for i := 0; i < numCheckpoints; i++ {
		err = db.MakeCheckpoint()
		require.NoError(t, err)
	}
	list, err := db.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, numCheckpoints, len(list))
	assert.Equal(t, 1, list[0])
	assert.Equal(t, numCheckpoints, list[len(list)-1])

	numReset := 10
	err = db.Reset(uint64(numReset))
	require.NoError(t, err)
	list, err = db.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, numReset, len(list))
	assert.Equal(t, 1, list[0])
	assert.Equal(t, numReset, list[len(list)-1])
}

func TestDeleteOldCheckpoints(t *testing.T) {
	dir, err := ioutil.TempDir("", "tmpdb")
	require.NoError(t, err)
	defer assert.NoError(t, os.RemoveAll(dir))

	keep := 16
	db, err := NewKVDB(dir, keep)
	require.NoError(t, err)

	numCheckpoints := 32
	// do checkpoints and check that we never have more than `keep`
	// checkpoints
	for i := 0; i < numCheckpoints; i++ {
		err = db.MakeCheckpoint()
		require.NoError(t, err)
		checkpoints, err := db.ListCheckpoints()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(checkpoints), keep)
	}
}
