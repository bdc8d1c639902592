// Package kvdb provides a key-value database with Checkpoints & Resets
// system.  A checkpoint is made after every sealed block, so the state can
// be rolled back to any recent block boundary.
package kvdb

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/log"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// PathBlockNum defines the subpath of a block checkpoint in the
	// subpath of the KVDB
	PathBlockNum = "BlockNum"
	// PathCurrent defines the subpath of the current state in the
	// subpath of the KVDB
	PathCurrent = "current"
	// PathLast defines the subpath of the last sealed block state in the
	// subpath of the KVDB
	PathLast = "last"
)

var (
	// KeyCurrentBlock is used as key in the db to store the current
	// block number
	KeyCurrentBlock = []byte("k:currentblock")
	// keyNextAccountID is used as key in the db to store the next free
	// account id
	keyNextAccountID = []byte("k:nextaccountid")
	// keyNextNFTSerial is used as key in the db to store the next free
	// NFT serial number
	keyNextNFTSerial = []byte("k:nextnftserial")
)

// KVDB represents the Key-Value DB object
type KVDB struct {
	path string
	db   *pebble.Storage
	// NextAccountID holds the next dense account id to assign
	NextAccountID common.AccountID
	CurrentBlock  uint64
	keep          int
	m             sync.Mutex
	last          *Last
}

// Last is a consistent view to the state at the last sealed block that can
// be queried concurrently.
type Last struct {
	db   *pebble.Storage
	path string
	rw   sync.RWMutex
}

func (k *Last) setNew() error {
	k.rw.Lock()
	defer k.rw.Unlock()
	if k.db != nil {
		k.db.Close()
	}
	lastPath := path.Join(k.path, PathLast)
	err := os.RemoveAll(lastPath)
	if err != nil {
		return tracerr.Wrap(err)
	}
	db, err := pebble.NewPebbleStorage(lastPath, false)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.db = db
	return nil
}

func (k *Last) set(kvdb *KVDB, blockNum uint64) error {
	k.rw.Lock()
	defer k.rw.Unlock()
	if k.db != nil {
		k.db.Close()
	}
	lastPath := path.Join(k.path, PathLast)
	if err := kvdb.MakeCheckpointFromTo(blockNum, lastPath); err != nil {
		return tracerr.Wrap(err)
	}
	db, err := pebble.NewPebbleStorage(lastPath, false)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.db = db
	return nil
}

func (k *Last) close() {
	k.rw.Lock()
	defer k.rw.Unlock()
	if k.db != nil {
		k.db.Close()
	}
}

// NewKVDB creates a new KVDB. Checkpoints older than the value defined by
// `keep` will be deleted.
func NewKVDB(pathDB string, keep int) (*KVDB, error) {
	sto, err := pebble.NewPebbleStorage(path.Join(pathDB, PathCurrent), false)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	kvdb := &KVDB{
		path: pathDB,
		db:   sto,
		keep: keep,
		last: &Last{
			path: pathDB,
		},
	}
	kvdb.CurrentBlock, err = kvdb.GetCurrentBlock()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	// make reset (get checkpoint) at currentBlock
	err = kvdb.reset(kvdb.CurrentBlock, true)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return kvdb, nil
}

// LastRead is a thread-safe method to query the state at the last sealed
// block
func (kvdb *KVDB) LastRead(fn func(db *pebble.Storage) error) error {
	kvdb.last.rw.RLock()
	defer kvdb.last.rw.RUnlock()
	return fn(kvdb.last.db)
}

// DB returns the *pebble.Storage from the KVDB
func (kvdb *KVDB) DB() *pebble.Storage {
	return kvdb.db
}

// StorageWithPrefix returns the db.Storage with the given prefix from the
// current KVDB
func (kvdb *KVDB) StorageWithPrefix(prefix []byte) db.Storage {
	return kvdb.db.WithPrefix(prefix)
}

// Reset resets the KVDB to the checkpoint at the given blockNum. Reset does
// not delete the checkpoints between old current and the new current, those
// checkpoints will remain in the storage, and eventually will be deleted
// when MakeCheckpoint overwrites them.
func (kvdb *KVDB) Reset(blockNum uint64) error {
	return kvdb.reset(blockNum, true)
}

func (kvdb *KVDB) reset(blockNum uint64, closeCurrent bool) error {
	currentPath := path.Join(kvdb.path, PathCurrent)

	if closeCurrent {
		if err := kvdb.db.Pebble().Close(); err != nil {
			return tracerr.Wrap(err)
		}
	}
	// remove 'current'
	err := os.RemoveAll(currentPath)
	if err != nil {
		return tracerr.Wrap(err)
	}
	// remove all checkpoints > blockNum
	list, err := kvdb.ListCheckpoints()
	if err != nil {
		return tracerr.Wrap(err)
	}
	start := 0
	for ; start < len(list); start++ {
		if uint64(list[start]) > blockNum {
			break
		}
	}
	for _, bn := range list[start:] {
		if err := kvdb.DeleteCheckpoint(uint64(bn)); err != nil {
			return tracerr.Wrap(err)
		}
	}

	if blockNum == 0 {
		// if blockNum == 0, open a fresh 'current'
		sto, err := pebble.NewPebbleStorage(currentPath, false)
		if err != nil {
			return tracerr.Wrap(err)
		}
		kvdb.db = sto
		kvdb.NextAccountID = 0
		kvdb.CurrentBlock = 0
		if err := kvdb.last.setNew(); err != nil {
			return tracerr.Wrap(err)
		}

		return nil
	}

	// copy 'blockNum' to 'current'
	if err := kvdb.MakeCheckpointFromTo(blockNum, currentPath); err != nil {
		return tracerr.Wrap(err)
	}
	// copy 'blockNum' to 'last'
	if err := kvdb.last.set(kvdb, blockNum); err != nil {
		return tracerr.Wrap(err)
	}

	// open the new 'current'
	sto, err := pebble.NewPebbleStorage(currentPath, false)
	if err != nil {
		return tracerr.Wrap(err)
	}
	kvdb.db = sto

	kvdb.CurrentBlock, err = kvdb.GetCurrentBlock()
	if err != nil {
		return tracerr.Wrap(err)
	}
	kvdb.NextAccountID, err = kvdb.GetNextAccountID()
	if err != nil {
		return tracerr.Wrap(err)
	}

	return nil
}

// GetCurrentBlock returns the current block number stored in the KVDB
func (kvdb *KVDB) GetCurrentBlock() (uint64, error) {
	cbBytes, err := kvdb.db.Get(KeyCurrentBlock)
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	if len(cbBytes) != 8 {
		return 0, tracerr.Wrap(fmt.Errorf("invalid current block encoding"))
	}
	return binary.BigEndian.Uint64(cbBytes), nil
}

// setCurrentBlock stores the current block number in the KVDB
func (kvdb *KVDB) setCurrentBlock() error {
	tx, err := kvdb.db.NewTx()
	if err != nil {
		return tracerr.Wrap(err)
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], kvdb.CurrentBlock)
	err = tx.Put(KeyCurrentBlock, b[:])
	if err != nil {
		return tracerr.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// GetNextAccountID returns the stored next free account id from the KVDB
func (kvdb *KVDB) GetNextAccountID() (common.AccountID, error) {
	idBytes, err := kvdb.db.Get(keyNextAccountID)
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return common.AccountIDFromBytes(idBytes)
}

// SetNextAccountID stores the next free account id in the KVDB
func (kvdb *KVDB) SetNextAccountID(id common.AccountID) error {
	kvdb.NextAccountID = id

	tx, err := kvdb.db.NewTx()
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = tx.Put(keyNextAccountID, id.Bytes())
	if err != nil {
		return tracerr.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// GetNextNFTSerial returns the stored next free NFT serial number
func (kvdb *KVDB) GetNextNFTSerial() (uint32, error) {
	b, err := kvdb.db.Get(keyNextNFTSerial)
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	if len(b) != 4 {
		return 0, tracerr.Wrap(fmt.Errorf("invalid NFT serial encoding"))
	}
	return binary.BigEndian.Uint32(b), nil
}

// SetNextNFTSerial stores the next free NFT serial number in the KVDB
func (kvdb *KVDB) SetNextNFTSerial(serial uint32) error {
	tx, err := kvdb.db.NewTx()
	if err != nil {
		return tracerr.Wrap(err)
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], serial)
	err = tx.Put(keyNextNFTSerial, b[:])
	if err != nil {
		return tracerr.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// MakeCheckpoint does a checkpoint at the next block number in the defined
// path.  Internally this advances & stores the current block number, and
// then stores a checkpoint of the current state of the KVDB.
func (kvdb *KVDB) MakeCheckpoint() error {
	// advance currentBlock
	kvdb.CurrentBlock++

	checkpointPath := path.Join(kvdb.path,
		fmt.Sprintf("%s%d", PathBlockNum, kvdb.CurrentBlock))

	if err := kvdb.setCurrentBlock(); err != nil {
		return tracerr.Wrap(err)
	}

	// if checkpoint blockNum already exists in disk, delete it
	if _, err := os.Stat(checkpointPath); !os.IsNotExist(err) {
		err := os.RemoveAll(checkpointPath)
		if err != nil {
			return tracerr.Wrap(err)
		}
	}

	// execute Checkpoint
	if err := kvdb.db.Pebble().Checkpoint(checkpointPath); err != nil {
		return tracerr.Wrap(err)
	}
	// copy 'CurrentBlock' to 'last'
	if err := kvdb.last.set(kvdb, kvdb.CurrentBlock); err != nil {
		return tracerr.Wrap(err)
	}
	// delete old checkpoints
	if err := kvdb.deleteOldCheckpoints(); err != nil {
		return tracerr.Wrap(err)
	}

	return nil
}

// DeleteCheckpoint removes if exist the checkpoint of the given blockNum
func (kvdb *KVDB) DeleteCheckpoint(blockNum uint64) error {
	checkpointPath := path.Join(kvdb.path, fmt.Sprintf("%s%d", PathBlockNum, blockNum))

	if _, err := os.Stat(checkpointPath); os.IsNotExist(err) {
		return tracerr.Wrap(fmt.Errorf("Checkpoint with blockNum %d does not exist in DB", blockNum))
	}

	return os.RemoveAll(checkpointPath)
}

// ListCheckpoints returns the list of blockNums of the checkpoints, sorted.
// If there's a gap between the list of checkpoints, an error is returned.
func (kvdb *KVDB) ListCheckpoints() ([]int, error) {
	files, err := ioutil.ReadDir(kvdb.path)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	checkpoints := []int{}
	var checkpoint int
	pattern := fmt.Sprintf("%s%%d", PathBlockNum)
	for _, file := range files {
		fileName := file.Name()
		if file.IsDir() && strings.HasPrefix(fileName, PathBlockNum) {
			if _, err := fmt.Sscanf(fileName, pattern, &checkpoint); err != nil {
				return nil, tracerr.Wrap(err)
			}
			checkpoints = append(checkpoints, checkpoint)
		}
	}
	sort.Ints(checkpoints)
	if len(checkpoints) > 0 {
		first := checkpoints[0]
		for _, checkpoint := range checkpoints[1:] {
			first++
			if checkpoint != first {
				log.Errorw("checkpoint gap", "checkpoints", checkpoints)
				return nil, tracerr.Wrap(fmt.Errorf("checkpoint gap at %v", checkpoint))
			}
		}
	}
	return checkpoints, nil
}

// deleteOldCheckpoints deletes old checkpoints when there are more than
// `keep` checkpoints
func (kvdb *KVDB) deleteOldCheckpoints() error {
	list, err := kvdb.ListCheckpoints()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if len(list) > kvdb.keep {
		for _, checkpoint := range list[:len(list)-kvdb.keep] {
			if err := kvdb.DeleteCheckpoint(uint64(checkpoint)); err != nil {
				return tracerr.Wrap(err)
			}
		}
	}
	return nil
}

// MakeCheckpointFromTo makes a checkpoint from the current db at
// fromBlockNum to the dest folder.  This method is locking, so it can be
// called from multiple places at the same time.
func (kvdb *KVDB) MakeCheckpointFromTo(fromBlockNum uint64, dest string) error {
	source := path.Join(kvdb.path, fmt.Sprintf("%s%d", PathBlockNum, fromBlockNum))
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return tracerr.Wrap(fmt.Errorf("Checkpoint \"%v\" does not exist", source))
	}
	kvdb.m.Lock()
	defer kvdb.m.Unlock()
	return pebbleMakeCheckpoint(source, dest)
}

func pebbleMakeCheckpoint(source, dest string) error {
	// Remove dest folder (if it exists) before doing the checkpoint
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		err := os.RemoveAll(dest)
		if err != nil {
			return tracerr.Wrap(err)
		}
	}

	sto, err := pebble.NewPebbleStorage(source, false)
	if err != nil {
		return tracerr.Wrap(err)
	}
	defer func() {
		errClose := sto.Pebble().Close()
		if errClose != nil {
			log.Errorw("Pebble.Close", "err", errClose)
		}
	}()

	err = sto.Pebble().Checkpoint(dest)
	if err != nil {
		return tracerr.Wrap(err)
	}

	return nil
}

// Close the DB
func (kvdb *KVDB) Close() {
	kvdb.db.Close()
	kvdb.last.close()
}
