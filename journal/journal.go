// Package journal persists the node's durable progress: sealed blocks with
// their account updates, commit pipeline attempts, the watcher cursor and
// the pending block snapshot.  Everything the node must not lose across a
// restart goes through here; the state tree itself is recovered from its
// own checkpoints plus a replay of journaled blocks.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"

	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-merkletree/db"

	"github.com/crescentzk/crescent-node/common"
)

// Journal is the append-only persistence surface used by the state keeper
// and the commit pipeline
type Journal interface {
	// Begin opens a transactional group; all records written through it
	// become visible atomically on Commit
	Begin() (*Tx, error)
	// RecordBlock persists a sealed block and its account updates in one
	// group
	RecordBlock(block *common.Block, updates []common.AccountUpdate) error
	// LastBlock returns the highest journaled block number, 0 when empty
	LastBlock() (uint64, error)
	// LoadBlock returns a journaled block and its updates
	LoadBlock(num uint64) (*common.Block, []common.AccountUpdate, error)
	// RecordL1Op persists the pipeline progress of one L1 transition,
	// overwriting the previous record of the same operator nonce
	RecordL1Op(op *common.L1Op) error
	// LoadUnconfirmedL1Ops returns journaled L1 ops without a final
	// attempt, in nonce order
	LoadUnconfirmedL1Ops() ([]*common.L1Op, error)
	// RecordWatcherCursor persists the watcher scan and serial cursors
	RecordWatcherCursor(lastScanned, nextSerial uint64) error
	// LoadWatcherCursor restores the watcher cursors; ok is false when
	// nothing was recorded yet
	LoadWatcherCursor() (lastScanned, nextSerial uint64, ok bool, err error)
	// RecordPendingSnapshot persists the in-progress block snapshot
	RecordPendingSnapshot(snapshot []byte) error
	// LoadPendingSnapshot returns the last snapshot, nil when none
	LoadPendingSnapshot() ([]byte, error)
	// ClearPendingSnapshot drops the snapshot, called on seal
	ClearPendingSnapshot() error
}

var (
	keyLastBlock     = []byte("last-block")
	keyWatcherCursor = []byte("watcher-cursor")
	keyPending       = []byte("pending-block")
	prefixBlock      = []byte("b:")
	prefixUpdates    = []byte("u:")
	prefixL1Op       = []byte("o:")
)

// ErrBlockNotFound is returned when loading a block number the journal does
// not hold
var ErrBlockNotFound = errors.New("block not found in journal")

func blockKey(prefix []byte, num uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], num)
	return k
}

type blockRecord struct {
	Block   *common.Block
	Updates []common.AccountUpdate
}

type watcherCursor struct {
	LastScanned uint64
	NextSerial  uint64
}

// KVJournal implements Journal over a key-value storage
type KVJournal struct {
	storage db.Storage
}

// NewKVJournal creates a Journal over the given storage.  The storage must
// not be part of a checkpointed state database: journal records survive
// state resets.
func NewKVJournal(storage db.Storage) *KVJournal {
	return &KVJournal{storage: storage}
}

// Tx is one transactional group of journal writes
type Tx struct {
	tx db.Tx
}

// Begin implements Journal
func (j *KVJournal) Begin() (*Tx, error) {
	tx, err := j.storage.NewTx()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &Tx{tx: tx}, nil
}

// Commit makes the group's writes visible atomically
func (t *Tx) Commit() error {
	return tracerr.Wrap(t.tx.Commit())
}

// Close discards the group
func (t *Tx) Close() {
	t.tx.Close()
}

func (t *Tx) putJSON(key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(t.tx.Put(key, b))
}

// RecordBlock writes a sealed block and its updates into the group
func (t *Tx) RecordBlock(block *common.Block, updates []common.AccountUpdate) error {
	if err := t.putJSON(blockKey(prefixBlock, block.Num), block); err != nil {
		return err
	}
	if err := t.putJSON(blockKey(prefixUpdates, block.Num), updates); err != nil {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], block.Num)
	return tracerr.Wrap(t.tx.Put(keyLastBlock, b[:]))
}

// RecordL1Op writes an L1 op record into the group
func (t *Tx) RecordL1Op(op *common.L1Op) error {
	return t.putJSON(blockKey(prefixL1Op, op.Nonce), op)
}

// RecordWatcherCursor writes the watcher cursors into the group
func (t *Tx) RecordWatcherCursor(lastScanned, nextSerial uint64) error {
	return t.putJSON(keyWatcherCursor, watcherCursor{
		LastScanned: lastScanned,
		NextSerial:  nextSerial,
	})
}

// RecordPendingSnapshot writes the pending block snapshot into the group
func (t *Tx) RecordPendingSnapshot(snapshot []byte) error {
	return tracerr.Wrap(t.tx.Put(keyPending, snapshot))
}

// ClearPendingSnapshot marks the snapshot consumed within the group
func (t *Tx) ClearPendingSnapshot() error {
	return tracerr.Wrap(t.tx.Put(keyPending, []byte{}))
}

// RecordBlock implements Journal
func (j *KVJournal) RecordBlock(block *common.Block, updates []common.AccountUpdate) error {
	tx, err := j.Begin()
	if err != nil {
		return err
	}
	if err := tx.RecordBlock(block, updates); err != nil {
		tx.Close()
		return err
	}
	// sealing also consumes the pending snapshot
	if err := tx.ClearPendingSnapshot(); err != nil {
		tx.Close()
		return err
	}
	return tx.Commit()
}

func (j *KVJournal) getJSON(key []byte, v interface{}) (bool, error) {
	b, err := j.storage.Get(key)
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, tracerr.Wrap(err)
	}
	return true, nil
}

// LastBlock implements Journal
func (j *KVJournal) LastBlock() (uint64, error) {
	b, err := j.storage.Get(keyLastBlock)
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return binary.BigEndian.Uint64(b), nil
}

// LoadBlock implements Journal
func (j *KVJournal) LoadBlock(num uint64) (*common.Block, []common.AccountUpdate, error) {
	var block common.Block
	ok, err := j.getJSON(blockKey(prefixBlock, num), &block)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, tracerr.Wrap(ErrBlockNotFound)
	}
	var updates []common.AccountUpdate
	if _, err := j.getJSON(blockKey(prefixUpdates, num), &updates); err != nil {
		return nil, nil, err
	}
	return &block, updates, nil
}

// RecordL1Op implements Journal
func (j *KVJournal) RecordL1Op(op *common.L1Op) error {
	tx, err := j.Begin()
	if err != nil {
		return err
	}
	if err := tx.RecordL1Op(op); err != nil {
		tx.Close()
		return err
	}
	return tx.Commit()
}

// LoadUnconfirmedL1Ops implements Journal
func (j *KVJournal) LoadUnconfirmedL1Ops() ([]*common.L1Op, error) {
	var ops []*common.L1Op
	if err := j.storage.Iterate(func(key, value []byte) (bool, error) {
		if len(key) < len(prefixL1Op) || string(key[:len(prefixL1Op)]) != string(prefixL1Op) {
			return true, nil
		}
		var op common.L1Op
		if err := json.Unmarshal(value, &op); err != nil {
			return false, tracerr.Wrap(err)
		}
		if op.FinalAttempt() == nil {
			ops = append(ops, &op)
		}
		return true, nil
	}); err != nil {
		return nil, tracerr.Wrap(err)
	}
	sort.Slice(ops, func(i, k int) bool { return ops[i].Nonce < ops[k].Nonce })
	return ops, nil
}

// RecordWatcherCursor implements Journal
func (j *KVJournal) RecordWatcherCursor(lastScanned, nextSerial uint64) error {
	tx, err := j.Begin()
	if err != nil {
		return err
	}
	if err := tx.RecordWatcherCursor(lastScanned, nextSerial); err != nil {
		tx.Close()
		return err
	}
	return tx.Commit()
}

// LoadWatcherCursor implements Journal
func (j *KVJournal) LoadWatcherCursor() (uint64, uint64, bool, error) {
	var cursor watcherCursor
	ok, err := j.getJSON(keyWatcherCursor, &cursor)
	if err != nil {
		return 0, 0, false, err
	}
	return cursor.LastScanned, cursor.NextSerial, ok, nil
}

// RecordPendingSnapshot implements Journal
func (j *KVJournal) RecordPendingSnapshot(snapshot []byte) error {
	tx, err := j.Begin()
	if err != nil {
		return err
	}
	if err := tx.RecordPendingSnapshot(snapshot); err != nil {
		tx.Close()
		return err
	}
	return tx.Commit()
}

// LoadPendingSnapshot implements Journal
func (j *KVJournal) LoadPendingSnapshot() ([]byte, error) {
	b, err := j.storage.Get(keyPending)
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

// ClearPendingSnapshot implements Journal
func (j *KVJournal) ClearPendingSnapshot() error {
	tx, err := j.Begin()
	if err != nil {
		return err
	}
	if err := tx.ClearPendingSnapshot(); err != nil {
		tx.Close()
		return err
	}
	return tx.Commit()
}
