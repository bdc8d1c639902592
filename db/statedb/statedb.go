// Package statedb implements the authenticated account state: a sparse
// Merkle tree indexed by the dense account id, plus an address to id index.
// It is backed by the checkpointed KVDB so the state can be rolled back to
// any recent sealed block.
package statedb

import (
	"encoding/binary"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/memory"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/db/kvdb"
)

const (
	// DefaultNLevels is the depth of the account tree, enough to hold
	// the full dense account id space
	DefaultNLevels = 32
)

var (
	// PrefixKeyAccountID is the key prefix for accountID in the db
	PrefixKeyAccountID = []byte("i:")
	// PrefixKeyAddr is the key prefix for address in the db
	PrefixKeyAddr = []byte("a:")
	// PrefixKeyMT is the key prefix for the merkle tree in the db
	PrefixKeyMT = []byte("m:")
	// PrefixKeyNFT is the key prefix for minted NFTs in the db
	PrefixKeyNFT = []byte("n:")
)

// Config of the StateDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep
	Keep int
	// NLevels is the depth of the state tree
	NLevels int
}

// StateDB represents the state database with an integrated state tree
type StateDB struct {
	cfg Config
	db  *kvdb.KVDB
	mt  *merkletree.MerkleTree
}

// NewStateDB creates a new StateDB, from the given Config
func NewStateDB(cfg Config) (*StateDB, error) {
	if cfg.NLevels == 0 {
		cfg.NLevels = DefaultNLevels
	}
	kv, err := kvdb.NewKVDB(cfg.Path, cfg.Keep)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	mt, err := merkletree.NewMerkleTree(kv.StorageWithPrefix(PrefixKeyMT), cfg.NLevels)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &StateDB{
		cfg: cfg,
		db:  kv,
		mt:  mt,
	}, nil
}

// Close the StateDB
func (s *StateDB) Close() {
	s.db.Close()
}

// CurrentBlock returns the block number of the last checkpoint
func (s *StateDB) CurrentBlock() uint64 {
	return s.db.CurrentBlock
}

// NextAccountID returns the next free dense account id
func (s *StateDB) NextAccountID() common.AccountID {
	return s.db.NextAccountID
}

// Root returns the root of the state tree
func (s *StateDB) Root() *big.Int {
	return s.mt.Root().BigInt()
}

// AssignAccountID allocates the next dense account id
func (s *StateDB) AssignAccountID() (common.AccountID, error) {
	id := s.db.NextAccountID
	if uint64(id) >= (uint64(1)<<uint(s.cfg.NLevels))-1 {
		return 0, tracerr.Wrap(common.ErrAccountIDOverflow)
	}
	if err := s.db.SetNextAccountID(id + 1); err != nil {
		return 0, tracerr.Wrap(err)
	}
	return id, nil
}

// CreateAccount creates a new account at the given id.  The address to id
// index entry is added as well.  Returns ErrAccountAlreadyExists if id is
// already in use.
func (s *StateDB) CreateAccount(id common.AccountID, account *common.Account) error {
	// the account tree only ever grows, an existing leaf means a logic
	// error upstream
	if _, err := s.GetAccount(id); err == nil {
		return tracerr.Wrap(common.ErrAccountAlreadyExists)
	}

	accountBytes, err := account.Bytes()
	if err != nil {
		return tracerr.Wrap(err)
	}
	hash, err := account.HashValue()
	if err != nil {
		return tracerr.Wrap(err)
	}

	tx, err := s.db.DB().NewTx()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if err := tx.Put(append(PrefixKeyAccountID, id.Bytes()...), accountBytes); err != nil {
		return tracerr.Wrap(err)
	}
	if err := tx.Put(append(PrefixKeyAddr, account.EthAddr.Bytes()...), id.Bytes()); err != nil {
		return tracerr.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return tracerr.Wrap(err)
	}

	return tracerr.Wrap(s.mt.Add(id.BigInt(), hash))
}

// UpdateAccount stores the new content of an existing account and updates
// its leaf in the state tree.  Returns ErrAccountNotFound on an unknown id.
func (s *StateDB) UpdateAccount(id common.AccountID, account *common.Account) error {
	if _, err := s.GetAccount(id); err != nil {
		return tracerr.Wrap(common.ErrAccountNotFound)
	}

	accountBytes, err := account.Bytes()
	if err != nil {
		return tracerr.Wrap(err)
	}
	hash, err := account.HashValue()
	if err != nil {
		return tracerr.Wrap(err)
	}

	tx, err := s.db.DB().NewTx()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if err := tx.Put(append(PrefixKeyAccountID, id.Bytes()...), accountBytes); err != nil {
		return tracerr.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return tracerr.Wrap(err)
	}

	_, err = s.mt.Update(id.BigInt(), hash)
	return tracerr.Wrap(err)
}

// GetAccount returns the account at the given id
func (s *StateDB) GetAccount(id common.AccountID) (*common.Account, error) {
	accountBytes, err := s.db.DB().Get(append(PrefixKeyAccountID, id.Bytes()...))
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return nil, tracerr.Wrap(common.ErrAccountNotFound)
	}
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return common.AccountFromBytes(accountBytes)
}

// GetAccountID returns the dense id of the account owned by addr
func (s *StateDB) GetAccountID(addr ethCommon.Address) (common.AccountID, error) {
	idBytes, err := s.db.DB().Get(append(PrefixKeyAddr, addr.Bytes()...))
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return 0, tracerr.Wrap(common.ErrAccountNotFound)
	}
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return common.AccountIDFromBytes(idBytes)
}

// GetAccountByAddr returns the id and account owned by addr
func (s *StateDB) GetAccountByAddr(addr ethCommon.Address) (common.AccountID, *common.Account, error) {
	id, err := s.GetAccountID(addr)
	if err != nil {
		return 0, nil, tracerr.Wrap(err)
	}
	account, err := s.GetAccount(id)
	if err != nil {
		return 0, nil, tracerr.Wrap(err)
	}
	return id, account, nil
}

// MTProof returns the sibling path of the account leaf against the current
// root, together with the leaf value
func (s *StateDB) MTProof(id common.AccountID) (*merkletree.Proof, *big.Int, error) {
	proof, value, err := s.mt.GenerateProof(id.BigInt(), s.mt.Root())
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	return proof, value, nil
}

// NextNFTSerial returns the next free NFT serial number
func (s *StateDB) NextNFTSerial() (uint32, error) {
	return s.db.GetNextNFTSerial()
}

// SetNextNFTSerial stores the next free NFT serial number
func (s *StateDB) SetNextNFTSerial(serial uint32) error {
	return s.db.SetNextNFTSerial(serial)
}

// PutNFT stores a minted NFT in the registry
func (s *StateDB) PutNFT(nft *common.NFT) error {
	tx, err := s.db.DB().NewTx()
	if err != nil {
		return tracerr.Wrap(err)
	}
	v := make([]byte, 0, 4+4+32+4)
	v = append(v, nft.TokenID.Bytes()...)
	v = append(v, nft.CreatorID.Bytes()...)
	v = append(v, nft.ContentHash[:]...)
	var serial [4]byte
	binary.BigEndian.PutUint32(serial[:], nft.SerialID)
	v = append(v, serial[:]...)
	if err := tx.Put(append(PrefixKeyNFT, nft.TokenID.Bytes()...), v); err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(tx.Commit())
}

// GetNFT returns a minted NFT from the registry
func (s *StateDB) GetNFT(tokenID common.TokenID) (*common.NFT, error) {
	v, err := s.db.DB().Get(append(PrefixKeyNFT, tokenID.Bytes()...))
	if tracerr.Unwrap(err) == db.ErrNotFound {
		return nil, tracerr.Wrap(common.ErrUnknownToken)
	}
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if len(v) != 4+4+32+4 {
		return nil, tracerr.Wrap(common.ErrUnknownToken)
	}
	nft := &common.NFT{}
	tid, err := common.TokenIDFromBytes(v[0:4])
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	nft.TokenID = tid
	cid, err := common.AccountIDFromBytes(v[4:8])
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	nft.CreatorID = cid
	copy(nft.ContentHash[:], v[8:40])
	nft.SerialID = binary.BigEndian.Uint32(v[40:44])
	return nft, nil
}

// MakeCheckpoint makes a checkpoint of the current state at the next block
// number
func (s *StateDB) MakeCheckpoint() error {
	return s.db.MakeCheckpoint()
}

// Reset rolls the state back to the checkpoint at the given block number.
// The state tree handle is reopened over the restored storage.
func (s *StateDB) Reset(blockNum uint64) error {
	if err := s.db.Reset(blockNum); err != nil {
		return tracerr.Wrap(err)
	}
	mt, err := merkletree.NewMerkleTree(s.db.StorageWithPrefix(PrefixKeyMT), s.cfg.NLevels)
	if err != nil {
		return tracerr.Wrap(err)
	}
	s.mt = mt
	return nil
}

// RecomputeRoot walks every stored account and recomputes the tree root
// from scratch in a throwaway in-memory tree.  Used to detect divergence
// between the incremental root and the account contents.
func (s *StateDB) RecomputeRoot() (*big.Int, error) {
	mt, err := merkletree.NewMerkleTree(memory.NewMemoryStorage(), s.cfg.NLevels)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	next := s.db.NextAccountID
	for id := common.AccountID(0); id < next; id++ {
		account, err := s.GetAccount(id)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		hash, err := account.HashValue()
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if err := mt.Add(id.BigInt(), hash); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	return mt.Root().BigInt(), nil
}
