package common

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"sort"

	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// Block is a sealed rollup block: a batch of L2 operations plus the
// resulting state root, destined to be posted to L1 as one commit
// transaction.  Block numbers are contiguous from 1.
type Block struct {
	Num        uint64
	Timestamp  uint64
	PrevRoot   *big.Int
	NewRoot    *big.Int
	FeeAccount AccountID
	// Ops is the ordered list of executed operations, failed user
	// transactions included
	Ops []ExecutedOp
	// BlockChunks is the padded pubdata size of the block, an element of
	// the configured available chunk sizes
	BlockChunks int
	// CursorBefore and CursorAfter are the unprocessed priority op
	// cursors (next serial id to process) at block start and end
	CursorBefore uint64
	CursorAfter  uint64
	Commitment   [32]byte
}

// ChunksUsed returns the chunk total of the successful operations of the
// block, before Noop padding
func (b *Block) ChunksUsed() int {
	chunks := 0
	for i := range b.Ops {
		chunks += b.Ops[i].Chunks()
	}
	return chunks
}

// Pubdata returns the concatenation of the per-op pubdata chunks in
// execution order, padded with Noop chunks to BlockChunks
func (b *Block) Pubdata() ([]byte, error) {
	out := make([]byte, 0, b.BlockChunks*ChunkBytes)
	for i := range b.Ops {
		op := &b.Ops[i]
		if !op.Success {
			continue
		}
		if op.Entry == nil {
			return nil, tracerr.Wrap(ErrUnknownOpCode)
		}
		enc, err := EncodePubdataOp(op.Entry)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		out = append(out, enc...)
	}
	noop, err := EncodePubdataOp(&PubdataEntry{OpCode: OpCodeNoop})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	for len(out) < b.BlockChunks*ChunkBytes {
		out = append(out, noop...)
	}
	if len(out) != b.BlockChunks*ChunkBytes {
		return nil, tracerr.Wrap(ErrBlockChunksOverflow)
	}
	return out, nil
}

// commitmentLimbBytes splits the commitment preimage into poseidon inputs
// that fit the field
const commitmentLimbBytes = 22

// ComputeCommitment computes and sets the hash binding all public inputs of
// the block exposed to L1.  The pubdata itself enters through its sha256 so
// the preimage of the commitment stays bounded.
func (b *Block) ComputeCommitment() error {
	pubdata, err := b.Pubdata()
	if err != nil {
		return tracerr.Wrap(err)
	}
	pubdataHash := sha256.Sum256(pubdata)

	var buf [32 + 32 + 8 + 4 + 32 + 8 + 8 + 8]byte
	b.PrevRoot.FillBytes(buf[0:32])
	b.NewRoot.FillBytes(buf[32:64])
	binary.BigEndian.PutUint64(buf[64:72], b.Num)
	binary.BigEndian.PutUint32(buf[72:76], uint32(b.FeeAccount))
	copy(buf[76:108], pubdataHash[:])
	binary.BigEndian.PutUint64(buf[108:116], b.Timestamp)
	binary.BigEndian.PutUint64(buf[116:124], b.CursorBefore)
	binary.BigEndian.PutUint64(buf[124:132], b.CursorAfter)

	// the 132 byte preimage folds into six 22 byte limbs, each well below
	// the field size, hashed in a single permutation
	limbs := make([]*big.Int, 0, len(buf)/commitmentLimbBytes)
	for i := 0; i < len(buf); i += commitmentLimbBytes {
		limbs = append(limbs, new(big.Int).SetBytes(buf[i:i+commitmentLimbBytes]))
	}
	h, err := poseidon.Hash(limbs)
	if err != nil {
		return tracerr.Wrap(err)
	}
	h.FillBytes(b.Commitment[:])
	return nil
}

// ErrBlockChunksOverflow is returned when the operations of a block exceed
// every available chunk size
var ErrBlockChunksOverflow = errors.New("block does not fit any available chunk size")

// SmallestBlockChunks returns the smallest element of availableSizes that
// fits usedChunks.  The list must be strictly increasing.
func SmallestBlockChunks(usedChunks int, availableSizes []int) (int, error) {
	i := sort.SearchInts(availableSizes, usedChunks)
	if i == len(availableSizes) {
		return 0, tracerr.Wrap(ErrBlockChunksOverflow)
	}
	return availableSizes[i], nil
}
