package common

import (
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubdataOpSizes(t *testing.T) {
	for code, chunks := range opChunks {
		size, err := code.Bytes()
		require.NoError(t, err)
		assert.Equal(t, chunks*ChunkBytes, size)
	}
}

func TestPubdataRoundTrip(t *testing.T) {
	entries := []*PubdataEntry{
		{
			OpCode:    OpCodeDeposit,
			AccountID: 42,
			TokenID:   1,
			Amount:    big.NewInt(1000),
			Addr:      ethCommon.HexToAddress("0xaa"),
		},
		{
			OpCode:    OpCodeTransfer,
			AccountID: 42,
			ToID:      43,
			TokenID:   1,
			Amount:    big.NewInt(700),
			Fee:       big.NewInt(5),
		},
		{
			OpCode:    OpCodeTransferToNew,
			AccountID: 42,
			ToID:      44,
			TokenID:   1,
			Amount:    big.NewInt(300),
			Fee:       big.NewInt(10),
			Addr:      ethCommon.HexToAddress("0xbb"),
		},
		{
			OpCode:    OpCodeWithdraw,
			AccountID: 43,
			TokenID:   1,
			Amount:    big.NewInt(200),
			Fee:       big.NewInt(5),
			Addr:      ethCommon.HexToAddress("0xcc"),
		},
		{
			OpCode:    OpCodeFullExit,
			AccountID: 44,
			Addr:      ethCommon.HexToAddress("0xdd"),
			TokenID:   1,
			Amount:    big.NewInt(300),
		},
	}

	var pubdata []byte
	for _, e := range entries {
		enc, err := EncodePubdataOp(e)
		require.NoError(t, err)
		chunks, err := e.OpCode.Chunks()
		require.NoError(t, err)
		assert.Len(t, enc, chunks*ChunkBytes)
		pubdata = append(pubdata, enc...)
	}

	decoded, err := DecodePubdata(pubdata)
	require.NoError(t, err)
	require.Len(t, decoded, len(entries))
	for i, e := range entries {
		assert.Equal(t, e.OpCode, decoded[i].OpCode)
		assert.Equal(t, e.AccountID, decoded[i].AccountID)
		assert.Equal(t, e.ToID, decoded[i].ToID)
		assert.Equal(t, e.TokenID, decoded[i].TokenID)
		assert.Equal(t, e.Addr, decoded[i].Addr)
		assert.Equal(t, 0, amountOrZero(e.Amount).Cmp(amountOrZero(decoded[i].Amount)))
		assert.Equal(t, 0, amountOrZero(e.Fee).Cmp(amountOrZero(decoded[i].Fee)))
	}
}

func TestPubdataNoopPadding(t *testing.T) {
	noop, err := EncodePubdataOp(&PubdataEntry{OpCode: OpCodeNoop})
	require.NoError(t, err)
	assert.Len(t, noop, ChunkBytes)
	assert.Equal(t, byte(OpCodeNoop), noop[0])

	decoded, err := DecodePubdata(append(noop, noop...))
	require.NoError(t, err)
	assert.Len(t, decoded, 2)
}

func TestPubdataDecodeErrors(t *testing.T) {
	// unknown op code
	_, _, err := DecodePubdataOp([]byte{0xff})
	assert.Equal(t, ErrUnknownOpCode, tracerr.Unwrap(err))

	// truncated op
	enc, err := EncodePubdataOp(&PubdataEntry{
		OpCode: OpCodeDeposit, AccountID: 1, TokenID: 0, Amount: big.NewInt(1),
	})
	require.NoError(t, err)
	_, _, err = DecodePubdataOp(enc[:len(enc)-1])
	assert.Equal(t, ErrPubdataTooShort, tracerr.Unwrap(err))
}

func TestSmallestBlockChunksPubdata(t *testing.T) {
	sizes := []int{6, 12, 24, 48, 96}
	chunks, err := SmallestBlockChunks(0, sizes)
	require.NoError(t, err)
	assert.Equal(t, 6, chunks)

	chunks, err = SmallestBlockChunks(6, sizes)
	require.NoError(t, err)
	assert.Equal(t, 6, chunks)

	chunks, err = SmallestBlockChunks(7, sizes)
	require.NoError(t, err)
	assert.Equal(t, 12, chunks)

	_, err = SmallestBlockChunks(97, sizes)
	assert.Equal(t, ErrBlockChunksOverflow, tracerr.Unwrap(err))
}
