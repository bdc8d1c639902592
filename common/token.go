package common

import (
	"encoding/binary"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
)

// tokenIDBytesLen defines the length of the TokenID byte array representation
const tokenIDBytesLen = 4

// TokenID is the unique identifier of a token, as assigned by the rollup
// contract on L1
type TokenID uint32

// Bytes returns a byte array of length 4 representing the TokenID
func (t TokenID) Bytes() []byte {
	var b [tokenIDBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return b[:]
}

// BigInt returns the *big.Int representation of the TokenID
func (t TokenID) BigInt() *big.Int {
	return big.NewInt(int64(t))
}

// TokenIDFromBytes returns a TokenID from a byte array of length 4
func TokenIDFromBytes(b []byte) (TokenID, error) {
	if len(b) != tokenIDBytesLen {
		return 0, tracerr.Wrap(ErrTokenIDBytesLen)
	}
	return TokenID(binary.BigEndian.Uint32(b)), nil
}

// TokenKind classifies a token registered in the rollup
type TokenKind string

const (
	// TokenKindNative is the chain's native currency (token id 0)
	TokenKindNative TokenKind = "Native"
	// TokenKindERC20 is a fungible ERC20 token
	TokenKindERC20 TokenKind = "ERC20"
	// TokenKindNFT is a non fungible token minted inside the rollup
	TokenKindNFT TokenKind = "NFT"
)

// Token represents a token usable inside the rollup.  The token set is
// append-only at runtime; activation is driven by the NewToken L1 event.
type Token struct {
	TokenID     TokenID
	EthAddr     ethCommon.Address
	Symbol      string
	Decimals    uint64
	Kind        TokenKind
	EthBlockNum uint64
}

// NFT represents a non fungible token minted inside the rollup via MintNFT
type NFT struct {
	TokenID     TokenID
	CreatorID   AccountID
	ContentHash [32]byte
	SerialID    uint32
}

// TokenFactory is a third-party NFT factory registered on L1 via the
// TokenFactoryRegistered event
type TokenFactory struct {
	FactoryAddr  ethCommon.Address
	CreatorAddr  ethCommon.Address
	RegisteredAt time.Time
	EthBlockNum  uint64
}
