package common

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"sort"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

const (
	// AccountIDBytesLen is the length of the byte array representation of
	// an AccountID
	AccountIDBytesLen = 4
	// maxAccountID is the maximum value than an AccountID can have
	maxAccountID = AccountID(0xffffffff)

	// maxNonceValue is the maximum value that the Account.Nonce can have
	maxNonceValue = uint64(0xffffffff)

	// maxBalanceBytes is the size of the serialized balance of a single
	// token held by an account
	maxBalanceBytes = 16
)

// AccountID is the dense index assigned to an account on first appearance.
// It is the key of the account in the state tree and is stable for the
// account's lifetime.
type AccountID uint32

// Bytes returns a byte array of length 4 representing the AccountID in
// BigEndian
func (id AccountID) Bytes() []byte {
	var b [AccountIDBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

// BigInt returns a *big.Int representing the AccountID
func (id AccountID) BigInt() *big.Int {
	return big.NewInt(int64(id))
}

// AccountIDFromBytes returns an AccountID from a byte array of length 4
func AccountIDFromBytes(b []byte) (AccountID, error) {
	if len(b) != AccountIDBytesLen {
		return 0, tracerr.Wrap(ErrAccountIDBytesLen)
	}
	return AccountID(binary.BigEndian.Uint32(b)), nil
}

// Nonce is the strictly monotone transaction counter of an account
type Nonce uint32

// Bytes returns a byte array of length 4 representing the Nonce in BigEndian
func (n Nonce) Bytes() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b[:]
}

// BigInt returns a *big.Int representing the Nonce
func (n Nonce) BigInt() *big.Int {
	return big.NewInt(int64(n))
}

// PubKeyHash authorizes L2 signatures for an account.  It is computed by
// hashing the BabyJubJub public key of the account and truncating to 20
// bytes, which gives it the same shape as an Ethereum address.
type PubKeyHash [20]byte

// EmptyPubKeyHash is the PubKeyHash of an account that has not yet set a
// signing key.  Accounts created by a Deposit start with it and cannot sign
// L2 transactions until a ChangePubKey sets a real key.
var EmptyPubKeyHash = PubKeyHash{}

// NewPubKeyHash hashes a BabyJubJub public key into a PubKeyHash
func NewPubKeyHash(pk babyjub.PublicKeyComp) (PubKeyHash, error) {
	var pkh PubKeyHash
	point, err := pk.Decompress()
	if err != nil {
		return pkh, tracerr.Wrap(err)
	}
	h, err := poseidon.Hash([]*big.Int{point.X, point.Y})
	if err != nil {
		return pkh, tracerr.Wrap(err)
	}
	copy(pkh[:], h.Bytes()[:20])
	return pkh, nil
}

// BigInt returns a *big.Int representing the PubKeyHash in BigEndian
func (pkh PubKeyHash) BigInt() *big.Int {
	return new(big.Int).SetBytes(pkh[:])
}

// Account is the data structure stored in the leaves of the state tree.  The
// balances map holds one entry per token the account has ever touched;
// missing entries read as zero.
type Account struct {
	EthAddr    ethCommon.Address
	PubKeyHash PubKeyHash
	Nonce      Nonce
	Balances   map[TokenID]*big.Int
}

// NewAccount creates an empty Account owned by addr
func NewAccount(addr ethCommon.Address) *Account {
	return &Account{
		EthAddr:  addr,
		Balances: make(map[TokenID]*big.Int),
	}
}

// Balance returns the balance of the given token, zero if the account never
// held it.  The returned value must not be mutated.
func (a *Account) Balance(token TokenID) *big.Int {
	if b, ok := a.Balances[token]; ok {
		return b
	}
	return big.NewInt(0)
}

// SetBalance sets the balance of the given token
func (a *Account) SetBalance(token TokenID, balance *big.Int) {
	a.Balances[token] = new(big.Int).Set(balance)
}

// AddBalance adds delta (which can be negative) to the balance of the given
// token.  Returns ErrNotEnoughBalance if the result would be negative.
func (a *Account) AddBalance(token TokenID, delta *big.Int) error {
	newBalance := new(big.Int).Add(a.Balance(token), delta)
	if newBalance.Sign() < 0 {
		return tracerr.Wrap(ErrNotEnoughBalance)
	}
	a.Balances[token] = newBalance
	return nil
}

// Clone returns a deep copy of the account
func (a *Account) Clone() *Account {
	c := &Account{
		EthAddr:    a.EthAddr,
		PubKeyHash: a.PubKeyHash,
		Nonce:      a.Nonce,
		Balances:   make(map[TokenID]*big.Int, len(a.Balances)),
	}
	for token, balance := range a.Balances {
		c.Balances[token] = new(big.Int).Set(balance)
	}
	return c
}

// sortedTokens returns the token ids of the non-zero balances in increasing
// order, which fixes the leaf encoding and hashing order.
func (a *Account) sortedTokens() []TokenID {
	tokens := make([]TokenID, 0, len(a.Balances))
	for token, balance := range a.Balances {
		if balance.Sign() != 0 {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// Tokens returns the token ids the account holds a non-zero balance of, in
// increasing order
func (a *Account) Tokens() []TokenID {
	return a.sortedTokens()
}

// balancesRoot folds the sorted (token, balance) pairs into a single field
// element.  An account with no balances folds to zero.
func (a *Account) balancesRoot() (*big.Int, error) {
	root := big.NewInt(0)
	for _, token := range a.sortedTokens() {
		h, err := poseidon.Hash([]*big.Int{root, token.BigInt(), a.Balances[token]})
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		root = h
	}
	return root, nil
}

// HashValue returns the hash of the account to be stored in the state tree
// leaf
func (a *Account) HashValue() (*big.Int, error) {
	balancesRoot, err := a.balancesRoot()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return poseidon.Hash([]*big.Int{
		new(big.Int).SetBytes(a.EthAddr.Bytes()),
		a.PubKeyHash.BigInt(),
		a.Nonce.BigInt(),
		balancesRoot,
	})
}

// Bytes returns the deterministic serialization of the account:
// ethAddr(20) | pubKeyHash(20) | nonce(4) | numBalances(4) |
// numBalances * (tokenID(4) | balance(16)), balances in increasing token
// order.
func (a *Account) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(a.EthAddr.Bytes())
	buf.Write(a.PubKeyHash[:])
	buf.Write(a.Nonce.Bytes())
	tokens := a.sortedTokens()
	var numBalances [4]byte
	binary.BigEndian.PutUint32(numBalances[:], uint32(len(tokens)))
	buf.Write(numBalances[:])
	for _, token := range tokens {
		balance := a.Balances[token]
		if balance.BitLen() > maxBalanceBytes*8 {
			return nil, tracerr.Wrap(ErrBalanceOverflow)
		}
		buf.Write(token.Bytes())
		var b [maxBalanceBytes]byte
		balance.FillBytes(b[:])
		buf.Write(b[:])
	}
	return buf.Bytes(), nil
}

// AccountFromBytes returns an Account from a byte array produced by
// Account.Bytes
func AccountFromBytes(b []byte) (*Account, error) {
	if len(b) < 48 {
		return nil, tracerr.Wrap(ErrAccountBytesLen)
	}
	a := &Account{Balances: make(map[TokenID]*big.Int)}
	copy(a.EthAddr[:], b[0:20])
	copy(a.PubKeyHash[:], b[20:40])
	a.Nonce = Nonce(binary.BigEndian.Uint32(b[40:44]))
	numBalances := binary.BigEndian.Uint32(b[44:48])
	offset := 48
	for i := uint32(0); i < numBalances; i++ {
		if len(b) < offset+4+maxBalanceBytes {
			return nil, tracerr.Wrap(ErrAccountBytesLen)
		}
		token, err := TokenIDFromBytes(b[offset : offset+4])
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		balance := new(big.Int).SetBytes(b[offset+4 : offset+4+maxBalanceBytes])
		a.Balances[token] = balance
		offset += 4 + maxBalanceBytes
	}
	return a, nil
}

// AccountUpdate represents one account balance or nonce change caused by
// applying an operation.  The journal stores one per touched (account, token)
// pair.
type AccountUpdate struct {
	BlockNum  uint64
	AccountID AccountID
	TokenID   TokenID
	Nonce     Nonce
	Balance   *big.Int
}
