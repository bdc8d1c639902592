package txprocessor

import (
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/db/statedb"
)

// overlay is a scratch view over the StateDB.  Every operation is applied
// against the overlay first; only when the whole operation (or atomic
// batch) succeeds is the overlay flushed into the StateDB.  A discarded
// overlay leaves the state bit-identical, which is what makes failed
// transactions and reverted batches free.
type overlay struct {
	state *statedb.StateDB

	accounts map[common.AccountID]*common.Account
	addrToID map[ethCommon.Address]common.AccountID
	// created lists the ids assigned inside the overlay, in assignment
	// order
	created []common.AccountID
	nextID  common.AccountID

	nfts       []*common.NFT
	nftSerial  uint32
	nftsLoaded bool

	// preBalances snapshots the first-seen balance of every touched
	// (account, token) pair, for the per-op supply check
	preBalances map[balanceKey]*big.Int
	// preNonces snapshots the first-seen nonce of every loaded account;
	// flush refuses a nonce going backwards
	preNonces map[common.AccountID]common.Nonce
}

type balanceKey struct {
	id    common.AccountID
	token common.TokenID
}

func newOverlay(state *statedb.StateDB) *overlay {
	return &overlay{
		state:       state,
		accounts:    make(map[common.AccountID]*common.Account),
		addrToID:    make(map[ethCommon.Address]common.AccountID),
		nextID:      state.NextAccountID(),
		preBalances: make(map[balanceKey]*big.Int),
		preNonces:   make(map[common.AccountID]common.Nonce),
	}
}

// account returns a mutable copy of the account, loading it from the
// StateDB on first touch
func (o *overlay) account(id common.AccountID) (*common.Account, error) {
	if account, ok := o.accounts[id]; ok {
		return account, nil
	}
	account, err := o.state.GetAccount(id)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	clone := account.Clone()
	o.accounts[id] = clone
	o.preNonces[id] = clone.Nonce
	return clone, nil
}

// accountID resolves an address, checking overlay-created accounts first
func (o *overlay) accountID(addr ethCommon.Address) (common.AccountID, error) {
	if id, ok := o.addrToID[addr]; ok {
		return id, nil
	}
	return o.state.GetAccountID(addr)
}

// createAccount assigns the next dense id to a new account owned by addr
func (o *overlay) createAccount(addr ethCommon.Address) (common.AccountID, *common.Account, error) {
	if _, err := o.accountID(addr); err == nil {
		return 0, nil, tracerr.Wrap(common.ErrAccountAlreadyExists)
	}
	id := o.nextID
	o.nextID++
	account := common.NewAccount(addr)
	o.accounts[id] = account
	o.addrToID[addr] = id
	o.created = append(o.created, id)
	return id, account, nil
}

// notePreBalance records the balance of (id, token) before the overlay
// mutates it, once
func (o *overlay) notePreBalance(id common.AccountID, token common.TokenID, account *common.Account) {
	key := balanceKey{id, token}
	if _, ok := o.preBalances[key]; !ok {
		o.preBalances[key] = new(big.Int).Set(account.Balance(token))
	}
}

// addBalance mutates a balance through the overlay, keeping the pre-image
// for the supply check
func (o *overlay) addBalance(id common.AccountID, account *common.Account,
	token common.TokenID, delta *big.Int) error {
	o.notePreBalance(id, token, account)
	return account.AddBalance(token, delta)
}

// mintNFT assigns the next NFT serial and registers the minted token in the
// overlay
func (o *overlay) mintNFT(creator common.AccountID, contentHash [32]byte) (*common.NFT, error) {
	if !o.nftsLoaded {
		serial, err := o.state.NextNFTSerial()
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		o.nftSerial = serial
		o.nftsLoaded = true
	}
	nft := &common.NFT{
		TokenID:     nftTokenID(o.nftSerial),
		CreatorID:   creator,
		ContentHash: contentHash,
		SerialID:    o.nftSerial,
	}
	o.nftSerial++
	o.nfts = append(o.nfts, nft)
	return nft, nil
}

// nft resolves a minted NFT, checking overlay-minted ones first
func (o *overlay) nft(tokenID common.TokenID) (*common.NFT, error) {
	for _, nft := range o.nfts {
		if nft.TokenID == tokenID {
			return nft, nil
		}
	}
	return o.state.GetNFT(tokenID)
}

// supplyDeltas sums the balance change per token across every account the
// overlay touched
func (o *overlay) supplyDeltas() map[common.TokenID]*big.Int {
	deltas := make(map[common.TokenID]*big.Int)
	for key, pre := range o.preBalances {
		account := o.accounts[key.id]
		delta := new(big.Int).Sub(account.Balance(key.token), pre)
		if cur, ok := deltas[key.token]; ok {
			cur.Add(cur, delta)
		} else {
			deltas[key.token] = delta
		}
	}
	return deltas
}

// flush writes the overlay into the StateDB.  Created accounts get their
// ids assigned in the same order the overlay assigned them, so the dense
// sequence is preserved.
func (o *overlay) flush() ([]common.AccountUpdate, error) {
	var updates []common.AccountUpdate
	for _, id := range o.created {
		assigned, err := o.state.AssignAccountID()
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if assigned != id {
			return nil, tracerr.Wrap(common.ErrAccountIDOverflow)
		}
		if err := o.state.CreateAccount(id, o.accounts[id]); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	createdSet := make(map[common.AccountID]bool, len(o.created))
	for _, id := range o.created {
		createdSet[id] = true
	}
	for id, account := range o.accounts {
		if createdSet[id] {
			continue
		}
		if account.Nonce < o.preNonces[id] {
			return nil, tracerr.Wrap(common.ErrNonceDecrease)
		}
		if err := o.state.UpdateAccount(id, account); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	for key := range o.preBalances {
		account := o.accounts[key.id]
		updates = append(updates, common.AccountUpdate{
			AccountID: key.id,
			TokenID:   key.token,
			Nonce:     account.Nonce,
			Balance:   new(big.Int).Set(account.Balance(key.token)),
		})
	}
	for _, nft := range o.nfts {
		if err := o.state.PutNFT(nft); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	if o.nftsLoaded {
		if err := o.state.SetNextNFTSerial(o.nftSerial); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	return updates, nil
}

// nftTokenIDBase is the start of the token id range reserved for NFTs
// minted inside the rollup
const nftTokenIDBase = common.TokenID(1) << 31

func nftTokenID(serial uint32) common.TokenID {
	return nftTokenIDBase + common.TokenID(serial)
}
