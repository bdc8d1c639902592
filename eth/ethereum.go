package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hermeznetwork/tracerr"
)

var (
	// ErrAccountNil is used when the calls can not be made because the
	// account is nil
	ErrAccountNil = fmt.Errorf("authorized calls can't be made when the account is nil")
	// ErrReceiptStatusFailed is used when receiving a failed transaction
	ErrReceiptStatusFailed = fmt.Errorf("receipt status is failed")
	// ErrReceiptNotReceived is used when unable to retrieve a transaction
	// receipt
	ErrReceiptNotReceived = fmt.Errorf("receipt not available")
)

const (
	defaultCallGasLimit   = 300000
	defaultReceiptTimeout = 60 * time.Second
	defaultReceiptLoop    = 200 * time.Millisecond
)

// EthereumConfig defines the configuration parameters of the EthereumClient
type EthereumConfig struct {
	CallGasLimit   uint64
	ReceiptTimeout time.Duration
	ReceiptLoop    time.Duration
}

// EthereumClient is an ethereum client to call smart contract methods and
// check blockchain information.  The account is optional; authorized calls
// fail with ErrAccountNil without one.
type EthereumClient struct {
	client  *ethclient.Client
	account *accounts.Account
	ks      *ethKeystore.KeyStore
	chainID *big.Int
	config  *EthereumConfig
}

// NewEthereumClient creates an EthereumClient instance
func NewEthereumClient(client *ethclient.Client, account *accounts.Account,
	ks *ethKeystore.KeyStore, config *EthereumConfig) (*EthereumClient, error) {
	if config == nil {
		config = &EthereumConfig{
			CallGasLimit:   defaultCallGasLimit,
			ReceiptTimeout: defaultReceiptTimeout,
			ReceiptLoop:    defaultReceiptLoop,
		}
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &EthereumClient{
		client:  client,
		account: account,
		ks:      ks,
		chainID: chainID,
		config:  config,
	}, nil
}

// Client returns the internal ethclient.Client
func (c *EthereumClient) Client() *ethclient.Client {
	return c.client
}

// ChainID returns the chain id the client is connected to
func (c *EthereumClient) ChainID() *big.Int {
	return c.chainID
}

// EthAddress returns the ethereum address of the loaded account
func (c *EthereumClient) EthAddress() (*ethCommon.Address, error) {
	if c.account == nil {
		return nil, tracerr.Wrap(ErrAccountNil)
	}
	return &c.account.Address, nil
}

// NewAuth builds a keystore-signing TransactOpts for the loaded account
func (c *EthereumClient) NewAuth() (*bind.TransactOpts, error) {
	if c.account == nil {
		return nil, tracerr.Wrap(ErrAccountNil)
	}
	auth, err := bind.NewKeyStoreTransactorWithChainID(c.ks, *c.account, c.chainID)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	auth.GasLimit = c.config.CallGasLimit
	return auth, nil
}

// SignTx signs an ethereum transaction with the loaded account
func (c *EthereumClient) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	if c.account == nil {
		return nil, tracerr.Wrap(ErrAccountNil)
	}
	signed, err := c.ks.SignTx(*c.account, tx, c.chainID)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return signed, nil
}

// SendTransaction broadcasts a signed transaction
func (c *EthereumClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return tracerr.Wrap(c.client.SendTransaction(ctx, tx))
}

// EthCurrentBlock returns the current block number in the blockchain
func (c *EthereumClient) EthCurrentBlock() (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return header.Number.Uint64(), nil
}

// EthSuggestGasPrice returns the node's suggested gas price
func (c *EthereumClient) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return price, nil
}

// EthPendingNonceAt returns the operator account nonce including pending
// transactions
func (c *EthereumClient) EthPendingNonceAt(ctx context.Context) (uint64, error) {
	if c.account == nil {
		return 0, tracerr.Wrap(ErrAccountNil)
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.account.Address)
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return nonce, nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash
func (c *EthereumClient) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return receipt, nil
}

// WaitReceipt polls until the transaction is mined or the receipt timeout
// passes
func (c *EthereumClient) WaitReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ReceiptTimeout)
	defer cancel()
	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, tracerr.Wrap(ErrReceiptNotReceived)
		case <-time.After(c.config.ReceiptLoop):
		}
	}
}
