package eth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hermeznetwork/tracerr"
)

// ClientConfig defines the configuration of the Client
type ClientConfig struct {
	Ethereum       EthereumConfig
	RollupContract ethCommon.Address
}

// Client is the combined L1 client: the plain ethereum surface and the
// rollup contract binding, sharing one connection and one operator account
type Client struct {
	*EthereumClient
	*RollupClient
}

// NewClient creates a Client.  The account is optional; a read-only client
// passes nil account and keystore.
func NewClient(client *ethclient.Client, account *accounts.Account,
	ks *ethKeystore.KeyStore, cfg *ClientConfig) (*Client, error) {
	ethereumClient, err := NewEthereumClient(client, account, ks, &cfg.Ethereum)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	rollupClient, err := NewRollupClient(ethereumClient, cfg.RollupContract)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &Client{
		EthereumClient: ethereumClient,
		RollupClient:   rollupClient,
	}, nil
}

// SignRollupTx builds and signs a transaction to the rollup contract with
// the given calldata.  The transaction is not broadcast; the hash of the
// returned transaction is stable and can be journaled before sending.
func (c *Client) SignRollupTx(data []byte, nonce uint64, gasPrice *big.Int,
	gasLimit uint64) (*types.Transaction, error) {
	to := c.RollupClient.Address()
	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := c.EthereumClient.SignTx(tx)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return signed, nil
}
