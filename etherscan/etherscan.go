// Package etherscan queries the etherscan gas oracle, a second gas price
// source next to the L1 node's own suggestion.
package etherscan

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/dghubble/sling"
	"github.com/hermeznetwork/tracerr"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
)

type etherscanResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Result  GasPrice `json:"result"`
}

// GasPrice is the gas oracle result, prices in gwei
type GasPrice struct {
	LastBlock       string `json:"LastBlock"`
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

// ProposeWei returns the proposed gas price in wei
func (g *GasPrice) ProposeWei() (*big.Int, error) {
	gwei, err := strconv.ParseUint(g.ProposeGasPrice, 10, 64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	wei := new(big.Int).SetUint64(gwei)
	return wei.Mul(wei, big.NewInt(1_000_000_000)), nil
}

// Client is the interface to the gas oracle
type Client interface {
	// Blocking.  Returns the current gas price estimation.
	GetGasPrice(ctx context.Context) (*GasPrice, error)
}

// Service is the sling client to the etherscan API
type Service struct {
	client *sling.Sling
	apiKey string
}

// NewService creates an etherscan Service
func NewService(url string, apiKey string) (*Service, error) {
	tr := &http.Transport{
		MaxIdleConns:       defaultMaxIdleConns,
		IdleConnTimeout:    defaultIdleConnTimeout,
		DisableCompression: true,
	}
	httpClient := &http.Client{Transport: tr}
	return &Service{
		client: sling.New().Base(url).Client(httpClient),
		apiKey: apiKey,
	}, nil
}

// GetGasPrice retrieves the gas price estimation from etherscan
func (s *Service) GetGasPrice(ctx context.Context) (*GasPrice, error) {
	var resBody etherscanResponse
	url := "/api?module=gastracker&action=gasoracle&apikey=" + s.apiKey
	req, err := s.client.New().Get(url).Request()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	res, err := s.client.Do(req.WithContext(ctx), &resBody, nil)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, tracerr.Wrap(fmt.Errorf("etherscan http status %v", res.StatusCode))
	}
	return &resBody.Result, nil
}

// MockClient is a gas oracle mock used in tests
type MockClient struct {
}

// GetGasPrice returns a fixed gas price estimation
func (m *MockClient) GetGasPrice(ctx context.Context) (*GasPrice, error) {
	return &GasPrice{
		LastBlock:       "0",
		SafeGasPrice:    "90",
		ProposeGasPrice: "100",
		FastGasPrice:    "110",
	}, nil
}
