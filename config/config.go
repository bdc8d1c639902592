// Package config loads and validates the node configuration.  Values come
// from a toml file layered over the built-in defaults, with a .env file
// optionally loaded into the environment first.  A configuration that does
// not validate refuses to start the node.
package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/joho/godotenv"
	"gopkg.in/go-playground/validator.v9"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration `validate:"required"`
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return tracerr.Wrap(err)
	}
	d.Duration = duration
	return nil
}

// StateDB configures the account tree storage
type StateDB struct {
	// Path where the checkpointed state is stored
	Path string `validate:"required"`
	// Keep is the number of checkpoints to keep
	Keep int `validate:"required,gte=32"`
}

// Journal configures the durable progress store
type Journal struct {
	// Path where the journal is stored
	Path string `validate:"required"`
}

// Web3 configures the L1 connection
type Web3 struct {
	// URLs is the pool of RPC endpoints the gateway multiplexes over
	URLs []string `validate:"required,min=1"`
	// RPS is the per-endpoint request rate limit
	RPS float64 `validate:"gte=0"`
	// RefreshInterval is how often endpoint health is re-probed
	RefreshInterval Duration `validate:"required"`
}

// SmartContracts holds the L1 contract addresses
type SmartContracts struct {
	// Rollup is the address of the rollup contract
	Rollup ethCommon.Address `validate:"required"`
}

// Watcher configures the L1 event watcher
type Watcher struct {
	// Confirmations is the depth at which an L1 event counts as
	// confirmed
	Confirmations uint64 `validate:"required,gte=1"`
	// StartBlock is the L1 block the rollup contract was deployed at
	StartBlock uint64
	// ScanWindow is the maximum block span of one getLogs call
	ScanWindow uint64 `validate:"required"`
	// PollInterval is the watcher tick period
	PollInterval Duration `validate:"required"`
	// PriorityExpiration is how long a priority op may stay unprocessed
	// before the expiration sweep reports it
	PriorityExpiration Duration `validate:"required"`
}

// Mempool configures user transaction admission
type Mempool struct {
	// MaxQueueSize is the admission bound on queued items
	MaxQueueSize int `validate:"required,gte=1"`
	// MaxTxAge expires queued transactions
	MaxTxAge Duration `validate:"required"`
	// MaxBatchSize bounds atomic batch length
	MaxBatchSize int `validate:"required,gte=1"`
	// MaxBatchWithdrawals bounds withdrawal-kind txs per batch
	MaxBatchWithdrawals int `validate:"gte=0"`
	// MinFee is the minimum fungible fee per transaction, wei
	MinFee *big.Int
}

// StateKeeper configures block production
type StateKeeper struct {
	// FeeAccount is the account id credited with collected fees
	FeeAccount uint32
	// AvailableChunkSizes are the legal sealed block sizes, strictly
	// increasing
	AvailableChunkSizes []int `validate:"required,min=1"`
	// MaxIterations seals a pending block after this many miniblocks
	MaxIterations int `validate:"required,gte=1"`
	// FastIterations is the sealing timeout with a fast-processing tx
	// pending
	FastIterations int `validate:"required,gte=1"`
	// MaxCommitGas and MaxExecuteGas bound the estimated L1 gas of one
	// block
	MaxCommitGas  uint64 `validate:"required"`
	MaxExecuteGas uint64 `validate:"required"`
	// MiniblockInterval is the tick period of the miniblock loop
	MiniblockInterval Duration `validate:"required"`
	// MaxBlockTime bounds the sealing age used by the health checker
	MaxBlockTime Duration `validate:"required"`
}

// Keystore is the ethereum keystore holding the operator key
type Keystore struct {
	// Path to the keystore
	Path string `validate:"required"`
	// Password used to decrypt the keys in the keystore
	Password string `validate:"required"`
	// LightScrypt uses light parameters for the keystore encryption,
	// test setups only
	LightScrypt bool
}

// GasAdjuster configures the gas price limit policy
type GasAdjuster struct {
	// DefaultGwei is the price limit floor, gwei
	DefaultGwei int64 `validate:"required,gte=1"`
	// WindowSize is the number of price samples kept
	WindowSize int `validate:"required,gte=1"`
	// ScaleFactor multiplies the rolling median
	ScaleFactor float64 `validate:"required"`
	// SampleInterval is the price sampling period
	SampleInterval Duration `validate:"required"`
}

// Etherscan configures the optional gas oracle
type Etherscan struct {
	// URL of the etherscan API; empty disables the oracle
	URL string
	// APIKey for the etherscan API
	APIKey string
}

// Coordinator configures the commit pipeline
type Coordinator struct {
	// ForgerAddress is the operator account the node signs with
	ForgerAddress ethCommon.Address `validate:"required"`
	// ConfirmBlocks is the confirmation depth for sent transactions
	ConfirmBlocks uint64 `validate:"required,gte=1"`
	// MaxTxsInFlight bounds outstanding L1 attempts
	MaxTxsInFlight int `validate:"required,gte=1"`
	// DeadlineBlocks is the stuck-transaction replacement deadline
	DeadlineBlocks uint64 `validate:"required,gte=1"`
	// GasLimit of every rollup call
	GasLimit uint64 `validate:"required"`
	// CheckInterval is the receipt poll period
	CheckInterval Duration `validate:"required"`
	// SyncInterval is the pipeline tick period
	SyncInterval Duration `validate:"required"`
	// MaxWithdrawalsPerExecute bounds withdrawal completions per
	// executeBlocks call
	MaxWithdrawalsPerExecute int `validate:"required,gte=1"`
	// ProofServerURL is the external prover endpoint
	ProofServerURL string `validate:"required,url"`
	// ProofPollInterval is the prover status poll period
	ProofPollInterval Duration `validate:"required"`
	// ProofTimeout reassigns a proof job that did not finish in time
	ProofTimeout Duration `validate:"required"`
	Keystore     Keystore `validate:"required"`
	GasAdjuster  GasAdjuster
	Etherscan    Etherscan
}

// Debug configures the observability listeners
type Debug struct {
	// MetricsAddress serves prometheus metrics and the health endpoint
	// if set
	MetricsAddress string
}

// LogConf specifies the log configuration parameters
type LogConf struct {
	Level string
	// ErrorsPath stores error records in a file when set
	ErrorsPath string
}

// Node is the full node configuration
type Node struct {
	StateDB        StateDB        `validate:"required"`
	Journal        Journal        `validate:"required"`
	Web3           Web3           `validate:"required"`
	SmartContracts SmartContracts `validate:"required"`
	Watcher        Watcher        `validate:"required"`
	Mempool        Mempool        `validate:"required"`
	StateKeeper    StateKeeper    `validate:"required"`
	Coordinator    Coordinator    `validate:"required"`
	Debug          Debug          `validate:"-"`
	Log            LogConf        `validate:"-"`
}

func validateChunkSizes(sizes []int) error {
	for i := range sizes {
		if sizes[i] <= 0 {
			return tracerr.Wrap(fmt.Errorf("AvailableChunkSizes[%d] = %d is not positive",
				i, sizes[i]))
		}
		if i > 0 && sizes[i] <= sizes[i-1] {
			return tracerr.Wrap(fmt.Errorf(
				"AvailableChunkSizes must be strictly increasing, got %d after %d",
				sizes[i], sizes[i-1]))
		}
	}
	return nil
}

// Load reads the node configuration from path, layered over the built-in
// defaults.  A .env file next to the working directory is loaded into the
// environment first when present.
func Load(path string) (*Node, error) {
	// missing .env is fine, it is a convenience for local runs
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, tracerr.Wrap(err)
	}
	var cfg Node
	if _, err := toml.Decode(DefaultValues, &cfg); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("error validating configuration file: %w", err))
	}
	if err := validateChunkSizes(cfg.StateKeeper.AvailableChunkSizes); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &cfg, nil
}
