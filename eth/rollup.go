package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hermeznetwork/tracerr"

	"github.com/crescentzk/crescent-node/common"
)

// rollupABIJSON covers the events the watcher ingests and the methods the
// pipeline submits.  It must stay in sync with the deployed contract.
const rollupABIJSON = `[
{"type":"event","name":"NewPriorityRequest","inputs":[
 {"name":"serialId","type":"uint64","indexed":false},
 {"name":"kind","type":"uint8","indexed":false},
 {"name":"payload","type":"bytes","indexed":false},
 {"name":"expirationBlock","type":"uint64","indexed":false}]},
{"type":"event","name":"NewToken","inputs":[
 {"name":"tokenAddress","type":"address","indexed":true},
 {"name":"tokenId","type":"uint32","indexed":false}]},
{"type":"event","name":"TokenFactoryRegistered","inputs":[
 {"name":"factory","type":"address","indexed":true},
 {"name":"creator","type":"address","indexed":true},
 {"name":"signature","type":"bytes","indexed":false}]},
{"type":"event","name":"BlocksCommitted","inputs":[
 {"name":"blockFrom","type":"uint64","indexed":false},
 {"name":"blockTo","type":"uint64","indexed":false}]},
{"type":"event","name":"BlocksVerified","inputs":[
 {"name":"blockFrom","type":"uint64","indexed":false},
 {"name":"blockTo","type":"uint64","indexed":false}]},
{"type":"event","name":"BlocksExecuted","inputs":[
 {"name":"blockFrom","type":"uint64","indexed":false},
 {"name":"blockTo","type":"uint64","indexed":false}]},
{"type":"event","name":"WithdrawalPending","inputs":[
 {"name":"tokenId","type":"uint32","indexed":false},
 {"name":"recipient","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false},
 {"name":"txHash","type":"bytes32","indexed":false}]},
{"type":"function","name":"commitBlock","inputs":[
 {"name":"blockNumber","type":"uint64"},
 {"name":"newRoot","type":"bytes32"},
 {"name":"pubdata","type":"bytes"},
 {"name":"timestamp","type":"uint64"},
 {"name":"priorityCursor","type":"uint64"}]},
{"type":"function","name":"proveBlocks","inputs":[
 {"name":"blockFrom","type":"uint64"},
 {"name":"blockTo","type":"uint64"},
 {"name":"proof","type":"bytes"}]},
{"type":"function","name":"executeBlocks","inputs":[
 {"name":"blockFrom","type":"uint64"},
 {"name":"blockTo","type":"uint64"},
 {"name":"maxWithdrawals","type":"uint32"}]},
{"type":"function","name":"totalBlocksCommitted","outputs":[
 {"name":"","type":"uint64"}],"inputs":[]}]`

var (
	logNewPriorityRequest = crypto.Keccak256Hash([]byte(
		"NewPriorityRequest(uint64,uint8,bytes,uint64)"))
	logNewToken = crypto.Keccak256Hash([]byte(
		"NewToken(address,uint32)"))
	logTokenFactoryRegistered = crypto.Keccak256Hash([]byte(
		"TokenFactoryRegistered(address,address,bytes)"))
	logBlocksCommitted = crypto.Keccak256Hash([]byte(
		"BlocksCommitted(uint64,uint64)"))
	logBlocksVerified = crypto.Keccak256Hash([]byte(
		"BlocksVerified(uint64,uint64)"))
	logBlocksExecuted = crypto.Keccak256Hash([]byte(
		"BlocksExecuted(uint64,uint64)"))
	logWithdrawalPending = crypto.Keccak256Hash([]byte(
		"WithdrawalPending(uint32,address,uint256,bytes32)"))
)

// RollupEventNewToken is a token activation observed on L1
type RollupEventNewToken struct {
	TokenAddress ethCommon.Address
	TokenID      common.TokenID
	EthBlock     uint64
}

// RollupEventTokenFactory is an NFT factory registration observed on L1
type RollupEventTokenFactory struct {
	Factory  ethCommon.Address
	Creator  ethCommon.Address
	EthBlock uint64
}

// RollupEventBlockRange is a committed/verified/executed block range
// observed on L1, used for reconciliation
type RollupEventBlockRange struct {
	BlockFrom uint64
	BlockTo   uint64
}

// RollupEvents are the events of one scanned window of the rollup contract
type RollupEvents struct {
	PriorityOps        []*common.PriorityOp
	NewTokens          []RollupEventNewToken
	TokenFactories     []RollupEventTokenFactory
	BlocksCommitted    []RollupEventBlockRange
	BlocksVerified     []RollupEventBlockRange
	BlocksExecuted     []RollupEventBlockRange
	PendingWithdrawals []*common.PendingWithdrawal
}

/// RollupClient binds the rollup smart contract: event scanning for the
// watcher and calldata building for the pipeline
type RollupClient struct {
	client      *EthereumClient
	address     ethCommon.Address
	contractAbi abi.ABI
}

// NewRollupClient creates a RollupClient for the contract at the given
// address
func NewRollupClient(client *EthereumClient, address ethCommon.Address) (*RollupClient, error) {
	contractAbi, err := abi.JSON(strings.NewReader(rollupABIJSON))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &RollupClient{
		client:      client,
		address:     address,
		contractAbi: contractAbi,
	}, nil
}

// Address returns the rollup contract address
func (c *RollupClient) Address() ethCommon.Address {
	return c.address
}

// RollupEventsByWindow returns the rollup contract events of the block
// window [from, to], both inclusive.  Unknown topics are ignored; a
// malformed payload on a known topic is an error.
func (c *RollupClient) RollupEventsByWindow(ctx context.Context, from,
	to uint64) (*RollupEvents, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []ethCommon.Address{c.address},
	}
	logs, err := c.client.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var events RollupEvents
	for i := range logs {
		if err := c.parseLog(&events, &logs[i]); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	return &events, nil
}

func (c *RollupClient) parseLog(events *RollupEvents, vLog *types.Log) error {
	if len(vLog.Topics) == 0 {
		// anonymous log, not one of ours
		return nil
	}
	switch vLog.Topics[0] {
	case logNewPriorityRequest:
		var aux struct {
			SerialId        uint64
			Kind            uint8
			Payload         []byte
			ExpirationBlock uint64
		}
		if err := c.contractAbi.UnpackIntoInterface(&aux, "NewPriorityRequest",
			vLog.Data); err != nil {
			return tracerr.Wrap(err)
		}
		op, err := common.PriorityOpFromPayload(aux.SerialId,
			common.PriorityOpKind(aux.Kind), aux.Payload)
		if err != nil {
			return tracerr.Wrap(err)
		}
		op.EthBlock = vLog.BlockNumber
		op.EthHash = vLog.TxHash
		op.ExpirationBlock = aux.ExpirationBlock
		events.PriorityOps = append(events.PriorityOps, op)
	case logNewToken:
		if len(vLog.Topics) < 2 {
			return tracerr.Wrap(fmt.Errorf("NewToken log with %d topics", len(vLog.Topics)))
		}
		var aux struct {
			TokenId uint32
		}
		if err := c.contractAbi.UnpackIntoInterface(&aux, "NewToken",
			vLog.Data); err != nil {
			return tracerr.Wrap(err)
		}
		events.NewTokens = append(events.NewTokens, RollupEventNewToken{
			TokenAddress: ethCommon.BytesToAddress(vLog.Topics[1].Bytes()),
			TokenID:      common.TokenID(aux.TokenId),
			EthBlock:     vLog.BlockNumber,
		})
	case logTokenFactoryRegistered:
		if len(vLog.Topics) < 3 {
			return tracerr.Wrap(fmt.Errorf("TokenFactoryRegistered log with %d topics",
				len(vLog.Topics)))
		}
		events.TokenFactories = append(events.TokenFactories, RollupEventTokenFactory{
			Factory:  ethCommon.BytesToAddress(vLog.Topics[1].Bytes()),
			Creator:  ethCommon.BytesToAddress(vLog.Topics[2].Bytes()),
			EthBlock: vLog.BlockNumber,
		})
	case logBlocksCommitted, logBlocksVerified, logBlocksExecuted:
		var aux struct {
			BlockFrom uint64
			BlockTo   uint64
		}
		name := "BlocksCommitted"
		if vLog.Topics[0] == logBlocksVerified {
			name = "BlocksVerified"
		} else if vLog.Topics[0] == logBlocksExecuted {
			name = "BlocksExecuted"
		}
		if err := c.contractAbi.UnpackIntoInterface(&aux, name, vLog.Data); err != nil {
			return tracerr.Wrap(err)
		}
		rng := RollupEventBlockRange{BlockFrom: aux.BlockFrom, BlockTo: aux.BlockTo}
		switch vLog.Topics[0] {
		case logBlocksCommitted:
			events.BlocksCommitted = append(events.BlocksCommitted, rng)
		case logBlocksVerified:
			events.BlocksVerified = append(events.BlocksVerified, rng)
		case logBlocksExecuted:
			events.BlocksExecuted = append(events.BlocksExecuted, rng)
		}
	case logWithdrawalPending:
		if len(vLog.Topics) < 2 {
			return tracerr.Wrap(fmt.Errorf("WithdrawalPending log with %d topics",
				len(vLog.Topics)))
		}
		var aux struct {
			TokenId uint32
			Amount  *big.Int
			TxHash  [32]byte
		}
		if err := c.contractAbi.UnpackIntoInterface(&aux, "WithdrawalPending",
			vLog.Data); err != nil {
			return tracerr.Wrap(err)
		}
		events.PendingWithdrawals = append(events.PendingWithdrawals,
			&common.PendingWithdrawal{
				TokenID:   common.TokenID(aux.TokenId),
				Recipient: ethCommon.BytesToAddress(vLog.Topics[1].Bytes()),
				Amount:    aux.Amount,
				EthTxHash: ethCommon.BytesToHash(aux.TxHash[:]),
				EthBlock:  vLog.BlockNumber,
			})
	default:
		// not one of ours
	}
	return nil
}

// CommitCalldata encodes the commitBlock call for a sealed block
func (c *RollupClient) CommitCalldata(block *common.Block) ([]byte, error) {
	var root [32]byte
	block.NewRoot.FillBytes(root[:])
	pubdata, err := block.Pubdata()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	data, err := c.contractAbi.Pack("commitBlock", block.Num, root, pubdata,
		block.Timestamp, block.CursorAfter)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return data, nil
}

// ProveCalldata encodes the proveBlocks call for a proved block range
func (c *RollupClient) ProveCalldata(blockFrom, blockTo uint64, proof []byte) ([]byte, error) {
	data, err := c.contractAbi.Pack("proveBlocks", blockFrom, blockTo, proof)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return data, nil
}

// ExecuteCalldata encodes the executeBlocks call finalizing withdrawals
func (c *RollupClient) ExecuteCalldata(blockFrom, blockTo uint64,
	maxWithdrawals uint32) ([]byte, error) {
	data, err := c.contractAbi.Pack("executeBlocks", blockFrom, blockTo,
		maxWithdrawals)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return data, nil
}

// TotalBlocksCommitted reads the contract's committed block counter, used
// by the pipeline's reconciliation mode
func (c *RollupClient) TotalBlocksCommitted(ctx context.Context) (uint64, error) {
	data, err := c.contractAbi.Pack("totalBlocksCommitted")
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	res, err := c.client.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}, nil)
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	out, err := c.contractAbi.Unpack("totalBlocksCommitted", res)
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	total, ok := out[0].(uint64)
	if !ok {
		return 0, tracerr.Wrap(fmt.Errorf("unexpected totalBlocksCommitted return type"))
	}
	return total, nil
}
