// Package statekeeper is the authoritative state machine of the node.  It
// consumes priority ops and mempool items in miniblock ticks, accumulates a
// pending block, and seals it into a Block handed to the journal and the
// commit pipeline.
package statekeeper

import (
	"encoding/json"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/mitchellh/copystructure"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/journal"
	"github.com/crescentzk/crescent-node/log"
	"github.com/crescentzk/crescent-node/mempool"
	"github.com/crescentzk/crescent-node/metric"
	"github.com/crescentzk/crescent-node/txprocessor"
)

// Gas cost estimates per applied op, used to keep a sealed block inside the
// L1 commit and execute gas limits
const (
	commitBaseGas  = 300_000
	executeBaseGas = 200_000
	commitOpGas    = 11_000
	executeOpGas   = 6_000
	withdrawOpGas  = 45_000
)

// Config configures the StateKeeper
type Config struct {
	// FeeAccount receives the collected fees at seal time
	FeeAccount common.AccountID
	// AvailableChunkSizes are the legal sealed block sizes, strictly
	// increasing; the largest bounds the pending block
	AvailableChunkSizes []int
	// MaxIterations seals the pending block after this many miniblocks
	MaxIterations int
	// FastIterations is the sealing timeout once a fast-processing tx is
	// in the pending block
	FastIterations int
	// MaxCommitGas and MaxExecuteGas bound the estimated L1 gas of one
	// block
	MaxCommitGas  uint64
	MaxExecuteGas uint64
}

// ProposedOps is one miniblock tick of work handed to ExecuteMiniblock
type ProposedOps struct {
	PriorityOps []*common.PriorityOp
	Items       []*mempool.Item
	// Timestamp is the block timestamp a fresh pending block adopts, unix
	// seconds
	Timestamp uint64
}

// MiniblockResult is the outcome of one tick
type MiniblockResult struct {
	// Sealed is the sealed block, nil when the pending block stays open
	Sealed *common.Block
	// Updates are the account updates of the sealed block
	Updates []common.AccountUpdate
	// NotConsumed are proposed items the tick did not execute; the caller
	// returns them to the mempool
	NotConsumed []*mempool.Item
	// Executed are the ops applied in this tick, including failed txs
	Executed []common.ExecutedOp
}

// pendingBlock accumulates one block across miniblock ticks
type pendingBlock struct {
	num          uint64
	prevRoot     *big.Int
	timestamp    uint64
	iteration    int
	fast         bool
	cursorBefore uint64

	ops        []common.ExecutedOp
	updates    []common.AccountUpdate
	chunksUsed int
	commitGas  uint64
	executeGas uint64

	// replay inputs for the crash snapshot
	appliedPriority []*common.PriorityOp
	appliedGroups   [][]*common.Tx
}

// pendingSnapshot is the journaled form of the pending block: the inputs
// applied so far, sufficient for a deterministic replay after a crash
type pendingSnapshot struct {
	Num          uint64
	Timestamp    uint64
	CursorBefore uint64
	Iteration    int
	Fast         bool
	PriorityOps  []*common.PriorityOp
	TxGroups     [][]*common.Tx
}

// StateKeeper converts op streams into sealed blocks
type StateKeeper struct {
	cfg  Config
	proc *txprocessor.Processor
	jrnl journal.Journal

	lastSealed    uint64
	lastRoot      *big.Int
	lastTimestamp uint64
	// cursor is the serial id of the next unprocessed priority op
	cursor  uint64
	pending *pendingBlock
	sealNow bool
}

// NewStateKeeper creates a StateKeeper over an initialized processor.  The
// last sealed block and root are taken from the state, which must already
// be at its last checkpoint.
func NewStateKeeper(cfg Config, proc *txprocessor.Processor,
	jrnl journal.Journal, priorityCursor uint64) *StateKeeper {
	state := proc.StateDB()
	return &StateKeeper{
		cfg:        cfg,
		proc:       proc,
		jrnl:       jrnl,
		lastSealed: state.CurrentBlock(),
		lastRoot:   state.Root(),
		cursor:     priorityCursor,
	}
}

// LastSealed returns the last sealed block number
func (s *StateKeeper) LastSealed() uint64 {
	return s.lastSealed
}

// LastRoot returns the state root after the last sealed block
func (s *StateKeeper) LastRoot() *big.Int {
	return s.lastRoot
}

// PriorityCursor returns the serial id of the next unprocessed priority op
func (s *StateKeeper) PriorityCursor() uint64 {
	return s.cursor
}

// LastTimestamp returns the timestamp of the last sealed block, unix
// seconds, 0 before the first seal
func (s *StateKeeper) LastTimestamp() uint64 {
	return s.lastTimestamp
}

// GetAccount resolves an address in the current state, pending block
// included
func (s *StateKeeper) GetAccount(addr ethCommon.Address) (common.AccountID,
	*common.Account, error) {
	return s.proc.StateDB().GetAccountByAddr(addr)
}

// SealNow forces the pending block to seal on the next tick even when
// chunks remain, used for the final block on shutdown
func (s *StateKeeper) SealNow() {
	s.sealNow = true
}

// Pending reports whether an unsealed block is accumulating
func (s *StateKeeper) Pending() bool {
	return s.pending != nil
}

func (s *StateKeeper) maxBlockChunks() int {
	return s.cfg.AvailableChunkSizes[len(s.cfg.AvailableChunkSizes)-1]
}

// ChunksLeft returns the chunk budget still open in the pending block, the
// full budget when no block is pending
func (s *StateKeeper) ChunksLeft() int {
	if s.pending == nil {
		return s.maxBlockChunks()
	}
	return s.chunksLeft()
}

func (s *StateKeeper) chunksLeft() int {
	return s.maxBlockChunks() - s.pending.chunksUsed
}

// gasFits reports whether an op's estimated gas still fits the block
func (s *StateKeeper) gasFits(txType common.TxType) bool {
	commit := uint64(commitOpGas)
	execute := uint64(executeOpGas)
	if txType == common.TxTypeWithdraw || txType == common.TxTypeFullExit ||
		txType == common.TxTypeForcedExit || txType == common.TxTypeWithdrawNFT {
		execute = withdrawOpGas
	}
	return s.pending.commitGas+commit <= s.cfg.MaxCommitGas &&
		s.pending.executeGas+execute <= s.cfg.MaxExecuteGas
}

func (s *StateKeeper) chargeGas(txType common.TxType) {
	s.pending.commitGas += commitOpGas
	if txType == common.TxTypeWithdraw || txType == common.TxTypeFullExit ||
		txType == common.TxTypeForcedExit || txType == common.TxTypeWithdrawNFT {
		s.pending.executeGas += withdrawOpGas
	} else {
		s.pending.executeGas += executeOpGas
	}
}

func (s *StateKeeper) initPending(timestamp uint64) {
	// block timestamps are monotone nondecreasing even when the wall clock
	// steps backwards
	if timestamp < s.lastTimestamp {
		timestamp = s.lastTimestamp
	}
	s.pending = &pendingBlock{
		num:          s.lastSealed + 1,
		prevRoot:     new(big.Int).Set(s.lastRoot),
		timestamp:    timestamp,
		cursorBefore: s.cursor,
		commitGas:    commitBaseGas,
		executeGas:   executeBaseGas,
	}
	s.proc.ResetFees()
}

// ExecuteMiniblock runs one tick: drain proposed priority ops, then mempool
// items, then check the sealing rules.  A priority op that does not fit
// seals the current block; the op is retried by the caller in the next
// block since the cursor does not advance past it.
func (s *StateKeeper) ExecuteMiniblock(proposed ProposedOps) (*MiniblockResult, error) {
	if s.pending == nil {
		s.initPending(proposed.Timestamp)
	}
	result := &MiniblockResult{}
	sealEarly := false

	for _, op := range proposed.PriorityOps {
		if op.SerialID != s.cursor {
			// already processed or out of order; the watcher guarantees
			// density so anything below the cursor is a stale re-proposal
			if op.SerialID < s.cursor {
				continue
			}
			return nil, tracerr.Wrap(common.ErrPriorityOpGap)
		}
		chunks, err := op.Chunks()
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		txType, err := op.Kind.TxType()
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if chunks > s.chunksLeft() || !s.gasFits(txType) {
			// seal and retry this op in a fresh block
			sealEarly = true
			break
		}
		executed, updates, err := s.proc.ApplyPriorityOp(op)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		s.recordExecuted(executed, updates, chunks, txType)
		s.pending.appliedPriority = append(s.pending.appliedPriority, op)
		s.cursor++
		result.Executed = append(result.Executed, *executed)
	}

	if !sealEarly {
		for i, item := range proposed.Items {
			if item.Chunks() > s.chunksLeft() || !s.itemGasFits(item) {
				result.NotConsumed = append(result.NotConsumed, proposed.Items[i:]...)
				break
			}
			executed, err := s.applyItem(item)
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			result.Executed = append(result.Executed, executed...)
		}
	} else {
		result.NotConsumed = proposed.Items
	}

	s.pending.iteration++
	if err := s.snapshotPending(); err != nil {
		return nil, tracerr.Wrap(err)
	}

	if s.shouldSeal(sealEarly) {
		block, updates, err := s.seal()
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		result.Sealed = block
		result.Updates = updates
	}
	return result, nil
}

func (s *StateKeeper) itemGasFits(item *mempool.Item) bool {
	commit := s.pending.commitGas
	execute := s.pending.executeGas
	for _, tx := range item.Txs {
		commit += commitOpGas
		if tx.IsWithdrawal() {
			execute += withdrawOpGas
		} else {
			execute += executeOpGas
		}
	}
	return commit <= s.cfg.MaxCommitGas && execute <= s.cfg.MaxExecuteGas
}

// applyItem executes one mempool item: a single tx or an atomic batch.
// State level failures become FailedTx entries, they never error.
func (s *StateKeeper) applyItem(item *mempool.Item) ([]common.ExecutedOp, error) {
	if len(item.Txs) == 1 {
		tx := item.Txs[0]
		executed, updates, err := s.proc.ApplyTx(tx, s.pending.timestamp)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		s.recordTxExecution(*executed, updates, tx.Type)
		s.pending.appliedGroups = append(s.pending.appliedGroups,
			[]*common.Tx{tx})
		return []common.ExecutedOp{*executed}, nil
	}
	executed, updates, err := s.proc.ApplyBatch(item.Txs, s.pending.timestamp)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	for i := range executed {
		s.recordTxExecution(executed[i], nil, executed[i].Tx.Type)
	}
	s.appendUpdates(updates)
	s.pending.appliedGroups = append(s.pending.appliedGroups, item.Txs)
	return executed, nil
}

func (s *StateKeeper) recordExecuted(executed *common.ExecutedOp,
	updates []common.AccountUpdate, chunks int, txType common.TxType) {
	s.pending.ops = append(s.pending.ops, *executed)
	s.appendUpdates(updates)
	s.pending.chunksUsed += chunks
	s.chargeGas(txType)
}

func (s *StateKeeper) recordTxExecution(executed common.ExecutedOp,
	updates []common.AccountUpdate, txType common.TxType) {
	s.pending.ops = append(s.pending.ops, executed)
	s.appendUpdates(updates)
	if executed.Success {
		// a failed tx occupies zero chunks and zero gas
		s.pending.chunksUsed += executed.Chunks()
		s.chargeGas(txType)
		if executed.Tx != nil && executed.Tx.Fast {
			s.pending.fast = true
		}
	} else {
		metric.FailedTxs.Inc()
	}
}

func (s *StateKeeper) appendUpdates(updates []common.AccountUpdate) {
	for i := range updates {
		updates[i].BlockNum = s.pending.num
	}
	s.pending.updates = append(s.pending.updates, updates...)
}

func (s *StateKeeper) shouldSeal(sealEarly bool) bool {
	if sealEarly || s.sealNow {
		return true
	}
	if s.chunksLeft() == 0 {
		return true
	}
	if s.pending.iteration >= s.cfg.MaxIterations {
		return true
	}
	if s.pending.fast && s.pending.iteration >= s.cfg.FastIterations {
		return true
	}
	return false
}

// snapshotPending journals a deep copy of the replay inputs of the pending
// block
func (s *StateKeeper) snapshotPending() error {
	snapshot := pendingSnapshot{
		Num:          s.pending.num,
		Timestamp:    s.pending.timestamp,
		CursorBefore: s.pending.cursorBefore,
		Iteration:    s.pending.iteration,
		Fast:         s.pending.fast,
		PriorityOps:  s.pending.appliedPriority,
		TxGroups:     s.pending.appliedGroups,
	}
	copied, err := copystructure.Copy(snapshot)
	if err != nil {
		return tracerr.Wrap(err)
	}
	raw, err := json.Marshal(copied)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return s.jrnl.RecordPendingSnapshot(raw)
}

// seal closes the pending block: collect fees, pad with Noop, recompute and
// verify the root, compute the commitment, journal and checkpoint.  A
// journal write failure here is fatal to the node.
func (s *StateKeeper) seal() (*common.Block, []common.AccountUpdate, error) {
	feeUpdates, err := s.proc.CollectFees(s.cfg.FeeAccount)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	s.appendUpdates(feeUpdates)

	state := s.proc.StateDB()
	newRoot := state.Root()
	recomputed, err := state.RecomputeRoot()
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if recomputed.Cmp(newRoot) != 0 {
		log.Errorw("root divergence at seal", "incremental", newRoot,
			"recomputed", recomputed)
		return nil, nil, tracerr.Wrap(common.ErrRootDivergence)
	}

	blockChunks, err := common.SmallestBlockChunks(s.pending.chunksUsed,
		s.cfg.AvailableChunkSizes)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	block := &common.Block{
		Num:          s.pending.num,
		Timestamp:    s.pending.timestamp,
		PrevRoot:     s.pending.prevRoot,
		NewRoot:      newRoot,
		FeeAccount:   s.cfg.FeeAccount,
		Ops:          s.pending.ops,
		BlockChunks:  blockChunks,
		CursorBefore: s.pending.cursorBefore,
		CursorAfter:  s.cursor,
	}
	if err := block.ComputeCommitment(); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}

	if err := s.jrnl.RecordBlock(block, s.pending.updates); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	if err := state.MakeCheckpoint(); err != nil {
		return nil, nil, tracerr.Wrap(err)
	}

	updates := s.pending.updates
	s.lastSealed = block.Num
	s.lastRoot = newRoot
	s.lastTimestamp = block.Timestamp
	s.pending = nil
	s.sealNow = false
	metric.LastSealedBlock.Set(float64(block.Num))
	log.Infow("block sealed", "num", block.Num, "ops", len(block.Ops),
		"chunks", blockChunks, "root", newRoot.String())
	return block, updates, nil
}

// Restore rewinds the state to the last sealed checkpoint and re-applies
// the journaled pending snapshot, reproducing the exact pre-crash pending
// block.  Called once at startup.
func (s *StateKeeper) Restore() error {
	state := s.proc.StateDB()
	if err := state.Reset(s.lastSealed); err != nil {
		return tracerr.Wrap(err)
	}
	s.lastRoot = state.Root()
	if s.lastSealed > 0 {
		block, _, err := s.jrnl.LoadBlock(s.lastSealed)
		if err != nil {
			return tracerr.Wrap(err)
		}
		s.lastTimestamp = block.Timestamp
	}

	raw, err := s.jrnl.LoadPendingSnapshot()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if raw == nil {
		return nil
	}
	var snapshot pendingSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return tracerr.Wrap(err)
	}
	if snapshot.Num != s.lastSealed+1 {
		// stale snapshot from before the last seal
		return nil
	}
	log.Infow("replaying pending block after restart", "num", snapshot.Num,
		"priorityOps", len(snapshot.PriorityOps), "txGroups", len(snapshot.TxGroups))

	s.cursor = snapshot.CursorBefore
	s.initPending(snapshot.Timestamp)
	s.pending.iteration = snapshot.Iteration
	s.pending.fast = snapshot.Fast
	for _, op := range snapshot.PriorityOps {
		chunks, err := op.Chunks()
		if err != nil {
			return tracerr.Wrap(err)
		}
		txType, err := op.Kind.TxType()
		if err != nil {
			return tracerr.Wrap(err)
		}
		executed, updates, err := s.proc.ApplyPriorityOp(op)
		if err != nil {
			return tracerr.Wrap(err)
		}
		s.recordExecuted(executed, updates, chunks, txType)
		s.pending.appliedPriority = append(s.pending.appliedPriority, op)
		s.cursor++
	}
	for _, group := range snapshot.TxGroups {
		if _, err := s.applyItem(&mempool.Item{Txs: group}); err != nil {
			return tracerr.Wrap(err)
		}
	}
	return nil
}
