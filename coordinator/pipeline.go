// Package coordinator stages sealed blocks through their three L1
// transitions: Commit posts the block data, Prove submits the zk proof,
// Execute finalizes withdrawals.  The Pipeline decides what to send next;
// the TxManager owns the operator nonce and the lifecycle of every L1
// transaction attempt.
package coordinator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/hermeznetwork/tracerr"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/journal"
	"github.com/crescentzk/crescent-node/log"
	"github.com/crescentzk/crescent-node/metric"
	"github.com/crescentzk/crescent-node/prover"
)

// RollupCaller encodes rollup contract calls and reads its counters
type RollupCaller interface {
	CommitCalldata(block *common.Block) ([]byte, error)
	ProveCalldata(blockFrom, blockTo uint64, proof []byte) ([]byte, error)
	ExecuteCalldata(blockFrom, blockTo uint64, maxWithdrawals uint32) ([]byte, error)
	TotalBlocksCommitted(ctx context.Context) (uint64, error)
}

// L1ProgressSource reports the contract's confirmed block counters, fed
// from the watcher's event stream
type L1ProgressSource interface {
	L1Progress() (committed, verified, executed uint64)
}

// WithdrawalSource hands out observed pending withdrawals for Execute to
// complete
type WithdrawalSource interface {
	TakeWithdrawals(max int) []*common.PendingWithdrawal
}

// PipelineConfig configures the Pipeline
type PipelineConfig struct {
	// MaxWithdrawalsPerExecute bounds the withdrawal completions of one
	// executeBlocks call
	MaxWithdrawalsPerExecute int
	// SyncInterval is the pipeline tick period
	SyncInterval time.Duration
	// ProofTimeout reassigns a proof job that did not finish in time
	ProofTimeout time.Duration
}

func (c *PipelineConfig) setDefaults() {
	if c.MaxWithdrawalsPerExecute == 0 {
		c.MaxWithdrawalsPerExecute = 32
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 2 * time.Second
	}
	if c.ProofTimeout == 0 {
		c.ProofTimeout = 30 * time.Minute
	}
}

// proofJob tracks one outstanding proof computation
type proofJob struct {
	blockFrom   uint64
	blockTo     uint64
	submittedAt time.Time
}

// Pipeline walks every sealed block through Commit, Prove and Execute in
// strict block order.  It reads sealed blocks from the journal, so the
// statekeeper and the pipeline share no state beyond it.
type Pipeline struct {
	cfg      PipelineConfig
	rollup   RollupCaller
	jrnl     journal.Journal
	mgr      *TxManager
	prover   prover.Client
	progress L1ProgressSource
	wds      WithdrawalSource

	lastCommitted uint64
	lastProved    uint64
	lastExecuted  uint64
	// inFlight marks transitions handed to the TxManager and not yet
	// confirmed, one per kind to keep block order strict
	inFlight map[common.L1OpKind]bool
	proof    *proofJob
}

// NewPipeline creates a Pipeline
func NewPipeline(cfg PipelineConfig, rollup RollupCaller, jrnl journal.Journal,
	mgr *TxManager, proverClient prover.Client, progress L1ProgressSource,
	wds WithdrawalSource) *Pipeline {
	cfg.setDefaults()
	return &Pipeline{
		cfg:      cfg,
		rollup:   rollup,
		jrnl:     jrnl,
		mgr:      mgr,
		prover:   proverClient,
		progress: progress,
		wds:      wds,
		inFlight: make(map[common.L1OpKind]bool),
	}
}

// Start aligns the pipeline with the contract state.  The contract is
// authoritative: a counter ahead of ours means a previous run committed
// blocks we did not see confirmed, so we resume after them.
func (p *Pipeline) Start(ctx context.Context) error {
	committed, err := p.rollup.TotalBlocksCommitted(ctx)
	if err != nil {
		return tracerr.Wrap(err)
	}
	p.lastCommitted = committed
	_, verified, executed := p.progress.L1Progress()
	p.lastProved = verified
	p.lastExecuted = executed

	ops, err := p.jrnl.LoadUnconfirmedL1Ops()
	if err != nil {
		return tracerr.Wrap(err)
	}
	for _, op := range ops {
		p.inFlight[op.Kind] = true
	}
	log.Infow("Pipeline started", "committed", p.lastCommitted,
		"proved", p.lastProved, "executed", p.lastExecuted,
		"inFlight", len(ops))
	return nil
}

// LastCommitted returns the highest block committed on L1
func (p *Pipeline) LastCommitted() uint64 { return p.lastCommitted }

// LastExecuted returns the highest block executed on L1
func (p *Pipeline) LastExecuted() uint64 { return p.lastExecuted }

// FatalErr returns the halting error of the tx manager, nil while healthy
func (p *Pipeline) FatalErr() error { return p.mgr.FatalErr() }

// onConfirmed advances the stage counters when the TxManager confirms an op
func (p *Pipeline) onConfirmed(op *common.L1Op) {
	p.inFlight[op.Kind] = false
	switch op.Kind {
	case common.L1OpCommit:
		if op.BlockTo > p.lastCommitted {
			p.lastCommitted = op.BlockTo
		}
	case common.L1OpProve:
		if op.BlockTo > p.lastProved {
			p.lastProved = op.BlockTo
		}
	case common.L1OpExecute:
		if op.BlockTo > p.lastExecuted {
			p.lastExecuted = op.BlockTo
		}
	}
}

// reconcile folds the watcher's confirmed event counters in.  Counters only
// move forward; an op confirmed by events before our receipt poll saw it is
// not resent.
func (p *Pipeline) reconcile() {
	committed, verified, executed := p.progress.L1Progress()
	if committed > p.lastCommitted {
		log.Infow("Pipeline reconciled committed counter", "ours", p.lastCommitted,
			"events", committed)
		p.lastCommitted = committed
		p.inFlight[common.L1OpCommit] = false
	}
	if verified > p.lastProved {
		p.lastProved = verified
		p.inFlight[common.L1OpProve] = false
	}
	if executed > p.lastExecuted {
		p.lastExecuted = executed
		p.inFlight[common.L1OpExecute] = false
	}
}

func blockHasWithdrawals(block *common.Block) bool {
	for i := range block.Ops {
		op := &block.Ops[i]
		if !op.Success {
			continue
		}
		if op.Tx != nil && op.Tx.IsWithdrawal() {
			return true
		}
		if op.PriorityOp != nil && op.PriorityOp.Kind == common.PriorityOpFullExit {
			return true
		}
	}
	return false
}

// stepCommit sends the next sealed block's commit when none is in flight
func (p *Pipeline) stepCommit() error {
	if p.inFlight[common.L1OpCommit] {
		return nil
	}
	lastSealed, err := p.jrnl.LastBlock()
	if err != nil {
		return tracerr.Wrap(err)
	}
	next := p.lastCommitted + 1
	if lastSealed < next {
		return nil
	}
	block, _, err := p.jrnl.LoadBlock(next)
	if err != nil {
		return tracerr.Wrap(err)
	}
	calldata, err := p.rollup.CommitCalldata(block)
	if err != nil {
		return tracerr.Wrap(err)
	}
	op := &common.L1Op{
		Kind:      common.L1OpCommit,
		BlockFrom: next,
		BlockTo:   next,
		Calldata:  calldata,
		CreatedAt: time.Now(),
	}
	p.inFlight[common.L1OpCommit] = true
	p.mgr.Enqueue(op, blockHasWithdrawals(block))
	return nil
}

// stepProve drives the external prover: submit the next committed block,
// poll for the proof and enqueue the proveBlocks call when it arrives.  A
// job that exceeds the proof timeout is canceled and resubmitted.
func (p *Pipeline) stepProve(ctx context.Context) error {
	if p.inFlight[common.L1OpProve] {
		return nil
	}
	if p.proof == nil {
		if p.lastCommitted <= p.lastProved {
			return nil
		}
		next := p.lastProved + 1
		block, _, err := p.jrnl.LoadBlock(next)
		if err != nil {
			return tracerr.Wrap(err)
		}
		input, err := prover.NewInput(block)
		if err != nil {
			return tracerr.Wrap(err)
		}
		if err := p.prover.CalculateProof(ctx, input); err != nil {
			return tracerr.Wrap(err)
		}
		p.proof = &proofJob{blockFrom: next, blockTo: next, submittedAt: time.Now()}
		log.Infow("Pipeline proof job submitted", "block", next)
		return nil
	}

	proof, err := p.prover.GetProof(ctx)
	if err != nil {
		if errors.Is(tracerr.Unwrap(err), prover.ErrProofNotReady) {
			if time.Since(p.proof.submittedAt) > p.cfg.ProofTimeout {
				log.Warnw("Pipeline proof job timed out, reassigning",
					"block", p.proof.blockFrom)
				if err := p.prover.Cancel(ctx); err != nil {
					return tracerr.Wrap(err)
				}
				p.proof = nil
			}
			return nil
		}
		// the job is unrecoverable on this server; resubmit from scratch
		log.Warnw("Pipeline proof job failed, reassigning",
			"block", p.proof.blockFrom, "err", err)
		p.proof = nil
		return nil
	}
	metric.MeasureDuration(metric.WaitServerProof, p.proof.submittedAt,
		strconv.FormatUint(p.proof.blockFrom, 10))
	raw, err := proof.Bytes()
	if err != nil {
		return tracerr.Wrap(err)
	}
	calldata, err := p.rollup.ProveCalldata(p.proof.blockFrom, p.proof.blockTo, raw)
	if err != nil {
		return tracerr.Wrap(err)
	}
	op := &common.L1Op{
		Kind:      common.L1OpProve,
		BlockFrom: p.proof.blockFrom,
		BlockTo:   p.proof.blockTo,
		Calldata:  calldata,
		CreatedAt: time.Now(),
	}
	p.inFlight[common.L1OpProve] = true
	p.mgr.Enqueue(op, false)
	p.proof = nil
	return nil
}

// stepExecute batches every proved block past the last executed one into a
// single executeBlocks call with a bounded withdrawal completion
func (p *Pipeline) stepExecute() error {
	if p.inFlight[common.L1OpExecute] {
		return nil
	}
	if p.lastProved <= p.lastExecuted {
		return nil
	}
	from := p.lastExecuted + 1
	to := p.lastProved
	taken := p.wds.TakeWithdrawals(p.cfg.MaxWithdrawalsPerExecute)
	calldata, err := p.rollup.ExecuteCalldata(from, to, uint32(len(taken)))
	if err != nil {
		return tracerr.Wrap(err)
	}
	op := &common.L1Op{
		Kind:      common.L1OpExecute,
		BlockFrom: from,
		BlockTo:   to,
		Calldata:  calldata,
		CreatedAt: time.Now(),
	}
	p.inFlight[common.L1OpExecute] = true
	p.mgr.Enqueue(op, false)
	return nil
}

// tick runs one scheduling round
func (p *Pipeline) tick(ctx context.Context) {
	for {
		select {
		case op := <-p.mgr.Confirmed():
			p.onConfirmed(op)
			continue
		default:
		}
		break
	}
	p.reconcile()
	if err := p.stepCommit(); err != nil {
		log.Warnw("Pipeline commit step", "err", err)
	}
	if err := p.stepProve(ctx); err != nil {
		log.Warnw("Pipeline prove step", "err", err)
	}
	if err := p.stepExecute(); err != nil {
		log.Warnw("Pipeline execute step", "err", err)
	}
	metric.LastCommittedBlock.Set(float64(p.lastCommitted))
	metric.LastExecutedBlock.Set(float64(p.lastExecuted))
}

// Run drives the pipeline until ctx is done
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Pipeline done")
			return
		case <-ticker.C:
			if p.mgr.FatalErr() != nil {
				continue
			}
			p.tick(ctx)
		}
	}
}
