package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hermeznetwork/tracerr"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/journal"
	"github.com/crescentzk/crescent-node/log"
	"github.com/crescentzk/crescent-node/metric"
)

const queueLen = 16

// L1Sender is the part of the eth client the TxManager drives: nonce and
// head queries, signing against the rollup contract, broadcasting and
// receipt polling
type L1Sender interface {
	EthCurrentBlock() (uint64, error)
	EthSuggestGasPrice(ctx context.Context) (*big.Int, error)
	EthPendingNonceAt(ctx context.Context) (uint64, error)
	EthTransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*types.Receipt, error)
	SignRollupTx(data []byte, nonce uint64, gasPrice *big.Int, gasLimit uint64) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TxManagerConfig configures the TxManager
type TxManagerConfig struct {
	// ConfirmBlocks is the confirmation depth before an attempt is final
	ConfirmBlocks uint64
	// MaxTxsInFlight bounds the outstanding attempts across all ops
	MaxTxsInFlight int
	// DeadlineBlocks is the expected wait before an attempt counts as
	// stuck and is replaced
	DeadlineBlocks uint64
	// GasLimit of every rollup call
	GasLimit uint64
	// CheckInterval is the receipt poll period while ops are in flight
	CheckInterval time.Duration
	// LongWaitDuration is the idle period when nothing is queued
	LongWaitDuration time.Duration
}

func (c *TxManagerConfig) setDefaults() {
	if c.ConfirmBlocks == 0 {
		c.ConfirmBlocks = 5
	}
	if c.MaxTxsInFlight == 0 {
		c.MaxTxsInFlight = 4
	}
	if c.DeadlineBlocks == 0 {
		c.DeadlineBlocks = 30
	}
	if c.GasLimit == 0 {
		c.GasLimit = 2_000_000
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.LongWaitDuration == 0 {
		c.LongWaitDuration = 30 * time.Second
	}
}

// queuedOp is an op waiting for a nonce.  Ops are drained in priority
// class order; the nonce is assigned at send time so reordering here never
// breaks the strict nonce progression.
type queuedOp struct {
	op *common.L1Op
	// withdrawals marks a Commit whose block completes withdrawals,
	// scheduled ahead of plain commits
	withdrawals bool
}

func (q *queuedOp) priority() int {
	switch q.op.Kind {
	case common.L1OpExecute:
		return 0
	case common.L1OpProve:
		return 1
	case common.L1OpCommit:
		if q.withdrawals {
			return 2
		}
		return 3
	}
	return 4
}

// TxManager owns the operator nonce.  It drains the priority queue into
// signed rollup transactions, journals every attempt before broadcasting,
// polls receipts round-robin and replaces stuck attempts with a higher gas
// price.
type TxManager struct {
	cfg    TxManagerConfig
	sender L1Sender
	jrnl   journal.Journal
	gas    *GasAdjuster

	mu       sync.Mutex
	queue    []*queuedOp
	inflight []*common.L1Op
	nonce    uint64
	seeded   bool
	fatalErr error

	wakeCh      chan struct{}
	confirmedCh chan *common.L1Op
	lastBlock   uint64
}

// NewTxManager creates a TxManager
func NewTxManager(cfg TxManagerConfig, sender L1Sender, jrnl journal.Journal,
	gas *GasAdjuster) *TxManager {
	cfg.setDefaults()
	return &TxManager{
		cfg:         cfg,
		sender:      sender,
		jrnl:        jrnl,
		gas:         gas,
		wakeCh:      make(chan struct{}, 1),
		confirmedCh: make(chan *common.L1Op, queueLen),
	}
}

// Restore loads the journaled unconfirmed ops back into the in-flight set
// and seeds the nonce counter past them.  Called once before Run.
func (t *TxManager) Restore(ctx context.Context) error {
	ops, err := t.jrnl.LoadUnconfirmedL1Ops()
	if err != nil {
		return tracerr.Wrap(err)
	}
	nonce, err := t.sender.EthPendingNonceAt(ctx)
	if err != nil {
		return tracerr.Wrap(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = ops
	for _, op := range ops {
		if op.Nonce >= nonce {
			nonce = op.Nonce + 1
		}
	}
	t.nonce = nonce
	t.seeded = true
	if len(ops) > 0 {
		log.Infow("TxManager restored in-flight ops", "count", len(ops),
			"nextNonce", nonce)
	}
	return nil
}

// Enqueue schedules an L1 op for sending.  Safe for concurrent use.
func (t *TxManager) Enqueue(op *common.L1Op, withdrawals bool) {
	t.mu.Lock()
	t.queue = append(t.queue, &queuedOp{op: op, withdrawals: withdrawals})
	t.mu.Unlock()
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// Confirmed delivers ops whose final attempt reached the confirmation
// depth
func (t *TxManager) Confirmed() <-chan *common.L1Op {
	return t.confirmedCh
}

// FatalErr returns the halting error, nil while the manager is healthy.
// A failed receipt is unrecoverable without operator intervention.
func (t *TxManager) FatalErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatalErr
}

func (t *TxManager) setFatal(err error) {
	t.mu.Lock()
	t.fatalErr = err
	t.mu.Unlock()
	log.Errorw("TxManager halted", "err", err)
}

// popBest removes the best queued op, nil when empty or at the in-flight
// bound
func (t *TxManager) popBest() *queuedOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 || len(t.inflight) >= t.cfg.MaxTxsInFlight {
		return nil
	}
	best := 0
	for i := 1; i < len(t.queue); i++ {
		if t.queue[i].priority() < t.queue[best].priority() {
			best = i
		}
	}
	q := t.queue[best]
	t.queue = append(t.queue[:best], t.queue[best+1:]...)
	return q
}

// send signs, journals and broadcasts the next attempt of an op.  The
// attempt is journaled before the broadcast so a crash in between leaves a
// resendable record instead of an orphan transaction.
func (t *TxManager) send(ctx context.Context, op *common.L1Op, gasPrice *big.Int) error {
	signed, err := t.sender.SignRollupTx(op.Calldata, op.Nonce, gasPrice, t.cfg.GasLimit)
	if err != nil {
		return tracerr.Wrap(err)
	}
	op.Attempts = append(op.Attempts, common.EthTxAttempt{
		Hash:          signed.Hash(),
		GasPrice:      gasPrice,
		DeadlineBlock: t.lastBlock + t.cfg.DeadlineBlocks,
		SentAt:        time.Now(),
	})
	if err := t.jrnl.RecordL1Op(op); err != nil {
		return tracerr.Wrap(err)
	}
	if err := t.sender.SendTransaction(ctx, signed); err != nil {
		// the attempt is journaled; a stuck-replacement resend will
		// follow after the deadline
		log.Errorw("TxManager sendTransaction", "err", err, "kind", op.Kind,
			"nonce", op.Nonce, "tx", signed.Hash().Hex())
		return nil
	}
	log.Infow("TxManager sent", "kind", op.Kind, "blockFrom", op.BlockFrom,
		"blockTo", op.BlockTo, "nonce", op.Nonce, "gasPrice", gasPrice,
		"tx", signed.Hash().Hex())
	return nil
}

// sendPending drains the queue into new attempts while the in-flight bound
// allows
func (t *TxManager) sendPending(ctx context.Context) error {
	for {
		q := t.popBest()
		if q == nil {
			return nil
		}
		suggested, err := t.sender.EthSuggestGasPrice(ctx)
		if err != nil {
			// requeue; L1 unavailability is retried on the next tick
			t.mu.Lock()
			t.queue = append(t.queue, q)
			t.mu.Unlock()
			return tracerr.Wrap(err)
		}
		t.mu.Lock()
		q.op.Nonce = t.nonce
		t.nonce++
		t.inflight = append(t.inflight, q.op)
		t.mu.Unlock()
		if err := t.send(ctx, q.op, t.gas.PriceFor(suggested)); err != nil {
			return tracerr.Wrap(err)
		}
	}
}

// checkOp polls the receipt of one in-flight op.  It returns true when the
// op reached the confirmation depth and was removed.
func (t *TxManager) checkOp(ctx context.Context, op *common.L1Op) (bool, error) {
	last := op.LastAttempt()
	if last == nil {
		return false, nil
	}
	// the mined transaction may be any of the same-nonce replacements, so
	// every attempt is polled, newest first
	var receipt *types.Receipt
	var mined *common.EthTxAttempt
	for i := len(op.Attempts) - 1; i >= 0; i-- {
		r, err := t.sender.EthTransactionReceipt(ctx, op.Attempts[i].Hash)
		if err == nil && r != nil {
			receipt = r
			mined = &op.Attempts[i]
			break
		}
	}
	if receipt == nil {
		// not mined yet; replace when past the deadline
		if t.lastBlock > last.DeadlineBlock {
			suggested, err := t.sender.EthSuggestGasPrice(ctx)
			if err != nil {
				return false, tracerr.Wrap(err)
			}
			price := replacementPrice(last.GasPrice, suggested)
			log.Warnw("TxManager replacing stuck attempt", "kind", op.Kind,
				"nonce", op.Nonce, "oldGasPrice", last.GasPrice,
				"newGasPrice", price)
			if err := t.send(ctx, op, price); err != nil {
				return false, tracerr.Wrap(err)
			}
			metric.ReplacedTxs.Inc()
		}
		return false, nil
	}
	if receipt.Status == types.ReceiptStatusFailed {
		t.setFatal(tracerr.Wrap(fmt.Errorf(
			"receipt status failed: %s blocks [%d..%d] tx %s",
			op.Kind, op.BlockFrom, op.BlockTo, mined.Hash.Hex())))
		return false, nil
	}
	minedBlock := receipt.BlockNumber.Uint64()
	if t.lastBlock < minedBlock+t.cfg.ConfirmBlocks {
		return false, nil
	}
	mined.Final = true
	if err := t.jrnl.RecordL1Op(op); err != nil {
		return false, tracerr.Wrap(err)
	}
	log.Infow("TxManager confirmed", "kind", op.Kind, "blockFrom", op.BlockFrom,
		"blockTo", op.BlockTo, "nonce", op.Nonce, "tx", mined.Hash.Hex())
	return true, nil
}

func (t *TxManager) removeInflight(op *common.L1Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.inflight {
		if t.inflight[i] == op {
			t.inflight = append(t.inflight[:i], t.inflight[i+1:]...)
			return
		}
	}
}

func (t *TxManager) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue) == 0 && len(t.inflight) == 0
}

// Run drives the TxManager until ctx is done
func (t *TxManager) Run(ctx context.Context) {
	next := 0
	waitDuration := t.cfg.LongWaitDuration

	for {
		select {
		case <-ctx.Done():
			log.Info("TxManager done")
			return
		case <-t.wakeCh:
			waitDuration = t.cfg.CheckInterval
		case <-time.After(waitDuration):
		}
		if t.FatalErr() != nil {
			continue
		}
		if head, err := t.sender.EthCurrentBlock(); err != nil {
			log.Warnw("TxManager currentBlock", "err", err)
			continue
		} else {
			t.lastBlock = head
		}
		if err := t.sendPending(ctx); ctx.Err() != nil {
			continue
		} else if err != nil {
			log.Warnw("TxManager sendPending", "err", err)
		}

		t.mu.Lock()
		n := len(t.inflight)
		var op *common.L1Op
		if n > 0 {
			next = next % n
			op = t.inflight[next]
		}
		t.mu.Unlock()
		metric.PendingL1Ops.Set(float64(n))
		if op == nil {
			waitDuration = t.cfg.LongWaitDuration
			continue
		}
		confirmed, err := t.checkOp(ctx, op)
		if ctx.Err() != nil {
			continue
		} else if err != nil {
			log.Warnw("TxManager checkOp", "err", err, "kind", op.Kind,
				"nonce", op.Nonce)
		}
		if confirmed {
			t.removeInflight(op)
			select {
			case t.confirmedCh <- op:
			default:
				log.Warnw("TxManager confirmed channel full", "kind", op.Kind)
			}
		} else {
			next++
		}
		if t.idle() {
			waitDuration = t.cfg.LongWaitDuration
			next = 0
		}
	}
}
