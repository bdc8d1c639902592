// Package ethwatcher scans the rollup contract logs on L1 and maintains the
// node's view of the priority op queues and the on-chain registries.  Ops
// are delivered to the state keeper in strict serial id order; a gap in the
// dense serial id sequence is a fatal inconsistency.
package ethwatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/eth"
	"github.com/crescentzk/crescent-node/log"
	"github.com/crescentzk/crescent-node/metric"
)

const (
	defaultPollInterval       = 5 * time.Second
	defaultScanWindow         = 5000
	defaultPendingWindow      = 64
	defaultBackoff            = 30 * time.Second
	defaultPriorityExpiration = 3*24*time.Hour + 2*time.Hour
)

// Config configures the Watcher
type Config struct {
	// Confirmations is how many blocks behind the head the confirmed scan
	// runs; 1 for dev, higher for production
	Confirmations uint64
	// StartBlock is the contract deployment block, where a fresh node
	// starts scanning
	StartBlock uint64
	// ScanWindow bounds the size of one confirmed log query
	ScanWindow uint64
	// PollInterval is the period of the scan loop
	PollInterval time.Duration
	// Backoff is how long the watcher stays silent after the RPC
	// throttles it
	Backoff time.Duration
	// PriorityExpiration is the age after which confirmed ops are swept;
	// it already includes the safety margin over the on-chain deadline
	PriorityExpiration time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.ScanWindow == 0 {
		cfg.ScanWindow = defaultScanWindow
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.PriorityExpiration == 0 {
		cfg.PriorityExpiration = defaultPriorityExpiration
	}
}

// Watcher ingests rollup contract events.  All views are safe for
// concurrent use.
type Watcher struct {
	cfg Config
	l1  eth.L1Reader

	mu          sync.RWMutex
	lastScanned uint64
	// confirmed priority ops keyed by serial id; nextSerial is the id the
	// next confirmed op must carry
	confirmed  map[uint64]*common.PriorityOp
	nextSerial uint64
	seeded     bool
	pending    []*common.PriorityOp
	// append-only registries driven by L1 events
	tokens    map[common.TokenID]ethCommon.Address
	factories map[ethCommon.Address]ethCommon.Address
	// withdrawals pending completion by an Execute transition
	withdrawals []*common.PendingWithdrawal
	// contract-side progress, for pipeline reconciliation
	l1Committed uint64
	l1Verified  uint64
	l1Executed  uint64

	backoffUntil time.Time
}

// NewWatcher creates a Watcher scanning through the given L1 reader,
// starting after cfg.StartBlock (or the restored cursor set via
// SetLastScanned).
func NewWatcher(cfg Config, l1 eth.L1Reader) *Watcher {
	cfg.setDefaults()
	return &Watcher{
		cfg:         cfg,
		l1:          l1,
		lastScanned: cfg.StartBlock,
		confirmed:   make(map[uint64]*common.PriorityOp),
		tokens:      make(map[common.TokenID]ethCommon.Address),
		factories:   make(map[ethCommon.Address]ethCommon.Address),
	}
}

// SetLastScanned restores the scan cursor, used at startup from the journal
func (w *Watcher) SetLastScanned(block uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastScanned = block
}

// SetNextSerial restores the serial id cursor, used at startup so the gap
// check does not trip over already-processed ops
func (w *Watcher) SetNextSerial(serial uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextSerial = serial
	w.seeded = true
}

// RestoreState positions the scan cursor a full expiration window behind
// the current head, so any op that can still be processed is re-ingested.
// Used at startup when no journal cursor survived.
func (w *Watcher) RestoreState(ctx context.Context, expirationBlocks uint64) error {
	head, err := w.l1.CurrentBlock(ctx)
	if err != nil {
		return tracerr.Wrap(err)
	}
	start := w.cfg.StartBlock
	if head > expirationBlocks && head-expirationBlocks > start {
		start = head - expirationBlocks
	}
	w.SetLastScanned(start)
	log.Infow("watcher state restored", "from", start, "head", head)
	return nil
}

// LastScanned returns the confirmed scan cursor
func (w *Watcher) LastScanned() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastScanned
}

// Poll runs one scan iteration: a confirmed window, a pending refresh and
// the expiration sweep.  A returned common.ErrPriorityOpGap is fatal to the
// node.
func (w *Watcher) Poll(ctx context.Context) error {
	if time.Now().Before(w.backoffUntil) {
		return nil
	}
	currentHead, err := w.l1.CurrentBlock(ctx)
	if err != nil {
		return w.rpcErr(err)
	}
	var head uint64
	if currentHead > w.cfg.Confirmations {
		head = currentHead - w.cfg.Confirmations
	}
	w.mu.RLock()
	from := w.lastScanned + 1
	w.mu.RUnlock()

	if head >= from {
		to := head
		if to > from+w.cfg.ScanWindow-1 {
			to = from + w.cfg.ScanWindow - 1
		}
		events, err := w.l1.RollupEventsByWindow(ctx, from, to)
		if err != nil {
			return w.rpcErr(err)
		}
		if err := w.ingestConfirmed(events, to); err != nil {
			return tracerr.Wrap(err)
		}
	}

	if currentHead > head {
		pendingFrom := head + 1
		if currentHead-pendingFrom > defaultPendingWindow {
			pendingFrom = currentHead - defaultPendingWindow
		}
		events, err := w.l1.RollupEventsByWindow(ctx, pendingFrom, currentHead)
		if err != nil {
			// the pending view is approximate, a failed refresh keeps
			// the previous one
			log.Debugw("pending window scan failed", "err", err)
		} else {
			w.mu.Lock()
			w.pending = events.PriorityOps
			w.mu.Unlock()
		}
	}

	w.sweepExpired(time.Now())
	w.mu.RLock()
	metric.EthLastBlockNum.Set(float64(w.lastScanned))
	metric.PriorityOpsPending.Set(float64(len(w.confirmed)))
	w.mu.RUnlock()
	return nil
}

func (w *Watcher) rpcErr(err error) error {
	if eth.IsRateLimited(err) {
		w.backoffUntil = time.Now().Add(w.cfg.Backoff)
		log.Warnw("L1 RPC throttled the watcher, backing off",
			"until", w.backoffUntil)
		return nil
	}
	return tracerr.Wrap(err)
}

// ingestConfirmed folds one confirmed window into the watcher state and
// advances the scan cursor
func (w *Watcher) ingestConfirmed(events *eth.RollupEvents, to uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for _, op := range events.PriorityOps {
		if !w.seeded {
			// first op ever seen fixes the serial baseline
			w.nextSerial = op.SerialID
			w.seeded = true
		}
		if op.SerialID < w.nextSerial {
			// already seen through the pending window or a previous run
			continue
		}
		if op.SerialID != w.nextSerial {
			log.Errorw("priority op serial id gap",
				"expected", w.nextSerial, "got", op.SerialID)
			return tracerr.Wrap(common.ErrPriorityOpGap)
		}
		op.ReceivedAt = now
		w.confirmed[op.SerialID] = op
		w.nextSerial++
	}
	for _, token := range events.NewTokens {
		if _, ok := w.tokens[token.TokenID]; !ok {
			w.tokens[token.TokenID] = token.TokenAddress
			log.Infow("new token activated", "id", token.TokenID,
				"addr", token.TokenAddress)
		}
	}
	for _, factory := range events.TokenFactories {
		if _, ok := w.factories[factory.Factory]; !ok {
			w.factories[factory.Factory] = factory.Creator
			log.Infow("NFT factory registered", "factory", factory.Factory)
		}
	}
	w.withdrawals = append(w.withdrawals, events.PendingWithdrawals...)
	for _, rng := range events.BlocksCommitted {
		if rng.BlockTo > w.l1Committed {
			w.l1Committed = rng.BlockTo
		}
	}
	for _, rng := range events.BlocksVerified {
		if rng.BlockTo > w.l1Verified {
			w.l1Verified = rng.BlockTo
		}
	}
	for _, rng := range events.BlocksExecuted {
		if rng.BlockTo > w.l1Executed {
			w.l1Executed = rng.BlockTo
		}
	}
	w.lastScanned = to
	return nil
}

// sweepExpired silently drops confirmed ops older than the expiration
// deadline
func (w *Watcher) sweepExpired(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.cfg.PriorityExpiration)
	for serial, op := range w.confirmed {
		if op.ReceivedAt.Before(cutoff) {
			delete(w.confirmed, serial)
		}
	}
}

// Run polls until the context is canceled.  The returned error is fatal.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				if tracerr.Unwrap(err) == common.ErrPriorityOpGap {
					return tracerr.Wrap(err)
				}
				log.Warnw("watcher poll failed", "err", err)
			}
		}
	}
}

// ConfirmedFrom returns confirmed ops starting at the given serial id, in
// increasing order, bounded by maxChunks of pubdata
func (w *Watcher) ConfirmedFrom(serial uint64, maxChunks int) []*common.PriorityOp {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []*common.PriorityOp
	left := maxChunks
	for {
		op, ok := w.confirmed[serial]
		if !ok {
			break
		}
		chunks, err := op.Chunks()
		if err != nil || chunks > left {
			break
		}
		out = append(out, op)
		left -= chunks
		serial++
	}
	return out
}

// PendingOps returns the approximate not-yet-confirmed queue sorted by
// serial id
func (w *Watcher) PendingOps() []*common.PriorityOp {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*common.PriorityOp, len(w.pending))
	copy(out, w.pending)
	sort.Slice(out, func(i, j int) bool { return out[i].SerialID < out[j].SerialID })
	return out
}

// TokenExists reports whether a token id was activated on L1.  The native
// token 0 always exists.
func (w *Watcher) TokenExists(id common.TokenID) bool {
	if id == 0 {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tokens[id]
	return ok
}

// FactoryExists reports whether an NFT factory address was registered on L1
func (w *Watcher) FactoryExists(factory ethCommon.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.factories[factory]
	return ok
}

// TakeWithdrawals pops up to max pending withdrawals for an Execute
// transition
func (w *Watcher) TakeWithdrawals(max int) []*common.PendingWithdrawal {
	w.mu.Lock()
	defer w.mu.Unlock()
	if max > len(w.withdrawals) {
		max = len(w.withdrawals)
	}
	out := w.withdrawals[:max]
	w.withdrawals = w.withdrawals[max:]
	return out
}

// L1Progress returns the committed/verified/executed block numbers the
// contract has announced, for reconciliation
func (w *Watcher) L1Progress() (committed, verified, executed uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.l1Committed, w.l1Verified, w.l1Executed
}
