// Package mempool is the admission layer for user transactions.  It runs the
// cheap state independent checks at submit time, keeps a FIFO queue per
// sender, and hands ordered items to the block proposer.  State dependent
// checks are re-run at apply time, so an accepted transaction can still fail
// inside a block.
package mempool

import (
	"math/big"
	"sync"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/log"
	"github.com/crescentzk/crescent-node/metric"
)

// TxAddError is a typed admission rejection reason
type TxAddError string

// Admission rejection reasons
const (
	ErrNonceTooLow               TxAddError = "nonce lower than the committed account nonce"
	ErrBadSignature              TxAddError = "invalid signature"
	ErrFeeTooLow                 TxAddError = "fee below the accepted minimum"
	ErrUnknownToken              TxAddError = "unknown token"
	ErrInvalidTimeRange          TxAddError = "valid time range already over"
	ErrBatchTooBig               TxAddError = "batch exceeds the maximum size"
	ErrTooManyWithdrawalsInBatch TxAddError = "too many withdrawals in batch"
	ErrQueueFull                 TxAddError = "mempool queue is full"
	ErrUnsupportedType           TxAddError = "unsupported transaction type"
	ErrMixedBatchID              TxAddError = "batch transactions carry different batch ids"
	ErrClosed                    TxAddError = "mempool no longer accepts transactions"
)

func (e TxAddError) Error() string {
	return string(e)
}

// StateReader is the committed state view admission checks run against
type StateReader interface {
	GetAccountByAddr(addr ethCommon.Address) (common.AccountID, *common.Account, error)
}

// TokenReader reports which tokens the L1 contract has activated
type TokenReader interface {
	TokenExists(common.TokenID) bool
}

// Config are the admission limits
type Config struct {
	// MaxQueueSize bounds the number of queued items across all senders
	MaxQueueSize int
	// MaxTxAge purges transactions which stayed queued longer than this
	MaxTxAge time.Duration
	// MaxBatchSize bounds the transactions of one atomic batch
	MaxBatchSize int
	// MaxBatchWithdrawals bounds the withdrawals inside one batch
	MaxBatchWithdrawals int
	// MinFee is the minimum fee per transaction; a batch must carry at
	// least MinFee times its length in total
	MinFee *big.Int
}

// Item is one proposable unit: a single transaction or a whole atomic batch
type Item struct {
	Txs        []*common.Tx
	BatchID    uint64
	ReceivedAt time.Time
}

// Chunks returns the pubdata chunks the item occupies if every transaction
// succeeds.  Admission rejects unknown types, so the lookup cannot fail for
// queued items.
func (it *Item) Chunks() int {
	chunks := 0
	for _, tx := range it.Txs {
		c, err := common.TxTypeChunks(tx.Type)
		if err != nil {
			continue
		}
		chunks += c
	}
	return chunks
}

// Mempool holds the accepted transactions, one FIFO lane per sender
type Mempool struct {
	cfg    Config
	state  StateReader
	tokens TokenReader

	mu      sync.Mutex
	lanes   map[ethCommon.Address][]*Item
	senders []ethCommon.Address
	size    int
	closed  bool
}

// NewMempool creates an empty Mempool validating against the given
// committed state view and token registry
func NewMempool(cfg Config, state StateReader, tokens TokenReader) *Mempool {
	return &Mempool{
		cfg:    cfg,
		state:  state,
		tokens: tokens,
		lanes:  make(map[ethCommon.Address][]*Item),
	}
}

// Len returns the number of queued items
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Close stops accepting new transactions.  Queued items remain proposable
// so a final block can drain them.
func (m *Mempool) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Add validates and queues a single transaction.  The returned error is a
// TxAddError when the transaction was rejected.
func (m *Mempool) Add(tx *common.Tx) error {
	if err := m.validate(tx, time.Now()); err != nil {
		metric.RejectedTxs.Inc()
		return tracerr.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tracerr.Wrap(ErrClosed)
	}
	if m.size >= m.cfg.MaxQueueSize {
		return tracerr.Wrap(ErrQueueFull)
	}
	m.push(tx.FromAddr, &Item{
		Txs:        []*common.Tx{tx},
		ReceivedAt: time.Now(),
	})
	return nil
}

// AddBatch validates and queues an atomic batch.  The whole batch is
// rejected when any transaction fails admission.
func (m *Mempool) AddBatch(txs []*common.Tx) error {
	if len(txs) == 0 || len(txs) > m.cfg.MaxBatchSize {
		return tracerr.Wrap(ErrBatchTooBig)
	}
	batchID := txs[0].BatchID
	now := time.Now()
	withdrawals := 0
	totalFee := big.NewInt(0)
	for _, tx := range txs {
		if tx.BatchID != batchID || batchID == 0 {
			return tracerr.Wrap(ErrMixedBatchID)
		}
		if err := m.validateStateless(tx, now); err != nil {
			return tracerr.Wrap(err)
		}
		if tx.IsWithdrawal() {
			withdrawals++
		}
		if tx.Fee != nil {
			totalFee.Add(totalFee, tx.Fee)
		}
	}
	if withdrawals > m.cfg.MaxBatchWithdrawals {
		return tracerr.Wrap(ErrTooManyWithdrawalsInBatch)
	}
	// the batch fee is fungible across its transactions
	if m.cfg.MinFee != nil {
		minTotal := new(big.Int).Mul(m.cfg.MinFee, big.NewInt(int64(len(txs))))
		if totalFee.Cmp(minTotal) < 0 {
			return tracerr.Wrap(ErrFeeTooLow)
		}
	}
	for _, tx := range txs {
		if err := m.validateNonce(tx); err != nil {
			return tracerr.Wrap(err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tracerr.Wrap(ErrClosed)
	}
	if m.size >= m.cfg.MaxQueueSize {
		return tracerr.Wrap(ErrQueueFull)
	}
	m.push(txs[0].FromAddr, &Item{
		Txs:        txs,
		BatchID:    batchID,
		ReceivedAt: now,
	})
	return nil
}

func (m *Mempool) validate(tx *common.Tx, now time.Time) error {
	if err := m.validateStateless(tx, now); err != nil {
		return err
	}
	if m.cfg.MinFee != nil && tx.Fee != nil && tx.Fee.Cmp(m.cfg.MinFee) < 0 {
		return ErrFeeTooLow
	}
	return m.validateNonce(tx)
}

func (m *Mempool) validateStateless(tx *common.Tx, now time.Time) error {
	if _, err := common.TxTypeChunks(tx.Type); err != nil {
		return ErrUnsupportedType
	}
	if err := tx.VerifySignature(); err != nil {
		return ErrBadSignature
	}
	if m.tokens != nil && !m.tokens.TokenExists(tx.FeeToken()) {
		return ErrUnknownToken
	}
	if tx.ValidUntil != 0 && tx.ValidUntil < uint64(now.Unix()) {
		return ErrInvalidTimeRange
	}
	return nil
}

// validateNonce rejects nonces below the committed account nonce; higher
// nonces are allowed since earlier queued transactions may still bump it
func (m *Mempool) validateNonce(tx *common.Tx) error {
	_, account, err := m.state.GetAccountByAddr(tx.FromAddr)
	if err != nil {
		// an unknown sender has committed nonce zero
		return nil
	}
	if tx.Nonce < account.Nonce {
		return ErrNonceTooLow
	}
	return nil
}

// push appends to the sender's lane, registering the sender when new.
// Callers hold m.mu.
func (m *Mempool) push(sender ethCommon.Address, item *Item) {
	if _, ok := m.lanes[sender]; !ok {
		m.senders = append(m.senders, sender)
	}
	m.lanes[sender] = append(m.lanes[sender], item)
	m.size++
	metric.MempoolSize.Set(float64(m.size))
}

// Propose pops items for the next miniblock, round-robin across senders and
// FIFO within each, up to maxChunks of pubdata.  A batch is taken whole or
// left queued.  A sender whose head item does not fit is skipped entirely so
// its submission order is preserved.
func (m *Mempool) Propose(maxChunks int) []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item
	left := maxChunks
	progress := true
	skipped := make(map[ethCommon.Address]bool)
	for progress && left > 0 {
		progress = false
		for _, sender := range m.senders {
			lane := m.lanes[sender]
			if len(lane) == 0 || skipped[sender] {
				continue
			}
			head := lane[0]
			if head.Chunks() > left {
				skipped[sender] = true
				continue
			}
			m.lanes[sender] = lane[1:]
			m.size--
			left -= head.Chunks()
			out = append(out, head)
			progress = true
		}
	}
	m.compactSenders()
	metric.MempoolSize.Set(float64(m.size))
	return out
}

// Revert returns unexecuted items to the head of their sender lanes,
// preserving their relative order.  Called when a proposed block is rejected
// downstream.
func (m *Mempool) Revert(items []*Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		sender := item.Txs[0].FromAddr
		if _, ok := m.lanes[sender]; !ok {
			m.senders = append(m.senders, sender)
		}
		m.lanes[sender] = append([]*Item{item}, m.lanes[sender]...)
		m.size++
	}
	metric.MempoolSize.Set(float64(m.size))
}

// PurgeExpired drops items older than MaxTxAge and returns how many were
// removed
func (m *Mempool) PurgeExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxTxAge == 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.MaxTxAge)
	purged := 0
	for sender, lane := range m.lanes {
		kept := lane[:0]
		for _, item := range lane {
			if item.ReceivedAt.Before(cutoff) {
				purged++
				m.size--
				continue
			}
			kept = append(kept, item)
		}
		m.lanes[sender] = kept
	}
	if purged > 0 {
		log.Infow("purged expired mempool items", "count", purged)
	}
	m.compactSenders()
	metric.MempoolSize.Set(float64(m.size))
	return purged
}

// compactSenders drops senders with empty lanes.  Callers hold m.mu.
func (m *Mempool) compactSenders() {
	kept := m.senders[:0]
	for _, sender := range m.senders {
		if len(m.lanes[sender]) > 0 {
			kept = append(kept, sender)
		} else {
			delete(m.lanes, sender)
		}
	}
	m.senders = kept
}
