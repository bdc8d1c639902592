package ethwatcher

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/eth"
)

// mockL1 is a programmable chain: events are registered per block number
// and served through windowed queries like the real client.
type mockL1 struct {
	head   uint64
	events map[uint64]*eth.RollupEvents
	err    error
}

func newMockL1() *mockL1 {
	return &mockL1{events: make(map[uint64]*eth.RollupEvents)}
}

func (m *mockL1) CurrentBlock(context.Context) (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.head, nil
}

func (m *mockL1) RollupEventsByWindow(_ context.Context, from,
	to uint64) (*eth.RollupEvents, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out eth.RollupEvents
	for block := from; block <= to; block++ {
		events, ok := m.events[block]
		if !ok {
			continue
		}
		out.PriorityOps = append(out.PriorityOps, events.PriorityOps...)
		out.NewTokens = append(out.NewTokens, events.NewTokens...)
		out.TokenFactories = append(out.TokenFactories, events.TokenFactories...)
		out.PendingWithdrawals = append(out.PendingWithdrawals, events.PendingWithdrawals...)
		out.BlocksCommitted = append(out.BlocksCommitted, events.BlocksCommitted...)
		out.BlocksVerified = append(out.BlocksVerified, events.BlocksVerified...)
		out.BlocksExecuted = append(out.BlocksExecuted, events.BlocksExecuted...)
	}
	return &out, nil
}

func (m *mockL1) addDeposit(block, serial uint64, owner ethCommon.Address,
	amount int64) {
	if m.events[block] == nil {
		m.events[block] = &eth.RollupEvents{}
	}
	m.events[block].PriorityOps = append(m.events[block].PriorityOps,
		&common.PriorityOp{
			SerialID: serial,
			Kind:     common.PriorityOpDeposit,
			Owner:    owner,
			TokenID:  0,
			Amount:   big.NewInt(amount),
			EthBlock: block,
		})
}

func testAddr(b byte) ethCommon.Address {
	var addr ethCommon.Address
	addr[19] = b
	return addr
}

func TestPollIngestsConfirmedOps(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 2}, l1)

	l1.addDeposit(5, 0, testAddr(1), 100)
	l1.addDeposit(6, 1, testAddr(2), 200)
	l1.head = 8

	require.NoError(t, w.Poll(context.Background()))
	assert.Equal(t, uint64(6), w.LastScanned())

	ops := w.ConfirmedFrom(0, 100)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(0), ops[0].SerialID)
	assert.Equal(t, uint64(1), ops[1].SerialID)
}

func TestConfirmationDelay(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 3}, l1)

	l1.addDeposit(5, 0, testAddr(1), 100)
	l1.head = 6

	// block 5 is only 1 deep, not confirmed yet but visible as pending
	require.NoError(t, w.Poll(context.Background()))
	assert.Empty(t, w.ConfirmedFrom(0, 100))
	assert.Len(t, w.PendingOps(), 1)

	l1.head = 8
	require.NoError(t, w.Poll(context.Background()))
	assert.Len(t, w.ConfirmedFrom(0, 100), 1)
}

func TestSerialGapIsFatal(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 0}, l1)

	l1.addDeposit(1, 0, testAddr(1), 100)
	l1.addDeposit(2, 3, testAddr(2), 100)
	l1.head = 3

	err := w.Poll(context.Background())
	assert.Equal(t, common.ErrPriorityOpGap, tracerr.Unwrap(err))
}

func TestSerialBaselineRestored(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 0}, l1)
	w.SetNextSerial(10)

	// serial 12 without 10 and 11 is a gap even on a restored cursor
	l1.addDeposit(1, 12, testAddr(1), 100)
	l1.head = 1
	err := w.Poll(context.Background())
	assert.Equal(t, common.ErrPriorityOpGap, tracerr.Unwrap(err))
}

func TestConfirmedFromRespectsChunkBudget(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 0}, l1)

	for i := uint64(0); i < 4; i++ {
		l1.addDeposit(i+1, i, testAddr(byte(i+1)), 100)
	}
	l1.head = 4
	require.NoError(t, w.Poll(context.Background()))

	// a Deposit is 6 chunks: budget 13 fits two ops
	ops := w.ConfirmedFrom(0, 13)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(0), ops[0].SerialID)
	assert.Equal(t, uint64(1), ops[1].SerialID)

	// resuming from the cursor returns the rest
	ops = w.ConfirmedFrom(2, 100)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(2), ops[0].SerialID)
}

func TestRegistries(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 0}, l1)

	factory := testAddr(7)
	l1.events[1] = &eth.RollupEvents{
		NewTokens: []eth.RollupEventNewToken{
			{TokenAddress: testAddr(5), TokenID: 3, EthBlock: 1},
		},
		TokenFactories: []eth.RollupEventTokenFactory{
			{Factory: factory, Creator: testAddr(8), EthBlock: 1},
		},
	}
	l1.head = 1

	assert.True(t, w.TokenExists(0))
	assert.False(t, w.TokenExists(3))
	assert.False(t, w.FactoryExists(factory))

	require.NoError(t, w.Poll(context.Background()))
	assert.True(t, w.TokenExists(3))
	assert.True(t, w.FactoryExists(factory))
}

func TestExpirationSweep(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 0, PriorityExpiration: time.Hour}, l1)

	l1.addDeposit(1, 0, testAddr(1), 100)
	l1.head = 1
	require.NoError(t, w.Poll(context.Background()))
	require.Len(t, w.ConfirmedFrom(0, 100), 1)

	// age the op past the deadline
	w.mu.Lock()
	w.confirmed[0].ReceivedAt = time.Now().Add(-2 * time.Hour)
	w.mu.Unlock()
	w.sweepExpired(time.Now())
	assert.Empty(t, w.ConfirmedFrom(0, 100))
}

func TestRateLimitedBackoff(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 0, Backoff: time.Hour}, l1)

	l1.err = fmt.Errorf("429 too many requests")
	require.NoError(t, w.Poll(context.Background()))

	// while backing off nothing is polled, even after the RPC recovers
	l1.err = nil
	l1.addDeposit(1, 0, testAddr(1), 100)
	l1.head = 1
	require.NoError(t, w.Poll(context.Background()))
	assert.Empty(t, w.ConfirmedFrom(0, 100))
}

func TestTakeWithdrawals(t *testing.T) {
	l1 := newMockL1()
	w := NewWatcher(Config{Confirmations: 0}, l1)

	l1.events[1] = &eth.RollupEvents{
		PendingWithdrawals: []*common.PendingWithdrawal{
			{TokenID: 0, Recipient: testAddr(1), Amount: big.NewInt(5)},
			{TokenID: 0, Recipient: testAddr(2), Amount: big.NewInt(7)},
			{TokenID: 0, Recipient: testAddr(3), Amount: big.NewInt(9)},
		},
	}
	l1.head = 1
	require.NoError(t, w.Poll(context.Background()))

	taken := w.TakeWithdrawals(2)
	require.Len(t, taken, 2)
	assert.Equal(t, testAddr(1), taken[0].Recipient)
	assert.Len(t, w.TakeWithdrawals(10), 1)
}

func TestRestoreState(t *testing.T) {
	l1 := newMockL1()
	l1.head = 100000
	w := NewWatcher(Config{Confirmations: 0, StartBlock: 10}, l1)

	require.NoError(t, w.RestoreState(context.Background(), 20000))
	assert.Equal(t, uint64(80000), w.LastScanned())

	// a young chain starts at the deployment block
	l1.head = 15000
	w2 := NewWatcher(Config{Confirmations: 0, StartBlock: 10}, l1)
	require.NoError(t, w2.RestoreState(context.Background(), 20000))
	assert.Equal(t, uint64(10), w2.LastScanned())
}
