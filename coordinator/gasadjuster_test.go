package coordinator

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescentzk/crescent-node/etherscan"
)

type fixedSuggester struct {
	price *big.Int
}

func (s *fixedSuggester) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.price), nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestLimitDefaultWithoutSamples(t *testing.T) {
	g := NewGasAdjuster(GasAdjusterConfig{Default: gwei(2)}, &fixedSuggester{price: gwei(1)}, nil)
	assert.Equal(t, gwei(2), g.Limit())
}

func TestLimitScalesMedian(t *testing.T) {
	g := NewGasAdjuster(GasAdjusterConfig{Default: gwei(1), ScaleFactor: 1.5},
		&fixedSuggester{price: gwei(1)}, nil)
	g.AddSample(gwei(10))
	g.AddSample(gwei(20))
	g.AddSample(gwei(30))
	// median 20 gwei * 1.5
	assert.Equal(t, gwei(30), g.Limit())
}

func TestPriceForCapsAtLimit(t *testing.T) {
	g := NewGasAdjuster(GasAdjusterConfig{Default: gwei(1), ScaleFactor: 1.0},
		&fixedSuggester{price: gwei(1)}, nil)
	g.AddSample(gwei(10))

	assert.Equal(t, gwei(5), g.PriceFor(gwei(5)))
	assert.Equal(t, gwei(10), g.PriceFor(gwei(50)))
	assert.Equal(t, gwei(10), g.PriceFor(nil))
}

func TestSampleCollectsBothSources(t *testing.T) {
	g := NewGasAdjuster(GasAdjusterConfig{Default: gwei(1), ScaleFactor: 1.0},
		&fixedSuggester{price: gwei(40)}, &etherscan.MockClient{})
	g.sample(context.Background())

	require.Len(t, g.samples, 2)
	// mock oracle proposes 100 gwei; median of {40, 100} is 100
	assert.Equal(t, gwei(100), g.Limit())
}

func TestReplacementPrice(t *testing.T) {
	// ceil(1.15 * 100) beats a lower suggestion
	assert.Equal(t, big.NewInt(115), replacementPrice(big.NewInt(100), big.NewInt(50)))
	// a higher suggestion wins
	assert.Equal(t, big.NewInt(200), replacementPrice(big.NewInt(100), big.NewInt(200)))
	// the bump rounds up
	assert.Equal(t, big.NewInt(2), replacementPrice(big.NewInt(1), nil))
	assert.Equal(t, big.NewInt(81), replacementPrice(big.NewInt(70), nil))
}
