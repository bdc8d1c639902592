package coordinator

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/crescentzk/crescent-node/etherscan"
	"github.com/crescentzk/crescent-node/log"
)

// GasSuggester is the part of the L1 client the adjuster samples from
type GasSuggester interface {
	EthSuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasAdjusterConfig configures the GasAdjuster
type GasAdjusterConfig struct {
	// Default is the price limit floor, wei
	Default *big.Int
	// WindowSize is the number of observed samples kept
	WindowSize int
	// ScaleFactor multiplies the rolling median to obtain the limit
	ScaleFactor float64
	// SampleInterval is how often the L1 node and the oracle are sampled
	SampleInterval time.Duration
}

func (c *GasAdjusterConfig) setDefaults() {
	if c.Default == nil {
		c.Default = big.NewInt(1_000_000_000)
	}
	if c.WindowSize == 0 {
		c.WindowSize = 20
	}
	if c.ScaleFactor == 0 {
		c.ScaleFactor = 1.5
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = 15 * time.Second
	}
}

// GasAdjuster keeps a rolling window of observed gas prices and derives the
// price limit for new attempts: max(default, median * scale).  Samples come
// from the L1 node's suggestion and, when configured, the etherscan oracle.
type GasAdjuster struct {
	cfg    GasAdjusterConfig
	l1     GasSuggester
	oracle etherscan.Client

	mu      sync.Mutex
	samples []*big.Int
	next    int
}

// NewGasAdjuster creates a GasAdjuster.  The oracle is optional.
func NewGasAdjuster(cfg GasAdjusterConfig, l1 GasSuggester,
	oracle etherscan.Client) *GasAdjuster {
	cfg.setDefaults()
	return &GasAdjuster{cfg: cfg, l1: l1, oracle: oracle}
}

// AddSample records one observed gas price
func (g *GasAdjuster) AddSample(price *big.Int) {
	if price == nil || price.Sign() <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.samples) < g.cfg.WindowSize {
		g.samples = append(g.samples, new(big.Int).Set(price))
		return
	}
	g.samples[g.next].Set(price)
	g.next = (g.next + 1) % g.cfg.WindowSize
}

// Limit returns the gas price limit for new attempts
func (g *GasAdjuster) Limit() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.samples) == 0 {
		return new(big.Int).Set(g.cfg.Default)
	}
	sorted := make([]*big.Int, len(g.samples))
	copy(sorted, g.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	median := sorted[len(sorted)/2]

	scaled := new(big.Float).SetInt(median)
	scaled.Mul(scaled, big.NewFloat(g.cfg.ScaleFactor))
	limit, _ := scaled.Int(nil)
	if limit.Cmp(g.cfg.Default) < 0 {
		return new(big.Int).Set(g.cfg.Default)
	}
	return limit
}

// PriceFor caps a suggested price at the current limit
func (g *GasAdjuster) PriceFor(suggested *big.Int) *big.Int {
	limit := g.Limit()
	if suggested == nil || suggested.Sign() <= 0 || suggested.Cmp(limit) > 0 {
		return limit
	}
	return new(big.Int).Set(suggested)
}

// sample polls both price sources once
func (g *GasAdjuster) sample(ctx context.Context) {
	if price, err := g.l1.EthSuggestGasPrice(ctx); err != nil {
		log.Debugw("GasAdjuster suggestGasPrice", "err", err)
	} else {
		g.AddSample(price)
	}
	if g.oracle == nil {
		return
	}
	oraclePrice, err := g.oracle.GetGasPrice(ctx)
	if err != nil {
		log.Debugw("GasAdjuster etherscan", "err", err)
		return
	}
	wei, err := oraclePrice.ProposeWei()
	if err != nil {
		log.Warnw("GasAdjuster etherscan price", "err", err,
			"price", oraclePrice.ProposeGasPrice)
		return
	}
	g.AddSample(wei)
}

// Run samples the price sources until ctx is done
func (g *GasAdjuster) Run(ctx context.Context) {
	g.sample(ctx)
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("GasAdjuster done")
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

var rbfNum = big.NewInt(115)
var rbfDen = big.NewInt(100)

// replacementPrice is the gas price of a stuck-transaction replacement:
// max(ceil(1.15 * previous), suggested)
func replacementPrice(previous, suggested *big.Int) *big.Int {
	bumped := new(big.Int).Mul(previous, rbfNum)
	bumped.Add(bumped, new(big.Int).Sub(rbfDen, big.NewInt(1)))
	bumped.Div(bumped, rbfDen)
	if suggested != nil && suggested.Cmp(bumped) > 0 {
		return new(big.Int).Set(suggested)
	}
	return bumped
}
