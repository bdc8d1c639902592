package eth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hermeznetwork/tracerr"
	"golang.org/x/time/rate"

	"github.com/crescentzk/crescent-node/log"
)

// L1Reader is the read-only L1 surface the event watcher consumes
type L1Reader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	RollupEventsByWindow(ctx context.Context, from, to uint64) (*RollupEvents, error)
}

// GatewayConfig configures the multiplexing gateway
type GatewayConfig struct {
	// URLs are the RPC endpoints of the pool
	URLs []string
	// RPS bounds the requests per second sent to each endpoint
	RPS float64
	// Burst is the rate limiter burst per endpoint
	Burst int
	// RefreshInterval is how often endpoint health is re-probed
	RefreshInterval time.Duration
}

type gwEndpoint struct {
	url     string
	client  *ethclient.Client
	rollup  *RollupClient
	limiter *rate.Limiter

	lastBlock uint64
	latency   time.Duration
	healthy   bool
}

// Gateway multiplexes over a pool of L1 RPC endpoints, preferring the one
// with the longest chain and lowest latency.  All requests through it are
// rate limited per endpoint.
type Gateway struct {
	cfg       GatewayConfig
	endpoints []*gwEndpoint

	mu   sync.RWMutex
	best int
}

// NewGateway dials every endpoint of the pool and binds the rollup contract
// on each
func NewGateway(cfg GatewayConfig, contractAddr ethCommon.Address) (*Gateway, error) {
	if len(cfg.URLs) == 0 {
		return nil, tracerr.Wrap(fmt.Errorf("gateway needs at least one endpoint"))
	}
	if cfg.RPS == 0 {
		cfg.RPS = 20
	}
	if cfg.Burst == 0 {
		cfg.Burst = 10
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	g := &Gateway{cfg: cfg}
	for _, url := range cfg.URLs {
		client, err := ethclient.Dial(url)
		if err != nil {
			return nil, tracerr.Wrap(fmt.Errorf("dial %v: %w", url, err))
		}
		ethClient, err := NewEthereumClient(client, nil, nil, nil)
		if err != nil {
			return nil, tracerr.Wrap(fmt.Errorf("chain id of %v: %w", url, err))
		}
		rollup, err := NewRollupClient(ethClient, contractAddr)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		g.endpoints = append(g.endpoints, &gwEndpoint{
			url:     url,
			client:  client,
			rollup:  rollup,
			limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
			healthy: true,
		})
	}
	return g, nil
}

// Refresh probes every endpoint and re-elects the best one.  Called
// periodically from Run and once at startup.
func (g *Gateway) Refresh(ctx context.Context) {
	type probe struct {
		lastBlock uint64
		latency   time.Duration
		healthy   bool
	}
	probes := make([]probe, len(g.endpoints))
	var wg sync.WaitGroup
	for i, ep := range g.endpoints {
		wg.Add(1)
		go func(i int, ep *gwEndpoint) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			start := time.Now()
			header, err := ep.client.HeaderByNumber(probeCtx, nil)
			if err != nil {
				log.Debugw("gateway endpoint unhealthy", "url", ep.url, "err", err)
				return
			}
			probes[i] = probe{
				lastBlock: header.Number.Uint64(),
				latency:   time.Since(start),
				healthy:   true,
			}
		}(i, ep)
	}
	wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	best := -1
	for i, p := range probes {
		g.endpoints[i].lastBlock = p.lastBlock
		g.endpoints[i].latency = p.latency
		g.endpoints[i].healthy = p.healthy
		if !p.healthy {
			continue
		}
		if best == -1 ||
			p.lastBlock > g.endpoints[best].lastBlock ||
			(p.lastBlock == g.endpoints[best].lastBlock &&
				p.latency < g.endpoints[best].latency) {
			best = i
		}
	}
	if best != -1 && best != g.best {
		log.Infow("gateway switched endpoint",
			"from", g.endpoints[g.best].url, "to", g.endpoints[best].url)
		g.best = best
	}
}

// Run refreshes endpoint health until the context is canceled
func (g *Gateway) Run(ctx context.Context) {
	g.Refresh(ctx)
	ticker := time.NewTicker(g.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

func (g *Gateway) pick(ctx context.Context) (*gwEndpoint, error) {
	g.mu.RLock()
	ep := g.endpoints[g.best]
	g.mu.RUnlock()
	if err := ep.limiter.Wait(ctx); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return ep, nil
}

// CurrentBlock returns the chain head of the preferred endpoint
func (g *Gateway) CurrentBlock(ctx context.Context) (uint64, error) {
	ep, err := g.pick(ctx)
	if err != nil {
		return 0, err
	}
	header, err := ep.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return header.Number.Uint64(), nil
}

// RollupEventsByWindow scans the rollup contract logs through the preferred
// endpoint
func (g *Gateway) RollupEventsByWindow(ctx context.Context, from,
	to uint64) (*RollupEvents, error) {
	ep, err := g.pick(ctx)
	if err != nil {
		return nil, err
	}
	return ep.rollup.RollupEventsByWindow(ctx, from, to)
}

// IsRateLimited reports whether an RPC error is the provider throttling us
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(tracerr.Unwrap(err).Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}
