// Package node assembles the full rollup node: storage, the L1 watcher, the
// mempool, the state keeper and the commit pipeline, and runs them until a
// stop is requested.
package node

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/dimiro1/health"
	ethAccounts "github.com/ethereum/go-ethereum/accounts"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hermeznetwork/tracerr"
	"github.com/iden3/go-merkletree/db/pebble"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/config"
	"github.com/crescentzk/crescent-node/coordinator"
	"github.com/crescentzk/crescent-node/db/statedb"
	"github.com/crescentzk/crescent-node/eth"
	"github.com/crescentzk/crescent-node/etherscan"
	"github.com/crescentzk/crescent-node/ethwatcher"
	"github.com/crescentzk/crescent-node/health/checkers"
	"github.com/crescentzk/crescent-node/journal"
	"github.com/crescentzk/crescent-node/log"
	"github.com/crescentzk/crescent-node/mempool"
	"github.com/crescentzk/crescent-node/metric"
	"github.com/crescentzk/crescent-node/prover"
	"github.com/crescentzk/crescent-node/statekeeper"
	"github.com/crescentzk/crescent-node/txprocessor"
)

// assumed L1 block time, used to convert the priority expiration window
// into a block count for the watcher rescan
const l1BlockTime = 15 * time.Second

// Node is the Crescent node
type Node struct {
	cfg *config.Node

	state    *statedb.StateDB
	jrnl     *journal.KVJournal
	client   *eth.Client
	gateway  *eth.Gateway
	watcher  *ethwatcher.Watcher
	pool     *mempool.Mempool
	keeper   *statekeeper.StateKeeper
	gas      *coordinator.GasAdjuster
	mgr      *coordinator.TxManager
	pipeline *coordinator.Pipeline
	proof    prover.Client
	debug    *debugServer

	// watcherSeeded is false when no journal cursor survived and the
	// watcher must rescan the expiration window at startup
	watcherSeeded bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewNode creates a Node from its configuration
func NewNode(cfg *config.Node) (*Node, error) {
	state, err := statedb.NewStateDB(statedb.Config{
		Path: cfg.StateDB.Path,
		Keep: cfg.StateDB.Keep,
	})
	if err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("statedb.NewStateDB: %w", err))
	}

	storage, err := pebble.NewPebbleStorage(cfg.Journal.Path, false)
	if err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("pebble.NewPebbleStorage: %w", err))
	}
	jrnl := journal.NewKVJournal(storage)

	scryptN := ethKeystore.StandardScryptN
	scryptP := ethKeystore.StandardScryptP
	if cfg.Coordinator.Keystore.LightScrypt {
		scryptN = ethKeystore.LightScryptN
		scryptP = ethKeystore.LightScryptP
	}
	keyStore := ethKeystore.NewKeyStore(cfg.Coordinator.Keystore.Path,
		scryptN, scryptP)
	account, err := keyStore.Find(ethAccounts.Account{
		Address: cfg.Coordinator.ForgerAddress,
	})
	if err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("forger account not in keystore: %w", err))
	}
	if err := keyStore.Unlock(account, cfg.Coordinator.Keystore.Password); err != nil {
		return nil, tracerr.Wrap(err)
	}

	ethClient, err := ethclient.Dial(cfg.Web3.URLs[0])
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	client, err := eth.NewClient(ethClient, &account, keyStore, &eth.ClientConfig{
		RollupContract: cfg.SmartContracts.Rollup,
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	gateway, err := eth.NewGateway(eth.GatewayConfig{
		URLs:            cfg.Web3.URLs,
		RPS:             cfg.Web3.RPS,
		RefreshInterval: cfg.Web3.RefreshInterval.Duration,
	}, cfg.SmartContracts.Rollup)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	watcher := ethwatcher.NewWatcher(ethwatcher.Config{
		Confirmations:      cfg.Watcher.Confirmations,
		StartBlock:         cfg.Watcher.StartBlock,
		ScanWindow:         cfg.Watcher.ScanWindow,
		PollInterval:       cfg.Watcher.PollInterval.Duration,
		PriorityExpiration: cfg.Watcher.PriorityExpiration.Duration,
	}, gateway)
	lastScanned, nextSerial, seeded, err := jrnl.LoadWatcherCursor()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if seeded {
		watcher.SetLastScanned(lastScanned)
		watcher.SetNextSerial(nextSerial)
	}

	proc := txprocessor.NewProcessor(state, watcher)
	keeper := statekeeper.NewStateKeeper(statekeeper.Config{
		FeeAccount:          common.AccountID(cfg.StateKeeper.FeeAccount),
		AvailableChunkSizes: cfg.StateKeeper.AvailableChunkSizes,
		MaxIterations:       cfg.StateKeeper.MaxIterations,
		FastIterations:      cfg.StateKeeper.FastIterations,
		MaxCommitGas:        cfg.StateKeeper.MaxCommitGas,
		MaxExecuteGas:       cfg.StateKeeper.MaxExecuteGas,
	}, proc, jrnl, nextSerial)
	if err := keeper.Restore(); err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("keeper.Restore: %w", err))
	}

	pool := mempool.NewMempool(mempool.Config{
		MaxQueueSize:        cfg.Mempool.MaxQueueSize,
		MaxTxAge:            cfg.Mempool.MaxTxAge.Duration,
		MaxBatchSize:        cfg.Mempool.MaxBatchSize,
		MaxBatchWithdrawals: cfg.Mempool.MaxBatchWithdrawals,
		MinFee:              cfg.Mempool.MinFee,
	}, state, watcher)

	var oracle etherscan.Client
	if cfg.Coordinator.Etherscan.URL != "" {
		service, err := etherscan.NewService(cfg.Coordinator.Etherscan.URL,
			cfg.Coordinator.Etherscan.APIKey)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		oracle = service
	}
	gasDefault := new(big.Int).Mul(
		big.NewInt(cfg.Coordinator.GasAdjuster.DefaultGwei),
		big.NewInt(1_000_000_000),
	)
	gas := coordinator.NewGasAdjuster(coordinator.GasAdjusterConfig{
		Default:        gasDefault,
		WindowSize:     cfg.Coordinator.GasAdjuster.WindowSize,
		ScaleFactor:    cfg.Coordinator.GasAdjuster.ScaleFactor,
		SampleInterval: cfg.Coordinator.GasAdjuster.SampleInterval.Duration,
	}, client, oracle)

	mgr := coordinator.NewTxManager(coordinator.TxManagerConfig{
		ConfirmBlocks:  cfg.Coordinator.ConfirmBlocks,
		MaxTxsInFlight: cfg.Coordinator.MaxTxsInFlight,
		DeadlineBlocks: cfg.Coordinator.DeadlineBlocks,
		GasLimit:       cfg.Coordinator.GasLimit,
		CheckInterval:  cfg.Coordinator.CheckInterval.Duration,
	}, client, jrnl, gas)

	proofClient := prover.NewProofServerClient(cfg.Coordinator.ProofServerURL,
		cfg.Coordinator.ProofPollInterval.Duration)
	pipeline := coordinator.NewPipeline(coordinator.PipelineConfig{
		MaxWithdrawalsPerExecute: cfg.Coordinator.MaxWithdrawalsPerExecute,
		SyncInterval:             cfg.Coordinator.SyncInterval.Duration,
		ProofTimeout:             cfg.Coordinator.ProofTimeout.Duration,
	}, client, jrnl, mgr, proofClient, watcher, watcher)

	var debug *debugServer
	if cfg.Debug.MetricsAddress != "" {
		debug, err = newDebugServer(cfg.Debug.MetricsAddress, state, jrnl,
			pipeline, keeper, 2*cfg.StateKeeper.MaxBlockTime.Duration)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:           cfg,
		state:         state,
		jrnl:          jrnl,
		client:        client,
		gateway:       gateway,
		watcher:       watcher,
		pool:          pool,
		keeper:        keeper,
		gas:           gas,
		mgr:           mgr,
		pipeline:      pipeline,
		proof:         proofClient,
		debug:         debug,
		watcherSeeded: seeded,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Mempool returns the admission queue, for transaction submission surfaces
func (n *Node) Mempool() *mempool.Mempool {
	return n.pool
}

// Start restores the L1-facing components and launches every loop
func (n *Node) Start() error {
	log.Infow("Starting node...")
	if !n.watcherSeeded {
		// no cursor survived; rescan a full expiration window so every
		// still-processable priority op is re-ingested
		expirationBlocks := uint64(n.cfg.Watcher.PriorityExpiration.Duration / l1BlockTime)
		if err := n.watcher.RestoreState(n.ctx, expirationBlocks); err != nil {
			return tracerr.Wrap(err)
		}
	}
	if err := n.mgr.Restore(n.ctx); err != nil {
		return tracerr.Wrap(err)
	}
	if err := n.pipeline.Start(n.ctx); err != nil {
		return tracerr.Wrap(err)
	}

	n.group, n.ctx = errgroup.WithContext(n.ctx)
	if n.debug != nil {
		n.goRun("debug server", func() error {
			return n.debug.Run(n.ctx)
		})
	}
	n.goRun("gateway", func() error {
		n.gateway.Run(n.ctx)
		return nil
	})
	n.goRun("watcher", func() error {
		if err := n.watcher.Run(n.ctx); err != nil {
			// a serial gap is a corrupted view of L1, do not continue
			log.Fatalw("Watcher.Run", "err", err)
		}
		return nil
	})
	n.goRun("gas adjuster", func() error {
		n.gas.Run(n.ctx)
		return nil
	})
	n.goRun("tx manager", func() error {
		n.mgr.Run(n.ctx)
		return nil
	})
	n.goRun("pipeline", func() error {
		if err := n.proof.WaitReady(n.ctx); err != nil {
			log.Warnw("prover.WaitReady", "err", err)
		}
		n.pipeline.Run(n.ctx)
		return nil
	})
	n.goRun("miniblock loop", n.miniblockLoop)
	n.goRun("mempool purge", n.purgeLoop)
	return nil
}

func (n *Node) goRun(name string, fn func() error) {
	n.group.Go(func() error {
		err := fn()
		log.Debugw("routine stopped", "name", name)
		return err
	})
}

// tick runs one miniblock: propose confirmed priority ops and mempool items
// up to the open chunk budget, execute them, and return what did not fit
func (n *Node) tick() {
	// ConfirmedFrom bounds the proposal by the open chunk budget, so a
	// priority op that does not fit waits here for the next block; the
	// keeper's own seal-and-retry covers gas overflow and oversized
	// proposals from other callers
	chunksLeft := n.keeper.ChunksLeft()
	ops := n.watcher.ConfirmedFrom(n.keeper.PriorityCursor(), chunksLeft)
	items := n.pool.Propose(chunksLeft)
	result, err := n.keeper.ExecuteMiniblock(statekeeper.ProposedOps{
		PriorityOps: ops,
		Items:       items,
		Timestamp:   uint64(time.Now().Unix()),
	})
	if err != nil {
		// the keeper only errors on broken invariants and journal write
		// failures; the state cannot be trusted for another tick
		log.Fatalw("StateKeeper.ExecuteMiniblock", "err", err)
	}
	if len(result.NotConsumed) > 0 {
		n.pool.Revert(result.NotConsumed)
	}
	if result.Sealed != nil {
		if err := n.jrnl.RecordWatcherCursor(n.watcher.LastScanned(),
			n.keeper.PriorityCursor()); err != nil {
			log.Fatalw("Journal.RecordWatcherCursor", "err", err)
		}
	}
}

func (n *Node) miniblockLoop() error {
	ticker := time.NewTicker(n.cfg.StateKeeper.MiniblockInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return nil
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) purgeLoop() error {
	interval := n.cfg.Mempool.MaxTxAge.Duration
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return nil
		case <-ticker.C:
			n.pool.PurgeExpired(time.Now())
		}
	}
}

// Stop closes admission, stops every loop and seals the pending block so no
// accepted work is lost.  The sealed block is journaled; the next run
// commits it.
func (n *Node) Stop() {
	log.Infow("Stopping node...")
	n.pool.Close()
	n.cancel()
	if err := n.group.Wait(); err != nil {
		log.Errorw("node routine exited", "err", err)
	}

	if n.keeper.Pending() {
		n.keeper.SealNow()
		n.tick()
	}
	n.state.Close()
	log.Infow("Node stopped")
}

// debugServer serves prometheus metrics and the health endpoint
type debugServer struct {
	addr   string
	engine *gin.Engine
}

func handleNoRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": "404 page not found",
	})
}

func newDebugServer(addr string, state *statedb.StateDB, jrnl journal.Journal,
	pipeline *coordinator.Pipeline, keeper *statekeeper.StateKeeper,
	maxSealAge time.Duration) (*debugServer, error) {
	engine := gin.Default()
	engine.NoRoute(handleNoRoute)
	engine.Use(cors.Default())
	prom, err := metric.PrometheusMiddleware()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	engine.Use(prom)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler()
	healthHandler.AddChecker("statedb", checkers.NewStateDBChecker(state))
	healthHandler.AddChecker("journal", checkers.NewJournalChecker(jrnl))
	healthHandler.AddChecker("pipeline", checkers.NewPipelineChecker(pipeline))
	healthHandler.AddChecker("sealing", checkers.NewSealingChecker(keeper, maxSealAge))
	engine.GET("/health", gin.WrapH(healthHandler))

	return &debugServer{
		addr:   addr,
		engine: engine,
	}, nil
}

// Run starts the http server of the debugServer.  To stop it, pass a
// context with cancelation.
func (s *debugServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:           s.addr,
		Handler:        s.engine,
		ReadTimeout:    30 * time.Second, //nolint:gomnd
		WriteTimeout:   30 * time.Second, //nolint:gomnd
		MaxHeaderBytes: 1 << 20,          //nolint:gomnd
	}
	go func() {
		log.Infof("debug server is ready at %v", s.addr)
		if err := server.ListenAndServe(); err != nil && tracerr.Unwrap(err) != http.ErrServerClosed {
			log.Fatalf("Listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("Stopping debug server...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:gomnd
	defer cancel()
	if err := server.Shutdown(ctxTimeout); err != nil {
		return tracerr.Wrap(err)
	}
	log.Info("debug server done")
	return nil
}
