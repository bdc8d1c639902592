package metric

import (
	"time"

	"github.com/crescentzk/crescent-node/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceError     = "error"
	namespaceWatcher   = "watcher"
	namespaceMempool   = "mempool"
	namespaceKeeper    = "statekeeper"
	namespacePipeline  = "pipeline"
	namespaceTxManager = "txmanager"
	namespaceDebug     = "debug"
)

var (
	// Errors errors count metric.
	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceError,
			Name:      "errors",
			Help:      "",
		}, []string{"error"})

	// EthLastBlockNum last L1 block scanned by the watcher
	EthLastBlockNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceWatcher,
			Name:      "eth_last_block_num",
			Help:      "",
		})

	// PriorityOpsPending priority operations queued on L1 and
	// not yet included in a sealed block
	PriorityOpsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceWatcher,
			Name:      "priority_ops_pending",
			Help:      "",
		})

	// MempoolSize transactions currently queued in the mempool
	MempoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceMempool,
			Name:      "queue_size",
			Help:      "",
		})

	// RejectedTxs transactions rejected at mempool admission
	RejectedTxs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceMempool,
			Name:      "rejected_txs_total",
			Help:      "",
		})

	// LastSealedBlock last block sealed by the state keeper
	LastSealedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceKeeper,
			Name:      "last_sealed_block_num",
			Help:      "",
		})

	// FailedTxs transactions included in a block with a failure receipt
	FailedTxs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceKeeper,
			Name:      "failed_txs_total",
			Help:      "",
		})

	// LastCommittedBlock last block with a confirmed commit on L1
	LastCommittedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespacePipeline,
			Name:      "last_committed_block_num",
			Help:      "",
		})

	// LastExecutedBlock last block with a confirmed execute on L1
	LastExecutedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespacePipeline,
			Name:      "last_executed_block_num",
			Help:      "",
		})

	// WaitServerProof duration time to get the calculated
	// proof from the server.
	WaitServerProof = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespacePipeline,
			Name:      "wait_server_proof",
			Help:      "",
		}, []string{"block_number"})

	// PendingL1Ops rollup operations sent to L1 and not yet confirmed
	PendingL1Ops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxManager,
			Name:      "pending_l1_ops",
			Help:      "",
		})

	// ReplacedTxs stuck L1 transactions resent with a higher gas price
	ReplacedTxs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceTxManager,
			Name:      "replaced_txs_total",
			Help:      "",
		})
)

func init() {
	if err := registerCollectors(); err != nil {
		log.Error(err)
	}
}
func registerCollectors() error {
	if err := registerCollector(Errors); err != nil {
		return err
	}
	if err := registerCollector(EthLastBlockNum); err != nil {
		return err
	}
	if err := registerCollector(PriorityOpsPending); err != nil {
		return err
	}
	if err := registerCollector(MempoolSize); err != nil {
		return err
	}
	if err := registerCollector(RejectedTxs); err != nil {
		return err
	}
	if err := registerCollector(LastSealedBlock); err != nil {
		return err
	}
	if err := registerCollector(FailedTxs); err != nil {
		return err
	}
	if err := registerCollector(LastCommittedBlock); err != nil {
		return err
	}
	if err := registerCollector(LastExecutedBlock); err != nil {
		return err
	}
	if err := registerCollector(WaitServerProof); err != nil {
		return err
	}
	if err := registerCollector(PendingL1Ops); err != nil {
		return err
	}
	return registerCollector(ReplacedTxs)
}

func registerCollector(collector prometheus.Collector) error {
	err := prometheus.Register(collector)
	if err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}

// CollectError collect the error message and increment
// the error count
func CollectError(err error) {
	Errors.With(map[string]string{"error": err.Error()}).Inc()
}
