package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/gardenledger/garden/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ForkOutcome string

var (
	ForkKeptLocal      ForkOutcome = "kept_local"
	ForkFastForward    ForkOutcome = "fast_forward"
	ForkAdoptedRemote  ForkOutcome = "adopted_remote"
	ForkUnrelated      ForkOutcome = "unrelated"
	ForkBelowFinality  ForkOutcome = "below_finality"
	ForkAlreadySynced  ForkOutcome = "identical"
	ForkOutcomeUnknown ForkOutcome = "other"
)

type nodePromMetrics struct {
	nodeUpUnixSeconds prometheus.Gauge
	chainHeight       prometheus.Gauge
	peerCount         prometheus.Gauge
	pendingBlocks     prometheus.Gauge
	rejectedBlocks    *prometheus.CounterVec
	acceptedBlocks    prometheus.Counter
	authoredBlocks    prometheus.Counter
	forkResolutions   *prometheus.CounterVec
	storeRecoveries   prometheus.Counter
	syncBatchSeconds  prometheus.Histogram
	sessionsClosed    *prometheus.CounterVec
	panicCount        prometheus.Counter
}

func newNodePromMetrics() *nodePromMetrics {
	return &nodePromMetrics{
		nodeUpUnixSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "garden_node_up_timestamp_unix_seconds",
				Help: "Unix timestamp of the node start",
			},
		),
		chainHeight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "garden_node_chain_height",
				Help: "Index of the adopted head block",
			},
		),
		peerCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "garden_node_peer_count",
				Help: "The number of peers in the sync registry",
			},
		),
		pendingBlocks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "garden_node_pending_blocks",
				Help: "Announced blocks waiting for their parent",
			},
		),
		rejectedBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "garden_node_rejected_block_count",
				Help: "Blocks rejected by validation, by reason",
			},
			[]string{"reason"},
		),
		acceptedBlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "garden_node_accepted_block_count",
				Help: "Blocks validated and committed to the store",
			},
		),
		authoredBlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "garden_node_authored_block_count",
				Help: "Blocks authored locally",
			},
		),
		forkResolutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "garden_node_fork_resolution_count",
				Help: "Reconciliation decisions, by outcome",
			},
			[]string{"outcome"},
		),
		storeRecoveries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "garden_node_store_recovery_count",
				Help: "Head pointers regressed during crash recovery",
			},
		),
		syncBatchSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name: "garden_node_sync_batch_seconds",
				Help: "Latency of one block range request/response",
			},
		),
		sessionsClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "garden_node_sessions_closed_count",
				Help: "Peer sessions that ended, by reason",
			},
			[]string{"reason"},
		),
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "garden_node_panic_count",
				Help: "Recovered panics in background tasks",
			},
		),
	}
}

var (
	nodeMetrics *nodePromMetrics
	initOnce    sync.Once
)

// InitMetrics registers the node metrics with the default registry. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		nodeMetrics = newNodePromMetrics()
		nodeMetrics.nodeUpUnixSeconds.SetToCurrentTime()
	})
}

func metrics() *nodePromMetrics {
	InitMetrics()
	return nodeMetrics
}

func RegisterMetrics(mux *http.ServeMux) {
	logx.Info("MONITORING", "Registering prometheus metrics")
	mux.Handle("/metrics", promhttp.Handler())
}

func SetChainHeight(height uint64) {
	metrics().chainHeight.Set(float64(height))
}

func SetPeerCount(count int) {
	metrics().peerCount.Set(float64(count))
}

func SetPendingBlocks(count int) {
	metrics().pendingBlocks.Set(float64(count))
}

func RecordRejectedBlock(reason string) {
	metrics().rejectedBlocks.With(prometheus.Labels{"reason": reason}).Inc()
}

func IncreaseAcceptedBlocks() {
	metrics().acceptedBlocks.Inc()
}

func IncreaseAuthoredBlocks() {
	metrics().authoredBlocks.Inc()
}

func RecordForkResolution(outcome ForkOutcome) {
	metrics().forkResolutions.With(prometheus.Labels{"outcome": string(outcome)}).Inc()
}

func IncreaseStoreRecoveries() {
	metrics().storeRecoveries.Inc()
}

func RecordSyncBatch(duration time.Duration) {
	metrics().syncBatchSeconds.Observe(duration.Seconds())
}

func RecordSessionClosed(reason string) {
	metrics().sessionsClosed.With(prometheus.Labels{"reason": reason}).Inc()
}

func IncreasePanicCount() {
	metrics().panicCount.Inc()
}
