// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TxSubmits counts Submit calls by final outcome.
	TxSubmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_agent_tx_submits_total",
			Help: "Transaction submissions by final outcome",
		},
		[]string{"outcome"},
	)

	// TxSends counts signed sends by how the node answered: accepted,
	// refused, or unknown when no answer arrived.
	TxSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_agent_tx_sends_total",
			Help: "Signed transaction sends by node response",
		},
		[]string{"result"},
	)

	txFeeCapStalled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indexer_agent_tx_fee_cap_stalled_total",
			Help: "Confirmation windows that expired with the fee already at the cap",
		},
	)

	txSubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_agent_tx_submit_duration_seconds",
			Help:    "Time from first send to final outcome",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	rpcErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_agent_rpc_errors_total",
			Help: "Chain RPC errors by method",
		},
		[]string{"method"},
	)

	voucherTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_agent_voucher_transitions_total",
			Help: "Voucher state transitions",
		},
		[]string{"to"},
	)

	collectBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_agent_collect_batches_total",
			Help: "Collection endpoint batches by result",
		},
		[]string{"result"},
	)

	claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_agent_claims_total",
			Help: "Rebate claim transactions by outcome",
		},
		[]string{"outcome"},
	)
)

func TxSubmitInc(outcome string) { TxSubmits.WithLabelValues(outcome).Inc() }

func TxSendInc(result string) { TxSends.WithLabelValues(result).Inc() }

func TxFeeCapStalledInc() { txFeeCapStalled.Inc() }

func TxSubmitDuration(outcome string, d time.Duration) {
	txSubmitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func RPCErrorInc(method string) { rpcErrors.WithLabelValues(method).Inc() }

func VoucherTransitionInc(to string) { voucherTransitions.WithLabelValues(to).Inc() }

func CollectBatchInc(result string) { collectBatches.WithLabelValues(result).Inc() }

func ClaimInc(outcome string) { claims.WithLabelValues(outcome).Inc() }
