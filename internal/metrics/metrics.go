// Package metrics exposes the core's instrumentation surface as
// prometheus collectors, in the same package-level promauto style as
// telemetry/global-monitor/internal/metrics/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SendRateBps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "srtgo_send_rate_bps",
		Help: "Current sending rate estimate in bytes per second",
	})

	InputRateBps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "srtgo_input_rate_bps",
		Help: "Current application input rate estimate in bytes per second",
	})

	SndBufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "srtgo_snd_buffer_bytes",
		Help: "Bytes currently held in the send buffer",
	})

	SndBufferPackets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "srtgo_snd_buffer_packets",
		Help: "Packets currently held in the send buffer",
	})

	PacketsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srtgo_packets_dropped_total",
		Help: "Total packets dropped, labeled by reason (ttl_expired, too_late)",
	}, []string{"reason"})

	BufferingDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "srtgo_buffering_delay_seconds",
		Help:    "Send buffer head-of-line delay observed at drop time",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
	})

	RetransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtgo_retransmits_total",
		Help: "Total packets retransmitted from the loss list",
	})

	LossListLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "srtgo_loss_list_length",
		Help: "Current number of sequence ranges in the sender loss list",
	})

	FECPacketsRebuiltTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtgo_fec_packets_rebuilt_total",
		Help: "Total packets reconstructed via FEC XOR rebuild",
	})

	FECSeriesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtgo_fec_series_dropped_total",
		Help: "Total FEC column series dismissed under emergency shrink",
	})

	FECLargeDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtgo_fec_large_drops_total",
		Help: "Total large-drop resets detected by the FEC receiver",
	})

	EpollWaitDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "srtgo_epoll_wait_duration_seconds",
		Help:    "Duration of epoll Wait/Uwait calls",
		Buckets: prometheus.ExponentialBuckets(0.0001, 3, 10), // 0.1ms .. ~2s
	}, []string{"op", "result"})

	EpollReadySockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "srtgo_epoll_ready_sockets",
		Help: "Number of sockets returned ready by the most recent Wait/Uwait call",
	})

	RcvBufferPackets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "srtgo_rcv_buffer_packets",
		Help: "Packets currently held in the receive buffer",
	})
)

// ObserveFECStats copies a fec.Stats snapshot into the FEC counters. Counter
// semantics require monotonic deltas, so callers pass the increase since
// the last call rather than the running total.
func ObserveFECStats(rebuiltDelta, seriesDroppedDelta, largeDropsDelta int) {
	if rebuiltDelta > 0 {
		FECPacketsRebuiltTotal.Add(float64(rebuiltDelta))
	}
	if seriesDroppedDelta > 0 {
		FECSeriesDroppedTotal.Add(float64(seriesDroppedDelta))
	}
	if largeDropsDelta > 0 {
		FECLargeDropsTotal.Add(float64(largeDropsDelta))
	}
}
