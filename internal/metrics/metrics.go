package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds the copy-trader metrics.
type Collector struct {
	// Replication
	TradesCopied  *prometheus.CounterVec
	TradesSkipped *prometheus.CounterVec
	CopyLatency   prometheus.Histogram

	// Paper account
	Balance       prometheus.Gauge
	OpenPositions prometheus.Gauge
	RealizedPnL   prometheus.Gauge
	UnrealizedPnL prometheus.Gauge

	// Closes
	ClosesTotal *prometheus.CounterVec

	// Venue surface
	APIErrorsTotal   *prometheus.CounterVec
	WSUpdatesTotal   prometheus.Counter
	WSSubscribedToks prometheus.Gauge
}

// Get returns the process-wide collector.
func Get() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{}

	c.TradesCopied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polycopy",
			Subsystem: "replication",
			Name:      "trades_copied_total",
			Help:      "Source trades mirrored into the paper ledger",
		},
		[]string{"side", "intent"},
	)

	c.TradesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polycopy",
			Subsystem: "replication",
			Name:      "trades_skipped_total",
			Help:      "Source trades observed but not mirrored",
		},
		[]string{"reason"},
	)

	c.CopyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "polycopy",
			Subsystem: "replication",
			Name:      "copy_latency_ms",
			Help:      "Delay between the source fill and the paper fill",
			Buckets:   []float64{500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
	)

	c.Balance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polycopy",
			Subsystem: "account",
			Name:      "balance_usd",
			Help:      "Paper cash balance",
		},
	)

	c.OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polycopy",
			Subsystem: "account",
			Name:      "open_positions",
			Help:      "Number of open paper positions",
		},
	)

	c.RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polycopy",
			Subsystem: "account",
			Name:      "realized_pnl_usd",
			Help:      "Cumulative realized PnL",
		},
	)

	c.UnrealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polycopy",
			Subsystem: "account",
			Name:      "unrealized_pnl_usd",
			Help:      "Mark-to-market PnL of open positions",
		},
	)

	c.ClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polycopy",
			Subsystem: "lifecycle",
			Name:      "closes_total",
			Help:      "Position closes by trigger",
		},
		[]string{"trigger"},
	)

	c.APIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polycopy",
			Subsystem: "venue",
			Name:      "api_errors_total",
			Help:      "Failed venue requests by endpoint",
		},
		[]string{"endpoint"},
	)

	c.WSUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polycopy",
			Subsystem: "venue",
			Name:      "ws_updates_total",
			Help:      "Streamed book updates applied",
		},
	)

	c.WSSubscribedToks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polycopy",
			Subsystem: "venue",
			Name:      "ws_subscribed_tokens",
			Help:      "Tokens in the current WebSocket subscription set",
		},
	)

	prometheus.MustRegister(
		c.TradesCopied,
		c.TradesSkipped,
		c.CopyLatency,
		c.Balance,
		c.OpenPositions,
		c.RealizedPnL,
		c.UnrealizedPnL,
		c.ClosesTotal,
		c.APIErrorsTotal,
		c.WSUpdatesTotal,
		c.WSSubscribedToks,
	)
	return c
}

// Handler returns the Prometheus HTTP handler for the dashboard mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
