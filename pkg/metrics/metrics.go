// Package metrics exposes Prometheus series for the trader:
//
//	coveredcall_trades_started_total{symbol,side}
//	coveredcall_trades_rejected_total{symbol,side,reason}   busy|duplicate|stale|invalid|gateway
//	coveredcall_order_submissions_total{symbol,side}
//	coveredcall_order_cancels_total{symbol,side,cause}      reprice|ack_timeout|reconnect
//	coveredcall_trade_outcomes_total{symbol,side,outcome}
//	coveredcall_engine_busy{symbol,side}
//	coveredcall_position_shares{symbol}
//
// Series are registered on the default registry in init and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	tradesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coveredcall_trades_started_total",
			Help: "Trades that acquired the engine lock and submitted a first order",
		},
		[]string{"symbol", "side"},
	)

	tradesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coveredcall_trades_rejected_total",
			Help: "Execute-trade calls rejected before submission",
		},
		[]string{"symbol", "side", "reason"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coveredcall_order_submissions_total",
			Help: "Orders placed, including ladder resubmissions",
		},
		[]string{"symbol", "side"},
	)

	cancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coveredcall_order_cancels_total",
			Help: "Cancels issued by the engine",
		},
		[]string{"symbol", "side", "cause"},
	)

	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coveredcall_trade_outcomes_total",
			Help: "Terminal trade outcomes",
		},
		[]string{"symbol", "side", "outcome"},
	)

	engineBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coveredcall_engine_busy",
			Help: "1 while the engine holds its lock",
		},
		[]string{"symbol", "side"},
	)

	positionShares = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coveredcall_position_shares",
			Help: "Share count last reported by the broker",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(tradesStarted, tradesRejected, submissions, cancels, outcomes)
	prometheus.MustRegister(engineBusy, positionShares)
}

func TradeStarted(symbol, side string) { tradesStarted.WithLabelValues(symbol, side).Inc() }

func TradeRejected(symbol, side, reason string) {
	tradesRejected.WithLabelValues(symbol, side, reason).Inc()
}

func OrderSubmitted(symbol, side string) { submissions.WithLabelValues(symbol, side).Inc() }

func OrderCancelled(symbol, side, cause string) {
	cancels.WithLabelValues(symbol, side, cause).Inc()
}

func TradeOutcome(symbol, side, outcome string) {
	outcomes.WithLabelValues(symbol, side, outcome).Inc()
}

func SetEngineBusy(symbol, side string, busy bool) {
	v := 0.0
	if busy {
		v = 1
	}
	engineBusy.WithLabelValues(symbol, side).Set(v)
}

func SetShares(symbol string, shares int64) {
	positionShares.WithLabelValues(symbol).Set(float64(shares))
}
