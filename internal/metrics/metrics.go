// Package metrics holds the Prometheus instruments the bot updates during
// operation:
//   - bot_bars_total{result}          – bars accepted vs rejected (and why)
//   - bot_decisions_total{signal}     – decision cycles by strategy signal
//   - bot_trades_total{action}        – order actions submitted
//   - bot_equity                      – last account equity snapshot (gauge)
//   - bot_commands_total{result}      – command dispatch outcomes
//   - bot_receipt_timeouts_total      – receipt waits that timed out
//   - bot_poll_parse_failures_total{file} – malformed payloads per poll file
//
// All instruments are registered via promauto and served at /metrics by the
// API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Bars = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_bars_total",
			Help: "Bars received, by ingestion result",
		},
		[]string{"result"}, // accepted|stale|corrupt
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_decisions_total",
			Help: "Decision cycles by strategy signal",
		},
		[]string{"signal"}, // BUY|SELL|HOLD
	)

	Trades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_total",
			Help: "Order actions submitted to the terminal",
		},
		[]string{"action"}, // open|partial_close|reversal_close|trailing_modify
	)

	Equity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity",
			Help: "Last account equity reported by the broker",
		},
	)

	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_commands_total",
			Help: "Command dispatch outcomes",
		},
		[]string{"result"}, // sent|dropped
	)

	ReceiptTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_receipt_timeouts_total",
			Help: "Receipt waits that elapsed without confirmation",
		},
	)

	PollParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_poll_parse_failures_total",
			Help: "Malformed payloads encountered while polling",
		},
		[]string{"file"},
	)
)
