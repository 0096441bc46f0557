package trader

import (
	"go.uber.org/zap"

	"mt-trade-bot-go/internal/notify"
	"mt-trade-bot-go/internal/terminal"
)

// Router translates transport callbacks into trade-manager calls. It carries
// no state of its own.
type Router struct {
	manager  *TradeManager
	notifier *notify.Notifier
	logger   *zap.Logger
}

// ensure Router satisfies the transport callback contract
var _ terminal.EventHandler = (*Router)(nil)

// NewRouter wires the event router.
func NewRouter(manager *TradeManager, notifier *notify.Notifier, logger *zap.Logger) *Router {
	return &Router{
		manager:  manager,
		notifier: notifier,
		logger:   logger,
	}
}

// OnTick is unused: decisions are bar-driven, not tick-driven.
func (r *Router) OnTick(string, float64, float64) {}

func (r *Router) OnBarData(symbol, timeframe string, bar terminal.Bar) {
	r.manager.OnBarData(symbol, timeframe, bar)
}

func (r *Router) OnHistoricData(symbol, timeframe string, bars []terminal.Bar) {
	r.logger.Info("Historic data received, routing to preload",
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
		zap.Int("bars", len(bars)))
	r.manager.PreloadData(symbol, timeframe, bars)
}

func (r *Router) OnHistoricTrades(count int) {
	r.logger.Info("Historic trades received", zap.Int("count", count))
}

func (r *Router) OnOrderEvent() {
	r.manager.OnOrderEvent()
}

func (r *Router) OnMessage(msg terminal.Message) {
	if msg.Type == "ERROR" {
		r.logger.Error("Terminal error message",
			zap.String("error_type", msg.ErrorType),
			zap.String("description", msg.Description))
		r.notifier.Publish(notify.Event{
			Kind:   "broker_error",
			Detail: msg.ErrorType + ": " + msg.Description,
		})
		return
	}
	r.logger.Info("Terminal message", zap.String("description", msg.Description))
}
