package trader

import (
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mt-trade-bot-go/internal/config"
	"mt-trade-bot-go/internal/metrics"
	"mt-trade-bot-go/internal/models"
	"mt-trade-bot-go/internal/notify"
	"mt-trade-bot-go/internal/risk"
	"mt-trade-bot-go/internal/terminal"
)

// stateFileName is the durable partials-state file, kept next to the
// terminal exchange files.
const stateFileName = "trade_manager_state.json"

const defaultOrderComment = "mt-trade-bot v1.0"

// windowSlack is how many bars the rolling window keeps beyond the
// strategy's lookback.
const windowSlack = 200

// TradeManager is the single authority deciding whether to open, hold,
// reverse, trail or partially close a position. Broker-reported state is
// authoritative; the manager re-derives its position flag every cycle
// instead of trusting its own memory.
type TradeManager struct {
	UUID      string
	StartTime time.Time

	logger   *zap.Logger
	client   terminal.ClientInterface
	strategy Strategy
	db       *gorm.DB
	notifier *notify.Notifier

	statePath           string
	requiredHistoryBars int
	timeframeSeconds    int64

	mu               sync.Mutex
	cfg              config.Config
	window           []terminal.Bar
	lastBarTimestamp int64
	inPosition       bool
	partialsTaken    map[int64]map[int]bool
	preloaded        bool
}

// NewTradeManager wires the decision engine. db and notifier may be nil.
func NewTradeManager(logger *zap.Logger, cfg config.Config, client terminal.ClientInterface, strategy Strategy, db *gorm.DB, notifier *notify.Notifier) *TradeManager {
	m := &TradeManager{
		UUID:                uuid.NewString(),
		StartTime:           time.Now(),
		logger:              logger,
		client:              client,
		strategy:            strategy,
		db:                  db,
		notifier:            notifier,
		cfg:                 cfg,
		statePath:           filepath.Join(cfg.Terminal.DirPath, stateFileName),
		requiredHistoryBars: strategy.RequiredBars(),
		timeframeSeconds:    config.TimeframeSeconds(cfg.Trading.Timeframe),
		partialsTaken:       map[int64]map[int]bool{},
	}

	partials, err := loadManagerState(m.statePath)
	if err != nil {
		logger.Warn("Could not load saved state, starting fresh", zap.Error(err))
	}
	m.partialsTaken = partials

	logger.Info("TradeManager initialized",
		zap.String("uuid", m.UUID),
		zap.String("strategy", strategy.Name()),
		zap.String("symbol", cfg.Trading.Symbol),
		zap.String("timeframe", cfg.Trading.Timeframe),
		zap.Int("required_history_bars", m.requiredHistoryBars))
	return m
}

// RequiredHistoryBars is the strategy lookback the preload request must cover.
func (m *TradeManager) RequiredHistoryBars() int { return m.requiredHistoryBars }

// Preloaded reports whether the historic bootstrap has completed.
func (m *TradeManager) Preloaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preloaded
}

// MarkPreloaded skips the historic bootstrap for strategies without lookback.
func (m *TradeManager) MarkPreloaded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preloaded = true
}

// InPosition reports the flag as of the last reconciliation.
func (m *TradeManager) InPosition() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inPosition
}

// WindowLength reports the current rolling window size.
func (m *TradeManager) WindowLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.window)
}

// StrategyName reports the active strategy's registry name.
func (m *TradeManager) StrategyName() string { return m.strategy.Name() }

// Symbol reports the traded symbol.
func (m *TradeManager) Symbol() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Trading.Symbol
}

// UpdateConfig atomically swaps in a reloaded configuration. Risk and trading
// parameters take effect on the next decision cycle; the strategy instance
// and its parameters are fixed for the session.
func (m *TradeManager) UpdateConfig(cfg config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.timeframeSeconds = config.TimeframeSeconds(cfg.Trading.Timeframe)
	m.logger.Info("TradeManager configuration updated")
}

// PreloadData installs the historic bootstrap window and runs one immediate
// decision cycle. Bars must be chronologically ordered (the transport sorts
// them).
func (m *TradeManager) PreloadData(symbol, timeframe string, bars []terminal.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if symbol != m.cfg.Trading.Symbol || timeframe != m.cfg.Trading.Timeframe {
		return
	}
	if len(bars) == 0 {
		m.logger.Error("Preload failed: received empty historical data")
		return
	}

	maxRows := m.requiredHistoryBars + windowSlack
	if len(bars) > maxRows {
		bars = bars[len(bars)-maxRows:]
	}
	m.window = append([]terminal.Bar(nil), bars...)
	m.lastBarTimestamp = bars[len(bars)-1].Time
	m.preloaded = true

	m.logger.Info("Preloaded historical bars",
		zap.String("symbol", symbol),
		zap.Int("count", len(m.window)))

	m.analyzeAndTrade()
}

// OnBarData is the ingestion path for live bars: validate, dedupe, detect
// gaps, append, bound the window, then run the decision cycle.
func (m *TradeManager) OnBarData(symbol, timeframe string, bar terminal.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.preloaded {
		return
	}
	if symbol != m.cfg.Trading.Symbol || timeframe != m.cfg.Trading.Timeframe {
		return
	}

	if !bar.Valid() {
		metrics.Bars.WithLabelValues("corrupt").Inc()
		m.logger.Warn("Received a bad/corrupted candle, ignoring",
			zap.String("symbol", symbol), zap.Int64("time", bar.Time))
		return
	}

	// Rejects duplicates and out-of-order delivery in one check.
	if bar.Time <= m.lastBarTimestamp {
		metrics.Bars.WithLabelValues("stale").Inc()
		return
	}

	if m.lastBarTimestamp > 0 {
		gap := bar.Time - m.lastBarTimestamp
		if float64(gap) > float64(m.timeframeSeconds)*1.9 {
			m.logger.Warn("Data gap detected, resetting strategy state",
				zap.Int64("gap_seconds", gap),
				zap.Int64("expected_seconds", m.timeframeSeconds))
			m.strategy.Reset()
		}
	}

	m.lastBarTimestamp = bar.Time
	m.window = append(m.window, bar)
	maxRows := m.requiredHistoryBars + windowSlack
	if len(m.window) > maxRows {
		m.window = m.window[len(m.window)-maxRows:]
	}
	metrics.Bars.WithLabelValues("accepted").Inc()

	m.logger.Info("New live bar received",
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
		zap.Time("bar_time", time.Unix(bar.Time, 0).UTC()))

	m.analyzeAndTrade()
}

// OnOrderEvent reconciles position state after the broker's order set
// changed.
func (m *TradeManager) OnOrderEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatePositionStatus()
}

// analyzeAndTrade is the decision cycle. Callers must hold m.mu.
func (m *TradeManager) analyzeAndTrade() {
	// 1. Synchronize with the broker before anything else.
	m.updatePositionStatus()

	// 2. Manage open positions against the latest close.
	if m.inPosition {
		m.manageOpenPositions()
	}

	// 3. Strategies get their own copy: they must not mutate the window.
	windowCopy := append([]terminal.Bar(nil), m.window...)
	sig := m.strategy.GetSignal(windowCopy)
	metrics.Decisions.WithLabelValues(sig.Action).Inc()

	m.logger.Info("Signal check",
		zap.String("signal", sig.Action),
		zap.Bool("in_position", m.inPosition))

	// 4. Decision table: single direction, reversing, capped.
	openPositions := m.openPositions()
	switch {
	case !m.inPosition && (sig.Action == SignalBuy || sig.Action == SignalSell):
		if len(openPositions) < m.cfg.Risk.MaxOpenPositions {
			m.executeNewTrade(sig)
		}
	case m.inPosition:
		currentType := ""
		for _, order := range openPositions {
			currentType = order.Type
			break
		}
		if (sig.Action == SignalBuy && currentType == terminal.OrderTypeSell) ||
			(sig.Action == SignalSell && currentType == terminal.OrderTypeBuy) {
			m.logger.Info("Reversing signal received, closing all positions",
				zap.String("signal", sig.Action))
			m.client.CloseOrdersByMagic(m.cfg.Trading.MagicNumber)
			metrics.Trades.WithLabelValues("reversal_close").Inc()
			m.journal(models.Trade{
				Symbol:    m.cfg.Trading.Symbol,
				Action:    models.ActionReversal,
				Side:      currentType,
				Magic:     m.cfg.Trading.MagicNumber,
				Timestamp: time.Now().Unix(),
			})
			m.notifier.Publish(notify.Event{
				Kind:   "reversal",
				Symbol: m.cfg.Trading.Symbol,
				Side:   currentType,
				Detail: fmt.Sprintf("opposing %s signal", sig.Action),
			})
		}
	}
}

// updatePositionStatus derives in-position from the broker's order cache.
// The transition to flat is the sole garbage-collection point for the
// partial-close history. Callers must hold m.mu.
func (m *TradeManager) updatePositionStatus() {
	nowInPosition := len(m.openPositions()) > 0
	if m.inPosition && !nowInPosition {
		m.logger.Info("Position has been closed, resetting partial-close state")
		m.partialsTaken = map[int64]map[int]bool{}
		m.saveState()
	}
	m.inPosition = nowInPosition
}

// openPositions filters the broker cache down to this bot's live market
// orders; pending orders never count toward position state.
func (m *TradeManager) openPositions() map[int64]terminal.OpenOrder {
	out := map[int64]terminal.OpenOrder{}
	for ticket, order := range m.client.OpenOrders() {
		if order.Magic != m.cfg.Trading.MagicNumber {
			continue
		}
		if order.Type != terminal.OrderTypeBuy && order.Type != terminal.OrderTypeSell {
			continue
		}
		out[ticket] = order
	}
	return out
}

// executeNewTrade turns a signal into a sized, compliant order. Callers must
// hold m.mu.
func (m *TradeManager) executeNewTrade(sig Signal) {
	side := terminal.OrderTypeBuy
	if sig.Action == SignalSell {
		side = terminal.OrderTypeSell
	}

	equity := m.client.AccountInfo().Equity
	symbolData, ok := m.client.MarketData(m.cfg.Trading.Symbol)
	if equity <= 0 || !ok || !symbolData.Ready() {
		m.logger.Error("Execution aborted: prerequisite account or market data is not available",
			zap.Float64("equity", equity), zap.Bool("market_data", ok))
		return
	}

	stopLoss := m.strategyStopLoss(side, symbolData)
	if stopLoss == 0 {
		m.logger.Error("Execution aborted: strategy did not produce a valid stop loss")
		return
	}

	boundary := m.brokerBoundary(side, symbolData)
	if !stopCompliant(side, stopLoss, boundary) {
		switch m.cfg.Risk.StopPolicy {
		case config.StopPolicyClamp:
			m.logger.Warn("Strategy stop tighter than broker minimum, widening to boundary",
				zap.Float64("strategy_sl", stopLoss), zap.Float64("boundary", boundary))
			stopLoss = boundary
		default:
			m.logger.Warn("Execution aborted: strategy stop loss violates broker rules",
				zap.Float64("strategy_sl", stopLoss), zap.Float64("boundary", boundary))
			return
		}
	}

	lots := m.lotSize(side, stopLoss, equity, symbolData)
	if lots <= 0 {
		m.logger.Warn("Execution aborted: computed lot size is zero")
		return
	}

	takeProfit := m.takeProfit(side, symbolData)

	finalSL := roundToDigits(stopLoss, *symbolData.Digits)
	finalTP := 0.0
	if takeProfit > 0 {
		finalTP = roundToDigits(takeProfit, *symbolData.Digits)
	}

	comment := sig.Comment
	if comment == "" {
		comment = defaultOrderComment
	}

	m.logger.Info("Sending order",
		zap.String("side", side),
		zap.Float64("lots", lots),
		zap.Float64("sl", finalSL),
		zap.Float64("tp", finalTP),
		zap.String("comment", comment))

	commandID := m.client.OpenOrder(
		m.cfg.Trading.Symbol, side, lots, 0, finalSL, finalTP,
		m.cfg.Trading.MagicNumber, comment, 0)

	receiptTimeout := time.Duration(m.cfg.Trading.ReceiptTimeoutSeconds) * time.Second
	confirmed := m.client.WaitForReceipt(commandID, receiptTimeout)
	if !confirmed {
		m.logger.Warn("Order submission unconfirmed; next reconciliation cycle decides",
			zap.Int("command_id", commandID))
	}

	metrics.Trades.WithLabelValues("open").Inc()
	m.journal(models.Trade{
		Symbol:     m.cfg.Trading.Symbol,
		Action:     models.ActionOpen,
		Side:       side,
		Lots:       lots,
		StopLoss:   finalSL,
		TakeProfit: finalTP,
		CommandID:  commandID,
		Confirmed:  confirmed,
		Magic:      m.cfg.Trading.MagicNumber,
		Comment:    comment,
		Timestamp:  time.Now().Unix(),
	})
	m.notifier.Publish(notify.Event{
		Kind:   "trade_opened",
		Symbol: m.cfg.Trading.Symbol,
		Side:   side,
		Lots:   lots,
	})
}

// manageOpenPositions runs trailing stops and partial closes against the
// latest close price. Callers must hold m.mu.
func (m *TradeManager) manageOpenPositions() {
	if len(m.window) == 0 {
		return
	}
	stateChanged := false
	currentPrice := m.window[len(m.window)-1].Close

	for ticket, order := range m.openPositions() {
		if order.OpenPrice <= 0 {
			continue
		}
		profitPercent := profitPercent(order.Type, order.OpenPrice, currentPrice)

		if m.cfg.Risk.UseTrailingStop && profitPercent > m.cfg.Risk.TrailingStopTriggerPercent {
			newSL := m.trailingStopPrice(order.Type, currentPrice)
			// The stop is monotonic: it may only tighten toward price.
			improves := (order.Type == terminal.OrderTypeBuy && newSL > order.StopLoss) ||
				(order.Type == terminal.OrderTypeSell && (newSL < order.StopLoss || order.StopLoss == 0))
			if improves {
				m.logger.Info("Trailing stop: modifying order",
					zap.Int64("ticket", ticket), zap.Float64("new_sl", newSL))
				m.client.ModifyOrder(ticket, 0, newSL, 0, 0)
				metrics.Trades.WithLabelValues("trailing_modify").Inc()
			}
		}

		for i, rule := range m.cfg.Risk.PartialCloseRules {
			if profitPercent < rule.ProfitPercent || m.partialsTaken[ticket][i] {
				continue
			}
			closeVolume := math.Round(order.Lots*(rule.VolumePercent/100.0)*100) / 100
			m.logger.Info("Partial close",
				zap.Int64("ticket", ticket),
				zap.Int("rule", i),
				zap.Float64("lots", closeVolume))
			m.client.CloseOrder(ticket, closeVolume)
			if m.partialsTaken[ticket] == nil {
				m.partialsTaken[ticket] = map[int]bool{}
			}
			m.partialsTaken[ticket][i] = true
			stateChanged = true
			metrics.Trades.WithLabelValues("partial_close").Inc()
			m.journal(models.Trade{
				Symbol:    order.Symbol,
				Action:    models.ActionPartialClose,
				Side:      order.Type,
				Lots:      closeVolume,
				Ticket:    ticket,
				Magic:     order.Magic,
				Timestamp: time.Now().Unix(),
			})
			m.notifier.Publish(notify.Event{
				Kind:   "partial_close",
				Symbol: order.Symbol,
				Side:   order.Type,
				Lots:   closeVolume,
				Ticket: ticket,
			})
		}
	}

	if stateChanged {
		m.saveState()
	}
}

func (m *TradeManager) saveState() {
	if err := saveManagerState(m.statePath, m.partialsTaken); err != nil {
		m.logger.Error("Could not persist state", zap.Error(err))
	}
}

func (m *TradeManager) journal(trade models.Trade) {
	if m.db == nil {
		return
	}
	if err := m.db.Create(&trade).Error; err != nil {
		// Journal failures never block trading.
		m.logger.Error("Failed to save trade record", zap.Error(err))
	}
}

// --- price helpers ---

// strategyStopLoss is the stop the risk config asks for, before any broker
// compliance consideration.
func (m *TradeManager) strategyStopLoss(side string, d terminal.SymbolMarketData) float64 {
	entry := entryPrice(side, d)
	if entry <= 0 {
		return 0
	}
	slFraction := m.cfg.Risk.StopLossPercent / 100.0
	if side == terminal.OrderTypeBuy {
		return entry * (1 - slFraction)
	}
	return entry * (1 + slFraction)
}

// brokerBoundary is the closest stop price the broker will accept, inflated
// by the configured safety multiplier.
func (m *TradeManager) brokerBoundary(side string, d terminal.SymbolMarketData) float64 {
	pointSize := math.Pow(10, -float64(*d.Digits))
	multiplier := m.cfg.Risk.StopLevelBufferMultiplier
	if multiplier <= 0 {
		multiplier = 1.1
	}
	minDistance := float64(*d.StopLevel+*d.Spread) * multiplier * pointSize
	if side == terminal.OrderTypeBuy {
		return d.Bid - minDistance
	}
	return d.Ask + minDistance
}

func (m *TradeManager) takeProfit(side string, d terminal.SymbolMarketData) float64 {
	if m.cfg.Risk.TakeProfitPercent <= 0 {
		return 0
	}
	entry := entryPrice(side, d)
	if entry <= 0 {
		return 0
	}
	tpFraction := m.cfg.Risk.TakeProfitPercent / 100.0
	if side == terminal.OrderTypeBuy {
		return entry * (1 + tpFraction)
	}
	return entry * (1 - tpFraction)
}

func (m *TradeManager) trailingStopPrice(side string, currentPrice float64) float64 {
	trailFraction := m.cfg.Risk.TrailingStopPercent / 100.0
	if side == terminal.OrderTypeBuy {
		return currentPrice * (1 - trailFraction)
	}
	return currentPrice * (1 + trailFraction)
}

func (m *TradeManager) lotSize(side string, stopLoss, equity float64, d terminal.SymbolMarketData) float64 {
	if m.cfg.Risk.UseFixedLotSize {
		return m.cfg.Risk.FixedLotSize
	}
	entry := entryPrice(side, d)
	if entry <= 0 {
		return 0
	}
	stopDistance := math.Abs(entry - stopLoss)
	pointSize := math.Pow(10, -float64(*d.Digits))
	valuePerPoint := d.TickValue / pointSize

	lots := risk.CalculateLotSize(
		equity,
		m.cfg.Risk.RiskPerTradePercent,
		stopDistance,
		valuePerPoint,
		d.LotMin,
		d.LotMax,
		d.LotStep,
	)
	m.logger.Info("Risk sizing",
		zap.Float64("equity", equity),
		zap.Float64("risk_percent", m.cfg.Risk.RiskPerTradePercent),
		zap.Float64("stop_distance", stopDistance),
		zap.Float64("lots", lots))
	return lots
}

func entryPrice(side string, d terminal.SymbolMarketData) float64 {
	if side == terminal.OrderTypeBuy {
		return d.Ask
	}
	return d.Bid
}

// stopCompliant reports whether the stop sits at or beyond the broker's
// minimum-distance boundary.
func stopCompliant(side string, stopLoss, boundary float64) bool {
	if side == terminal.OrderTypeBuy {
		return stopLoss <= boundary
	}
	return stopLoss >= boundary
}

func profitPercent(side string, openPrice, currentPrice float64) float64 {
	if side == terminal.OrderTypeBuy {
		return (currentPrice - openPrice) / openPrice * 100.0
	}
	return (openPrice - currentPrice) / openPrice * 100.0
}

func roundToDigits(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}
