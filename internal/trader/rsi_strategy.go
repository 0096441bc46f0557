package trader

import (
	"math"

	"github.com/markcheno/go-talib"

	"mt-trade-bot-go/internal/terminal"
)

// RSI zone labels.
const (
	zoneNeutral    = "NEUTRAL"
	zoneOversold   = "OVERSOLD"
	zoneOverbought = "OVERBOUGHT"
)

// RsiStrategy is a mean-reversion strategy: it buys when RSI exits the
// oversold zone and sells when it exits the overbought zone. The zone exit,
// not the zone itself, is the trigger.
type RsiStrategy struct {
	rsiPeriod           int
	oversoldThreshold   float64
	overboughtThreshold float64
	lastZone            string
}

// NewRsiStrategy builds the strategy; parameters: rsi_period,
// oversold_threshold, overbought_threshold.
func NewRsiStrategy(params map[string]float64) Strategy {
	s := &RsiStrategy{
		rsiPeriod:           int(paramOr(params, "rsi_period", 14)),
		oversoldThreshold:   paramOr(params, "oversold_threshold", 30),
		overboughtThreshold: paramOr(params, "overbought_threshold", 70),
	}
	s.Reset()
	return s
}

func (s *RsiStrategy) Name() string { return "rsi" }

// RequiredBars leaves RSI a full warm-up period beyond its window.
func (s *RsiStrategy) RequiredBars() int { return s.rsiPeriod * 2 }

func (s *RsiStrategy) Reset() {
	s.lastZone = zoneNeutral
}

func (s *RsiStrategy) GetSignal(history []terminal.Bar) Signal {
	if len(history) <= s.rsiPeriod {
		return Hold()
	}

	rsi := talib.Rsi(closePrices(history), s.rsiPeriod)
	current := rsi[len(rsi)-1]
	if math.IsNaN(current) || current == 0 {
		return Hold()
	}

	currentZone := zoneNeutral
	if current < s.oversoldThreshold {
		currentZone = zoneOversold
	} else if current > s.overboughtThreshold {
		currentZone = zoneOverbought
	}

	action := SignalHold
	if currentZone == zoneNeutral && s.lastZone == zoneOversold {
		action = SignalBuy
	} else if currentZone == zoneNeutral && s.lastZone == zoneOverbought {
		action = SignalSell
	}

	s.lastZone = currentZone
	return Signal{Action: action, Comment: "rsi"}
}
