package trader

import (
	"github.com/markcheno/go-talib"

	"mt-trade-bot-go/internal/terminal"
)

// SmaCrossover signals once per crossover of a short over a long simple
// moving average. It remembers the last market position so a persistent
// spread between the averages does not re-fire the signal every bar.
type SmaCrossover struct {
	shortPeriod        int
	longPeriod         int
	lastMarketPosition string
}

// NewSmaCrossover builds the strategy; parameters: short_period, long_period.
func NewSmaCrossover(params map[string]float64) Strategy {
	s := &SmaCrossover{
		shortPeriod: int(paramOr(params, "short_period", 10)),
		longPeriod:  int(paramOr(params, "long_period", 20)),
	}
	s.Reset()
	return s
}

func (s *SmaCrossover) Name() string { return "sma_crossover" }

func (s *SmaCrossover) RequiredBars() int { return s.longPeriod }

func (s *SmaCrossover) Reset() {
	s.lastMarketPosition = SignalHold
}

func (s *SmaCrossover) GetSignal(history []terminal.Bar) Signal {
	if len(history) < s.longPeriod {
		return Hold()
	}

	closes := closePrices(history)
	shortSma := talib.Sma(closes, s.shortPeriod)
	longSma := talib.Sma(closes, s.longPeriod)

	last := len(closes) - 1
	diff := shortSma[last] - longSma[last]

	const epsilon = 1e-9
	current := SignalHold
	if diff > epsilon {
		current = SignalBuy
	} else if diff < -epsilon {
		current = SignalSell
	}

	action := SignalHold
	if current == SignalBuy && s.lastMarketPosition != SignalBuy {
		action = SignalBuy
	} else if current == SignalSell && s.lastMarketPosition != SignalSell {
		action = SignalSell
	}

	s.lastMarketPosition = current
	return Signal{Action: action, Comment: "sma_crossover"}
}
