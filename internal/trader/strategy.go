package trader

import (
	"fmt"
	"sort"

	"mt-trade-bot-go/internal/terminal"
)

// Signal actions a strategy may emit.
const (
	SignalBuy  = "BUY"
	SignalSell = "SELL"
	SignalHold = "HOLD"
)

// Signal is a strategy's verdict for the current window. Price and Comment
// are optional hints passed through to order submission.
type Signal struct {
	Action  string
	Price   float64
	Comment string
}

// Hold is the no-action signal.
func Hold() Signal { return Signal{Action: SignalHold} }

// Strategy is the capability contract the trade manager consumes. GetSignal
// receives a copy of the rolling window and must not mutate it; with fewer
// bars than RequiredBars it must return HOLD, never panic.
type Strategy interface {
	// Name returns the registry identifier of the strategy.
	Name() string

	// RequiredBars is the minimum lookback the strategy needs for a full
	// signal. The manager sizes its historic preload from this.
	RequiredBars() int

	// GetSignal evaluates the window, oldest bar first.
	GetSignal(history []terminal.Bar) Signal

	// Reset discards internal state after a data gap.
	Reset()
}

// StrategyFactory builds a strategy from its configured parameters. Missing
// parameters fall back to the strategy's defaults.
type StrategyFactory func(params map[string]float64) Strategy

// strategyRegistry is the static strategy catalogue. New strategies register
// here; no runtime reflection.
var strategyRegistry = map[string]StrategyFactory{
	"sma_crossover": NewSmaCrossover,
	"rsi":           NewRsiStrategy,
}

// NewStrategy instantiates a registered strategy by name.
func NewStrategy(name string, params map[string]float64) (Strategy, error) {
	factory, ok := strategyRegistry[name]
	if !ok {
		names := make([]string, 0, len(strategyRegistry))
		for n := range strategyRegistry {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", name, names)
	}
	return factory(params), nil
}

func paramOr(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

func closePrices(history []terminal.Bar) []float64 {
	closes := make([]float64, len(history))
	for i, b := range history {
		closes[i] = b.Close
	}
	return closes
}
