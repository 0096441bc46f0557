package terminal

import (
	"sort"
	"strconv"
	"strings"
)

// Order types the terminal reports. Market orders are "buy"/"sell"; the
// remaining variants are pending orders.
const (
	OrderTypeBuy  = "buy"
	OrderTypeSell = "sell"
)

// Bar is one OHLCV candle as delivered by the terminal.
type Bar struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume int64   `json:"tick_volume"`
}

// Valid reports whether the candle is usable: positive OHLC and high >= low.
func (b Bar) Valid() bool {
	return b.Open > 0 && b.High > 0 && b.Low > 0 && b.Close > 0 && b.High >= b.Low
}

// SymbolMarketData is the broker's per-symbol snapshot. The terminal may
// write a partial snapshot while a symbol initializes, so absent fields must
// stay distinguishable from legitimate values. Digits, stoplevel and spread
// are pointers because zero is a valid value for all three; the price and lot
// fields use zero as "not arrived yet". Callers must test Ready before
// trading.
type SymbolMarketData struct {
	Ask       float64 `json:"ask"`
	Bid       float64 `json:"bid"`
	Digits    *int    `json:"digits"`
	StopLevel *int    `json:"stoplevel"`
	Spread    *int    `json:"spread"`
	LotMin    float64 `json:"lot_min"`
	LotMax    float64 `json:"lot_max"`
	LotStep   float64 `json:"lot_step"`
	TickValue float64 `json:"tick_value"`
}

// Ready reports whether the snapshot is complete enough to size and place a
// trade. Accessing Digits, StopLevel or Spread is only safe once Ready
// returns true.
func (d SymbolMarketData) Ready() bool {
	return d.Ask > 0 && d.Bid > 0 &&
		d.Digits != nil && d.StopLevel != nil && d.Spread != nil &&
		d.LotMin > 0 && d.LotMax > 0 && d.LotStep > 0 && d.TickValue > 0
}

// equal compares two snapshots field by field.
func (d SymbolMarketData) equal(o SymbolMarketData) bool {
	return d.Ask == o.Ask && d.Bid == o.Bid &&
		intPtrEqual(d.Digits, o.Digits) &&
		intPtrEqual(d.StopLevel, o.StopLevel) &&
		intPtrEqual(d.Spread, o.Spread) &&
		d.LotMin == o.LotMin && d.LotMax == o.LotMax &&
		d.LotStep == o.LotStep && d.TickValue == o.TickValue
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// OpenOrder is the broker's view of a live order. The ticket number is the
// authoritative key and lives in the map key of the orders cache.
type OpenOrder struct {
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Magic      int     `json:"magic"`
	Lots       float64 `json:"lots"`
	OpenPrice  float64 `json:"open_price"`
	OpenTime   string  `json:"open_time"`
	StopLoss   float64 `json:"SL"`
	TakeProfit float64 `json:"TP"`
	PnL        float64 `json:"pnl"`
	Swap       float64 `json:"swap"`
	Comment    string  `json:"comment"`
}

// AccountInfo is the broker's account snapshot.
type AccountInfo struct {
	Name     string  `json:"name"`
	Number   int64   `json:"number"`
	Currency string  `json:"currency"`
	Leverage int     `json:"leverage"`
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Margin   float64 `json:"margin"`
}

// Message is one broker info or error message.
type Message struct {
	Type        string `json:"type"` // "INFO" or "ERROR"
	ErrorType   string `json:"error_type,omitempty"`
	Description string `json:"description"`
}

// ordersPayload is the layout of the orders file. Ticket keys arrive as
// strings because JSON object keys always do.
type ordersPayload struct {
	Orders      map[string]OpenOrder `json:"orders"`
	AccountInfo AccountInfo          `json:"account_info"`
}

func parseTickets(raw map[string]OpenOrder) map[int64]OpenOrder {
	out := make(map[int64]OpenOrder, len(raw))
	for k, v := range raw {
		ticket, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[ticket] = v
	}
	return out
}

// splitSymbolTimeframe splits a "SYMBOL_TF" key on its last underscore, so
// symbols containing underscores survive.
func splitSymbolTimeframe(key string) (symbol, timeframe string, ok bool) {
	i := strings.LastIndex(key, "_")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// sortBarsByTime converts a historic payload (timestamp-keyed candles) into a
// chronologically ordered slice.
func sortBarsByTime(raw map[string]Bar) []Bar {
	bars := make([]Bar, 0, len(raw))
	for ts, b := range raw {
		t, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		b.Time = t
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })
	return bars
}
