package terminal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mt-trade-bot-go/internal/config"
)

// recordingHandler captures transport callbacks for assertions.
type recordingHandler struct {
	mu            sync.Mutex
	ticks         []string
	bars          []Bar
	barKeys       []string
	historic      map[string][]Bar
	historicCount int
	orderEvents   int
	messages      []Message
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{historic: map[string][]Bar{}}
}

func (h *recordingHandler) OnTick(symbol string, bid, ask float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks = append(h.ticks, symbol)
}

func (h *recordingHandler) OnBarData(symbol, timeframe string, bar Bar) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bars = append(h.bars, bar)
	h.barKeys = append(h.barKeys, symbol+"_"+timeframe)
}

func (h *recordingHandler) OnHistoricData(symbol, timeframe string, bars []Bar) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.historic[symbol+"_"+timeframe] = bars
}

func (h *recordingHandler) OnHistoricTrades(count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.historicCount = count
}

func (h *recordingHandler) OnOrderEvent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orderEvents++
}

func (h *recordingHandler) OnMessage(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func newTestClient(t *testing.T) (*Client, *recordingHandler, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Terminal{
		DirPath:                dir,
		PollIntervalMs:         1,
		MaxRetryCommandSeconds: 1,
		NumCommandFiles:        5,
		LoadOrdersFromFile:     true,
	}
	c := NewClient(cfg, zap.NewNop())
	h := newRecordingHandler()
	c.SetEventHandler(h)
	return c, h, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestSendCommandUsesFirstFreeSlot(t *testing.T) {
	c, _, dir := newTestClient(t)

	id := c.SendCommand("OPEN_ORDER", "EURUSD,buy,0.1")
	assert.Equal(t, 1, id)

	data, err := os.ReadFile(filepath.Join(dir, "Commands_0.txt"))
	require.NoError(t, err)
	assert.Equal(t, "<:1|OPEN_ORDER|EURUSD,buy,0.1:>", string(data))
}

func TestSendCommandSkipsOccupiedSlot(t *testing.T) {
	c, _, dir := newTestClient(t)
	writeFile(t, dir, "Commands_0.txt", "occupied")

	c.SendCommand("CLOSE_ALL_ORDERS", "")

	// Occupied slot untouched, command landed in the next slot.
	data, err := os.ReadFile(filepath.Join(dir, "Commands_0.txt"))
	require.NoError(t, err)
	assert.Equal(t, "occupied", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "Commands_1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "<:1|CLOSE_ALL_ORDERS|:>", string(data))
}

func TestConcurrentCommandsGetDistinctIDsAndSlots(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Terminal{
		DirPath:                dir,
		PollIntervalMs:         1,
		MaxRetryCommandSeconds: 2,
		NumCommandFiles:        10,
	}
	c := NewClient(cfg, zap.NewNop())

	const n = 8
	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids <- c.SendCommand("SUBSCRIBE_SYMBOLS", fmt.Sprintf("SYM%d", i))
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[int]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate command id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, n, "each command should occupy its own slot file")
}

func TestSendCommandDroppedWhenAllSlotsOccupied(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Terminal{
		DirPath:                dir,
		PollIntervalMs:         1,
		MaxRetryCommandSeconds: 0, // no retry window
		NumCommandFiles:        1,
	}
	c := NewClient(cfg, zap.NewNop())
	writeFile(t, dir, "Commands_0.txt", "occupied")

	id := c.SendCommand("CLOSE_ALL_ORDERS", "")
	assert.Equal(t, 1, id, "caller still receives the allocated id")

	data, err := os.ReadFile(filepath.Join(dir, "Commands_0.txt"))
	require.NoError(t, err)
	assert.Equal(t, "occupied", string(data), "occupied slot must not be overwritten")
}

func TestWaitForReceipt(t *testing.T) {
	c, _, dir := newTestClient(t)

	writeFile(t, dir, "Execution_Receipts.txt", "7|OK")
	assert.True(t, c.WaitForReceipt(7, time.Second))
	assert.False(t, c.WaitForReceipt(8, 50*time.Millisecond))
}

func TestPollOrdersCachesAndNotifiesOnKeySetChange(t *testing.T) {
	c, h, dir := newTestClient(t)

	writeFile(t, dir, "Orders.txt", `{
		"orders": {"101": {"symbol": "EURUSD", "type": "buy", "magic": 7, "lots": 0.5, "open_price": 1.1, "SL": 1.09, "TP": 0}},
		"account_info": {"equity": 10000.5, "balance": 10000}
	}`)
	c.pollOrders()

	orders := c.OpenOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "buy", orders[101].Type)
	assert.Equal(t, 7, orders[101].Magic)
	assert.InDelta(t, 10000.5, c.AccountInfo().Equity, 1e-9)
	assert.Equal(t, 1, h.orderEvents)

	// Same payload again: no re-read, no event.
	c.pollOrders()
	assert.Equal(t, 1, h.orderEvents)

	// Field-only mutation (same ticket set): cache refreshes, no event.
	writeFile(t, dir, "Orders.txt", `{
		"orders": {"101": {"symbol": "EURUSD", "type": "buy", "magic": 7, "lots": 0.5, "open_price": 1.1, "SL": 1.095, "TP": 0}},
		"account_info": {"equity": 10001}
	}`)
	c.pollOrders()
	assert.Equal(t, 1, h.orderEvents)
	assert.InDelta(t, 1.095, c.OpenOrders()[101].StopLoss, 1e-9)

	// Ticket set change: event fires.
	writeFile(t, dir, "Orders.txt", `{"orders": {}, "account_info": {"equity": 10001}}`)
	c.pollOrders()
	assert.Equal(t, 2, h.orderEvents)
}

func TestPollOrdersKeepsCacheOnCorruptPayload(t *testing.T) {
	c, _, dir := newTestClient(t)

	writeFile(t, dir, "Orders.txt", `{"orders": {"101": {"type": "buy"}}, "account_info": {"equity": 5}}`)
	c.pollOrders()
	require.Len(t, c.OpenOrders(), 1)

	writeFile(t, dir, "Orders.txt", `{"orders": {`)
	c.pollOrders()
	assert.Len(t, c.OpenOrders(), 1, "last-known-good cache survives a parse failure")
}

func TestPollMessagesDeliversInOrderOnce(t *testing.T) {
	c, h, dir := newTestClient(t)

	writeFile(t, dir, "Messages.txt", `{
		"1700000002000": {"type": "ERROR", "description": "second"},
		"1700000001000": {"type": "INFO", "description": "first"}
	}`)
	c.pollMessages()

	require.Len(t, h.messages, 2)
	assert.Equal(t, "first", h.messages[0].Description)
	assert.Equal(t, "second", h.messages[1].Description)

	// An older message plus one new one: only the new one is delivered.
	writeFile(t, dir, "Messages.txt", `{
		"1700000001000": {"type": "INFO", "description": "first"},
		"1700000003000": {"type": "INFO", "description": "third"}
	}`)
	c.pollMessages()
	require.Len(t, h.messages, 3)
	assert.Equal(t, "third", h.messages[2].Description)
}

func TestMessageHighWaterMarkSurvivesRestart(t *testing.T) {
	c, h, dir := newTestClient(t)

	writeFile(t, dir, "Messages.txt", `{"1700000001000": {"type": "INFO", "description": "first"}}`)
	c.pollMessages()
	require.Len(t, h.messages, 1)

	// A fresh client in the same directory loads the stored high-water mark
	// and does not redeliver.
	c2 := NewClient(c.cfg, zap.NewNop())
	h2 := newRecordingHandler()
	c2.SetEventHandler(h2)
	c2.loadStoredMessages()
	c2.pollMessages()
	assert.Empty(t, h2.messages)
}

func TestPollMarketData(t *testing.T) {
	c, h, dir := newTestClient(t)

	writeFile(t, dir, "Market_Data.txt", `{
		"EURUSD": {"ask": 1.2001, "bid": 1.1999, "digits": 5, "stoplevel": 10, "spread": 2,
			"lot_min": 0.01, "lot_max": 100, "lot_step": 0.01, "tick_value": 1.0},
		"XAUUSD": {"ask": 1900.5}
	}`)
	c.pollMarketData()

	full, ok := c.MarketData("EURUSD")
	require.True(t, ok)
	assert.True(t, full.Ready())

	partial, ok := c.MarketData("XAUUSD")
	require.True(t, ok)
	assert.False(t, partial.Ready(), "incomplete snapshot must not be trade-ready")

	assert.Len(t, h.ticks, 2)

	// Unchanged payload produces no further ticks.
	c.pollMarketData()
	assert.Len(t, h.ticks, 2)

	// Only the symbol whose snapshot changed ticks again.
	writeFile(t, dir, "Market_Data.txt", `{
		"EURUSD": {"ask": 1.2003, "bid": 1.2001, "digits": 5, "stoplevel": 10, "spread": 2,
			"lot_min": 0.01, "lot_max": 100, "lot_step": 0.01, "tick_value": 1.0},
		"XAUUSD": {"ask": 1900.5}
	}`)
	c.pollMarketData()
	require.Len(t, h.ticks, 3)
	assert.Equal(t, "EURUSD", h.ticks[2])
}

func TestMarketDataReadyRequiresPriceMetadata(t *testing.T) {
	var full SymbolMarketData
	require.NoError(t, json.Unmarshal([]byte(`{"ask": 1.2, "bid": 1.1998,
		"digits": 5, "stoplevel": 0, "spread": 0,
		"lot_min": 0.01, "lot_max": 100, "lot_step": 0.01, "tick_value": 1.0}`), &full))
	assert.True(t, full.Ready(), "zero stoplevel and spread are valid values when present")

	// Same payload without digits/stoplevel/spread: prices and lot data alone
	// are not enough to place a trade.
	var partial SymbolMarketData
	require.NoError(t, json.Unmarshal([]byte(`{"ask": 1.2, "bid": 1.1998,
		"lot_min": 0.01, "lot_max": 100, "lot_step": 0.01, "tick_value": 1.0}`), &partial))
	assert.False(t, partial.Ready())
}

func TestPollBarData(t *testing.T) {
	c, h, dir := newTestClient(t)

	writeFile(t, dir, "Bar_Data.txt", `{"EURUSD_M5": {"time": 1700000000, "open": 1.1, "high": 1.2, "low": 1.05, "close": 1.15, "tick_volume": 42}}`)
	c.pollBarData()

	require.Len(t, h.bars, 1)
	assert.Equal(t, "EURUSD_M5", h.barKeys[0])
	assert.Equal(t, int64(1700000000), h.bars[0].Time)
	assert.True(t, h.bars[0].Valid())
}

func TestPollHistoricDataSortsAndDeletes(t *testing.T) {
	c, h, dir := newTestClient(t)

	writeFile(t, dir, "Historic_Data.txt", `{"EURUSD_M5": {
		"1700000600": {"open": 1.2, "high": 1.3, "low": 1.1, "close": 1.25, "tick_volume": 5},
		"1700000300": {"open": 1.1, "high": 1.2, "low": 1.0, "close": 1.15, "tick_volume": 3}
	}}`)
	c.pollHistoric()

	bars := h.historic["EURUSD_M5"]
	require.Len(t, bars, 2)
	assert.Equal(t, int64(1700000300), bars[0].Time)
	assert.Equal(t, int64(1700000600), bars[1].Time)

	_, err := os.Stat(filepath.Join(dir, "Historic_Data.txt"))
	assert.True(t, os.IsNotExist(err), "historic file must be deleted after consumption")
}

func TestPollHistoricTradesDeletesAfterRead(t *testing.T) {
	c, h, dir := newTestClient(t)

	writeFile(t, dir, "Historic_Trades.txt", `{"1": {"symbol": "EURUSD"}, "2": {"symbol": "XAUUSD"}}`)
	c.pollHistoric()

	assert.Equal(t, 2, h.historicCount)
	_, err := os.Stat(filepath.Join(dir, "Historic_Trades.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestStartFailsWithoutTerminalDirectory(t *testing.T) {
	cfg := config.Terminal{DirPath: filepath.Join(t.TempDir(), "missing"), NumCommandFiles: 1}
	c := NewClient(cfg, zap.NewNop())
	assert.Error(t, c.Start())
}

func TestSendHeartbeatWritesEpochSeconds(t *testing.T) {
	c, _, dir := newTestClient(t)
	c.SendHeartbeat()

	data, err := os.ReadFile(filepath.Join(dir, "Python_Heartbeat.txt"))
	require.NoError(t, err)
	assert.Regexp(t, `^\d+$`, string(data))
}

func TestSplitSymbolTimeframe(t *testing.T) {
	symbol, timeframe, ok := splitSymbolTimeframe("EURUSD_M5")
	require.True(t, ok)
	assert.Equal(t, "EURUSD", symbol)
	assert.Equal(t, "M5", timeframe)

	symbol, timeframe, ok = splitSymbolTimeframe("XAU_USD_H1")
	require.True(t, ok)
	assert.Equal(t, "XAU_USD", symbol)
	assert.Equal(t, "H1", timeframe)

	_, _, ok = splitSymbolTimeframe("NOSEPARATOR")
	assert.False(t, ok)
}
