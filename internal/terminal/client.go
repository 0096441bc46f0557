package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mt-trade-bot-go/internal/config"
	"mt-trade-bot-go/internal/metrics"
)

// File names inside the terminal exchange directory. The terminal side owns
// this contract; do not rename.
const (
	fileOrders         = "Orders.txt"
	fileMessages       = "Messages.txt"
	fileMarketData     = "Market_Data.txt"
	fileBarData        = "Bar_Data.txt"
	fileHistoricData   = "Historic_Data.txt"
	fileHistoricTrades = "Historic_Trades.txt"
	fileOrdersStored   = "Orders_Stored.txt"
	fileMessagesStored = "Messages_Stored.txt"
	fileReceipts       = "Execution_Receipts.txt"
	fileHeartbeat      = "Python_Heartbeat.txt"
	commandFilePrefix  = "Commands_"
)

// commandIDModulus wraps the command sequence so ids stay readable in the
// terminal's logs.
const commandIDModulus = 100000

// EventHandler receives the transport's inbound callbacks. Implementations
// must not block for long: callbacks run on the poller goroutines.
type EventHandler interface {
	OnTick(symbol string, bid, ask float64)
	OnBarData(symbol, timeframe string, bar Bar)
	OnHistoricData(symbol, timeframe string, bars []Bar)
	OnHistoricTrades(count int)
	OnOrderEvent()
	OnMessage(msg Message)
}

// ClientInterface is the transport surface consumed by the trade manager.
type ClientInterface interface {
	OpenOrders() map[int64]OpenOrder
	AccountInfo() AccountInfo
	MarketData(symbol string) (SymbolMarketData, bool)
	OpenOrder(symbol, orderType string, lots, price, stopLoss, takeProfit float64, magic int, comment string, expiration int64) int
	ModifyOrder(ticket int64, price, stopLoss, takeProfit float64, expiration int64) int
	CloseOrder(ticket int64, lots float64) int
	CloseOrdersByMagic(magic int) int
	WaitForReceipt(commandID int, timeout time.Duration) bool
}

// Client is the file-based bridge to the broker terminal. All inbound state
// is a cache rebuilt from the exchange files; every read may be stale,
// missing, or corrupted and is treated as "no new data" when it is.
//
// Cache maps are replaced wholesale on each poll cycle and never mutated in
// place, so accessors can hand out the current map without copying.
type Client struct {
	cfg     config.Terminal
	logger  *zap.Logger
	handler EventHandler
	limiter *rate.Limiter

	dir       string
	pollDelay time.Duration

	active  bool
	stateMu sync.Mutex // guards active, start/stop transitions
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Command dispatch is serialized so ids and slot selection cannot race.
	cmdMu     sync.Mutex
	commandID int

	ordersMu    sync.RWMutex
	openOrders  map[int64]OpenOrder
	accountInfo AccountInfo

	marketMu   sync.RWMutex
	marketData map[string]SymbolMarketData

	barMu   sync.RWMutex
	barData map[string]Bar

	histMu         sync.RWMutex
	historicData   map[string][]Bar
	historicTrades map[string]json.RawMessage

	// Raw-payload change detection per file.
	lastOrdersRaw         string
	lastMessagesRaw       string
	lastMarketDataRaw     string
	lastBarDataRaw        string
	lastHistoricDataRaw   string
	lastHistoricTradesRaw string

	// High-water mark for message dedup, persisted via the stored file.
	lastMessagesMillis int64
}

// ensure Client implements the interface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a terminal bridge client. The event handler is attached
// separately because its consumers need the client first.
func NewClient(cfg config.Terminal, logger *zap.Logger) *Client {
	delay := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if delay <= 0 {
		delay = 5 * time.Millisecond
	}
	limit := rate.Limit(cfg.CommandRateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Client{
		cfg:            cfg,
		logger:         logger,
		limiter:        rate.NewLimiter(limit, cfg.CommandRateBurst),
		dir:            cfg.DirPath,
		pollDelay:      delay,
		openOrders:     make(map[int64]OpenOrder),
		marketData:     make(map[string]SymbolMarketData),
		barData:        make(map[string]Bar),
		historicData:   make(map[string][]Bar),
		historicTrades: make(map[string]json.RawMessage),
	}
}

// SetEventHandler attaches the inbound callback sink. Must be called before
// Start.
func (c *Client) SetEventHandler(h EventHandler) {
	c.handler = h
}

// Start verifies the exchange directory, warm-starts from the stored files,
// launches the background pollers and resets the terminal's command counter.
// A missing exchange directory is the one fatal startup fault.
func (c *Client) Start() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.active {
		return nil
	}

	info, err := os.Stat(c.dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("terminal directory does not exist: %s", c.dir)
	}

	c.loadStoredMessages()
	if c.cfg.LoadOrdersFromFile {
		c.loadStoredOrders()
	}

	c.active = true
	c.stopCh = make(chan struct{})

	for _, poll := range []func(){
		c.pollOrders,
		c.pollMessages,
		c.pollMarketData,
		c.pollBarData,
		c.pollHistoric,
	} {
		c.wg.Add(1)
		go c.runPoller(poll)
	}

	c.ResetCommandIDs()
	c.logger.Info("Terminal client started",
		zap.String("dir", c.dir),
		zap.Duration("poll_interval", c.pollDelay))
	return nil
}

// Stop signals the pollers to cease. In-flight poll iterations may complete,
// but no new file operations begin after the next tick.
func (c *Client) Stop() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("Terminal client stopped")
}

func (c *Client) runPoller(poll func()) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollDelay)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			poll()
		}
	}
}

// --- cache accessors ---

// OpenOrders returns the latest broker order snapshot keyed by ticket. The
// returned map is a swapped-in snapshot; callers must not mutate it.
func (c *Client) OpenOrders() map[int64]OpenOrder {
	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()
	return c.openOrders
}

// AccountInfo returns the latest account snapshot.
func (c *Client) AccountInfo() AccountInfo {
	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()
	return c.accountInfo
}

// MarketData returns the latest snapshot for one symbol. ok is false until
// the terminal has written anything for the symbol; the snapshot may still be
// incomplete, so trading callers must also test Ready.
func (c *Client) MarketData(symbol string) (SymbolMarketData, bool) {
	c.marketMu.RLock()
	defer c.marketMu.RUnlock()
	d, ok := c.marketData[symbol]
	return d, ok
}

// HistoricData returns the cached historic bars for a "SYMBOL_TF" key.
func (c *Client) HistoricData(key string) ([]Bar, bool) {
	c.histMu.RLock()
	defer c.histMu.RUnlock()
	bars, ok := c.historicData[key]
	return bars, ok
}

// --- pollers: each iteration is independently fault-isolated ---

func (c *Client) pollOrders() {
	text := c.tryReadFile(fileOrders)
	if text == "" || text == c.lastOrdersRaw {
		return
	}

	var payload ordersPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		c.warnCorrupt(fileOrders, text)
		return
	}
	c.lastOrdersRaw = text

	orders := parseTickets(payload.Orders)

	c.ordersMu.Lock()
	changed := !sameTicketSet(c.openOrders, orders)
	c.openOrders = orders
	c.accountInfo = payload.AccountInfo
	c.ordersMu.Unlock()

	metrics.Equity.Set(payload.AccountInfo.Equity)

	if c.cfg.LoadOrdersFromFile {
		c.tryWriteFile(fileOrdersStored, text)
	}
	if c.handler != nil && changed {
		c.handler.OnOrderEvent()
	}
}

func (c *Client) pollMessages() {
	text := c.tryReadFile(fileMessages)
	if text == "" || text == c.lastMessagesRaw {
		return
	}

	var payload map[string]Message
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		c.warnCorrupt(fileMessages, text)
		return
	}
	c.lastMessagesRaw = text

	keys := make([]int64, 0, len(payload))
	index := make(map[int64]string, len(payload))
	for millisStr := range payload {
		millis, err := strconv.ParseInt(millisStr, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, millis)
		index[millis] = millisStr
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, millis := range keys {
		if millis <= c.lastMessagesMillis {
			continue
		}
		c.lastMessagesMillis = millis
		if c.handler != nil {
			c.handler.OnMessage(payload[index[millis]])
		}
	}

	c.tryWriteFile(fileMessagesStored, text)
}

func (c *Client) pollMarketData() {
	text := c.tryReadFile(fileMarketData)
	if text == "" || text == c.lastMarketDataRaw {
		return
	}

	var payload map[string]SymbolMarketData
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		c.warnCorrupt(fileMarketData, text)
		return
	}
	c.lastMarketDataRaw = text

	c.marketMu.Lock()
	prev := c.marketData
	c.marketData = payload
	c.marketMu.Unlock()

	// Only symbols whose snapshot actually changed produce a tick; the file
	// rewrites all subscribed symbols on every update.
	if c.handler != nil {
		for symbol, values := range payload {
			if old, ok := prev[symbol]; ok && old.equal(values) {
				continue
			}
			c.handler.OnTick(symbol, values.Bid, values.Ask)
		}
	}
}

func (c *Client) pollBarData() {
	text := c.tryReadFile(fileBarData)
	if text == "" || text == c.lastBarDataRaw {
		return
	}

	var payload map[string]Bar
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		c.warnCorrupt(fileBarData, text)
		return
	}
	c.lastBarDataRaw = text

	c.barMu.Lock()
	c.barData = payload
	c.barMu.Unlock()

	// Bar-level dedup is the consumer's job; the poller only reports that
	// the payload changed.
	if c.handler != nil {
		for key, bar := range payload {
			symbol, timeframe, ok := splitSymbolTimeframe(key)
			if !ok {
				continue
			}
			c.handler.OnBarData(symbol, timeframe, bar)
		}
	}
}

// pollHistoric consumes the one-shot historic data and historic trades files,
// deleting each after a successful read so payloads are processed once.
func (c *Client) pollHistoric() {
	if text := c.tryReadFile(fileHistoricData); text != "" && text != c.lastHistoricDataRaw {
		var payload map[string]map[string]Bar
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			c.warnCorrupt(fileHistoricData, text)
		} else {
			c.lastHistoricDataRaw = text
			for key, rawBars := range payload {
				bars := sortBarsByTime(rawBars)
				c.histMu.Lock()
				c.historicData[key] = bars
				c.histMu.Unlock()
				if c.handler != nil {
					if symbol, timeframe, ok := splitSymbolTimeframe(key); ok {
						c.handler.OnHistoricData(symbol, timeframe, bars)
					}
				}
			}
			c.tryRemoveFile(fileHistoricData)
		}
	}

	if text := c.tryReadFile(fileHistoricTrades); text != "" && text != c.lastHistoricTradesRaw {
		var payload map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			c.warnCorrupt(fileHistoricTrades, text)
		} else {
			c.lastHistoricTradesRaw = text
			c.histMu.Lock()
			c.historicTrades = payload
			c.histMu.Unlock()
			if c.handler != nil {
				c.handler.OnHistoricTrades(len(payload))
			}
			c.tryRemoveFile(fileHistoricTrades)
		}
	}
}

// --- command dispatch ---

// SendCommand allocates the next command id and writes the command to the
// first free slot file. If every slot stays occupied for the whole retry
// window the command is dropped; the returned id then never produces a
// receipt, which is how callers discover the drop.
func (c *Client) SendCommand(command, payload string) int {
	_ = c.limiter.Wait(context.Background())

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.commandID = (c.commandID + 1) % commandIDModulus
	id := c.commandID
	content := fmt.Sprintf("<:%d|%s|%s:>", id, command, payload)

	deadline := time.Now().Add(time.Duration(c.cfg.MaxRetryCommandSeconds) * time.Second)
	for {
		for i := 0; i < c.cfg.NumCommandFiles; i++ {
			path := filepath.Join(c.dir, fmt.Sprintf("%s%d.txt", commandFilePrefix, i))
			if _, err := os.Stat(path); err == nil || !errors.Is(err, fs.ErrNotExist) {
				continue // slot occupied (or unreadable: treat as occupied)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				c.logger.Error("Failed to write command file", zap.String("path", path), zap.Error(err))
				continue
			}
			metrics.Commands.WithLabelValues("sent").Inc()
			return id
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(c.pollDelay)
	}

	metrics.Commands.WithLabelValues("dropped").Inc()
	c.logger.Warn("Command dropped: no free command slot within retry window",
		zap.Int("command_id", id), zap.String("command", command))
	return id
}

// WaitForReceipt polls the execution receipt file until it reports the given
// command id or the timeout elapses. This is the only synchronous
// confirmation primitive the bridge offers.
func (c *Client) WaitForReceipt(commandID int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		text := c.tryReadFile(fileReceipts)
		if text != "" {
			parts := strings.SplitN(strings.TrimSpace(text), "|", 2)
			if id, err := strconv.Atoi(parts[0]); err == nil && id == commandID {
				c.logger.Debug("Receipt confirmed", zap.Int("command_id", commandID))
				return true
			}
		}
		time.Sleep(c.pollDelay)
	}
	metrics.ReceiptTimeouts.Inc()
	c.logger.Warn("Timed out waiting for execution receipt", zap.Int("command_id", commandID))
	return false
}

// ResetCommandIDs zeroes the local counter and tells the terminal to do the
// same, so both sides agree after a restart.
func (c *Client) ResetCommandIDs() {
	c.cmdMu.Lock()
	c.commandID = 0
	c.cmdMu.Unlock()
	c.SendCommand("RESET_COMMAND_IDS", "")
	// Give the terminal a moment to process before further commands.
	time.Sleep(500 * time.Millisecond)
}

// SendHeartbeat writes the current epoch seconds for the terminal's
// liveness check.
func (c *Client) SendHeartbeat() {
	c.tryWriteFile(fileHeartbeat, strconv.FormatInt(time.Now().UTC().Unix(), 10))
}

// --- trade and subscription commands ---

// OpenOrder submits a new order. A zero price means "at market".
func (c *Client) OpenOrder(symbol, orderType string, lots, price, stopLoss, takeProfit float64, magic int, comment string, expiration int64) int {
	payload := strings.Join([]string{
		symbol,
		orderType,
		formatFloat(lots),
		formatFloat(price),
		formatFloat(stopLoss),
		formatFloat(takeProfit),
		strconv.Itoa(magic),
		comment,
		strconv.FormatInt(expiration, 10),
	}, ",")
	return c.SendCommand("OPEN_ORDER", payload)
}

// ModifyOrder changes price/SL/TP/expiration on an existing order. Zero
// fields are left untouched by the terminal.
func (c *Client) ModifyOrder(ticket int64, price, stopLoss, takeProfit float64, expiration int64) int {
	payload := strings.Join([]string{
		strconv.FormatInt(ticket, 10),
		formatFloat(price),
		formatFloat(stopLoss),
		formatFloat(takeProfit),
		strconv.FormatInt(expiration, 10),
	}, ",")
	return c.SendCommand("MODIFY_ORDER", payload)
}

// CloseOrder closes an order, fully when lots is zero, otherwise partially.
func (c *Client) CloseOrder(ticket int64, lots float64) int {
	payload := strconv.FormatInt(ticket, 10) + "," + formatFloat(lots)
	return c.SendCommand("CLOSE_ORDER", payload)
}

func (c *Client) CloseAllOrders() int {
	return c.SendCommand("CLOSE_ALL_ORDERS", "")
}

func (c *Client) CloseOrdersBySymbol(symbol string) int {
	return c.SendCommand("CLOSE_ORDERS_BY_SYMBOL", symbol)
}

func (c *Client) CloseOrdersByMagic(magic int) int {
	return c.SendCommand("CLOSE_ORDERS_BY_MAGIC", strconv.Itoa(magic))
}

func (c *Client) SubscribeSymbols(symbols []string) int {
	return c.SendCommand("SUBSCRIBE_SYMBOLS", strings.Join(symbols, ","))
}

// SubscribeSymbolsBarData subscribes to bar updates for (symbol, timeframe)
// pairs.
func (c *Client) SubscribeSymbolsBarData(subscriptions [][2]string) int {
	parts := make([]string, 0, len(subscriptions))
	for _, st := range subscriptions {
		parts = append(parts, st[0]+","+st[1])
	}
	return c.SendCommand("SUBSCRIBE_SYMBOLS_BAR_DATA", strings.Join(parts, ","))
}

// GetHistoricData requests candles for [start, end]; the result arrives
// asynchronously through the historic-data poller.
func (c *Client) GetHistoricData(symbol, timeframe string, start, end int64) int {
	payload := strings.Join([]string{
		symbol,
		timeframe,
		strconv.FormatInt(start, 10),
		strconv.FormatInt(end, 10),
	}, ",")
	return c.SendCommand("GET_HISTORIC_DATA", payload)
}

func (c *Client) GetHistoricTrades(lookbackDays int) int {
	return c.SendCommand("GET_HISTORIC_TRADES", strconv.Itoa(lookbackDays))
}

// --- warm start from stored files ---

func (c *Client) loadStoredOrders() {
	text := c.tryReadFile(fileOrdersStored)
	if text == "" {
		return
	}
	var payload ordersPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		c.logger.Warn("Could not load stored orders, file is corrupted")
		return
	}
	c.ordersMu.Lock()
	c.openOrders = parseTickets(payload.Orders)
	c.accountInfo = payload.AccountInfo
	c.ordersMu.Unlock()
}

func (c *Client) loadStoredMessages() {
	text := c.tryReadFile(fileMessagesStored)
	if text == "" {
		return
	}
	var payload map[string]Message
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		c.logger.Warn("Could not load stored messages, file is corrupted")
		return
	}
	for millisStr := range payload {
		if millis, err := strconv.ParseInt(millisStr, 10, 64); err == nil && millis > c.lastMessagesMillis {
			c.lastMessagesMillis = millis
		}
	}
}

// --- file helpers: transient I/O faults are never fatal ---

func (c *Client) tryReadFile(name string) string {
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

func (c *Client) tryWriteFile(name, content string) {
	if err := os.WriteFile(filepath.Join(c.dir, name), []byte(content), 0o644); err != nil {
		c.logger.Error("Error writing file", zap.String("file", name), zap.Error(err))
	}
}

func (c *Client) tryRemoveFile(name string) {
	if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Error("Error removing file", zap.String("file", name), zap.Error(err))
	}
}

func (c *Client) warnCorrupt(file, text string) {
	metrics.PollParseFailures.WithLabelValues(file).Inc()
	if len(text) > 200 {
		text = text[:200]
	}
	c.logger.Warn("Corrupted JSON in poll file", zap.String("file", file), zap.String("content", text))
}

func sameTicketSet(a map[int64]OpenOrder, b map[int64]OpenOrder) bool {
	if len(a) != len(b) {
		return false
	}
	for ticket := range a {
		if _, ok := b[ticket]; !ok {
			return false
		}
	}
	return true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
