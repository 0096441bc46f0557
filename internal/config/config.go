package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Terminal Terminal `mapstructure:"terminal"`
	Trading  Trading  `mapstructure:"trading"`
	Risk     Risk     `mapstructure:"risk"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Notify   Notify   `mapstructure:"notify"`
}

// Terminal holds the configuration for the broker terminal file bridge.
type Terminal struct {
	DirPath                string  `mapstructure:"dir_path"`
	PollIntervalMs         int     `mapstructure:"poll_interval_ms"`
	MaxRetryCommandSeconds int     `mapstructure:"max_retry_command_seconds"`
	NumCommandFiles        int     `mapstructure:"num_command_files"`
	LoadOrdersFromFile     bool    `mapstructure:"load_orders_from_file"`
	CommandRateLimit       float64 `mapstructure:"command_rate_limit"`
	CommandRateBurst       int     `mapstructure:"command_rate_burst"`
}

// Trading holds the configuration for the trading session.
type Trading struct {
	Symbol                   string                        `mapstructure:"symbol"`
	Timeframe                string                        `mapstructure:"timeframe"`
	Strategy                 string                        `mapstructure:"strategy"`
	StrategyParams           map[string]map[string]float64 `mapstructure:"strategy_params"`
	MagicNumber              int                           `mapstructure:"magic_number"`
	HeartbeatIntervalSeconds int                           `mapstructure:"heartbeat_interval_seconds"`
	PreloadTimeoutSeconds    int                           `mapstructure:"preload_timeout_seconds"`
	ReceiptTimeoutSeconds    int                           `mapstructure:"receipt_timeout_seconds"`
	CloseOnExit              bool                          `mapstructure:"close_on_exit"`
}

// PartialCloseRule closes a fraction of an open position once its profit
// percentage reaches the trigger. Each rule fires at most once per ticket.
type PartialCloseRule struct {
	VolumePercent float64 `mapstructure:"volume_percent"`
	ProfitPercent float64 `mapstructure:"profit_percent"`
}

// Stop-loss policies for a strategy stop tighter than the broker minimum.
const (
	StopPolicyAbort = "abort" // refuse the trade
	StopPolicyClamp = "clamp" // widen the stop to the broker boundary
)

// Risk holds the risk and trade-management parameters.
type Risk struct {
	UseFixedLotSize            bool               `mapstructure:"use_fixed_lot_size"`
	FixedLotSize               float64            `mapstructure:"fixed_lot_size"`
	RiskPerTradePercent        float64            `mapstructure:"risk_per_trade_percent"`
	StopLossPercent            float64            `mapstructure:"stop_loss_percent"`
	TakeProfitPercent          float64            `mapstructure:"take_profit_percent"`
	UseTrailingStop            bool               `mapstructure:"use_trailing_stop"`
	TrailingStopPercent        float64            `mapstructure:"trailing_stop_percent"`
	TrailingStopTriggerPercent float64            `mapstructure:"trailing_stop_trigger_percent"`
	PartialCloseRules          []PartialCloseRule `mapstructure:"partial_close_rules"`
	MaxOpenPositions           int                `mapstructure:"max_open_positions"`
	StopLevelBufferMultiplier  float64            `mapstructure:"stop_level_buffer_multiplier"`
	StopPolicy                 string             `mapstructure:"stop_policy"`
}

// Server holds the configuration for the status API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the trade journal database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Notify holds the configuration for the webhook notifier.
type Notify struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Validate checks the parts of the configuration that would otherwise fail
// deep inside the trading loop.
func (c *Config) Validate() error {
	if c.Terminal.DirPath == "" {
		return fmt.Errorf("terminal.dir_path must be set")
	}
	if c.Trading.Symbol == "" || c.Trading.Timeframe == "" {
		return fmt.Errorf("trading.symbol and trading.timeframe must be set")
	}
	if c.Trading.Strategy == "" {
		return fmt.Errorf("trading.strategy must be set")
	}
	switch c.Risk.StopPolicy {
	case StopPolicyAbort, StopPolicyClamp:
	default:
		return fmt.Errorf("risk.stop_policy must be %q or %q, got %q",
			StopPolicyAbort, StopPolicyClamp, c.Risk.StopPolicy)
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be positive")
	}
	return nil
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}
	err = config.Validate()
	return
}

// WatchConfig registers a callback that receives a freshly unmarshaled Config
// whenever the config file changes on disk. A file that no longer unmarshals
// or validates is ignored, so a half-edited config never reaches the engine.
func WatchConfig(onChange func(Config)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

func setDefaults() {
	viper.SetDefault("terminal.poll_interval_ms", 5)
	viper.SetDefault("terminal.max_retry_command_seconds", 10)
	viper.SetDefault("terminal.num_command_files", 50)
	viper.SetDefault("terminal.load_orders_from_file", true)
	viper.SetDefault("terminal.command_rate_limit", 50) // commands per second
	viper.SetDefault("terminal.command_rate_burst", 10)

	viper.SetDefault("trading.heartbeat_interval_seconds", 15)
	viper.SetDefault("trading.preload_timeout_seconds", 30)
	viper.SetDefault("trading.receipt_timeout_seconds", 5)
	viper.SetDefault("trading.close_on_exit", true)

	viper.SetDefault("risk.max_open_positions", 1)
	viper.SetDefault("risk.stop_level_buffer_multiplier", 1.1)
	viper.SetDefault("risk.stop_policy", StopPolicyAbort)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.max_size_mb", 50)
	viper.SetDefault("logger.max_backups", 5)
}

// TimeframeSeconds converts a terminal timeframe code ("M5", "H1", "D1") to
// its bar interval in seconds. Unknown codes fall back to one minute.
func TimeframeSeconds(timeframe string) int64 {
	tf := strings.ToUpper(strings.TrimSpace(timeframe))
	if len(tf) < 2 {
		return 60
	}
	n := 0
	for _, r := range tf[1:] {
		if r < '0' || r > '9' {
			return 60
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 60
	}
	switch tf[0] {
	case 'M':
		return int64(n) * 60
	case 'H':
		return int64(n) * 3600
	case 'D':
		return int64(n) * 86400
	case 'W':
		return int64(n) * 604800
	}
	return 60
}
