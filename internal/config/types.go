package config

import (
	"sort"
	"strings"
	"time"

	"tickreplay/internal/backtest"
	"tickreplay/internal/history"
	"tickreplay/internal/market"
)

// Config 是 tickreplay 的主配置载体。
type Config struct {
	App       AppConfig                 `toml:"app"`
	Data      DataConfig                `toml:"data"`
	Exchanges map[string]ExchangeConfig `toml:"exchanges"`
	Backtest  BacktestConfig            `toml:"backtest"`
	Cache     CacheConfig               `toml:"cache"`
	Import    ImportConfig              `toml:"import"`
	Results   ResultsConfig             `toml:"results"`
	HTTP      HTTPConfig                `toml:"http"`
	Worker    WorkerConfig              `toml:"worker"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // text | json
	LogPath   string `toml:"log_path"`
	// TradeLogPath 下单与成交流水的独立文件，为空时不记录。
	TradeLogPath string `toml:"trade_log_path"`
}

type DataConfig struct {
	HistoryDir string `toml:"history_dir"`
	ReportDir  string `toml:"report_dir"`
}

// ExchangeConfig 描述一个交易所：历史成交来源与可回测的交易对。
type ExchangeConfig struct {
	Source      string             `toml:"source"` // binance | clickhouse | none
	Instruments []InstrumentConfig `toml:"instruments"`
}

type InstrumentConfig struct {
	Symbol      string  `toml:"symbol"`
	FeeRate     float64 `toml:"fee_rate"`
	MaxLeverage float64 `toml:"max_leverage"`
	MinAmount   float64 `toml:"min_amount"`
	Precision   int32   `toml:"precision"`
}

// BacktestConfig 为回测任务的默认参数，请求中未指定的字段取这里的值。
type BacktestConfig struct {
	Strategy         string             `toml:"strategy"`
	Params           map[string]any     `toml:"params"`
	Balances         map[string]float64 `toml:"balances"`
	Slippage         float64            `toml:"slippage"`
	OrderTimeoutMs   int64              `toml:"order_timeout_ms"`
	FillPolicy       string             `toml:"fill_policy"`
	MaxFillsPerBatch int                `toml:"max_fills_per_batch"`
	MaxPending       int                `toml:"max_pending"`
	BatchSpanMs      int64              `toml:"batch_span_ms"`
	SnapshotEveryMs  int64              `toml:"snapshot_every_ms"`
	EquityFloor      float64            `toml:"equity_floor"`
	AutoImport       bool               `toml:"auto_import"`
	MaxConcurrent    int                `toml:"max_concurrent"`
}

type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// ImportConfig 控制历史成交导入：限速、分段、重试以及各数据源连接。
type ImportConfig struct {
	RateLimitPerMin int `toml:"rate_limit_per_min"`
	MaxConcurrent   int `toml:"max_concurrent"`
	ChunkMinutes    int `toml:"chunk_minutes"`
	MaxRetries      int `toml:"max_retries"`
	RetryBackoffMs  int `toml:"retry_backoff_ms"`
	// 连续失败达到 breaker_threshold 后，该交易所暂停拉取 breaker_cooldown_ms。
	BreakerThreshold  int              `toml:"breaker_threshold"`
	BreakerCooldownMs int              `toml:"breaker_cooldown_ms"`
	Binance           BinanceConfig    `toml:"binance"`
	ClickHouse        ClickHouseConfig `toml:"clickhouse"`
}

type BinanceConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type ClickHouseConfig struct {
	Addr           []string `toml:"addr"`
	Database       string   `toml:"database"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	Table          string   `toml:"table"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// ResultsConfig 指定回测结果库，driver 为 sqlite 或 postgres。
type ResultsConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// WorkerConfig 控制参数扫描时的子进程。
type WorkerConfig struct {
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Parallel int      `toml:"parallel"`
}

// Instruments 展开所有交易所下的交易对，按交易所与交易对排序。
func (c *Config) Instruments() []market.Instrument {
	names := c.ExchangeNames()
	var out []market.Instrument
	for _, name := range names {
		ex := c.Exchanges[name]
		insts := make([]market.Instrument, 0, len(ex.Instruments))
		for _, ic := range ex.Instruments {
			insts = append(insts, market.Instrument{
				Symbol:      strings.ToUpper(strings.TrimSpace(ic.Symbol)),
				Exchange:    name,
				FeeRate:     ic.FeeRate,
				MaxLeverage: ic.MaxLeverage,
				MinAmount:   ic.MinAmount,
				Precision:   ic.Precision,
			})
		}
		sort.Slice(insts, func(i, j int) bool { return insts[i].Symbol < insts[j].Symbol })
		out = append(out, insts...)
	}
	return out
}

// ExchangeNames 返回已配置的交易所名称（小写，已排序）。
func (c *Config) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunDefaults 转换为回测默认参数。余额币种统一为大写。
func (c *Config) RunDefaults() backtest.RunConfig {
	b := c.Backtest
	balances := make(map[string]float64, len(b.Balances))
	for cur, amt := range b.Balances {
		balances[strings.ToUpper(cur)] = amt
	}
	return backtest.RunConfig{
		Strategy:         b.Strategy,
		Params:           b.Params,
		Balances:         balances,
		Slippage:         b.Slippage,
		OrderTimeoutMs:   b.OrderTimeoutMs,
		FillPolicy:       backtest.FillPolicy(b.FillPolicy),
		MaxFillsPerBatch: b.MaxFillsPerBatch,
		MaxPending:       b.MaxPending,
		BatchSpanMs:      b.BatchSpanMs,
		SnapshotEveryMs:  b.SnapshotEveryMs,
		EquityFloor:      b.EquityFloor,
		UseCache:         c.Cache.Enabled,
		AutoImport:       b.AutoImport,
	}
}

func (i ImportConfig) Chunk() time.Duration {
	return time.Duration(i.ChunkMinutes) * time.Minute
}

func (i ImportConfig) RetryBackoff() time.Duration {
	return time.Duration(i.RetryBackoffMs) * time.Millisecond
}

func (i ImportConfig) BreakerCooldown() time.Duration {
	return time.Duration(i.BreakerCooldownMs) * time.Millisecond
}

func (b BinanceConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

func (c ClickHouseConfig) HistoryConfig() history.ClickHouseConfig {
	return history.ClickHouseConfig{
		Addr:     append([]string(nil), c.Addr...),
		Database: c.Database,
		Username: c.Username,
		Password: c.Password,
		Table:    c.Table,
		Timeout:  time.Duration(c.TimeoutSeconds) * time.Second,
	}
}
