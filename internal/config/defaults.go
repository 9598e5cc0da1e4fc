package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppLogFormat     = "text"
	defaultHistoryDir       = "data/history"
	defaultReportDir        = "data/reports"
	defaultCacheDir         = "data/candles"
	defaultExchangeSource   = SourceNone
	defaultMaxLeverage      = 1
	defaultStrategy         = "sma_cross"
	defaultFillPolicy       = "touch"
	defaultMaxFillsPerBatch = 1
	defaultMaxPending       = 1
	defaultBatchSpanMs      = 10_000
	defaultSnapshotEveryMs  = 15 * 60_000
	defaultMaxConcurrent    = 1
	defaultImportRate       = 1200
	defaultImportConcurrent = 2
	defaultImportChunkMin   = 60
	defaultImportRetries    = 3
	defaultImportBackoffMs  = 1000
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30_000
	defaultBinanceURL       = "https://fapi.binance.com"
	defaultBinanceTimeout   = 15
	defaultClickHouseTable  = "trades"
	defaultClickHouseTO     = 10
	defaultResultsDriver    = "sqlite"
	defaultResultsDSN       = "data/results.db"
	defaultHTTPAddr         = ":9991"
	defaultWorkerParallel   = 2
)

// 历史成交来源
const (
	SourceBinance    = "binance"
	SourceClickHouse = "clickhouse"
	SourceNone       = "none"
)

type keySet map[string]struct{}

func (k keySet) mark(key string) {
	if k == nil {
		return
	}
	k[strings.ToLower(key)] = struct{}{}
}

func (k keySet) isSet(key string) bool {
	if k == nil {
		return false
	}
	_, ok := k[strings.ToLower(key)]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.applyExchangeDefaults()
	c.Backtest.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Import.applyDefaults(keys)
	c.Results.applyDefaults(keys)
	applyFieldDefaults(keys, stringFieldDefault("http.addr", &c.HTTP.Addr, defaultHTTPAddr))
	applyFieldDefaults(keys, intFieldDefault("worker.parallel", &c.Worker.Parallel, defaultWorkerParallel))
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
	)
	a.LogFormat = strings.ToLower(strings.TrimSpace(a.LogFormat))
}

func (d *DataConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("data.history_dir", &d.HistoryDir, defaultHistoryDir),
		stringFieldDefault("data.report_dir", &d.ReportDir, defaultReportDir),
	)
}

// applyExchangeDefaults 规范交易所名称为小写，补齐交易对的杠杆上限。
func (c *Config) applyExchangeDefaults() {
	if len(c.Exchanges) == 0 {
		return
	}
	normalized := make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		name = strings.ToLower(strings.TrimSpace(name))
		ex.Source = strings.ToLower(strings.TrimSpace(ex.Source))
		if ex.Source == "" {
			ex.Source = defaultExchangeSource
		}
		for i := range ex.Instruments {
			inst := &ex.Instruments[i]
			inst.Symbol = strings.ToUpper(strings.TrimSpace(inst.Symbol))
			if inst.MaxLeverage == 0 {
				inst.MaxLeverage = defaultMaxLeverage
			}
		}
		normalized[name] = ex
	}
	c.Exchanges = normalized
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.strategy", &b.Strategy, defaultStrategy),
		stringFieldDefault("backtest.fill_policy", &b.FillPolicy, defaultFillPolicy),
		intFieldDefault("backtest.max_fills_per_batch", &b.MaxFillsPerBatch, defaultMaxFillsPerBatch),
		intFieldDefault("backtest.max_pending", &b.MaxPending, defaultMaxPending),
		intFieldDefault("backtest.max_concurrent", &b.MaxConcurrent, defaultMaxConcurrent),
		fieldDefault{
			key:   "backtest.batch_span_ms",
			need:  func() bool { return b.BatchSpanMs <= 0 },
			apply: func() { b.BatchSpanMs = defaultBatchSpanMs },
		},
		fieldDefault{
			key:   "backtest.snapshot_every_ms",
			need:  func() bool { return b.SnapshotEveryMs <= 0 },
			apply: func() { b.SnapshotEveryMs = defaultSnapshotEveryMs },
		},
		boolFieldDefault("backtest.auto_import", &b.AutoImport, true),
	)
	b.FillPolicy = strings.ToLower(strings.TrimSpace(b.FillPolicy))
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("cache.dir", &c.Dir, defaultCacheDir),
		boolFieldDefault("cache.enabled", &c.Enabled, true),
	)
}

func (i *ImportConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("import.rate_limit_per_min", &i.RateLimitPerMin, defaultImportRate),
		intFieldDefault("import.max_concurrent", &i.MaxConcurrent, defaultImportConcurrent),
		intFieldDefault("import.chunk_minutes", &i.ChunkMinutes, defaultImportChunkMin),
		intFieldDefault("import.max_retries", &i.MaxRetries, defaultImportRetries),
		intFieldDefault("import.retry_backoff_ms", &i.RetryBackoffMs, defaultImportBackoffMs),
		intFieldDefault("import.breaker_threshold", &i.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("import.breaker_cooldown_ms", &i.BreakerCooldownMs, defaultBreakerCooldown),
		stringFieldDefault("import.binance.base_url", &i.Binance.BaseURL, defaultBinanceURL),
		intFieldDefault("import.binance.timeout_seconds", &i.Binance.TimeoutSeconds, defaultBinanceTimeout),
		stringFieldDefault("import.clickhouse.table", &i.ClickHouse.Table, defaultClickHouseTable),
		intFieldDefault("import.clickhouse.timeout_seconds", &i.ClickHouse.TimeoutSeconds, defaultClickHouseTO),
	)
}

func (r *ResultsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("results.driver", &r.Driver, defaultResultsDriver),
		stringFieldDefault("results.dsn", &r.DSN, defaultResultsDSN),
	)
	r.Driver = strings.ToLower(strings.TrimSpace(r.Driver))
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
