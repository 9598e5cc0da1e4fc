package app

import (
	"context"
	"fmt"
	"os"

	"tickreplay/internal/backtest"
	"tickreplay/internal/candle"
	"tickreplay/internal/config"
	"tickreplay/internal/history"
	"tickreplay/internal/logger"
	"tickreplay/internal/strategy"
	backtesthttp "tickreplay/internal/transport/http/backtest"
)

type AppBuilder struct {
	cfg *config.Config

	sourcesFn func(*config.Config) (map[string]history.Source, error)
	resultsFn func(config.ResultsConfig) (*backtest.ResultStore, error)
}

type AppBuilderOption func(*AppBuilder)

// WithSources 替换历史成交来源的构建方式，测试中注入内存数据源。
func WithSources(fn func(*config.Config) (map[string]history.Source, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.sourcesFn = fn
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		sourcesFn: buildSources,
		resultsFn: openResults,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	for _, dir := range []string{cfg.Data.HistoryDir, cfg.Data.ReportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	store, err := history.NewStore(cfg.Data.HistoryDir)
	if err != nil {
		return nil, err
	}
	svc := &BacktestService{store: store}
	fail := func(err error) (*App, error) {
		svc.Close()
		return nil, err
	}

	sources, err := b.sourcesFn(cfg)
	if err != nil {
		return fail(err)
	}
	svc.sources = sources
	if len(sources) > 0 {
		svc.imports, err = history.NewService(history.ServiceConfig{
			Store:            store,
			Sources:          sources,
			RateLimitPerMin:  cfg.Import.RateLimitPerMin,
			MaxConcurrent:    cfg.Import.MaxConcurrent,
			Chunk:            cfg.Import.Chunk(),
			MaxRetries:       cfg.Import.MaxRetries,
			RetryBackoff:     cfg.Import.RetryBackoff(),
			BreakerThreshold: cfg.Import.BreakerThreshold,
			BreakerCooldown:  cfg.Import.BreakerCooldown(),
		})
		if err != nil {
			return fail(err)
		}
	} else {
		logger.Warnf("[app] 未配置任何历史成交来源，缺失数据将直接报错")
	}

	if cfg.Cache.Enabled {
		svc.cache, err = candle.NewCache(cfg.Cache.Dir)
		if err != nil {
			return fail(err)
		}
	}

	runnerCfg := backtest.RunnerConfig{
		History:     store,
		Cache:       svc.cache,
		Strategies:  strategy.DefaultRegistry(),
		Instruments: cfg.Instruments(),
		ReportDir:   cfg.Data.ReportDir,
	}
	if svc.imports != nil {
		runnerCfg.Importer = svc.imports
	}
	runner, err := backtest.NewRunner(runnerCfg)
	if err != nil {
		return fail(err)
	}

	svc.results, err = b.resultsFn(cfg.Results)
	if err != nil {
		return fail(err)
	}
	svc.manager, err = backtest.NewManager(backtest.ManagerConfig{
		Runner:        runner,
		Results:       svc.results,
		Defaults:      cfg.RunDefaults(),
		MaxConcurrent: cfg.Backtest.MaxConcurrent,
	})
	if err != nil {
		return fail(err)
	}

	httpCfg := backtesthttp.Config{
		Addr:    cfg.HTTP.Addr,
		Runs:    svc.manager,
		Results: svc.results,
	}
	if svc.imports != nil {
		httpCfg.Imports = svc.imports
	}
	svc.server, err = backtesthttp.NewServer(httpCfg)
	if err != nil {
		return fail(err)
	}

	return &App{
		cfg:      cfg,
		backtest: svc,
		Summary:  buildSummary(cfg, sources),
	}, nil
}

// buildSources 按交易所配置创建历史成交来源，source 为 none 的交易所不参与导入。
func buildSources(cfg *config.Config) (map[string]history.Source, error) {
	out := make(map[string]history.Source)
	for _, name := range cfg.ExchangeNames() {
		switch cfg.Exchanges[name].Source {
		case config.SourceBinance:
			out[name] = history.NewBinanceSource(cfg.Import.Binance.BaseURL, cfg.Import.Binance.Timeout())
		case config.SourceClickHouse:
			src, err := history.NewClickHouseSource(cfg.Import.ClickHouse.HistoryConfig(), name)
			if err != nil {
				return nil, fmt.Errorf("clickhouse source for %s: %w", name, err)
			}
			out[name] = src
		}
	}
	return out, nil
}

func openResults(cfg config.ResultsConfig) (*backtest.ResultStore, error) {
	return backtest.OpenResultStore(cfg.Driver, cfg.DSN)
}
