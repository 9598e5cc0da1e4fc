package app

import (
	"context"
	"fmt"

	"tickreplay/internal/backtest"
	"tickreplay/internal/config"
	"tickreplay/internal/history"
	"tickreplay/internal/logger"
)

// App 负责应用级编排：加载配置→初始化依赖→启动回放与 HTTP 服务。
type App struct {
	cfg      *config.Config
	backtest *BacktestService
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Start 绑定上下文，不启动 HTTP。供 run/worker/import 子命令使用。
func (a *App) Start(ctx context.Context) {
	a.backtest.Start(ctx, false)
}

// Serve 启动 HTTP 服务并阻塞直到 ctx 取消。
func (a *App) Serve(ctx context.Context) error {
	if a == nil || a.backtest == nil || a.backtest.server == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	a.backtest.Start(ctx, false)
	return a.backtest.server.Start(ctx)
}

// ApplyConfig 应用热更新后的配置，仅替换回测默认参数与日志级别。
func (a *App) ApplyConfig(cfg *config.Config) {
	if a == nil || cfg == nil {
		return
	}
	logger.SetLevel(cfg.App.LogLevel)
	a.backtest.manager.SetDefaults(cfg.RunDefaults())
	logger.Infof("[app] 回测默认参数已更新 strategy=%s fill_policy=%s", cfg.Backtest.Strategy, cfg.Backtest.FillPolicy)
}

func (a *App) Close() {
	if a != nil {
		a.backtest.Close()
	}
}

func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Manager() *backtest.Manager { return a.backtest.manager }

func (a *App) Results() *backtest.ResultStore { return a.backtest.results }

// Imports 返回导入服务；未配置任何数据源时为 nil。
func (a *App) Imports() *history.Service { return a.backtest.imports }
