package app

import (
	"context"
	"io"

	"tickreplay/internal/backtest"
	"tickreplay/internal/candle"
	"tickreplay/internal/history"
	"tickreplay/internal/logger"
	backtesthttp "tickreplay/internal/transport/http/backtest"
)

// BacktestService 管理历史数据、回放任务、结果库与 HTTP 暴露。
type BacktestService struct {
	store   *history.Store
	sources map[string]history.Source
	cache   *candle.Cache
	imports *history.Service
	results *backtest.ResultStore
	manager *backtest.Manager
	server  *backtesthttp.Server
}

// Start 绑定上下文；withHTTP 时在后台启动 HTTP 服务。
func (b *BacktestService) Start(ctx context.Context, withHTTP bool) {
	if b == nil {
		return
	}
	if b.imports != nil {
		b.imports.SetContext(ctx)
	}
	if b.manager != nil {
		b.manager.SetContext(ctx)
	}
	if withHTTP && b.server != nil {
		go func() {
			if err := b.server.Start(ctx); err != nil {
				logger.Warnf("[app] 回测 HTTP 停止: %v", err)
			}
		}()
	}
}

// Close 释放回测相关资源。
func (b *BacktestService) Close() {
	if b == nil {
		return
	}
	if b.results != nil {
		_ = b.results.Close()
	}
	if b.cache != nil {
		_ = b.cache.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
	for _, src := range b.sources {
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
