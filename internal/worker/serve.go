package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"tickreplay/internal/backtest"
	"tickreplay/internal/candle"
	"tickreplay/internal/history"
	"tickreplay/internal/logger"
)

// worker 进程退出码。
const (
	ExitOK    = 0
	ExitFatal = 1
	ExitAbort = 2
)

// Replayer 同步执行一次回放，*backtest.Manager 满足该接口。
type Replayer interface {
	RunSync(ctx context.Context, cfg backtest.RunConfig, sink backtest.EventSink, progress backtest.ProgressFunc) (backtest.Run, *backtest.Report, error)
}

// ReadJob 解码协调者写入 worker 标准输入的回放配置。
func ReadJob(r io.Reader) (backtest.RunConfig, error) {
	var cfg backtest.RunConfig
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return backtest.RunConfig{}, fmt.Errorf("decode job: %w", err)
	}
	return cfg, nil
}

// Serve 以 worker 模式执行 cfg，在 out 上输出进度与结果，返回进程退出码。
func Serve(ctx context.Context, r Replayer, cfg backtest.RunConfig, out io.Writer) int {
	em := NewEmitter(out)
	cfg.Detached = true
	run, rep, err := r.RunSync(ctx, cfg, nil, em.Progress)
	switch {
	case err == nil:
		if rep == nil {
			_ = em.Error(KindFatal, errors.New("replay finished without report"))
			return ExitFatal
		}
		if err := em.Result(rep, rep.ReportPath); err != nil {
			logger.Errorf("[worker] 输出结果失败: %v", err)
			return ExitFatal
		}
		logger.Infof("[worker] run %s 完成 profit=%.8f", run.ID, rep.Profit)
		return ExitOK
	case errors.Is(err, backtest.ErrEquityFloor) && rep != nil:
		_ = em.Abort(rep.AbortReason, rep.FinalEquity)
		logger.Warnf("[worker] run %s 提前终止: %s", run.ID, rep.AbortReason)
		return ExitAbort
	default:
		_ = em.Error(ErrorKind(err), err)
		logger.Errorf("[worker] 回放失败: %v", err)
		return ExitFatal
	}
}

// ErrorKind 为 error 消息归类 err。
func ErrorKind(err error) string {
	var dataErr *history.DataUnavailableError
	switch {
	case errors.As(err, &dataErr):
		return KindData
	case errors.Is(err, backtest.ErrInvalidConfig),
		errors.Is(err, backtest.ErrUnknownInstrument),
		errors.Is(err, candle.ErrInvalidCandleSize):
		return KindConfig
	default:
		return KindFatal
	}
}
