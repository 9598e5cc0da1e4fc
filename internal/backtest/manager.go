package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tickreplay/internal/candle"
	"tickreplay/internal/logger"
	"tickreplay/internal/market"

	"github.com/google/uuid"
)

const fillFlushSize = 200

type ManagerConfig struct {
	Runner        *Runner
	Results       *ResultStore
	Defaults      RunConfig
	MaxConcurrent int
}

// Manager 负责在后台执行回测任务，并把进度与结果写入结果库。
type Manager struct {
	runner   *Runner
	results  *ResultStore
	defaults RunConfig

	sem     chan struct{}
	baseCtx context.Context

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner 不能为空")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		runner:   cfg.Runner,
		results:  cfg.Results,
		defaults: cfg.Defaults,
		sem:      make(chan struct{}, maxConcurrent),
		baseCtx:  context.Background(),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

func (m *Manager) SetContext(ctx context.Context) {
	if ctx != nil {
		m.baseCtx = ctx
	}
}

// SetDefaults 替换回测默认参数，配置热更新时调用。
func (m *Manager) SetDefaults(d RunConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = d
}

func (m *Manager) Results() *ResultStore {
	return m.results
}

// BuildConfig 以默认参数为底合并请求字段。
func (m *Manager) BuildConfig(req RunRequest) (RunConfig, error) {
	m.mu.Lock()
	cfg := m.defaults
	m.mu.Unlock()
	cfg.Balances = cloneBalances(cfg.Balances)
	cfg.Instrument = strings.ToUpper(strings.TrimSpace(req.Instrument))
	cfg.Exchange = strings.ToLower(strings.TrimSpace(req.Exchange))
	cfg.Start, cfg.End = req.Start, req.End
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}
	if req.Params != nil {
		cfg.Params = req.Params
	}
	if len(req.Balances) > 0 {
		cfg.Balances = cloneBalances(req.Balances)
	}
	if req.Slippage != nil {
		cfg.Slippage = *req.Slippage
	}
	if req.FillPolicy != "" {
		cfg.FillPolicy = FillPolicy(strings.ToLower(req.FillPolicy))
	}
	if req.MaxFillsPerBatch > 0 {
		cfg.MaxFillsPerBatch = req.MaxFillsPerBatch
	}
	if req.EquityFloor != nil {
		cfg.EquityFloor = *req.EquityFloor
	}
	cfg.Notes = req.Notes
	inst, err := m.runner.Instrument(cfg.Exchange, cfg.Instrument)
	if err != nil {
		return RunConfig{}, err
	}
	if len(cfg.Balances) == 0 {
		return RunConfig{}, fmt.Errorf("%w: 未配置初始余额", ErrInvalidConfig)
	}
	if err := normalizeRunConfig(&cfg, inst); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// ApplyDefaults 用默认参数补齐 cfg 中未设置的字段，供 worker 模式使用。
func (m *Manager) ApplyDefaults(cfg RunConfig) RunConfig {
	m.mu.Lock()
	d := m.defaults
	m.mu.Unlock()
	if cfg.Strategy == "" {
		cfg.Strategy = d.Strategy
		if cfg.Params == nil {
			cfg.Params = d.Params
		}
	}
	if len(cfg.Balances) == 0 {
		cfg.Balances = cloneBalances(d.Balances)
	}
	if cfg.Slippage == 0 {
		cfg.Slippage = d.Slippage
	}
	if cfg.OrderTimeoutMs == 0 {
		cfg.OrderTimeoutMs = d.OrderTimeoutMs
	}
	if cfg.FillPolicy == "" {
		cfg.FillPolicy = d.FillPolicy
	}
	if cfg.MaxFillsPerBatch == 0 {
		cfg.MaxFillsPerBatch = d.MaxFillsPerBatch
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = d.MaxPending
	}
	if cfg.BatchSpanMs == 0 {
		cfg.BatchSpanMs = d.BatchSpanMs
	}
	if cfg.SnapshotEveryMs == 0 {
		cfg.SnapshotEveryMs = d.SnapshotEveryMs
	}
	if cfg.EquityFloor == 0 {
		cfg.EquityFloor = d.EquityFloor
	}
	return cfg
}

// StartRun 创建回测任务并立即返回，回放在后台进行。
func (m *Manager) StartRun(req RunRequest) (Run, error) {
	cfg, err := m.BuildConfig(req)
	if err != nil {
		return Run{}, err
	}
	run := newRun(cfg)
	if err := m.results.InsertRun(m.baseCtx, run); err != nil {
		return Run{}, err
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.cancels[run.ID] = cancel
	m.mu.Unlock()
	go m.runLoop(ctx, run.ID, cfg)
	return run, nil
}

func newRun(cfg RunConfig) Run {
	return Run{
		ID:         uuid.NewString(),
		Instrument: cfg.Instrument,
		Exchange:   cfg.Exchange,
		Strategy:   cfg.Strategy,
		Status:     RunStatusPending,
		Start:      cfg.Start,
		End:        cfg.End,
		Config:     cfg,
	}
}

// Cancel 取消运行中的任务。
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (m *Manager) runLoop(ctx context.Context, runID string, cfg RunConfig) {
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.cancels[runID]; ok {
			cancel()
			delete(m.cancels, runID)
		}
		m.mu.Unlock()
	}()
	select {
	case m.sem <- struct{}{}:
	default:
		logger.Warnf("[backtest] run %s 等待可用 worker", runID)
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			_ = m.results.UpdateRunStatus(m.baseCtx, runID, RunStatusFailed, ctx.Err().Error())
			return
		}
	}
	defer func() { <-m.sem }()
	if _, err := m.Execute(ctx, runID, cfg, nil, nil); err != nil {
		logger.Warnf("[backtest] run %s 失败: %v", runID, err)
	}
}

// Execute 同步执行一次已登记的任务，成交与资金曲线写入结果库，最终状态为 done、aborted 或 failed。
func (m *Manager) Execute(ctx context.Context, runID string, cfg RunConfig, sink EventSink, progress ProgressFunc) (*Report, error) {
	store := m.results
	// 结果写入使用独立 ctx，避免取消后状态无法落库
	writeCtx := m.baseCtx
	_ = store.UpdateRunStatus(writeCtx, runID, RunStatusRunning, "回放初始化…")

	fills := &fillWriter{store: store, runID: runID, ctx: writeCtx}
	lastPct := -1.0
	rep, err := m.runner.Run(ctx, runID, cfg, Sinks(fills, sink), func(p Progress) {
		if progress != nil {
			progress(p)
		}
		switch p.Stage {
		case StageImportStart:
			_ = store.UpdateRunStatus(writeCtx, runID, RunStatusRunning, "导入历史成交…")
		case StageReplay:
			if p.Percent-lastPct >= 5 || p.Percent >= 100 {
				lastPct = p.Percent
				_ = store.UpdateRunProgress(writeCtx, runID, p.Percent, fmt.Sprintf("replay %.0f%%", p.Percent))
			}
		}
	})
	fills.flush()
	if rep != nil {
		if err := store.InsertSnapshots(writeCtx, runID, rep.Snapshots); err != nil {
			logger.Warnf("[backtest] run %s 写入 snapshot 失败: %v", runID, err)
		}
	}
	switch {
	case err == nil:
		_ = store.UpdateRunResult(writeCtx, runID, RunStatusDone, rep, "完成")
	case errors.Is(err, ErrEquityFloor):
		_ = store.UpdateRunResult(writeCtx, runID, RunStatusAborted, rep, err.Error())
	default:
		_ = store.UpdateRunStatus(writeCtx, runID, RunStatusFailed, err.Error())
	}
	return rep, err
}

// RunSync 登记并同步执行一次回测，供命令行与 worker 使用。
func (m *Manager) RunSync(ctx context.Context, cfg RunConfig, sink EventSink, progress ProgressFunc) (Run, *Report, error) {
	inst, err := m.runner.Instrument(cfg.Exchange, cfg.Instrument)
	if err != nil {
		return Run{}, nil, err
	}
	if err := normalizeRunConfig(&cfg, inst); err != nil {
		return Run{}, nil, err
	}
	run := newRun(cfg)
	if err := m.results.InsertRun(m.baseCtx, run); err != nil {
		return Run{}, nil, err
	}
	rep, err := m.Execute(ctx, run.ID, cfg, sink, progress)
	return run, rep, err
}

// fillWriter 缓冲成交并批量写入结果库。
type fillWriter struct {
	store *ResultStore
	runID string
	ctx   context.Context
	buf   []Fill
}

func (w *fillWriter) OnFill(f Fill) {
	w.buf = append(w.buf, f)
	if len(w.buf) >= fillFlushSize {
		w.flush()
	}
}

func (w *fillWriter) OnExpire(Order) {}

func (w *fillWriter) OnCandle(string, string, candle.Timeframe, market.Candle)  {}
func (w *fillWriter) OnPreview(string, string, candle.Timeframe, market.Candle) {}

func (w *fillWriter) flush() {
	if len(w.buf) == 0 {
		return
	}
	if err := w.store.InsertFills(w.ctx, w.runID, w.buf); err != nil {
		logger.Warnf("[backtest] run %s 写入成交失败: %v", w.runID, err)
	}
	w.buf = w.buf[:0]
}

func cloneBalances(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}
