package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"tickreplay/internal/candle"
	"tickreplay/internal/history"
	"tickreplay/internal/ledger"
	"tickreplay/internal/logger"
	"tickreplay/internal/market"
	"tickreplay/internal/strategy"
)

const (
	defaultBatchSpan     = 10 * time.Second
	defaultSnapshotEvery = 15 * time.Minute
	cacheSource          = "history"
)

var errStopReplay = errors.New("stop replay")

// Importer 补齐缺失的历史成交。
type Importer interface {
	Import(ctx context.Context, params history.ImportParams, progress func(percent float64)) (history.ImportJob, error)
}

// Progress 为回放进度事件。Stage 为 import_start、import 或 replay。
type Progress struct {
	Stage         string  `json:"stage"`
	Percent       float64 `json:"percent"`
	SimulatedTime int64   `json:"simulated_time,omitempty"`
}

const (
	StageImportStart = "import_start"
	StageImport      = "import"
	StageReplay      = "replay"
)

type ProgressFunc func(Progress)

type RunnerConfig struct {
	History     *history.Store
	Importer    Importer
	Cache       *candle.Cache
	Strategies  *strategy.Registry
	Instruments []market.Instrument
	ReportDir   string
}

// Runner 以同步调用链回放历史成交：成交 -> 撮合 -> K 线 -> 策略 -> 下单，
// 每个批次处理完毕后才读取下一批。
type Runner struct {
	history     *history.Store
	importer    Importer
	cache       *candle.Cache
	strategies  *strategy.Registry
	instruments map[string]market.Instrument
	reportDir   string
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.History == nil {
		return nil, fmt.Errorf("%w: history store 不能为空", ErrInvalidConfig)
	}
	if cfg.Strategies == nil {
		cfg.Strategies = strategy.DefaultRegistry()
	}
	r := &Runner{
		history:     cfg.History,
		importer:    cfg.Importer,
		cache:       cfg.Cache,
		strategies:  cfg.Strategies,
		instruments: make(map[string]market.Instrument, len(cfg.Instruments)),
		reportDir:   cfg.ReportDir,
	}
	for _, inst := range cfg.Instruments {
		inst.Symbol = strings.ToUpper(inst.Symbol)
		inst.Exchange = strings.ToLower(inst.Exchange)
		r.instruments[inst.Key()] = inst
	}
	return r, nil
}

// Instrument 返回配置中的交易对。
func (r *Runner) Instrument(exchange, symbol string) (market.Instrument, error) {
	inst, ok := r.instruments[market.InstrumentKey(exchange, symbol)]
	if !ok {
		return market.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, market.InstrumentKey(exchange, symbol))
	}
	return inst, nil
}

// Run 执行一次回放。worker 模式下权益跌破下限时返回带 Aborted 标记的报告与 ErrEquityFloor。
func (r *Runner) Run(ctx context.Context, runID string, cfg RunConfig, sink EventSink, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	inst, err := r.Instrument(cfg.Exchange, cfg.Instrument)
	if err != nil {
		return nil, err
	}
	if err := normalizeRunConfig(&cfg, inst); err != nil {
		return nil, err
	}
	if err := r.ensureData(ctx, cfg, inst, progress); err != nil {
		return nil, err
	}

	book := ledger.NewPortfolio()
	for cur, amt := range cfg.Balances {
		book.Deposit(inst.Exchange, cur, amt)
	}
	rec := NewRecorder(runID, cfg.SnapshotEveryMs)
	exec, err := NewExecutor(book, []market.Instrument{inst}, ExecutorConfig{
		Slippage:         cfg.Slippage,
		OrderTimeout:     time.Duration(cfg.OrderTimeoutMs) * time.Millisecond,
		FillPolicy:       cfg.FillPolicy,
		MaxFillsPerBatch: cfg.MaxFillsPerBatch,
		MaxPending:       cfg.MaxPending,
		Sink:             Sinks(rec, sink),
	})
	if err != nil {
		return nil, err
	}
	strat, err := r.strategies.New(cfg.Strategy, cfg.Params, strategy.Env{Instrument: inst, Ledger: book})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	rp, err := newReplay(runID, cfg, inst, exec, book, rec, strat, Sinks(sink))
	if err != nil {
		return nil, err
	}
	r.attachFeed(ctx, rp)

	logger.Infof("[backtest] run %s 开始回放 %s [%d,%d) strategy=%s", runID, inst.Key(), cfg.Start, cfg.End, strat.Name())
	span := time.Duration(cfg.BatchSpanMs) * time.Millisecond
	lastPct := -1.0
	replayErr := r.history.Batches(ctx, inst.Symbol, inst.Exchange, cfg.Start, cfg.End, span, func(from, to int64, ticks []market.Tick) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rp.step(to, ticks); err != nil {
			return err
		}
		pct := math.Floor(float64(to-cfg.Start) / float64(cfg.End-cfg.Start) * 100)
		if pct > lastPct {
			lastPct = pct
			progress(Progress{Stage: StageReplay, Percent: pct, SimulatedTime: to})
		}
		return nil
	})
	aborted := errors.Is(replayErr, errStopReplay)
	if replayErr != nil && !aborted {
		return nil, replayErr
	}

	rep := rp.finish()
	if !aborted && r.cache != nil && cfg.UseCache && !rp.cacheHit {
		if err := r.cache.Save(ctx, inst.Symbol, inst.Exchange, rp.cacheKey, rp.minutes); err != nil {
			logger.Warnf("[backtest] run %s 写入 K 线缓存失败: %v", runID, err)
		}
	}
	if r.reportDir != "" {
		if path, err := WriteReport(r.reportDir, rep); err != nil {
			logger.Warnf("[backtest] run %s 写入报告失败: %v", runID, err)
		} else {
			rep.ReportPath = path
		}
	}
	logger.Infof("[backtest] run %s 完成 equity=%.8f profit=%.8f fills=%d warnings=%d aborted=%v",
		runID, rep.FinalEquity, rep.Profit, rep.Fills, rep.LedgerWarnings, rep.Aborted)
	if aborted {
		return rep, fmt.Errorf("%w: %s", ErrEquityFloor, rep.AbortReason)
	}
	return rep, nil
}

func normalizeRunConfig(cfg *RunConfig, inst market.Instrument) error {
	cfg.Instrument = inst.Symbol
	cfg.Exchange = inst.Exchange
	if cfg.End <= cfg.Start || cfg.Start < 0 {
		return fmt.Errorf("%w: start=%d end=%d", ErrInvalidConfig, cfg.Start, cfg.End)
	}
	if len(cfg.Balances) == 0 {
		return fmt.Errorf("%w: 未配置初始余额", ErrInvalidConfig)
	}
	for cur, amt := range cfg.Balances {
		if amt < 0 {
			return fmt.Errorf("%w: 初始余额 %s 为负", ErrInvalidConfig, cur)
		}
	}
	if cfg.EquityFloor < 0 || cfg.EquityFloor >= 1 {
		return fmt.Errorf("%w: equity_floor %.4f 需在 [0,1)", ErrInvalidConfig, cfg.EquityFloor)
	}
	if strings.TrimSpace(cfg.Strategy) == "" {
		return fmt.Errorf("%w: 未指定策略", ErrInvalidConfig)
	}
	if cfg.BatchSpanMs <= 0 {
		cfg.BatchSpanMs = defaultBatchSpan.Milliseconds()
	}
	if cfg.SnapshotEveryMs <= 0 {
		cfg.SnapshotEveryMs = defaultSnapshotEvery.Milliseconds()
	}
	return nil
}

// ensureData 检查成交覆盖范围，缺失时触发一次导入后重试。
func (r *Runner) ensureData(ctx context.Context, cfg RunConfig, inst market.Instrument, progress ProgressFunc) error {
	err := r.history.Check(ctx, inst.Symbol, inst.Exchange, cfg.Start, cfg.End)
	var dataErr *history.DataUnavailableError
	if err == nil || !errors.As(err, &dataErr) {
		return err
	}
	if r.importer == nil || !cfg.AutoImport {
		logger.Warnf("[backtest] %v", dataErr)
		return err
	}
	logger.Infof("[backtest] %s 缺失 %d 段数据，开始导入", inst.Key(), len(dataErr.Missing))
	progress(Progress{Stage: StageImportStart})
	_, err = r.importer.Import(ctx, history.ImportParams{
		Instrument: inst.Symbol,
		Exchange:   inst.Exchange,
		Start:      cfg.Start,
		End:        cfg.End,
	}, func(pct float64) {
		progress(Progress{Stage: StageImport, Percent: pct})
	})
	if err != nil {
		return fmt.Errorf("import %s: %w", inst.Key(), err)
	}
	return r.history.Check(ctx, inst.Symbol, inst.Exchange, cfg.Start, cfg.End)
}

// attachFeed 优先使用 K 线缓存，未命中时由 Maker 现场生成。
func (r *Runner) attachFeed(ctx context.Context, rp *replay) {
	cfg := rp.cfg
	if r.cache == nil || !cfg.UseCache {
		return
	}
	rp.cacheKey = candle.CacheKey(candle.CacheKeyInput{
		Instrument:      cfg.Instrument,
		Exchange:        cfg.Exchange,
		Start:           cfg.Start,
		End:             cfg.End,
		TrendEpsilonPct: market.TrendEpsilonPct,
		Source:          cacheSource,
	})
	cached, ok, err := r.cache.Load(ctx, cfg.Instrument, cfg.Exchange, rp.cacheKey)
	if err == nil && ok {
		err = checkCached(cached, cfg.Start, cfg.End)
	}
	if err != nil {
		logger.Warnf("[backtest] K 线缓存 %s 不可用，删除后现场生成: %v", rp.cacheKey, err)
		if err := r.cache.Invalidate(cfg.Instrument, cfg.Exchange, rp.cacheKey); err != nil {
			logger.Warnf("[backtest] 删除 K 线缓存 %s 失败: %v", rp.cacheKey, err)
		}
		return
	}
	if ok {
		rp.feed = &cachedFeed{candles: cached, open: candle.NewOpenMinute(0)}
		rp.cacheHit = true
		logger.Infof("[backtest] %s 命中 K 线缓存 %s（%d 根）", rp.inst.Key(), rp.cacheKey, len(cached))
	}
}

// checkCached 校验缓存 K 线首尾相接，且数量不超过区间所覆盖的分钟数。
func checkCached(cached []market.Candle, start, end int64) error {
	one := candle.Timeframe{Key: "1m", Minutes: 1}
	limit := one.ExpectedCandles(start-start%market.MinuteMillis, end)
	if int64(len(cached)) > limit {
		return fmt.Errorf("%d 根 K 线超出区间上限 %d", len(cached), limit)
	}
	if !market.Candles(cached).Contiguous() {
		return errors.New("K 线不连续")
	}
	return nil
}

// candleFeed 把成交批次转换为定稿的 1m K 线，并给出进行中分钟的预览。
type candleFeed interface {
	AddTicks(ticks []market.Tick) []market.Candle
	Flush() []market.Candle
	Dropped() int64
	Preview(now int64) (market.Candle, bool)
	Current() (market.Candle, bool)
}

// cachedFeed 按与 Maker 相同的时机回放缓存 K 线：只输出早于最新成交所在分钟的 K 线。
// 进行中分钟的预览仍由成交现场计算。
type cachedFeed struct {
	candles []market.Candle
	next    int
	open    *candle.OpenMinute
}

func (f *cachedFeed) AddTicks(ticks []market.Tick) []market.Candle {
	if len(ticks) == 0 {
		return nil
	}
	f.open.AddTicks(ticks)
	newest := ticks[len(ticks)-1].Minute()
	start := f.next
	for f.next < len(f.candles) && f.candles[f.next].Start < newest {
		f.next++
	}
	return f.candles[start:f.next]
}

func (f *cachedFeed) Flush() []market.Candle {
	out := f.candles[f.next:]
	f.next = len(f.candles)
	return out
}

func (f *cachedFeed) Dropped() int64 { return 0 }

func (f *cachedFeed) Preview(now int64) (market.Candle, bool) { return f.open.Preview(now) }

func (f *cachedFeed) Current() (market.Candle, bool) { return f.open.Current() }

type tfBatcher struct {
	tf candle.Timeframe
	b  *candle.Batcher
}

// replay 保存单次回放的全部可变状态。
type replay struct {
	runID string
	cfg   RunConfig
	inst  market.Instrument
	exec  *Executor
	book  *ledger.Portfolio
	rec   *Recorder
	strat strategy.Strategy
	sink  EventSink

	feed     candleFeed
	batchers []tfBatcher
	cacheKey string
	cacheHit bool
	minutes  []market.Candle

	startEquity float64
	lastTime    int64
	ticks       int64
	abortReason string
}

func newReplay(runID string, cfg RunConfig, inst market.Instrument, exec *Executor, book *ledger.Portfolio, rec *Recorder, strat strategy.Strategy, sink EventSink) (*replay, error) {
	rp := &replay{
		runID: runID,
		cfg:   cfg,
		inst:  inst,
		exec:  exec,
		book:  book,
		rec:   rec,
		strat: strat,
		sink:  sink,
		feed:  candle.NewMaker(candle.MakerConfig{Instrument: inst.Symbol, Exchange: inst.Exchange}),
	}
	one, _ := candle.ParseTimeframe("1m")
	seen := make(map[int]bool)
	for _, tf := range strat.Timeframes() {
		if tf.Minutes <= 1 || seen[tf.Minutes] {
			continue
		}
		seen[tf.Minutes] = true
		size, err := tf.BatchSize(one)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		b, err := candle.NewBatcher(candle.BatcherConfig{Size: size, Align: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		rp.batchers = append(rp.batchers, tfBatcher{tf: tf, b: b})
	}
	return rp, nil
}

// step 处理一个成交批次，完整走完撮合、过期、K 线、策略、下单后才返回。
func (rp *replay) step(now int64, ticks []market.Tick) error {
	rp.ticks += int64(len(ticks))
	rp.exec.OnTicks(rp.inst.Exchange, rp.inst.Symbol, ticks)
	rp.exec.Expire(now)
	if len(ticks) > 0 {
		rp.lastTime = ticks[len(ticks)-1].Date
		if rp.startEquity == 0 {
			rp.startEquity = rp.equity()
		}
	}
	for _, c := range rp.feed.AddTicks(ticks) {
		rp.deliver(c)
	}
	rp.preview(now)
	if len(ticks) > 0 {
		rp.strat.OnTick(ticks)
	}
	for _, in := range rp.strat.Intents() {
		if _, err := rp.exec.Submit(in, now); err != nil {
			logger.Debugf("[backtest] run %s 跳过意图 %s: %v", rp.runID, in.Action, err)
		}
	}
	if rp.cfg.Detached && rp.cfg.EquityFloor > 0 && rp.startEquity > 0 {
		eq := rp.equity()
		if eq < rp.cfg.EquityFloor*rp.startEquity {
			rp.abortReason = fmt.Sprintf("equity %.8f < %.2f x start %.8f", eq, rp.cfg.EquityFloor, rp.startEquity)
			logger.Warnf("[backtest] run %s 提前终止: %s", rp.runID, rp.abortReason)
			return errStopReplay
		}
	}
	return nil
}

func (rp *replay) deliver(c market.Candle) {
	one := candle.Timeframe{Key: "1m", Minutes: 1}
	if rp.cfg.UseCache && !rp.cacheHit {
		rp.minutes = append(rp.minutes, c)
	}
	rp.sink.OnCandle(rp.inst.Symbol, rp.inst.Exchange, one, c)
	rp.rec.OnCandle(rp.inst.Symbol, rp.inst.Exchange, one, c)
	rp.strat.OnCandle(one, c)
	for _, tb := range rp.batchers {
		for _, big := range tb.b.AddCandles([]market.Candle{c}) {
			rp.sink.OnCandle(rp.inst.Symbol, rp.inst.Exchange, tb.tf, big)
			rp.strat.OnCandle(tb.tf, big)
		}
	}
	rp.observe(c.End(), c.Close)
}

// preview 推送进行中的 1m 与大周期 K 线。预览不写缓存、不进入报告，也不进入合成缓冲。
func (rp *replay) preview(now int64) {
	observer, _ := rp.strat.(strategy.PreviewObserver)
	if c, ok := rp.feed.Preview(now); ok {
		one := candle.Timeframe{Key: "1m", Minutes: 1}
		rp.sink.OnPreview(rp.inst.Symbol, rp.inst.Exchange, one, c)
		if observer != nil {
			observer.OnPreview(one, c)
		}
	}
	if len(rp.batchers) == 0 {
		return
	}
	open, hasOpen := rp.feed.Current()
	for _, tb := range rp.batchers {
		c, ok := tb.b.Preview(open, hasOpen, now)
		if !ok {
			continue
		}
		rp.sink.OnPreview(rp.inst.Symbol, rp.inst.Exchange, tb.tf, c)
		if observer != nil {
			observer.OnPreview(tb.tf, c)
		}
	}
}

func (rp *replay) equity() float64 {
	return rp.exec.Equity(rp.inst.Exchange, rp.inst.Base())
}

func (rp *replay) observe(ts int64, price float64) {
	eq := rp.equity()
	exposure := 0.0
	if eq > 0 {
		notional := rp.book.Balance(rp.inst.Exchange, rp.inst.Coin()) * price
		if pos, ok := rp.book.MarginPosition(rp.inst.Exchange, rp.inst.Symbol); ok {
			notional += math.Abs(pos.Amount) * price
		}
		exposure = notional / eq
	}
	rp.rec.Observe(ts, eq, rp.book.Balance(rp.inst.Exchange, rp.inst.Base()), price, exposure)
}

// finish 定稿最后一根 K 线，强平保证金仓位，撤销挂单并生成报告。
func (rp *replay) finish() *Report {
	aborted := rp.abortReason != ""
	if !aborted {
		for _, c := range rp.feed.Flush() {
			rp.deliver(c)
		}
		for _, tb := range rp.batchers {
			if n := tb.b.Pending(); n > 0 {
				logger.Debugf("[backtest] run %s 回放结束，%s 周期丢弃 %d 根未凑满的 1m K 线", rp.runID, tb.tf.Key, n)
			}
		}
		if left := rp.strat.Intents(); len(left) > 0 {
			logger.Debugf("[backtest] run %s 回放结束，丢弃 %d 个未执行意图", rp.runID, len(left))
		}
	}
	end := rp.lastTime
	if end == 0 {
		end = rp.cfg.Start
	}
	rp.exec.ClosePositions(end)
	for _, o := range rp.exec.CancelAll() {
		logger.Debugf("[backtest] run %s 撤销挂单 %s", rp.runID, o.ID)
	}
	finalEquity := rp.equity()
	rp.rec.Observe(end, finalEquity, rp.book.Balance(rp.inst.Exchange, rp.inst.Base()), rp.exec.LastRate(rp.inst.Exchange, rp.inst.Symbol), 0)

	counts := rp.exec.Counts()
	rep := &Report{
		RunID:          rp.runID,
		Instrument:     rp.inst.Symbol,
		Exchange:       rp.inst.Exchange,
		Strategy:       rp.strat.Name(),
		Start:          rp.cfg.Start,
		End:            rp.cfg.End,
		SimulatedUntil: end,
		StartEquity:    rp.startEquity,
		FinalEquity:    finalEquity,
		Buys:           counts[strategy.ActionBuy].Filled,
		Sells:          counts[strategy.ActionSell].Filled,
		Closes:         counts[strategy.ActionClose].Filled,
		Counts:         make(map[string]ActionCounts, len(counts)),
		Fills:          rp.exec.Fills(),
		Rejected:       rp.exec.Rejected(),
		Expired:        rp.exec.Expired(),
		Fees:           rp.exec.Fees(),
		LedgerWarnings: rp.book.Warnings(),
		Ticks:          rp.ticks,
		DroppedTicks:   rp.feed.Dropped(),
		CacheHit:       rp.cacheHit,
		Balances:       rp.book.Balances(rp.inst.Exchange),
		Aborted:        aborted,
		AbortReason:    rp.abortReason,
		FinishedAt:     time.Now().UTC(),
	}
	for action, c := range counts {
		rep.Counts[string(action)] = c
	}
	if rep.StartEquity == 0 {
		rep.StartEquity = finalEquity
	}
	rep.Profit = rep.FinalEquity - rep.StartEquity
	if rep.StartEquity > 0 {
		rep.ReturnPct = rep.Profit / rep.StartEquity * 100
	}
	rp.rec.Finish(end, rep)
	return rep
}
