package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tickreplay/internal/backtest"
	"tickreplay/internal/config"
	"tickreplay/internal/history"
	"tickreplay/internal/logger"
	"tickreplay/internal/worker"
)

type rangeFlags struct {
	instrument string
	exchange   string
	start      string
	end        string
}

func (r *rangeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.instrument, "instrument", "", "instrument symbol, BASE_COIN")
	fs.StringVar(&r.exchange, "exchange", "", "exchange name")
	fs.StringVar(&r.start, "start", "", "range start: unix ms, RFC3339 or YYYY-MM-DD")
	fs.StringVar(&r.end, "end", "", "range end (exclusive)")
}

func (r *rangeFlags) resolve() (string, string, int64, int64, error) {
	if r.instrument == "" || r.exchange == "" {
		return "", "", 0, 0, fmt.Errorf("-instrument and -exchange are required")
	}
	start, err := parseTime(r.start)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("-start: %w", err)
	}
	end, err := parseTime(r.end)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("-end: %w", err)
	}
	return strings.ToUpper(r.instrument), strings.ToLower(r.exchange), start, end, nil
}

// parseTime 接受毫秒时间戳、RFC3339 或日期。
func parseTime(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("time is required")
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q", v)
}

func runCommand(ctx context.Context, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var rf rangeFlags
	rf.register(fs)
	strategyName := fs.String("strategy", "", "strategy name (default from config)")
	params := fs.String("params", "", "strategy params as a JSON object")
	notes := fs.String("notes", "", "free-form notes stored with the run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	instrument, exchange, start, end, err := rf.resolve()
	if err != nil {
		return err
	}

	a, cfg, cleanup, err := loadApp(ctx, cfgPath, os.Stdout)
	if err != nil {
		return err
	}
	defer cleanup()

	job := cfg.RunDefaults()
	job.Instrument, job.Exchange, job.Start, job.End = instrument, exchange, start, end
	job.Notes = *notes
	if *strategyName != "" {
		job.Strategy = *strategyName
		job.Params = nil
	}
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &job.Params); err != nil {
			return fmt.Errorf("-params: %w", err)
		}
	}

	run, rep, err := a.Manager().RunSync(ctx, job, nil, func(p backtest.Progress) {
		if p.Stage == backtest.StageImport {
			logger.Infof("[backtest] 导入进度 %.1f%%", p.Percent)
		}
	})
	if err != nil {
		return err
	}
	logger.Infof("[backtest] run %s 完成，报告: %s", run.ID, rep.ReportPath)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func workerCommand(ctx context.Context, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	// stdout 只承载协议消息
	a, _, cleanup, err := loadApp(ctx, cfgPath, os.Stderr)
	if err != nil {
		_ = worker.NewEmitter(os.Stdout).Error(worker.KindConfig, err)
		os.Exit(worker.ExitFatal)
	}
	job, err := worker.ReadJob(os.Stdin)
	if err != nil {
		_ = worker.NewEmitter(os.Stdout).Error(worker.KindConfig, err)
		cleanup()
		os.Exit(worker.ExitFatal)
	}
	code := worker.Serve(ctx, a.Manager(), a.Manager().ApplyDefaults(job), os.Stdout)
	cleanup()
	os.Exit(code)
	return nil
}

func sweepCommand(ctx context.Context, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	file := fs.String("file", "", "sweep definition (YAML)")
	parallel := fs.Int("parallel", 0, "override the number of concurrent workers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}
	cfg, closeLog, err := loadConfig(cfgPath, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	spec, err := worker.LoadSweep(*file)
	if err != nil {
		return err
	}
	switch {
	case *parallel > 0:
		spec.Parallel = *parallel
	case spec.Parallel <= 0:
		spec.Parallel = cfg.Worker.Parallel
	}
	coord, err := newCoordinator(cfg, cfgPath)
	if err != nil {
		return err
	}
	logger.Infof("[worker] sweep %d 组参数，并发 %d", len(spec.Expand()), spec.Parallel)

	enc := json.NewEncoder(os.Stdout)
	_, err = coord.Sweep(ctx, spec, func(out worker.Outcome) {
		_ = enc.Encode(out)
	})
	return err
}

func newCoordinator(cfg *config.Config, cfgPath string) (*worker.Coordinator, error) {
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}
	return worker.NewCoordinator(worker.CoordinatorConfig{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Env:     []string{"TICKREPLAY_CONFIG=" + abs},
	})
}

func importCommand(ctx context.Context, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	var rf rangeFlags
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	instrument, exchange, start, end, err := rf.resolve()
	if err != nil {
		return err
	}
	a, _, cleanup, err := loadApp(ctx, cfgPath, os.Stdout)
	if err != nil {
		return err
	}
	defer cleanup()
	if a.Imports() == nil {
		return fmt.Errorf("no trade source configured")
	}

	last := -10.0
	job, err := a.Imports().Import(ctx, history.ImportParams{
		Instrument: instrument,
		Exchange:   exchange,
		Start:      start,
		End:        end,
	}, func(pct float64) {
		if pct-last >= 10 || pct >= 100 {
			last = pct
			logger.Infof("[history] 导入进度 %.1f%%", pct)
		}
	})
	if err != nil {
		return err
	}
	logger.Infof("[history] 导入完成 %s: %d 笔成交，状态 %s", job.ID, job.Trades, job.Status)
	for _, w := range job.Warnings {
		logger.Warnf("[history] %s", w)
	}
	return nil
}

func serveCommand(ctx context.Context, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, _, cleanup, err := loadApp(ctx, cfgPath, os.Stdout)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := config.Watch(cfgPath, a.ApplyConfig); err != nil {
		logger.Warnf("[app] 配置热更新未启用: %v", err)
	}
	return a.Serve(ctx)
}
