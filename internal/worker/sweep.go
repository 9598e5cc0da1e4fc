package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"tickreplay/internal/backtest"
	"tickreplay/internal/logger"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// SweepSpec 描述基于一次基础回放的参数网格。
type SweepSpec struct {
	Base     SweepBase        `yaml:"base"`
	Grid     map[string][]any `yaml:"grid"`
	Parallel int              `yaml:"parallel"`
}

type SweepBase struct {
	Instrument       string             `yaml:"instrument"`
	Exchange         string             `yaml:"exchange"`
	Start            int64              `yaml:"start"`
	End              int64              `yaml:"end"`
	Strategy         string             `yaml:"strategy"`
	Params           map[string]any     `yaml:"params"`
	Balances         map[string]float64 `yaml:"balances"`
	Slippage         float64            `yaml:"slippage"`
	OrderTimeoutMs   int64              `yaml:"order_timeout_ms"`
	FillPolicy       string             `yaml:"fill_policy"`
	MaxFillsPerBatch int                `yaml:"max_fills_per_batch"`
	EquityFloor      float64            `yaml:"equity_floor"`
	UseCache         bool               `yaml:"use_cache"`
	AutoImport       bool               `yaml:"auto_import"`
}

// LoadSweep 读取参数扫描文件。
func LoadSweep(path string) (SweepSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SweepSpec{}, fmt.Errorf("read sweep file: %w", err)
	}
	return ParseSweep(raw)
}

func ParseSweep(raw []byte) (SweepSpec, error) {
	var spec SweepSpec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return SweepSpec{}, fmt.Errorf("parse sweep file: %w", err)
	}
	if strings.TrimSpace(spec.Base.Instrument) == "" || strings.TrimSpace(spec.Base.Strategy) == "" {
		return SweepSpec{}, fmt.Errorf("sweep base needs instrument and strategy")
	}
	for k, vals := range spec.Grid {
		if len(vals) == 0 {
			return SweepSpec{}, fmt.Errorf("sweep grid %q has no values", k)
		}
	}
	return spec, nil
}

// Expand 按稳定顺序为每个网格组合生成一份回放配置，网格取值覆盖同名基础参数。
func (s SweepSpec) Expand() []backtest.RunConfig {
	keys := make([]string, 0, len(s.Grid))
	for k := range s.Grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []map[string]any{{}}
	for _, k := range keys {
		next := make([]map[string]any, 0, len(combos)*len(s.Grid[k]))
		for _, c := range combos {
			for _, v := range s.Grid[k] {
				m := make(map[string]any, len(c)+1)
				for ck, cv := range c {
					m[ck] = cv
				}
				m[k] = v
				next = append(next, m)
			}
		}
		combos = next
	}

	out := make([]backtest.RunConfig, 0, len(combos))
	for _, combo := range combos {
		params := make(map[string]any, len(s.Base.Params)+len(combo))
		for k, v := range s.Base.Params {
			params[k] = v
		}
		for k, v := range combo {
			params[k] = v
		}
		out = append(out, s.baseConfig(params, describe(keys, combo)))
	}
	return out
}

func (s SweepSpec) baseConfig(params map[string]any, notes string) backtest.RunConfig {
	b := s.Base
	balances := make(map[string]float64, len(b.Balances))
	for k, v := range b.Balances {
		balances[strings.ToUpper(k)] = v
	}
	return backtest.RunConfig{
		Instrument:       strings.ToUpper(b.Instrument),
		Exchange:         strings.ToLower(b.Exchange),
		Start:            b.Start,
		End:              b.End,
		Strategy:         b.Strategy,
		Params:           params,
		Balances:         balances,
		Slippage:         b.Slippage,
		OrderTimeoutMs:   b.OrderTimeoutMs,
		FillPolicy:       backtest.FillPolicy(b.FillPolicy),
		MaxFillsPerBatch: b.MaxFillsPerBatch,
		EquityFloor:      b.EquityFloor,
		UseCache:         b.UseCache,
		AutoImport:       b.AutoImport,
		Notes:            notes,
	}
}

func describe(keys []string, combo map[string]any) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, combo[k]))
	}
	return strings.Join(parts, " ")
}

// Sweep 为每个网格组合启动一个 worker，同时运行不超过 Parallel 个。
// 结果顺序与 Expand 一致，onOutcome 串行调用。
func (c *Coordinator) Sweep(ctx context.Context, spec SweepSpec, onOutcome func(Outcome)) ([]Outcome, error) {
	jobs := spec.Expand()
	parallel := spec.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	outcomes := make([]Outcome, len(jobs))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)
	for i, job := range jobs {
		i, job := i, job
		group.Go(func() error {
			out, err := c.Launch(groupCtx, job, nil)
			if err != nil {
				return fmt.Errorf("sweep job %d (%s): %w", i, job.Notes, err)
			}
			outcomes[i] = out
			logger.Infof("[worker] sweep %d/%d %s exit=%d", i+1, len(jobs), job.Notes, out.ExitCode)
			if onOutcome != nil {
				mu.Lock()
				onOutcome(out)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}
