package app

import (
	"fmt"
	"sort"
	"strings"

	"tickreplay/internal/config"
	"tickreplay/internal/history"
)

type StartupSummary struct {
	Exchanges []ExchangeSummary
	Results   string
	CacheDir  string
	HTTPAddr  string
	Strategy  string
}

type ExchangeSummary struct {
	Name        string
	Source      string
	Instruments []string
}

func buildSummary(cfg *config.Config, sources map[string]history.Source) *StartupSummary {
	s := &StartupSummary{
		Results:  cfg.Results.Driver,
		HTTPAddr: cfg.HTTP.Addr,
		Strategy: cfg.Backtest.Strategy,
	}
	if cfg.Cache.Enabled {
		s.CacheDir = cfg.Cache.Dir
	}
	byExchange := make(map[string][]string)
	for _, inst := range cfg.Instruments() {
		byExchange[inst.Exchange] = append(byExchange[inst.Exchange], inst.Symbol)
	}
	for _, name := range cfg.ExchangeNames() {
		source := "-"
		if src, ok := sources[name]; ok {
			source = src.Name()
		}
		s.Exchanges = append(s.Exchanges, ExchangeSummary{
			Name:        name,
			Source:      source,
			Instruments: byExchange[name],
		})
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[交易所 (EXCHANGES)]")
	if len(s.Exchanges) == 0 {
		fmt.Println("  (无配置)")
	}
	exchanges := append([]ExchangeSummary(nil), s.Exchanges...)
	sort.Slice(exchanges, func(i, j int) bool { return exchanges[i].Name < exchanges[j].Name })
	for _, ex := range exchanges {
		fmt.Printf("  > %s (数据源: %s)\n", ex.Name, ex.Source)
		fmt.Printf("    交易对: %s\n", formatList(ex.Instruments))
	}
	fmt.Println()

	fmt.Println("[回测 (BACKTEST)]")
	fmt.Printf("  默认策略: %s\n", s.Strategy)
	fmt.Printf("  结果库:   %s\n", s.Results)
	fmt.Printf("  K线缓存:  %s\n", orDash(s.CacheDir))
	fmt.Printf("  HTTP:     %s\n", s.HTTPAddr)
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
