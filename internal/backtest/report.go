package backtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorEquity        = "#34d399"
	colorPrice         = "#3b82f6"
	colorDrawdown      = "#f87171"
	colorBucketWin     = "#34d399"
	colorBucketLoss    = "#f87171"

	chartWidthPx  = 1400
	equityHeight  = 520
	panelHeightPx = 260
)

// WriteReport 将报告写入 dir/<runID>/report.json 与 report.html，返回 JSON 路径。
func WriteReport(dir string, rep *Report) (string, error) {
	if rep == nil {
		return "", fmt.Errorf("report 不能为空")
	}
	runDir := filepath.Join(dir, rep.RunID)
	if rep.RunID == "" {
		runDir = dir
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	jsonPath := filepath.Join(runDir, "report.json")
	raw, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(jsonPath, raw, 0o644); err != nil {
		return "", err
	}
	html, err := RenderReportHTML(rep)
	if err != nil {
		return jsonPath, err
	}
	if err := os.WriteFile(filepath.Join(runDir, "report.html"), html, 0o644); err != nil {
		return jsonPath, err
	}
	return jsonPath, nil
}

// RenderReportHTML 渲染资金曲线、价格、回撤与盈亏分布图。
func RenderReportHTML(rep *Report) ([]byte, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xAxis := make([]string, len(rep.Snapshots))
	equity := make([]opts.LineData, len(rep.Snapshots))
	price := make([]opts.LineData, len(rep.Snapshots))
	drawdown := make([]opts.LineData, len(rep.Snapshots))
	for i, s := range rep.Snapshots {
		xAxis[i] = time.UnixMilli(s.TS).UTC().Format("01-02 15:04")
		equity[i] = opts.LineData{Value: s.Equity}
		price[i] = opts.LineData{Value: s.Price}
		drawdown[i] = opts.LineData{Value: -s.Drawdown * 100}
	}

	eqChart := newLine(equityHeight, fmt.Sprintf("%s@%s %s", rep.Instrument, rep.Exchange, rep.Strategy),
		fmt.Sprintf("profit %.6f (%.2f%%) | fills %d | fees %.6f | max dd %.2f%%",
			rep.Profit, rep.ReturnPct, rep.Fills, rep.Fees.BaseValued, rep.MaxDrawdownPct))
	eqChart.SetXAxis(xAxis)
	eqChart.AddSeries("Equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))
	priceLine := charts.NewLine()
	priceLine.SetXAxis(xAxis)
	priceLine.AddSeries("Price", price, charts.WithLineStyleOpts(opts.LineStyle{Color: colorPrice, Width: 1}))
	eqChart.Overlap(priceLine)

	ddChart := newLine(panelHeightPx, "Drawdown %", "")
	ddChart.SetXAxis(xAxis)
	ddChart.AddSeries("Drawdown", drawdown,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 1}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.2)}),
	)

	page.AddCharts(eqChart, ddChart, buildBucketChart(rep.WinLoss))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newLine(height int, title, subtitle string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", height),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         title,
			Subtitle:      subtitle,
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

func buildBucketChart(buckets []Bucket) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", panelHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Closed P&L distribution", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	labels := make([]string, len(buckets))
	data := make([]opts.BarData, len(buckets))
	for i, b := range buckets {
		labels[i] = b.Label
		color := colorBucketWin
		if b.Max <= 0 && i < len(buckets)-1 {
			color = colorBucketLoss
		}
		data[i] = opts.BarData{Value: b.Count, ItemStyle: &opts.ItemStyle{Color: color}}
	}
	bar.SetXAxis(labels)
	bar.AddSeries("Positions", data)
	return bar
}
