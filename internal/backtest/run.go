package backtest

import (
	"time"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
	RunStatusAborted = "aborted"
)

// RunConfig 记录一次回放的全部参数，便于重放与参数扫描。
type RunConfig struct {
	Instrument       string             `json:"instrument"`
	Exchange         string             `json:"exchange"`
	Start            int64              `json:"start"`
	End              int64              `json:"end"`
	Strategy         string             `json:"strategy"`
	Params           map[string]any     `json:"params,omitempty"`
	Balances         map[string]float64 `json:"balances"`
	Slippage         float64            `json:"slippage"`
	OrderTimeoutMs   int64              `json:"order_timeout_ms"`
	FillPolicy       FillPolicy         `json:"fill_policy"`
	MaxFillsPerBatch int                `json:"max_fills_per_batch"`
	MaxPending       int                `json:"max_pending"`
	BatchSpanMs      int64              `json:"batch_span_ms"`
	SnapshotEveryMs  int64              `json:"snapshot_every_ms"`
	// EquityFloor 为起始权益的比例，低于该值时提前终止；0 表示关闭。仅 Detached 时生效。
	EquityFloor float64 `json:"equity_floor"`
	UseCache    bool    `json:"use_cache"`
	AutoImport  bool    `json:"auto_import"`
	// Detached 表示由独立 worker 进程执行。
	Detached bool   `json:"detached,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Bucket 为已平仓盈亏分布的一个区间，边界为起始权益的百分比。
type Bucket struct {
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
	PL    float64 `json:"pl"`
}

// ExposureRange 为一段非零敞口的持续区间。
type ExposureRange struct {
	Instrument string  `json:"instrument"`
	Exchange   string  `json:"exchange"`
	Margin     bool    `json:"margin"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	MaxAmount  float64 `json:"max_amount"`
}

// Snapshot 保存资金曲线上的一个点。
type Snapshot struct {
	RunID    string  `json:"run_id,omitempty"`
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Price    float64 `json:"price"`
	Drawdown float64 `json:"drawdown"`
	Exposure float64 `json:"exposure"`
}

// Report 为一次回放的评估结果。
type Report struct {
	RunID      string `json:"run_id"`
	Instrument string `json:"instrument"`
	Exchange   string `json:"exchange"`
	Strategy   string `json:"strategy"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	// SimulatedUntil 为最后处理到的回放时间。
	SimulatedUntil int64 `json:"simulated_until"`

	StartEquity float64 `json:"start_equity"`
	FinalEquity float64 `json:"final_equity"`
	Profit      float64 `json:"profit"`
	ReturnPct   float64 `json:"return_pct"`
	RealizedPL  float64 `json:"realized_pl"`

	Buys     int                     `json:"buys"`
	Sells    int                     `json:"sells"`
	Closes   int                     `json:"closes"`
	Counts   map[string]ActionCounts `json:"counts"`
	Fills    int                     `json:"fills"`
	Rejected int                     `json:"rejected"`
	Expired  int                     `json:"expired"`
	Fees     FeeTotals               `json:"fees"`

	Positions int      `json:"positions"`
	Wins      int      `json:"wins"`
	Losses    int      `json:"losses"`
	WinRate   float64  `json:"win_rate"`
	WinLoss   []Bucket `json:"win_loss"`

	Exposure    []ExposureRange `json:"exposure"`
	ExposurePct float64         `json:"exposure_pct"`

	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	EquityPeak     float64 `json:"equity_peak"`
	EquityValley   float64 `json:"equity_valley"`

	LedgerWarnings int64              `json:"ledger_warnings"`
	Candles        int64              `json:"candles"`
	Ticks          int64              `json:"ticks"`
	DroppedTicks   int64              `json:"dropped_ticks"`
	CacheHit       bool               `json:"cache_hit"`
	Balances       map[string]float64 `json:"balances"`

	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abort_reason,omitempty"`

	Snapshots  []Snapshot `json:"snapshots,omitempty"`
	ReportPath string     `json:"report_path,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Run 表示一次回测任务的持久化记录。
type Run struct {
	ID             string    `json:"id"`
	Instrument     string    `json:"instrument"`
	Exchange       string    `json:"exchange"`
	Strategy       string    `json:"strategy"`
	Status         string    `json:"status"`
	Start          int64     `json:"start"`
	End            int64     `json:"end"`
	StartEquity    float64   `json:"start_equity"`
	FinalEquity    float64   `json:"final_equity"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Fills          int       `json:"fills"`
	Progress       float64   `json:"progress"`
	Message        string    `json:"message"`
	ReportPath     string    `json:"report_path,omitempty"`
	Config         RunConfig `json:"config"`
	Report         *Report   `json:"report,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// RunRequest 为 HTTP 提交使用，未填写的字段使用配置默认值。
type RunRequest struct {
	Instrument       string             `json:"instrument" binding:"required"`
	Exchange         string             `json:"exchange" binding:"required"`
	Start            int64              `json:"start" binding:"required"`
	End              int64              `json:"end" binding:"required"`
	Strategy         string             `json:"strategy"`
	Params           map[string]any     `json:"params"`
	Balances         map[string]float64 `json:"balances"`
	Slippage         *float64           `json:"slippage"`
	FillPolicy       string             `json:"fill_policy"`
	MaxFillsPerBatch int                `json:"max_fills_per_batch"`
	EquityFloor      *float64           `json:"equity_floor"`
	Notes            string             `json:"notes"`
}
