package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrRunNotFound 表示结果库中不存在该 run。
var ErrRunNotFound = errors.New("run not found")

type RunModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	Instrument     string         `gorm:"column:instrument;index"`
	Exchange       string         `gorm:"column:exchange"`
	Strategy       string         `gorm:"column:strategy"`
	Status         string         `gorm:"column:status;index"`
	StartTS        int64          `gorm:"column:start_ts"`
	EndTS          int64          `gorm:"column:end_ts"`
	StartEquity    float64        `gorm:"column:start_equity"`
	FinalEquity    float64        `gorm:"column:final_equity"`
	Profit         float64        `gorm:"column:profit"`
	ReturnPct      float64        `gorm:"column:return_pct"`
	WinRate        float64        `gorm:"column:win_rate"`
	MaxDrawdownPct float64        `gorm:"column:max_drawdown_pct"`
	Fills          int            `gorm:"column:fills"`
	Progress       float64        `gorm:"column:progress"`
	Message        string         `gorm:"column:message"`
	ReportPath     string         `gorm:"column:report_path"`
	Config         datatypes.JSON `gorm:"column:config;type:TEXT"`
	Report         datatypes.JSON `gorm:"column:report;type:TEXT"`
	CreatedAt      int64          `gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt      int64          `gorm:"column:updated_at;autoUpdateTime:milli"`
	CompletedAt    int64          `gorm:"column:completed_at"`
}

func (RunModel) TableName() string { return "runs" }

type FillModel struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID       string  `gorm:"column:run_id;index"`
	OrderID     string  `gorm:"column:order_id"`
	Instrument  string  `gorm:"column:instrument"`
	Exchange    string  `gorm:"column:exchange"`
	Action      string  `gorm:"column:action"`
	Side        string  `gorm:"column:side"`
	Margin      bool    `gorm:"column:margin"`
	Rate        float64 `gorm:"column:rate"`
	Amount      float64 `gorm:"column:amount"`
	Net         float64 `gorm:"column:net"`
	Fee         float64 `gorm:"column:fee"`
	FeeCurrency string  `gorm:"column:fee_currency"`
	Realized    float64 `gorm:"column:realized"`
	Position    float64 `gorm:"column:position"`
	EntryRate   float64 `gorm:"column:entry_rate"`
	Forced      bool    `gorm:"column:forced"`
	Reason      string  `gorm:"column:reason"`
	TS          int64   `gorm:"column:ts;index"`
}

func (FillModel) TableName() string { return "fills" }

type SnapshotModel struct {
	ID       int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID    string  `gorm:"column:run_id;index"`
	TS       int64   `gorm:"column:ts"`
	Equity   float64 `gorm:"column:equity"`
	Balance  float64 `gorm:"column:balance"`
	Price    float64 `gorm:"column:price"`
	Drawdown float64 `gorm:"column:drawdown"`
	Exposure float64 `gorm:"column:exposure"`
}

func (SnapshotModel) TableName() string { return "snapshots" }

// ResultStore 持久化回测任务、成交与资金曲线。
type ResultStore struct {
	db *gorm.DB
}

// OpenResultStore 按 driver 打开结果库：sqlite 时 dsn 为文件路径，postgres 时为连接串。
func OpenResultStore(driver, dsn string) (*ResultStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("result store dsn 不能为空")
	}
	cfg := &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", dsn))
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported results driver %q", driver)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, err
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewResultStore(db)
}

func NewResultStore(db *gorm.DB) (*ResultStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&RunModel{}, &FillModel{}, &SnapshotModel{}); err != nil {
		return nil, err
	}
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgRaw, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	m := RunModel{
		ID:         run.ID,
		Instrument: run.Instrument,
		Exchange:   run.Exchange,
		Strategy:   run.Strategy,
		Status:     run.Status,
		StartTS:    run.Start,
		EndTS:      run.End,
		Message:    run.Message,
		Config:     datatypes.JSON(cfgRaw),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// UpdateRunStatus 更新状态与进度消息。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	return s.updates(ctx, id, map[string]any{
		"status":     status,
		"message":    message,
		"updated_at": time.Now().UnixMilli(),
	})
}

// UpdateRunProgress 更新回放进度百分比。
func (s *ResultStore) UpdateRunProgress(ctx context.Context, id string, percent float64, message string) error {
	return s.updates(ctx, id, map[string]any{
		"progress":   percent,
		"message":    message,
		"updated_at": time.Now().UnixMilli(),
	})
}

// UpdateRunResult 写入最终报告与汇总列。报告中的资金曲线另存 snapshots 表，不重复写入 JSON。
func (s *ResultStore) UpdateRunResult(ctx context.Context, id, status string, rep *Report, message string) error {
	if rep == nil {
		return s.UpdateRunStatus(ctx, id, status, message)
	}
	slim := *rep
	slim.Snapshots = nil
	raw, err := json.Marshal(slim)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	return s.updates(ctx, id, map[string]any{
		"status":           status,
		"message":          message,
		"start_equity":     rep.StartEquity,
		"final_equity":     rep.FinalEquity,
		"profit":           rep.Profit,
		"return_pct":       rep.ReturnPct,
		"win_rate":         rep.WinRate,
		"max_drawdown_pct": rep.MaxDrawdownPct,
		"fills":            rep.Fills,
		"progress":         100.0,
		"report_path":      rep.ReportPath,
		"report":           datatypes.JSON(raw),
		"updated_at":       now,
		"completed_at":     now,
	})
}

func (s *ResultStore) updates(ctx context.Context, id string, values map[string]any) error {
	res := s.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	var m RunModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	return runFromModel(m)
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []RunModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		run, err := runFromModel(m)
		if err != nil {
			return nil, err
		}
		run.Report = nil
		out = append(out, run)
	}
	return out, nil
}

func runFromModel(m RunModel) (Run, error) {
	run := Run{
		ID:             m.ID,
		Instrument:     m.Instrument,
		Exchange:       m.Exchange,
		Strategy:       m.Strategy,
		Status:         m.Status,
		Start:          m.StartTS,
		End:            m.EndTS,
		StartEquity:    m.StartEquity,
		FinalEquity:    m.FinalEquity,
		Profit:         m.Profit,
		ReturnPct:      m.ReturnPct,
		WinRate:        m.WinRate,
		MaxDrawdownPct: m.MaxDrawdownPct,
		Fills:          m.Fills,
		Progress:       m.Progress,
		Message:        m.Message,
		ReportPath:     m.ReportPath,
		CreatedAt:      time.UnixMilli(m.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMilli(m.UpdatedAt).UTC(),
	}
	if m.CompletedAt > 0 {
		run.CompletedAt = time.UnixMilli(m.CompletedAt).UTC()
	}
	if len(m.Config) > 0 {
		if err := json.Unmarshal(m.Config, &run.Config); err != nil {
			return Run{}, fmt.Errorf("decode run config %s: %w", m.ID, err)
		}
	}
	if len(m.Report) > 0 {
		var rep Report
		if err := json.Unmarshal(m.Report, &rep); err != nil {
			return Run{}, fmt.Errorf("decode run report %s: %w", m.ID, err)
		}
		run.Report = &rep
	}
	return run, nil
}

func (s *ResultStore) InsertFills(ctx context.Context, runID string, fills []Fill) error {
	if len(fills) == 0 {
		return nil
	}
	models := make([]FillModel, 0, len(fills))
	for _, f := range fills {
		models = append(models, FillModel{
			RunID:       runID,
			OrderID:     f.OrderID,
			Instrument:  f.Instrument,
			Exchange:    f.Exchange,
			Action:      string(f.Action),
			Side:        string(f.Side),
			Margin:      f.Margin,
			Rate:        f.Rate,
			Amount:      f.Amount,
			Net:         f.Net,
			Fee:         f.Fee,
			FeeCurrency: f.FeeCurrency,
			Realized:    f.Realized,
			Position:    f.Position,
			EntryRate:   f.EntryRate,
			Forced:      f.Forced,
			Reason:      f.Reason,
			TS:          f.Time,
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(models, 200).Error
}

func (s *ResultStore) ListFills(ctx context.Context, runID string, limit int) ([]FillModel, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var out []FillModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("ts ASC, id ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *ResultStore) InsertSnapshots(ctx context.Context, runID string, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	models := make([]SnapshotModel, 0, len(snaps))
	for _, sn := range snaps {
		models = append(models, SnapshotModel{
			RunID:    runID,
			TS:       sn.TS,
			Equity:   sn.Equity,
			Balance:  sn.Balance,
			Price:    sn.Price,
			Drawdown: sn.Drawdown,
			Exposure: sn.Exposure,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(models, 500).Error
}

func (s *ResultStore) ListSnapshots(ctx context.Context, runID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 20000 {
		limit = 5000
	}
	var models []SnapshotModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("ts ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(models))
	for _, m := range models {
		out = append(out, Snapshot{
			RunID:    m.RunID,
			TS:       m.TS,
			Equity:   m.Equity,
			Balance:  m.Balance,
			Price:    m.Price,
			Drawdown: m.Drawdown,
			Exposure: m.Exposure,
		})
	}
	return out, nil
}
