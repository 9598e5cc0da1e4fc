package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tickreplay/internal/market"

	_ "modernc.org/sqlite"
)

// Trade 是带来源成交 ID 的 tick，ID 用于导入去重。
type Trade struct {
	ID int64
	market.Tick
}

// Manifest 记录某个 instrument@exchange 文件的统计信息。
type Manifest struct {
	Instrument string   `json:"instrument"`
	Exchange   string   `json:"exchange"`
	MinDate    int64    `json:"min_date"`
	MaxDate    int64    `json:"max_date"`
	Rows       int64    `json:"rows"`
	Imported   []Period `json:"imported"`
	LastSyncAt int64    `json:"last_sync_at"`
	Path       string   `json:"path"`
}

// Store 每个 instrument@exchange 使用一个 sqlite 文件保存成交与已导入区间。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("history root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(instrument, exchange string) (*sql.DB, string, error) {
	if instrument == "" || exchange == "" {
		return nil, "", fmt.Errorf("instrument/exchange 不能为空")
	}
	key := market.InstrumentKey(exchange, instrument)
	path := filepath.Join(s.root, key, "ticks.db")
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, instrument, exchange); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

func ensureSchema(db *sql.DB, instrument, exchange string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ticks (
			trade_id INTEGER PRIMARY KEY,
			date     INTEGER NOT NULL,
			rate     REAL NOT NULL,
			amount   REAL NOT NULL,
			side     TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_date ON ticks(date, trade_id);`,
		`CREATE TABLE IF NOT EXISTS imports (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			start_ms    INTEGER NOT NULL,
			end_ms      INTEGER NOT NULL,
			source      TEXT,
			imported_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			instrument TEXT NOT NULL,
			exchange TEXT NOT NULL,
			min_date INTEGER,
			max_date INTEGER,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
		`INSERT INTO manifest (id, instrument, exchange) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET instrument=excluded.instrument, exchange=excluded.exchange;`,
	}
	for i, stmt := range stmts {
		var err error
		if i == len(stmts)-1 {
			_, err = db.Exec(stmt, strings.ToUpper(instrument), strings.ToLower(exchange))
		} else {
			_, err = db.Exec(stmt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// InsertTrades 批量写入成交（重复 trade_id 覆盖）。
func (s *Store) InsertTrades(ctx context.Context, instrument, exchange string, trades []Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	db, _, err := s.db(instrument, exchange)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (trade_id, date, rate, amount, side)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
		    date=excluded.date,
		    rate=excluded.rate,
		    amount=excluded.amount,
		    side=excluded.side`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, t.ID, t.Date, t.Rate, t.Amount, string(t.Side)); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := s.refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

// MarkImported 记录已完整导入的区间（区间内无成交也算已导入）。
func (s *Store) MarkImported(ctx context.Context, instrument, exchange, source string, p Period) error {
	if p.End <= p.Start {
		return nil
	}
	db, _, err := s.db(instrument, exchange)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO imports (start_ms, end_ms, source, imported_at) VALUES (?, ?, ?, ?)`,
		p.Start, p.End, source, time.Now().UnixMilli())
	return err
}

// Imported 返回合并后的已导入区间。
func (s *Store) Imported(ctx context.Context, instrument, exchange string) ([]Period, error) {
	db, _, err := s.db(instrument, exchange)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT start_ms, end_ms FROM imports ORDER BY start_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Period
	for rows.Next() {
		var p Period
		if err := rows.Scan(&p.Start, &p.End); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return mergePeriods(list), nil
}

// Coverage 返回 [start, end) 中尚未导入的区间。
func (s *Store) Coverage(ctx context.Context, instrument, exchange string, start, end int64) ([]Period, error) {
	imported, err := s.Imported(ctx, instrument, exchange)
	if err != nil {
		return nil, err
	}
	return missingPeriods(imported, start, end), nil
}

// Check 在区间未完整导入时返回 *DataUnavailableError。
func (s *Store) Check(ctx context.Context, instrument, exchange string, start, end int64) error {
	imported, err := s.Imported(ctx, instrument, exchange)
	if err != nil {
		return err
	}
	missing := missingPeriods(imported, start, end)
	if len(missing) == 0 {
		return nil
	}
	return &DataUnavailableError{
		Instrument: strings.ToUpper(instrument),
		Exchange:   strings.ToLower(exchange),
		Start:      start,
		End:        end,
		Missing:    missing,
		Available:  imported,
	}
}

// Batches 按 span 切分 [start, end)，依次把每段成交（按时间、trade_id 排序）交给 fn。
// 空的时间段也会回调一次空批次，以推进回放时钟。
func (s *Store) Batches(ctx context.Context, instrument, exchange string, start, end int64, span time.Duration, fn func(from, to int64, ticks []market.Tick) error) error {
	db, _, err := s.db(instrument, exchange)
	if err != nil {
		return err
	}
	step := span.Milliseconds()
	if step <= 0 {
		step = market.MinuteMillis
	}
	for from := start; from < end; from += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := from + step
		if to > end {
			to = end
		}
		ticks, err := queryTicks(ctx, db, from, to)
		if err != nil {
			return err
		}
		if err := fn(from, to, ticks); err != nil {
			return err
		}
	}
	return nil
}

func queryTicks(ctx context.Context, db *sql.DB, start, end int64) ([]market.Tick, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT date, rate, amount, side FROM ticks
		WHERE date >= ? AND date < ?
		ORDER BY date ASC, trade_id ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []market.Tick
	for rows.Next() {
		var t market.Tick
		var side string
		if err := rows.Scan(&t.Date, &t.Rate, &t.Amount, &side); err != nil {
			return nil, err
		}
		t.Side = market.Side(side)
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *Store) Manifest(ctx context.Context, instrument, exchange string) (Manifest, error) {
	db, path, err := s.db(instrument, exchange)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT instrument, exchange, min_date, max_date, rows, last_sync_at FROM manifest WHERE id=1`)
	var m Manifest
	var minDate, maxDate, synced sql.NullInt64
	if err := row.Scan(&m.Instrument, &m.Exchange, &minDate, &maxDate, &m.Rows, &synced); err != nil {
		return Manifest{}, err
	}
	m.MinDate, m.MaxDate, m.LastSyncAt = minDate.Int64, maxDate.Int64, synced.Int64
	m.Path = path
	if m.Imported, err = s.Imported(ctx, instrument, exchange); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (s *Store) refreshManifest(ctx context.Context, db *sql.DB) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_date = (SELECT COALESCE(MIN(date), 0) FROM ticks),
		    max_date = (SELECT COALESCE(MAX(date), 0) FROM ticks),
		    rows = (SELECT COUNT(1) FROM ticks),
		    last_sync_at = ?
		WHERE id = 1`, now)
	return err
}
