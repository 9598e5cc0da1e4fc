package candle

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tickreplay/internal/market"

	_ "modernc.org/sqlite"
)

// cacheSchemaVersion 变更 K 线生成逻辑时需要递增，使旧缓存全部失效。
const cacheSchemaVersion = 2

// CacheKeyInput 汇总所有会影响 1m K 线形态的输入。
type CacheKeyInput struct {
	Instrument      string  `json:"instrument"`
	Exchange        string  `json:"exchange"`
	Start           int64   `json:"start"`
	End             int64   `json:"end"`
	TrendEpsilonPct float64 `json:"trend_epsilon_pct"`
	Source          string  `json:"source"`
}

// CacheKey 返回输入的稳定哈希。
func CacheKey(in CacheKeyInput) string {
	payload := struct {
		Version int           `json:"version"`
		Input   CacheKeyInput `json:"input"`
	}{
		Version: cacheSchemaVersion,
		Input: CacheKeyInput{
			Instrument:      strings.ToUpper(in.Instrument),
			Exchange:        strings.ToLower(in.Exchange),
			Start:           in.Start,
			End:             in.End,
			TrendEpsilonPct: in.TrendEpsilonPct,
			Source:          strings.ToLower(in.Source),
		},
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// CacheManifest 记录一份缓存文件的统计信息。
type CacheManifest struct {
	Key        string `json:"key"`
	Instrument string `json:"instrument"`
	Exchange   string `json:"exchange"`
	Rows       int64  `json:"rows"`
	Complete   bool   `json:"complete"`
	CreatedAt  int64  `json:"created_at"`
	Path       string `json:"path"`
}

// Cache 以 sqlite 文件持久化定稿的 1m K 线序列，每个 key 一个文件。
type Cache struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewCache(root string) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("candle cache root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Cache{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for k, db := range c.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.dbs, k)
	}
	return firstErr
}

func (c *Cache) path(instrument, exchange, key string) string {
	dir := filepath.Join(c.root, market.InstrumentKey(exchange, instrument))
	return filepath.Join(dir, key+".db")
}

func (c *Cache) db(instrument, exchange, key string, create bool) (*sql.DB, string, error) {
	if instrument == "" || exchange == "" || key == "" {
		return nil, "", fmt.Errorf("instrument/exchange/key 不能为空")
	}
	path := c.path(instrument, exchange, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.dbs[path]; ok && db != nil {
		return db, path, nil
	}
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, path, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureCacheSchema(db, key, instrument, exchange); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	c.dbs[path] = db
	return db, path, nil
}

func ensureCacheSchema(db *sql.DB, key, instrument, exchange string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			start       INTEGER PRIMARY KEY,
			interval    INTEGER NOT NULL,
			open        REAL NOT NULL,
			high        REAL NOT NULL,
			low         REAL NOT NULL,
			close       REAL NOT NULL,
			volume      REAL NOT NULL,
			up_volume   REAL NOT NULL,
			down_volume REAL NOT NULL,
			vwp         REAL NOT NULL,
			trades      INTEGER NOT NULL DEFAULT 0,
			trend       TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			cache_key TEXT NOT NULL,
			instrument TEXT NOT NULL,
			exchange TEXT NOT NULL,
			rows INTEGER DEFAULT 0,
			complete INTEGER DEFAULT 0,
			created_at INTEGER
		);`,
		`INSERT INTO manifest (id, cache_key, instrument, exchange) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING;`,
	}
	for i, stmt := range stmts {
		var err error
		if i == len(stmts)-1 {
			_, err = db.Exec(stmt, key, strings.ToUpper(instrument), strings.ToLower(exchange))
		} else {
			_, err = db.Exec(stmt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Load 读取完整写入过的缓存；缓存不存在或未完成时 ok=false。
func (c *Cache) Load(ctx context.Context, instrument, exchange, key string) ([]market.Candle, bool, error) {
	db, _, err := c.db(instrument, exchange, key, false)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var complete int
	if err := db.QueryRowContext(ctx, `SELECT complete FROM manifest WHERE id=1`).Scan(&complete); err != nil {
		return nil, false, err
	}
	if complete != 1 {
		return nil, false, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT start, interval, open, high, low, close, volume, up_volume, down_volume, vwp, trades, trend
		FROM candles ORDER BY start ASC`)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var list []market.Candle
	for rows.Next() {
		var cd market.Candle
		var trend string
		if err := rows.Scan(&cd.Start, &cd.Interval, &cd.Open, &cd.High, &cd.Low, &cd.Close,
			&cd.Volume, &cd.UpVolume, &cd.DownVolume, &cd.VWP, &cd.Trades, &trend); err != nil {
			return nil, false, err
		}
		cd.Trend = market.Trend(trend)
		list = append(list, cd)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return list, true, nil
}

// Save 覆盖写入整段 K 线序列并标记完成。
func (c *Cache) Save(ctx context.Context, instrument, exchange, key string, candles []market.Candle) error {
	db, _, err := c.db(instrument, exchange, key, true)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM candles`); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (start, interval, open, high, low, close, volume, up_volume, down_volume, vwp, trades, trend)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, cd := range candles {
		if _, err := stmt.ExecContext(ctx, cd.Start, cd.Interval, cd.Open, cd.High, cd.Low, cd.Close,
			cd.Volume, cd.UpVolume, cd.DownVolume, cd.VWP, cd.Trades, string(cd.Trend)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE manifest SET rows=?, complete=1, created_at=? WHERE id=1`,
		len(candles), time.Now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Manifest 返回缓存文件的统计信息。
func (c *Cache) Manifest(ctx context.Context, instrument, exchange, key string) (CacheManifest, error) {
	db, path, err := c.db(instrument, exchange, key, false)
	if err != nil {
		return CacheManifest{}, err
	}
	var m CacheManifest
	var complete int
	var created sql.NullInt64
	row := db.QueryRowContext(ctx, `SELECT cache_key, instrument, exchange, rows, complete, created_at FROM manifest WHERE id=1`)
	if err := row.Scan(&m.Key, &m.Instrument, &m.Exchange, &m.Rows, &complete, &created); err != nil {
		return CacheManifest{}, err
	}
	m.Complete = complete == 1
	m.CreatedAt = created.Int64
	m.Path = path
	return m, nil
}

// Invalidate 删除指定 key 的缓存文件。
func (c *Cache) Invalidate(instrument, exchange, key string) error {
	path := c.path(instrument, exchange, key)
	c.mu.Lock()
	if db, ok := c.dbs[path]; ok {
		_ = db.Close()
		delete(c.dbs, path)
	}
	c.mu.Unlock()
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
