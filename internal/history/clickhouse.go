package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tickreplay/internal/market"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseConfig 描述成交表所在的 ClickHouse 连接。
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string
	Timeout  time.Duration
}

// ClickHouseSource 从 ClickHouse 成交表读取历史成交。表结构：
// (instrument String, exchange String, trade_id Int64, ts DateTime64(3), rate Float64, amount Float64, side String)
type ClickHouseSource struct {
	conn     clickhouse.Conn
	exchange string
	table    string
}

func NewClickHouseSource(cfg ClickHouseConfig, exchange string) (*ClickHouseSource, error) {
	if len(cfg.Addr) == 0 {
		return nil, fmt.Errorf("clickhouse addr 不能为空")
	}
	if cfg.Table == "" {
		cfg.Table = "trades"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.Timeout,
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(cfg.Timeout.Seconds()),
		},
	})
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if cfg.Database != "" && !strings.Contains(table, ".") {
		table = cfg.Database + "." + table
	}
	return &ClickHouseSource{conn: conn, exchange: strings.ToLower(exchange), table: table}, nil
}

func (c *ClickHouseSource) Name() string { return "clickhouse" }

func (c *ClickHouseSource) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping: %w", err)
	}
	return nil
}

func (c *ClickHouseSource) Close() error {
	return c.conn.Close()
}

func (c *ClickHouseSource) FetchTrades(ctx context.Context, req FetchRequest) ([]Trade, error) {
	query := fmt.Sprintf(`
		SELECT trade_id, toUnixTimestamp64Milli(ts) AS date, rate, amount, side
		FROM %s
		WHERE instrument = ? AND exchange = ? AND ts >= fromUnixTimestamp64Milli(?) AND ts < fromUnixTimestamp64Milli(?)
		ORDER BY ts ASC, trade_id ASC`, c.table)
	rows, err := c.conn.Query(ctx, query, strings.ToUpper(req.Instrument), c.exchange, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query: %w", err)
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var (
			id     int64
			date   int64
			rate   float64
			amount float64
			side   string
		)
		if err := rows.Scan(&id, &date, &rate, &amount, &side); err != nil {
			return nil, err
		}
		s := market.SideBuy
		if strings.EqualFold(side, string(market.SideSell)) {
			s = market.SideSell
		}
		out = append(out, Trade{ID: id, Tick: market.Tick{Date: date, Rate: rate, Amount: amount, Side: s}})
	}
	return out, rows.Err()
}
