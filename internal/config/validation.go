package config

import (
	"fmt"
	"strings"

	"tickreplay/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.validateExchanges(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Import.validate(); err != nil {
		return err
	}
	if err := c.Results.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch a.LogFormat {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("exchanges requires at least one exchange")
	}
	usesClickHouse := false
	for _, name := range c.ExchangeNames() {
		ex := c.Exchanges[name]
		switch ex.Source {
		case SourceBinance, SourceNone:
		case SourceClickHouse:
			usesClickHouse = true
		default:
			return fmt.Errorf("exchanges.%s.source must be binance, clickhouse or none", name)
		}
		if len(ex.Instruments) == 0 {
			return fmt.Errorf("exchanges.%s.instruments requires at least one instrument", name)
		}
		seen := make(map[string]bool, len(ex.Instruments))
		for _, inst := range ex.Instruments {
			if _, _, err := market.SplitSymbol(inst.Symbol); err != nil {
				return fmt.Errorf("exchanges.%s: %w", name, err)
			}
			if seen[inst.Symbol] {
				return fmt.Errorf("exchanges.%s.instruments: duplicate symbol %s", name, inst.Symbol)
			}
			seen[inst.Symbol] = true
			if inst.FeeRate < 0 || inst.FeeRate >= 1 {
				return fmt.Errorf("exchanges.%s.%s.fee_rate must be in [0,1)", name, inst.Symbol)
			}
			if inst.MaxLeverage < 1 {
				return fmt.Errorf("exchanges.%s.%s.max_leverage must be >= 1", name, inst.Symbol)
			}
			if inst.MinAmount < 0 {
				return fmt.Errorf("exchanges.%s.%s.min_amount must be >= 0", name, inst.Symbol)
			}
			if inst.Precision < 0 || inst.Precision > 18 {
				return fmt.Errorf("exchanges.%s.%s.precision must be in [0,18]", name, inst.Symbol)
			}
		}
	}
	if usesClickHouse && len(c.Import.ClickHouse.Addr) == 0 {
		return fmt.Errorf("import.clickhouse.addr is required when an exchange uses clickhouse")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	switch b.FillPolicy {
	case "touch", "volume":
	default:
		return fmt.Errorf("backtest.fill_policy must be touch or volume")
	}
	if b.Slippage < 0 || b.Slippage >= 1 {
		return fmt.Errorf("backtest.slippage must be in [0,1)")
	}
	if b.EquityFloor < 0 || b.EquityFloor >= 1 {
		return fmt.Errorf("backtest.equity_floor must be in [0,1)")
	}
	if b.OrderTimeoutMs < 0 {
		return fmt.Errorf("backtest.order_timeout_ms must be >= 0")
	}
	for cur, amt := range b.Balances {
		if amt < 0 {
			return fmt.Errorf("backtest.balances.%s must be >= 0", strings.ToLower(cur))
		}
	}
	return nil
}

func (i *ImportConfig) validate() error {
	if i.MaxRetries < 0 {
		return fmt.Errorf("import.max_retries must be >= 0")
	}
	return nil
}

func (r *ResultsConfig) validate() error {
	switch r.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("results.driver must be sqlite or postgres")
	}
	if strings.TrimSpace(r.DSN) == "" {
		return fmt.Errorf("results.dsn is required")
	}
	return nil
}
