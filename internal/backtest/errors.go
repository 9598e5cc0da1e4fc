package backtest

import "errors"

var (
	// ErrUnknownInstrument 表示交易所上未配置该交易对。
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrInvalidConfig 表示回测参数非法，对该次回测是致命错误。
	ErrInvalidConfig = errors.New("invalid backtest config")
	// ErrOrderRejected 表示单笔模拟订单被拒绝，回放继续。
	ErrOrderRejected = errors.New("order rejected")
	// ErrEquityFloor 表示权益跌破下限，回测提前终止。
	ErrEquityFloor = errors.New("equity below floor")
)
