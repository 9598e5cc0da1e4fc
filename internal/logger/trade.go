package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

var (
	tradeMu  sync.Mutex
	tradeLog *log.Logger
)

// SetTradeWriter 设置成交流水的独立输出；nil 表示关闭。
func SetTradeWriter(w io.Writer) {
	tradeMu.Lock()
	defer tradeMu.Unlock()
	if w == nil {
		tradeLog = nil
		return
	}
	tradeLog = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

// TradeEnabled 表示是否配置了成交流水输出。
func TradeEnabled() bool {
	tradeMu.Lock()
	defer tradeMu.Unlock()
	return tradeLog != nil
}

// Tradef 写入一行成交流水，字段以 key=value 形式拼接。
func Tradef(event string, kv ...any) {
	tradeMu.Lock()
	defer tradeMu.Unlock()
	if tradeLog == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	tradeLog.Println(b.String())
}
