// Package worker 实现回放 worker 进程与协调者之间的 JSON 行协议。
package worker

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"tickreplay/internal/backtest"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const (
	TypeStartImport = "startImport"
	TypeImportTick  = "importTick"
	TypeTick        = "tick"
	TypeResult      = "result"
	TypeError       = "error"
	TypeAbort       = "abort"
)

// error 消息携带的错误类别。
const (
	KindFatal  = "fatal"
	KindConfig = "config"
	KindData   = "data"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("protocol.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("protocol.json")
	})
	return schema, schemaErr
}

// Message 为任一协议行解码后的结果，只填充与 Type 对应的字段。
type Message struct {
	Type            string
	Percent         float64
	SimulatedTimeMs int64
	Evaluation      *backtest.Report
	ReportPath      string
	Kind            string
	Message         string
	Reason          string
	Equity          float64
}

// Decode 解析并校验一行协议消息。
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}
	if !gjson.ValidBytes(line) {
		return Message{}, fmt.Errorf("invalid json: %.80s", line)
	}
	parsed := gjson.ParseBytes(line)
	if !parsed.IsObject() {
		return Message{}, fmt.Errorf("message must be a json object")
	}
	sch, err := compiledSchema()
	if err != nil {
		return Message{}, fmt.Errorf("compile protocol schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(line, &doc); err != nil {
		return Message{}, err
	}
	if err := sch.Validate(doc); err != nil {
		return Message{}, fmt.Errorf("message %q: %w", parsed.Get("type").String(), err)
	}

	msg := Message{Type: parsed.Get("type").String()}
	switch msg.Type {
	case TypeImportTick:
		msg.Percent = parsed.Get("percent").Float()
	case TypeTick:
		msg.SimulatedTimeMs = parsed.Get("simulatedTimeMs").Int()
	case TypeResult:
		var rep backtest.Report
		if err := json.Unmarshal([]byte(parsed.Get("evaluation").Raw), &rep); err != nil {
			return Message{}, fmt.Errorf("decode evaluation: %w", err)
		}
		msg.Evaluation = &rep
		msg.ReportPath = parsed.Get("reportPath").String()
	case TypeError:
		msg.Kind = parsed.Get("kind").String()
		msg.Message = parsed.Get("message").String()
	case TypeAbort:
		msg.Reason = parsed.Get("reason").String()
		msg.Equity = parsed.Get("equity").Float()
	}
	return msg, nil
}

type importTickMsg struct {
	Type    string  `json:"type"`
	Percent float64 `json:"percent"`
}

type tickMsg struct {
	Type            string `json:"type"`
	SimulatedTimeMs int64  `json:"simulatedTimeMs"`
}

type resultMsg struct {
	Type       string           `json:"type"`
	Evaluation *backtest.Report `json:"evaluation"`
	ReportPath string           `json:"reportPath,omitempty"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type abortMsg struct {
	Type   string  `json:"type"`
	Reason string  `json:"reason"`
	Equity float64 `json:"equity"`
}

// Emitter 输出协议消息，每行一个 JSON 对象。
type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w)}
}

func (e *Emitter) emit(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(v)
}

func (e *Emitter) StartImport() error {
	return e.emit(struct {
		Type string `json:"type"`
	}{TypeStartImport})
}

func (e *Emitter) ImportTick(percent float64) error {
	percent = math.Max(0, math.Min(100, percent))
	return e.emit(importTickMsg{Type: TypeImportTick, Percent: percent})
}

func (e *Emitter) Tick(simulatedTimeMs int64) error {
	return e.emit(tickMsg{Type: TypeTick, SimulatedTimeMs: simulatedTimeMs})
}

func (e *Emitter) Result(rep *backtest.Report, reportPath string) error {
	return e.emit(resultMsg{Type: TypeResult, Evaluation: rep, ReportPath: reportPath})
}

func (e *Emitter) Error(kind string, err error) error {
	return e.emit(errorMsg{Type: TypeError, Kind: kind, Message: err.Error()})
}

func (e *Emitter) Abort(reason string, equity float64) error {
	return e.emit(abortMsg{Type: TypeAbort, Reason: reason, Equity: equity})
}

// Progress 把 Emitter 适配为回放进度回调。
func (e *Emitter) Progress(p backtest.Progress) {
	switch p.Stage {
	case backtest.StageImportStart:
		_ = e.StartImport()
	case backtest.StageImport:
		_ = e.ImportTick(p.Percent)
	case backtest.StageReplay:
		_ = e.Tick(p.SimulatedTime)
	}
}
