package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"tickreplay/internal/backtest"
	"tickreplay/internal/logger"
)

const maxLineBytes = 64 << 20

type CoordinatorConfig struct {
	// Command 与 Args 用于启动单个 worker，任务配置写入其标准输入。
	Command string
	Args    []string
	Env     []string
	// Stderr 接收 worker 日志，默认 os.Stderr。
	Stderr io.Writer
}

// Coordinator 启动 worker 进程并收集其协议消息。
type Coordinator struct {
	cfg CoordinatorConfig
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		cfg.Command = exe
		if len(cfg.Args) == 0 {
			cfg.Args = []string{"worker"}
		}
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Coordinator{cfg: cfg}, nil
}

// Outcome 汇总单个 worker 的执行结果。
type Outcome struct {
	Config      backtest.RunConfig `json:"config"`
	ExitCode    int                `json:"exit_code"`
	Report      *backtest.Report   `json:"report,omitempty"`
	ReportPath  string             `json:"report_path,omitempty"`
	Aborted     bool               `json:"aborted"`
	AbortReason string             `json:"abort_reason,omitempty"`
	ErrorKind   string             `json:"error_kind,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Launch 运行一个 worker 直至退出。非零退出码记录在 Outcome 中，
// 返回的 error 仅表示启动或读取 worker 失败。取消 ctx 会杀死进程。
func (c *Coordinator) Launch(ctx context.Context, cfg backtest.RunConfig, onMessage func(Message)) (Outcome, error) {
	job, err := json.Marshal(cfg)
	if err != nil {
		return Outcome{}, err
	}
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Stdin = bytes.NewReader(job)
	cmd.Stderr = c.cfg.Stderr
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, err
	}
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start worker: %w", err)
	}

	out := Outcome{Config: cfg}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		msg, err := Decode(scanner.Bytes())
		if err != nil {
			logger.Warnf("[worker] 跳过无效消息: %v", err)
			continue
		}
		switch msg.Type {
		case TypeResult:
			out.Report = msg.Evaluation
			out.ReportPath = msg.ReportPath
		case TypeAbort:
			out.Aborted = true
			out.AbortReason = msg.Reason
		case TypeError:
			out.ErrorKind = msg.Kind
			out.Error = msg.Message
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return out, fmt.Errorf("wait worker: %w", waitErr)
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if scanErr != nil {
		return out, fmt.Errorf("read worker output: %w", scanErr)
	}
	return out, nil
}
