package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"tickreplay/internal/app"
	"tickreplay/internal/config"
	"tickreplay/internal/logger"
)

const defaultConfigPath = "configs/config.yaml"

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, cfgPath string, args []string) error
}

var commands = []command{
	{name: "run", usage: "replay one instrument range and print the report", run: runCommand},
	{name: "worker", usage: "read a job from stdin and speak the worker protocol on stdout", run: workerCommand},
	{name: "sweep", usage: "run a parameter grid through worker processes", run: sweepCommand},
	{name: "import", usage: "import historical trades for a range", run: importCommand},
	{name: "serve", usage: "start the HTTP API", run: serveCommand},
}

func main() {
	cfgFlag := flag.String("config", "", "config file (default $TICKREPLAY_CONFIG or "+defaultConfigPath+")")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cfgPath := resolveConfigPath(*cfgFlag)

	name := flag.Arg(0)
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.run(ctx, cfgPath, flag.Args()[1:]); err != nil {
		stop()
		log.Fatalf("%s 失败: %v", name, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: tickreplay [-config path] <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

func resolveConfigPath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("TICKREPLAY_CONFIG")); p != "" {
		return p
	}
	return defaultConfigPath
}

// loadConfig 读取配置并初始化日志；console 为日志的终端输出目标。
func loadConfig(cfgPath string, console io.Writer) (*config.Config, func(), error) {
	logger.SetOutput(console)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("读取配置失败: %w", err)
	}
	logger.SetFormat(cfg.App.LogFormat)
	logFile, err := setupLogOutput(cfg.App.LogPath, console)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志文件失败: %w", err)
	}
	tradeFile, err := openLogFile(cfg.App.TradeLogPath)
	if err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, nil, fmt.Errorf("初始化成交流水失败: %w", err)
	}
	if tradeFile != nil {
		logger.SetTradeWriter(tradeFile)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，交易所=%v）", cfg.App.Env, cfg.ExchangeNames())
	closeLog := func() {
		if tradeFile != nil {
			logger.SetTradeWriter(nil)
			_ = tradeFile.Close()
		}
		if logFile != nil {
			_ = logFile.Close()
		}
	}
	return cfg, closeLog, nil
}

// loadApp 在 loadConfig 基础上构建应用，并绑定 ctx。
func loadApp(ctx context.Context, cfgPath string, console io.Writer) (*app.App, *config.Config, func(), error) {
	cfg, closeLog, err := loadConfig(cfgPath, console)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		closeLog()
		return nil, nil, nil, fmt.Errorf("初始化应用失败: %w", err)
	}
	a.Start(ctx)
	cleanup := func() {
		a.Close()
		closeLog()
	}
	return a, cfg, cleanup, nil
}

func setupLogOutput(path string, console io.Writer) (*os.File, error) {
	file, err := openLogFile(path)
	if err != nil || file == nil {
		return nil, err
	}
	mw := io.MultiWriter(console, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

func openLogFile(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
