// Package main is the entry point for the agentd personal assistant.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chartreuse/sentry-agent/internal/buildinfo"
	"github.com/chartreuse/sentry-agent/internal/channel"
	"github.com/chartreuse/sentry-agent/internal/config"
	"github.com/chartreuse/sentry-agent/internal/runtime"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "ask":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: agentd ask <question>")
			os.Exit(1)
		}
		runAsk(logger, *configPath, flag.Args()[1:])
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("agentd - personal assistant daemon")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the WebSocket server and background pipelines")
	fmt.Println("  ask      Ask a question, then keep reading questions from stdin, for testing")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			*logger = *slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level:       level,
				ReplaceAttr: config.ReplaceLogLevelNames,
			}))
		}
	}
	return cfg
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting agentd", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg := loadConfig(logger, configPath)

	src := channel.NewWSSource(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.New(ctx, cfg, src, logger)
	if err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", src.UpgradeHandler())
	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()
	_ = server.Shutdown(context.Background())
	if err := rt.Close(); err != nil {
		logger.Error("runtime shutdown error", "error", err)
	}
	logger.Info("agentd stopped")
}

// runAsk drives a single-user REPL over stdin/stdout against a full
// Runtime, for manual testing without standing up a WebSocket server.
func runAsk(logger *slog.Logger, configPath string, args []string) {
	cfg := loadConfig(logger, configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	question := args[0]
	for _, a := range args[1:] {
		question += " " + a
	}

	resp, err := rt.HandleUserMessage(ctx, "cli", question)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(resp)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		resp, err := rt.HandleUserMessage(ctx, "cli", line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Println(resp)
	}
}
