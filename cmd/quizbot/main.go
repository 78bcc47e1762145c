package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/victornm/quizroom/internal/client"
	"github.com/victornm/quizroom/internal/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Load .env failed: %v", err)
	}

	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	if os.Getenv("DEBUG") != "" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	s, err := client.Init(c)
	if err != nil {
		log.Fatalf("Init client failed: %v", err)
	}

	err = s.Start(ctx)
	s.Shutdown()

	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads CONFIG_PATH when set. Without it the defaults and the environment are used.
func loadConfig() (client.Config, error) {
	c := client.DefaultConfig()

	if err := config.Load(os.Getenv("CONFIG_PATH"), &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
