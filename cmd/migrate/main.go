package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/parlance/backend/internal/config"
	"github.com/parlance/backend/internal/logging"
	"github.com/parlance/backend/internal/repository"
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		fmt.Println("Error: migration command is required")
		fmt.Println("Usage: migrate [command]")
		fmt.Println("Commands: up, down, status, redo")
		os.Exit(1)
	}
	command := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger.Info("starting migration", "command", command)
	if err := repository.RunMigrations(ctx, cfg.DatabaseURL, command); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	if command == "up" {
		pool, err := repository.Connect(ctx, cfg.DatabaseURL, 2)
		if err != nil {
			logger.Error("connect for river migrations", "error", err)
			os.Exit(1)
		}
		err = repository.RunRiverMigrations(ctx, pool)
		pool.Close()
		if err != nil {
			logger.Error("river migration failed", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("migration finished")
}
