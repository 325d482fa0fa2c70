package main

import (
	"context"
	"os"

	"github.com/yn612/agentdeck/internal/cli"
	"github.com/yn612/agentdeck/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg.APISocketPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
