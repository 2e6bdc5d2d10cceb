package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glowdesk/concierge/pkg/app"
	"github.com/glowdesk/concierge/pkg/config"
	"github.com/glowdesk/concierge/pkg/logger"
)

func main() {
	configPath := flag.String("config", "concierge.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	container, err := app.NewContainer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wiring: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := container.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		container.Shutdown()
		os.Exit(1)
	}
	container.Shutdown()
}
