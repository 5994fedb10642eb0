package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/sxhxliang/agentx-proxy/internal/config"
	"github.com/sxhxliang/agentx-proxy/internal/edge"
	"github.com/sxhxliang/agentx-proxy/internal/logger"
)

func main() {
	app := &cli.App{
		Name:  "tunnelcore-edge",
		Usage: "Reverse-tunnel core: private-endpoint edge process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML edge config file",
				EnvVars: []string{"TUNNELCORE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "Overrides clientId from the config file",
				EnvVars: []string{"TUNNELCORE_CLIENT_ID"},
			},
			&cli.StringFlag{
				Name:    "logfile",
				Usage:   "Rotate logs to this file name under ./logs in addition to stderr",
				EnvVars: []string{"TUNNELCORE_LOGFILE"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadEdgeConfig(c.String("config"))
	if err != nil {
		return err
	}
	if id := c.String("client-id"); id != "" {
		cfg.ClientID = id
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("tunnelcore-edge: client_id is required (config clientId or --client-id)")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("tunnelcore-edge: invalid log level %q: %w", cfg.LogLevel, err)
	}
	logCfg := logger.Config{MinLevel: level}
	if lf := c.String("logfile"); lf != "" {
		logCfg.File = &logger.RollingFile{Dirname: "logs", Filename: lf, MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14}
	}
	log := logger.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := edge.New(cfg, log, nil)
	return agent.Run(ctx)
}
