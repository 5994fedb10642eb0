package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/sxhxliang/agentx-proxy/internal/config"
	"github.com/sxhxliang/agentx-proxy/internal/logger"
	"github.com/sxhxliang/agentx-proxy/internal/metrics"
	"github.com/sxhxliang/agentx-proxy/internal/server"
)

func main() {
	app := &cli.App{
		Name:  "tunnelcore-server",
		Usage: "Reverse-tunnel core: public-facing server process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML server config file",
				EnvVars: []string{"TUNNELCORE_CONFIG"},
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
	cfg, err := config.LoadServerConfig(c.String("config"))
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("tunnelcore-server: invalid log level %q: %w", cfg.LogLevel, err)
	}
	logCfg := logger.Config{MinLevel: level}
	if lf := c.String("logfile"); lf != "" {
		logCfg.File = &logger.RollingFile{Dirname: "logs", Filename: lf, MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14}
	}
	log := logger.New(logCfg)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, srv.Metrics(), log)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil {
			log.Warn().Err(err).Msg("tunnelcore-server: metrics server stopped")
		}
	}()

	runErr := srv.Run(ctx)
	metricsSrv.Shutdown(5 * time.Second)
	return runErr
}
