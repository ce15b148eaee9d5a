// Package main implements the downsampler service.
// The downsampler periodically aggregates a source InfluxDB measurement over
// trailing windows and writes the rollup to a target measurement.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HatiCode/downsampler/cmd/downsampler/config"
	"github.com/HatiCode/downsampler/cmd/downsampler/health"
	"github.com/HatiCode/downsampler/cmd/downsampler/logger"
	"github.com/HatiCode/downsampler/cmd/downsampler/metrics"
	"github.com/HatiCode/downsampler/cmd/downsampler/router"
	"github.com/HatiCode/downsampler/pkg/httpx"
)

const version = "v0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}

	log := logger.New(cfg)
	slog.SetDefault(log)

	log.Info("starting downsampler",
		"version", version,
		"mode", mode(cfg),
		"interval", cfg.Interval.String(),
		"aggregate", string(cfg.Aggregate),
		"source", cfg.Source.Host+"/"+cfg.Source.Database+"/"+cfg.Source.Measurement,
		"target", cfg.Target.Host+"/"+cfg.Target.Database+"/"+cfg.Target.Measurement,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log, metrics.New(cfg.TaskID))
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	if cfg.Listen != "" {
		httpServer := httpx.NewServer(cfg.Listen, router.SetupRoutes(a.monitor, log), log)
		go func() {
			if err := httpServer.Start(); err != nil {
				log.Error("http server failed", "error", err)
			}
		}()
		defer func() {
			if err := httpServer.Stop(10 * time.Second); err != nil {
				log.Error("http server shutdown error", "error", err)
			}
		}()
	}

	if cfg.GRPCListen != "" {
		grpcCtx, cancelGRPC := context.WithCancel(ctx)
		grpcDone := make(chan struct{})
		go func() {
			defer close(grpcDone)
			if err := health.Serve(grpcCtx, cfg.GRPCListen, health.NewReporter(a.monitor, log), log); err != nil {
				log.Error("grpc server failed", "error", err)
			}
		}()
		defer func() {
			cancelGRPC()
			<-grpcDone
		}()
	}

	err = a.execute(ctx)
	switch {
	case err == nil:
		log.Info("shutdown complete")
		return 0
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Info("interrupted, shutdown complete")
		return 0
	default:
		log.Error("downsampler stopped", "error", err)
		return 1
	}
}

func mode(cfg *config.Config) string {
	switch {
	case cfg.Backfill():
		return "backfill"
	case cfg.RunOnce && cfg.RunPrevious:
		return "run-previous+run-once"
	case cfg.RunOnce:
		return "run-once"
	case cfg.RunPrevious:
		return "run-previous+scheduled"
	default:
		return "scheduled"
	}
}
