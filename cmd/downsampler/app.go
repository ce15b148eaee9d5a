package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/HatiCode/downsampler/cmd/downsampler/config"
	"github.com/HatiCode/downsampler/cmd/downsampler/store"
	"github.com/HatiCode/downsampler/pkg/adapters"
	"github.com/HatiCode/downsampler/pkg/checkpoint"
	"github.com/HatiCode/downsampler/pkg/pipeline"
	"github.com/HatiCode/downsampler/pkg/schema"
	"github.com/HatiCode/downsampler/pkg/writer"
)

// appClock drives every scheduler the binary creates.
var appClock pipeline.Clock = pipeline.RealClock{}

// app owns the collaborators of one downsampling task.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	monitor   *pipeline.Monitor
	scheduler *pipeline.Scheduler

	clients map[string]client.Client
	closers []func() error
}

func newApp(cfg *config.Config, log *slog.Logger, observer pipeline.Observer) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		clients: make(map[string]client.Client),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	sourceClient, err := a.connect("source", cfg.Source)
	if err != nil {
		return nil, err
	}
	targetClient, err := a.connect("target", cfg.Target)
	if err != nil {
		return nil, err
	}

	var runLog pipeline.RunLog
	if cfg.Log.Host != "" {
		logClient, err := a.connect("run log", cfg.Log)
		if err != nil {
			return nil, err
		}
		runLog = adapters.NewInfluxRunLog(logClient, cfg.Log.Database, cfg.Log.Measurement)
	}

	cache, err := store.New(cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cache.Close)

	source := adapters.NewInfluxSource(sourceClient, cfg.Source.Database, cfg.ChunkSize)
	resolver := schema.NewResolver(source, cache, schema.Options{
		Tags:       cfg.Tags,
		TagFilters: cfg.TagFilters,
		NoCache:    cfg.NoSchemaCache,
	}, log)

	p, err := pipeline.New(pipeline.PipelineContext{
		TaskID:            cfg.TaskID,
		SourceHost:        cfg.Source.Host,
		SourceMeasurement: cfg.Source.Measurement,
		TargetMeasurement: cfg.Target.Measurement,
		Interval:          cfg.Interval,
		Aggregate:         cfg.Aggregate,
		Source:            source,
		Target:            adapters.NewInfluxTarget(targetClient, cfg.Target.Database, cfg.RetentionPolicy),
		Resolver:          resolver,
		RunLog:            runLog,
		Observer:          observer,
		Writer:            writer.Options{MaxRetries: cfg.MaxRetries},
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}

	a.monitor = pipeline.NewMonitor(3 * cfg.Interval.Duration())
	opts := pipeline.SchedulerOptions{
		Clock:    appClock,
		Monitor:  a.monitor,
		Observer: observer,
		Logger:   log,
	}
	if cfg.Backfill() && cfg.CheckpointDir != "" {
		ckpt, err := checkpoint.Open(checkpoint.Config{Path: cfg.CheckpointDir})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ckpt.Close)
		opts.Checkpoint = ckpt
		opts.CheckpointKey = checkpoint.Key(
			cfg.Source.Host,
			cfg.Source.Measurement,
			cfg.Target.Measurement,
			cfg.Interval.String(),
			string(cfg.Aggregate),
			backfillBound(cfg.BackfillStart),
			backfillBound(cfg.BackfillEnd),
		)
		log.Info("backfill checkpoints enabled", "dir", cfg.CheckpointDir, "key", opts.CheckpointKey)
	}
	a.scheduler = pipeline.NewScheduler(p, cfg.Interval, opts)

	ready = true
	return a, nil
}

// backfillBound renders a backfill range bound for checkpoint keys. An open
// end is rendered as "now".
func backfillBound(t time.Time) string {
	if t.IsZero() {
		return "now"
	}
	return t.UTC().Format(time.RFC3339)
}

// connect returns a verified client for conn, sharing one client per
// host and credentials.
func (a *app) connect(role string, conn config.Influx) (client.Client, error) {
	key := conn.Host + "\x00" + conn.Username + "\x00" + conn.Password
	if c, ok := a.clients[key]; ok {
		return c, nil
	}

	c, err := adapters.NewClient(adapters.ClientConfig{
		Host:     conn.Host,
		Username: conn.Username,
		Password: conn.Password,
		Timeout:  a.cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	a.closers = append(a.closers, c.Close)

	version, err := adapters.Ping(c, a.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%s %s unreachable: %w", role, conn.Host, err)
	}
	a.log.Info("connected to influxdb", "role", role, "host", conn.Host, "version", version)

	a.clients[key] = c
	return c, nil
}

// execute runs the configured mode. Backfill takes precedence over the other
// modes. Run-previous processes the most recently completed window first and
// only a fatal failure stops the run-once or scheduled mode that follows.
// With run-once, a failed previous window is still reported.
func (a *app) execute(ctx context.Context) error {
	if a.cfg.Backfill() {
		return a.scheduler.Backfill(ctx, a.cfg.BackfillStart, a.cfg.BackfillEnd)
	}

	var prevErr error
	if a.cfg.RunPrevious {
		if prevErr = a.scheduler.RunPrevious(ctx); prevErr != nil {
			var re *pipeline.RunError
			if (errors.As(prevErr, &re) && re.Fatal()) || ctx.Err() != nil {
				return prevErr
			}
			a.log.Warn("previous interval failed, continuing", "error", prevErr)
		}
	}

	if a.cfg.RunOnce {
		return errors.Join(prevErr, a.scheduler.RunOnce(ctx))
	}
	return a.scheduler.RunScheduled(ctx)
}

// Close releases clients and stores in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
