// Package pipeline runs downsampling invocations and schedules them.
//
// One invocation resolves the source schema, builds the aggregation query for
// a window, streams the result into the target and emits exactly one
// RunRecord. The Scheduler drives invocations in one of four modes:
// scheduled, run-once, run-previous and backfill.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/downsampler/pkg/influxql"
	"github.com/HatiCode/downsampler/pkg/schema"
	"github.com/HatiCode/downsampler/pkg/window"
	"github.com/HatiCode/downsampler/pkg/writer"
)

// Source runs the aggregation query. Returned streams that implement
// io.Closer are closed after writing.
type Source interface {
	Query(ctx context.Context, query string) (writer.BatchStream, error)
}

// SchemaResolver returns the schema of a measurement.
type SchemaResolver interface {
	Resolve(ctx context.Context, measurement string) (schema.Schema, error)
}

// PipelineContext holds everything an invocation needs. It is read-only once
// the Pipeline is created.
type PipelineContext struct {
	TaskID            string
	SourceHost        string
	SourceMeasurement string
	TargetMeasurement string
	Interval          window.Interval
	Aggregate         influxql.Aggregate

	Source   Source
	Target   writer.Target
	Resolver SchemaResolver
	// RunLog is optional. Nil disables run records in the database.
	RunLog RunLog
	// Observer is optional.
	Observer Observer
	// Writer carries retry settings. Measurement and Tags are set per run.
	Writer writer.Options
	// Trace, if set, is called on every state transition.
	Trace func(runID string, from, to State)

	Logger *slog.Logger
}

// Pipeline executes invocations for one PipelineContext. Run is safe for
// concurrent use.
type Pipeline struct {
	pc     PipelineContext
	logger *slog.Logger
}

// New validates pc and creates a Pipeline.
func New(pc PipelineContext) (*Pipeline, error) {
	switch {
	case pc.Source == nil:
		return nil, errors.New("pipeline: source is required")
	case pc.Target == nil:
		return nil, errors.New("pipeline: target is required")
	case pc.Resolver == nil:
		return nil, errors.New("pipeline: schema resolver is required")
	case pc.SourceMeasurement == "":
		return nil, errors.New("pipeline: source measurement is required")
	case pc.TargetMeasurement == "":
		return nil, errors.New("pipeline: target measurement is required")
	}
	if err := pc.Interval.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if pc.Aggregate == "" {
		pc.Aggregate = influxql.Mean
	}
	if pc.Observer == nil {
		pc.Observer = nopObserver{}
	}
	if pc.Logger == nil {
		pc.Logger = slog.Default()
	}
	return &Pipeline{pc: pc, logger: pc.Logger}, nil
}

// Context returns the pipeline's configuration.
func (p *Pipeline) Context() PipelineContext {
	return p.pc
}

type invocation struct {
	p      *Pipeline
	rec    RunRecord
	state  State
	logger *slog.Logger
}

func (inv *invocation) transition(to State) {
	from := inv.state
	inv.state = to
	inv.logger.Debug("state transition", "from", from.String(), "to", to.String())
	if inv.p.pc.Trace != nil {
		inv.p.pc.Trace(inv.rec.RunID, from, to)
	}
}

// Run performs one invocation over w. It always emits one RunRecord to the
// run log and observer, and returns a *RunError when the invocation failed.
func (p *Pipeline) Run(ctx context.Context, w window.Window) (RunRecord, error) {
	w = window.Window{Start: w.Start.UTC(), End: w.End.UTC()}
	inv := &invocation{
		p: p,
		rec: RunRecord{
			RunID:             uuid.NewString(),
			TaskID:            p.pc.TaskID,
			SourceHost:        p.pc.SourceHost,
			SourceMeasurement: p.pc.SourceMeasurement,
			TargetMeasurement: p.pc.TargetMeasurement,
			Interval:          p.pc.Interval.String(),
			Start:             w.Start,
			End:               w.End,
			ErrorKind:         KindNone,
		},
		state: Idle,
	}
	inv.logger = p.logger.With("run_id", inv.rec.RunID, "window", w.String())
	start := time.Now()

	inv.transition(ComputingWindow)
	inv.logger.Debug("computed window", "start", w.Start.Format(time.RFC3339), "end", w.End.Format(time.RFC3339))

	inv.transition(ResolvingSchema)
	s, err := p.pc.Resolver.Resolve(ctx, p.pc.SourceMeasurement)
	if err != nil {
		return p.fail(ctx, inv, KindSchema, err, start)
	}
	if len(s.NumericFields()) == 0 {
		inv.logger.Warn("schema has no numeric fields, aggregate clause is empty",
			"measurement", p.pc.SourceMeasurement,
			"fields", len(s.Fields),
		)
	}

	inv.transition(BuildingQuery)
	genStart := time.Now()
	query := influxql.BuildQuery(influxql.QuerySpec{
		Schema:      s,
		Measurement: p.pc.SourceMeasurement,
		Start:       w.Start,
		End:         w.End,
		Bucket:      p.pc.Interval,
		Aggregate:   p.pc.Aggregate,
	})
	inv.rec.QueryGenDuration = time.Since(genStart)
	inv.logger.Debug("built query", "query", query, "duration_ms", inv.rec.QueryGenDuration.Milliseconds())

	inv.transition(Querying)
	queryStart := time.Now()
	stream, err := p.pc.Source.Query(ctx, query)
	inv.rec.QueryDuration = time.Since(queryStart)
	if err != nil {
		return p.fail(ctx, inv, KindQuery, err, start)
	}
	if c, ok := stream.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				inv.logger.Debug("close result stream", "error", err)
			}
		}()
	}

	inv.transition(Writing)
	opts := p.pc.Writer
	opts.Measurement = p.pc.TargetMeasurement
	opts.Tags = s.Tags
	writeStart := time.Now()
	res, err := writer.New(p.pc.Target, opts, inv.logger).Write(ctx, stream)
	inv.rec.WriteDuration = time.Since(writeStart)
	inv.rec.RowCount = res.Rows
	inv.rec.RetryCount = res.Retries
	if err != nil {
		kind := KindWrite
		var se *writer.StreamError
		if errors.As(err, &se) {
			kind = KindQuery
		}
		return p.fail(ctx, inv, kind, err, start)
	}

	inv.transition(Logging)
	p.emit(ctx, inv)
	inv.logger.Info("downsampling run complete",
		"source_measurement", p.pc.SourceMeasurement,
		"target_measurement", p.pc.TargetMeasurement,
		"rows", inv.rec.RowCount,
		"retries", inv.rec.RetryCount,
		"query_gen_ms", inv.rec.QueryGenDuration.Milliseconds(),
		"query_ms", inv.rec.QueryDuration.Milliseconds(),
		"write_ms", inv.rec.WriteDuration.Milliseconds(),
		"total_ms", time.Since(start).Milliseconds(),
	)
	inv.transition(Idle)
	return inv.rec, nil
}

func (p *Pipeline) fail(ctx context.Context, inv *invocation, kind ErrorKind, err error, start time.Time) (RunRecord, error) {
	stage := inv.state
	inv.rec.ErrorKind = kind
	inv.rec.Error = err.Error()
	inv.transition(Failed)
	p.emit(ctx, inv)
	inv.logger.Error("downsampling run failed",
		"error_kind", string(kind),
		"error", err,
		"stage", stage.String(),
		"rows", inv.rec.RowCount,
		"retries", inv.rec.RetryCount,
		"total_ms", time.Since(start).Milliseconds(),
	)
	inv.transition(Idle)
	return inv.rec, &RunError{Kind: kind, Err: err}
}

// emit sends the record to the observer and run log. Run log failures never
// escalate.
func (p *Pipeline) emit(ctx context.Context, inv *invocation) {
	inv.rec.FinishedAt = time.Now().UTC()
	p.pc.Observer.ObserveRun(inv.rec)
	if p.pc.RunLog == nil {
		return
	}
	logCtx := context.WithoutCancel(ctx)
	if err := p.pc.RunLog.Log(logCtx, inv.rec); err != nil {
		inv.logger.Warn("failed to write run record", "error", err)
	}
}
