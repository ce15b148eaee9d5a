// Package writer streams query results into the target store batch by batch,
// retrying each batch with exponential backoff.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the number of write attempts per batch.
	DefaultMaxRetries = 5
	// DefaultTimeColumn is the reserved time column of every batch.
	DefaultTimeColumn = "time"
	// ProvenanceColumn is added by some sources and never written.
	ProvenanceColumn = "iox::measurement"
)

// Batch is one chunk of result rows. Rows are positional over Columns.
type Batch struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (b Batch) Len() int { return len(b.Rows) }

// BatchStream yields batches until it returns io.EOF.
type BatchStream interface {
	Next(ctx context.Context) (Batch, error)
}

// Target persists one batch. timeColumn and tagColumns name the batch
// columns that become the point time and tags; the rest become fields.
type Target interface {
	Write(ctx context.Context, batch Batch, measurement, timeColumn string, tagColumns []string) error
}

// WriteError reports a batch that failed on every attempt.
type WriteError struct {
	Batch    int
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch %d failed after %d attempts: %v", e.Batch, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// StreamError reports a failure reading from the result stream.
type StreamError struct {
	Batch int
	Err   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("read batch %d: %v", e.Batch, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Result accumulates counts over every batch written so far. It is returned
// with partial values when Write fails.
type Result struct {
	Rows    int
	Retries int
	Batches int
}

// Options configures a Writer.
type Options struct {
	Measurement string
	TimeColumn  string
	Tags        []string
	// MaxRetries is the number of attempts per batch, including the first.
	MaxRetries int
	// StripColumns are dropped from every batch. Nil means ProvenanceColumn.
	StripColumns []string
	// Unit scales the backoff delay 2^i + jitter. Defaults to one second.
	Unit time.Duration
	// Jitter returns a value in [0,1). Defaults to math/rand.
	Jitter func() float64
	// Timer replaces the real timer between attempts, for tests.
	Timer backoff.Timer
}

// Writer writes a BatchStream to a Target.
type Writer struct {
	target Target
	opts   Options
	logger *slog.Logger
}

// New creates a Writer, filling unset options with defaults.
func New(target Target, opts Options, logger *slog.Logger) *Writer {
	if opts.TimeColumn == "" {
		opts.TimeColumn = DefaultTimeColumn
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.StripColumns == nil {
		opts.StripColumns = []string{ProvenanceColumn}
	}
	if opts.Unit <= 0 {
		opts.Unit = time.Second
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{target: target, opts: opts, logger: logger.With("component", "writer")}
}

// Write drains stream, writing each non-empty batch with retries. It stops
// at the first batch that exhausts its attempts or the first stream error,
// returning the counts accumulated up to that point.
func (w *Writer) Write(ctx context.Context, stream BatchStream) (Result, error) {
	var res Result
	if w.target == nil {
		return res, errors.New("writer: target not configured")
	}

	for n := 0; ; n++ {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, &StreamError{Batch: n, Err: err}
		}
		if batch.Len() == 0 {
			continue
		}

		batch = DropEmpty(Strip(batch, w.opts.StripColumns), w.opts.TimeColumn, w.opts.Tags)
		if batch.Len() == 0 {
			continue
		}
		retries, err := w.writeBatch(ctx, n, batch)
		res.Retries += retries
		if err != nil {
			return res, &WriteError{Batch: n, Attempts: retries + 1, Err: err}
		}
		res.Rows += batch.Len()
		res.Batches++
		w.logger.Debug("batch written", "batch", n, "rows", batch.Len(), "retries", retries)
	}
}

func (w *Writer) writeBatch(ctx context.Context, n int, batch Batch) (int, error) {
	retries := 0
	op := func() error {
		return w.target.Write(ctx, batch, w.opts.Measurement, w.opts.TimeColumn, w.opts.Tags)
	}
	notify := func(err error, delay time.Duration) {
		retries++
		w.logger.Warn("batch write failed, retrying",
			"batch", n,
			"attempt", retries,
			"delay", delay,
			"error", err,
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(NewExponentialJitter(w.opts.Unit, w.opts.Jitter), uint64(w.opts.MaxRetries-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(op, b, notify, w.opts.Timer)
	return retries, err
}

// ExponentialJitter is a backoff.BackOff whose i-th delay (0-indexed) is
// (2^i + jitter) units with jitter in [0,1).
type ExponentialJitter struct {
	unit    time.Duration
	jitter  func() float64
	attempt int
}

// NewExponentialJitter creates the policy with the given unit and jitter source.
func NewExponentialJitter(unit time.Duration, jitter func() float64) *ExponentialJitter {
	if jitter == nil {
		jitter = rand.Float64
	}
	return &ExponentialJitter{unit: unit, jitter: jitter}
}

// NextBackOff returns the delay before the next attempt.
func (b *ExponentialJitter) NextBackOff() time.Duration {
	d := (math.Pow(2, float64(b.attempt)) + b.jitter()) * float64(b.unit)
	b.attempt++
	return time.Duration(d)
}

// Reset restarts the sequence at 2^0.
func (b *ExponentialJitter) Reset() { b.attempt = 0 }

// Strip returns batch without the named columns. The input is not modified.
func Strip(batch Batch, columns []string) Batch {
	if len(columns) == 0 {
		return batch
	}
	drop := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		drop[c] = struct{}{}
	}

	keep := make([]int, 0, len(batch.Columns))
	for i, c := range batch.Columns {
		if _, ok := drop[c]; !ok {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(batch.Columns) {
		return batch
	}

	out := Batch{Columns: make([]string, len(keep)), Rows: make([][]any, len(batch.Rows))}
	for j, i := range keep {
		out.Columns[j] = batch.Columns[i]
	}
	for r, row := range batch.Rows {
		nr := make([]any, 0, len(keep))
		for _, i := range keep {
			if i < len(row) {
				nr = append(nr, row[i])
			}
		}
		out.Rows[r] = nr
	}
	return out
}

// DropEmpty returns batch without rows whose field columns are all null.
// Columns other than timeColumn and tagColumns are fields. Such rows are
// empty aggregation buckets and are not counted as written.
func DropEmpty(batch Batch, timeColumn string, tagColumns []string) Batch {
	skip := make(map[string]bool, len(tagColumns)+1)
	skip[timeColumn] = true
	for _, c := range tagColumns {
		skip[c] = true
	}

	hasField := func(row []any) bool {
		for i, col := range batch.Columns {
			if !skip[col] && i < len(row) && row[i] != nil {
				return true
			}
		}
		return false
	}

	var rows [][]any
	for i, row := range batch.Rows {
		if hasField(row) {
			if rows != nil {
				rows = append(rows, row)
			}
			continue
		}
		if rows == nil {
			rows = append(make([][]any, 0, len(batch.Rows)), batch.Rows[:i]...)
		}
	}
	if rows == nil {
		return batch
	}
	return Batch{Columns: batch.Columns, Rows: rows}
}

// SliceStream is a BatchStream over batches already in memory.
type SliceStream struct {
	batches []Batch
	next    int
}

// NewSliceStream streams batches in order.
func NewSliceStream(batches ...Batch) *SliceStream {
	return &SliceStream{batches: batches}
}

// Next returns the next batch or io.EOF.
func (s *SliceStream) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if s.next >= len(s.batches) {
		return Batch{}, io.EOF
	}
	b := s.batches[s.next]
	s.next++
	return b, nil
}
