package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HatiCode/downsampler/pkg/window"
)

// DefaultMaxConcurrent caps overlapping scheduled invocations.
const DefaultMaxConcurrent = 10

// Runner executes one invocation. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, w window.Window) (RunRecord, error)
}

// Checkpoint persists backfill progress as the end of the last completed
// window per key.
type Checkpoint interface {
	Last(ctx context.Context, key string) (time.Time, bool, error)
	Save(ctx context.Context, key string, end time.Time) error
}

// SchedulerOptions configures a Scheduler. Zero values get defaults.
type SchedulerOptions struct {
	Clock         Clock
	MaxConcurrent int
	Monitor       *Monitor
	Observer      Observer
	// Checkpoint and CheckpointKey enable backfill resume.
	Checkpoint    Checkpoint
	CheckpointKey string
	Logger        *slog.Logger
}

// Scheduler drives a Runner in one of its run modes.
type Scheduler struct {
	runner   Runner
	interval window.Interval
	opts     SchedulerOptions
	logger   *slog.Logger

	sem      chan struct{}
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler firing every interval.
func NewScheduler(r Runner, interval window.Interval, opts SchedulerOptions) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Monitor == nil {
		opts.Monitor = NewMonitor(0)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		runner:   r,
		interval: interval,
		opts:     opts,
		logger:   opts.Logger.With("component", "scheduler", "interval", interval.String()),
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Monitor returns the health monitor fed by this scheduler.
func (s *Scheduler) Monitor() *Monitor {
	return s.opts.Monitor
}

// RunScheduled fires at NextBoundary and then every interval, running the
// window that ends at each fire time. Fires beyond MaxConcurrent in-flight
// invocations are rejected. It returns nil when ctx is canceled, or the
// first fatal error after in-flight invocations finish.
func (s *Scheduler) RunScheduled(ctx context.Context) error {
	clock := s.opts.Clock
	next := window.NextBoundary(s.interval, clock.Now())
	fatal := make(chan error, 1)

	s.logger.Info("starting scheduled loop", "first_run", next.Format(time.RFC3339))

	for {
		wait := next.Sub(clock.Now())
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduled loop stopped", "in_flight", s.inFlight.Load())
			s.wg.Wait()
			return nil
		case err := <-fatal:
			s.logger.Error("stopping scheduled loop after fatal error", "error", err)
			s.wg.Wait()
			return err
		case <-clock.After(wait):
		}

		s.dispatch(ctx, window.Window{Start: s.interval.Add(next, -1), End: next}, fatal)

		next = s.interval.Add(next, 1)
		if now := clock.Now(); !next.After(now) {
			realigned := window.NextBoundary(s.interval, now)
			s.logger.Warn("missed scheduled boundaries, realigning",
				"missed_from", next.Format(time.RFC3339),
				"next_run", realigned.Format(time.RFC3339),
			)
			next = realigned
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, w window.Window, fatal chan<- error) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.opts.Monitor.RecordRejected()
		s.opts.Observer.IncRejected()
		s.logger.Warn("run rejected, concurrency limit reached",
			"window", w.String(),
			"max_concurrent", s.opts.MaxConcurrent,
		)
		return
	}

	s.wg.Add(1)
	s.opts.Observer.SetInFlight(int(s.inFlight.Add(1)))
	go func() {
		defer func() {
			s.opts.Observer.SetInFlight(int(s.inFlight.Add(-1)))
			<-s.sem
			s.wg.Done()
		}()

		if err := s.invoke(ctx, w); isFatal(err) {
			select {
			case fatal <- err:
			default:
			}
		}
	}()
}

// RunOnce waits for the next boundary, runs the window ending there and
// returns its error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	next := window.NextBoundary(s.interval, s.opts.Clock.Now())
	s.logger.Info("run-once scheduled", "run_at", next.Format(time.RFC3339))

	if wait := next.Sub(s.opts.Clock.Now()); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.opts.Clock.After(wait):
		}
	}
	return s.invoke(ctx, window.Window{Start: s.interval.Add(next, -1), End: next})
}

// RunPrevious immediately runs the most recently completed window.
func (s *Scheduler) RunPrevious(ctx context.Context) error {
	w := window.Previous(s.interval, s.opts.Clock.Now())
	s.logger.Info("running previous interval", "window", w.String())
	return s.invoke(ctx, w)
}

// BackfillError reports windows that failed during a backfill.
type BackfillError struct {
	Failed int
	Total  int
	Last   error
}

func (e *BackfillError) Error() string {
	return fmt.Sprintf("backfill: %d of %d windows failed, last error: %v", e.Failed, e.Total, e.Last)
}

func (e *BackfillError) Unwrap() error { return e.Last }

// Backfill runs every window of [start, end] sequentially. A zero end means
// now. Query and write failures do not stop the backfill but are reported in
// a *BackfillError. Fatal errors stop it immediately. With a checkpoint that
// lies inside the range, windows up to the saved end are skipped and the
// checkpoint advances while windows complete without a gap.
func (s *Scheduler) Backfill(ctx context.Context, start, end time.Time) error {
	if end.IsZero() {
		end = s.opts.Clock.Now()
	}
	start, end = start.UTC(), end.UTC()
	if !start.Before(end) {
		return fmt.Errorf("backfill: start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	windows := window.Backfill(s.interval, start, end)
	windows = s.resume(ctx, windows)
	s.logger.Info("starting backfill",
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
		"windows", len(windows),
	)

	var (
		failed     int
		last       error
		contiguous = true
	)
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.invoke(ctx, w)
		if isFatal(err) {
			return err
		}
		if err != nil {
			failed++
			last = err
			contiguous = false
		} else if contiguous {
			s.saveCheckpoint(ctx, w.End)
		}

		s.logger.Debug("backfill progress", "done", i+1, "total", len(windows), "failed", failed)
	}

	s.logger.Info("backfill complete", "windows", len(windows), "failed", failed)
	if failed > 0 {
		return &BackfillError{Failed: failed, Total: len(windows), Last: last}
	}
	return nil
}

func (s *Scheduler) resume(ctx context.Context, windows []window.Window) []window.Window {
	if s.opts.Checkpoint == nil || s.opts.CheckpointKey == "" {
		return windows
	}
	done, ok, err := s.opts.Checkpoint.Last(ctx, s.opts.CheckpointKey)
	if err != nil {
		s.logger.Warn("failed to read backfill checkpoint, starting from the beginning", "error", err)
		return windows
	}
	if !ok || len(windows) == 0 {
		return windows
	}
	if first, last := windows[0], windows[len(windows)-1]; done.Before(first.Start) || done.After(last.End) {
		s.logger.Info("checkpoint outside backfill range, ignoring it",
			"completed_until", done.Format(time.RFC3339),
			"range_start", first.Start.Format(time.RFC3339),
			"range_end", last.End.Format(time.RFC3339),
		)
		return windows
	}

	for i, w := range windows {
		if w.End.After(done) {
			if i > 0 {
				s.logger.Info("resuming backfill from checkpoint", "completed_until", done.Format(time.RFC3339), "skipped", i)
			}
			return windows[i:]
		}
	}
	s.logger.Info("backfill already complete according to checkpoint", "completed_until", done.Format(time.RFC3339))
	return nil
}

func (s *Scheduler) saveCheckpoint(ctx context.Context, end time.Time) {
	if s.opts.Checkpoint == nil || s.opts.CheckpointKey == "" {
		return
	}
	if err := s.opts.Checkpoint.Save(ctx, s.opts.CheckpointKey, end); err != nil {
		s.logger.Warn("failed to save backfill checkpoint", "end", end.Format(time.RFC3339), "error", err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, w window.Window) error {
	rec, err := s.runner.Run(ctx, w)
	s.opts.Monitor.Record(rec)
	if isFatal(err) {
		s.opts.Monitor.RecordFatal(err)
	}
	return err
}

func isFatal(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Fatal()
}
