package pipeline

import (
	"context"
	"fmt"
	"time"
)

// State is the step an invocation is in.
type State int

const (
	Idle State = iota
	ComputingWindow
	ResolvingSchema
	BuildingQuery
	Querying
	Writing
	Logging
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ComputingWindow:
		return "computing_window"
	case ResolvingSchema:
		return "resolving_schema"
	case BuildingQuery:
		return "building_query"
	case Querying:
		return "querying"
	case Writing:
		return "writing"
	case Logging:
		return "logging"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrorKind classifies why an invocation failed.
type ErrorKind string

const (
	KindNone   ErrorKind = "none"
	KindSchema ErrorKind = "schema"
	KindQuery  ErrorKind = "query"
	KindWrite  ErrorKind = "write"
)

// RunError is returned by Pipeline.Run for a failed invocation. Schema
// errors are fatal for the process, query and write errors are not.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Fatal reports whether the scheduler must stop.
func (e *RunError) Fatal() bool { return e.Kind == KindSchema }

// RunRecord summarizes one invocation. Exactly one is emitted per Run.
type RunRecord struct {
	RunID             string
	TaskID            string
	SourceHost        string
	SourceMeasurement string
	TargetMeasurement string
	Interval          string
	Start             time.Time
	End               time.Time
	QueryGenDuration  time.Duration
	QueryDuration     time.Duration
	WriteDuration     time.Duration
	RowCount          int
	RetryCount        int
	ErrorKind         ErrorKind
	Error             string
	FinishedAt        time.Time
}

// Succeeded reports whether the invocation completed without error.
func (r RunRecord) Succeeded() bool {
	return r.ErrorKind == KindNone
}

// Tags returns the indexed dimensions of the record. Empty values are omitted.
func (r RunRecord) Tags() map[string]string {
	all := map[string]string{
		"task_id":            r.TaskID,
		"source_host":        r.SourceHost,
		"source_measurement": r.SourceMeasurement,
		"target_measurement": r.TargetMeasurement,
		"interval":           r.Interval,
		"error_kind":         string(r.ErrorKind),
	}
	tags := make(map[string]string, len(all))
	for k, v := range all {
		if v != "" {
			tags[k] = v
		}
	}
	return tags
}

// Fields returns the values of the record.
func (r RunRecord) Fields() map[string]any {
	f := map[string]any{
		"run_id":             r.RunID,
		"start":              r.Start.UTC().Format(time.RFC3339),
		"end":                r.End.UTC().Format(time.RFC3339),
		"query_gen_duration": r.QueryGenDuration.Seconds(),
		"query_duration":     r.QueryDuration.Seconds(),
		"write_duration":     r.WriteDuration.Seconds(),
		"row_count":          int64(r.RowCount),
		"retry_count":        int64(r.RetryCount),
	}
	if r.Error != "" {
		f["error"] = r.Error
	}
	return f
}

// RunLog receives run records. Failures are logged and otherwise ignored.
type RunLog interface {
	Log(ctx context.Context, rec RunRecord) error
}

// Observer receives run outcomes and scheduler events, typically for metrics.
type Observer interface {
	ObserveRun(rec RunRecord)
	SetInFlight(n int)
	IncRejected()
}

type nopObserver struct{}

func (nopObserver) ObserveRun(RunRecord) {}
func (nopObserver) SetInFlight(int)      {}
func (nopObserver) IncRejected()         {}
