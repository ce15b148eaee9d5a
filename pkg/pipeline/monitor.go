package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// DefaultMaxConsecutiveFailures is the failure streak after which the
// monitor reports unhealthy.
const DefaultMaxConsecutiveFailures = 3

// Monitor tracks invocation health for the status endpoint and the gRPC
// health service.
type Monitor struct {
	mu                  sync.RWMutex
	lastSuccess         time.Time
	lastAttempt         time.Time
	consecutiveFailures int
	lastError           string
	lastRecord          *RunRecord
	totalRuns           int
	failedRuns          int
	rejected            int
	fatal               string

	staleAfter  time.Duration
	maxFailures int
	now         func() time.Time
}

// NewMonitor creates a monitor that turns unhealthy when no run has
// succeeded for staleAfter. Zero disables the staleness check.
func NewMonitor(staleAfter time.Duration) *Monitor {
	return &Monitor{
		staleAfter:  staleAfter,
		maxFailures: DefaultMaxConsecutiveFailures,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Record stores the outcome of one invocation.
func (m *Monitor) Record(rec RunRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.lastAttempt = now
	m.totalRuns++
	m.lastRecord = &rec
	if rec.Succeeded() {
		m.lastSuccess = now
		m.consecutiveFailures = 0
		m.lastError = ""
		return
	}
	m.failedRuns++
	m.consecutiveFailures++
	m.lastError = rec.Error
}

// RecordRejected counts a scheduled fire dropped at the concurrency limit.
func (m *Monitor) RecordRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

// RecordFatal marks the scheduler as stopped. The monitor stays unhealthy.
func (m *Monitor) RecordFatal(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.fatal = err.Error()
	}
}

// IsHealthy reports false after a fatal error, after too many consecutive
// failures, or when the last success is older than the staleness limit.
// A monitor that has not seen a run yet is healthy.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *Monitor) healthyLocked() bool {
	return m.checkLocked() == nil
}

// Check is IsHealthy with the reason attached.
func (m *Monitor) Check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkLocked()
}

func (m *Monitor) checkLocked() error {
	if m.fatal != "" {
		return fmt.Errorf("scheduler stopped: %s", m.fatal)
	}
	if m.consecutiveFailures > m.maxFailures {
		return fmt.Errorf("%d consecutive failed runs: %s", m.consecutiveFailures, m.lastError)
	}
	if m.staleAfter > 0 && !m.lastSuccess.IsZero() {
		if age := m.now().Sub(m.lastSuccess); age > m.staleAfter {
			return fmt.Errorf("no successful run for %s", age.Round(time.Second))
		}
	}
	return nil
}

// Status is the JSON view of the monitor.
type Status struct {
	Healthy             bool       `json:"healthy"`
	LastSuccess         string     `json:"last_success,omitempty"`
	TimeSinceSuccess    string     `json:"time_since_success,omitempty"`
	LastAttempt         string     `json:"last_attempt,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	TotalRuns           int        `json:"total_runs"`
	FailedRuns          int        `json:"failed_runs"`
	Rejected            int        `json:"rejected"`
	Fatal               string     `json:"fatal,omitempty"`
	LastRun             *RunStatus `json:"last_run,omitempty"`
}

// RunStatus summarizes the most recent RunRecord.
type RunStatus struct {
	RunID      string `json:"run_id"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Rows       int    `json:"rows"`
	Retries    int    `json:"retries"`
	ErrorKind  string `json:"error_kind"`
	DurationMS int64  `json:"duration_ms"`
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		Healthy:    m.healthyLocked(),
		TotalRuns:  m.totalRuns,
		FailedRuns: m.failedRuns,
		Rejected:   m.rejected,
		Fatal:      m.fatal,
	}
	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = m.now().Sub(m.lastSuccess).Round(time.Second).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveFailures > 0 {
		status.ConsecutiveFailures = m.consecutiveFailures
		status.LastError = m.lastError
	}
	if r := m.lastRecord; r != nil {
		status.LastRun = &RunStatus{
			RunID:      r.RunID,
			Start:      r.Start.Format(time.RFC3339),
			End:        r.End.Format(time.RFC3339),
			Rows:       r.RowCount,
			Retries:    r.RetryCount,
			ErrorKind:  string(r.ErrorKind),
			DurationMS: (r.QueryGenDuration + r.QueryDuration + r.WriteDuration).Milliseconds(),
		}
	}
	return status
}
