package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/downsampler/cmd/downsampler/config"
	"github.com/HatiCode/downsampler/cmd/downsampler/metrics"
	"github.com/HatiCode/downsampler/pkg/pipeline"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// influxStub answers schema discovery, one chunked aggregation and writes.
type influxStub struct {
	mu         sync.Mutex
	writes     map[string][]string
	failSchema bool
}

func newInfluxStub(t *testing.T) (*influxStub, string) {
	t.Helper()
	stub := &influxStub{writes: map[string][]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Influxdb-Version", "1.8.10")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Influxdb-Version", "1.8.10")
		q := r.FormValue("q")
		switch {
		case strings.HasPrefix(q, "SHOW FIELD KEYS"):
			if stub.failSchema {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"error":"database not found: telegraf"}`)
				return
			}
			io.WriteString(w, `{"results":[{"statement_id":0,"series":[{"name":"http","columns":["fieldKey","fieldType"],"values":[["req_bytes","integer"],["status","string"]]}]}]}`)
		case strings.HasPrefix(q, "SHOW TAG KEYS"):
			io.WriteString(w, `{"results":[{"statement_id":0,"series":[{"name":"http","columns":["tagKey"],"values":[["host"]]}]}]}`)
		default:
			io.WriteString(w, `{"results":[{"statement_id":0,"series":[{"name":"http","tags":{"host":"a"},"columns":["time","req_bytes"],"values":[["2023-07-01T12:00:00Z",12.5]]}]}]}`+"\n")
		}
	})
	mux.HandleFunc("/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		stub.mu.Lock()
		db := r.FormValue("db")
		stub.writes[db] = append(stub.writes[db], strings.TrimSpace(string(body)))
		stub.mu.Unlock()
		w.Header().Set("X-Influxdb-Version", "1.8.10")
		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return stub, server.URL
}

func (s *influxStub) written(db string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes[db]...)
}

// jumpClock returns immediately from After, advancing its time.
type jumpClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *jumpClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *jumpClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func useClock(t *testing.T, now time.Time) {
	t.Helper()
	prev := appClock
	appClock = &jumpClock{now: now}
	t.Cleanup(func() { appClock = prev })
}

func loadConfig(t *testing.T, host string, extra ...string) *config.Config {
	t.Helper()
	args := append([]string{
		"-source-host=" + host,
		"-source-db=telegraf",
		"-source-measurement=http",
		"-target-db=rollups",
		"-target-measurement=http_10m",
		"-task-id=apptest",
		"-listen=",
	}, extra...)
	cfg, err := config.Load(args)
	require.NoError(t, err)
	return cfg
}

func TestApp_RunPreviousThenOnce(t *testing.T) {
	useClock(t, time.Date(2023, 7, 1, 12, 5, 0, 0, time.UTC))
	stub, host := newInfluxStub(t)
	cfg := loadConfig(t, host, "-run-once", "-run-previous", "-log-host="+host, "-log-db=meta")
	m := metrics.NewWithRegistry(prometheus.NewRegistry(), cfg.TaskID)

	a, err := newApp(cfg, discard, m)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.execute(context.Background()))

	rollup := stub.written("rollups")
	require.Len(t, rollup, 2, "previous window, then the window at the next boundary")
	assert.Equal(t, "http_10m,host=a req_bytes=12.5 1688212800000000000", rollup[0])

	runs := stub.written("meta")
	require.Len(t, runs, 2)
	assert.True(t, strings.HasPrefix(runs[0], "downsampler_runs,"), runs[0])
	assert.Contains(t, runs[0], "task_id=apptest")
	assert.Contains(t, runs[0], "row_count=1i")
	assert.Contains(t, runs[0], `start="2023-07-01T11:50:00Z"`)
	assert.Contains(t, runs[1], `start="2023-07-01T12:00:00Z"`)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RunsTotal.WithLabelValues("none")))
	assert.Len(t, a.clients, 1, "source, target and run log share one client")
	assert.Equal(t, 2, a.monitor.Status().TotalRuns)
}

func TestApp_SchemaFailureStopsBeforeLoop(t *testing.T) {
	stub, host := newInfluxStub(t)
	stub.failSchema = true
	cfg := loadConfig(t, host, "-run-previous")

	a, err := newApp(cfg, discard, metrics.NewWithRegistry(prometheus.NewRegistry(), cfg.TaskID))
	require.NoError(t, err)
	defer a.Close()

	err = a.execute(context.Background())
	var re *pipeline.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, pipeline.KindSchema, re.Kind)
	assert.False(t, a.monitor.IsHealthy())
	assert.Empty(t, stub.written("rollups"))
}

func TestApp_BackfillWithCheckpoint(t *testing.T) {
	stub, host := newInfluxStub(t)
	dir := t.TempDir()
	args := []string{"-backfill-start=2023-07-01 12:00", "-backfill-end=2023-07-01 12:30", "-checkpoint-dir=" + dir}

	for i := 0; i < 2; i++ {
		cfg := loadConfig(t, host, args...)
		a, err := newApp(cfg, discard, metrics.NewWithRegistry(prometheus.NewRegistry(), cfg.TaskID))
		require.NoError(t, err)
		require.NoError(t, a.execute(context.Background()))
		a.Close()
	}

	assert.Len(t, stub.written("rollups"), 3, "second backfill resumes past completed windows")
}

func TestApp_BackfillEarlierRangeAfterLater(t *testing.T) {
	stub, host := newInfluxStub(t)
	dir := t.TempDir()
	ranges := [][]string{
		{"-backfill-start=2023-07-01 12:00", "-backfill-end=2023-07-01 12:30"},
		{"-backfill-start=2023-07-01 11:00", "-backfill-end=2023-07-01 11:30"},
	}

	for _, r := range ranges {
		cfg := loadConfig(t, host, append(r, "-checkpoint-dir="+dir)...)
		a, err := newApp(cfg, discard, metrics.NewWithRegistry(prometheus.NewRegistry(), cfg.TaskID))
		require.NoError(t, err)
		require.NoError(t, a.execute(context.Background()))
		a.Close()
	}

	assert.Len(t, stub.written("rollups"), 6, "each range writes its own windows")
}

func TestBackfillBound(t *testing.T) {
	assert.Equal(t, "now", backfillBound(time.Time{}))
	assert.Equal(t, "2023-07-01T12:00:00Z", backfillBound(time.Date(2023, 7, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600))))
}

func TestNewApp_SourceUnreachable(t *testing.T) {
	cfg := loadConfig(t, "http://127.0.0.1:1", "-influx-timeout=1s")

	_, err := newApp(cfg, discard, metrics.NewWithRegistry(prometheus.NewRegistry(), cfg.TaskID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source")
}

func TestRun_ConfigError(t *testing.T) {
	assert.Equal(t, 1, run([]string{"-interval=10w"}))
	assert.Equal(t, 0, run([]string{"-h"}))
}

func TestMode(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "scheduled"},
		{[]string{"-run-once"}, "run-once"},
		{[]string{"-run-previous"}, "run-previous+scheduled"},
		{[]string{"-run-once", "-run-previous"}, "run-previous+run-once"},
		{[]string{"-run-once", "-backfill-start=2023-07-01"}, "backfill"},
	}
	for _, tt := range tests {
		cfg := loadConfig(t, "influx:8086", tt.args...)
		assert.Equal(t, tt.want, mode(cfg), "args %v", tt.args)
	}
}

func TestExecute_CanceledIsClean(t *testing.T) {
	_, host := newInfluxStub(t)
	cfg := loadConfig(t, host)
	a, err := newApp(cfg, discard, metrics.NewWithRegistry(prometheus.NewRegistry(), cfg.TaskID))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.execute(ctx)
	assert.False(t, err != nil && !errors.Is(err, context.Canceled), "err = %v", err)
}
