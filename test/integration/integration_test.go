package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/HatiCode/downsampler/pkg/adapters"
	"github.com/HatiCode/downsampler/pkg/checkpoint"
	"github.com/HatiCode/downsampler/pkg/influxql"
	"github.com/HatiCode/downsampler/pkg/pipeline"
	"github.com/HatiCode/downsampler/pkg/schema"
	"github.com/HatiCode/downsampler/pkg/storage"
	"github.com/HatiCode/downsampler/pkg/window"
	"github.com/HatiCode/downsampler/pkg/writer"
)

func startInflux(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "influxdb:1.8",
			ExposedPorts: []string{"8086/tcp"},
			Env: map[string]string{
				"INFLUXDB_DB":                "telegraf",
				"INFLUXDB_HTTP_AUTH_ENABLED": "false",
			},
			WaitingFor: wait.ForHTTP("/ping").
				WithPort("8086/tcp").
				WithStatusCodeMatcher(func(status int) bool { return status == http.StatusNoContent }).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start influxdb container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "8086/tcp", "http")
	require.NoError(t, err)
	return endpoint
}

func exec(t *testing.T, c client.Client, db, q string) *client.Response {
	t.Helper()
	resp, err := c.Query(client.NewQuery(q, db, ""))
	require.NoError(t, err, q)
	require.NoError(t, resp.Error(), q)
	return resp
}

func seed(t *testing.T, c client.Client) {
	t.Helper()
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: "telegraf", Precision: "s"})
	require.NoError(t, err)

	base := time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)
	samples := []struct {
		host   string
		offset time.Duration
		bytes  int64
		status string
	}{
		{"a", 30 * time.Second, 10, "200"},
		{"a", 5 * time.Minute, 20, "200"},
		{"b", time.Minute, 4, "500"},
		{"a", 12 * time.Minute, 30, "200"},
	}
	for _, s := range samples {
		pt, err := client.NewPoint("http",
			map[string]string{"host": s.host},
			map[string]any{"req_bytes": s.bytes, "status": s.status},
			base.Add(s.offset),
		)
		require.NoError(t, err)
		bp.AddPoint(pt)
	}
	require.NoError(t, c.Write(bp))
}

// TestBackfillEndToEnd downsamples two 10m windows from a real InfluxDB 1.8
// and checks the rollup and the run records.
func TestBackfillEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	host := startInflux(t)
	c, err := adapters.NewClient(adapters.ClientConfig{Host: host, Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	version, err := adapters.Ping(c, 5*time.Second)
	require.NoError(t, err)
	t.Logf("influxdb %s at %s", version, host)

	exec(t, c, "", "CREATE DATABASE rollups")
	seed(t, c)

	source := adapters.NewInfluxSource(c, "telegraf", 2)
	resolver := schema.NewResolver(source, storage.NewMemoryStore(), schema.Options{}, logger)
	iv := window.MustParseInterval("10m")

	p, err := pipeline.New(pipeline.PipelineContext{
		TaskID:            "e2e",
		SourceHost:        host,
		SourceMeasurement: "http",
		TargetMeasurement: "http_10m",
		Interval:          iv,
		Aggregate:         influxql.Mean,
		Source:            source,
		Target:            adapters.NewInfluxTarget(c, "rollups", ""),
		Resolver:          resolver,
		RunLog:            adapters.NewInfluxRunLog(c, "rollups", adapters.DefaultRunLogMeasurement),
		Writer:            writer.Options{MaxRetries: 3},
		Logger:            logger,
	})
	require.NoError(t, err)

	ckpt, err := checkpoint.Open(checkpoint.Config{InMemory: true})
	require.NoError(t, err)
	defer ckpt.Close()

	sched := pipeline.NewScheduler(p, iv, pipeline.SchedulerOptions{
		Checkpoint:    ckpt,
		CheckpointKey: checkpoint.Key(host, "http", "http_10m", iv.String()),
		Logger:        logger,
	})

	start := time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sched.Backfill(ctx, start, start.Add(20*time.Minute)))

	resp := exec(t, c, "rollups", `SELECT count("req_bytes"), sum("req_bytes") FROM "http_10m"`)
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Series, 1)
	row := resp.Results[0].Series[0].Values[0]
	assert.Equal(t, "3", fmt.Sprint(row[1]), "one row per host and bucket")
	assert.Equal(t, "49", fmt.Sprint(row[2]), "mean(10, 20) + 4 + 30")

	resp = exec(t, c, "rollups", `SHOW FIELD KEYS FROM "http_10m"`)
	fields := map[string]string{}
	for _, v := range resp.Results[0].Series[0].Values {
		fields[fmt.Sprint(v[0])] = fmt.Sprint(v[1])
	}
	assert.Equal(t, map[string]string{"req_bytes": "float"}, fields, "string fields are not aggregated")

	resp = exec(t, c, "rollups", `SELECT "row_count", "run_id" FROM "downsampler_runs" WHERE "error_kind" = 'none'`)
	require.Len(t, resp.Results[0].Series, 1)
	assert.Len(t, resp.Results[0].Series[0].Values, 2, "one run record per window")

	done, ok, err := ckpt.Last(ctx, checkpoint.Key(host, "http", "http_10m", iv.String()))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, start.Add(20*time.Minute), done)

	status := sched.Monitor().Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, 2, status.TotalRuns)
}
