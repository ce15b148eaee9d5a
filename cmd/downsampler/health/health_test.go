package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/HatiCode/downsampler/pkg/pipeline"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func status(t *testing.T, r *Reporter, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := r.Server().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestReporter_Update(t *testing.T) {
	monitor := pipeline.NewMonitor(0)
	r := NewReporter(monitor, discard)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status(t, r, ""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status(t, r, ServiceName))

	for i := 0; i < 4; i++ {
		monitor.Record(pipeline.RunRecord{ErrorKind: pipeline.KindQuery, Error: "timeout"})
	}
	r.Update()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status(t, r, ""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status(t, r, ServiceName))

	monitor.Record(pipeline.RunRecord{ErrorKind: pipeline.KindNone})
	r.Update()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status(t, r, ""))
}

func TestReporter_Fatal(t *testing.T) {
	monitor := pipeline.NewMonitor(0)
	r := NewReporter(monitor, discard)

	monitor.RecordFatal(errors.New("schema resolution failed"))
	r.Update()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status(t, r, ServiceName))
}

func TestServeListener(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	r := NewReporter(pipeline.NewMonitor(0), discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, lis, r, discard) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeListener did not return after cancel")
	}
}
