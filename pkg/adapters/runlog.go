package adapters

import (
	"context"
	"fmt"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/HatiCode/downsampler/pkg/pipeline"
)

// DefaultRunLogMeasurement is where run records go unless configured.
const DefaultRunLogMeasurement = "downsampler_runs"

// InfluxRunLog writes one point per run record.
type InfluxRunLog struct {
	client      client.Client
	database    string
	measurement string
}

// NewInfluxRunLog creates a run log writing to database.measurement.
func NewInfluxRunLog(c client.Client, database, measurement string) *InfluxRunLog {
	if measurement == "" {
		measurement = DefaultRunLogMeasurement
	}
	return &InfluxRunLog{client: c, database: database, measurement: measurement}
}

// Log writes rec, timestamped when the run finished.
func (l *InfluxRunLog) Log(ctx context.Context, rec pipeline.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: l.database, Precision: "ns"})
	if err != nil {
		return fmt.Errorf("run log batch: %w", err)
	}
	pt, err := client.NewPoint(l.measurement, rec.Tags(), rec.Fields(), rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("run log point: %w", err)
	}
	bp.AddPoint(pt)
	if err := l.client.Write(bp); err != nil {
		return fmt.Errorf("run log write: %w", err)
	}
	return nil
}
