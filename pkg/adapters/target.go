package adapters

import (
	"context"
	"fmt"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/HatiCode/downsampler/pkg/writer"
)

// InfluxTarget writes batches into the target database.
type InfluxTarget struct {
	client          client.Client
	database        string
	retentionPolicy string
}

// NewInfluxTarget creates a target over database. An empty retention policy
// uses the database default.
func NewInfluxTarget(c client.Client, database, retentionPolicy string) *InfluxTarget {
	return &InfluxTarget{client: c, database: database, retentionPolicy: retentionPolicy}
}

// Write converts every row of batch into a point. Tag columns with empty
// values are omitted and rows without any non-null field are skipped, which
// drops empty buckets from the aggregation.
func (t *InfluxTarget) Write(ctx context.Context, batch writer.Batch, measurement, timeColumn string, tagColumns []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if measurement == "" {
		return fmt.Errorf("influx write: measurement is required")
	}

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:        t.database,
		RetentionPolicy: t.retentionPolicy,
		Precision:       "ns",
	})
	if err != nil {
		return fmt.Errorf("influx batch: %w", err)
	}

	isTag := make(map[string]bool, len(tagColumns))
	for _, c := range tagColumns {
		isTag[c] = true
	}

	for r, row := range batch.Rows {
		var ts time.Time
		tags := make(map[string]string, len(tagColumns))
		fields := make(map[string]any, len(batch.Columns))

		for i, col := range batch.Columns {
			if i >= len(row) || row[i] == nil {
				continue
			}
			switch {
			case col == timeColumn:
				parsed, err := parseTime(row[i])
				if err != nil {
					return fmt.Errorf("row %d: %w", r, err)
				}
				ts = parsed
			case isTag[col]:
				if v := fmt.Sprint(row[i]); v != "" {
					tags[col] = v
				}
			default:
				fields[col] = row[i]
			}
		}

		if len(fields) == 0 {
			continue
		}
		if ts.IsZero() {
			return fmt.Errorf("row %d: missing %q column", r, timeColumn)
		}

		pt, err := client.NewPoint(measurement, tags, fields, ts)
		if err != nil {
			return fmt.Errorf("row %d: %w", r, err)
		}
		bp.AddPoint(pt)
	}

	if len(bp.Points()) == 0 {
		return nil
	}
	if err := t.client.Write(bp); err != nil {
		return fmt.Errorf("influx write %d points: %w", len(bp.Points()), err)
	}
	return nil
}
