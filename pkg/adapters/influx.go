// Package adapters connects the downsampler to InfluxDB 1.x.
//
// Three adapters wrap one client.Client each:
//   - InfluxSource runs the aggregation query as a chunked stream and answers
//     metadata statements for schema discovery
//   - InfluxTarget writes downsampled batches as points
//   - InfluxRunLog records one point per pipeline run
//
// The client API is not context aware. Adapters check the context between
// round trips and rely on the client timeout for each request.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/HatiCode/downsampler/pkg/writer"
)

const (
	// DefaultChunkSize is the number of rows per chunk requested from the source.
	DefaultChunkSize = 10000
	// DefaultTimeout bounds every HTTP request to InfluxDB.
	DefaultTimeout = 30 * time.Second
)

// ClientConfig holds connection parameters for one InfluxDB server.
type ClientConfig struct {
	Host     string
	Username string
	Password string
	Timeout  time.Duration
}

// NewClient creates an HTTP client. Hosts without a scheme get http://.
func NewClient(cfg ClientConfig) (client.Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("influx: host is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     normalizeAddr(cfg.Host),
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("influx client %s: %w", cfg.Host, err)
	}
	return c, nil
}

// Ping checks that the server answers within timeout and returns its version.
func Ping(c client.Client, timeout time.Duration) (string, error) {
	_, version, err := c.Ping(timeout)
	if err != nil {
		return "", fmt.Errorf("influx ping: %w", err)
	}
	return version, nil
}

func normalizeAddr(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}

// InfluxSource queries the source database.
type InfluxSource struct {
	client    client.Client
	database  string
	chunkSize int
}

// NewInfluxSource creates a source over database. chunkSize <= 0 uses
// DefaultChunkSize.
func NewInfluxSource(c client.Client, database string, chunkSize int) *InfluxSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &InfluxSource{client: c, database: database, chunkSize: chunkSize}
}

// Query starts a chunked query. The returned stream yields one batch per
// series and chunk, and must be closed by the caller.
func (s *InfluxSource) Query(ctx context.Context, query string) (writer.BatchStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.client.QueryAsChunk(client.Query{
		Command:   query,
		Database:  s.database,
		Chunked:   true,
		ChunkSize: s.chunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	return &chunkStream{resp: resp}, nil
}

// QueryMetadata runs a statement such as SHOW FIELD KEYS and returns one map
// per row keyed by column name.
func (s *InfluxSource) QueryMetadata(ctx context.Context, query string) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.client.Query(client.NewQuery(query, s.database, ""))
	if err != nil {
		return nil, fmt.Errorf("influx metadata query: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("influx metadata query: %w", err)
	}

	var rows []map[string]any
	for _, result := range resp.Results {
		for _, series := range result.Series {
			for _, values := range series.Values {
				row := make(map[string]any, len(series.Columns))
				for i, col := range series.Columns {
					if i < len(values) {
						row[col] = values[i]
					}
				}
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// chunkStream adapts a ChunkedResponse to writer.BatchStream.
type chunkStream struct {
	resp    *client.ChunkedResponse
	pending []writer.Batch
	done    bool
}

func (s *chunkStream) Next(ctx context.Context) (writer.Batch, error) {
	for len(s.pending) == 0 {
		if s.done {
			return writer.Batch{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return writer.Batch{}, err
		}

		r, err := s.resp.NextResponse()
		if errors.Is(err, io.EOF) {
			s.done = true
			continue
		}
		if err != nil {
			return writer.Batch{}, fmt.Errorf("read chunk: %w", err)
		}
		if err := r.Error(); err != nil {
			return writer.Batch{}, err
		}

		for _, result := range r.Results {
			for _, series := range result.Series {
				b, err := seriesBatch(series.Columns, series.Tags, series.Values)
				if err != nil {
					return writer.Batch{}, err
				}
				if b.Len() > 0 {
					s.pending = append(s.pending, b)
				}
			}
		}
	}

	b := s.pending[0]
	s.pending = s.pending[1:]
	return b, nil
}

func (s *chunkStream) Close() error {
	s.done = true
	return s.resp.Close()
}

// seriesBatch flattens one series into a batch, appending its group-by tags
// as trailing columns in name order. Times become time.Time and numbers
// become float64 so a field keeps one type across buckets.
func seriesBatch(columns []string, tags map[string]string, values [][]any) (writer.Batch, error) {
	tagKeys := make([]string, 0, len(tags))
	for k := range tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)

	cols := make([]string, 0, len(columns)+len(tagKeys))
	cols = append(cols, columns...)
	cols = append(cols, tagKeys...)

	timeIdx := -1
	for i, c := range columns {
		if c == writer.DefaultTimeColumn {
			timeIdx = i
		}
	}

	rows := make([][]any, 0, len(values))
	for _, v := range values {
		row := make([]any, len(cols))
		for i := range columns {
			if i >= len(v) {
				continue
			}
			if i == timeIdx {
				t, err := parseTime(v[i])
				if err != nil {
					return writer.Batch{}, err
				}
				row[i] = t
				continue
			}
			row[i] = normalizeValue(v[i])
		}
		for j, k := range tagKeys {
			row[len(columns)+j] = tags[k]
		}
		rows = append(rows, row)
	}
	return writer.Batch{Columns: cols, Rows: rows}, nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", t, err)
		}
		return parsed.UTC(), nil
	case json.Number:
		ns, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", t, err)
		}
		return time.Unix(0, ns).UTC(), nil
	case int64:
		return time.Unix(0, t).UTC(), nil
	case float64:
		return time.Unix(0, int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time type %T", v)
	}
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return v
	}
}
