// Package config provides configuration parsing and validation for the
// downsampler.
//
// Every setting is a command-line flag with an environment variable
// fallback. Flags take precedence over environment variables, which take
// precedence over defaults.
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
//
// Example usage:
//
//	cfg, err := config.Load(os.Args[1:])
//	if err != nil {
//		fmt.Fprintln(os.Stderr, err)
//		os.Exit(1)
//	}
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/HatiCode/downsampler/pkg/adapters"
	"github.com/HatiCode/downsampler/pkg/influxql"
	"github.com/HatiCode/downsampler/pkg/window"
	"github.com/HatiCode/downsampler/pkg/writer"
)

// ErrRequired marks a missing mandatory setting.
var ErrRequired = errors.New("required")

// Error reports an invalid or missing setting.
type Error struct {
	Setting string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Setting, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Influx holds connection settings for one InfluxDB endpoint.
type Influx struct {
	Host        string
	Database    string
	Username    string
	Password    string
	Measurement string
}

type Config struct {
	Interval  window.Interval
	Aggregate influxql.Aggregate

	Source Influx
	Target Influx
	// Log.Host empty disables run records.
	Log             Influx
	RetentionPolicy string
	Timeout         time.Duration

	Tags          []string
	TagFilters    map[string][]string
	NoSchemaCache bool
	SchemaCache   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	MaxRetries int
	ChunkSize  int

	RunOnce       bool
	RunPrevious   bool
	BackfillStart time.Time
	BackfillEnd   time.Time
	CheckpointDir string

	TaskID     string
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string
}

// Backfill reports whether a backfill range was requested.
func (c *Config) Backfill() bool {
	return !c.BackfillStart.IsZero()
}

// Load parses args, falling back to environment variables, and validates
// the result. Every failure is a *Error.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("downsampler", flag.ContinueOnError)

	var interval, aggregate, tags, tagFilter, backfillStart, backfillEnd string

	fs.StringVar(&interval, "interval", getEnv("INTERVAL", "10m"), "Downsampling interval (<n>m|<n>h|<n>d)")
	fs.StringVar(&aggregate, "aggregate", getEnv("AGGREGATE", string(influxql.Mean)), "Aggregate function applied to numeric fields")

	fs.StringVar(&cfg.Source.Host, "source-host", getEnv("SOURCE_HOST", ""), "Source InfluxDB URL (required)")
	fs.StringVar(&cfg.Source.Database, "source-db", getEnv("SOURCE_DB", ""), "Source database (required)")
	fs.StringVar(&cfg.Source.Username, "source-user", getEnv("SOURCE_USER", ""), "Source username")
	fs.StringVar(&cfg.Source.Password, "source-password", getEnv("SOURCE_PASSWORD", ""), "Source password")
	fs.StringVar(&cfg.Source.Measurement, "source-measurement", getEnv("SOURCE_MEASUREMENT", ""), "Source measurement (required)")

	fs.StringVar(&cfg.Target.Host, "target-host", getEnv("TARGET_HOST", ""), "Target InfluxDB URL (defaults to source host)")
	fs.StringVar(&cfg.Target.Database, "target-db", getEnv("TARGET_DB", ""), "Target database (required)")
	fs.StringVar(&cfg.Target.Username, "target-user", getEnv("TARGET_USER", ""), "Target username")
	fs.StringVar(&cfg.Target.Password, "target-password", getEnv("TARGET_PASSWORD", ""), "Target password")
	fs.StringVar(&cfg.Target.Measurement, "target-measurement", getEnv("TARGET_MEASUREMENT", ""), "Target measurement (required)")
	fs.StringVar(&cfg.RetentionPolicy, "target-retention-policy", getEnv("TARGET_RETENTION_POLICY", ""), "Target retention policy")

	fs.StringVar(&cfg.Log.Host, "log-host", getEnv("LOG_HOST", ""), "InfluxDB URL for run records (empty disables)")
	fs.StringVar(&cfg.Log.Database, "log-db", getEnv("LOG_DB", ""), "Run record database (defaults to target db)")
	fs.StringVar(&cfg.Log.Username, "log-user", getEnv("LOG_USER", ""), "Run record username")
	fs.StringVar(&cfg.Log.Password, "log-password", getEnv("LOG_PASSWORD", ""), "Run record password")
	fs.StringVar(&cfg.Log.Measurement, "log-measurement", getEnv("LOG_MEASUREMENT", adapters.DefaultRunLogMeasurement), "Run record measurement")
	fs.DurationVar(&cfg.Timeout, "influx-timeout", getEnvDuration("INFLUX_TIMEOUT", adapters.DefaultTimeout), "InfluxDB request timeout")

	fs.StringVar(&tags, "tags", getEnv("TAGS", ""), "Comma-separated group-by tags (overrides discovery)")
	fs.StringVar(&tagFilter, "tag-filter", getEnv("TAG_FILTER", ""), "YAML or JSON map of tag to allowed values")
	fs.BoolVar(&cfg.NoSchemaCache, "no-schema-cache", getEnvBool("NO_SCHEMA_CACHE", false), "Resolve the schema on every run")
	fs.StringVar(&cfg.SchemaCache, "schema-cache", getEnv("SCHEMA_CACHE", "memory"), "Schema cache backend (memory|redis)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 0), "Schema TTL in redis (0 keeps forever)")

	fs.IntVar(&cfg.MaxRetries, "max-retries", getEnvInt("MAX_RETRIES", writer.DefaultMaxRetries), "Write attempts per batch")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", getEnvInt("CHUNK_SIZE", adapters.DefaultChunkSize), "Rows per query chunk")

	fs.BoolVar(&cfg.RunOnce, "run-once", getEnvBool("RUN_ONCE", false), "Run the next window once and exit")
	fs.BoolVar(&cfg.RunPrevious, "run-previous", getEnvBool("RUN_PREVIOUS_INTERVAL", false), "Run the last completed window before starting")
	fs.StringVar(&backfillStart, "backfill-start", getEnv("BACKFILL_START", ""), "Backfill range start (RFC3339 or 2006-01-02 15:04)")
	fs.StringVar(&backfillEnd, "backfill-end", getEnv("BACKFILL_END", ""), "Backfill range end (defaults to now)")
	fs.StringVar(&cfg.CheckpointDir, "checkpoint-dir", getEnv("CHECKPOINT_DIR", ""), "Directory for backfill checkpoints (empty disables)")

	fs.StringVar(&cfg.TaskID, "task-id", getEnv("TASK_ID", ""), "Task identifier (random when empty)")
	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address (empty disables)")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ""), "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format (text|json)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")

	if err := fs.Parse(args); err != nil {
		return nil, &Error{Setting: "flags", Err: err}
	}

	var err error
	if cfg.Interval, err = window.ParseInterval(interval); err != nil {
		return nil, &Error{Setting: "interval", Err: err}
	}
	if cfg.Aggregate, err = influxql.ParseAggregate(aggregate); err != nil {
		return nil, &Error{Setting: "aggregate", Err: err}
	}
	cfg.Tags = splitList(tags)
	if cfg.TagFilters, err = ParseTagFilter(tagFilter); err != nil {
		return nil, &Error{Setting: "tag-filter", Err: err}
	}
	if backfillStart != "" {
		if cfg.BackfillStart, err = ParseTime(backfillStart); err != nil {
			return nil, &Error{Setting: "backfill-start", Err: err}
		}
	}
	if backfillEnd != "" {
		if cfg.BackfillEnd, err = ParseTime(backfillEnd); err != nil {
			return nil, &Error{Setting: "backfill-end", Err: err}
		}
	}
	if cfg.TaskID == "" {
		cfg.TaskID = NewTaskID()
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Target.Host == "" {
		c.Target.Host = c.Source.Host
		if c.Target.Username == "" {
			c.Target.Username = c.Source.Username
			c.Target.Password = c.Source.Password
		}
	}
	if c.Log.Host != "" && c.Log.Database == "" {
		c.Log.Database = c.Target.Database
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	required := []struct {
		setting string
		value   string
	}{
		{"source-host", c.Source.Host},
		{"source-db", c.Source.Database},
		{"source-measurement", c.Source.Measurement},
		{"target-db", c.Target.Database},
		{"target-measurement", c.Target.Measurement},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &Error{Setting: r.setting, Err: ErrRequired}
		}
	}
	if c.Log.Host != "" && c.Log.Measurement == "" {
		return &Error{Setting: "log-measurement", Err: ErrRequired}
	}

	if c.MaxRetries < 1 {
		return &Error{Setting: "max-retries", Err: fmt.Errorf("must be >= 1, got %d", c.MaxRetries)}
	}
	if c.ChunkSize < 1 {
		return &Error{Setting: "chunk-size", Err: fmt.Errorf("must be >= 1, got %d", c.ChunkSize)}
	}
	if c.Timeout <= 0 {
		return &Error{Setting: "influx-timeout", Err: fmt.Errorf("must be positive, got %s", c.Timeout)}
	}
	switch c.SchemaCache {
	case "memory", "redis":
	default:
		return &Error{Setting: "schema-cache", Err: fmt.Errorf("unknown backend %q (memory|redis)", c.SchemaCache)}
	}
	if c.RedisTTL < 0 {
		return &Error{Setting: "redis-ttl", Err: fmt.Errorf("must be >= 0, got %s", c.RedisTTL)}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return &Error{Setting: "log-format", Err: fmt.Errorf("unknown format %q (text|json)", c.LogFormat)}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Setting: "log-level", Err: fmt.Errorf("unknown level %q", c.LogLevel)}
	}

	if !c.BackfillEnd.IsZero() {
		if c.BackfillStart.IsZero() {
			return &Error{Setting: "backfill-start", Err: fmt.Errorf("%w when backfill-end is set", ErrRequired)}
		}
		if !c.BackfillStart.Before(c.BackfillEnd) {
			return &Error{Setting: "backfill-end", Err: fmt.Errorf("must be after backfill-start")}
		}
	}
	return nil
}

// ParseTagFilter decodes a YAML (or JSON) mapping of tag to allowed values.
// A scalar value is a single allowed value.
func ParseTagFilter(s string) (map[string][]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	filters := make(map[string][]string, len(raw))
	for tag, v := range raw {
		switch v := v.(type) {
		case nil:
			return nil, fmt.Errorf("tag %q has no values", tag)
		case []any:
			values := make([]string, 0, len(v))
			for _, item := range v {
				if item == nil {
					return nil, fmt.Errorf("tag %q has a null value", tag)
				}
				values = append(values, fmt.Sprint(item))
			}
			filters[tag] = values
		case map[string]any:
			return nil, fmt.Errorf("tag %q: values must be a list or scalar", tag)
		default:
			filters[tag] = []string{fmt.Sprint(v)}
		}
	}
	return filters, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime accepts RFC3339 or a zone-less "2006-01-02 15:04" style timestamp,
// which is read as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// NewTaskID returns a short random identifier.
func NewTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
