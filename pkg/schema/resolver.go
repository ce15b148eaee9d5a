package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrResolution marks schema discovery failures. They are fatal for the
// process since no query can be built without a schema.
var ErrResolution = errors.New("schema resolution failed")

// ResolutionError records which discovery step failed for which measurement.
type ResolutionError struct {
	Measurement string
	Step        string
	Err         error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s of %q: %v", e.Step, e.Measurement, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrResolution) match any ResolutionError.
func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// Source runs metadata statements against the source database and returns
// one map per result row keyed by column name.
type Source interface {
	QueryMetadata(ctx context.Context, query string) ([]map[string]any, error)
}

// Cache stores resolved schemas keyed by measurement.
type Cache interface {
	Get(ctx context.Context, measurement string) (Schema, bool, error)
	Put(ctx context.Context, measurement string, s Schema) error
}

// Options configures a Resolver. Tags and TagFilters, when set, replace
// discovery.
type Options struct {
	Tags       []string
	TagFilters map[string][]string
	NoCache    bool
}

// Resolver discovers measurement schemas and caches them.
type Resolver struct {
	source Source
	cache  Cache
	opts   Options
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil cache behaves like NoCache.
func NewResolver(source Source, cache Cache, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source: source,
		cache:  cache,
		opts:   opts,
		logger: logger.With("component", "schema"),
	}
}

// Resolve returns the schema for measurement, from cache when allowed.
// The cache holds discovered fields and tags only; configured tags and tag
// filters are applied on every call. Cache failures are logged and fall back
// to discovery.
func (r *Resolver) Resolve(ctx context.Context, measurement string) (Schema, error) {
	useCache := r.cache != nil && !r.opts.NoCache

	if useCache {
		s, found, err := r.cache.Get(ctx, measurement)
		if err != nil {
			r.logger.Warn("schema cache read failed", "measurement", measurement, "error", err)
		} else if found {
			r.logger.Debug("schema cache hit", "measurement", measurement)
			return r.withOverrides(s), nil
		}
	}

	fields, err := r.ResolveFields(ctx, measurement)
	if err != nil {
		return Schema{}, err
	}

	var discovered []string
	if useCache || len(r.opts.Tags) == 0 {
		if discovered, err = r.discoverTags(ctx, measurement); err != nil {
			return Schema{}, err
		}
	}

	s := Schema{Fields: fields, Tags: discovered}
	if useCache {
		if err := r.cache.Put(ctx, measurement, s); err != nil {
			r.logger.Warn("schema cache write failed", "measurement", measurement, "error", err)
		}
	}

	s = r.withOverrides(s)
	r.logger.Debug("schema resolved", "measurement", measurement, "schema", s.String())
	return s, nil
}

func (r *Resolver) withOverrides(s Schema) Schema {
	out := Schema{
		Fields:     append([]Field(nil), s.Fields...),
		Tags:       append([]string(nil), s.Tags...),
		TagFilters: r.ResolveTagFilters(),
	}
	if len(r.opts.Tags) > 0 {
		out.Tags = append([]string(nil), r.opts.Tags...)
	}
	return out
}

// ResolveFields lists the field keys of measurement in the order the source
// reports them.
func (r *Resolver) ResolveFields(ctx context.Context, measurement string) ([]Field, error) {
	if err := r.ready(measurement); err != nil {
		return nil, &ResolutionError{Measurement: measurement, Step: "fields", Err: err}
	}

	rows, err := r.source.QueryMetadata(ctx, FieldKeysQuery(measurement))
	if err != nil {
		return nil, &ResolutionError{Measurement: measurement, Step: "fields", Err: err}
	}

	fields := make([]Field, 0, len(rows))
	for _, row := range rows {
		name, ok := row["fieldKey"].(string)
		if !ok || name == "" {
			continue
		}
		typ, _ := row["fieldType"].(string)
		fields = append(fields, Field{Name: name, Type: ParseFieldType(typ)})
	}
	return fields, nil
}

// ResolveTags returns the configured tag list, or the tag keys of
// measurement when none is configured.
func (r *Resolver) ResolveTags(ctx context.Context, measurement string) ([]string, error) {
	if len(r.opts.Tags) > 0 {
		return append([]string(nil), r.opts.Tags...), nil
	}
	return r.discoverTags(ctx, measurement)
}

func (r *Resolver) discoverTags(ctx context.Context, measurement string) ([]string, error) {
	if err := r.ready(measurement); err != nil {
		return nil, &ResolutionError{Measurement: measurement, Step: "tags", Err: err}
	}

	rows, err := r.source.QueryMetadata(ctx, TagKeysQuery(measurement))
	if err != nil {
		return nil, &ResolutionError{Measurement: measurement, Step: "tags", Err: err}
	}

	tags := make([]string, 0, len(rows))
	for _, row := range rows {
		if tag, ok := row["tagKey"].(string); ok && tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

// ResolveTagFilters returns a copy of the configured tag value filters, or
// nil when none are configured. Filters are never discovered.
func (r *Resolver) ResolveTagFilters() map[string][]string {
	if len(r.opts.TagFilters) == 0 {
		return nil
	}
	out := make(map[string][]string, len(r.opts.TagFilters))
	for tag, values := range r.opts.TagFilters {
		out[tag] = append([]string(nil), values...)
	}
	return out
}

func (r *Resolver) ready(measurement string) error {
	if r.source == nil {
		return errors.New("source not configured")
	}
	if measurement == "" {
		return errors.New("measurement not set")
	}
	return nil
}

// FieldKeysQuery is the metadata statement listing fieldKey/fieldType rows.
func FieldKeysQuery(measurement string) string {
	return "SHOW FIELD KEYS FROM " + quoteIdent(measurement)
}

// TagKeysQuery is the metadata statement listing tagKey rows.
func TagKeysQuery(measurement string) string {
	return "SHOW TAG KEYS FROM " + quoteIdent(measurement)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}
