// Package influxql renders the aggregation query a downsampling run executes.
package influxql

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/HatiCode/downsampler/pkg/schema"
	"github.com/HatiCode/downsampler/pkg/window"
)

// Aggregate is an InfluxQL aggregate function name.
type Aggregate string

const (
	Count    Aggregate = "count"
	Distinct Aggregate = "distinct"
	Mean     Aggregate = "mean"
	Median   Aggregate = "median"
	Stddev   Aggregate = "stddev"
	Sum      Aggregate = "sum"
	First    Aggregate = "first"
	Last     Aggregate = "last"
	Max      Aggregate = "max"
	Min      Aggregate = "min"
)

var aggregates = []Aggregate{Count, Distinct, Mean, Median, Stddev, Sum, First, Last, Max, Min}

// ParseAggregate accepts one of the supported aggregate names, case-insensitively.
func ParseAggregate(s string) (Aggregate, error) {
	name := Aggregate(strings.ToLower(strings.TrimSpace(s)))
	for _, a := range aggregates {
		if a == name {
			return a, nil
		}
	}
	return "", fmt.Errorf("unsupported aggregate %q (want one of %s)", s, aggregateList())
}

func aggregateList() string {
	names := make([]string, len(aggregates))
	for i, a := range aggregates {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

// QuerySpec holds everything one aggregation query is built from.
type QuerySpec struct {
	Schema      schema.Schema
	Measurement string
	Start       time.Time
	End         time.Time
	// GroupBy lists tags in output order. Nil means Schema.Tags.
	GroupBy []string
	Bucket  window.Interval
	// Aggregate defaults to Mean.
	Aggregate Aggregate
	// TagFilters overrides Schema.TagFilters when non-nil.
	TagFilters map[string][]string
}

// BuildQuery renders q as InfluxQL. It is pure: equal inputs give
// byte-identical text. Without numeric fields the select list is empty.
func BuildQuery(q QuerySpec) string {
	agg := q.Aggregate
	if agg == "" {
		agg = Mean
	}
	groupBy := q.GroupBy
	if groupBy == nil {
		groupBy = q.Schema.Tags
	}
	filters := q.TagFilters
	if filters == nil {
		filters = q.Schema.TagFilters
	}

	var b strings.Builder
	b.WriteString("SELECT\n")
	b.WriteString(SelectClause(q.Schema, agg))
	b.WriteString("\nFROM\n\t")
	b.WriteString(quoteIdent(q.Measurement))
	b.WriteString("\nWHERE\n\t")
	b.WriteString(TimePredicate(q.Start, q.End))
	b.WriteString(FilterClause(filters))
	b.WriteString("\nGROUP BY\n\t")
	b.WriteString(GroupByClause(groupBy, q.Bucket))
	return b.String()
}

// SelectClause returns one `agg("f") as "f"` per numeric field, joined by ",\n".
func SelectClause(s schema.Schema, agg Aggregate) string {
	fields := s.NumericFields()
	exprs := make([]string, len(fields))
	for i, f := range fields {
		q := quoteIdent(f.Name)
		exprs[i] = "\t" + string(agg) + "(" + q + ") as " + q
	}
	return strings.Join(exprs, ",\n")
}

// GroupByClause renders "time(bucket)" followed by each tag.
func GroupByClause(tags []string, bucket window.Interval) string {
	parts := make([]string, 0, len(tags)+1)
	parts = append(parts, "time("+bucket.String()+")")
	parts = append(parts, tags...)
	return strings.Join(parts, ", ")
}

// TimePredicate renders the window bounds as RFC3339 UTC literals.
func TimePredicate(start, end time.Time) string {
	return "time > '" + start.UTC().Format(time.RFC3339) + "' AND time < '" + end.UTC().Format(time.RFC3339) + "'"
}

// FilterClause renders one regex alternation per tag with values, ordered by
// tag name. Tags without values are skipped.
func FilterClause(filters map[string][]string) string {
	if len(filters) == 0 {
		return ""
	}
	tags := make([]string, 0, len(filters))
	for tag, values := range filters {
		if len(values) > 0 {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)

	var b strings.Builder
	for _, tag := range tags {
		values := filters[tag]
		escaped := make([]string, len(values))
		for i, v := range values {
			escaped[i] = strings.ReplaceAll(regexp.QuoteMeta(v), "/", `\/`)
		}
		b.WriteString("\nAND\n\t")
		b.WriteString(quoteIdent(tag))
		b.WriteString(" =~ /(")
		b.WriteString(strings.Join(escaped, "|"))
		b.WriteString(")/")
	}
	return b.String()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}
