package schema

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type fakeSource struct {
	mu      sync.Mutex
	fields  []map[string]any
	tags    []map[string]any
	err     error
	queries []string
}

func (f *fakeSource) QueryMetadata(_ context.Context, query string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	switch query {
	case FieldKeysQuery("http"):
		return f.fields, nil
	case TagKeysQuery("http"):
		return f.tags, nil
	}
	return nil, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type mapCache struct {
	m map[string]Schema
}

func (c *mapCache) Get(_ context.Context, m string) (Schema, bool, error) {
	s, ok := c.m[m]
	return s, ok, nil
}

func (c *mapCache) Put(_ context.Context, m string, s Schema) error {
	if c.m == nil {
		c.m = make(map[string]Schema)
	}
	c.m[m] = s
	return nil
}

func newHTTPSource() *fakeSource {
	return &fakeSource{
		fields: []map[string]any{
			{"fieldKey": "req_bytes", "fieldType": "integer"},
			{"fieldKey": "status", "fieldType": "string"},
			{"fieldKey": "latency", "fieldType": "float"},
		},
		tags: []map[string]any{
			{"tagKey": "host"},
			{"tagKey": "region"},
		},
	}
}

func TestFieldType_Numeric(t *testing.T) {
	tests := []struct {
		in      string
		want    FieldType
		numeric bool
	}{
		{"integer", Integer, true},
		{"float", Float, true},
		{"double", Double, true},
		{"unsigned", Unsigned, true},
		{"string", String, false},
		{"boolean", Boolean, false},
		{"FLOAT", Float, true},
		{"timestamp", Unknown, false},
		{"", Unknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseFieldType(tt.in)
			if got != tt.want {
				t.Errorf("ParseFieldType(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.Numeric() != tt.numeric {
				t.Errorf("%v.Numeric() = %v, want %v", got, got.Numeric(), tt.numeric)
			}
		})
	}
}

func TestSchema_NumericFieldsKeepsOrder(t *testing.T) {
	s := Schema{Fields: []Field{
		{"b", Float}, {"label", String}, {"a", Integer}, {"ok", Boolean}, {"c", Unsigned},
	}}
	got := s.NumericFields()
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("NumericFields() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Errorf("NumericFields()[%d] = %s, want %s", i, got[i].Name, want[i])
		}
	}
}

func TestSchema_JSONUsesTypeNames(t *testing.T) {
	s := Schema{Fields: []Field{{"req_bytes", Integer}}, Tags: []string{"host"}}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if want := `{"fields":[{"name":"req_bytes","type":"integer"}],"tags":["host"]}`; string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}

	var back Schema
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Fields[0].Type != Integer {
		t.Errorf("round trip type = %v, want integer", back.Fields[0].Type)
	}
}

func TestResolver_Discovery(t *testing.T) {
	src := newHTTPSource()
	r := NewResolver(src, nil, Options{}, nil)

	s, err := r.Resolve(context.Background(), "http")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(s.Fields) != 3 || s.Fields[0].Name != "req_bytes" || s.Fields[1].Type != String {
		t.Errorf("Fields = %v", s.Fields)
	}
	if len(s.Tags) != 2 || s.Tags[0] != "host" || s.Tags[1] != "region" {
		t.Errorf("Tags = %v", s.Tags)
	}
	if s.TagFilters != nil {
		t.Errorf("TagFilters = %v, want nil", s.TagFilters)
	}
}

func TestResolver_OverridesWin(t *testing.T) {
	src := newHTTPSource()
	filters := map[string][]string{"host": {"a", "b"}}
	r := NewResolver(src, nil, Options{Tags: []string{"dc"}, TagFilters: filters}, nil)

	s, err := r.Resolve(context.Background(), "http")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(s.Tags) != 1 || s.Tags[0] != "dc" {
		t.Errorf("Tags = %v, want [dc]", s.Tags)
	}
	if got := s.TagFilters["host"]; len(got) != 2 {
		t.Errorf("TagFilters[host] = %v", got)
	}
	for _, q := range src.queries {
		if q == TagKeysQuery("http") {
			t.Error("tag keys queried despite explicit tag list")
		}
	}

	// Returned filters are copies.
	s.TagFilters["host"][0] = "mutated"
	if filters["host"][0] != "a" {
		t.Error("ResolveTagFilters() leaked configured slice")
	}
}

func TestResolver_Caching(t *testing.T) {
	tests := []struct {
		name      string
		noCache   bool
		wantCalls int
	}{
		{"cached", false, 2},
		{"no cache", true, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newHTTPSource()
			r := NewResolver(src, &mapCache{}, Options{NoCache: tt.noCache}, nil)

			for i := 0; i < 3; i++ {
				if _, err := r.Resolve(context.Background(), "http"); err != nil {
					t.Fatalf("Resolve() error = %v", err)
				}
			}
			if got := src.calls(); got != tt.wantCalls {
				t.Errorf("metadata queries = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestResolver_OverridesWinOverCache(t *testing.T) {
	cache := &mapCache{}
	first := NewResolver(newHTTPSource(), cache, Options{}, nil)
	if _, err := first.Resolve(context.Background(), "http"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	src := newHTTPSource()
	r := NewResolver(src, cache, Options{
		Tags:       []string{"region"},
		TagFilters: map[string][]string{"region": {"eu"}},
	}, nil)

	s, err := r.Resolve(context.Background(), "http")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src.calls() != 0 {
		t.Errorf("metadata queries = %d, want 0 on cache hit", src.calls())
	}
	if len(s.Tags) != 1 || s.Tags[0] != "region" {
		t.Errorf("Tags = %v, want [region]", s.Tags)
	}
	if got := s.TagFilters["region"]; len(got) != 1 || got[0] != "eu" {
		t.Errorf("TagFilters = %v, want map[region:[eu]]", s.TagFilters)
	}
	if len(s.Fields) != 3 {
		t.Errorf("Fields = %v, want cached fields", s.Fields)
	}

	// The override must not leak into the cache for later resolvers.
	again, err := NewResolver(newHTTPSource(), cache, Options{}, nil).Resolve(context.Background(), "http")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(again.Tags) != 2 || again.Tags[0] != "host" || again.TagFilters != nil {
		t.Errorf("schema after override = %s filters=%v, want discovered tags", again, again.TagFilters)
	}
}

func TestResolver_OverrideStillCachesDiscoveredTags(t *testing.T) {
	cache := &mapCache{}
	r := NewResolver(newHTTPSource(), cache, Options{Tags: []string{"dc"}}, nil)
	if _, err := r.Resolve(context.Background(), "http"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cached := cache.m["http"]; len(cached.Tags) != 2 || cached.TagFilters != nil {
		t.Errorf("cached schema = %s filters=%v, want discovered tags only", cached, cached.TagFilters)
	}
}

func TestResolver_SourceFailureIsResolutionError(t *testing.T) {
	src := newHTTPSource()
	src.err = errors.New("connection refused")
	r := NewResolver(src, &mapCache{}, Options{}, nil)

	_, err := r.Resolve(context.Background(), "http")
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("Resolve() error = %v, want ErrResolution", err)
	}
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("error %T is not *ResolutionError", err)
	}
	if re.Step != "fields" || re.Measurement != "http" {
		t.Errorf("ResolutionError = %+v", re)
	}
	if !errors.Is(err, src.err) {
		t.Error("ResolutionError does not wrap the source error")
	}
}

func TestResolver_MissingSource(t *testing.T) {
	r := NewResolver(nil, nil, Options{}, nil)
	if _, err := r.Resolve(context.Background(), "http"); !errors.Is(err, ErrResolution) {
		t.Errorf("Resolve() error = %v, want ErrResolution", err)
	}
	r = NewResolver(newHTTPSource(), nil, Options{}, nil)
	if _, err := r.ResolveFields(context.Background(), ""); !errors.Is(err, ErrResolution) {
		t.Errorf("ResolveFields(\"\") error = %v, want ErrResolution", err)
	}
}

func TestMetadataQueries(t *testing.T) {
	if got, want := FieldKeysQuery("http"), `SHOW FIELD KEYS FROM "http"`; got != want {
		t.Errorf("FieldKeysQuery() = %s, want %s", got, want)
	}
	if got, want := TagKeysQuery(`we"ird`), `SHOW TAG KEYS FROM "we\"ird"`; got != want {
		t.Errorf("TagKeysQuery() = %s, want %s", got, want)
	}
}
