package enrich

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/convention"
	"github.com/artpar/entigate/core/graph"
	"github.com/artpar/entigate/core/hooks"
	"github.com/artpar/entigate/core/registry"
	"github.com/artpar/entigate/core/schema"
	"github.com/artpar/entigate/core/storage"
)

// countingStore counts Find calls and the documents they return.
type countingStore struct {
	*storage.MemoryStore
	finds   map[string]int
	fetched int
}

func (s *countingStore) Find(ctx context.Context, coll storage.Collection, q storage.Query) ([]map[string]any, error) {
	s.finds[coll.TypeKey]++
	docs, err := s.MemoryStore.Find(ctx, coll, q)
	s.fetched += len(docs)
	return docs, err
}

type recordingObserver struct {
	runs []Stats
}

func (o *recordingObserver) ObserveEnrichment(_ string, stats Stats) {
	o.runs = append(o.runs, stats)
}

type fixture struct {
	ctx      context.Context
	reg      *registry.Registry
	store    *countingStore
	graph    *graph.Holder
	enricher *Enricher
	observer *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		store:    &countingStore{MemoryStore: storage.NewMemoryStore(), finds: map[string]int{}},
		observer: &recordingObserver{},
	}
	f.reg = registry.New(f.store)
	holder := graph.NewHolder()
	f.graph = holder
	f.reg.OnChange(holder.Rebuild)

	types := []schema.Datatype{
		{Key: "org", Fields: []schema.Field{{Key: "name", Type: schema.FieldTypeString}}},
		{Key: "author", Fields: []schema.Field{
			{Key: "name", Type: schema.FieldTypeString},
			{Key: "email", Type: schema.FieldTypeString},
			{Key: "orgId", Type: schema.FieldTypeRef, To: "org"},
			{Key: "mentorId", Type: schema.FieldTypeRef, To: "author", OnDelete: schema.OnDeleteSetNull},
		}},
		{Key: "tag", Fields: []schema.Field{{Key: "label", Type: schema.FieldTypeString}}},
		{Key: "post", Fields: []schema.Field{
			{Key: "title", Type: schema.FieldTypeString},
			{Key: "authorId", Type: schema.FieldTypeRef, To: "author"},
			{Key: "tagIds", Type: schema.FieldTypeRef, To: "tag", Array: true},
		}},
	}
	for _, dt := range types {
		dt.Status = schema.StatusPublished
		if err := f.reg.Register(f.ctx, dt); err != nil {
			t.Fatalf("Register %s: %v", dt.Key, err)
		}
	}

	f.enricher = New(Config{
		Definitions: f.reg,
		Graph:       holder,
		Store:       f.store,
		Logger:      zerolog.Nop(),
		Observer:    f.observer,
	})
	return f
}

// limited returns an enricher over the fixture with configured ceilings.
func (f *fixture) limited(fanout, nodeLimit int) *Enricher {
	return New(Config{
		Definitions: f.reg,
		Graph:       f.graph,
		Store:       f.store,
		Logger:      zerolog.Nop(),
		Fanout:      fanout,
		NodeLimit:   nodeLimit,
	})
}

func (f *fixture) insert(t *testing.T, typeKey string, doc map[string]any) string {
	t.Helper()
	d, err := f.reg.Derived(typeKey)
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.store.MemoryStore.Insert(f.ctx, d.Collection, doc)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) load(t *testing.T, typeKey string, ids ...string) []map[string]any {
	t.Helper()
	d, _ := f.reg.Derived(typeKey)
	docs, err := f.store.MemoryStore.Find(f.ctx, d.Collection, storage.Query{Filter: storage.Filter{IDs: ids}})
	if err != nil {
		t.Fatal(err)
	}
	return docs
}

func TestEnrich_SingleAndMany(t *testing.T) {
	f := newFixture(t)
	a := f.insert(t, "author", map[string]any{"name": "ann"})
	t1 := f.insert(t, "tag", map[string]any{"label": "go"})
	t2 := f.insert(t, "tag", map[string]any{"label": "db"})
	p := f.insert(t, "post", map[string]any{"title": "hi", "authorId": a, "tagIds": []any{t1, "ghost", t2}})

	docs := f.load(t, "post", p)
	stats, err := f.enricher.EnrichDocs(f.ctx, "post", docs, Options{With: []string{"authorId", "tagIds"}})
	if err != nil {
		t.Fatalf("Enrich failed: %v", err)
	}

	author, ok := docs[0]["authorIdResolved"].(map[string]any)
	if !ok || author["name"] != "ann" {
		t.Errorf("authorIdResolved = %v", docs[0]["authorIdResolved"])
	}
	tags, ok := docs[0]["tagIdsResolved"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("tagIdsResolved = %v, want 2 tags (dangling id omitted)", docs[0]["tagIdsResolved"])
	}
	if tags[0].(map[string]any)["label"] != "go" || tags[1].(map[string]any)["label"] != "db" {
		t.Errorf("tags out of order: %v", tags)
	}
	if _, truncated := docs[0][convention.TruncatedKey]; truncated {
		t.Error("dangling ids must not mark the document truncated")
	}
	if stats.Nodes != 3 || stats.Fetches != 2 {
		t.Errorf("stats = %+v, want 3 nodes / 2 fetches", stats)
	}
	if len(f.observer.runs) != 1 {
		t.Errorf("observer runs = %d, want 1", len(f.observer.runs))
	}
}

func TestEnrich_DanglingSingleIsNull(t *testing.T) {
	f := newFixture(t)
	p := f.insert(t, "post", map[string]any{"authorId": "ghost"})

	docs := f.load(t, "post", p)
	if _, err := f.enricher.EnrichDocs(f.ctx, "post", docs, Options{With: []string{"authorId"}}); err != nil {
		t.Fatal(err)
	}
	v, ok := docs[0]["authorIdResolved"]
	if !ok || v != nil {
		t.Errorf("authorIdResolved = %v (present=%v), want explicit null", v, ok)
	}
}

func TestEnrich_BatchesPerLevel(t *testing.T) {
	f := newFixture(t)
	org := f.insert(t, "org", map[string]any{"name": "acme"})
	var ids []string
	for i := 0; i < 10; i++ {
		a := f.insert(t, "author", map[string]any{"name": fmt.Sprintf("a%d", i), "orgId": org})
		ids = append(ids, f.insert(t, "post", map[string]any{"authorId": a}))
	}

	docs := f.load(t, "post", ids...)
	f.store.finds = map[string]int{}
	_, err := f.enricher.EnrichDocs(f.ctx, "post", docs, Options{
		With:  []string{"authorId"},
		Paths: map[int][]string{1: {"orgId"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if f.store.finds["author"] != 1 || f.store.finds["org"] != 1 {
		t.Errorf("finds = %v, want one per type", f.store.finds)
	}
	for _, d := range docs {
		author := d["authorIdResolved"].(map[string]any)
		orgDoc, ok := author["orgIdResolved"].(map[string]any)
		if !ok || orgDoc["name"] != "acme" {
			t.Fatalf("nested org missing: %v", author)
		}
	}
}

func TestEnrich_CycleTerminates(t *testing.T) {
	f := newFixture(t)
	a := f.insert(t, "author", map[string]any{"name": "a"})
	b := f.insert(t, "author", map[string]any{"name": "b", "mentorId": a})
	ad, _ := f.reg.Derived("author")
	if err := f.store.UpdateFields(f.ctx, ad.Collection, a, map[string]any{"mentorId": b}); err != nil {
		t.Fatal(err)
	}

	docs := f.load(t, "author", a)
	opts := Options{
		With:     []string{"mentorId"},
		Paths:    map[int][]string{1: {"mentorId"}, 2: {"mentorId"}, 3: {"mentorId"}, 4: {"mentorId"}, 5: {"mentorId"}, 6: {"mentorId"}},
		MaxDepth: 10,
	}
	stats, err := f.enricher.EnrichDocs(f.ctx, "author", docs, opts)
	if err != nil {
		t.Fatal(err)
	}
	// Depth is clamped: levels 0..5 resolve one node each.
	if stats.Nodes != MaxDepthLimit+1 {
		t.Errorf("nodes = %d, want %d", stats.Nodes, MaxDepthLimit+1)
	}
	// Cached documents are fetched once per type, not once per level.
	if f.store.finds["author"] > 2 {
		t.Errorf("author finds = %d, want at most 2", f.store.finds["author"])
	}

	cur := docs[0]
	for depth := 0; depth <= MaxDepthLimit; depth++ {
		next, ok := cur["mentorIdResolved"].(map[string]any)
		if !ok {
			t.Fatalf("chain broken at depth %d", depth)
		}
		cur = next
	}
	if _, ok := cur["mentorIdResolved"]; ok {
		t.Error("traversal went past the depth limit")
	}
}

func TestEnrich_Fanout(t *testing.T) {
	f := newFixture(t)
	var tags []any
	for i := 0; i < 5; i++ {
		tags = append(tags, f.insert(t, "tag", map[string]any{"label": fmt.Sprintf("t%d", i)}))
	}
	p := f.insert(t, "post", map[string]any{"tagIds": tags})

	docs := f.load(t, "post", p)
	stats, err := f.enricher.EnrichDocs(f.ctx, "post", docs, Options{With: []string{"tagIds"}, Fanout: 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := docs[0]["tagIdsResolved"].([]any); len(got) != 3 {
		t.Errorf("resolved %d tags, want 3", len(got))
	}
	if docs[0][convention.TruncatedKey] != true || !stats.Truncated {
		t.Error("fanout overflow must flag the document truncated")
	}
}

func TestEnrich_NodeLimit(t *testing.T) {
	f := newFixture(t)
	org := f.insert(t, "org", map[string]any{"name": "acme"})
	var ids []string
	for i := 0; i < 4; i++ {
		a := f.insert(t, "author", map[string]any{"name": fmt.Sprintf("a%d", i), "orgId": org})
		ids = append(ids, f.insert(t, "post", map[string]any{"authorId": a}))
	}

	docs := f.load(t, "post", ids...)
	stats, err := f.enricher.EnrichDocs(f.ctx, "post", docs, Options{
		With:      []string{"authorId"},
		Paths:     map[int][]string{1: {"orgId"}},
		NodeLimit: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Nodes != 2 || !stats.Truncated {
		t.Errorf("stats = %+v, want 2 nodes, truncated", stats)
	}

	resolved, truncated := 0, 0
	for _, d := range docs {
		if d["authorIdResolved"] != nil {
			resolved++
		}
		if d[convention.TruncatedKey] == true {
			truncated++
		}
	}
	if resolved != 2 || truncated != 2 {
		t.Errorf("resolved=%d truncated=%d, want 2/2", resolved, truncated)
	}
}

func TestEnrich_RequestCannotRaiseLimits(t *testing.T) {
	f := newFixture(t)
	var tags []any
	for i := 0; i < 10; i++ {
		tags = append(tags, f.insert(t, "tag", map[string]any{"label": fmt.Sprintf("t%d", i)}))
	}
	p := f.insert(t, "post", map[string]any{"tagIds": tags})
	e := f.limited(2, 3)

	tests := []struct {
		name      string
		opts      Options
		wantTags  int
		wantNodes int
	}{
		{"above ceilings", Options{With: []string{"tagIds"}, Fanout: 1000, NodeLimit: 1000000}, 2, 2},
		{"unset", Options{With: []string{"tagIds"}}, 2, 2},
		{"below ceilings", Options{With: []string{"tagIds"}, Fanout: 1, NodeLimit: 3}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := f.load(t, "post", p)
			stats, err := e.EnrichDocs(f.ctx, "post", docs, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if got := docs[0]["tagIdsResolved"].([]any); len(got) != tt.wantTags {
				t.Errorf("resolved %d tags, want %d", len(got), tt.wantTags)
			}
			if stats.Nodes != tt.wantNodes || !stats.Truncated {
				t.Errorf("stats = %+v, want %d nodes, truncated", stats, tt.wantNodes)
			}
		})
	}
}

func TestEnrich_NodeLimitSpansTargetTypes(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 3; i++ {
		a := f.insert(t, "author", map[string]any{"name": fmt.Sprintf("a%d", i)})
		t1 := f.insert(t, "tag", map[string]any{"label": fmt.Sprintf("x%d", i)})
		t2 := f.insert(t, "tag", map[string]any{"label": fmt.Sprintf("y%d", i)})
		ids = append(ids, f.insert(t, "post", map[string]any{"authorId": a, "tagIds": []any{t1, t2}}))
	}

	docs := f.load(t, "post", ids...)
	f.store.fetched = 0
	stats, err := f.limited(50, 3).EnrichDocs(f.ctx, "post", docs, Options{With: []string{"authorId", "tagIds"}})
	if err != nil {
		t.Fatal(err)
	}
	if f.store.fetched > 3 {
		t.Errorf("fetched %d documents, node limit is 3", f.store.fetched)
	}
	if stats.Nodes != 3 || !stats.Truncated {
		t.Errorf("stats = %+v, want 3 nodes, truncated", stats)
	}
}

func TestEnrich_Project(t *testing.T) {
	f := newFixture(t)
	a := f.insert(t, "author", map[string]any{"name": "ann", "email": "ann@example.com"})
	p := f.insert(t, "post", map[string]any{"authorId": a})

	docs := f.load(t, "post", p)
	_, err := f.enricher.EnrichDocs(f.ctx, "post", docs, Options{
		With:    []string{"authorId"},
		Project: map[string][]string{"authorId": {"name"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	author := docs[0]["authorIdResolved"].(map[string]any)
	if author["id"] != a || author["name"] != "ann" {
		t.Errorf("projected author = %v", author)
	}
	if _, ok := author["email"]; ok {
		t.Error("email should be projected away")
	}
}

func TestAction(t *testing.T) {
	f := newFixture(t)
	a := f.insert(t, "author", map[string]any{"name": "ann"})
	p := f.insert(t, "post", map[string]any{"authorId": a})
	doc := f.load(t, "post", p)[0]

	hc := hooks.Context{
		Result: doc,
		Meta: hooks.Meta{
			TypeKey: "post",
			Phase:   schema.AfterGet,
			Args:    map[string]any{"with": []any{"authorId"}},
		},
	}
	out, err := f.enricher.Action().Run(f.ctx, hc)
	if err != nil {
		t.Fatalf("action failed: %v", err)
	}
	res, _ := out.ResultDoc()
	if _, ok := res["authorIdResolved"].(map[string]any); !ok {
		t.Errorf("result not enriched: %v", res)
	}
}

func TestOptionsFromArgs(t *testing.T) {
	opts := OptionsFromArgs(map[string]any{
		"with":      "authorId, tagIds",
		"paths":     map[string]any{"1": []any{"orgId"}, "x": []any{"bad"}},
		"maxDepth":  float64(2),
		"fanout":    "7",
		"nodeLimit": 9,
		"project":   map[string]any{"authorId": []any{"name"}},
	})

	if len(opts.With) != 2 || opts.With[1] != "tagIds" {
		t.Errorf("With = %v", opts.With)
	}
	if len(opts.Paths) != 1 || opts.Paths[1][0] != "orgId" {
		t.Errorf("Paths = %v", opts.Paths)
	}
	if opts.MaxDepth != 2 || opts.Fanout != 7 || opts.NodeLimit != 9 {
		t.Errorf("limits = %d/%d/%d", opts.MaxDepth, opts.Fanout, opts.NodeLimit)
	}
	if opts.Project["authorId"][0] != "name" {
		t.Errorf("Project = %v", opts.Project)
	}

	positional := OptionsFromArgs(map[string]any{"paths": []any{[]any{"a"}, "b,c"}})
	if len(positional.Paths[2]) != 2 {
		t.Errorf("positional Paths = %v", positional.Paths)
	}
}

func TestParsePaths(t *testing.T) {
	got := ParsePaths("1:orgId,mentorId; 2:orgId;bad;0:x")
	if len(got) != 2 || len(got[1]) != 2 || got[2][0] != "orgId" {
		t.Errorf("ParsePaths = %v", got)
	}
}
