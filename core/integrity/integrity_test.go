package integrity

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/graph"
	"github.com/artpar/entigate/core/registry"
	"github.com/artpar/entigate/core/schema"
	"github.com/artpar/entigate/core/storage"
)

type fixture struct {
	ctx     context.Context
	reg     *registry.Registry
	store   *storage.MemoryStore
	checker *Checker
}

func newFixture(t *testing.T, types ...schema.Datatype) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), store: storage.NewMemoryStore()}
	f.reg = registry.New(f.store)
	holder := graph.NewHolder()
	f.reg.OnChange(holder.Rebuild)

	for _, dt := range types {
		dt.Status = schema.StatusPublished
		if err := f.reg.Register(f.ctx, dt); err != nil {
			t.Fatalf("Register %s failed: %v", dt.Key, err)
		}
	}

	f.checker = NewChecker(Config{
		Definitions: f.reg,
		Graph:       holder,
		Store:       f.store,
		Logger:      zerolog.Nop(),
	})
	return f
}

func (f *fixture) insert(t *testing.T, typeKey string, doc map[string]any) string {
	t.Helper()
	d, err := f.reg.Derived(typeKey)
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.store.Insert(f.ctx, d.Collection, doc)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) get(t *testing.T, typeKey, id string) map[string]any {
	t.Helper()
	d, _ := f.reg.Derived(typeKey)
	docs, err := f.store.Find(f.ctx, d.Collection, storage.Query{Filter: storage.Filter{IDs: []string{id}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) == 0 {
		return nil
	}
	return docs[0]
}

func (f *fixture) remove(t *testing.T, typeKey, id string) error {
	t.Helper()
	if err := f.checker.ApplyDeletePolicy(f.ctx, typeKey, id); err != nil {
		return err
	}
	d, _ := f.reg.Derived(typeKey)
	return f.store.Delete(f.ctx, d.Collection, id)
}

func ref(key, to string, policy schema.OnDelete) schema.Field {
	return schema.Field{Key: key, Type: schema.FieldTypeRef, To: to, OnDelete: policy}
}

func named(key string, fields ...schema.Field) schema.Datatype {
	return schema.Datatype{Key: key, Fields: append([]schema.Field{{Key: "name", Type: schema.FieldTypeString}}, fields...)}
}

func TestCheckRefsExist(t *testing.T) {
	f := newFixture(t,
		named("author"),
		named("tag"),
		named("post",
			ref("authorId", "author", schema.OnDeleteRestrict),
			schema.Field{Key: "tagIds", Type: schema.FieldTypeRef, To: "tag", Array: true, OnDelete: schema.OnDeleteSetNull},
		),
	)
	a := f.insert(t, "author", map[string]any{"name": "ann"})
	tag := f.insert(t, "tag", map[string]any{"name": "go"})

	if err := f.checker.CheckRefsExist(f.ctx, "post", map[string]any{"authorId": a, "tagIds": []any{tag}}); err != nil {
		t.Errorf("existing refs rejected: %v", err)
	}
	if err := f.checker.CheckRefsExist(f.ctx, "post", map[string]any{"authorId": nil, "title": "x"}); err != nil {
		t.Errorf("null ref rejected: %v", err)
	}

	err := f.checker.CheckRefsExist(f.ctx, "post", map[string]any{"tagIds": []any{tag, "ghost2", "ghost1"}})
	var missing *errs.RefMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected RefMissingError, got %v", err)
	}
	if missing.Field != "tagIds" || len(missing.IDs) != 2 || missing.IDs[0] != "ghost1" {
		t.Errorf("missing = %+v", missing)
	}
}

func TestApplyDeletePolicy_Restrict(t *testing.T) {
	f := newFixture(t, named("author"), named("post", ref("authorId", "author", schema.OnDeleteRestrict)))
	a := f.insert(t, "author", map[string]any{"name": "ann"})
	p := f.insert(t, "post", map[string]any{"authorId": a})

	err := f.remove(t, "author", a)
	var restrict *errs.RefRestrictError
	if !errors.As(err, &restrict) {
		t.Fatalf("expected RefRestrictError, got %v", err)
	}
	if restrict.ReferrerType != "post" || restrict.Count != 1 {
		t.Errorf("restrict = %+v", restrict)
	}
	if f.get(t, "author", a) == nil {
		t.Fatal("restricted author was deleted")
	}

	if err := f.remove(t, "post", p); err != nil {
		t.Fatalf("delete post failed: %v", err)
	}
	if err := f.remove(t, "author", a); err != nil {
		t.Errorf("delete author after post removed: %v", err)
	}
}

func TestApplyDeletePolicy_SetNull(t *testing.T) {
	f := newFixture(t,
		named("author"),
		named("post",
			ref("editorId", "author", schema.OnDeleteSetNull),
			schema.Field{Key: "reviewerIds", Type: schema.FieldTypeRef, To: "author", Array: true, OnDelete: schema.OnDeleteSetNull},
		),
	)
	a := f.insert(t, "author", map[string]any{"name": "ann"})
	b := f.insert(t, "author", map[string]any{"name": "bob"})
	p := f.insert(t, "post", map[string]any{"editorId": a, "reviewerIds": []any{a, b}})

	if err := f.remove(t, "author", a); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	doc := f.get(t, "post", p)
	if _, ok := doc["editorId"]; ok {
		t.Errorf("editorId should be unset, got %v", doc["editorId"])
	}
	reviewers, _ := doc["reviewerIds"].([]any)
	if len(reviewers) != 1 || reviewers[0] != b {
		t.Errorf("reviewerIds = %v, want [%s]", doc["reviewerIds"], b)
	}
}

func TestApplyDeletePolicy_MultiHopCascade(t *testing.T) {
	f := newFixture(t,
		named("blog"),
		named("post", ref("blogId", "blog", schema.OnDeleteCascade)),
		named("comment", ref("postId", "post", schema.OnDeleteCascade)),
	)
	blog := f.insert(t, "blog", map[string]any{"name": "b"})
	p1 := f.insert(t, "post", map[string]any{"blogId": blog})
	p2 := f.insert(t, "post", map[string]any{"blogId": blog})
	c1 := f.insert(t, "comment", map[string]any{"postId": p1})
	c2 := f.insert(t, "comment", map[string]any{"postId": p2})

	if err := f.remove(t, "blog", blog); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	for _, n := range []struct{ typ, id string }{{"blog", blog}, {"post", p1}, {"post", p2}, {"comment", c1}, {"comment", c2}} {
		if f.get(t, n.typ, n.id) != nil {
			t.Errorf("%s %s survived the cascade", n.typ, n.id)
		}
	}
}

func TestApplyDeletePolicy_CascadeCycle(t *testing.T) {
	f := newFixture(t,
		named("left", ref("rightId", "right", schema.OnDeleteCascade)),
		named("right", ref("leftId", "left", schema.OnDeleteCascade)),
	)
	l := f.insert(t, "left", map[string]any{"name": "l"})
	r := f.insert(t, "right", map[string]any{"leftId": l})
	ld, _ := f.reg.Derived("left")
	if err := f.store.UpdateFields(f.ctx, ld.Collection, l, map[string]any{"rightId": r}); err != nil {
		t.Fatal(err)
	}

	for _, start := range []struct{ typ, id string }{{"left", l}} {
		if err := f.remove(t, start.typ, start.id); err != nil {
			t.Fatalf("delete from %s failed: %v", start.typ, err)
		}
	}
	if f.get(t, "left", l) != nil || f.get(t, "right", r) != nil {
		t.Error("cycle members survived")
	}

	// And from the other side.
	l2 := f.insert(t, "left", map[string]any{"name": "l2"})
	r2 := f.insert(t, "right", map[string]any{"leftId": l2})
	_ = f.store.UpdateFields(f.ctx, ld.Collection, l2, map[string]any{"rightId": r2})
	if err := f.remove(t, "right", r2); err != nil {
		t.Fatalf("delete from right failed: %v", err)
	}
	if f.get(t, "left", l2) != nil || f.get(t, "right", r2) != nil {
		t.Error("cycle members survived (reverse)")
	}
}

func TestApplyDeletePolicy_RestrictDeepInCascade(t *testing.T) {
	f := newFixture(t,
		named("author"),
		named("post", ref("authorId", "author", schema.OnDeleteCascade)),
		named("citation", ref("postId", "post", schema.OnDeleteRestrict)),
	)
	a := f.insert(t, "author", map[string]any{"name": "ann"})
	p := f.insert(t, "post", map[string]any{"authorId": a})
	f.insert(t, "citation", map[string]any{"postId": p})

	err := f.remove(t, "author", a)
	if !errors.Is(err, errs.ErrRefRestrict) {
		t.Fatalf("expected ErrRefRestrict, got %v", err)
	}
	// Planned before mutating: nothing was deleted.
	if f.get(t, "post", p) == nil || f.get(t, "author", a) == nil {
		t.Error("partial cascade happened despite restrict")
	}
}

func TestApplyDeletePolicy_RestrictInsideClosure(t *testing.T) {
	// post cascades from author; the post's own restrict ref to the author
	// must not block, since the post is deleted too.
	f := newFixture(t,
		named("author"),
		named("post",
			ref("authorId", "author", schema.OnDeleteCascade),
			ref("reviewerId", "author", schema.OnDeleteRestrict),
		),
	)
	a := f.insert(t, "author", map[string]any{"name": "ann"})
	p := f.insert(t, "post", map[string]any{"authorId": a, "reviewerId": a})

	if err := f.remove(t, "author", a); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if f.get(t, "post", p) != nil {
		t.Error("post should be cascaded")
	}
}

func TestRefIDs(t *testing.T) {
	got := RefIDs([]any{"a", "", "b", "a", 3})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("RefIDs = %v", got)
	}
	if got := RefIDs(7); len(got) != 0 {
		t.Errorf("RefIDs(7) = %v", got)
	}
}
