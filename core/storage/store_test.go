package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	postsColl   = Collection{Name: "posts", TypeKey: "post"}
	sharedPost  = Collection{Name: "entities", TypeKey: "post", Discriminator: "post"}
	sharedNote  = Collection{Name: "entities", TypeKey: "note", Discriminator: "note"}
	contractCtx = context.Background()
)

// testStoreContract exercises the Store contract against any backend.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertFind", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl, "slug")

		id, err := s.Insert(contractCtx, postsColl, map[string]any{
			"title": "Hello",
			"slug":  "hello",
			"views": 3,
			"tags":  []string{"go", "db"},
		})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if len(id) != 32 {
			t.Errorf("id = %q, want 32 hex chars", id)
		}

		docs, err := s.Find(contractCtx, postsColl, Query{Filter: Filter{IDs: []string{id}}})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if len(docs) != 1 {
			t.Fatalf("Find returned %d docs, want 1", len(docs))
		}
		doc := docs[0]
		if doc["id"] != id || doc["title"] != "Hello" {
			t.Errorf("doc = %v", doc)
		}
		if doc["views"] != float64(3) {
			t.Errorf("views = %#v, want float64(3)", doc["views"])
		}
	})

	t.Run("ArrayContainment", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl)

		a := mustInsert(t, s, postsColl, map[string]any{"tags": []any{"go", "db"}})
		mustInsert(t, s, postsColl, map[string]any{"tags": []any{"rust"}})
		c := mustInsert(t, s, postsColl, map[string]any{"tags": "go"})

		docs, err := s.Find(contractCtx, postsColl, Query{Filter: Filter{Fields: map[string]any{"tags": "go"}}})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		got := ids(docs)
		if len(got) != 2 || got[0] != a || got[1] != c {
			t.Errorf("containment match = %v, want [%s %s]", got, a, c)
		}
	})

	t.Run("NullFilter", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl)

		mustInsert(t, s, postsColl, map[string]any{"authorId": "a1"})
		b := mustInsert(t, s, postsColl, map[string]any{"title": "x"})

		n, err := s.Count(contractCtx, postsColl, Filter{Fields: map[string]any{"authorId": nil}})
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Count = %d, want 1 (%s)", n, b)
		}
	})

	t.Run("UniqueIndex", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl, "slug")

		first := mustInsert(t, s, postsColl, map[string]any{"slug": "same"})
		_, err := s.Insert(contractCtx, postsColl, map[string]any{"slug": "same"})
		dup, ok := IsDuplicateKey(err)
		if !ok {
			t.Fatalf("expected DuplicateKeyError, got %v", err)
		}
		if dup.Field != "slug" {
			t.Errorf("dup.Field = %q, want slug", dup.Field)
		}

		second := mustInsert(t, s, postsColl, map[string]any{"slug": "other"})
		err = s.UpdateFields(contractCtx, postsColl, second, map[string]any{"slug": "same"})
		if _, ok := IsDuplicateKey(err); !ok {
			t.Errorf("update to taken slug: expected DuplicateKeyError, got %v", err)
		}

		// Updating a document to its own value is not a violation.
		if err := s.UpdateFields(contractCtx, postsColl, first, map[string]any{"slug": "same"}); err != nil {
			t.Errorf("self update failed: %v", err)
		}
	})

	t.Run("UpdateFieldsUnset", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl)

		id := mustInsert(t, s, postsColl, map[string]any{"title": "a", "authorId": "x"})
		err := s.UpdateFields(contractCtx, postsColl, id, map[string]any{"title": "b", "authorId": nil})
		if err != nil {
			t.Fatalf("UpdateFields failed: %v", err)
		}

		doc := mustGet(t, s, postsColl, id)
		if doc["title"] != "b" {
			t.Errorf("title = %v, want b", doc["title"])
		}
		if _, ok := doc["authorId"]; ok {
			t.Errorf("authorId should be unset, got %v", doc["authorId"])
		}

		err = s.UpdateFields(contractCtx, postsColl, "missing", map[string]any{"title": "c"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PullFromArray", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl)

		id := mustInsert(t, s, postsColl, map[string]any{"tagIds": []any{"t1", "t2", "t1"}})
		if err := s.PullFromArray(contractCtx, postsColl, id, "tagIds", "t1"); err != nil {
			t.Fatalf("PullFromArray failed: %v", err)
		}

		doc := mustGet(t, s, postsColl, id)
		arr, ok := doc["tagIds"].([]any)
		if !ok || len(arr) != 1 || arr[0] != "t2" {
			t.Errorf("tagIds = %#v, want [t2]", doc["tagIds"])
		}

		if err := s.PullFromArray(contractCtx, postsColl, id, "tagIds", "t2"); err != nil {
			t.Fatalf("PullFromArray failed: %v", err)
		}
		doc = mustGet(t, s, postsColl, id)
		if arr, ok := doc["tagIds"].([]any); !ok || len(arr) != 0 {
			t.Errorf("tagIds = %#v, want empty array", doc["tagIds"])
		}
	})

	t.Run("PullFromArrayMissing", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl)

		err := s.PullFromArray(contractCtx, postsColl, "missing", "tagIds", "t1")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("pull from missing document: expected ErrNotFound, got %v", err)
		}

		// A present document without the array field is left alone.
		id := mustInsert(t, s, postsColl, map[string]any{"title": "a"})
		if err := s.PullFromArray(contractCtx, postsColl, id, "tagIds", "t1"); err != nil {
			t.Fatalf("pull from absent field: %v", err)
		}
		doc := mustGet(t, s, postsColl, id)
		if doc["title"] != "a" {
			t.Errorf("title = %v, want a", doc["title"])
		}
		if _, ok := doc["tagIds"]; ok {
			t.Errorf("tagIds should stay unset, got %v", doc["tagIds"])
		}
	})

	t.Run("SharedCollection", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, sharedPost, "slug")
		mustMaterialize(t, s, sharedNote, "slug")

		p := mustInsert(t, s, sharedPost, map[string]any{"slug": "x"})
		// Same value under another discriminator does not collide.
		n := mustInsert(t, s, sharedNote, map[string]any{"slug": "x"})

		found, err := s.FindExisting(contractCtx, sharedPost, []string{p, n})
		if err != nil {
			t.Fatalf("FindExisting failed: %v", err)
		}
		if len(found) != 1 || found[0] != p {
			t.Errorf("FindExisting = %v, want [%s]", found, p)
		}

		count, err := s.Count(contractCtx, sharedNote, Filter{})
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count != 1 {
			t.Errorf("note count = %d, want 1", count)
		}

		if err := s.Delete(contractCtx, sharedPost, n); !errors.Is(err, ErrNotFound) {
			t.Errorf("delete across discriminator: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SortSkipLimit", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl)

		for _, n := range []float64{3, 1, 2} {
			mustInsert(t, s, postsColl, map[string]any{"rank": n})
		}

		docs, err := s.Find(contractCtx, postsColl, Query{
			Sort:  []SortField{{Field: "rank", Desc: true}},
			Skip:  1,
			Limit: 1,
		})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if len(docs) != 1 || docs[0]["rank"] != float64(2) {
			t.Errorf("docs = %v, want single rank 2", docs)
		}
	})

	t.Run("DateValues", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl)

		when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		id := mustInsert(t, s, postsColl, map[string]any{"publishedAt": when})

		docs, err := s.Find(contractCtx, postsColl, Query{Filter: Filter{Fields: map[string]any{"publishedAt": when}}})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if len(docs) != 1 || docs[0]["id"] != id {
			t.Errorf("date filter returned %v", docs)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		mustMaterialize(t, s, postsColl)

		id := mustInsert(t, s, postsColl, map[string]any{"title": "bye"})
		if err := s.Delete(contractCtx, postsColl, id); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(contractCtx, postsColl, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})
}

func mustMaterialize(t *testing.T, s Store, coll Collection, uniques ...string) {
	t.Helper()
	if err := s.Materialize(contractCtx, coll, uniques); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
}

func mustInsert(t *testing.T, s Store, coll Collection, doc map[string]any) string {
	t.Helper()
	id, err := s.Insert(contractCtx, coll, doc)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return id
}

func mustGet(t *testing.T, s Store, coll Collection, id string) map[string]any {
	t.Helper()
	docs, err := s.Find(contractCtx, coll, Query{Filter: Filter{IDs: []string{id}}})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("document %s not found", id)
	}
	return docs[0]
}

func ids(docs []map[string]any) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i], _ = d["id"].(string)
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNormalize(t *testing.T) {
	v, err := Normalize([]string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if arr, ok := v.([]any); !ok || len(arr) != 1 || arr[0] != "a" {
		t.Errorf("Normalize([]string) = %#v", v)
	}

	v, _ = Normalize(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if v != "2024-01-02T03:04:05Z" {
		t.Errorf("Normalize(time) = %#v", v)
	}
}
