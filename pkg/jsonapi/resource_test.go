package jsonapi

import "testing"

func TestResourceFromDoc(t *testing.T) {
	doc := map[string]any{
		"id":               "p1",
		"title":            "Hello",
		"authorId":         "a1",
		"authorIdResolved": map[string]any{"id": "a1", "name": "Ann"},
		TruncatedKey:       true,
	}

	r := ResourceFromDoc("post", doc)

	if r.Type != "post" || r.ID != "p1" {
		t.Errorf("identity = %s/%s", r.Type, r.ID)
	}
	if _, ok := r.Attributes["id"]; ok {
		t.Error("id should not be an attribute")
	}
	if _, ok := r.Attributes[TruncatedKey]; ok {
		t.Error("truncation flag should move to meta")
	}
	if r.Meta["truncated"] != true {
		t.Errorf("Meta = %#v", r.Meta)
	}
	if _, ok := r.Attributes["authorIdResolved"].(map[string]any); !ok {
		t.Error("resolved reference should be an attribute")
	}
}

func TestResourceFromDoc_NotTruncated(t *testing.T) {
	r := ResourceFromDoc("post", map[string]any{"id": "p1", TruncatedKey: false})
	if r.Meta != nil {
		t.Errorf("Meta = %#v, want nil", r.Meta)
	}
}

func TestResourcesFromDocs(t *testing.T) {
	rs := ResourcesFromDocs("tag", []map[string]any{{"id": "b"}, {"id": "a"}})
	if len(rs) != 2 || rs[0].ID != "b" || rs[1].ID != "a" {
		t.Errorf("got %#v", rs)
	}
}
