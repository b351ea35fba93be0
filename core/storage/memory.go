package storage

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// MemoryStore implements Store in process memory. It enforces unique indexes
// and uses the same value normalization as the SQL stores, which makes it a
// drop-in backend for tests and ephemeral deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	order []string
	docs  map[string]memDoc
	// uniques maps discriminator to unique field keys.
	uniques map[string][]string
}

type memDoc struct {
	discriminator string
	body          map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (s *MemoryStore) collection(name string) *memCollection {
	c, ok := s.collections[name]
	if !ok {
		c = &memCollection{docs: make(map[string]memDoc), uniques: make(map[string][]string)}
		s.collections[name] = c
	}
	return c
}

// Materialize registers the collection and its unique fields.
func (s *MemoryStore) Materialize(_ context.Context, coll Collection, uniques []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(coll.Name)
	c.uniques[coll.Discriminator] = append([]string(nil), uniques...)
	return nil
}

// FindExisting returns the subset of ids present in the collection.
func (s *MemoryStore) FindExisting(_ context.Context, coll Collection, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[coll.Name]
	if !ok {
		return nil, nil
	}

	var found []string
	for _, id := range ids {
		if d, ok := c.docs[id]; ok && d.discriminator == coll.Discriminator {
			found = append(found, id)
		}
	}
	return found, nil
}

// Find returns matching documents in insertion order unless sorted.
func (s *MemoryStore) Find(_ context.Context, coll Collection, q Query) ([]map[string]any, error) {
	f, err := normalizeFilter(q.Filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []map[string]any
	if c, ok := s.collections[coll.Name]; ok {
		for _, id := range c.order {
			d := c.docs[id]
			if d.discriminator != coll.Discriminator || !matches(id, d.body, f) {
				continue
			}
			out = append(out, copyDoc(id, d.body))
		}
	}
	s.mu.RUnlock()

	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, sf := range q.Sort {
				c := compareValues(out[i][sf.Field], out[j][sf.Field])
				if c == 0 {
					continue
				}
				if sf.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return nil, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Count returns the number of matching documents.
func (s *MemoryStore) Count(ctx context.Context, coll Collection, f Filter) (int64, error) {
	docs, err := s.Find(ctx, coll, Query{Filter: f})
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// Insert stores a new document.
func (s *MemoryStore) Insert(_ context.Context, coll Collection, doc map[string]any) (string, error) {
	body, err := normalizeBody(doc)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(coll.Name)
	id := NewID()
	if err := c.checkUnique(coll, id, body); err != nil {
		return "", err
	}

	c.docs[id] = memDoc{discriminator: coll.Discriminator, body: body}
	c.order = append(c.order, id)
	return id, nil
}

// UpdateFields sets or unsets fields of a document.
func (s *MemoryStore) UpdateFields(_ context.Context, coll Collection, id string, set map[string]any) error {
	patch, err := normalizeBody(set)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[coll.Name]
	if !ok {
		return ErrNotFound
	}
	d, ok := c.docs[id]
	if !ok || d.discriminator != coll.Discriminator {
		return ErrNotFound
	}

	next := make(map[string]any, len(d.body)+len(patch))
	for k, v := range d.body {
		next[k] = v
	}
	for k := range set {
		if k == "id" || k == DiscriminatorColumn {
			continue
		}
		if v := patch[k]; v == nil {
			delete(next, k)
		} else {
			next[k] = v
		}
	}

	if err := c.checkUnique(coll, id, next); err != nil {
		return err
	}
	d.body = next
	c.docs[id] = d
	return nil
}

// PullFromArray removes value from an array field.
func (s *MemoryStore) PullFromArray(_ context.Context, coll Collection, id, field string, value any) error {
	v, err := Normalize(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[coll.Name]
	if !ok {
		return ErrNotFound
	}
	d, ok := c.docs[id]
	if !ok || d.discriminator != coll.Discriminator {
		return ErrNotFound
	}
	arr, ok := d.body[field].([]any)
	if !ok {
		return nil
	}

	kept := make([]any, 0, len(arr))
	for _, el := range arr {
		if !reflect.DeepEqual(el, v) {
			kept = append(kept, el)
		}
	}

	next := make(map[string]any, len(d.body))
	for k, val := range d.body {
		next[k] = val
	}
	next[field] = kept
	d.body = next
	c.docs[id] = d
	return nil
}

// Delete removes a document.
func (s *MemoryStore) Delete(_ context.Context, coll Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[coll.Name]
	if !ok {
		return ErrNotFound
	}
	d, ok := c.docs[id]
	if !ok || d.discriminator != coll.Discriminator {
		return ErrNotFound
	}

	delete(c.docs, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func (c *memCollection) checkUnique(coll Collection, id string, body map[string]any) error {
	for _, field := range c.uniques[coll.Discriminator] {
		v, ok := body[field]
		if !ok || v == nil {
			continue
		}
		for oid, other := range c.docs {
			if oid == id || other.discriminator != coll.Discriminator {
				continue
			}
			if reflect.DeepEqual(other.body[field], v) {
				return &DuplicateKeyError{
					Collection: coll.Name,
					Field:      field,
					Err:        fmt.Errorf("value %v already present", v),
				}
			}
		}
	}
	return nil
}

func normalizeBody(doc map[string]any) (map[string]any, error) {
	body := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "id" || k == DiscriminatorColumn {
			continue
		}
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		body[k] = n
	}
	return body, nil
}

func normalizeFilter(f Filter) (Filter, error) {
	if len(f.Fields) == 0 {
		return f, nil
	}
	fields := make(map[string]any, len(f.Fields))
	for k, v := range f.Fields {
		n, err := Normalize(v)
		if err != nil {
			return Filter{}, err
		}
		fields[k] = n
	}
	f.Fields = fields
	return f, nil
}

func matches(id string, body map[string]any, f Filter) bool {
	if f.IDs != nil {
		found := false
		for _, want := range f.IDs {
			if want == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NotID != "" && f.NotID == id {
		return false
	}
	for k, want := range f.Fields {
		if k == "id" {
			if fmt.Sprint(want) != id {
				return false
			}
			continue
		}
		got := body[k]
		if want == nil {
			if got != nil {
				return false
			}
			continue
		}
		if arr, ok := got.([]any); ok {
			if !containsValue(arr, want) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func containsValue(arr []any, v any) bool {
	for _, el := range arr {
		if reflect.DeepEqual(el, v) {
			return true
		}
	}
	return false
}

// copyDoc returns a deep copy of a stored body with its id.
func copyDoc(id string, body map[string]any) map[string]any {
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = copyValue(v)
	}
	out["id"] = id
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = copyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = copyValue(val)
		}
		return s
	default:
		return v
	}
}

// compareValues orders normalized values: nil first, then by type.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
