// Package storage provides document storage for entities of runtime datatypes.
// Entities are schemaless documents keyed by a storage-assigned id; a Collection
// hides whether a datatype has its own collection or shares one with other
// datatypes behind a discriminator.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DiscriminatorColumn names the column separating datatypes in a shared collection.
const DiscriminatorColumn = "_type"

// ErrNotFound is returned when the addressed document does not exist.
var ErrNotFound = errors.New("storage: not found")

// Collection addresses the documents of one datatype.
type Collection struct {
	// Name is the backing table/collection name.
	Name string

	// TypeKey is the datatype the collection serves.
	TypeKey string

	// Discriminator is set for shared collections; documents carry it in
	// DiscriminatorColumn and every query is scoped to it.
	Discriminator string
}

// Shared reports whether the collection is shared between datatypes.
func (c Collection) Shared() bool {
	return c.Discriminator != ""
}

// Filter selects documents.
type Filter struct {
	// Fields are equality matches. For array fields a match means the array
	// contains the value. A nil value matches absent or null fields.
	Fields map[string]any

	// IDs restricts the match to the given ids.
	IDs []string

	// NotID excludes one id (used for uniqueness checks on update).
	NotID string
}

// SortField orders query results.
type SortField struct {
	Field string
	Desc  bool
}

// Query configures Find.
type Query struct {
	Filter Filter
	Sort   []SortField

	// Skip is the number of documents to skip.
	Skip int

	// Limit is the maximum number of documents to return. Zero means no limit.
	Limit int
}

// Store is the document storage contract used by the lifecycle engine.
type Store interface {
	// Materialize creates the backing collection and unique indexes.
	Materialize(ctx context.Context, coll Collection, uniques []string) error

	// FindExisting returns the subset of ids that exist in the collection.
	FindExisting(ctx context.Context, coll Collection, ids []string) ([]string, error)

	// Find returns matching documents, each carrying its "id".
	Find(ctx context.Context, coll Collection, q Query) ([]map[string]any, error)

	// Count returns the number of matching documents.
	Count(ctx context.Context, coll Collection, f Filter) (int64, error)

	// Insert stores a new document and returns its id.
	Insert(ctx context.Context, coll Collection, doc map[string]any) (string, error)

	// UpdateFields sets the given fields. A nil value unsets the field.
	UpdateFields(ctx context.Context, coll Collection, id string, set map[string]any) error

	// PullFromArray removes value from the array field of a document. It
	// returns ErrNotFound when the document does not exist and does nothing
	// when the field is absent or not an array.
	PullFromArray(ctx context.Context, coll Collection, id, field string, value any) error

	// Delete removes a document.
	Delete(ctx context.Context, coll Collection, id string) error

	// Close releases the underlying resources.
	Close() error
}

// DuplicateKeyError is returned when a write violates a unique index.
type DuplicateKeyError struct {
	Collection string
	Field      string
	Err        error
}

func (e *DuplicateKeyError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("storage: duplicate key in %s", e.Collection)
	}
	return fmt.Sprintf("storage: duplicate key in %s on %q", e.Collection, e.Field)
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// IsDuplicateKey reports whether err is a duplicate-key error.
func IsDuplicateKey(err error) (*DuplicateKeyError, bool) {
	var dup *DuplicateKeyError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}

// NewID returns a new time-ordered entity id (UUIDv7, hex without dashes).
func NewID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// Normalize round-trips v through JSON so that stored and queried values share
// one representation: numbers become float64, dates RFC 3339 strings, slices []any.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

// encodeDoc serializes a document without its id.
func encodeDoc(doc map[string]any) ([]byte, error) {
	body := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "id" || k == DiscriminatorColumn {
			continue
		}
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

func decodeDoc(id string, data []byte) (map[string]any, error) {
	doc := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", id, err)
		}
	}
	doc["id"] = id
	return doc, nil
}
