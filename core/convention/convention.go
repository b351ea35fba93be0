// Package convention derives storage and response conventions from datatype
// definitions: collection names, unique and ref field lists, and the shape of
// entity documents returned to callers.
package convention

import (
	"strings"

	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/schema"
	"github.com/artpar/entigate/core/storage"
)

// SharedCollection is the collection holding entities of "single" datatypes.
const SharedCollection = "entities"

const (
	// ResolvedSuffix is appended to a ref field key to hold enriched documents.
	ResolvedSuffix = "Resolved"

	// TruncatedKey flags a document whose enrichment hit a limit.
	TruncatedKey = "_truncated"
)

// Derived contains all derived information from a datatype definition.
type Derived struct {
	// Source is the datatype definition.
	Source schema.Datatype

	// Collection addresses the datatype's documents.
	Collection storage.Collection

	// Uniques are the keys of unique fields.
	Uniques []string

	// Refs are the ref fields.
	Refs []schema.Field
}

// Derive expands a datatype into its storage conventions.
func Derive(dt schema.Datatype) (Derived, error) {
	coll, err := Resolve(dt)
	if err != nil {
		return Derived{}, err
	}

	d := Derived{Source: dt, Collection: coll, Refs: dt.RefFields()}
	for _, f := range dt.UniqueFields() {
		d.Uniques = append(d.Uniques, f.Key)
	}
	return d, nil
}

// Resolve returns the collection backing a datatype.
//
//	single:  shared "entities" collection, discriminated by the datatype key
//	perType: snake_case plural of the key ("blogPost" → "blog_posts")
func Resolve(dt schema.Datatype) (storage.Collection, error) {
	if dt.Key == "" {
		return storage.Collection{}, &errs.CollectionError{Reason: "datatype key is empty"}
	}

	switch dt.Storage {
	case schema.StorageSingle:
		return storage.Collection{Name: SharedCollection, TypeKey: dt.Key, Discriminator: dt.Key}, nil
	case schema.StoragePerType, "":
		name := TableName(dt.Key)
		if name == SharedCollection {
			return storage.Collection{}, &errs.CollectionError{
				TypeKey: dt.Key,
				Reason:  "collection name collides with the shared collection",
			}
		}
		return storage.Collection{Name: name, TypeKey: dt.Key}, nil
	default:
		return storage.Collection{}, &errs.CollectionError{
			TypeKey: dt.Key,
			Reason:  "unknown storage mode " + string(dt.Storage),
		}
	}
}

// TableName returns the dedicated collection name for a datatype key.
func TableName(key string) string {
	snake := snakeCase(key)
	i := strings.LastIndexByte(snake, '_')
	return snake[:i+1] + Pluralize(snake[i+1:])
}

// Shape maps a stored document to the response shape: the id, declared
// fields and enrichment output. Anything else in the document is dropped.
func Shape(dt schema.Datatype, doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}

	out := make(map[string]any, len(doc))
	if id, ok := doc["id"]; ok {
		out["id"] = id
	}
	for _, f := range dt.Fields {
		if v, ok := doc[f.Key]; ok {
			out[f.Key] = v
		}
		if v, ok := doc[f.Key+ResolvedSuffix]; ok {
			out[f.Key+ResolvedSuffix] = v
		}
	}
	if v, ok := doc[TruncatedKey]; ok {
		out[TruncatedKey] = v
	}
	return out
}

// ShapeAll applies Shape to every document.
func ShapeAll(dt schema.Datatype, docs []map[string]any) []map[string]any {
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		out[i] = Shape(dt, doc)
	}
	return out
}
