package jsonapi

// TruncatedKey is the document key that flags cut-short enrichment. It is
// moved from the attributes into the resource meta.
const TruncatedKey = "_truncated"

// ResourceFromDoc converts an entity document into a resource. The "id"
// key becomes the resource id; every other key is an attribute.
func ResourceFromDoc(typeKey string, doc map[string]any) Resource {
	r := Resource{Type: typeKey, Attributes: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case "id":
			r.ID, _ = v.(string)
		case TruncatedKey:
			if truncated, _ := v.(bool); truncated {
				r.Meta = Meta{"truncated": true}
			}
		default:
			r.Attributes[k] = v
		}
	}
	return r
}

// ResourcesFromDocs converts a list of entity documents, keeping order.
func ResourcesFromDocs(typeKey string, docs []map[string]any) []Resource {
	out := make([]Resource, len(docs))
	for i, doc := range docs {
		out[i] = ResourceFromDoc(typeKey, doc)
	}
	return out
}
