package jsonapi

// DocumentBuilder builds Documents.
type DocumentBuilder struct {
	doc Document
}

// NewDocument starts an empty document.
func NewDocument() *DocumentBuilder {
	return &DocumentBuilder{}
}

// Data sets the primary data.
func (b *DocumentBuilder) Data(data any) *DocumentBuilder {
	b.doc.Data = data
	return b
}

// DataResource sets a single resource as primary data.
func (b *DocumentBuilder) DataResource(r Resource) *DocumentBuilder {
	b.doc.Data = r
	return b
}

// DataCollection sets a resource collection as primary data. A nil slice is
// encoded as an empty array.
func (b *DocumentBuilder) DataCollection(resources []Resource) *DocumentBuilder {
	if resources == nil {
		resources = []Resource{}
	}
	b.doc.Data = resources
	return b
}

// Errors appends error objects.
func (b *DocumentBuilder) Errors(errs ...Error) *DocumentBuilder {
	b.doc.Errors = append(b.doc.Errors, errs...)
	return b
}

// Meta sets one top-level meta entry.
func (b *DocumentBuilder) Meta(key string, value any) *DocumentBuilder {
	if b.doc.Meta == nil {
		b.doc.Meta = make(Meta)
	}
	b.doc.Meta[key] = value
	return b
}

// MetaAll merges meta entries.
func (b *DocumentBuilder) MetaAll(meta Meta) *DocumentBuilder {
	for k, v := range meta {
		b.Meta(k, v)
	}
	return b
}

// Pagination adds pagination links and meta.
func (b *DocumentBuilder) Pagination(p *Pagination) *DocumentBuilder {
	if p == nil {
		return b
	}
	b.doc.Links = p.Links()
	return b.MetaAll(p.Meta())
}

// JSONAPI adds the version object.
func (b *DocumentBuilder) JSONAPI() *DocumentBuilder {
	b.doc.JSONAPI = &JSONAPI{Version: Version}
	return b
}

// Build returns the document.
func (b *DocumentBuilder) Build() Document {
	return b.doc
}

// NewSingleResourceDocument wraps one resource.
func NewSingleResourceDocument(r Resource) Document {
	return NewDocument().DataResource(r).Build()
}

// NewCollectionDocument wraps a collection with optional pagination.
func NewCollectionDocument(resources []Resource, p *Pagination) Document {
	return NewDocument().DataCollection(resources).Pagination(p).Build()
}

// NewErrorDocument wraps error objects.
func NewErrorDocument(errs ...Error) Document {
	return NewDocument().Errors(errs...).Build()
}
