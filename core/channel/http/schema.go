package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/entigate/core/convention"
	"github.com/artpar/entigate/core/graph"
	"github.com/artpar/entigate/core/schema"
	"github.com/artpar/entigate/pkg/jsonapi"
)

// Catalog lists datatype definitions.
type Catalog interface {
	All() []schema.Datatype
	Derived(key string) (convention.Derived, error)
}

// HookSteps resolves the effective hook steps of a datatype phase.
type HookSteps interface {
	Steps(typeKey string, phase schema.HookPhase) []schema.HookStep
}

// SchemaHandler serves datatype introspection.
type SchemaHandler struct {
	catalog Catalog
	graph   *graph.Holder
	hooks   HookSteps
}

// NewSchemaHandler creates a schema handler. graph and hooks may be nil.
func NewSchemaHandler(catalog Catalog, g *graph.Holder, hooks HookSteps) *SchemaHandler {
	return &SchemaHandler{catalog: catalog, graph: g, hooks: hooks}
}

// Routes returns a router with all schema routes.
func (h *SchemaHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.listTypes)
	r.Get("/{type}", h.getType)
	return r
}

type typeSummary struct {
	Key     string             `json:"key"`
	Version int                `json:"version"`
	Status  schema.Status      `json:"status"`
	Storage schema.StorageMode `json:"storage"`
	Fields  int                `json:"fields"`
}

// listTypes handles GET /_schema in registration order.
func (h *SchemaHandler) listTypes(w http.ResponseWriter, r *http.Request) {
	all := h.catalog.All()
	summaries := make([]typeSummary, 0, len(all))
	for _, dt := range all {
		summaries = append(summaries, typeSummary{
			Key:     dt.Key,
			Version: dt.Version,
			Status:  dt.Status,
			Storage: dt.Storage,
			Fields:  len(dt.Fields),
		})
	}

	jsonapi.WriteMeta(w, http.StatusOK, jsonapi.Meta{
		"types": summaries,
		"count": len(summaries),
	})
}

// getType handles GET /_schema/{type}. Drafts are listed too; only
// published types report a collection.
func (h *SchemaHandler) getType(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "type")

	var (
		dt    schema.Datatype
		found bool
	)
	for _, candidate := range h.catalog.All() {
		if candidate.Key == key {
			dt, found = candidate, true
			break
		}
	}
	if !found {
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusNotFound, "unknown_type", "Not Found").
			Detailf("unknown type %q", key).
			Build())
		return
	}

	meta := jsonapi.Meta{
		"key":     dt.Key,
		"version": dt.Version,
		"status":  dt.Status,
		"storage": dt.Storage,
		"fields":  dt.Fields,
	}
	if d, err := h.catalog.Derived(key); err == nil {
		meta["collection"] = d.Collection.Name
	}
	if h.graph != nil {
		g := h.graph.Get()
		meta["references"] = nonNilEdges(g.Outgoing(key))
		meta["referrers"] = nonNilEdges(g.Incoming(key))
	}
	if h.hooks != nil {
		phases := make(map[string][]schema.HookStep)
		for _, phase := range schema.Phases {
			if steps := h.hooks.Steps(key, phase); len(steps) > 0 {
				phases[string(phase)] = steps
			}
		}
		meta["hooks"] = phases
	}

	jsonapi.WriteMeta(w, http.StatusOK, meta)
}

func nonNilEdges(edges []graph.Edge) []graph.Edge {
	if edges == nil {
		return []graph.Edge{}
	}
	return edges
}
