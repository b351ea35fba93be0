// Package graph derives the reference graph between datatypes from their ref
// fields. A Graph is an immutable snapshot; Holder swaps snapshots atomically
// when the datatype set changes.
package graph

import (
	"sort"
	"sync/atomic"

	"github.com/artpar/entigate/core/schema"
)

// Edge is a reference from a field of one datatype to another datatype.
type Edge struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Field    string          `json:"field"`
	Many     bool            `json:"many"`
	OnDelete schema.OnDelete `json:"on_delete"`
}

// Graph indexes reference edges by source and by target.
type Graph struct {
	outgoing map[string][]Edge
	incoming map[string][]Edge
}

// Build derives the graph from datatype definitions. Edges keep the load
// order of the definitions and the declaration order of fields.
func Build(types []schema.Datatype) *Graph {
	g := &Graph{
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
	}

	for _, dt := range types {
		for _, f := range dt.Fields {
			if !f.IsRef() || f.To == "" {
				continue
			}
			e := Edge{
				From:     dt.Key,
				To:       f.To,
				Field:    f.Key,
				Many:     f.Many(),
				OnDelete: f.DeletePolicy(),
			}
			g.outgoing[e.From] = append(g.outgoing[e.From], e)
			g.incoming[e.To] = append(g.incoming[e.To], e)
		}
	}

	return g
}

// Outgoing returns the edges declared by a datatype.
func (g *Graph) Outgoing(typeKey string) []Edge {
	return g.outgoing[typeKey]
}

// Incoming returns the edges pointing at a datatype.
func (g *Graph) Incoming(typeKey string) []Edge {
	return g.incoming[typeKey]
}

// Edge returns the outgoing edge for a field of a datatype.
func (g *Graph) Edge(typeKey, field string) (Edge, bool) {
	for _, e := range g.outgoing[typeKey] {
		if e.Field == field {
			return e, true
		}
	}
	return Edge{}, false
}

// Edges returns every edge ordered by source, then field.
func (g *Graph) Edges() []Edge {
	var out []Edge
	keys := make([]string, 0, len(g.outgoing))
	for k := range g.outgoing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, g.outgoing[k]...)
	}
	return out
}

// Holder publishes the current graph. Rebuilds may run concurrently; the last
// writer wins.
type Holder struct {
	current atomic.Pointer[Graph]
}

// NewHolder creates a holder with an empty graph.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(Build(nil))
	return h
}

// Rebuild replaces the graph with one built from types.
func (h *Holder) Rebuild(types []schema.Datatype) {
	h.current.Store(Build(types))
}

// Get returns the current graph.
func (h *Holder) Get() *Graph {
	return h.current.Load()
}
