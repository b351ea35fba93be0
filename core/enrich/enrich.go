// Package enrich resolves referenced entities into read responses.
//
// Enrichment walks the reference graph breadth-first from the returned
// documents. Level 0 follows the "with" fields; deeper levels follow the
// fields listed for that depth in "paths". Every level issues at most one
// batched fetch per target datatype, and documents already fetched in the run
// are reused. Resolved documents are attached under "<field>Resolved".
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/convention"
	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/graph"
	"github.com/artpar/entigate/core/hooks"
	"github.com/artpar/entigate/core/integrity"
	"github.com/artpar/entigate/core/storage"
)

// Limits.
const (
	MaxDepthLimit    = 5
	DefaultFanout    = 50
	DefaultNodeLimit = 500
)

// Definitions resolves published datatypes.
type Definitions interface {
	Derived(key string) (convention.Derived, error)
}

// Observer is notified after every enrichment run.
type Observer interface {
	ObserveEnrichment(typeKey string, stats Stats)
}

// Options drive one enrichment run.
type Options struct {
	// With lists the ref fields to resolve on the root documents.
	With []string

	// Paths lists, per depth ≥ 1, the ref fields to resolve on documents
	// resolved at the previous depth.
	Paths map[int][]string

	// MaxDepth bounds the traversal. Zero derives it from Paths. Clamped to
	// MaxDepthLimit.
	MaxDepth int

	// Fanout caps the ids resolved per field per document. Values above the
	// enricher's configured fanout are clamped to it.
	Fanout int

	// NodeLimit caps the resolved documents of the whole run. Clamped to the
	// configured node limit.
	NodeLimit int

	// Project keeps only the listed keys (plus id) of documents resolved
	// through the named field.
	Project map[string][]string
}

// Empty reports whether the options request no enrichment.
func (o Options) Empty() bool {
	return len(o.With) == 0
}

// Stats describes an enrichment run.
type Stats struct {
	Nodes     int
	Fetches   int
	Truncated bool
}

// Config configures an Enricher.
type Config struct {
	Definitions Definitions
	Graph       *graph.Holder
	Store       storage.Store
	Logger      zerolog.Logger
	Observer    Observer

	// Fanout and NodeLimit are ceilings. Runs may ask for less, never more.
	Fanout    int
	NodeLimit int
}

// Enricher resolves references.
type Enricher struct {
	defs      Definitions
	graph     *graph.Holder
	store     storage.Store
	logger    zerolog.Logger
	observer  Observer
	fanout    int
	nodeLimit int
}

// New creates an enricher.
func New(cfg Config) *Enricher {
	e := &Enricher{
		defs:      cfg.Definitions,
		graph:     cfg.Graph,
		store:     cfg.Store,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		fanout:    cfg.Fanout,
		nodeLimit: cfg.NodeLimit,
	}
	if e.fanout <= 0 {
		e.fanout = DefaultFanout
	}
	if e.nodeLimit <= 0 {
		e.nodeLimit = DefaultNodeLimit
	}
	return e
}

type cacheKey struct {
	typeKey string
	id      string
}

type node struct {
	typeKey string
	doc     map[string]any
}

type attachment struct {
	owner node
	edge  graph.Edge
	ids   []string
}

// clampLimit applies a per-run limit. A request may lower the configured
// ceiling but never raise it.
func clampLimit(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

// Enrich resolves references of the documents in hc.Result and returns the
// context. A context without a result is returned unchanged.
func (e *Enricher) Enrich(ctx context.Context, hc hooks.Context, opts Options) (hooks.Context, error) {
	docs := hc.ResultDocs()
	if len(docs) == 0 {
		return hc, nil
	}
	if _, err := e.EnrichDocs(ctx, hc.Meta.TypeKey, docs, opts); err != nil {
		return hc, err
	}
	return hc, nil
}

// EnrichDocs resolves references of docs (documents of typeKey) in place.
func (e *Enricher) EnrichDocs(ctx context.Context, typeKey string, docs []map[string]any, opts Options) (Stats, error) {
	var stats Stats
	if opts.Empty() || len(docs) == 0 {
		return stats, nil
	}

	fanout := clampLimit(opts.Fanout, e.fanout)
	nodeLimit := clampLimit(opts.NodeLimit, e.nodeLimit)
	maxDepth := effectiveDepth(opts)

	g := e.graph.Get()
	cache := make(map[cacheKey]map[string]any)
	attempted := make(map[cacheKey]bool)

	current := make([]node, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			current = append(current, node{typeKey: typeKey, doc: d})
		}
	}

	for depth := 0; depth <= maxDepth && len(current) > 0; depth++ {
		fields := fieldsAt(opts, depth)
		if len(fields) == 0 {
			break
		}

		// Plan: collect ids per owner and uncached ids per target type.
		var attachments []attachment
		need := make(map[string][]string)
		for _, n := range current {
			for _, f := range fields {
				edge, ok := g.Edge(n.typeKey, f)
				if !ok {
					continue
				}
				ids := integrity.RefIDs(n.doc[f])
				if len(ids) == 0 {
					continue
				}
				if len(ids) > fanout {
					ids = ids[:fanout]
					markTruncated(n.doc, &stats)
				}
				attachments = append(attachments, attachment{owner: n, edge: edge, ids: ids})
				for _, id := range ids {
					k := cacheKey{typeKey: edge.To, id: id}
					if _, ok := cache[k]; ok || attempted[k] {
						continue
					}
					attempted[k] = true
					need[edge.To] = append(need[edge.To], id)
				}
			}
		}

		// Fetch: one batched query per target type, bounded by the node budget.
		targets := make([]string, 0, len(need))
		for t := range need {
			targets = append(targets, t)
		}
		sort.Strings(targets)

		remaining := nodeLimit - stats.Nodes
		for _, target := range targets {
			ids := need[target]
			if remaining <= 0 {
				forget(attempted, target, ids)
				continue
			}
			if len(ids) > remaining {
				forget(attempted, target, ids[remaining:])
				ids = ids[:remaining]
			}

			fetched, err := e.fetch(ctx, target, ids)
			if err != nil {
				return stats, err
			}
			remaining -= len(ids)
			stats.Fetches++
			for _, doc := range fetched {
				if id, ok := doc["id"].(string); ok {
					cache[cacheKey{typeKey: target, id: id}] = doc
				}
			}
		}

		// Attach resolved documents; they become the next level's nodes.
		var next []node
		for _, a := range attachments {
			resolved := make([]any, 0, len(a.ids))
			for _, id := range a.ids {
				k := cacheKey{typeKey: a.edge.To, id: id}
				doc, ok := cache[k]
				if !ok {
					if !attempted[k] {
						markTruncated(a.owner.doc, &stats)
					}
					continue
				}
				if stats.Nodes >= nodeLimit {
					markTruncated(a.owner.doc, &stats)
					break
				}
				out := project(doc, opts.Project[a.edge.Field])
				stats.Nodes++
				resolved = append(resolved, out)
				next = append(next, node{typeKey: a.edge.To, doc: out})
			}

			key := a.edge.Field + convention.ResolvedSuffix
			if a.edge.Many {
				a.owner.doc[key] = resolved
			} else if len(resolved) > 0 {
				a.owner.doc[key] = resolved[0]
			} else {
				a.owner.doc[key] = nil
			}
		}

		if stats.Nodes >= nodeLimit && depth < maxDepth {
			// Budget spent: nodes that would expand further are cut here.
			for _, n := range next {
				for _, f := range fieldsAt(opts, depth+1) {
					if _, ok := g.Edge(n.typeKey, f); ok && len(integrity.RefIDs(n.doc[f])) > 0 {
						markTruncated(n.doc, &stats)
						break
					}
				}
			}
			break
		}

		current = next
	}

	if e.observer != nil {
		e.observer.ObserveEnrichment(typeKey, stats)
	}
	if stats.Truncated {
		e.logger.Debug().
			Str("type", typeKey).
			Int("nodes", stats.Nodes).
			Msg("enrichment truncated")
	}
	return stats, nil
}

func (e *Enricher) fetch(ctx context.Context, typeKey string, ids []string) ([]map[string]any, error) {
	d, err := e.defs.Derived(typeKey)
	if errors.Is(err, errs.ErrUnpublishedType) || errors.Is(err, errs.ErrUnknownType) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	docs, err := e.store.Find(ctx, d.Collection, storage.Query{Filter: storage.Filter{IDs: ids}})
	if err != nil {
		return nil, fmt.Errorf("enrich %s: %w", typeKey, err)
	}
	return docs, nil
}

func effectiveDepth(opts Options) int {
	depth := opts.MaxDepth
	if depth <= 0 {
		for d := range opts.Paths {
			if d > depth {
				depth = d
			}
		}
	}
	if depth > MaxDepthLimit {
		depth = MaxDepthLimit
	}
	return depth
}

func fieldsAt(opts Options, depth int) []string {
	if depth == 0 {
		return opts.With
	}
	return opts.Paths[depth]
}

// forget un-marks ids that were planned but not fetched, so owners of those
// ids are flagged truncated instead of treated as dangling.
func forget(attempted map[cacheKey]bool, typeKey string, ids []string) {
	for _, id := range ids {
		delete(attempted, cacheKey{typeKey: typeKey, id: id})
	}
}

func markTruncated(doc map[string]any, stats *Stats) {
	doc[convention.TruncatedKey] = true
	stats.Truncated = true
}

// project copies doc, keeping only id and keys when keys is non-empty.
func project(doc map[string]any, keys []string) map[string]any {
	if len(keys) == 0 {
		out := make(map[string]any, len(doc))
		for k, v := range doc {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(keys)+1)
	out["id"] = doc["id"]
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	return out
}
