// Package integrity enforces referential integrity between entities using
// the reference graph: referenced ids must exist when written, and deleting
// an entity applies the on-delete policy of every reference pointing at it.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/convention"
	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/graph"
	"github.com/artpar/entigate/core/schema"
	"github.com/artpar/entigate/core/storage"
)

// Definitions resolves published datatypes.
type Definitions interface {
	Derived(key string) (convention.Derived, error)
}

// Config configures a Checker.
type Config struct {
	Definitions Definitions
	Graph       *graph.Holder
	Store       storage.Store
	Logger      zerolog.Logger
}

// Checker checks reference existence and applies delete policies.
type Checker struct {
	defs   Definitions
	graph  *graph.Holder
	store  storage.Store
	logger zerolog.Logger
}

// NewChecker creates a checker.
func NewChecker(cfg Config) *Checker {
	return &Checker{
		defs:   cfg.Definitions,
		graph:  cfg.Graph,
		store:  cfg.Store,
		logger: cfg.Logger,
	}
}

// CheckRefsExist verifies that every non-null ref value in payload points at
// an existing entity. Each ref field costs one batched lookup.
func (c *Checker) CheckRefsExist(ctx context.Context, typeKey string, payload map[string]any) error {
	for _, e := range c.graph.Get().Outgoing(typeKey) {
		raw, ok := payload[e.Field]
		if !ok || raw == nil {
			continue
		}
		ids := RefIDs(raw)
		if len(ids) == 0 {
			continue
		}

		target, err := c.defs.Derived(e.To)
		if err != nil {
			return fmt.Errorf("ref %s.%s: %w", typeKey, e.Field, err)
		}

		found, err := c.store.FindExisting(ctx, target.Collection, ids)
		if err != nil {
			return fmt.Errorf("check refs %s.%s: %w", typeKey, e.Field, err)
		}

		if missing := subtract(ids, found); len(missing) > 0 {
			return &errs.RefMissingError{TypeKey: typeKey, Field: e.Field, Target: e.To, IDs: missing}
		}
	}
	return nil
}

type node struct {
	typeKey string
	id      string
}

type restrictHit struct {
	target    node
	edge      graph.Edge
	referrers []string
}

type nullHit struct {
	edge     graph.Edge
	coll     storage.Collection
	referrer string
	target   string
}

type cascadeHit struct {
	node
	coll storage.Collection
}

// ApplyDeletePolicy prepares the deletion of (typeKey, id): it plans the full
// cascade closure, fails with a RefRestrictError if any restricting referrer
// lies outside that closure, then nulls setNull references and deletes the
// cascaded entities. The root entity itself is left for the caller to delete.
func (c *Checker) ApplyDeletePolicy(ctx context.Context, typeKey, id string) error {
	g := c.graph.Get()
	root := node{typeKey: typeKey, id: id}
	visited := map[node]bool{root: true}
	queue := []node{root}

	var (
		restricts []restrictHit
		nulls     []nullHit
		cascades  []cascadeHit
	)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		for _, e := range g.Incoming(n.typeKey) {
			src, err := c.defs.Derived(e.From)
			if errors.Is(err, errs.ErrUnpublishedType) || errors.Is(err, errs.ErrUnknownType) {
				// No storage, no referrers.
				continue
			}
			if err != nil {
				return err
			}

			referrers, err := c.referrers(ctx, src.Collection, e.Field, n.id)
			if err != nil {
				return err
			}
			if len(referrers) == 0 {
				continue
			}

			switch e.OnDelete {
			case schema.OnDeleteCascade:
				for _, rid := range referrers {
					child := node{typeKey: e.From, id: rid}
					if visited[child] {
						continue
					}
					visited[child] = true
					queue = append(queue, child)
					cascades = append(cascades, cascadeHit{node: child, coll: src.Collection})
				}
			case schema.OnDeleteSetNull:
				for _, rid := range referrers {
					nulls = append(nulls, nullHit{edge: e, coll: src.Collection, referrer: rid, target: n.id})
				}
			default:
				restricts = append(restricts, restrictHit{target: n, edge: e, referrers: referrers})
			}
		}
	}

	// Referrers deleted by the same cascade never block it.
	for _, r := range restricts {
		blocking := 0
		for _, rid := range r.referrers {
			if !visited[node{typeKey: r.edge.From, id: rid}] {
				blocking++
			}
		}
		if blocking > 0 {
			return &errs.RefRestrictError{
				TypeKey:      r.target.typeKey,
				ID:           r.target.id,
				ReferrerType: r.edge.From,
				Field:        r.edge.Field,
				Count:        blocking,
			}
		}
	}

	nulled := 0
	for _, h := range nulls {
		if visited[node{typeKey: h.edge.From, id: h.referrer}] {
			continue
		}
		var err error
		if h.edge.Many {
			err = c.store.PullFromArray(ctx, h.coll, h.referrer, h.edge.Field, h.target)
		} else {
			err = c.store.UpdateFields(ctx, h.coll, h.referrer, map[string]any{h.edge.Field: nil})
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("unset %s.%s on %s: %w", h.edge.From, h.edge.Field, h.referrer, err)
		}
		nulled++
	}

	// Deepest first.
	for i := len(cascades) - 1; i >= 0; i-- {
		h := cascades[i]
		if err := c.store.Delete(ctx, h.coll, h.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("cascade delete %s %s: %w", h.typeKey, h.id, err)
		}
	}

	if len(cascades) > 0 || nulled > 0 {
		c.logger.Debug().
			Str("type", typeKey).
			Str("id", id).
			Int("cascaded", len(cascades)).
			Int("nulled", nulled).
			Msg("delete policy applied")
	}
	return nil
}

func (c *Checker) referrers(ctx context.Context, coll storage.Collection, field, id string) ([]string, error) {
	docs, err := c.store.Find(ctx, coll, storage.Query{
		Filter: storage.Filter{Fields: map[string]any{field: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("find referrers in %s.%s: %w", coll.Name, field, err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if rid, ok := d["id"].(string); ok {
			ids = append(ids, rid)
		}
	}
	return ids, nil
}

// RefIDs extracts the distinct, non-empty ids of a ref value.
func RefIDs(v any) []string {
	var raw []string
	switch x := v.(type) {
	case string:
		raw = []string{x}
	case []string:
		raw = x
	case []any:
		for _, el := range x {
			if s, ok := el.(string); ok {
				raw = append(raw, s)
			}
		}
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func subtract(ids, found []string) []string {
	have := make(map[string]bool, len(found))
	for _, id := range found {
		have[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
