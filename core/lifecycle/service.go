// Package lifecycle runs entity operations for published datatypes.
//
// Every operation follows the same shape: resolve the datatype, run the
// before-phase hooks, validate and coerce, enforce uniqueness and
// referential integrity, touch storage, run the after-phase hooks and shape
// the response. Successful writes are published on the events bus.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/compiler"
	"github.com/artpar/entigate/core/convention"
	"github.com/artpar/entigate/core/enrich"
	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/events"
	"github.com/artpar/entigate/core/graph"
	"github.com/artpar/entigate/core/hooks"
	"github.com/artpar/entigate/core/integrity"
	"github.com/artpar/entigate/core/schema"
	"github.com/artpar/entigate/core/storage"
)

// Operation names.
const (
	OpCreate = "create"
	OpGet    = "get"
	OpUpdate = "update"
	OpDelete = "delete"
	OpList   = "list"
)

// DefaultListLimit applies when a list query sets no limit.
const DefaultListLimit = 100

// Definitions resolves published datatypes.
type Definitions interface {
	Derived(key string) (convention.Derived, error)
}

// Observer is notified after every operation.
type Observer interface {
	ObserveOperation(typeKey, operation string, elapsed time.Duration, err error)
}

// Config configures a Service.
type Config struct {
	Definitions Definitions
	Store       storage.Store

	// Graph is the reference graph shared with the definition registry.
	// A nil graph gets a private holder fed by Reload.
	Graph *graph.Holder

	// Cache holds compiled validators. Nil creates a default-size cache.
	Cache *compiler.Cache

	// Actions receives the built-in hook actions. Nil creates a registry.
	Actions *hooks.Registry

	// Events receives lifecycle events. Optional.
	Events *events.Bus

	// Observer receives operation timings. Optional.
	Observer Observer

	// StepObserver receives hook step timings. Optional.
	StepObserver hooks.StepObserver

	// EnrichObserver receives enrichment stats. Optional.
	EnrichObserver enrich.Observer

	// Fanout and NodeLimit default the enrichment ceilings.
	Fanout    int
	NodeLimit int

	Logger zerolog.Logger
}

// Service executes entity operations.
type Service struct {
	defs     Definitions
	store    storage.Store
	graph    *graph.Holder
	cache    *compiler.Cache
	engine   *hooks.Engine
	checker  *integrity.Checker
	enricher *enrich.Enricher
	bus      *events.Bus
	observer Observer
	logger   zerolog.Logger
}

// ReadOptions configure Get.
type ReadOptions struct {
	Enrich enrich.Options
}

// ListQuery configures List.
type ListQuery struct {
	// Filter holds field equality matches, coerced per field type. Array
	// fields match on one element. Unknown keys are dropped.
	Filter map[string]any

	Sort  []storage.SortField
	Skip  int
	Limit int

	Enrich enrich.Options
}

// ListResult is a page of entities.
type ListResult struct {
	Items []map[string]any
	Total int64
}

// New creates a service and registers the built-in hook actions
// (validate, enrich, set, emit).
func New(cfg Config) (*Service, error) {
	if cfg.Definitions == nil {
		return nil, fmt.Errorf("lifecycle: definitions are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycle: store is required")
	}

	cache := cfg.Cache
	if cache == nil {
		var err error
		if cache, err = compiler.NewCache(compiler.DefaultCacheSize); err != nil {
			return nil, err
		}
	}
	holder := cfg.Graph
	if holder == nil {
		holder = graph.NewHolder()
	}

	s := &Service{
		defs:     cfg.Definitions,
		store:    cfg.Store,
		graph:    holder,
		cache:    cache,
		bus:      cfg.Events,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
	s.engine = hooks.NewEngine(hooks.Config{
		Registry: cfg.Actions,
		Logger:   cfg.Logger,
		Observer: cfg.StepObserver,
	})
	s.checker = integrity.NewChecker(integrity.Config{
		Definitions: cfg.Definitions,
		Graph:       holder,
		Store:       cfg.Store,
		Logger:      cfg.Logger,
	})
	s.enricher = enrich.New(enrich.Config{
		Definitions: cfg.Definitions,
		Graph:       holder,
		Store:       cfg.Store,
		Logger:      cfg.Logger,
		Observer:    cfg.EnrichObserver,
		Fanout:      cfg.Fanout,
		NodeLimit:   cfg.NodeLimit,
	})

	if err := s.registerBuiltins(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the hook store and reference graph from the full
// definition set and drops compiled validators. Register it as a registry
// change listener.
func (s *Service) Reload(types []schema.Datatype) {
	s.graph.Rebuild(types)
	s.engine.Reload(types)
	s.cache.Purge()
}

// Engine returns the hook engine.
func (s *Service) Engine() *hooks.Engine { return s.engine }

// Actions returns the hook action registry.
func (s *Service) Actions() *hooks.Registry { return s.engine.Registry() }

// Checker returns the integrity checker.
func (s *Service) Checker() *integrity.Checker { return s.checker }

// Enricher returns the relation enricher.
func (s *Service) Enricher() *enrich.Enricher { return s.enricher }

// Create validates payload and stores a new entity.
func (s *Service) Create(ctx context.Context, typeKey string, payload map[string]any) (doc map[string]any, err error) {
	defer s.observe(typeKey, OpCreate, time.Now(), &err)

	d, err := s.defs.Derived(typeKey)
	if err != nil {
		return nil, err
	}
	v, err := s.cache.Get(d.Source, compiler.ModeCreate)
	if err != nil {
		return nil, err
	}

	hc, err := s.engine.RunPhase(ctx, typeKey, schema.BeforeCreate, hooks.Context{Payload: clonePayload(payload)})
	if err != nil {
		return nil, err
	}

	res := v.Validate(hc.Payload)
	if !res.OK() {
		return nil, res.Err(typeKey)
	}
	if err := s.checkUnique(ctx, d, res.Value, ""); err != nil {
		return nil, err
	}
	if err := s.checker.CheckRefsExist(ctx, typeKey, res.Value); err != nil {
		return nil, err
	}

	id, err := s.store.Insert(ctx, d.Collection, res.Value)
	if err != nil {
		return nil, s.storageError(d, OpCreate, res.Value, err)
	}

	stored, err := s.fetch(ctx, d, id)
	if err != nil {
		return nil, err
	}

	hc, err = s.engine.RunPhase(ctx, typeKey, schema.AfterCreate, hooks.Context{Payload: hc.Payload, Result: stored})
	if err != nil {
		return nil, err
	}

	doc = shapeResult(d.Source, hc.Result)
	s.publish(ctx, typeKey, events.Created, id, doc)
	return doc, nil
}

// Get returns one entity.
func (s *Service) Get(ctx context.Context, typeKey, id string, opts ReadOptions) (doc map[string]any, err error) {
	defer s.observe(typeKey, OpGet, time.Now(), &err)

	d, err := s.defs.Derived(typeKey)
	if err != nil {
		return nil, err
	}

	hc, err := s.engine.RunPhase(ctx, typeKey, schema.BeforeGet, hooks.Context{Payload: map[string]any{"id": id}})
	if err != nil {
		return nil, err
	}
	id = payloadID(hc.Payload, id)

	stored, err := s.fetch(ctx, d, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.enricher.EnrichDocs(ctx, typeKey, []map[string]any{stored}, opts.Enrich); err != nil {
		return nil, err
	}

	hc, err = s.engine.RunPhase(ctx, typeKey, schema.AfterGet, hooks.Context{Payload: hc.Payload, Result: stored})
	if err != nil {
		return nil, err
	}
	return shapeResult(d.Source, hc.Result), nil
}

// Update applies a partial update. A nil value unsets the field.
func (s *Service) Update(ctx context.Context, typeKey, id string, payload map[string]any) (doc map[string]any, err error) {
	defer s.observe(typeKey, OpUpdate, time.Now(), &err)

	d, err := s.defs.Derived(typeKey)
	if err != nil {
		return nil, err
	}
	v, err := s.cache.Get(d.Source, compiler.ModeUpdate)
	if err != nil {
		return nil, err
	}

	in := clonePayload(payload)
	in["id"] = id
	hc, err := s.engine.RunPhase(ctx, typeKey, schema.BeforeUpdate, hooks.Context{Payload: in})
	if err != nil {
		return nil, err
	}
	id = payloadID(hc.Payload, id)

	res := v.Validate(hc.Payload)
	if !res.OK() {
		return nil, res.Err(typeKey)
	}
	if _, err := s.fetch(ctx, d, id); err != nil {
		return nil, err
	}
	if err := s.checkUnique(ctx, d, res.Value, id); err != nil {
		return nil, err
	}
	if err := s.checker.CheckRefsExist(ctx, typeKey, res.Value); err != nil {
		return nil, err
	}

	if len(res.Value) > 0 {
		if err := s.store.UpdateFields(ctx, d.Collection, id, res.Value); err != nil {
			return nil, s.storageError(d, OpUpdate, res.Value, err, id)
		}
	}

	stored, err := s.fetch(ctx, d, id)
	if err != nil {
		return nil, err
	}

	hc, err = s.engine.RunPhase(ctx, typeKey, schema.AfterUpdate, hooks.Context{Payload: hc.Payload, Result: stored})
	if err != nil {
		return nil, err
	}

	doc = shapeResult(d.Source, hc.Result)
	s.publish(ctx, typeKey, events.Updated, id, doc)
	return doc, nil
}

// Delete removes an entity after applying the delete policies of every
// reference pointing at it.
func (s *Service) Delete(ctx context.Context, typeKey, id string) (err error) {
	defer s.observe(typeKey, OpDelete, time.Now(), &err)

	d, err := s.defs.Derived(typeKey)
	if err != nil {
		return err
	}

	hc, err := s.engine.RunPhase(ctx, typeKey, schema.BeforeDelete, hooks.Context{Payload: map[string]any{"id": id}})
	if err != nil {
		return err
	}
	id = payloadID(hc.Payload, id)

	stored, err := s.fetch(ctx, d, id)
	if err != nil {
		return err
	}
	if err := s.checker.ApplyDeletePolicy(ctx, typeKey, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, d.Collection, id); err != nil {
		return s.storageError(d, OpDelete, nil, err, id)
	}

	if _, err := s.engine.RunPhase(ctx, typeKey, schema.AfterDelete, hooks.Context{Payload: hc.Payload, Result: stored}); err != nil {
		return err
	}

	s.publish(ctx, typeKey, events.Deleted, id, convention.Shape(d.Source, stored))
	return nil
}

// List returns a page of entities and the total match count.
func (s *Service) List(ctx context.Context, typeKey string, q ListQuery) (out ListResult, err error) {
	defer s.observe(typeKey, OpList, time.Now(), &err)

	d, err := s.defs.Derived(typeKey)
	if err != nil {
		return ListResult{}, err
	}
	v, err := s.cache.Get(d.Source, compiler.ModeUpdate)
	if err != nil {
		return ListResult{}, err
	}

	res := v.Filter(q.Filter)
	if !res.OK() {
		return ListResult{}, res.Err(typeKey)
	}

	hc, err := s.engine.RunPhase(ctx, typeKey, schema.BeforeList, hooks.Context{Payload: res.Value})
	if err != nil {
		return ListResult{}, err
	}

	filter := storage.Filter{Fields: hc.Payload}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	items, err := s.store.Find(ctx, d.Collection, storage.Query{
		Filter: filter,
		Sort:   sortable(d.Source, q.Sort),
		Skip:   q.Skip,
		Limit:  limit,
	})
	if err != nil {
		return ListResult{}, s.storageError(d, OpList, nil, err)
	}
	total, err := s.store.Count(ctx, d.Collection, filter)
	if err != nil {
		return ListResult{}, s.storageError(d, OpList, nil, err)
	}
	if items == nil {
		items = []map[string]any{}
	}

	if _, err := s.enricher.EnrichDocs(ctx, typeKey, items, q.Enrich); err != nil {
		return ListResult{}, err
	}

	hc, err = s.engine.RunPhase(ctx, typeKey, schema.AfterList, hooks.Context{Payload: hc.Payload, Result: items})
	if err != nil {
		return ListResult{}, err
	}

	return ListResult{Items: convention.ShapeAll(d.Source, hc.ResultDocs()), Total: total}, nil
}

func (s *Service) fetch(ctx context.Context, d convention.Derived, id string) (map[string]any, error) {
	docs, err := s.store.Find(ctx, d.Collection, storage.Query{Filter: storage.Filter{IDs: []string{id}}, Limit: 1})
	if err != nil {
		return nil, s.storageError(d, OpGet, nil, err, id)
	}
	if len(docs) == 0 {
		return nil, &errs.NotFoundError{TypeKey: d.Source.Key, ID: id}
	}
	return docs[0], nil
}

// checkUnique rejects values already held by another entity. excludeID is
// the entity being updated.
func (s *Service) checkUnique(ctx context.Context, d convention.Derived, value map[string]any, excludeID string) error {
	for _, field := range d.Uniques {
		v, ok := value[field]
		if !ok || v == nil {
			continue
		}
		n, err := s.store.Count(ctx, d.Collection, storage.Filter{
			Fields: map[string]any{field: v},
			NotID:  excludeID,
		})
		if err != nil {
			return fmt.Errorf("unique check %s.%s: %w", d.Source.Key, field, err)
		}
		if n > 0 {
			return &errs.UniqueViolationError{TypeKey: d.Source.Key, Field: field, Value: v}
		}
	}
	return nil
}

// storageError maps storage failures to domain errors. A duplicate key that
// slipped past the pre-check becomes a UniqueViolationError.
func (s *Service) storageError(d convention.Derived, op string, value map[string]any, err error, id ...string) error {
	if dup, ok := storage.IsDuplicateKey(err); ok {
		return &errs.UniqueViolationError{TypeKey: d.Source.Key, Field: dup.Field, Value: value[dup.Field]}
	}
	if errors.Is(err, storage.ErrNotFound) && len(id) > 0 {
		return &errs.NotFoundError{TypeKey: d.Source.Key, ID: id[0]}
	}

	s.logger.Error().
		Err(err).
		Str("type", d.Source.Key).
		Str("operation", op).
		Msg("storage failure")
	return fmt.Errorf("%s %s: %w", op, d.Source.Key, err)
}

func (s *Service) publish(ctx context.Context, typeKey, suffix, id string, doc map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.Event{
		Name:    events.Name(typeKey, suffix),
		TypeKey: typeKey,
		ID:      id,
		Data:    doc,
	})
}

func (s *Service) observe(typeKey, op string, start time.Time, errp *error) {
	err := *errp
	if s.observer != nil {
		s.observer.ObserveOperation(typeKey, op, time.Since(start), err)
	}
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("type", typeKey).
			Str("operation", op).
			Msg("operation failed")
	}
}

// sortable keeps sort keys naming "id" or a declared scalar field.
func sortable(dt schema.Datatype, in []storage.SortField) []storage.SortField {
	out := make([]storage.SortField, 0, len(in))
	for _, sf := range in {
		if sf.Field == "id" {
			out = append(out, sf)
			continue
		}
		if f, ok := dt.Field(sf.Field); ok && !f.Many() {
			out = append(out, sf)
		}
	}
	return out
}

func shapeResult(dt schema.Datatype, result any) map[string]any {
	doc, _ := result.(map[string]any)
	return convention.Shape(dt, doc)
}

func payloadID(payload map[string]any, fallback string) string {
	if id, ok := payload["id"].(string); ok && id != "" {
		return id
	}
	return fallback
}

func clonePayload(payload map[string]any) map[string]any {
	out, _ := hooks.DeepClone(payload).(map[string]any)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}
