// Package registry holds datatype definitions in load order and tracks their
// publication state. Publishing a datatype materializes its backing collection
// and unique indexes; every change is announced to OnChange listeners so that
// derived structures (reference graph, hook store) can be rebuilt.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/artpar/entigate/core/convention"
	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/schema"
	"github.com/artpar/entigate/core/storage"
)

// Materializer creates backing storage for published datatypes.
type Materializer interface {
	Materialize(ctx context.Context, coll storage.Collection, uniques []string) error
}

// Listener receives the full definition set, in load order, after a change.
type Listener func(types []schema.Datatype)

// Registry manages datatype definitions.
type Registry struct {
	mu sync.RWMutex

	// types by key
	types map[string]convention.Derived

	// order is the load order of keys
	order []string

	// tables maps dedicated collection names to datatype keys
	tables map[string]string

	store     Materializer
	listeners []Listener
}

// New creates a registry that materializes published datatypes in store.
// A nil store skips materialization.
func New(store Materializer) *Registry {
	return &Registry{
		types:  make(map[string]convention.Derived),
		tables: make(map[string]string),
		store:  store,
	}
}

// OnChange registers a listener for definition changes.
func (r *Registry) OnChange(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register adds a datatype at the end of the load order. A datatype that is
// already published is materialized immediately.
func (r *Registry) Register(ctx context.Context, dt schema.Datatype) error {
	dt = dt.Clone()
	dt.Normalize()
	if err := schema.Validate(dt); err != nil {
		return fmt.Errorf("register %q: %w", dt.Key, err)
	}

	derived, err := convention.Derive(dt)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.types[dt.Key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("datatype %q already registered", dt.Key)
	}
	if owner, exists := r.tables[derived.Collection.Name]; exists && !derived.Collection.Shared() {
		r.mu.Unlock()
		return fmt.Errorf("collection %q already claimed by datatype %q", derived.Collection.Name, owner)
	}
	if dt.IsPublished() {
		if err := r.materialize(ctx, derived); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.insert(derived)
	r.mu.Unlock()

	r.notify()
	return nil
}

// Compose replaces the fields of a draft datatype and bumps its version.
func (r *Registry) Compose(key string, fields []schema.Field) error {
	r.mu.Lock()
	current, ok := r.types[key]
	if !ok {
		r.mu.Unlock()
		return errs.UnknownType(key)
	}
	if current.Source.IsPublished() {
		r.mu.Unlock()
		return fmt.Errorf("datatype %q is published; its composition is frozen", key)
	}

	next := current.Source.Clone()
	next.Fields = append([]schema.Field(nil), fields...)
	next.Version++
	next.Normalize()
	if err := schema.Validate(next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("compose %q: %w", key, err)
	}

	derived, err := convention.Derive(next)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.types[key] = derived
	r.mu.Unlock()

	r.notify()
	return nil
}

// Publish freezes a draft and materializes its storage. Publishing a
// published datatype is a no-op.
func (r *Registry) Publish(ctx context.Context, key string) error {
	r.mu.Lock()
	current, ok := r.types[key]
	if !ok {
		r.mu.Unlock()
		return errs.UnknownType(key)
	}
	if current.Source.IsPublished() {
		r.mu.Unlock()
		return nil
	}

	if err := r.materialize(ctx, current); err != nil {
		r.mu.Unlock()
		return err
	}
	current.Source.Status = schema.StatusPublished
	r.types[key] = current
	r.mu.Unlock()

	r.notify()
	return nil
}

// Unregister removes a draft datatype. Published datatypes own stored
// entities and cannot be removed.
func (r *Registry) Unregister(key string) error {
	r.mu.Lock()
	current, ok := r.types[key]
	if !ok {
		r.mu.Unlock()
		return errs.UnknownType(key)
	}
	if current.Source.IsPublished() {
		r.mu.Unlock()
		return fmt.Errorf("datatype %q is published and cannot be removed", key)
	}

	delete(r.types, key)
	delete(r.tables, current.Collection.Name)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notify()
	return nil
}

// Replace swaps the whole definition set, keeping the given order as load
// order. Field keys of previously published datatypes must survive.
func (r *Registry) Replace(ctx context.Context, types []schema.Datatype) error {
	derived := make([]convention.Derived, 0, len(types))
	seen := make(map[string]bool, len(types))
	tables := make(map[string]string)

	for _, dt := range types {
		dt = dt.Clone()
		dt.Normalize()
		if err := schema.Validate(dt); err != nil {
			return fmt.Errorf("replace %q: %w", dt.Key, err)
		}
		if seen[dt.Key] {
			return fmt.Errorf("datatype %q defined twice", dt.Key)
		}
		seen[dt.Key] = true

		d, err := convention.Derive(dt)
		if err != nil {
			return err
		}
		if !d.Collection.Shared() {
			if owner, ok := tables[d.Collection.Name]; ok {
				return fmt.Errorf("collection %q already claimed by datatype %q", d.Collection.Name, owner)
			}
			tables[d.Collection.Name] = dt.Key
		}
		derived = append(derived, d)
	}

	r.mu.Lock()
	for i := range derived {
		if err := r.checkFrozen(derived[i].Source); err != nil {
			r.mu.Unlock()
			return err
		}
		derived[i].Source.Version = r.nextVersion(derived[i].Source)
	}
	for _, d := range derived {
		if d.Source.IsPublished() {
			if err := r.materialize(ctx, d); err != nil {
				r.mu.Unlock()
				return err
			}
		}
	}

	r.types = make(map[string]convention.Derived, len(derived))
	r.tables = make(map[string]string, len(derived))
	r.order = nil
	for _, d := range derived {
		r.insert(d)
	}
	r.mu.Unlock()

	r.notify()
	return nil
}

// LoadDir parses every definition under dir (lexical file order) and
// replaces the registry contents with them.
func (r *Registry) LoadDir(ctx context.Context, dir string) error {
	types, err := schema.ParseDir(dir)
	if err != nil {
		return err
	}
	return r.Replace(ctx, types)
}

// Get returns a datatype by key, whatever its status.
func (r *Registry) Get(key string) (schema.Datatype, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[key]
	return d.Source, ok
}

// GetPublished returns a published datatype.
func (r *Registry) GetPublished(key string) (schema.Datatype, error) {
	d, err := r.Derived(key)
	if err != nil {
		return schema.Datatype{}, err
	}
	return d.Source, nil
}

// Derived returns the derived conventions of a published datatype.
func (r *Registry) Derived(key string) (convention.Derived, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[key]
	if !ok {
		return convention.Derived{}, errs.UnknownType(key)
	}
	if !d.Source.IsPublished() {
		return convention.Derived{}, errs.UnpublishedType(key)
	}
	return d, nil
}

// All returns every datatype in load order.
func (r *Registry) All() []schema.Datatype {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.all()
}

func (r *Registry) all() []schema.Datatype {
	out := make([]schema.Datatype, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.types[key].Source)
	}
	return out
}

func (r *Registry) insert(d convention.Derived) {
	r.types[d.Source.Key] = d
	r.order = append(r.order, d.Source.Key)
	if !d.Collection.Shared() {
		r.tables[d.Collection.Name] = d.Source.Key
	}
}

func (r *Registry) materialize(ctx context.Context, d convention.Derived) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Materialize(ctx, d.Collection, d.Uniques); err != nil {
		return fmt.Errorf("materialize %q: %w", d.Source.Key, err)
	}
	return nil
}

// checkFrozen rejects replacing a published datatype with one that drops or
// retypes a field.
func (r *Registry) checkFrozen(next schema.Datatype) error {
	prev, ok := r.types[next.Key]
	if !ok || !prev.Source.IsPublished() {
		return nil
	}
	for _, f := range prev.Source.Fields {
		nf, ok := next.Field(f.Key)
		if !ok {
			return fmt.Errorf("published datatype %q: field %q cannot be removed", next.Key, f.Key)
		}
		if nf.Type != f.Type {
			return fmt.Errorf("published datatype %q: field %q cannot change type", next.Key, f.Key)
		}
	}
	return nil
}

// nextVersion keeps versions monotonic across a replace: an unchanged
// composition keeps the registered version, a changed one gets a higher
// version so compiled validators are not reused.
func (r *Registry) nextVersion(next schema.Datatype) int {
	prev, ok := r.types[next.Key]
	if !ok {
		return next.Version
	}
	v := max(next.Version, prev.Source.Version)
	if !reflect.DeepEqual(prev.Source.Fields, next.Fields) {
		v = max(next.Version, prev.Source.Version+1)
	}
	return v
}

func (r *Registry) notify() {
	r.mu.RLock()
	types := r.all()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(types)
	}
}
