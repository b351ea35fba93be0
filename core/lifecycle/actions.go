package lifecycle

import (
	"context"
	"fmt"

	"github.com/artpar/entigate/core/compiler"
	"github.com/artpar/entigate/core/enrich"
	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/events"
	"github.com/artpar/entigate/core/hooks"
	"github.com/artpar/entigate/core/schema"
)

// Built-in hook action ids.
const (
	ActionValidate = "validate"
	ActionEnrich   = enrich.ActionID
	ActionSet      = "set"
	ActionEmit     = "emit"
)

func (s *Service) registerBuiltins() error {
	builtins := []struct {
		id     string
		action hooks.Action
	}{
		{ActionValidate, hooks.ActionFunc(s.validateAction)},
		{ActionEnrich, s.enricher.Action()},
		{ActionSet, hooks.ActionFunc(setAction)},
		{ActionEmit, hooks.ActionFunc(s.emitAction)},
	}

	reg := s.engine.Registry()
	for _, b := range builtins {
		if reg.Has(b.id) {
			continue
		}
		if err := reg.Register(b.id, b.action); err != nil {
			return err
		}
	}
	return nil
}

// validateAction re-validates the payload against the datatype.
//
//	args:
//	  mode: create | update   # default: create for beforeCreate, else update
//	  required: [title]       # keys that must be present and non-null
func (s *Service) validateAction(_ context.Context, hc hooks.Context) (hooks.Context, error) {
	d, err := s.defs.Derived(hc.Meta.TypeKey)
	if err != nil {
		return hc, err
	}

	mode := compiler.ModeUpdate
	if hc.Meta.Phase == schema.BeforeCreate {
		mode = compiler.ModeCreate
	}
	if m, ok := hc.Meta.Args["mode"].(string); ok && m != "" {
		mode = compiler.Mode(m)
	}

	v, err := s.cache.Get(d.Source, mode)
	if err != nil {
		return hc, err
	}
	res := v.Validate(hc.Payload)

	for _, key := range stringArgs(hc.Meta.Args["required"]) {
		if val, ok := hc.Payload[key]; !ok || val == nil {
			res.Errors[key] = compiler.CodeRequired
		}
	}
	if !res.OK() {
		return hc, &errs.ValidationError{TypeKey: hc.Meta.TypeKey, Fields: res.Errors}
	}

	payload := clonePayload(hc.Payload)
	for k, val := range res.Value {
		payload[k] = val
	}
	hc.Payload = payload
	return hc, nil
}

// setAction assigns fixed values. In before phases it writes the payload,
// in after phases the result documents. Existing non-null values are kept
// unless overwrite is true.
//
//	args:
//	  values: {status: draft}
//	  overwrite: false
func setAction(_ context.Context, hc hooks.Context) (hooks.Context, error) {
	values, ok := hc.Meta.Args["values"].(map[string]any)
	if !ok {
		return hc, fmt.Errorf("set: args.values must be a mapping")
	}
	overwrite, _ := hc.Meta.Args["overwrite"].(bool)

	apply := func(target map[string]any) {
		for k, v := range values {
			if cur, exists := target[k]; exists && cur != nil && !overwrite {
				continue
			}
			target[k] = hooks.DeepClone(v)
		}
	}

	if hc.Meta.Phase.IsBefore() {
		payload := clonePayload(hc.Payload)
		apply(payload)
		hc.Payload = payload
		return hc, nil
	}
	for _, doc := range hc.ResultDocs() {
		apply(doc)
	}
	return hc, nil
}

// emitAction publishes a custom event carrying the result (after phases) or
// the payload (before phases).
//
//	args:
//	  event: post.published
func (s *Service) emitAction(ctx context.Context, hc hooks.Context) (hooks.Context, error) {
	name, _ := hc.Meta.Args["event"].(string)
	if name == "" {
		return hc, fmt.Errorf("emit: args.event is required")
	}
	if s.bus == nil {
		return hc, nil
	}

	data := hc.Payload
	if doc, ok := hc.ResultDoc(); ok {
		data = doc
	}
	id, _ := data["id"].(string)

	s.bus.Publish(ctx, events.Event{
		Name:    name,
		TypeKey: hc.Meta.TypeKey,
		ID:      id,
		Data:    data,
		Meta:    map[string]any{"phase": string(hc.Meta.Phase)},
	})
	return hc, nil
}

func stringArgs(v any) []string {
	var out []string
	switch x := v.(type) {
	case string:
		out = append(out, x)
	case []string:
		out = append(out, x...)
	case []any:
		for _, el := range x {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
