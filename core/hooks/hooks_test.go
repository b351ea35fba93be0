package hooks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/schema"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// recordAction appends its "tag" arg to payload["trace"].
func recordAction(ctx context.Context, hc Context) (Context, error) {
	tag, _ := hc.Meta.Args["tag"].(string)
	trace, _ := hc.Payload["trace"].(string)
	if trace != "" {
		trace += ","
	}
	hc.Payload["trace"] = trace + tag
	return hc, nil
}

func step(tag string) schema.HookStep {
	return schema.HookStep{Action: "record", Args: map[string]any{"tag": tag}}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterFunc("record", recordAction); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := r.RegisterFunc("record", recordAction)
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("expected duplicate error, got %v", err)
	}
	if err := r.Register("", ActionFunc(recordAction)); err == nil {
		t.Error("expected error for empty id")
	}
	if !r.Has("record") || r.Has("missing") {
		t.Error("Has mismatch")
	}
	if got := r.List(); len(got) != 1 || got[0] != "record" {
		t.Errorf("List = %v", got)
	}
}

func TestBuildStore_LoadOrder(t *testing.T) {
	types := []schema.Datatype{
		{Key: "audit", Contributes: []schema.Contribution{
			{Target: "post", Hooks: schema.HookPhaseMap{schema.BeforeCreate: {step("audit")}}},
		}},
		{Key: "post", Hooks: schema.HookPhaseMap{schema.BeforeCreate: {step("own1"), step("own2")}}},
		{Key: "search", Contributes: []schema.Contribution{
			{Target: "post", Hooks: schema.HookPhaseMap{
				schema.BeforeCreate: {step("search")},
				schema.AfterCreate:  {step("index")},
			}},
		}},
	}

	s := BuildStore(types)

	var tags []string
	for _, st := range s.Steps("post", schema.BeforeCreate) {
		tags = append(tags, st.Args["tag"].(string))
	}
	// Own steps first even though "audit" loads before "post".
	if got := strings.Join(tags, ","); got != "own1,own2,audit,search" {
		t.Errorf("beforeCreate order = %s, want own1,own2,audit,search", got)
	}

	if got := s.Steps("post", schema.AfterCreate); len(got) != 1 {
		t.Errorf("afterCreate steps = %d, want 1", len(got))
	}
	if got := s.Steps("author", schema.BeforeCreate); len(got) != 0 {
		t.Errorf("unhooked type has %d steps", len(got))
	}
}

func newTestEngine(t *testing.T, types []schema.Datatype) *Engine {
	t.Helper()
	reg := NewRegistry()
	if err := reg.RegisterFunc("record", recordAction); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(Config{Registry: reg, Logger: testLogger()})
	e.Reload(types)
	return e
}

func TestEngine_RunPhaseInOrder(t *testing.T) {
	e := newTestEngine(t, []schema.Datatype{
		{Key: "post", Hooks: schema.HookPhaseMap{schema.BeforeCreate: {step("a"), step("b")}}},
		{Key: "tag", Contributes: []schema.Contribution{
			{Target: "post", Hooks: schema.HookPhaseMap{schema.BeforeCreate: {step("c")}}},
		}},
	})

	hc, err := e.RunPhase(context.Background(), "post", schema.BeforeCreate, Context{Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("RunPhase failed: %v", err)
	}
	if hc.Payload["trace"] != "a,b,c" {
		t.Errorf("trace = %v, want a,b,c", hc.Payload["trace"])
	}
	if hc.Meta.TypeKey != "post" || hc.Meta.Phase != schema.BeforeCreate {
		t.Errorf("meta = %+v", hc.Meta)
	}
}

func TestEngine_ArgsAreCloned(t *testing.T) {
	shared := map[string]any{"list": []any{"x"}, "nested": map[string]any{"n": 1}}
	types := []schema.Datatype{{Key: "post", Hooks: schema.HookPhaseMap{
		schema.BeforeCreate: {{Action: "mutate", Args: shared}},
	}}}

	reg := NewRegistry()
	_ = reg.RegisterFunc("mutate", func(ctx context.Context, hc Context) (Context, error) {
		hc.Meta.Args["list"] = append(hc.Meta.Args["list"].([]any), "y")
		hc.Meta.Args["nested"].(map[string]any)["n"] = 2
		return hc, nil
	})
	e := NewEngine(Config{Registry: reg, Logger: testLogger()})
	e.Reload(types)

	for i := 0; i < 2; i++ {
		if _, err := e.RunPhase(context.Background(), "post", schema.BeforeCreate, Context{}); err != nil {
			t.Fatalf("RunPhase failed: %v", err)
		}
	}

	if len(shared["list"].([]any)) != 1 {
		t.Error("step args were mutated through the action")
	}
	if shared["nested"].(map[string]any)["n"] != 1 {
		t.Error("nested step args were mutated through the action")
	}
}

func TestEngine_StopsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	reg := NewRegistry()
	_ = reg.RegisterFunc("record", recordAction)
	_ = reg.RegisterFunc("fail", func(ctx context.Context, hc Context) (Context, error) {
		return hc, boom
	})
	e := NewEngine(Config{Registry: reg, Logger: testLogger()})
	e.Reload([]schema.Datatype{{Key: "post", Hooks: schema.HookPhaseMap{
		schema.AfterUpdate: {step("a"), {Action: "fail"}, step("never")},
	}}})

	hc, err := e.RunPhase(context.Background(), "post", schema.AfterUpdate, Context{Payload: map[string]any{}})
	if err == nil {
		t.Fatal("expected error")
	}

	var stepErr *errs.HookStepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected HookStepError, got %T", err)
	}
	if stepErr.Action != "fail" || stepErr.Phase != "afterUpdate" || stepErr.TypeKey != "post" {
		t.Errorf("decoration = %+v", stepErr)
	}
	if !errors.Is(err, boom) || !errors.Is(err, errs.ErrHookStepFailed) {
		t.Error("error should wrap the cause and match ErrHookStepFailed")
	}
	if hc.Payload["trace"] != "a" {
		t.Errorf("trace = %v, later steps must not run", hc.Payload["trace"])
	}
}

func TestEngine_UnknownAction(t *testing.T) {
	e := newTestEngine(t, []schema.Datatype{{Key: "post", Hooks: schema.HookPhaseMap{
		schema.BeforeDelete: {{Action: "nope"}},
	}}})

	_, err := e.RunPhase(context.Background(), "post", schema.BeforeDelete, Context{})
	if !errors.Is(err, errs.ErrUnknownHookAction) {
		t.Errorf("expected ErrUnknownHookAction, got %v", err)
	}
}

type countingObserver struct {
	steps  int
	failed int
}

func (o *countingObserver) ObserveStep(_ string, _ schema.HookPhase, _ string, _ time.Duration, err error) {
	o.steps++
	if err != nil {
		o.failed++
	}
}

func TestEngine_Observer(t *testing.T) {
	obs := &countingObserver{}
	reg := NewRegistry()
	_ = reg.RegisterFunc("record", recordAction)
	e := NewEngine(Config{Registry: reg, Logger: testLogger(), Observer: obs})
	e.Reload([]schema.Datatype{{Key: "post", Hooks: schema.HookPhaseMap{
		schema.BeforeList: {step("a"), step("b")},
	}}})

	if _, err := e.RunPhase(context.Background(), "post", schema.BeforeList, Context{Payload: map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	if obs.steps != 2 || obs.failed != 0 {
		t.Errorf("observer saw %d steps (%d failed), want 2 (0)", obs.steps, obs.failed)
	}
}

func TestContext_ResultDocs(t *testing.T) {
	one := Context{Result: map[string]any{"id": "1"}}
	if docs := one.ResultDocs(); len(docs) != 1 {
		t.Errorf("single result → %d docs", len(docs))
	}
	many := Context{Result: []map[string]any{{"id": "1"}, {"id": "2"}}}
	if docs := many.ResultDocs(); len(docs) != 2 {
		t.Errorf("list result → %d docs", len(docs))
	}
	if docs := (Context{}).ResultDocs(); docs != nil {
		t.Errorf("empty result → %v", docs)
	}
}
