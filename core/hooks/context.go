package hooks

import (
	"github.com/artpar/entigate/core/schema"
)

// Context is threaded through the steps of one phase.
type Context struct {
	// Payload is the caller input: the entity fields for create and update,
	// {"id": ...} for get and delete, the filter for list.
	Payload map[string]any

	// Result is set for after* phases: a document for create, get and
	// update, []map[string]any for list.
	Result any

	// Meta describes the running step.
	Meta Meta
}

// Meta identifies the step an action is running for.
type Meta struct {
	TypeKey string
	Phase   schema.HookPhase
	// Args is a private deep copy of the step's arguments.
	Args map[string]any
}

// ResultDoc returns the result as a single document.
func (hc Context) ResultDoc() (map[string]any, bool) {
	doc, ok := hc.Result.(map[string]any)
	return doc, ok
}

// ResultDocs returns the result as a document list. A single document is
// returned as a one-element list.
func (hc Context) ResultDocs() []map[string]any {
	switch r := hc.Result.(type) {
	case []map[string]any:
		return r
	case map[string]any:
		if r == nil {
			return nil
		}
		return []map[string]any{r}
	default:
		return nil
	}
}

// DeepClone copies maps and slices recursively. Other values are shared.
func DeepClone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = DeepClone(val)
		}
		return out
	case []any:
		if x == nil {
			return x
		}
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = DeepClone(val)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, val := range x {
			out[i], _ = DeepClone(val).(map[string]any)
		}
		return out
	default:
		return v
	}
}

// CloneArgs deep-copies step arguments.
func CloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out, _ := DeepClone(args).(map[string]any)
	return out
}
