package enrich

import (
	"context"
	"strconv"
	"strings"

	"github.com/artpar/entigate/core/hooks"
)

// ActionID is the hook action id of Action.
const ActionID = "enrich"

// Action returns a hook action that enriches the phase result using the
// step arguments (see OptionsFromArgs). Phases without a result are left
// untouched.
func (e *Enricher) Action() hooks.Action {
	return hooks.ActionFunc(func(ctx context.Context, hc hooks.Context) (hooks.Context, error) {
		return e.Enrich(ctx, hc, OptionsFromArgs(hc.Meta.Args))
	})
}

// OptionsFromArgs reads enrichment options from hook step arguments:
//
//	with: [authorId]             # or "authorId,tagIds"
//	paths: {1: [orgId]}          # depth → fields
//	maxDepth: 2
//	fanout: 20
//	nodeLimit: 100
//	project: {authorId: [name]}
func OptionsFromArgs(args map[string]any) Options {
	opts := Options{
		With:      stringList(args["with"]),
		MaxDepth:  intArg(args["maxDepth"]),
		Fanout:    intArg(args["fanout"]),
		NodeLimit: intArg(args["nodeLimit"]),
	}

	switch p := args["paths"].(type) {
	case map[string]any:
		for k, v := range p {
			depth, err := strconv.Atoi(k)
			if err != nil || depth < 1 {
				continue
			}
			opts.setPath(depth, stringList(v))
		}
	case map[any]any:
		// YAML mappings with integer keys.
		for k, v := range p {
			if depth := intArg(k); depth >= 1 {
				opts.setPath(depth, stringList(v))
			}
		}
	case []any:
		// Positional: element i holds the fields of depth i+1.
		for i, v := range p {
			opts.setPath(i+1, stringList(v))
		}
	}

	if proj, ok := args["project"].(map[string]any); ok {
		opts.Project = make(map[string][]string, len(proj))
		for field, v := range proj {
			opts.Project[field] = stringList(v)
		}
	}
	return opts
}

// ParsePaths reads "depth:field,field;depth:field" into a Paths map.
func ParsePaths(s string) map[int][]string {
	out := make(map[int][]string)
	for _, part := range strings.Split(s, ";") {
		depthStr, fields, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		depth, err := strconv.Atoi(strings.TrimSpace(depthStr))
		if err != nil || depth < 1 {
			continue
		}
		if list := stringList(fields); len(list) > 0 {
			out[depth] = append(out[depth], list...)
		}
	}
	return out
}

func (o *Options) setPath(depth int, fields []string) {
	if len(fields) == 0 {
		return
	}
	if o.Paths == nil {
		o.Paths = make(map[int][]string)
	}
	o.Paths[depth] = fields
}

func stringList(v any) []string {
	var out []string
	switch x := v.(type) {
	case string:
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, x...)
	case []any:
		for _, el := range x {
			if s, ok := el.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func intArg(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	}
	return 0
}
