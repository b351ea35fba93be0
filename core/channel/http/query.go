package http

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/artpar/entigate/core/enrich"
	"github.com/artpar/entigate/core/lifecycle"
	"github.com/artpar/entigate/core/storage"
	"github.com/artpar/entigate/pkg/jsonapi"
)

// Query parameters with a fixed meaning. Any other list parameter is a
// field filter.
const (
	paramWith      = "with"
	paramDepth     = "depth"
	paramPaths     = "paths"
	paramFanout    = "fanout"
	paramNodeLimit = "nodeLimit"
	paramSort      = "sort"
	paramSkip      = "skip"
	paramLimit     = "limit"
	paramProject   = "project"
)

var reserved = map[string]bool{
	paramWith: true, paramDepth: true, paramPaths: true, paramFanout: true,
	paramNodeLimit: true, paramSort: true, paramSkip: true, paramLimit: true,
}

func (c *Channel) listQuery(r *http.Request) (lifecycle.ListQuery, *jsonapi.Error) {
	query := r.URL.Query()

	skip, limit, err := jsonapi.ParsePaginationParams(query, c.cfg.DefaultLimit, c.cfg.MaxLimit)
	if err != nil {
		var pe *jsonapi.ParamError
		param := paramLimit
		if errors.As(err, &pe) {
			param = pe.Param
		}
		e := jsonapi.ErrInvalidParameter(param, err.Error())
		return lifecycle.ListQuery{}, &e
	}

	opts, perr := enrichOptions(query)
	if perr != nil {
		return lifecycle.ListQuery{}, perr
	}

	filter := make(map[string]any)
	for key, values := range query {
		if reserved[key] || isProjectParam(key) || len(values) == 0 {
			continue
		}
		filter[key] = values[0]
	}

	return lifecycle.ListQuery{
		Filter: filter,
		Sort:   parseSort(query.Get(paramSort)),
		Skip:   skip,
		Limit:  limit,
		Enrich: opts,
	}, nil
}

// enrichOptions reads
//
//	with=authorId,tagIds
//	depth=2
//	paths=1:authorId;2:orgId
//	fanout=20&nodeLimit=200
//	project[authorId]=name,email
func enrichOptions(query url.Values) (enrich.Options, *jsonapi.Error) {
	var opts enrich.Options

	if v := query.Get(paramWith); v != "" {
		opts.With = splitList(v)
	}
	if v := query.Get(paramPaths); v != "" {
		opts.Paths = enrich.ParsePaths(v)
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{paramDepth, &opts.MaxDepth},
		{paramFanout, &opts.Fanout},
		{paramNodeLimit, &opts.NodeLimit},
	} {
		v := query.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			e := jsonapi.ErrInvalidParameter(p.name, "must be a non-negative integer")
			return enrich.Options{}, &e
		}
		*p.dst = n
	}

	for key, values := range query {
		if !isProjectParam(key) || len(values) == 0 {
			continue
		}
		field := strings.TrimSuffix(strings.TrimPrefix(key, paramProject+"["), "]")
		if opts.Project == nil {
			opts.Project = make(map[string][]string)
		}
		opts.Project[field] = splitList(values[0])
	}

	return opts, nil
}

// parseSort reads "-title,views" into descending title then ascending views.
func parseSort(s string) []storage.SortField {
	var out []storage.SortField
	for _, part := range splitList(s) {
		desc := strings.HasPrefix(part, "-")
		field := strings.TrimPrefix(strings.TrimPrefix(part, "-"), "+")
		if field == "" {
			continue
		}
		out = append(out, storage.SortField{Field: field, Desc: desc})
	}
	return out
}

func isProjectParam(key string) bool {
	return strings.HasPrefix(key, paramProject+"[") && strings.HasSuffix(key, "]") && len(key) > len(paramProject)+2
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
