package jsonapi

import (
	"fmt"
	"net/url"
	"strconv"
)

// Pagination describes one skip/limit window of a collection.
type Pagination struct {
	Total   int    // Total number of matching items
	Skip    int    // Items skipped before the window
	Limit   int    // Window size
	BaseURL string // Request URL links are derived from
}

// NewPagination creates a Pagination, clamping negative skips and
// non-positive limits.
func NewPagination(total, skip, limit int, baseURL string) *Pagination {
	if skip < 0 {
		skip = 0
	}
	if limit < 1 {
		limit = 1
	}
	return &Pagination{Total: total, Skip: skip, Limit: limit, BaseURL: baseURL}
}

// HasPrev reports whether items precede the window.
func (p *Pagination) HasPrev() bool {
	return p.Skip > 0
}

// HasNext reports whether items follow the window.
func (p *Pagination) HasNext() bool {
	return p.Skip+p.Limit < p.Total
}

// lastSkip is the skip of the final full or partial window.
func (p *Pagination) lastSkip() int {
	if p.Total <= p.Limit {
		return 0
	}
	return ((p.Total - 1) / p.Limit) * p.Limit
}

// Links generates navigation links. Empty when BaseURL is unset.
func (p *Pagination) Links() *Links {
	if p.BaseURL == "" {
		return nil
	}
	links := &Links{
		Self:  p.buildURL(p.Skip),
		First: p.buildURL(0),
		Last:  p.buildURL(p.lastSkip()),
	}
	if p.HasPrev() {
		links.Prev = p.buildURL(max(p.Skip-p.Limit, 0))
	}
	if p.HasNext() {
		links.Next = p.buildURL(p.Skip + p.Limit)
	}
	return links
}

func (p *Pagination) buildURL(skip int) string {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return p.BaseURL
	}
	q := u.Query()
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(p.Limit))
	u.RawQuery = q.Encode()
	return u.String()
}

// Meta returns pagination metadata.
func (p *Pagination) Meta() Meta {
	return Meta{
		"total": p.Total,
		"skip":  p.Skip,
		"limit": p.Limit,
	}
}

// ParsePaginationParams reads skip and limit from the query. A missing
// limit yields defaultLimit; limits above maxLimit are capped when maxLimit
// is positive. Malformed or negative values are reported as errors naming
// the offending parameter.
func ParsePaginationParams(query url.Values, defaultLimit, maxLimit int) (skip, limit int, err error) {
	limit = defaultLimit
	if v := query.Get("skip"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 0 {
			return 0, 0, &ParamError{Param: "skip", Value: v}
		}
		skip = n
	}
	if v := query.Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 {
			return 0, 0, &ParamError{Param: "limit", Value: v}
		}
		limit = n
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return skip, limit, nil
}

// ParamError reports a malformed query parameter.
type ParamError struct {
	Param string
	Value string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid value %q for query parameter %q", e.Value, e.Param)
}
