package jsonapi

import (
	"errors"
	"net/url"
	"testing"
)

func TestPaginationLinks(t *testing.T) {
	tests := []struct {
		name              string
		total, skip, lim  int
		wantPrev, wantNxt string
		wantLast          string
	}{
		{"first window", 5, 0, 2, "", "/api/post?limit=2&skip=2", "/api/post?limit=2&skip=4"},
		{"middle window", 5, 2, 2, "/api/post?limit=2&skip=0", "/api/post?limit=2&skip=4", "/api/post?limit=2&skip=4"},
		{"last window", 5, 4, 2, "/api/post?limit=2&skip=2", "", "/api/post?limit=2&skip=4"},
		{"uneven skip", 5, 1, 2, "/api/post?limit=2&skip=0", "/api/post?limit=2&skip=3", "/api/post?limit=2&skip=4"},
		{"empty", 0, 0, 10, "", "", "/api/post?limit=10&skip=0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := NewPagination(tt.total, tt.skip, tt.lim, "/api/post").Links()
			if links.Prev != tt.wantPrev {
				t.Errorf("Prev = %q, want %q", links.Prev, tt.wantPrev)
			}
			if links.Next != tt.wantNxt {
				t.Errorf("Next = %q, want %q", links.Next, tt.wantNxt)
			}
			if links.Last != tt.wantLast {
				t.Errorf("Last = %q, want %q", links.Last, tt.wantLast)
			}
		})
	}
}

func TestPaginationLinks_KeepsQuery(t *testing.T) {
	links := NewPagination(3, 0, 1, "/api/post?sort=-title&with=authorId").Links()
	want := "/api/post?limit=1&skip=1&sort=-title&with=authorId"
	if links.Next != want {
		t.Errorf("Next = %q, want %q", links.Next, want)
	}
}

func TestPaginationLinks_NoBaseURL(t *testing.T) {
	if links := NewPagination(3, 0, 1, "").Links(); links != nil {
		t.Errorf("Links = %#v, want nil", links)
	}
}

func TestNewPagination_Clamps(t *testing.T) {
	p := NewPagination(10, -3, 0, "")
	if p.Skip != 0 || p.Limit != 1 {
		t.Errorf("got skip=%d limit=%d", p.Skip, p.Limit)
	}
}

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantSkip  int
		wantLimit int
		wantParam string
	}{
		{"defaults", "", 0, 100, ""},
		{"explicit", "skip=5&limit=20", 5, 20, ""},
		{"capped", "limit=5000", 0, 1000, ""},
		{"bad skip", "skip=x", 0, 0, "skip"},
		{"negative skip", "skip=-1", 0, 0, "skip"},
		{"zero limit", "limit=0", 0, 0, "limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			skip, limit, err := ParsePaginationParams(q, 100, 1000)
			if tt.wantParam != "" {
				var pe *ParamError
				if !errors.As(err, &pe) || pe.Param != tt.wantParam {
					t.Fatalf("err = %v, want ParamError for %s", err, tt.wantParam)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if skip != tt.wantSkip || limit != tt.wantLimit {
				t.Errorf("got skip=%d limit=%d, want %d/%d", skip, limit, tt.wantSkip, tt.wantLimit)
			}
		})
	}
}
