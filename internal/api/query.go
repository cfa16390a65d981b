package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// PaginationParams are the page and per_page query parameters
type PaginationParams struct {
	Page    int
	PerPage int
}

// ParsePagination reads page (default 1) and per_page (default 50, capped at 200).
// Malformed values fall back to the defaults.
func ParsePagination(r *http.Request) PaginationParams {
	q := r.URL.Query()
	p := PaginationParams{Page: 1, PerPage: defaultPerPage}
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		p.Page = n
	}
	if n, err := strconv.Atoi(q.Get("per_page")); err == nil && n > 0 {
		p.PerPage = min(n, maxPerPage)
	}
	return p
}

// Offset is the number of rows before the page
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// TotalPages is the number of pages needed for total rows
func (p PaginationParams) TotalPages(total int64) int {
	if p.PerPage <= 0 {
		return 0
	}
	return int((total + int64(p.PerPage) - 1) / int64(p.PerPage))
}

// ParseLimit reads a positive limit query parameter, capped at max. Unlike pagination, a
// malformed limit is an error.
func ParseLimit(r *http.Request, name string, def, max int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", name)
	}
	return min(n, max), nil
}

// ParseTimeRange reads RFC 3339 from and to parameters. Missing bounds default to the span
// ending at the start of the hour after now.
func ParseTimeRange(r *http.Request, now time.Time, span time.Duration) (from, to time.Time, err error) {
	to = now.UTC().Truncate(time.Hour).Add(time.Hour)
	from = to.Add(-span)

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, fmt.Errorf("invalid from: must be RFC 3339")
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, fmt.Errorf("invalid to: must be RFC 3339")
		}
	}
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return from, to, fmt.Errorf("from must be before to")
	}
	return from, to, nil
}
