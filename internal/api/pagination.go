package api

import (
	"net/http"
	"net/url"
	"strconv"
)

// Issue list paging. The dashboard asks for one screen of issues at a time;
// the cap keeps a single request from pulling the whole incident history.
const (
	defaultPage    = 1
	defaultPerPage = 50
	maxPerPage     = 200
)

// PaginationParams is the page window requested by a list endpoint.
type PaginationParams struct {
	Page    int
	PerPage int
}

// ParsePagination reads ?page= and ?per_page=. Missing or non-positive
// values fall back to the defaults and per_page is capped at maxPerPage.
func ParsePagination(r *http.Request) PaginationParams {
	q := r.URL.Query()
	p := PaginationParams{
		Page:    positiveQueryInt(q, "page", defaultPage),
		PerPage: positiveQueryInt(q, "per_page", defaultPerPage),
	}
	if p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}

func positiveQueryInt(q url.Values, key string, fallback int) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Offset is the number of rows skipped before the requested page.
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// TotalPages is the number of pages needed to list total rows.
func (p PaginationParams) TotalPages(total int64) int {
	if p.PerPage <= 0 || total <= 0 {
		return 0
	}
	per := int64(p.PerPage)
	return int((total + per - 1) / per)
}

// Meta is the pagination block of a list response for total matching rows.
func (p PaginationParams) Meta(total int64) PaginationMeta {
	return PaginationMeta{
		Page:       p.Page,
		PerPage:    p.PerPage,
		Total:      total,
		TotalPages: p.TotalPages(total),
	}
}
