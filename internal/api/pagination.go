package api

import (
	"net/http"
	"strconv"
)

// Campaign and send listings page the same way: ?page=N&limit=M with
// 1-based pages and the limit capped at maxPageLimit. Responses wrap the
// rows as {data, pagination}.
const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// pageRequest is the window a list endpoint asks its repository for.
type pageRequest struct {
	Page   int
	Limit  int
	Offset int
}

// pageFromQuery reads page and limit. Missing or malformed values mean the
// first page of defaultPageLimit rows.
func pageFromQuery(r *http.Request) pageRequest {
	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit < 1 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)
	return pageRequest{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

// PageMeta is the pagination block of a list response.
type PageMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

// ListPage is the body of GET /campaigns and GET /campaigns/{id}/sends.
// Data is never null.
type ListPage[T any] struct {
	Data       []T      `json:"data"`
	Pagination PageMeta `json:"pagination"`
}

func newListPage[T any](rows []T, p pageRequest, total int) ListPage[T] {
	if rows == nil {
		rows = []T{}
	}
	pages := max((total+p.Limit-1)/p.Limit, 1)
	return ListPage[T]{
		Data: rows,
		Pagination: PageMeta{
			Page:       p.Page,
			Limit:      p.Limit,
			Total:      total,
			TotalPages: pages,
			HasMore:    p.Page < pages,
		},
	}
}
