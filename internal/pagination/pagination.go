// Package pagination reads page/limit query parameters and turns them into
// offsets for mailbox listings.
package pagination

import (
	"net/url"
	"strconv"
)

// Params are the pagination parameters of one request.
type Params struct {
	Page   int // 1-based
	Limit  int
	Offset int
}

const (
	// MaxLimit is the largest page size served
	MaxLimit = 100
	// DefaultPage is used when page is absent or invalid
	DefaultPage = 1
	// DefaultLimit is used when limit is absent or invalid
	DefaultLimit = 50
)

func calculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// Option configures the defaults applied before the query is read.
type Option func(*Params)

// WithDefaultLimit sets the limit used when the query has none.
func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// FromQuery extracts page and limit from q. Non-numeric or non-positive
// values fall back to the defaults; limit is capped at MaxLimit.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}

	for _, opt := range opts {
		opt(&params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.Atoi(pageStr); err == nil && val > 0 {
			params.Page = val
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.Atoi(limitStr); err == nil && val > 0 {
			params.Limit = val
		}
	}

	// enforce max limit
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)
	return params
}

// HasNext reports whether items remain after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}
