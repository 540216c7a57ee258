package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// Filter restricts a feed listing. Zero-valued fields do not constrain.
// All predicates combine with AND; Metadata keys each require both presence
// and equality of the named metadata field.
type Filter struct {
	Type        Type
	Product     Product
	Status      Status
	Currency    string
	StartDate   *time.Time
	EndDate     *time.Time
	MinAmount   *decimal.Decimal
	MaxAmount   *decimal.Decimal
	SearchQuery string
	Metadata    map[string]string
}

// IsZero returns true if the filter constrains nothing.
func (f Filter) IsZero() bool {
	return f.Type == "" && f.Product == "" && f.Status == "" && f.Currency == "" &&
		f.StartDate == nil && f.EndDate == nil &&
		f.MinAmount == nil && f.MaxAmount == nil &&
		f.SearchQuery == "" && len(f.Metadata) == 0
}

// Page size bounds shared by both pagination modes.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageParams selects an offset-numbered page.
type PageParams struct {
	Page     int
	PageSize int
}

// Normalize clamps parameters into their allowed ranges,
// applying defaults for unset values.
func (p PageParams) Normalize() PageParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset returns the row offset of the first item of the page.
func (p PageParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// CursorParams selects a keyset page. An empty Cursor means the newest page.
type CursorParams struct {
	Cursor string
	Limit  int
}

// Normalize clamps the limit into its allowed range.
func (c CursorParams) Normalize() CursorParams {
	if c.Limit < 1 {
		c.Limit = DefaultPageSize
	}
	if c.Limit > MaxPageSize {
		c.Limit = MaxPageSize
	}
	return c
}

// Page is one offset-numbered page of a listing, with its total bookkeeping.
type Page struct {
	Items      []Transaction `json:"items"`
	Total      int64         `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}

// NewPage assembles a Page, deriving TotalPages from the total row count.
// An empty page renders as an empty items array, never null.
func NewPage(items []Transaction, total int64, params PageParams) Page {
	if items == nil {
		items = []Transaction{}
	}
	var pages = int(total) / params.PageSize
	if int(total)%params.PageSize != 0 {
		pages++
	}
	return Page{
		Items:      items,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.PageSize,
		TotalPages: pages,
	}
}

// CursorPage is one keyset page of a listing. NextCursor is set only
// when HasMore.
type CursorPage struct {
	Items      []Transaction `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
	Limit      int           `json:"limit"`
}
