package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/feedline/feedline/feed"
)

// Params constrains one search. A zero SearchQuery inside the Filter
// matches everything the remaining predicates admit.
type Params struct {
	UserID string
	Filter feed.Filter
	From   int
	Size   int
	// Documents selects full-source results instead of ids only.
	Documents bool
}

// Result is one page of search hits with the exact total.
type Result struct {
	IDs       []string
	Documents []feed.Document
	Total     int64
}

// Search runs a boolean query scoped to one user: an optional fuzzy text
// match over search_content, with every structured predicate applied as
// a filter clause. Results sort newest first.
func (x *Index) Search(ctx context.Context, p Params) (Result, error) {
	var body, err = json.Marshal(buildQuery(p))
	if err != nil {
		return Result{}, fmt.Errorf("encoding query: %w", err)
	}

	var out Result
	err = x.brk.Do(func() error {
		res, err := x.es.Search(
			x.es.Search.WithIndex(IndexName),
			x.es.Search.WithBody(bytes.NewReader(body)),
			x.es.Search.WithTrackTotalHits(true),
			x.es.Search.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("searching: %w", err)
		}
		defer drain(res)

		if res.IsError() {
			return fmt.Errorf("searching: %s", res.Status())
		}

		var envelope struct {
			Hits struct {
				Total struct {
					Value int64 `json:"value"`
				} `json:"total"`
				Hits []struct {
					ID     string        `json:"_id"`
					Source feed.Document `json:"_source"`
				} `json:"hits"`
			} `json:"hits"`
		}
		if err = json.NewDecoder(res.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decoding search response: %w", err)
		}

		out.Total = envelope.Hits.Total.Value
		for _, hit := range envelope.Hits.Hits {
			if p.Documents {
				var doc = hit.Source
				if doc == nil {
					doc = feed.Document{}
				}
				doc["id"] = hit.ID
				out.Documents = append(out.Documents, doc)
			} else {
				out.IDs = append(out.IDs, hit.ID)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

// buildQuery renders Params into the search request body.
func buildQuery(p Params) map[string]any {
	var must = []any{
		map[string]any{"term": map[string]any{"user_id": p.UserID}},
	}
	if q := p.Filter.SearchQuery; q != "" {
		must = append(must, map[string]any{
			"match": map[string]any{
				"search_content": map[string]any{
					"query":     q,
					"fuzziness": "AUTO",
					"operator":  "or",
				},
			},
		})
	}

	var filters []any
	var term = func(field string, value any) {
		filters = append(filters, map[string]any{
			"term": map[string]any{field: value},
		})
	}
	if p.Filter.Type != "" {
		term("transaction_type", string(p.Filter.Type))
	}
	if p.Filter.Product != "" {
		term("product", string(p.Filter.Product))
	}
	if p.Filter.Status != "" {
		term("status", string(p.Filter.Status))
	}
	if p.Filter.Currency != "" {
		term("currency", p.Filter.Currency)
	}
	if len(p.Filter.Metadata) != 0 {
		var keys = make([]string, 0, len(p.Filter.Metadata))
		for key := range p.Filter.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			term("metadata."+key, p.Filter.Metadata[key])
		}
	}
	if p.Filter.MinAmount != nil {
		filters = append(filters, map[string]any{
			"range": map[string]any{"amount": map[string]any{"gte": p.Filter.MinAmount.InexactFloat64()}},
		})
	}
	if p.Filter.MaxAmount != nil {
		filters = append(filters, map[string]any{
			"range": map[string]any{"amount": map[string]any{"lte": p.Filter.MaxAmount.InexactFloat64()}},
		})
	}
	if p.Filter.StartDate != nil || p.Filter.EndDate != nil {
		var dateRange = map[string]any{}
		if p.Filter.StartDate != nil {
			dateRange["gte"] = p.Filter.StartDate
		}
		if p.Filter.EndDate != nil {
			dateRange["lte"] = p.Filter.EndDate
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"created_at": dateRange},
		})
	}

	var boolQuery = map[string]any{"must": must}
	if len(filters) != 0 {
		boolQuery["filter"] = filters
	}

	return map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"sort":  []any{map[string]any{"created_at": map[string]any{"order": "desc"}}},
		"from":  p.From,
		"size":  p.Size,
	}
}
