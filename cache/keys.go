package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/feedline/feedline/feed"
)

// Keys builds the deterministic cache keys of a query surface. The
// relational and search read paths use distinct namespaces because they
// cache different renderings of the same data, and only the relational
// namespace is invalidated on writes.
type Keys struct {
	// Search namespaces keys under transactions:es instead of transactions.
	Search bool
}

func (k Keys) root(userID string) string {
	if k.Search {
		return "transactions:es:user:" + userID
	}
	return "transactions:user:" + userID
}

// filterParts renders the filter predicates which distinguish cached
// pages. Metadata parts are sorted so equal filters yield equal keys.
func (k Keys) filterParts(f feed.Filter) []string {
	var parts []string
	if f.Type != "" {
		parts = append(parts, "type:"+string(f.Type))
	}
	if f.Product != "" {
		parts = append(parts, "product:"+string(f.Product))
	}
	if f.Status != "" {
		parts = append(parts, "status:"+string(f.Status))
	}
	if f.Currency != "" {
		parts = append(parts, "currency:"+f.Currency)
	}
	if f.SearchQuery != "" {
		parts = append(parts, "search:"+f.SearchQuery)
	}
	if len(f.Metadata) != 0 {
		var keys = make([]string, 0, len(f.Metadata))
		for key := range f.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("meta:%s:%s", key, f.Metadata[key]))
		}
	}
	return parts
}

// List returns the key of an offset-paginated page.
func (k Keys) List(userID string, f feed.Filter, p feed.PageParams) string {
	var parts = append([]string{k.root(userID)}, k.filterParts(f)...)
	parts = append(parts, fmt.Sprintf("page:%d:size:%d", p.Page, p.PageSize))
	return strings.Join(parts, ":")
}

// ListCursor returns the key of a keyset page. Only a prefix of the
// cursor token participates, keeping keys bounded.
func (k Keys) ListCursor(userID string, f feed.Filter, c feed.CursorParams) string {
	var parts = append([]string{k.root(userID) + ":cursor"}, k.filterParts(f)...)
	parts = append(parts, fmt.Sprintf("limit:%d", c.Limit))
	if c.Cursor != "" {
		var prefix = c.Cursor
		if len(prefix) > 20 {
			prefix = prefix[:20]
		}
		parts = append(parts, "cursor:"+prefix)
	}
	return strings.Join(parts, ":")
}

// InvalidationPattern matches every cached page of a user within this
// namespace.
func (k Keys) InvalidationPattern(userID string) string {
	return k.root(userID) + ":*"
}

// TransactionKey is the key of a single cached transaction.
func TransactionKey(id string) string {
	return "transaction:" + id
}

// ProcessedKey marks an event fingerprint as already consumed.
func ProcessedKey(fingerprint string) string {
	return "message:processed:" + fingerprint
}
