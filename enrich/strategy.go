// Package enrich implements per-type transaction processing strategies:
// metadata validation, metadata enrichment, and synthesis of the
// denormalized search content each record carries into the index.
package enrich

import (
	"fmt"
	"strings"

	"github.com/feedline/feedline/feed"
)

// Strategy processes one transaction type. Implementations must be pure:
// equal inputs produce equal outputs, and EnrichMetadata is idempotent.
type Strategy interface {
	// ValidateMetadata rejects metadata which is structurally wrong for
	// this transaction type.
	ValidateMetadata(md feed.Metadata) error
	// EnrichMetadata returns a copy of md extended with computed fields.
	// It never mutates its argument.
	EnrichMetadata(md feed.Metadata) feed.Metadata
	// BuildSearchContent synthesizes the searchable text of a transaction.
	BuildSearchContent(tx *feed.Transaction) string
}

var (
	_ Strategy = cardStrategy{}
	_ Strategy = p2pStrategy{}
	_ Strategy = cryptoStrategy{}
	_ Strategy = defaultStrategy{}
)

// Registry maps transaction types to their strategies, falling back to a
// default strategy for types with no specialized processing.
type Registry struct {
	strategies map[feed.Type]Strategy
	fallback   Strategy
}

// NewRegistry returns a Registry with all specialized strategies installed.
func NewRegistry() *Registry {
	return &Registry{
		strategies: map[feed.Type]Strategy{
			feed.TypeCard:   cardStrategy{},
			feed.TypeP2P:    p2pStrategy{},
			feed.TypeCrypto: cryptoStrategy{},
		},
		fallback: defaultStrategy{},
	}
}

// For returns the strategy of the given type, or the default strategy
// if none is specialized.
func (r *Registry) For(t feed.Type) Strategy {
	if s, ok := r.strategies[t]; ok {
		return s
	}
	return r.fallback
}

// copyMetadata is the shared enrichment base: a shallow copy which
// keeps EnrichMetadata from aliasing its argument.
func copyMetadata(md feed.Metadata) feed.Metadata {
	var out = make(feed.Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// appendFields appends the string values of the named metadata fields,
// in order, skipping absent ones.
func appendFields(parts []string, md feed.Metadata, keys ...string) []string {
	for _, key := range keys {
		if v, ok := md[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return parts
}

type cardStrategy struct{}

func (cardStrategy) ValidateMetadata(md feed.Metadata) error {
	if v, ok := md["card_last_four"]; ok {
		if s, ok := v.(string); !ok || len(s) != 4 {
			return fmt.Errorf("card_last_four must be a 4-digit string")
		}
	}
	return nil
}

func (cardStrategy) EnrichMetadata(md feed.Metadata) feed.Metadata {
	return copyMetadata(md)
}

func (cardStrategy) BuildSearchContent(tx *feed.Transaction) string {
	var parts = []string{
		fmt.Sprintf("Card payment %s %s", tx.Amount, tx.Currency),
		string(tx.Status),
	}
	parts = appendFields(parts, tx.Metadata, "merchant_name", "merchant_category", "location")
	return strings.Join(parts, " ")
}

type p2pStrategy struct{}

func (p2pStrategy) ValidateMetadata(md feed.Metadata) error {
	if v, ok := md["direction"]; ok {
		if s, _ := v.(string); s != "sent" && s != "received" {
			return fmt.Errorf("direction must be sent or received, got %v", v)
		}
	}
	return nil
}

func (p2pStrategy) EnrichMetadata(md feed.Metadata) feed.Metadata {
	return copyMetadata(md)
}

func (p2pStrategy) BuildSearchContent(tx *feed.Transaction) string {
	var parts = []string{
		fmt.Sprintf("P2P transfer %s %s", tx.Amount, tx.Currency),
		string(tx.Status),
	}
	parts = appendFields(parts, tx.Metadata, "peer_name", "peer_email", "direction")
	return strings.Join(parts, " ")
}

type cryptoStrategy struct{}

func (cryptoStrategy) ValidateMetadata(md feed.Metadata) error { return nil }

func (cryptoStrategy) EnrichMetadata(md feed.Metadata) feed.Metadata {
	return copyMetadata(md)
}

func (cryptoStrategy) BuildSearchContent(tx *feed.Transaction) string {
	var parts = []string{
		fmt.Sprintf("Crypto %s %s", tx.Amount, tx.Currency),
		string(tx.Status),
	}
	parts = appendFields(parts, tx.Metadata, "crypto_type", "wallet_address")
	return strings.Join(parts, " ")
}

// defaultStrategy serves transaction types with no specialized handling.
type defaultStrategy struct{}

func (defaultStrategy) ValidateMetadata(md feed.Metadata) error { return nil }

func (defaultStrategy) EnrichMetadata(md feed.Metadata) feed.Metadata {
	return copyMetadata(md)
}

func (defaultStrategy) BuildSearchContent(tx *feed.Transaction) string {
	return fmt.Sprintf("%s %s %s %s", tx.Type, tx.Amount, tx.Currency, tx.Status)
}
