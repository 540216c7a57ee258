// Package feed defines the domain model of the activity feed: transactions,
// their classifying enums, filters, pages, and the events which carry
// transaction changes through the platform's durable log.
package feed

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type classifies a transaction by the product activity which produced it.
type Type string

const (
	TypeCard        Type = "card"
	TypeP2P         Type = "p2p"
	TypeCrypto      Type = "crypto"
	TypeTopUp       Type = "top_up"
	TypeWithdrawal  Type = "withdrawal"
	TypeBillPayment Type = "bill_payment"
	TypeEarnings    Type = "earnings"
)

// Valid returns true if this Type is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypeCard, TypeP2P, TypeCrypto, TypeTopUp, TypeWithdrawal, TypeBillPayment, TypeEarnings:
		return true
	}
	return false
}

// Product is the product surface a transaction belongs to.
type Product string

const (
	ProductCard     Product = "Card"
	ProductP2P      Product = "P2P"
	ProductCrypto   Product = "Crypto"
	ProductEarnings Product = "Earnings"
)

// Valid returns true if this Product is a known product surface.
func (p Product) Valid() bool {
	switch p {
	case ProductCard, ProductP2P, ProductCrypto, ProductEarnings:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid returns true if this Status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusPending, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func init() {
	// Amounts render as JSON numbers on the wire, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Transaction is a single activity-feed record. The relational store is the
// monetary authority for Amount; the search index carries a float rendering
// for display and range filtering only.
type Transaction struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Type          Type            `json:"transaction_type" db:"transaction_type"`
	Product       Product         `json:"product" db:"product"`
	Status        Status          `json:"status" db:"status"`
	Currency      string          `json:"currency" db:"currency"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty" db:"updated_at"`
	Metadata      Metadata        `json:"metadata" db:"custom_metadata"`
	SearchContent string          `json:"search_content,omitempty" db:"search_content"`
}

// Metadata is the free-form, type-specific payload of a transaction.
// It round-trips through the relational store as a JSON column.
type Metadata map[string]any

// Value implements driver.Valuer, rendering the metadata as JSON.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner over JSON column values.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
}

// Validate checks the structural invariants every transaction must satisfy,
// independent of its type-specific metadata.
func (t *Transaction) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("transaction user_id is required")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown transaction type %q", t.Type)
	}
	if !t.Product.Valid() {
		return fmt.Errorf("unknown product %q", t.Product)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", t.Currency)
	}
	// Earnings post only once settled.
	if t.Type == TypeEarnings && t.Status != StatusCompleted {
		return fmt.Errorf("earnings transactions must be completed, got %q", t.Status)
	}
	return nil
}
