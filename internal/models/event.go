package models

import (
	"errors"
	"time"
)

type EventType string

const (
	EventImpression EventType = "impression"
	EventAddToCart  EventType = "add_to_cart"
	EventPurchase   EventType = "purchase"
)

// Metadata keys the ingestion path understands. Everything else in the
// bag is free-form context and must never be load-bearing for dedup or
// statistics.
const (
	MetaOrderID     = "order_id"
	MetaOrderNumber = "order_number"
	MetaCurrency    = "currency"
	MetaPrice       = "price"
	MetaCountry     = "country"
	MetaSource      = "source"
)

// Event is an immutable interaction fact attributed to the case that
// was live when it occurred. Purchase events are the one exception to
// immutability: a later order webhook may enrich revenue and quantity
// in place, keyed by order id.
type Event struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	SessionID    string    `json:"session_id"`
	Type         EventType `json:"type"`
	Case         Case      `json:"case"`

	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`

	Revenue  *float64 `json:"revenue,omitempty"`
	Quantity *int     `json:"quantity,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// OrderID returns the order identifier carried in metadata, if any.
func (e *Event) OrderID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetaOrderID]
}

func (e *Event) Validate() error {
	if e.ExperimentID == "" {
		return errors.New("experiment_id is required")
	}
	if e.SessionID == "" {
		return errors.New("session_id is required")
	}
	switch e.Type {
	case EventImpression, EventAddToCart, EventPurchase:
	default:
		return errors.New("unknown event type")
	}
	if e.Case != CaseBase && e.Case != CaseTest {
		return errors.New("case must be base or test")
	}
	if e.ProductID == "" {
		return errors.New("product_id is required")
	}
	if e.Revenue != nil && *e.Revenue < 0 {
		return errors.New("revenue must not be negative")
	}
	if e.Quantity != nil && *e.Quantity < 0 {
		return errors.New("quantity must not be negative")
	}
	return nil
}
