// Package payload turns raw provider webhook bodies into typed events.
// Each provider adapter validates the body against a schema, then folds the
// provider's status vocabulary into the shared raw value space consumed by
// the status package. Untyped JSON never travels past this boundary.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/models"
)

// Kind discriminates the event union.
type Kind string

const (
	KindOrderCreated       Kind = "order_created"
	KindOrderUpdated       Kind = "order_updated"
	KindOrderCancelled     Kind = "order_cancelled"
	KindCatalogUpdated     Kind = "catalog_updated"
	KindInventoryLevel     Kind = "inventory_level"
	KindIntegrationRevoked Kind = "integration_revoked"
	KindUnknown            Kind = "unknown"
)

// Event is the tagged union handed to the normalizer. Exactly the field
// matching Kind is non-nil; KindUnknown carries nothing.
type Event struct {
	Kind      Kind
	Order     *OrderEvent
	Catalog   *CatalogEvent
	Inventory *InventoryLevelEvent
	Revoke    *RevokeEvent
}

// OrderEvent is a provider order normalized to a common shape. Financial
// and fulfillment statuses are raw strings in the shared vocabulary.
type OrderEvent struct {
	Marketplace        models.Marketplace
	MarketplaceOrderID string
	BuyerUsername      string
	BuyerEmail         string
	BuyerName          string
	ShippingAddress    models.Address
	Subtotal           float64
	ShippingCost       float64
	Tax                float64
	Total              float64
	Currency           string
	FinancialStatus    string
	FulfillmentStatus  string
	CancelledAt        *time.Time
	AppID              int64
	OrderedAt          time.Time
	Lines              []LineItem
	Raw                json.RawMessage
}

type LineItem struct {
	SKU               string
	Title             string
	Quantity          int
	UnitPrice         float64
	TotalPrice        float64
	MarketplaceItemID string
}

// CatalogEvent describes a provider-side product change.
type CatalogEvent struct {
	Marketplace          models.Marketplace
	MarketplaceProductID string
	RawStatus            string
	Title                string
	Price                *float64
}

// InventoryLevelEvent is observation-only; the normalizer logs it without
// mutating state.
type InventoryLevelEvent struct {
	Marketplace     models.Marketplace
	InventoryItemID string
	Available       int
}

// RevokeEvent signals the marketplace integration was disconnected.
type RevokeEvent struct {
	Marketplace models.Marketplace
}

// Normalize parses a raw webhook body for the given provider and event type.
// Unrecognized event types return KindUnknown with a nil error; malformed
// bodies for recognized types return an error.
func Normalize(provider models.Marketplace, eventType string, raw json.RawMessage) (Event, error) {
	switch provider {
	case models.MarketplaceShopify:
		return normalizeShopify(eventType, raw)
	case models.MarketplaceEbay:
		return normalizeEbay(eventType, raw)
	case models.MarketplaceJoom:
		return normalizeJoom(eventType, raw)
	default:
		return Event{}, fmt.Errorf("unsupported provider %q", provider)
	}
}

// money accepts both JSON numbers and the string decimals some providers
// send. Null and empty decode to zero.
type money float64

func (m *money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", s, err)
	}
	*m = money(v)
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now().UTC()
}
