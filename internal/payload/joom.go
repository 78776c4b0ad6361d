package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"marketsync/internal/models"
)

// Joom event types handled here.
const (
	joomOrderCreated    = "order.created"
	joomOrderStatus     = "order.status_changed"
	joomOrderPaid       = "order.paid"
	joomOrderCancelled  = "order.cancelled"
	joomOrderShipped    = "order.shipped"
	joomTrackingUpdated = "order.tracking_updated"
	joomRefundCompleted = "order.refunded"
	joomAuthRevoked     = "merchant.disconnected"
)

// Joom collapses payment and fulfillment into a single order status. The
// fold maps it back onto the shared (financial, fulfillment) pair.
var joomStatusVocab = map[string][2]string{
	"pending":    {"pending", ""},
	"processing": {"paid", "partial"},
	"shipped":    {"paid", "fulfilled"},
	"delivered":  {"paid", "fulfilled"},
	"refunded":   {"refunded", ""},
}

type joomOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	BuyerName    string `json:"buyer_name"`
	BuyerEmail   string `json:"buyer_email"`
	Subtotal     money  `json:"subtotal"`
	ShippingCost money  `json:"shipping_cost"`
	Tax          money  `json:"tax"`
	Total        money  `json:"total"`
	Currency     string `json:"currency"`
	CreatedAt    string `json:"created_at"`

	ShippingAddress struct {
		AddressLine1 string `json:"address_line_1"`
		AddressLine2 string `json:"address_line_2"`
		City         string `json:"city"`
		State        string `json:"state"`
		PostalCode   string `json:"postal_code"`
		CountryCode  string `json:"country_code"`
	} `json:"shipping_address"`

	Items []struct {
		SKU       string `json:"sku"`
		Title     string `json:"title"`
		Name      string `json:"name"`
		Quantity  int    `json:"quantity"`
		Price     money  `json:"price"`
		Total     money  `json:"total"`
		ProductID string `json:"product_id"`
	} `json:"items"`
}

type joomEnvelope struct {
	Order *json.RawMessage `json:"order"`
}

func normalizeJoom(eventType string, raw json.RawMessage) (Event, error) {
	switch eventType {
	case joomOrderCreated, joomOrderStatus:
		ev, err := joomOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		kind := KindOrderCreated
		if eventType == joomOrderStatus {
			kind = KindOrderUpdated
		}
		return Event{Kind: kind, Order: ev}, nil

	case joomOrderPaid:
		ev, err := joomOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		ev.FinancialStatus = "paid"
		return Event{Kind: KindOrderUpdated, Order: ev}, nil

	case joomOrderShipped, joomTrackingUpdated:
		ev, err := joomOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		ev.FulfillmentStatus = "fulfilled"
		return Event{Kind: KindOrderUpdated, Order: ev}, nil

	case joomRefundCompleted:
		ev, err := joomOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		ev.FinancialStatus = "refunded"
		return Event{Kind: KindOrderUpdated, Order: ev}, nil

	case joomOrderCancelled:
		ev, err := joomOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		now := time.Now().UTC()
		ev.CancelledAt = &now
		return Event{Kind: KindOrderCancelled, Order: ev}, nil

	case joomAuthRevoked:
		return Event{Kind: KindIntegrationRevoked, Revoke: &RevokeEvent{
			Marketplace: models.MarketplaceJoom,
		}}, nil

	default:
		return Event{Kind: KindUnknown}, nil
	}
}

func joomOrderEvent(raw json.RawMessage) (*OrderEvent, error) {
	if err := validate("joom-order.json", raw); err != nil {
		return nil, err
	}

	// The order sits either at the top level or under an "order" key.
	body := raw
	var env joomEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Order != nil {
		body = *env.Order
	}
	var o joomOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("decode joom order: %w", err)
	}
	if o.ID == "" {
		return nil, fmt.Errorf("joom order missing id")
	}

	financial, fulfillment := "pending", ""
	var cancelledAt *time.Time
	if pair, ok := joomStatusVocab[o.Status]; ok {
		financial, fulfillment = pair[0], pair[1]
	} else if o.Status == "cancelled" {
		now := time.Now().UTC()
		cancelledAt = &now
	}

	ev := &OrderEvent{
		Marketplace:        models.MarketplaceJoom,
		MarketplaceOrderID: o.ID,
		BuyerUsername:      orDefault(o.BuyerName, "unknown"),
		BuyerEmail:         o.BuyerEmail,
		BuyerName:          o.BuyerName,
		ShippingAddress: models.Address{
			Line1:      o.ShippingAddress.AddressLine1,
			Line2:      o.ShippingAddress.AddressLine2,
			City:       o.ShippingAddress.City,
			State:      o.ShippingAddress.State,
			PostalCode: o.ShippingAddress.PostalCode,
			Country:    o.ShippingAddress.CountryCode,
		},
		Subtotal:          float64(o.Subtotal),
		ShippingCost:      float64(o.ShippingCost),
		Tax:               float64(o.Tax),
		Total:             float64(o.Total),
		Currency:          orDefault(o.Currency, "USD"),
		FinancialStatus:   financial,
		FulfillmentStatus: fulfillment,
		CancelledAt:       cancelledAt,
		OrderedAt:         parseTime(o.CreatedAt),
		Raw:               raw,
	}

	for _, it := range o.Items {
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		total := float64(it.Total)
		if total == 0 {
			total = float64(it.Price) * float64(qty)
		}
		title := it.Title
		if title == "" {
			title = orDefault(it.Name, "Unknown Item")
		}
		ev.Lines = append(ev.Lines, LineItem{
			SKU:               orDefault(it.SKU, orDefault(it.ProductID, "unknown")),
			Title:             title,
			Quantity:          qty,
			UnitPrice:         float64(it.Price),
			TotalPrice:        total,
			MarketplaceItemID: it.ProductID,
		})
	}
	return ev, nil
}
