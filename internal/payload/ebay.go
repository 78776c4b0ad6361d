package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"marketsync/internal/models"
)

// eBay notification topics handled here.
const (
	ebayOrderCreated    = "MARKETPLACE_ORDER_CREATED"
	ebayOrderStatus     = "MARKETPLACE_ORDER_STATUS_UPDATE"
	ebayPaymentComplete = "MARKETPLACE_ORDER_PAYMENT_COMPLETE"
	ebayOrderCancelled  = "MARKETPLACE_ORDER_CANCELLED"
	ebayRefundCompleted = "MARKETPLACE_REFUND_COMPLETED"
	ebayRefundInitiated = "MARKETPLACE_REFUND_INITIATED"
	ebayOutOfStock      = "ITEM_OUT_OF_STOCK"
	ebayTrackingCreated = "SHIPMENT_TRACKING_CREATED"
	ebayTrackingUpdated = "SHIPMENT_TRACKING_UPDATED"
	ebayAuthRevoked     = "AUTHORIZATION_REVOKED"
)

// eBay payment statuses folded into the shared raw vocabulary.
var ebayPaymentVocab = map[string]string{
	"PENDING":            "pending",
	"PAID":               "paid",
	"FULLY_PAID":         "paid",
	"FULLY_REFUNDED":     "refunded",
	"PARTIALLY_REFUNDED": "partially_refunded",
	"FAILED":             "failed",
}

// eBay fulfillment statuses folded into the shared raw vocabulary.
var ebayFulfillmentVocab = map[string]string{
	"NOT_STARTED": "",
	"IN_PROGRESS": "partial",
	"FULFILLED":   "fulfilled",
	"COMPLETE":    "fulfilled",
}

type ebayNotification struct {
	Data struct {
		OrderID                string `json:"orderId"`
		OrderPaymentStatus     string `json:"orderPaymentStatus"`
		OrderFulfillmentStatus string `json:"orderFulfillmentStatus"`
		CreationDate           string `json:"creationDate"`
		ItemID                 string `json:"itemId"`
		Buyer                  struct {
			Username                 string `json:"username"`
			BuyerRegistrationAddress struct {
				FullName string `json:"fullName"`
				Email    string `json:"email"`
			} `json:"buyerRegistrationAddress"`
		} `json:"buyer"`
		PricingSummary struct {
			PriceSubtotal ebayAmount `json:"priceSubtotal"`
			DeliveryCost  ebayAmount `json:"deliveryCost"`
			Tax           ebayAmount `json:"tax"`
			Total         ebayAmount `json:"total"`
		} `json:"pricingSummary"`
		FulfillmentStartInstructions []struct {
			ShippingStep struct {
				ShipTo struct {
					ContactAddress struct {
						AddressLine1    string `json:"addressLine1"`
						AddressLine2    string `json:"addressLine2"`
						City            string `json:"city"`
						StateOrProvince string `json:"stateOrProvince"`
						PostalCode      string `json:"postalCode"`
						CountryCode     string `json:"countryCode"`
					} `json:"contactAddress"`
				} `json:"shipTo"`
			} `json:"shippingStep"`
		} `json:"fulfillmentStartInstructions"`
		LineItems []struct {
			SKU          string     `json:"sku"`
			Title        string     `json:"title"`
			Quantity     int        `json:"quantity"`
			LegacyItemID string     `json:"legacyItemId"`
			LineItemCost ebayAmount `json:"lineItemCost"`
			Total        ebayAmount `json:"total"`
		} `json:"lineItems"`
	} `json:"data"`
}

type ebayAmount struct {
	Value    money  `json:"value"`
	Currency string `json:"currency"`
}

func normalizeEbay(eventType string, raw json.RawMessage) (Event, error) {
	switch eventType {
	case ebayOrderCreated, ebayOrderStatus:
		ev, err := ebayOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		kind := KindOrderCreated
		if eventType == ebayOrderStatus {
			kind = KindOrderUpdated
		}
		return Event{Kind: kind, Order: ev}, nil

	case ebayPaymentComplete:
		ev, err := ebayOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		ev.FinancialStatus = "paid"
		return Event{Kind: KindOrderUpdated, Order: ev}, nil

	case ebayRefundCompleted:
		ev, err := ebayOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		ev.FinancialStatus = "refunded"
		return Event{Kind: KindOrderUpdated, Order: ev}, nil

	case ebayTrackingCreated, ebayTrackingUpdated:
		ev, err := ebayOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		ev.FulfillmentStatus = "fulfilled"
		return Event{Kind: KindOrderUpdated, Order: ev}, nil

	case ebayOrderCancelled:
		ev, err := ebayOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		now := time.Now().UTC()
		ev.CancelledAt = &now
		return Event{Kind: KindOrderCancelled, Order: ev}, nil

	case ebayOutOfStock:
		var n ebayNotification
		if err := json.Unmarshal(raw, &n); err != nil {
			return Event{}, fmt.Errorf("decode ebay notification: %w", err)
		}
		return Event{Kind: KindInventoryLevel, Inventory: &InventoryLevelEvent{
			Marketplace:     models.MarketplaceEbay,
			InventoryItemID: n.Data.ItemID,
			Available:       0,
		}}, nil

	case ebayAuthRevoked:
		return Event{Kind: KindIntegrationRevoked, Revoke: &RevokeEvent{
			Marketplace: models.MarketplaceEbay,
		}}, nil

	default:
		// Refund initiations carry no state change until completion.
		return Event{Kind: KindUnknown}, nil
	}
}

func ebayOrderEvent(raw json.RawMessage) (*OrderEvent, error) {
	if err := validate("ebay-notification.json", raw); err != nil {
		return nil, err
	}
	var n ebayNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode ebay notification: %w", err)
	}
	d := n.Data

	var addr models.Address
	if len(d.FulfillmentStartInstructions) > 0 {
		ca := d.FulfillmentStartInstructions[0].ShippingStep.ShipTo.ContactAddress
		addr = models.Address{
			Line1:      ca.AddressLine1,
			Line2:      ca.AddressLine2,
			City:       ca.City,
			State:      ca.StateOrProvince,
			PostalCode: ca.PostalCode,
			Country:    ca.CountryCode,
		}
	}

	ev := &OrderEvent{
		Marketplace:        models.MarketplaceEbay,
		MarketplaceOrderID: d.OrderID,
		BuyerUsername:      orDefault(d.Buyer.Username, "unknown"),
		BuyerEmail:         d.Buyer.BuyerRegistrationAddress.Email,
		BuyerName:          d.Buyer.BuyerRegistrationAddress.FullName,
		ShippingAddress:    addr,
		Subtotal:           float64(d.PricingSummary.PriceSubtotal.Value),
		ShippingCost:       float64(d.PricingSummary.DeliveryCost.Value),
		Tax:                float64(d.PricingSummary.Tax.Value),
		Total:              float64(d.PricingSummary.Total.Value),
		Currency:           orDefault(d.PricingSummary.Total.Currency, "USD"),
		FinancialStatus:    foldVocab(ebayPaymentVocab, d.OrderPaymentStatus, "pending"),
		FulfillmentStatus:  foldVocab(ebayFulfillmentVocab, d.OrderFulfillmentStatus, ""),
		OrderedAt:          parseTime(d.CreationDate),
		Raw:                raw,
	}

	for _, li := range d.LineItems {
		qty := li.Quantity
		if qty <= 0 {
			qty = 1
		}
		sku := li.SKU
		if sku == "" {
			sku = orDefault(li.LegacyItemID, "unknown")
		}
		ev.Lines = append(ev.Lines, LineItem{
			SKU:               sku,
			Title:             orDefault(li.Title, "Unknown Item"),
			Quantity:          qty,
			UnitPrice:         float64(li.LineItemCost.Value),
			TotalPrice:        float64(li.Total.Value),
			MarketplaceItemID: li.LegacyItemID,
		})
	}
	return ev, nil
}

func foldVocab(vocab map[string]string, raw, fallback string) string {
	if v, ok := vocab[raw]; ok {
		return v
	}
	return fallback
}
