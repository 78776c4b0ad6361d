package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"marketsync/internal/models"
)

// Shopify webhook topics handled here. Topics arrive in the
// X-Shopify-Topic header.
const (
	topicOrdersCreate    = "orders/create"
	topicOrdersUpdated   = "orders/updated"
	topicOrdersCancelled = "orders/cancelled"
	topicProductsUpdate  = "products/update"
	topicInventoryLevels = "inventory_levels/update"
	topicAppUninstalled  = "app/uninstalled"
)

type shopifyOrder struct {
	ID                json.Number `json:"id"`
	Email             string      `json:"email"`
	Currency          string      `json:"currency"`
	SubtotalPrice     money       `json:"subtotal_price"`
	TotalTax          money       `json:"total_tax"`
	TotalPrice        money       `json:"total_price"`
	FinancialStatus   string      `json:"financial_status"`
	FulfillmentStatus string      `json:"fulfillment_status"`
	CancelledAt       *time.Time  `json:"cancelled_at"`
	CreatedAt         string      `json:"created_at"`
	AppID             int64       `json:"app_id"`
	Customer          struct {
		Email     string `json:"email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"customer"`
	ShippingAddress struct {
		Address1 string `json:"address1"`
		Address2 string `json:"address2"`
		City     string `json:"city"`
		Province string `json:"province"`
		Zip      string `json:"zip"`
		Country  string `json:"country_code"`
	} `json:"shipping_address"`
	TotalShippingPriceSet struct {
		ShopMoney struct {
			Amount money `json:"amount"`
		} `json:"shop_money"`
	} `json:"total_shipping_price_set"`
	LineItems []struct {
		SKU       string      `json:"sku"`
		Title     string      `json:"title"`
		Quantity  int         `json:"quantity"`
		Price     money       `json:"price"`
		ProductID json.Number `json:"product_id"`
	} `json:"line_items"`
}

func normalizeShopify(eventType string, raw json.RawMessage) (Event, error) {
	switch eventType {
	case topicOrdersCreate, topicOrdersUpdated, topicOrdersCancelled:
		ev, err := shopifyOrderEvent(raw)
		if err != nil {
			return Event{}, err
		}
		kind := KindOrderCreated
		switch eventType {
		case topicOrdersUpdated:
			kind = KindOrderUpdated
		case topicOrdersCancelled:
			kind = KindOrderCancelled
			if ev.CancelledAt == nil {
				now := time.Now().UTC()
				ev.CancelledAt = &now
			}
		}
		return Event{Kind: kind, Order: ev}, nil

	case topicProductsUpdate:
		if err := validate("shopify-product.json", raw); err != nil {
			return Event{}, err
		}
		var p struct {
			ID       json.Number `json:"id"`
			Title    string      `json:"title"`
			Status   string      `json:"status"`
			Variants []struct {
				Price money `json:"price"`
			} `json:"variants"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return Event{}, fmt.Errorf("decode shopify product: %w", err)
		}
		ev := &CatalogEvent{
			Marketplace:          models.MarketplaceShopify,
			MarketplaceProductID: p.ID.String(),
			RawStatus:            p.Status,
			Title:                p.Title,
		}
		if len(p.Variants) > 0 {
			price := float64(p.Variants[0].Price)
			ev.Price = &price
		}
		return Event{Kind: KindCatalogUpdated, Catalog: ev}, nil

	case topicInventoryLevels:
		if err := validate("shopify-inventory.json", raw); err != nil {
			return Event{}, err
		}
		var lvl struct {
			InventoryItemID json.Number `json:"inventory_item_id"`
			Available       int         `json:"available"`
		}
		if err := json.Unmarshal(raw, &lvl); err != nil {
			return Event{}, fmt.Errorf("decode shopify inventory level: %w", err)
		}
		return Event{Kind: KindInventoryLevel, Inventory: &InventoryLevelEvent{
			Marketplace:     models.MarketplaceShopify,
			InventoryItemID: lvl.InventoryItemID.String(),
			Available:       lvl.Available,
		}}, nil

	case topicAppUninstalled:
		return Event{Kind: KindIntegrationRevoked, Revoke: &RevokeEvent{
			Marketplace: models.MarketplaceShopify,
		}}, nil

	default:
		return Event{Kind: KindUnknown}, nil
	}
}

func shopifyOrderEvent(raw json.RawMessage) (*OrderEvent, error) {
	if err := validate("shopify-order.json", raw); err != nil {
		return nil, err
	}
	var o shopifyOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode shopify order: %w", err)
	}

	buyerName := o.Customer.FirstName
	if o.Customer.LastName != "" {
		if buyerName != "" {
			buyerName += " "
		}
		buyerName += o.Customer.LastName
	}
	email := o.Email
	if email == "" {
		email = o.Customer.Email
	}
	username := email
	if username == "" {
		username = "unknown"
	}

	ev := &OrderEvent{
		Marketplace:        models.MarketplaceShopify,
		MarketplaceOrderID: o.ID.String(),
		BuyerUsername:      username,
		BuyerEmail:         email,
		BuyerName:          buyerName,
		ShippingAddress: models.Address{
			Line1:      o.ShippingAddress.Address1,
			Line2:      o.ShippingAddress.Address2,
			City:       o.ShippingAddress.City,
			State:      o.ShippingAddress.Province,
			PostalCode: o.ShippingAddress.Zip,
			Country:    o.ShippingAddress.Country,
		},
		Subtotal:          float64(o.SubtotalPrice),
		ShippingCost:      float64(o.TotalShippingPriceSet.ShopMoney.Amount),
		Tax:               float64(o.TotalTax),
		Total:             float64(o.TotalPrice),
		Currency:          orDefault(o.Currency, "USD"),
		FinancialStatus:   o.FinancialStatus,
		FulfillmentStatus: o.FulfillmentStatus,
		CancelledAt:       o.CancelledAt,
		AppID:             o.AppID,
		OrderedAt:         parseTime(o.CreatedAt),
		Raw:               raw,
	}

	for _, li := range o.LineItems {
		qty := li.Quantity
		if qty <= 0 {
			qty = 1
		}
		ev.Lines = append(ev.Lines, LineItem{
			SKU:               orDefault(li.SKU, li.ProductID.String()),
			Title:             orDefault(li.Title, "Shopify Item"),
			Quantity:          qty,
			UnitPrice:         float64(li.Price),
			TotalPrice:        float64(li.Price) * float64(qty),
			MarketplaceItemID: li.ProductID.String(),
		})
	}
	return ev, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
