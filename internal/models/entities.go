package models

import (
	"encoding/json"
	"time"
)

// Marketplace identifies the external provider an entity belongs to.
type Marketplace string

const (
	MarketplaceEbay    Marketplace = "EBAY"
	MarketplaceJoom    Marketplace = "JOOM"
	MarketplaceShopify Marketplace = "SHOPIFY"
	MarketplaceEtsy    Marketplace = "ETSY"
)

// Channel names the sales channel an order came through. Instagram and
// TikTok storefronts ride on the Shopify hub, so they share its order feed
// and are told apart by the numeric app id on the payload.
type Channel string

const (
	ChannelShopify       Channel = "SHOPIFY"
	ChannelInstagramShop Channel = "INSTAGRAM_SHOP"
	ChannelTikTokShop    Channel = "TIKTOK_SHOP"
)

// Canonical order status.
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderConfirmed  OrderStatus = "CONFIRMED"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderShipped    OrderStatus = "SHIPPED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderRefunded   OrderStatus = "REFUNDED"
	OrderDispute    OrderStatus = "DISPUTE"
)

// Canonical payment status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
	PaymentFailed   PaymentStatus = "FAILED"
)

// Canonical fulfillment status.
type FulfillmentStatus string

const (
	FulfillmentUnfulfilled        FulfillmentStatus = "UNFULFILLED"
	FulfillmentPartiallyFulfilled FulfillmentStatus = "PARTIALLY_FULFILLED"
	FulfillmentFulfilled          FulfillmentStatus = "FULFILLED"
	FulfillmentOnHold             FulfillmentStatus = "ON_HOLD"
	FulfillmentReturned           FulfillmentStatus = "RETURNED"
)

// EventStatus is the processing lifecycle of a stored webhook delivery.
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventCompleted EventStatus = "COMPLETED"
	EventFailed    EventStatus = "FAILED"
	EventIgnored   EventStatus = "IGNORED"
)

// WebhookEvent is a raw delivery as received, persisted before any
// processing. It is linked to at most one Order, and only after every
// dependent write for that order has committed.
type WebhookEvent struct {
	ID           string            `json:"id"`
	Provider     string            `json:"provider"`
	EventType    string            `json:"event_type"`
	Payload      json.RawMessage   `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	OrderID      *string           `json:"order_id,omitempty"`
	Status       EventStatus       `json:"status"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count"`
	CreatedAt    time.Time         `json:"created_at"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
}

// Address is the shipping destination captured from the order payload.
type Address struct {
	Line1      string `json:"address_line1,omitempty"`
	Line2      string `json:"address_line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state_or_province,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Order is the canonical order row. (marketplace, marketplace_order_id) is
// unique and is the sole dedup key for order creation.
type Order struct {
	ID                 string            `json:"id"`
	Marketplace        Marketplace       `json:"marketplace"`
	MarketplaceOrderID string            `json:"marketplace_order_id"`
	BuyerUsername      string            `json:"buyer_username"`
	BuyerEmail         *string           `json:"buyer_email,omitempty"`
	BuyerName          *string           `json:"buyer_name,omitempty"`
	ShippingAddress    Address           `json:"shipping_address"`
	Subtotal           float64           `json:"subtotal"`
	ShippingCost       float64           `json:"shipping_cost"`
	Tax                float64           `json:"tax"`
	Total              float64           `json:"total"`
	Currency           string            `json:"currency"`
	Status             OrderStatus       `json:"status"`
	PaymentStatus      PaymentStatus     `json:"payment_status"`
	FulfillmentStatus  FulfillmentStatus `json:"fulfillment_status"`
	SourceChannel      Channel           `json:"source_channel"`
	OrderedAt          time.Time         `json:"ordered_at"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	ShippedAt          *time.Time        `json:"shipped_at,omitempty"`
	RawData            json.RawMessage   `json:"raw_data,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Sale is one order line. Created exactly once per line item at order
// creation; immutable afterward. Product/Listing links are optional so an
// order is never lost for want of a catalog match.
type Sale struct {
	ID                string    `json:"id"`
	OrderID           string    `json:"order_id"`
	ListingID         *string   `json:"listing_id,omitempty"`
	ProductID         *string   `json:"product_id,omitempty"`
	SKU               string    `json:"sku"`
	Title             string    `json:"title"`
	Quantity          int       `json:"quantity"`
	UnitPrice         float64   `json:"unit_price"`
	TotalPrice        float64   `json:"total_price"`
	MarketplaceItemID string    `json:"marketplace_item_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// InventoryEventType classifies a stock mutation.
type InventoryEventType string

const (
	InventorySale       InventoryEventType = "SALE"
	InventoryRestock    InventoryEventType = "RESTOCK"
	InventoryAdjustment InventoryEventType = "ADJUSTMENT"
	InventoryReturn     InventoryEventType = "RETURN"
)

// InventoryEvent is one row of the append-only stock ledger. Never updated
// or deleted; it is the audit trail for every stock mutation.
type InventoryEvent struct {
	ID          string             `json:"id"`
	ProductID   string             `json:"product_id"`
	EventType   InventoryEventType `json:"event_type"`
	Quantity    int                `json:"quantity"`
	PrevStock   int                `json:"prev_stock"`
	NewStock    int                `json:"new_stock"`
	Marketplace Marketplace        `json:"marketplace,omitempty"`
	OrderID     *string            `json:"order_id,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// ProductStatus enumerates catalog lifecycle states this layer touches.
type ProductStatus string

const (
	ProductActive     ProductStatus = "ACTIVE"
	ProductSold       ProductStatus = "SOLD"
	ProductOutOfStock ProductStatus = "OUT_OF_STOCK"
	ProductDraft      ProductStatus = "DRAFT"
)

// Product is owned elsewhere; this layer only reads it and transitions its
// status (ACTIVE -> SOLD on a sale that empties stock).
type Product struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Status    ProductStatus `json:"status"`
	Price     float64       `json:"price"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ListingStatus enumerates per-marketplace listing states.
type ListingStatus string

const (
	ListingActive     ListingStatus = "ACTIVE"
	ListingEnded      ListingStatus = "ENDED"
	ListingDraft      ListingStatus = "DRAFT"
	ListingPaused     ListingStatus = "PAUSED"
	ListingPublishing ListingStatus = "PUBLISHING"
	ListingError      ListingStatus = "ERROR"
)

// Listing is a product's presence on one marketplace. Unique per
// (product_id, marketplace); also looked up by (marketplace,
// marketplace_listing_id) when resolving provider payloads.
type Listing struct {
	ID                   string        `json:"id"`
	ProductID            string        `json:"product_id"`
	Marketplace          Marketplace   `json:"marketplace"`
	MarketplaceListingID string        `json:"marketplace_listing_id,omitempty"`
	Status               ListingStatus `json:"status"`
	ListingPrice         float64       `json:"listing_price"`
	Currency             string        `json:"currency"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Credential is a stored marketplace API credential. Deactivated in bulk
// when the provider revokes the integration.
type Credential struct {
	ID          string      `json:"id"`
	Marketplace Marketplace `json:"marketplace"`
	Name        string      `json:"name"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
