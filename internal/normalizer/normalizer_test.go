package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/models"
)

// memStore implements Store and TxRunner in memory. InTx snapshots state
// and restores it when fn fails, mimicking a rollback.
type memStore struct {
	mu              sync.Mutex
	orders          map[string]*models.Order // by marketplace/marketplaceOrderID
	sales           []models.Sale
	inventoryEvents []models.InventoryEvent
	products        map[string]*models.Product
	listings        map[string]*models.Listing // by id
	credentials     map[string]*models.Credential
	eventLinks      map[string]eventLink

	failCreateSale bool
}

type eventLink struct {
	orderID *string
	status  models.EventStatus
}

func newMemStore() *memStore {
	return &memStore{
		orders:      make(map[string]*models.Order),
		products:    make(map[string]*models.Product),
		listings:    make(map[string]*models.Listing),
		credentials: make(map[string]*models.Credential),
		eventLinks:  make(map[string]eventLink),
	}
}

func orderKey(m models.Marketplace, id string) string { return string(m) + "/" + id }

func (st *memStore) InTx(_ context.Context, fn func(Store) error) error {
	st.mu.Lock()
	snapshot := st.clone()
	st.mu.Unlock()

	if err := fn(st); err != nil {
		st.mu.Lock()
		st.restore(snapshot)
		st.mu.Unlock()
		return err
	}
	return nil
}

func (st *memStore) clone() *memStore {
	cp := newMemStore()
	for k, v := range st.orders {
		o := *v
		cp.orders[k] = &o
	}
	cp.sales = append([]models.Sale(nil), st.sales...)
	cp.inventoryEvents = append([]models.InventoryEvent(nil), st.inventoryEvents...)
	for k, v := range st.products {
		p := *v
		cp.products[k] = &p
	}
	for k, v := range st.listings {
		l := *v
		cp.listings[k] = &l
	}
	for k, v := range st.credentials {
		c := *v
		cp.credentials[k] = &c
	}
	for k, v := range st.eventLinks {
		cp.eventLinks[k] = v
	}
	return cp
}

func (st *memStore) restore(cp *memStore) {
	st.orders = cp.orders
	st.sales = cp.sales
	st.inventoryEvents = cp.inventoryEvents
	st.products = cp.products
	st.listings = cp.listings
	st.credentials = cp.credentials
	st.eventLinks = cp.eventLinks
}

func (st *memStore) OrderByMarketplaceID(_ context.Context, m models.Marketplace, id string) (*models.Order, error) {
	if o, ok := st.orders[orderKey(m, id)]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (st *memStore) CreateOrder(_ context.Context, o *models.Order) error {
	key := orderKey(o.Marketplace, o.MarketplaceOrderID)
	if _, exists := st.orders[key]; exists {
		return fmt.Errorf("duplicate key (marketplace, marketplace_order_id)")
	}
	cp := *o
	st.orders[key] = &cp
	return nil
}

func (st *memStore) UpdateOrder(_ context.Context, o *models.Order) error {
	cp := *o
	st.orders[orderKey(o.Marketplace, o.MarketplaceOrderID)] = &cp
	return nil
}

func (st *memStore) CreateSale(_ context.Context, s *models.Sale) error {
	if st.failCreateSale {
		return errors.New("injected sale failure")
	}
	st.sales = append(st.sales, *s)
	return nil
}

func (st *memStore) AppendInventoryEvent(_ context.Context, e *models.InventoryEvent) error {
	st.inventoryEvents = append(st.inventoryEvents, *e)
	return nil
}

func (st *memStore) ProductExists(_ context.Context, productID string) (bool, error) {
	_, ok := st.products[productID]
	return ok, nil
}

func (st *memStore) UpdateProductStatus(_ context.Context, productID string, status models.ProductStatus) error {
	p, ok := st.products[productID]
	if !ok {
		return fmt.Errorf("product %s not found", productID)
	}
	p.Status = status
	return nil
}

func (st *memStore) ListingByMarketplaceID(_ context.Context, m models.Marketplace, listingID string) (*models.Listing, error) {
	for _, l := range st.listings {
		if l.Marketplace == m && l.MarketplaceListingID == listingID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (st *memStore) UpdateListing(_ context.Context, listingID string, status models.ListingStatus, price *float64) error {
	l, ok := st.listings[listingID]
	if !ok {
		return fmt.Errorf("listing %s not found", listingID)
	}
	l.Status = status
	if price != nil {
		l.ListingPrice = *price
	}
	return nil
}

func (st *memStore) DeactivateListings(_ context.Context, m models.Marketplace) (int64, error) {
	var n int64
	for _, l := range st.listings {
		if l.Marketplace == m && l.Status == models.ListingActive {
			l.Status = models.ListingEnded
			n++
		}
	}
	return n, nil
}

func (st *memStore) DeactivateCredentials(_ context.Context, m models.Marketplace) (int64, error) {
	var n int64
	for _, c := range st.credentials {
		if c.Marketplace == m && c.IsActive {
			c.IsActive = false
			n++
		}
	}
	return n, nil
}

func (st *memStore) LinkEvent(_ context.Context, eventID string, orderID *string, status models.EventStatus) error {
	st.eventLinks[eventID] = eventLink{orderID: orderID, status: status}
	return nil
}

type memJobs struct {
	mu   sync.Mutex
	jobs []models.JobEnvelope
}

func (m *memJobs) Enqueue(_ context.Context, env models.JobEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, env)
	return nil
}

const shopifyOrderBody = `{
	"id": 777,
	"email": "buyer@example.com",
	"currency": "USD",
	"subtotal_price": "50.00",
	"total_price": "55.00",
	"financial_status": "paid",
	"created_at": "2025-06-01T10:00:00Z",
	"line_items": [
		{"sku": "RAKUDA-SHOP-p1", "title": "Tea Set", "quantity": 1, "price": "50.00", "product_id": 42}
	]
}`

func webhookEvent(id, provider, eventType, body string) *models.WebhookEvent {
	return &models.WebhookEvent{
		ID:        id,
		Provider:  provider,
		EventType: eventType,
		Payload:   json.RawMessage(body),
		Status:    models.EventPending,
	}
}

func seededStore() *memStore {
	st := newMemStore()
	st.products["p1"] = &models.Product{ID: "p1", Status: models.ProductActive}
	st.listings["l1"] = &models.Listing{
		ID: "l1", ProductID: "p1",
		Marketplace: models.MarketplaceShopify, MarketplaceListingID: "42",
		Status: models.ListingActive,
	}
	return st
}

func TestOrderCreatedWritesAllState(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	jobs := &memJobs{}
	n := New(st, jobs, nil)

	ev := webhookEvent("e1", "shopify", "orders/create", shopifyOrderBody)
	require.NoError(t, n.Process(ctx, ev))

	order, err := st.OrderByMarketplaceID(ctx, models.MarketplaceShopify, "777")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, models.OrderConfirmed, order.Status)
	assert.Equal(t, models.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, models.FulfillmentUnfulfilled, order.FulfillmentStatus)
	assert.Equal(t, models.ChannelShopify, order.SourceChannel)
	assert.NotNil(t, order.PaidAt)

	require.Len(t, st.sales, 1)
	assert.Equal(t, "p1", *st.sales[0].ProductID)
	assert.Equal(t, "l1", *st.sales[0].ListingID)

	require.Len(t, st.inventoryEvents, 1)
	inv := st.inventoryEvents[0]
	assert.Equal(t, models.InventorySale, inv.EventType)
	assert.Equal(t, -1, inv.Quantity)
	assert.Equal(t, 1, inv.PrevStock)
	assert.Equal(t, 0, inv.NewStock)
	assert.Equal(t, order.ID, *inv.OrderID)

	assert.Equal(t, models.ProductSold, st.products["p1"].Status)

	link := st.eventLinks["e1"]
	require.NotNil(t, link.orderID)
	assert.Equal(t, order.ID, *link.orderID)
	assert.Equal(t, models.EventCompleted, link.status)

	// The sold product goes out for cross-channel publish.
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, models.QueuePublish, jobs.jobs[0].Queue)
	assert.JSONEq(t, `{"product_id":"p1","trigger":"sold"}`, string(jobs.jobs[0].Payload))
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	n := New(st, &memJobs{}, nil)

	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "orders/create", shopifyOrderBody)))
	require.NoError(t, n.Process(ctx, webhookEvent("e2", "shopify", "orders/create", shopifyOrderBody)))

	assert.Len(t, st.orders, 1)
	assert.Len(t, st.sales, 1)
	assert.Len(t, st.inventoryEvents, 1)

	// Both events linked to the same order.
	first, second := st.eventLinks["e1"], st.eventLinks["e2"]
	require.NotNil(t, first.orderID)
	require.NotNil(t, second.orderID)
	assert.Equal(t, *first.orderID, *second.orderID)
	assert.Equal(t, models.EventCompleted, second.status)
}

func TestUpdateOnMissingOrderFallsBackToCreate(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	n := New(st, &memJobs{}, nil)

	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "orders/updated", shopifyOrderBody)))

	order, err := st.OrderByMarketplaceID(ctx, models.MarketplaceShopify, "777")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Len(t, st.sales, 1)
	assert.Len(t, st.inventoryEvents, 1)
}

func TestUpdateTouchesOnlyStatusFields(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	n := New(st, &memJobs{}, nil)

	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "orders/create", shopifyOrderBody)))

	updated := `{
		"id": 777,
		"financial_status": "paid",
		"fulfillment_status": "fulfilled",
		"line_items": [
			{"sku": "RAKUDA-SHOP-p1", "title": "Tea Set", "quantity": 1, "price": "50.00", "product_id": 42}
		]
	}`
	require.NoError(t, n.Process(ctx, webhookEvent("e2", "shopify", "orders/updated", updated)))

	order, err := st.OrderByMarketplaceID(ctx, models.MarketplaceShopify, "777")
	require.NoError(t, err)
	assert.Equal(t, models.OrderShipped, order.Status)
	assert.Equal(t, models.FulfillmentFulfilled, order.FulfillmentStatus)
	assert.NotNil(t, order.ShippedAt)

	// No new sales or inventory events from the update.
	assert.Len(t, st.sales, 1)
	assert.Len(t, st.inventoryEvents, 1)
}

func TestCancellationSetsCancelledWithoutRestock(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	n := New(st, &memJobs{}, nil)

	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "orders/create", shopifyOrderBody)))
	require.NoError(t, n.Process(ctx, webhookEvent("e2", "shopify", "orders/cancelled", shopifyOrderBody)))

	order, err := st.OrderByMarketplaceID(ctx, models.MarketplaceShopify, "777")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, order.Status)
	// Ledger is never reversed automatically.
	assert.Len(t, st.inventoryEvents, 1)
}

func TestUnresolvedLineStillRecordsSale(t *testing.T) {
	ctx := context.Background()
	st := newMemStore() // no products, no listings
	n := New(st, &memJobs{}, nil)

	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "orders/create", shopifyOrderBody)))

	require.Len(t, st.sales, 1)
	assert.Nil(t, st.sales[0].ProductID)
	assert.Nil(t, st.sales[0].ListingID)
	// No inventory effect for an unresolved line.
	assert.Empty(t, st.inventoryEvents)
}

func TestHandlerFailureRollsBackAndLeavesEventUnlinked(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	st.failCreateSale = true
	n := New(st, &memJobs{}, nil)

	err := n.Process(ctx, webhookEvent("e1", "shopify", "orders/create", shopifyOrderBody))
	require.Error(t, err)

	// Rollback: no partial order, no link.
	assert.Empty(t, st.orders)
	assert.Empty(t, st.sales)
	_, linked := st.eventLinks["e1"]
	assert.False(t, linked)

	// The redelivery succeeds once the fault clears.
	st.failCreateSale = false
	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "orders/create", shopifyOrderBody)))
	assert.Len(t, st.orders, 1)
}

func TestCatalogUpdateSyncsListing(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	jobs := &memJobs{}
	n := New(st, jobs, nil)

	body := `{"id": 42, "title": "Tea Set", "status": "archived", "variants": [{"price": "45.00"}]}`
	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "products/update", body)))

	assert.Equal(t, models.ListingEnded, st.listings["l1"].Status)
	assert.Equal(t, 45.0, st.listings["l1"].ListingPrice)

	// A title change sends the product out for re-translation.
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, models.QueueTranslate, jobs.jobs[0].Queue)
	assert.JSONEq(t, `{"product_id":"p1","trigger":"catalog_updated"}`, string(jobs.jobs[0].Payload))
}

func TestCatalogUpdateUntrackedProductIsNoop(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	n := New(st, &memJobs{}, nil)

	body := `{"id": 9999, "status": "active"}`
	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "products/update", body)))

	assert.Equal(t, models.ListingActive, st.listings["l1"].Status)
	assert.Equal(t, models.EventCompleted, st.eventLinks["e1"].status)
}

func TestIntegrationRevokedDeactivatesEverything(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	st.credentials["c1"] = &models.Credential{ID: "c1", Marketplace: models.MarketplaceShopify, IsActive: true}
	st.credentials["c2"] = &models.Credential{ID: "c2", Marketplace: models.MarketplaceEbay, IsActive: true}
	n := New(st, &memJobs{}, nil)

	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "app/uninstalled", `{}`)))

	assert.Equal(t, models.ListingEnded, st.listings["l1"].Status)
	assert.False(t, st.credentials["c1"].IsActive)
	// Other marketplaces untouched.
	assert.True(t, st.credentials["c2"].IsActive)

	// Running it again is a no-op.
	require.NoError(t, n.Process(ctx, webhookEvent("e2", "shopify", "app/uninstalled", `{}`)))
	assert.False(t, st.credentials["c1"].IsActive)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	n := New(st, &memJobs{}, nil)

	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "themes/update", `{}`)))
	assert.Equal(t, models.EventIgnored, st.eventLinks["e1"].status)
}

func TestInventoryLevelIsObservationOnly(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	n := New(st, &memJobs{}, nil)

	body := `{"inventory_item_id": 5, "available": 3}`
	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "inventory_levels/update", body)))

	assert.Empty(t, st.inventoryEvents)
	assert.Equal(t, models.EventCompleted, st.eventLinks["e1"].status)
}

func TestTikTokOrderGetsOnHold(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	n := New(st, &memJobs{}, nil)

	body := `{
		"id": 888,
		"app_id": 4383523,
		"financial_status": "authorized",
		"fulfillment_status": "on_hold",
		"line_items": []
	}`
	require.NoError(t, n.Process(ctx, webhookEvent("e1", "shopify", "orders/create", body)))

	order, err := st.OrderByMarketplaceID(ctx, models.MarketplaceShopify, "888")
	require.NoError(t, err)
	assert.Equal(t, models.ChannelTikTokShop, order.SourceChannel)
	assert.Equal(t, models.FulfillmentOnHold, order.FulfillmentStatus)
}
