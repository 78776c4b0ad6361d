package normalizer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketsync/internal/channel"
	"marketsync/internal/models"
	"marketsync/internal/payload"
	"marketsync/internal/resolve"
	"marketsync/internal/status"
	"marketsync/internal/telemetry"
)

// handleOrderCreated creates the order with its sales and inventory events,
// or no-ops on a duplicate delivery. (marketplace, marketplace_order_id)
// uniqueness is the sole dedup mechanism: once the order row exists, line
// items are never created again, so a redelivery after a partial commit
// cannot duplicate them. Returns the ids of products that transitioned to
// SOLD.
func (n *Normalizer) handleOrderCreated(ctx context.Context, s Store, ev *payload.OrderEvent) (string, []string, error) {
	existing, err := s.OrderByMarketplaceID(ctx, ev.Marketplace, ev.MarketplaceOrderID)
	if err != nil {
		return "", nil, err
	}
	if existing != nil {
		telemetry.OrdersDuplicate.WithLabelValues(string(ev.Marketplace)).Inc()
		n.log.Info("duplicate order delivery",
			zap.String("marketplace", string(ev.Marketplace)),
			zap.String("marketplace_order_id", ev.MarketplaceOrderID))
		return existing.ID, nil, nil
	}

	order := n.buildOrder(ev)
	if err := s.CreateOrder(ctx, order); err != nil {
		return "", nil, fmt.Errorf("create order %s/%s: %w", ev.Marketplace, ev.MarketplaceOrderID, err)
	}

	resolver := resolve.NewResolver(s)
	var sold []string
	for _, li := range ev.Lines {
		res, err := resolver.Resolve(ctx, ev.Marketplace, li.SKU, li.MarketplaceItemID)
		if err != nil {
			return "", nil, err
		}
		if !res.Resolved {
			telemetry.SalesUnresolved.Inc()
			n.log.Warn("line item without catalog match",
				zap.String("marketplace", string(ev.Marketplace)),
				zap.String("sku", li.SKU),
				zap.String("marketplace_item_id", li.MarketplaceItemID))
		}

		sale := &models.Sale{
			ID:                uuid.NewString(),
			OrderID:           order.ID,
			ListingID:         res.ListingID,
			ProductID:         res.ProductID,
			SKU:               li.SKU,
			Title:             li.Title,
			Quantity:          li.Quantity,
			UnitPrice:         li.UnitPrice,
			TotalPrice:        li.TotalPrice,
			MarketplaceItemID: li.MarketplaceItemID,
			CreatedAt:         time.Now().UTC(),
		}
		if err := s.CreateSale(ctx, sale); err != nil {
			return "", nil, fmt.Errorf("create sale for order %s: %w", order.ID, err)
		}

		// Inventory moves only for resolved lines. Secondhand goods are
		// single-unit stock: one sale empties it and the product is SOLD.
		if res.ProductID != nil {
			invEvent := &models.InventoryEvent{
				ID:          uuid.NewString(),
				ProductID:   *res.ProductID,
				EventType:   models.InventorySale,
				Quantity:    -li.Quantity,
				PrevStock:   1,
				NewStock:    0,
				Marketplace: ev.Marketplace,
				OrderID:     &order.ID,
				Reason:      fmt.Sprintf("order %s on %s", ev.MarketplaceOrderID, ev.Marketplace),
				CreatedAt:   time.Now().UTC(),
			}
			if err := s.AppendInventoryEvent(ctx, invEvent); err != nil {
				return "", nil, fmt.Errorf("append inventory event for product %s: %w", *res.ProductID, err)
			}
			if err := s.UpdateProductStatus(ctx, *res.ProductID, models.ProductSold); err != nil {
				return "", nil, fmt.Errorf("mark product %s sold: %w", *res.ProductID, err)
			}
			sold = append(sold, *res.ProductID)
		}
	}

	telemetry.OrdersCreated.WithLabelValues(string(ev.Marketplace)).Inc()
	n.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("marketplace", string(ev.Marketplace)),
		zap.String("marketplace_order_id", ev.MarketplaceOrderID),
		zap.Float64("total", order.Total))
	return order.ID, sold, nil
}

// handleOrderUpdated updates status fields and the raw snapshot. Line items
// and the inventory ledger are never touched on update. A missing order
// falls back to the create path, healing out-of-order delivery.
func (n *Normalizer) handleOrderUpdated(ctx context.Context, s Store, ev *payload.OrderEvent) (string, []string, error) {
	existing, err := s.OrderByMarketplaceID(ctx, ev.Marketplace, ev.MarketplaceOrderID)
	if err != nil {
		return "", nil, err
	}
	if existing == nil {
		return n.handleOrderCreated(ctx, s, ev)
	}

	now := time.Now().UTC()
	existing.Status = status.Order(ev.FinancialStatus, ev.FulfillmentStatus, ev.CancelledAt)
	pay := n.mapPayment(ev)
	ful := n.mapFulfillment(ev)
	if pay == models.PaymentPaid && existing.PaymentStatus != models.PaymentPaid {
		existing.PaidAt = &now
	}
	if ful == models.FulfillmentFulfilled && existing.FulfillmentStatus != models.FulfillmentFulfilled {
		existing.ShippedAt = &now
	}
	existing.PaymentStatus = pay
	existing.FulfillmentStatus = ful
	existing.RawData = ev.Raw
	existing.UpdatedAt = now

	if err := s.UpdateOrder(ctx, existing); err != nil {
		return "", nil, fmt.Errorf("update order %s: %w", existing.ID, err)
	}
	n.log.Info("order updated",
		zap.String("order_id", existing.ID),
		zap.String("status", string(existing.Status)))
	return existing.ID, nil, nil
}

// handleOrderCancelled sets the order CANCELLED. The inventory ledger is
// left unreversed; restock is a manual operation.
func (n *Normalizer) handleOrderCancelled(ctx context.Context, s Store, ev *payload.OrderEvent) (string, error) {
	existing, err := s.OrderByMarketplaceID(ctx, ev.Marketplace, ev.MarketplaceOrderID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		// The cancellation arrived before the creation; the create path
		// maps the cancellation timestamp to CANCELLED directly.
		orderID, _, err := n.handleOrderCreated(ctx, s, ev)
		return orderID, err
	}

	existing.Status = models.OrderCancelled
	existing.RawData = ev.Raw
	existing.UpdatedAt = time.Now().UTC()
	if err := s.UpdateOrder(ctx, existing); err != nil {
		return "", fmt.Errorf("cancel order %s: %w", existing.ID, err)
	}
	n.log.Info("order cancelled", zap.String("order_id", existing.ID))
	return existing.ID, nil
}

// Provider listing statuses mapped onto internal listing statuses.
var listingStatusVocab = map[string]models.ListingStatus{
	"active":   models.ListingActive,
	"archived": models.ListingEnded,
	"draft":    models.ListingDraft,
}

// handleCatalogUpdated syncs listing status and price for a tracked
// listing; an untracked provider product is a no-op. Returns the product id
// when the update carried a content change worth re-translating.
func (n *Normalizer) handleCatalogUpdated(ctx context.Context, s Store, ev *payload.CatalogEvent) (string, error) {
	listing, err := s.ListingByMarketplaceID(ctx, ev.Marketplace, ev.MarketplaceProductID)
	if err != nil {
		return "", err
	}
	if listing == nil {
		n.log.Info("catalog update for untracked product",
			zap.String("marketplace", string(ev.Marketplace)),
			zap.String("marketplace_product_id", ev.MarketplaceProductID))
		return "", nil
	}

	mapped, ok := listingStatusVocab[ev.RawStatus]
	if !ok {
		telemetry.UnknownStatuses.WithLabelValues("listing_status").Inc()
		n.log.Warn("unknown listing status",
			zap.String("raw", ev.RawStatus),
			zap.String("listing_id", listing.ID))
		mapped = listing.Status
	}

	if err := s.UpdateListing(ctx, listing.ID, mapped, ev.Price); err != nil {
		return "", fmt.Errorf("update listing %s: %w", listing.ID, err)
	}
	n.log.Info("listing synced",
		zap.String("listing_id", listing.ID),
		zap.String("status", string(mapped)))

	if ev.Title != "" {
		return listing.ProductID, nil
	}
	return "", nil
}

// handleRevoked deactivates everything tied to the marketplace. Repeating
// it is a no-op.
func (n *Normalizer) handleRevoked(ctx context.Context, s Store, ev *payload.RevokeEvent) error {
	listings, err := s.DeactivateListings(ctx, ev.Marketplace)
	if err != nil {
		return fmt.Errorf("deactivate listings for %s: %w", ev.Marketplace, err)
	}
	creds, err := s.DeactivateCredentials(ctx, ev.Marketplace)
	if err != nil {
		return fmt.Errorf("deactivate credentials for %s: %w", ev.Marketplace, err)
	}
	n.log.Warn("integration revoked",
		zap.String("marketplace", string(ev.Marketplace)),
		zap.Int64("listings_deactivated", listings),
		zap.Int64("credentials_deactivated", creds))
	return nil
}

func (n *Normalizer) buildOrder(ev *payload.OrderEvent) *models.Order {
	now := time.Now().UTC()
	order := &models.Order{
		ID:                 uuid.NewString(),
		Marketplace:        ev.Marketplace,
		MarketplaceOrderID: ev.MarketplaceOrderID,
		BuyerUsername:      ev.BuyerUsername,
		ShippingAddress:    ev.ShippingAddress,
		Subtotal:           ev.Subtotal,
		ShippingCost:       ev.ShippingCost,
		Tax:                ev.Tax,
		Total:              ev.Total,
		Currency:           ev.Currency,
		Status:             status.Order(ev.FinancialStatus, ev.FulfillmentStatus, ev.CancelledAt),
		PaymentStatus:      n.mapPayment(ev),
		FulfillmentStatus:  n.mapFulfillment(ev),
		OrderedAt:          ev.OrderedAt,
		RawData:            ev.Raw,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if ev.BuyerEmail != "" {
		order.BuyerEmail = &ev.BuyerEmail
	}
	if ev.BuyerName != "" {
		order.BuyerName = &ev.BuyerName
	}
	if ev.Marketplace == models.MarketplaceShopify {
		order.SourceChannel = channel.Classify(ev.AppID)
	}
	if order.PaymentStatus == models.PaymentPaid {
		order.PaidAt = &now
	}
	return order
}

func (n *Normalizer) mapPayment(ev *payload.OrderEvent) models.PaymentStatus {
	pay, known := status.Payment(ev.FinancialStatus)
	if !known {
		telemetry.UnknownStatuses.WithLabelValues("payment_status").Inc()
		n.log.Warn("unknown payment status",
			zap.String("raw", ev.FinancialStatus),
			zap.String("marketplace", string(ev.Marketplace)))
	}
	return pay
}

func (n *Normalizer) mapFulfillment(ev *payload.OrderEvent) models.FulfillmentStatus {
	ful, known := status.Fulfillment(ev.FulfillmentStatus)
	if !known {
		telemetry.UnknownStatuses.WithLabelValues("fulfillment_status").Inc()
		n.log.Warn("unknown fulfillment status",
			zap.String("raw", ev.FulfillmentStatus),
			zap.String("marketplace", string(ev.Marketplace)))
	}
	if ev.Marketplace == models.MarketplaceShopify {
		ful = channel.Fulfillment(channel.Classify(ev.AppID), ev.FulfillmentStatus, ful)
	}
	return ful
}
