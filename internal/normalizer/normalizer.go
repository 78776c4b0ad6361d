// Package normalizer turns webhook events into canonical state mutations.
// Every event is handled inside one transaction; the WebhookEvent row is
// linked last, so a crash mid-handler leaves the event unprocessed and the
// redelivery retries the whole handler against the dedup checks.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"marketsync/internal/models"
	"marketsync/internal/payload"
	"marketsync/internal/telemetry"
)

// Store is the transactional storage surface a handler runs against. All
// single-row lookups return (nil, nil) when nothing matches.
type Store interface {
	OrderByMarketplaceID(ctx context.Context, marketplace models.Marketplace, marketplaceOrderID string) (*models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	UpdateOrder(ctx context.Context, o *models.Order) error
	CreateSale(ctx context.Context, s *models.Sale) error
	AppendInventoryEvent(ctx context.Context, e *models.InventoryEvent) error
	ProductExists(ctx context.Context, productID string) (bool, error)
	UpdateProductStatus(ctx context.Context, productID string, status models.ProductStatus) error
	ListingByMarketplaceID(ctx context.Context, marketplace models.Marketplace, marketplaceListingID string) (*models.Listing, error)
	UpdateListing(ctx context.Context, listingID string, status models.ListingStatus, price *float64) error
	DeactivateListings(ctx context.Context, marketplace models.Marketplace) (int64, error)
	DeactivateCredentials(ctx context.Context, marketplace models.Marketplace) (int64, error)
	LinkEvent(ctx context.Context, eventID string, orderID *string, status models.EventStatus) error
}

// TxRunner runs a function against a transactional Store. The transaction
// commits only if fn returns nil.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Store) error) error
}

// Enqueuer submits background jobs. Enqueue failures after a committed
// transaction are logged, never propagated; the webhook is already done.
type Enqueuer interface {
	Enqueue(ctx context.Context, env models.JobEnvelope) error
}

// Normalizer routes webhook events to handlers.
type Normalizer struct {
	db   TxRunner
	jobs Enqueuer
	log  *zap.Logger
}

func New(db TxRunner, jobs Enqueuer, log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{db: db, jobs: jobs, log: log}
}

// Process handles one webhook event to completion. On success the event row
// is linked (COMPLETED or IGNORED) inside the same transaction as the state
// writes. On error nothing is committed and the caller decides how the
// event surfaces.
func (n *Normalizer) Process(ctx context.Context, event *models.WebhookEvent) error {
	timer := prometheus.NewTimer(telemetry.NormalizeDuration.WithLabelValues(event.Provider))
	defer timer.ObserveDuration()

	marketplace, err := marketplaceFor(event.Provider)
	if err != nil {
		return err
	}

	ev, err := payload.Normalize(marketplace, event.EventType, event.Payload)
	if err != nil {
		return fmt.Errorf("normalize %s %s: %w", event.Provider, event.EventType, err)
	}

	var soldProducts []string
	var changedProduct string
	err = n.db.InTx(ctx, func(s Store) error {
		switch ev.Kind {
		case payload.KindOrderCreated:
			orderID, sold, err := n.handleOrderCreated(ctx, s, ev.Order)
			if err != nil {
				return err
			}
			soldProducts = sold
			return s.LinkEvent(ctx, event.ID, &orderID, models.EventCompleted)

		case payload.KindOrderUpdated:
			orderID, sold, err := n.handleOrderUpdated(ctx, s, ev.Order)
			if err != nil {
				return err
			}
			soldProducts = sold
			return s.LinkEvent(ctx, event.ID, &orderID, models.EventCompleted)

		case payload.KindOrderCancelled:
			orderID, err := n.handleOrderCancelled(ctx, s, ev.Order)
			if err != nil {
				return err
			}
			return s.LinkEvent(ctx, event.ID, &orderID, models.EventCompleted)

		case payload.KindCatalogUpdated:
			productID, err := n.handleCatalogUpdated(ctx, s, ev.Catalog)
			if err != nil {
				return err
			}
			changedProduct = productID
			return s.LinkEvent(ctx, event.ID, nil, models.EventCompleted)

		case payload.KindInventoryLevel:
			// Observation only; reserved as a reconciliation hook.
			n.log.Info("inventory level observed",
				zap.String("marketplace", string(ev.Inventory.Marketplace)),
				zap.String("inventory_item_id", ev.Inventory.InventoryItemID),
				zap.Int("available", ev.Inventory.Available))
			return s.LinkEvent(ctx, event.ID, nil, models.EventCompleted)

		case payload.KindIntegrationRevoked:
			if err := n.handleRevoked(ctx, s, ev.Revoke); err != nil {
				return err
			}
			return s.LinkEvent(ctx, event.ID, nil, models.EventCompleted)

		default:
			telemetry.WebhooksIgnored.WithLabelValues(event.Provider).Inc()
			n.log.Info("unhandled event type",
				zap.String("provider", event.Provider),
				zap.String("event_type", event.EventType))
			return s.LinkEvent(ctx, event.ID, nil, models.EventIgnored)
		}
	})
	if err != nil {
		return err
	}

	// Fire-and-forget: a sold product goes out for cross-channel publish,
	// and a content change goes out for re-translation.
	for _, productID := range soldProducts {
		n.enqueueJob(ctx, models.QueuePublish, "publish", productID, "sold")
	}
	if changedProduct != "" {
		n.enqueueJob(ctx, models.QueueTranslate, "translate", changedProduct, "catalog_updated")
	}
	return nil
}

func (n *Normalizer) enqueueJob(ctx context.Context, queue, name, productID, trigger string) {
	input, _ := json.Marshal(map[string]string{
		"product_id": productID,
		"trigger":    trigger,
	})
	env := models.JobEnvelope{
		ID:         uuid.NewString(),
		Name:       name,
		Queue:      queue,
		Payload:    input,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := n.jobs.Enqueue(ctx, env); err != nil {
		n.log.Error("failed to enqueue job",
			zap.String("queue", queue),
			zap.String("product_id", productID), zap.Error(err))
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(queue).Inc()
}

func marketplaceFor(provider string) (models.Marketplace, error) {
	switch provider {
	case "shopify":
		return models.MarketplaceShopify, nil
	case "ebay":
		return models.MarketplaceEbay, nil
	case "joom":
		return models.MarketplaceJoom, nil
	default:
		return "", fmt.Errorf("unknown provider %q", provider)
	}
}
