package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"marketsync/internal/models"
)

// OrderByMarketplaceID looks up an order by its dedup key. Returns
// (nil, nil) when no row matches.
func (q *queries) OrderByMarketplaceID(ctx context.Context, marketplace models.Marketplace, marketplaceOrderID string) (*models.Order, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, marketplace, marketplace_order_id, buyer_username, buyer_email, buyer_name,
		       shipping_address, subtotal, shipping_cost, tax, total, currency,
		       status, payment_status, fulfillment_status, source_channel,
		       ordered_at, paid_at, shipped_at, raw_data, created_at, updated_at
		FROM orders
		WHERE marketplace = $1 AND marketplace_order_id = $2
	`, marketplace, marketplaceOrderID)

	o, err := scanOrder(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query order %s/%s: %w", marketplace, marketplaceOrderID, err)
	}
	return o, nil
}

// CreateOrder inserts the order row. The unique (marketplace,
// marketplace_order_id) constraint converts a creation race into an error
// for the losing writer, whose whole transaction then rolls back and the
// redelivery observes the winner's row.
func (q *queries) CreateOrder(ctx context.Context, o *models.Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO orders (id, marketplace, marketplace_order_id, buyer_username, buyer_email, buyer_name,
		                    shipping_address, subtotal, shipping_cost, tax, total, currency,
		                    status, payment_status, fulfillment_status, source_channel,
		                    ordered_at, paid_at, shipped_at, raw_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
	`, o.ID, o.Marketplace, o.MarketplaceOrderID, o.BuyerUsername, o.BuyerEmail, o.BuyerName,
		addr, o.Subtotal, o.ShippingCost, o.Tax, o.Total, o.Currency,
		o.Status, o.PaymentStatus, o.FulfillmentStatus, nullableChannel(o.SourceChannel),
		o.OrderedAt, o.PaidAt, o.ShippedAt, o.RawData, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder persists status fields and the raw snapshot. Identity,
// buyer, and monetary columns are immutable after creation.
func (q *queries) UpdateOrder(ctx context.Context, o *models.Order) error {
	_, err := q.db.Exec(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, fulfillment_status = $4,
		    paid_at = $5, shipped_at = $6, raw_data = $7, updated_at = NOW()
		WHERE id = $1
	`, o.ID, o.Status, o.PaymentStatus, o.FulfillmentStatus, o.PaidAt, o.ShippedAt, o.RawData)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return nil
}

// CreateSale inserts one order line.
func (q *queries) CreateSale(ctx context.Context, s *models.Sale) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO sales (id, order_id, listing_id, product_id, sku, title, quantity,
		                   unit_price, total_price, marketplace_item_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.ID, s.OrderID, s.ListingID, s.ProductID, s.SKU, s.Title, s.Quantity,
		s.UnitPrice, s.TotalPrice, s.MarketplaceItemID, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

// AppendInventoryEvent appends one ledger row. The table has no update
// path anywhere in this package.
func (q *queries) AppendInventoryEvent(ctx context.Context, e *models.InventoryEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO inventory_events (id, product_id, event_type, quantity, prev_stock, new_stock,
		                              marketplace, order_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.ProductID, e.EventType, e.Quantity, e.PrevStock, e.NewStock,
		e.Marketplace, e.OrderID, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert inventory event: %w", err)
	}
	return nil
}

func (q *queries) ProductExists(ctx context.Context, productID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)
	`, productID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check product %s: %w", productID, err)
	}
	return exists, nil
}

func (q *queries) UpdateProductStatus(ctx context.Context, productID string, status models.ProductStatus) error {
	_, err := q.db.Exec(ctx, `
		UPDATE products SET status = $2, updated_at = NOW() WHERE id = $1
	`, productID, status)
	if err != nil {
		return fmt.Errorf("update product %s status: %w", productID, err)
	}
	return nil
}

// ListingByMarketplaceID resolves a listing from a provider-native id.
// Returns (nil, nil) when the product is not tracked.
func (q *queries) ListingByMarketplaceID(ctx context.Context, marketplace models.Marketplace, marketplaceListingID string) (*models.Listing, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, product_id, marketplace, marketplace_listing_id, status, listing_price, currency, created_at, updated_at
		FROM listings
		WHERE marketplace = $1 AND marketplace_listing_id = $2
	`, marketplace, marketplaceListingID)

	var l models.Listing
	err := row.Scan(&l.ID, &l.ProductID, &l.Marketplace, &l.MarketplaceListingID,
		&l.Status, &l.ListingPrice, &l.Currency, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query listing %s/%s: %w", marketplace, marketplaceListingID, err)
	}
	return &l, nil
}

// UpdateListing syncs status and, when present, the price.
func (q *queries) UpdateListing(ctx context.Context, listingID string, status models.ListingStatus, price *float64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE listings
		SET status = $2,
		    listing_price = COALESCE($3, listing_price),
		    updated_at = NOW()
		WHERE id = $1
	`, listingID, status, price)
	if err != nil {
		return fmt.Errorf("update listing %s: %w", listingID, err)
	}
	return nil
}

// DeactivateListings ends every active listing on a marketplace. Repeat
// runs match zero rows.
func (q *queries) DeactivateListings(ctx context.Context, marketplace models.Marketplace) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE listings SET status = $2, updated_at = NOW()
		WHERE marketplace = $1 AND status = $3
	`, marketplace, models.ListingEnded, models.ListingActive)
	if err != nil {
		return 0, fmt.Errorf("deactivate listings for %s: %w", marketplace, err)
	}
	return tag.RowsAffected(), nil
}

// DeactivateCredentials disables every stored credential for a marketplace.
func (q *queries) DeactivateCredentials(ctx context.Context, marketplace models.Marketplace) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE credentials SET is_active = FALSE, updated_at = NOW()
		WHERE marketplace = $1 AND is_active = TRUE
	`, marketplace)
	if err != nil {
		return 0, fmt.Errorf("deactivate credentials for %s: %w", marketplace, err)
	}
	return tag.RowsAffected(), nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o         models.Order
		email     pgtype.Text
		name      pgtype.Text
		channel   pgtype.Text
		paidAt    pgtype.Timestamptz
		shippedAt pgtype.Timestamptz
		addrJSON  []byte
	)
	err := row.Scan(&o.ID, &o.Marketplace, &o.MarketplaceOrderID, &o.BuyerUsername, &email, &name,
		&addrJSON, &o.Subtotal, &o.ShippingCost, &o.Tax, &o.Total, &o.Currency,
		&o.Status, &o.PaymentStatus, &o.FulfillmentStatus, &channel,
		&o.OrderedAt, &paidAt, &shippedAt, &o.RawData, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(addrJSON) > 0 {
		if err := json.Unmarshal(addrJSON, &o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
	}
	o.BuyerEmail = textPtr(email)
	o.BuyerName = textPtr(name)
	if channel.Valid {
		o.SourceChannel = models.Channel(channel.String)
	}
	o.PaidAt = timestampPtr(paidAt)
	o.ShippedAt = timestampPtr(shippedAt)
	return &o, nil
}

func nullableChannel(ch models.Channel) *models.Channel {
	if ch == "" {
		return nil
	}
	return &ch
}
