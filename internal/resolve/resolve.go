// Package resolve links marketplace line items back to internal products
// and listings.
package resolve

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"marketsync/internal/models"
)

// Internal SKUs carry the product id after an optional channel tag. The
// capture group is the product id itself.
var skuPattern = regexp.MustCompile(`^RAKUDA-(?:(?:SHOP|EBAY|ETSY|SHOPIFY|JOOM)-)?(.+)$`)

// ListingLookup is the subset of storage the resolver needs. Lookups that
// find nothing return (nil, nil).
type ListingLookup interface {
	ListingByMarketplaceID(ctx context.Context, marketplace models.Marketplace, marketplaceListingID string) (*models.Listing, error)
	ProductExists(ctx context.Context, productID string) (bool, error)
}

// Resolution is the outcome of resolving one line item. Resolved reports
// whether at least the product side was identified; unresolved line items
// still produce sales, with nil references.
type Resolution struct {
	ProductID *string
	ListingID *string
	Resolved  bool
}

// Resolver identifies products and listings from line item data.
type Resolver struct {
	store ListingLookup
}

func NewResolver(store ListingLookup) *Resolver {
	return &Resolver{store: store}
}

// ProductIDFromSKU extracts the internal product id from a structured SKU.
// Returns ("", false) when the SKU does not follow the internal format.
func ProductIDFromSKU(sku string) (string, bool) {
	m := skuPattern.FindStringSubmatch(strings.TrimSpace(sku))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Resolve identifies the product and listing for a line item. SKU parsing
// is attempted first; the marketplace listing id is the fallback. A SKU
// match is only trusted when the referenced product actually exists.
func (r *Resolver) Resolve(ctx context.Context, marketplace models.Marketplace, sku, marketplaceItemID string) (Resolution, error) {
	if id, ok := ProductIDFromSKU(sku); ok {
		exists, err := r.store.ProductExists(ctx, id)
		if err != nil {
			return Resolution{}, fmt.Errorf("check product %s: %w", id, err)
		}
		if exists {
			res := Resolution{ProductID: &id, Resolved: true}
			if listing, err := r.listingFor(ctx, marketplace, marketplaceItemID); err != nil {
				return Resolution{}, err
			} else if listing != nil {
				res.ListingID = &listing.ID
			}
			return res, nil
		}
	}

	listing, err := r.listingFor(ctx, marketplace, marketplaceItemID)
	if err != nil {
		return Resolution{}, err
	}
	if listing == nil {
		return Resolution{}, nil
	}
	return Resolution{
		ProductID: &listing.ProductID,
		ListingID: &listing.ID,
		Resolved:  true,
	}, nil
}

func (r *Resolver) listingFor(ctx context.Context, marketplace models.Marketplace, marketplaceItemID string) (*models.Listing, error) {
	if marketplaceItemID == "" {
		return nil, nil
	}
	listing, err := r.store.ListingByMarketplaceID(ctx, marketplace, marketplaceItemID)
	if err != nil {
		return nil, fmt.Errorf("lookup listing %s/%s: %w", marketplace, marketplaceItemID, err)
	}
	return listing, nil
}
