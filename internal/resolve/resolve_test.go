package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/models"
)

type fakeLookup struct {
	listings map[string]*models.Listing
	products map[string]bool
}

func (f *fakeLookup) ListingByMarketplaceID(_ context.Context, marketplace models.Marketplace, id string) (*models.Listing, error) {
	return f.listings[string(marketplace)+"/"+id], nil
}

func (f *fakeLookup) ProductExists(_ context.Context, productID string) (bool, error) {
	return f.products[productID], nil
}

func TestProductIDFromSKU(t *testing.T) {
	tests := []struct {
		sku  string
		want string
		ok   bool
	}{
		{"RAKUDA-SHOP-abc123", "abc123", true},
		{"RAKUDA-EBAY-abc123", "abc123", true},
		{"RAKUDA-ETSY-abc123", "abc123", true},
		{"RAKUDA-SHOPIFY-abc123", "abc123", true},
		{"RAKUDA-JOOM-abc123", "abc123", true},
		{"RAKUDA-abc123", "abc123", true},
		{"  RAKUDA-SHOP-x  ", "x", true},
		{"SOMETHING-ELSE", "", false},
		{"RAKUDA-", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ProductIDFromSKU(tt.sku)
		assert.Equal(t, tt.ok, ok, "sku=%q", tt.sku)
		assert.Equal(t, tt.want, got, "sku=%q", tt.sku)
	}
}

func TestResolveBySKU(t *testing.T) {
	store := &fakeLookup{
		products: map[string]bool{"p1": true},
		listings: map[string]*models.Listing{
			"EBAY/item-9": {ID: "l1", ProductID: "p1"},
		},
	}
	r := NewResolver(store)

	res, err := r.Resolve(context.Background(), models.MarketplaceEbay, "RAKUDA-SHOP-p1", "item-9")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	require.NotNil(t, res.ProductID)
	assert.Equal(t, "p1", *res.ProductID)
	require.NotNil(t, res.ListingID)
	assert.Equal(t, "l1", *res.ListingID)
}

func TestResolveSKUUnknownProductFallsBackToListing(t *testing.T) {
	store := &fakeLookup{
		products: map[string]bool{},
		listings: map[string]*models.Listing{
			"JOOM/item-2": {ID: "l2", ProductID: "p2"},
		},
	}
	r := NewResolver(store)

	res, err := r.Resolve(context.Background(), models.MarketplaceJoom, "RAKUDA-SHOP-ghost", "item-2")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "p2", *res.ProductID)
	assert.Equal(t, "l2", *res.ListingID)
}

func TestResolveNothingFound(t *testing.T) {
	r := NewResolver(&fakeLookup{})

	res, err := r.Resolve(context.Background(), models.MarketplaceEbay, "FOREIGN-SKU", "missing")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Nil(t, res.ProductID)
	assert.Nil(t, res.ListingID)
}

func TestResolveEmptyItemID(t *testing.T) {
	store := &fakeLookup{products: map[string]bool{"p3": true}}
	r := NewResolver(store)

	res, err := r.Resolve(context.Background(), models.MarketplaceEtsy, "RAKUDA-ETSY-p3", "")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "p3", *res.ProductID)
	assert.Nil(t, res.ListingID)
}
