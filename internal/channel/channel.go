// Package channel classifies orders by originating sales surface and
// applies channel-specific fulfillment rules.
package channel

import (
	"strings"

	"marketsync/internal/models"
)

// App ids reported by Shopify for surfaces that place orders through the
// storefront API rather than the web checkout.
const (
	appIDInstagramShop int64 = 2329312
	appIDTikTokShop    int64 = 4383523
)

var byAppID = map[int64]models.Channel{
	appIDInstagramShop: models.ChannelInstagramShop,
	appIDTikTokShop:    models.ChannelTikTokShop,
}

// Classify returns the sales channel for a Shopify order given the app id
// from its client details. Unknown or missing app ids classify as the
// default web storefront.
func Classify(appID int64) models.Channel {
	if ch, ok := byAppID[appID]; ok {
		return ch
	}
	return models.ChannelShopify
}

// RequiresHoldCheck reports whether orders on this channel start in a hold
// window and must not be fulfilled until the platform releases them.
func RequiresHoldCheck(ch models.Channel) bool {
	return ch == models.ChannelTikTokShop
}

// Fulfillment upgrades the generic fulfillment status with channel
// precedence. On channels with a hold window, a raw "on_hold" surfaces as
// ON_HOLD instead of folding into UNFULFILLED.
func Fulfillment(ch models.Channel, raw string, mapped models.FulfillmentStatus) models.FulfillmentStatus {
	if RequiresHoldCheck(ch) && strings.ToLower(strings.TrimSpace(raw)) == "on_hold" {
		return models.FulfillmentOnHold
	}
	return mapped
}
