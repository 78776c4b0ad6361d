// Package status maps provider status vocabularies onto the canonical
// enums. All functions are pure; provider adapters fold their native
// vocabularies into the raw value space handled here before calling in.
package status

import (
	"strings"
	"time"

	"marketsync/internal/models"
)

// Raw financial statuses treated as a captured or committed payment.
var paidFinancial = map[string]bool{
	"paid":               true,
	"authorized":         true,
	"partially_paid":     true,
	"partially_refunded": true,
}

// Order derives the canonical order status from the raw payment status, raw
// fulfillment status, and an optional cancellation timestamp. Precedence is
// evaluated top to bottom, first match wins; cancellation always dominates.
func Order(financial, fulfillment string, cancelledAt *time.Time) models.OrderStatus {
	financial = normalize(financial)
	fulfillment = normalize(fulfillment)

	switch {
	case cancelledAt != nil:
		return models.OrderCancelled
	case fulfillment == "fulfilled":
		return models.OrderShipped
	case fulfillment == "partial":
		return models.OrderProcessing
	case paidFinancial[financial]:
		return models.OrderConfirmed
	case financial == "refunded":
		return models.OrderRefunded
	default:
		return models.OrderPending
	}
}

// Payment maps a raw financial status to the canonical payment status. The
// second return reports whether the raw value was recognized; unknown values
// map to the conservative PENDING and never fail.
func Payment(raw string) (models.PaymentStatus, bool) {
	switch normalize(raw) {
	case "pending", "":
		return models.PaymentPending, true
	case "paid", "authorized", "partially_paid", "partially_refunded":
		return models.PaymentPaid, true
	case "refunded":
		return models.PaymentRefunded, true
	case "voided", "failed":
		return models.PaymentFailed, true
	default:
		return models.PaymentPending, false
	}
}

// Fulfillment maps a raw fulfillment status to the canonical fulfillment
// status. A raw "on_hold" maps to the generic UNFULFILLED here; surfacing it
// as ON_HOLD is channel-specific precedence applied by the channel package.
// Unknown values map to UNFULFILLED and never fail.
func Fulfillment(raw string) (models.FulfillmentStatus, bool) {
	switch normalize(raw) {
	case "", "null", "unfulfilled":
		return models.FulfillmentUnfulfilled, true
	case "partial", "partially_fulfilled":
		return models.FulfillmentPartiallyFulfilled, true
	case "fulfilled":
		return models.FulfillmentFulfilled, true
	case "on_hold":
		return models.FulfillmentUnfulfilled, true
	case "restocked", "returned":
		return models.FulfillmentReturned, true
	default:
		return models.FulfillmentUnfulfilled, false
	}
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
