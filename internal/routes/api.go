package routes

import (
	"github.com/wclausen/mimir/internal/router"
)

// RegisterAPIRoutes registers the billing API. Callers are trusted
// application backends; user authentication happens upstream.
func RegisterAPIRoutes(r *router.Router, deps APIDeps) {
	// Subscription
	r.Get("/api/billing/subscription", deps.Billing.GetSubscription)
	r.Post("/api/billing/subscription/free", deps.Billing.CreateFreePlan)
	r.Post("/api/billing/subscription/cancel", deps.Billing.CancelSubscription)

	// History projection
	r.Get("/api/billing/history", deps.Billing.GetHistory)

	// Payment methods
	r.Get("/api/billing/payment-methods", deps.Billing.ListPaymentMethods)
	r.Post("/api/billing/payment-methods", deps.Billing.AttachPaymentMethod)
	r.Post("/api/billing/payment-methods/default", deps.Billing.SetDefaultPaymentMethod)
	r.Delete("/api/billing/payment-methods/{id}", deps.Billing.DetachPaymentMethod)
}
