package routes

import (
	"github.com/wclausen/mimir/internal/middleware"
	"github.com/wclausen/mimir/internal/router"
)

// RegisterWebhookRoutes registers provider webhook ingress. Payloads
// are small; an oversized body is rejected before signature checking.
func RegisterWebhookRoutes(r *router.Router, deps WebhookDeps) {
	r.Post("/webhooks/stripe", deps.StripeHandler,
		middleware.MaxBodySize(middleware.SmallMaxBodySize))
}
