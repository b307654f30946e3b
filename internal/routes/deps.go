// Package routes wires handlers to URL patterns, grouped by surface.
package routes

import (
	"net/http"

	"github.com/wclausen/mimir/internal/handler/admin"
	"github.com/wclausen/mimir/internal/handler/api"
)

// APIDeps holds the handlers for the user-facing billing API.
type APIDeps struct {
	Billing *api.BillingHandler
}

// AdminDeps holds the handlers for the operator recovery API.
type AdminDeps struct {
	Recovery *admin.RecoveryHandler
}

// WebhookDeps holds the webhook ingress handlers.
type WebhookDeps struct {
	StripeHandler http.HandlerFunc
}
