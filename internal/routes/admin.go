package routes

import (
	"github.com/wclausen/mimir/internal/middleware"
	"github.com/wclausen/mimir/internal/router"
)

// RegisterAdminRoutes registers the manual recovery API. All routes
// require the bearer admin token and sit behind a strict rate limit;
// analysis can fan out many provider calls, so it gets the long
// request timeout.
func RegisterAdminRoutes(r *router.Router, deps AdminDeps, adminToken string) {
	rec := r.Group(
		middleware.AdminAuth(adminToken),
		middleware.RateLimit(middleware.StrictRateLimiterConfig()),
		middleware.Timeout(middleware.LongTimeout),
	)

	rec.Post("/admin/recovery/analyze", deps.Recovery.Analyze)
	rec.Post("/admin/recovery/subscriptions", deps.Recovery.CreateSubscription)
	rec.Get("/admin/recovery/dead-letters", deps.Recovery.ListDeadLetters)
	rec.Post("/admin/recovery/dead-letters/{id}/requeue", deps.Recovery.RequeueDeadLetter)
}
