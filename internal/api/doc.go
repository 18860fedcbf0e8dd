// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /config, /start, /stop and /test under /{tenant} for tenant
//     lifecycle.
//   - GET /status/{tenant} and GET /history/{tenant} for per-tenant reporting,
//     the latter via the store.HistoryRepository interface.
//   - GET /users, GET /system/health and POST /system/status-summary for
//     cross-tenant views.
package api
