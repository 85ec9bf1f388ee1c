// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for liveness and readiness checks and GET /metrics for Prometheus scraping.
//   - /v1/sources and /v1/items for managing tracked pages and their items.
//   - POST /v1/check, /v1/check/stop and GET /v1/check/status to control runs.
//   - GET /v1/progress streams run progress as Server-Sent Events.
//   - GET /v1/runs for the persisted run history.
//   - GET /v1/feed.atom, /v1/feed.rss and /v1/export.json for recent items.
package api
