// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/games and /v1/games/{game_id} for the catalog view.
//   - POST /v1/admin/... for on-demand sweeps, snapshots, polls and re-enqueues.
//   - GET /v1/admin/report for failed tasks and broken links.
package api
