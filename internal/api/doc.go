// Package api hosts the HTTP server, middleware, and handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats, /v1/runs, /v1/unmapped, /v1/discrepancies and
//     /v1/decks/{source}/{external_id} for reporting.
//   - POST /v1/jobs/{operation}/{source} to run a job synchronously.
package api
