// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes; readiness
//     pings the trade store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/latest for the most recent run summary.
//   - POST /v1/runs to request an immediate ingestion run.
package api
