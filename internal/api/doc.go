// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for submission, lookup, listing, retry and cancellation.
//   - POST /v1/discover for one-shot URL discovery.
//   - POST /v1/search for product links across marketplaces.
package api
