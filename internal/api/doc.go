// Package api hosts the HTTP server, middleware, and REST handlers for the
// archive. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - /v1/archives for saving, listing, updating, retrying and deleting items.
//   - GET /v1/archives/events for a server-sent event stream of lifecycle
//     changes, an alternative to polling the list endpoint.
//
// Owner identity is supplied by the fronting session layer in a request
// header; this package never authenticates users itself.
package api
