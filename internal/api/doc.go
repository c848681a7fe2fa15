// Package api hosts the operator HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - /v1/cycle to trigger, inspect, cancel and re-schedule the detection cycle.
//   - /v1/users and /v1/entries to manage registrations and revalidate an entry.
package api
