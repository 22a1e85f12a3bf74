// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sessions for account sessions and their login flow.
//   - /v1/channels for tracking, schedules and media batch triggers.
//   - /v1/media/{media_id}/retry to re-queue one media item.
//   - /v1/jobs for job creation, listing and cancellation.
//   - /v1/alerts for keyword alerts and their matches.
//
// Every /v1 route is scoped to the owner named by the X-Owner-ID header.
package api
