// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/crashes/{crash_id} returns the stored processed crash.
//   - POST /v1/crashes/{crash_id}/reprocess queues the crash again.
package api
