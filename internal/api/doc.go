// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/predict and /v1/predict/text for scoring.
//   - /v1/models, /v1/projects and /v1/train for model lifecycle.
//   - /v1/jobs/{job_id} for asynchronous training status and cancellation.
package api
