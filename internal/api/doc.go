// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to start a pipeline (auto) or page crawl (manual) task,
//     and POST /v1/tasks/{task_id}/resume to continue a task paused for review.
//   - GET /v1/tasks/{task_id} and /v1/tasks/{task_id}/export/{format} for
//     status, logs and CSV/SQL downloads.
//   - POST /v1/industrial and POST /v1/crawls for the collector and the
//     multi-page crawler.
package api
