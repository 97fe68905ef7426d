// Architecture overview:
//   - Queue & workers: internal/dispatcher runs a fixed pool of internal/worker loops sized by
//     queue.concurrency. Each worker leases one message from the Pub/Sub subscription (or the in-memory
//     queue in local mode), keeps the lease alive while the run is in flight, and acks, nacks or
//     dead-letters it from the run's outcome and the delivery attempt.
//   - Pipeline: internal/pipeline fetches the raw crash from the artifact store, runs the ordered rule
//     chain from internal/rules, stamps processing metadata and hands the result to internal/sink.
//   - Symbolication: the symbolicate rule streams the minidump to the external stackwalker
//     (internal/symbolicator) and answers its symbol requests from internal/symbols, an LRU cache over
//     the HTTP symbol service with an optional Redis second level.
//   - Persistence: internal/sink writes the processed crash to the artifact store (memory, local, GCS
//     or S3) first, then upserts the summary row (Postgres or SQLite) and the Elasticsearch document.
//   - Plumbing: Viper populates config from a file and CRASHPROC_* variables; zap provides structured
//     logging; Prometheus metrics and health probes are served by internal/api; OpenTelemetry spans
//     cover runs and rules.
//
// Operational notes:
//   - Shutdown: SIGTERM stops pulling, gives in-flight runs queue.shutdown_grace to finish, then cancels
//     them and returns their messages to the queue.
//   - Retries: transient failures are nacked and redelivered until queue.max_attempts, then
//     dead-lettered with the failing stage and cause; permanent failures are dead-lettered at once.
//
// Quick checklist:
//   - Run locally: with CRASHPROC_STORAGE_BACKEND=local, go run ./cmd/crashproc submit abc-123
//     --annotations raw.json --dump upload_file_minidump=crash.dmp, then
//     go run ./cmd/crashproc process abc-123.
//   - Production: set CRASHPROC_QUEUE_BACKEND=pubsub, CRASHPROC_QUEUE_PROJECT_ID,
//     CRASHPROC_STORAGE_BACKEND=gcs or s3 with a bucket, and the summary/index backends.
package main
