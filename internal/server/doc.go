// Package server implements the rollbox admin HTTP API.
//
// This package provides:
//   - Read endpoints for the current deployment, paginated history and
//     rollback targets of each project
//   - Signed endpoints that record CI deployments, start rollbacks and
//     prune history
//   - An in-memory job table for rollbacks, which run asynchronously
//   - Per-IP rate limiting and structured request logging
//
// Mutating requests carry X-Rollbox-Signature-256: sha256=<hex hmac> computed
// over the raw body with the project's secret.
//
// The server integrates with other packages:
//   - internal/project: project registry
//   - internal/history: SQLite deployment history
//   - internal/rollback: the rollback pipeline and per-project locking
//   - internal/provenance: GitHub Actions run lookup for recorded deployments
package server
