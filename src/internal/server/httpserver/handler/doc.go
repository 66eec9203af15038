// Package handler provides HTTP request handlers for TokMesh.
//
// This package contains handlers for the cluster server's HTTP surface:
//
//   - health.go: liveness and readiness checks
//   - cluster.go: slot-table and cluster status endpoints
//
// All handlers follow a consistent pattern:
//
//   - Read state from the cluster server
//   - Format and return a response using the standard envelope
//   - Handle errors with appropriate HTTP status codes
package handler
