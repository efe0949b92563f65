// Package integration provides cross-package integration tests for
// Substrate. These tests wire the real engine, worker pool, worktree
// manager, and budget enforcer together over an in-memory store and
// verify end-to-end orchestration scenarios.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
