// Package app provides the application service layer.
//
// Join decisions (decide.go) are pure. Service runs them against the store with
// optimistic retries, Lifecycle handles stream transitions, and the Orchestrator
// commits local state first and then drives provider tasks through per-stream
// queues. SyncReconciler re-drives whatever the store still marks as unsynced.
// Depends on domain interfaces, not concrete implementations.
package app
