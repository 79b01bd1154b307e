// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (stream.go, attendee.go, sync.go, errors.go, etc.)
// with shared types and the contracts of the engine's collaborators. No I/O here - just contracts.
// Interfaces live on the consumer side to prevent circular imports.
package domain
