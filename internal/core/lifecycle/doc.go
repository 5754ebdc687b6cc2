// Package lifecycle provides pure functions for service lifecycle planning.
//
// This package holds the per-service state machine
// (undefined -> built -> running -> stopped -> removed), the naming of
// runtime resources, and the batch outcome model. All functions are pure
// (no I/O, no side effects).
//
// # Functions
//
//   - State machine: ValidateTransition, DetermineUpPath, CanStop, CanStart
//   - Naming: NetworkName, ContainerName, ImageTag, ServiceLabels
//   - Outcomes: NewBatchResult
//
// # Usage
//
// The orchestrator (internal/shell/orchestrator) consults these functions
// before touching the runtime:
//
//	path := lifecycle.DetermineUpPath(instance.State)
//	name := lifecycle.ContainerName(project, service)
package lifecycle
