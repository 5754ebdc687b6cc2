package store

import (
	"context"
	"time"

	"github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/core/lifecycle"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for build records and batch history.
// Records are scoped by project so several manifests can share one database.
type Store interface {
	// Build record operations
	GetBuildRecord(ctx context.Context, project, service string) (*build.Record, error)
	SaveBuildRecord(ctx context.Context, project string, record *build.Record) error
	DeleteBuildRecord(ctx context.Context, project, service string) error
	ListBuildRecords(ctx context.Context, project string) ([]build.Record, error)

	// Batch event operations
	CreateBatchEvent(ctx context.Context, event *BatchEvent) error
	ListBatchEvents(ctx context.Context, project string, limit int) ([]BatchEvent, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Batch Events
// =============================================================================

// BatchEvent is the persisted summary of one batch operation.
type BatchEvent struct {
	ID         string              `json:"id"`
	Project    string              `json:"project"`
	Operation  lifecycle.Operation `json:"operation"`
	Success    bool                `json:"success"`
	Outcomes   []OutcomeEntry      `json:"outcomes"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// OutcomeEntry is the serialized form of a lifecycle.Outcome.
type OutcomeEntry struct {
	Service string                `json:"service"`
	Kind    lifecycle.OutcomeKind `json:"kind"`
	Build   lifecycle.OutcomeKind `json:"build,omitempty"`
	State   lifecycle.State       `json:"state"`
	ImageID string                `json:"image_id,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

// NewBatchEvent converts a batch result into its persisted form.
func NewBatchEvent(project string, result lifecycle.BatchResult) *BatchEvent {
	entries := make([]OutcomeEntry, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		entries = append(entries, OutcomeEntry{
			Service: o.Service,
			Kind:    o.Kind,
			Build:   o.Build,
			State:   o.State,
			ImageID: o.ImageID,
			Reason:  o.Reason(),
		})
	}
	return &BatchEvent{
		ID:         result.ID,
		Project:    project,
		Operation:  result.Operation,
		Success:    result.Success,
		Outcomes:   entries,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
}

// DefaultEventLimit is used when ListBatchEvents is called with limit <= 0.
const DefaultEventLimit = 20
