package lifecycle

import (
	"sort"
	"time"
)

// =============================================================================
// Batch Outcomes
// =============================================================================

// Operation names a batch operation.
type Operation string

const (
	OperationUp    Operation = "up"
	OperationBuild Operation = "build"
	OperationDown  Operation = "down"
	OperationStop  Operation = "stop"
	OperationStart Operation = "start"
	OperationPlan  Operation = "plan"
)

// OutcomeKind is the per-service result reported by a batch.
type OutcomeKind string

const (
	OutcomeReusedBuild    OutcomeKind = "reused-build"
	OutcomeRebuilt        OutcomeKind = "rebuilt"
	OutcomeStarted        OutcomeKind = "started"
	OutcomeAlreadyRunning OutcomeKind = "already-running"
	OutcomeStopped        OutcomeKind = "stopped"
	OutcomeRemoved        OutcomeKind = "removed"
	OutcomeUnchanged      OutcomeKind = "unchanged"
	OutcomePlanReuse      OutcomeKind = "planned-reuse"
	OutcomePlanRebuild    OutcomeKind = "planned-rebuild"
	OutcomeFailed         OutcomeKind = "failed"
)

// Outcome is the result of one service's pipeline within a batch.
// Build holds the build decision taken on the way (reused-build or rebuilt)
// when Kind reports a later step such as started.
type Outcome struct {
	Service string
	Kind    OutcomeKind
	Build   OutcomeKind
	State   State
	ImageID string
	Err     error
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool {
	return o.Kind == OutcomeFailed
}

// Reason returns the failure reason, or "" for successful outcomes.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// BatchResult aggregates per-service outcomes of one batch operation.
type BatchResult struct {
	ID         string
	Operation  Operation
	Outcomes   []Outcome // sorted by service name
	Success    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewBatchResult builds a result from unordered outcomes.
// Success is true iff no outcome failed.
func NewBatchResult(id string, op Operation, outcomes []Outcome, startedAt, finishedAt time.Time) BatchResult {
	sorted := make([]Outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Service < sorted[j].Service })

	success := true
	for _, o := range sorted {
		if o.Failed() {
			success = false
			break
		}
	}

	return BatchResult{
		ID:         id,
		Operation:  op,
		Outcomes:   sorted,
		Success:    success,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
}

// Failures returns only the failed outcomes.
func (r BatchResult) Failures() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Outcome returns the outcome for a service.
func (r BatchResult) Outcome(service string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Service == service {
			return o, true
		}
	}
	return Outcome{}, false
}
