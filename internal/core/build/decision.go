// Package build contains the pure build-reuse decision.
//
// A build context is identified by a content fingerprint. A previous build
// of the context is reusable only while the fingerprint is unchanged.
package build

import (
	"time"

	digest "github.com/opencontainers/go-digest"
)

// =============================================================================
// Build Record
// =============================================================================

// Record is the persisted result of one successful build of a service.
type Record struct {
	Service     string        `json:"service"`
	Fingerprint digest.Digest `json:"fingerprint"`
	ImageID     string        `json:"image_id"`
	ImageTag    string        `json:"image_tag"`
	BuiltAt     time.Time     `json:"built_at"`
}

// Valid reports whether the record can be reused for the given fingerprint.
func (r *Record) Valid(current digest.Digest) bool {
	return r != nil && r.ImageID != "" && r.Fingerprint != "" && r.Fingerprint == current
}

// =============================================================================
// Decision
// =============================================================================

// Action is what the planner decided to do for a service.
type Action string

const (
	ActionReuse   Action = "reuse"
	ActionRebuild Action = "rebuild"
)

// Decision is the output of planning a service build.
type Decision struct {
	Service     string
	Action      Action
	ImageID     string        // Set for ActionReuse
	Fingerprint digest.Digest // Fingerprint of the context at planning time
	Reason      string
}

// Reuse reports whether the decision reuses an existing image.
func (d Decision) Reuse() bool {
	return d.Action == ActionReuse
}

// Decide chooses between reusing the previous build and rebuilding.
// This is a pure function.
//
// Returns Reuse iff previous exists and its fingerprint equals current.
//
// Example:
//
//	d := Decide("product-service", current, previous)
//	if d.Reuse() {
//	    return d.ImageID
//	}
func Decide(service string, current digest.Digest, previous *Record) Decision {
	switch {
	case previous == nil:
		return Decision{Service: service, Action: ActionRebuild, Fingerprint: current, Reason: "no previous build"}
	case !previous.Valid(current):
		return Decision{Service: service, Action: ActionRebuild, Fingerprint: current, Reason: "build context changed"}
	default:
		return Decision{
			Service:     service,
			Action:      ActionReuse,
			ImageID:     previous.ImageID,
			Fingerprint: current,
			Reason:      "build context unchanged",
		}
	}
}

// ForceRebuild returns a rebuild decision regardless of previous state.
func ForceRebuild(service string, current digest.Digest) Decision {
	return Decision{Service: service, Action: ActionRebuild, Fingerprint: current, Reason: "rebuild requested"}
}

// Prebuilt returns the decision for a service that runs a ready-made image.
func Prebuilt(service, image string) Decision {
	return Decision{Service: service, Action: ActionReuse, ImageID: image, Reason: "prebuilt image"}
}
