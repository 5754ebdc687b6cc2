package build

import (
	"errors"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
)

var (
	fingerprintA = digest.FromString("context-a")
	fingerprintB = digest.FromString("context-b")
)

func TestDecide_NoPreviousRecord(t *testing.T) {
	d := Decide("product-service", fingerprintA, nil)

	assert.Equal(t, ActionRebuild, d.Action)
	assert.False(t, d.Reuse())
	assert.Equal(t, fingerprintA, d.Fingerprint)
	assert.Empty(t, d.ImageID)
}

func TestDecide_UnchangedContext(t *testing.T) {
	prev := &Record{Service: "product-service", Fingerprint: fingerprintA, ImageID: "sha256:abc", BuiltAt: time.Now()}

	d := Decide("product-service", fingerprintA, prev)

	assert.True(t, d.Reuse())
	assert.Equal(t, "sha256:abc", d.ImageID)
}

func TestDecide_ChangedContext(t *testing.T) {
	prev := &Record{Service: "product-service", Fingerprint: fingerprintA, ImageID: "sha256:abc"}

	d := Decide("product-service", fingerprintB, prev)

	assert.Equal(t, ActionRebuild, d.Action)
	assert.Equal(t, fingerprintB, d.Fingerprint)
	assert.Equal(t, "build context changed", d.Reason)
}

func TestDecide_RecordWithoutImage(t *testing.T) {
	prev := &Record{Service: "product-service", Fingerprint: fingerprintA}

	d := Decide("product-service", fingerprintA, prev)

	assert.Equal(t, ActionRebuild, d.Action)
}

func TestRecord_ValidNil(t *testing.T) {
	var r *Record
	assert.False(t, r.Valid(fingerprintA))
}

func TestForceRebuild(t *testing.T) {
	d := ForceRebuild("review-service", fingerprintA)
	assert.Equal(t, ActionRebuild, d.Action)
	assert.Equal(t, "rebuild requested", d.Reason)
}

func TestPrebuilt(t *testing.T) {
	d := Prebuilt("proxy", "nginx:latest")
	assert.True(t, d.Reuse())
	assert.Equal(t, "nginx:latest", d.ImageID)
}

func TestBuildError(t *testing.T) {
	err := NewBuildError("product-service", 2, "docker build exited", ErrBuildToolFailed)

	assert.Equal(t, "build product-service: docker build exited (exit code 2)", err.Error())
	assert.True(t, errors.Is(err, ErrBuildToolFailed))

	noCode := NewBuildError("product-service", 0, "context missing", ErrContextUnreadable)
	assert.Equal(t, "build product-service: context missing", noCode.Error())
}
