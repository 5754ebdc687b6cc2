package build

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	corebuild "github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/spf13/afero"
)

// ImageStore is the subset of the runtime the planner needs to check and
// fetch images.
type ImageStore interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string, opts docker.PullOptions) error
}

// PlannerConfig holds the project settings the planner needs.
type PlannerConfig struct {
	Project string
	BaseDir string // directory build contexts are relative to
}

// Planner decides per service whether to reuse or rebuild, and executes
// the decision. Safe for concurrent use across services.
type Planner struct {
	config  PlannerConfig
	store   store.Store
	fs      afero.Fs
	builder Builder
	images  ImageStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewPlanner creates a planner. images may be nil, in which case reused
// images are trusted to exist.
func NewPlanner(config PlannerConfig, st store.Store, fs afero.Fs, builder Builder, images ImageStore, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		config:  config,
		store:   st,
		fs:      fs,
		builder: builder,
		images:  images,
		logger:  logger.With("component", "build_planner"),
		now:     time.Now,
	}
}

// ContextDir resolves a service's build context against the base directory.
func (p *Planner) ContextDir(svc manifest.ServiceSpec) string {
	if svc.Build == nil {
		return ""
	}
	if filepath.IsAbs(svc.Build.Context) {
		return svc.Build.Context
	}
	return filepath.Join(p.config.BaseDir, svc.Build.Context)
}

// Dockerfile returns a service's build recipe path, relative to its context
// unless absolute.
func (p *Planner) Dockerfile(svc manifest.ServiceSpec) string {
	if svc.Build == nil || svc.Build.Dockerfile == "" {
		return manifest.DefaultDockerfile
	}
	return svc.Build.Dockerfile
}

// Tag returns the tag a service image is built under.
func (p *Planner) Tag(svc manifest.ServiceSpec) string {
	if svc.Image != "" {
		return svc.Image
	}
	return lifecycle.ImageTag(p.config.Project, svc.Name)
}

// Plan decides whether svc must be rebuilt. force rebuilds regardless of
// the previous record. Plan has no side effects.
func (p *Planner) Plan(ctx context.Context, svc manifest.ServiceSpec, force bool) (corebuild.Decision, error) {
	if svc.Prebuilt() {
		return corebuild.Prebuilt(svc.Name, svc.Image), nil
	}

	current, err := Fingerprint(p.fs, p.ContextDir(svc), p.Dockerfile(svc))
	if err != nil {
		return corebuild.Decision{}, corebuild.NewBuildError(svc.Name, 0, err.Error(), err)
	}

	if force {
		return corebuild.ForceRebuild(svc.Name, current), nil
	}

	previous, err := p.store.GetBuildRecord(ctx, p.config.Project, svc.Name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("build record unreadable, rebuilding", "service", svc.Name, "error", err)
		}
		previous = nil
	}

	decision := corebuild.Decide(svc.Name, current, previous)
	if decision.Reuse() && p.images != nil {
		exists, err := p.images.ImageExists(ctx, decision.ImageID)
		if err != nil {
			p.logger.Warn("image check failed", "service", svc.Name, "image", decision.ImageID, "error", err)
		} else if !exists {
			decision = corebuild.Decision{
				Service:     svc.Name,
				Action:      corebuild.ActionRebuild,
				Fingerprint: current,
				Reason:      "previous image missing",
			}
		}
	}

	return decision, nil
}

// Execute carries out a decision and returns the image to run. A rebuild
// persists a new build record.
func (p *Planner) Execute(ctx context.Context, svc manifest.ServiceSpec, decision corebuild.Decision) (string, error) {
	if decision.Reuse() {
		if svc.Prebuilt() {
			return decision.ImageID, p.ensurePrebuilt(ctx, svc)
		}
		return decision.ImageID, nil
	}

	tag := p.Tag(svc)
	imageID, err := p.builder.Build(ctx, Request{
		Service:    svc.Name,
		ContextDir: p.ContextDir(svc),
		Dockerfile: p.Dockerfile(svc),
		Tag:        tag,
		Labels:     lifecycle.ServiceLabels(p.config.Project, svc.Name),
	})
	if err != nil {
		return "", err
	}

	record := &corebuild.Record{
		Service:     svc.Name,
		Fingerprint: decision.Fingerprint,
		ImageID:     imageID,
		ImageTag:    tag,
		BuiltAt:     p.now().UTC(),
	}
	if err := p.store.SaveBuildRecord(ctx, p.config.Project, record); err != nil {
		p.logger.Warn("build record not saved", "service", svc.Name, "error", err)
	}

	p.logger.Info("image built", "service", svc.Name, "image", imageID, "reason", decision.Reason)
	return imageID, nil
}

func (p *Planner) ensurePrebuilt(ctx context.Context, svc manifest.ServiceSpec) error {
	if p.images == nil {
		return nil
	}
	exists, err := p.images.ImageExists(ctx, svc.Image)
	if err == nil && exists {
		return nil
	}

	p.logger.Info("pulling image", "service", svc.Name, "image", svc.Image)
	if err := p.images.PullImage(ctx, svc.Image, docker.PullOptions{}); err != nil {
		return corebuild.NewBuildError(svc.Name, 0, "pull "+svc.Image+": "+err.Error(), errors.Join(corebuild.ErrImageUnavailable, err))
	}
	return nil
}
