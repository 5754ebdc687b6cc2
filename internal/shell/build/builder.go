package build

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	corebuild "github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/spf13/afero"
)

// =============================================================================
// Builder Interface
// =============================================================================

// Request describes one image build.
type Request struct {
	Service    string
	ContextDir string // resolved build context directory
	Dockerfile string // relative to ContextDir, or absolute
	Tag        string
	Labels     map[string]string
}

// Builder produces an image from a build context and returns its ID.
// Failures are *corebuild.BuildError values.
type Builder interface {
	Build(ctx context.Context, req Request) (imageID string, err error)
}

// =============================================================================
// Engine API Builder
// =============================================================================

// APIBuilder builds through the Docker Engine API.
type APIBuilder struct {
	client docker.Client
	fs     afero.Fs
	output io.Writer
	logger *slog.Logger
}

// NewAPIBuilder creates a builder that streams tarred contexts to the daemon.
// Build progress is written to output when it is non-nil.
func NewAPIBuilder(client docker.Client, fs afero.Fs, output io.Writer, logger *slog.Logger) *APIBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIBuilder{
		client: client,
		fs:     fs,
		output: output,
		logger: logger.With("component", "api_builder"),
	}
}

// Build implements Builder.
func (b *APIBuilder) Build(ctx context.Context, req Request) (string, error) {
	archive, recipe, err := Archive(b.fs, req.ContextDir, req.Dockerfile)
	if err != nil {
		return "", corebuild.NewBuildError(req.Service, 0, err.Error(), err)
	}

	b.logger.Info("building image", "service", req.Service, "tag", req.Tag)
	result, err := b.client.BuildImage(ctx, docker.BuildSpec{
		Context:    archive,
		Dockerfile: recipe,
		Tags:       []string{req.Tag},
		Labels:     req.Labels,
		Output:     b.output,
	})
	if err != nil {
		var failure *docker.BuildFailure
		if errors.As(err, &failure) {
			code := failure.Code
			if code == 0 {
				code = -1
			}
			return "", corebuild.NewBuildError(req.Service, code, failure.Message, corebuild.ErrBuildToolFailed)
		}
		return "", corebuild.NewBuildError(req.Service, 0, err.Error(), errors.Join(corebuild.ErrBuildToolFailed, err))
	}

	return result.ImageID, nil
}

// =============================================================================
// CLI Builder
// =============================================================================

// ExecBuilder builds by running the docker CLI.
type ExecBuilder struct {
	binary string
	output io.Writer
	logger *slog.Logger
}

// NewExecBuilder creates a builder that runs `<binary> build`. An empty
// binary defaults to "docker".
func NewExecBuilder(binary string, output io.Writer, logger *slog.Logger) *ExecBuilder {
	if binary == "" {
		binary = "docker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecBuilder{
		binary: binary,
		output: output,
		logger: logger.With("component", "exec_builder"),
	}
}

// Args returns the command line arguments for a build.
func (b *ExecBuilder) Args(req Request, iidFile string) []string {
	dockerfile := req.Dockerfile
	if !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(req.ContextDir, dockerfile)
	}
	args := []string{"build", "--tag", req.Tag, "--file", dockerfile, "--iidfile", iidFile}

	keys := make([]string, 0, len(req.Labels))
	for k := range req.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+req.Labels[k])
	}

	return append(args, req.ContextDir)
}

// Build implements Builder.
func (b *ExecBuilder) Build(ctx context.Context, req Request) (string, error) {
	iid, err := os.CreateTemp("", "dockyard-iid-*")
	if err != nil {
		return "", corebuild.NewBuildError(req.Service, 0, "failed to create image id file", errors.Join(corebuild.ErrBuildToolFailed, err))
	}
	iidPath := iid.Name()
	iid.Close()
	defer os.Remove(iidPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.binary, b.Args(req, iidPath)...)
	cmd.Stderr = &stderr
	if b.output != nil {
		cmd.Stdout = b.output
		cmd.Stderr = io.MultiWriter(&stderr, b.output)
	}

	b.logger.Info("building image", "service", req.Service, "tag", req.Tag, "binary", b.binary)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", corebuild.NewBuildError(req.Service, exitErr.ExitCode(), lastLine(stderr.String(), "docker build failed"), corebuild.ErrBuildToolFailed)
		}
		return "", corebuild.NewBuildError(req.Service, -1, err.Error(), errors.Join(corebuild.ErrBuildToolFailed, err))
	}

	data, err := os.ReadFile(iidPath)
	if err != nil {
		return "", corebuild.NewBuildError(req.Service, 0, "image id not written", errors.Join(corebuild.ErrBuildToolFailed, err))
	}
	imageID := strings.TrimSpace(string(data))
	if imageID == "" {
		return "", corebuild.NewBuildError(req.Service, 0, "image id not written", corebuild.ErrBuildToolFailed)
	}

	return imageID, nil
}

// lastLine returns the last non-empty line of output, or fallback.
func lastLine(output, fallback string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return fallback
}
