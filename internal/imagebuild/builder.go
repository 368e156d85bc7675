// SPDX-License-Identifier: MPL-2.0

package imagebuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/issue"

	"github.com/charmbracelet/log"
)

// HashLabel is the image label holding the content hash of the build inputs.
const HashLabel = "devup.build-hash"

var (
	// ErrBuildPrereqMissing is returned before any engine call when the
	// Dockerfile or a prerequisite does not exist.
	ErrBuildPrereqMissing = errors.New("build prerequisite missing")
	// ErrImageBuildFailed is returned when the engine build exits non-zero.
	ErrImageBuildFailed = errors.New("image build failed")
)

type (
	// PrereqMissingError lists the missing inputs of one image.
	PrereqMissingError struct {
		Image   string
		Missing []string
	}

	// BuildError reports a failed engine build with its exit status and
	// the last lines it printed.
	BuildError struct {
		Image string
		Code  int
		Tail  string
		Err   error
	}

	// Option configures a Builder.
	Option func(*Builder)

	// Builder runs image builds through a container engine.
	Builder struct {
		engine container.Engine
		stdout io.Writer
		stderr io.Writer
		logger *log.Logger
	}

	// Result describes what EnsureBuilt did for one image.
	Result struct {
		Tag   string
		Hash  string
		Built bool
	}
)

func (e *PrereqMissingError) Error() string {
	return fmt.Sprintf("image %s: missing %s", e.Image, strings.Join(e.Missing, ", "))
}

func (e *PrereqMissingError) Unwrap() error { return ErrBuildPrereqMissing }

func (e *BuildError) Error() string {
	return fmt.Sprintf("image %s: build exited with code %d", e.Image, e.Code)
}

func (e *BuildError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrImageBuildFailed, e.Err}
	}
	return []error{ErrImageBuildFailed}
}

// ExitCode implements issue.Diagnostic.
func (e *BuildError) ExitCode() int { return e.Code }

// OutputTail implements issue.Diagnostic.
func (e *BuildError) OutputTail() string { return e.Tail }

// WithOutput streams build output to stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(b *Builder) {
		b.stdout = stdout
		b.stderr = stderr
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a Builder using engine. Build output is discarded
// unless WithOutput is given.
func NewBuilder(engine container.Engine, opts ...Option) *Builder {
	b := &Builder{
		engine: engine,
		stdout: io.Discard,
		stderr: io.Discard,
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CheckPrereqs returns a *PrereqMissingError naming every missing input.
func (b *Builder) CheckPrereqs(spec Spec) error {
	var missing []string
	if _, err := os.Stat(spec.DockerfilePath()); err != nil {
		missing = append(missing, spec.DockerfilePath())
	}
	for _, p := range spec.Prerequisites {
		if _, err := os.Stat(spec.prereqPath(p)); err != nil {
			missing = append(missing, spec.prereqPath(p))
		}
	}
	if len(missing) > 0 {
		return &PrereqMissingError{Image: spec.Tag, Missing: missing}
	}
	return nil
}

// Build builds spec unconditionally and labels the image with its content hash.
func (b *Builder) Build(ctx context.Context, spec Spec) (string, error) {
	if err := b.CheckPrereqs(spec); err != nil {
		return "", prereqError(spec, err)
	}
	hash, err := ContentHash(spec)
	if err != nil {
		return "", prereqError(spec, &PrereqMissingError{Image: spec.Tag, Missing: []string{err.Error()}})
	}

	tail := issue.NewTailBuffer(issue.DefaultTailLines)
	b.logger.Info("building image", "image", spec.Tag, "variant", spec.Variant, "dockerfile", spec.DockerfilePath())
	err = b.engine.Build(ctx, container.BuildOptions{
		ContextDir: spec.ContextDir,
		Dockerfile: spec.Dockerfile,
		Tag:        spec.Tag,
		BuildArgs:  spec.BuildArgs,
		Labels:     map[string]string{HashLabel: hash},
		Stdout:     io.MultiWriter(b.stdout, tail),
		Stderr:     io.MultiWriter(b.stderr, tail),
	})
	if err != nil {
		return "", buildError(spec, err, tail)
	}
	b.logger.Info("image built", "image", spec.Tag, "hash", shortHash(hash))
	return hash, nil
}

// NeedsBuild reports whether the image is missing or was built from
// different inputs. Missing prerequisites are reported as errors here too so
// a stale check never hides them.
func (b *Builder) NeedsBuild(ctx context.Context, spec Spec) (bool, string, error) {
	if err := b.CheckPrereqs(spec); err != nil {
		return false, "", prereqError(spec, err)
	}
	hash, err := ContentHash(spec)
	if err != nil {
		return false, "", prereqError(spec, &PrereqMissingError{Image: spec.Tag, Missing: []string{err.Error()}})
	}

	exists, err := b.engine.ImageExists(ctx, spec.Tag)
	if err != nil {
		return false, "", fmt.Errorf("check image %s: %w", spec.Tag, err)
	}
	if !exists {
		b.logger.Debug("image missing", "image", spec.Tag)
		return true, hash, nil
	}

	current, err := b.engine.ImageLabel(ctx, spec.Tag, HashLabel)
	if err != nil {
		b.logger.Debug("cannot read build hash label, rebuilding", "image", spec.Tag, "error", err)
		return true, hash, nil
	}
	if current != hash {
		b.logger.Debug("image stale", "image", spec.Tag, "have", shortHash(current), "want", shortHash(hash))
		return true, hash, nil
	}
	return false, hash, nil
}

// EnsureBuilt builds spec when it is stale, or always when force is set.
func (b *Builder) EnsureBuilt(ctx context.Context, spec Spec, force bool) (Result, error) {
	if !force {
		stale, hash, err := b.NeedsBuild(ctx, spec)
		if err != nil {
			return Result{Tag: spec.Tag}, err
		}
		if !stale {
			b.logger.Info("image up to date", "image", spec.Tag)
			return Result{Tag: spec.Tag, Hash: hash}, nil
		}
	}
	hash, err := b.Build(ctx, spec)
	if err != nil {
		return Result{Tag: spec.Tag}, err
	}
	return Result{Tag: spec.Tag, Hash: hash, Built: true}, nil
}

func prereqError(spec Spec, err error) error {
	return issue.NewErrorContext().
		WithOperation("build image").
		WithResource(spec.Tag).
		WithSuggestions(
			"Check the image's dockerfile and prerequisites paths in devup.cue",
			"Produce the missing build artifacts first, e.g. run the project's build step",
		).
		WithIssue(issue.BuildPrereqMissingId).
		Wrap(err).
		BuildError()
}

func buildError(spec Spec, err error, tail *issue.TailBuffer) error {
	be := &BuildError{Image: spec.Tag, Code: -1, Tail: tail.String(), Err: err}
	if d, ok := issue.DiagnosticsOf(err); ok {
		be.Code = d.ExitCode()
		if be.Tail == "" {
			be.Tail = d.OutputTail()
		}
	}
	return issue.NewErrorContext().
		WithOperation("build image").
		WithResource(spec.Tag).
		WithSuggestion("Fix the Dockerfile error shown above and re-run 'devup up'").
		WithIssue(issue.ImageBuildFailedId).
		Wrap(be).
		BuildError()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
