// SPDX-License-Identifier: MPL-2.0

package imagebuild

import (
	"maps"
	"path/filepath"
	"strings"

	"github.com/invowk/devup/internal/config"
)

// Spec is one image build with its variant applied.
type Spec struct {
	Tag        string
	ContextDir string
	// Dockerfile is relative to ContextDir unless absolute.
	Dockerfile string
	// Prerequisites are paths relative to ContextDir that must exist.
	Prerequisites []string
	BuildArgs     map[string]string
	Variant       config.BuildVariant
}

// SpecFor applies the variant's overrides to img. An image without an entry
// for variant builds its defaults.
func SpecFor(img config.ImageConfig, variant config.BuildVariant) Spec {
	s := Spec{
		Tag:           img.Tag,
		ContextDir:    img.Context,
		Dockerfile:    img.Dockerfile,
		Prerequisites: img.Prerequisites,
		BuildArgs:     maps.Clone(img.BuildArgs),
		Variant:       variant,
	}
	if s.Dockerfile == "" {
		s.Dockerfile = "Dockerfile"
	}
	if s.BuildArgs == nil {
		s.BuildArgs = map[string]string{}
	}

	v, ok := img.Variants[string(variant)]
	if !ok {
		return s
	}
	if v.Dockerfile != "" {
		s.Dockerfile = v.Dockerfile
	}
	if v.TagSuffix != "" {
		s.Tag = withTagSuffix(s.Tag, v.TagSuffix)
	}
	maps.Copy(s.BuildArgs, v.BuildArgs)
	return s
}

// withTagSuffix appends suffix to the tag part of ref ("repo:dev" + "-full"
// is "repo:dev-full"; "repo" + "-full" is "repo:latest-full").
func withTagSuffix(ref, suffix string) string {
	slash := max(0, strings.LastIndexByte(ref, '/'))
	if strings.Contains(ref[slash:], ":") {
		return ref + suffix
	}
	return ref + ":latest" + suffix
}

// DockerfilePath returns the Dockerfile location on disk.
func (s Spec) DockerfilePath() string {
	if filepath.IsAbs(s.Dockerfile) {
		return s.Dockerfile
	}
	return filepath.Join(s.ContextDir, s.Dockerfile)
}

func (s Spec) prereqPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.ContextDir, p)
}
