// SPDX-License-Identifier: MPL-2.0

package imagebuild

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
)

// FileHash calculates the SHA256 hash of a file's contents.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }() // Read-only file; close error non-critical

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DirHash hashes a directory by relative path, size and modification time
// of every file, which is much cheaper than reading build outputs.
func DirHash(dir string) (string, error) {
	var entries []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // Skip unreadable entries and keep walking
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // Raced with deletion
		}
		rel, _ := filepath.Rel(dir, path)
		entries = append(entries, fmt.Sprintf("%s:%d:%d", filepath.ToSlash(rel), info.Size(), info.ModTime().UnixNano()))
		return nil
	})
	if err != nil {
		return "", err
	}

	slices.Sort(entries)
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ContentHash is the staleness key of spec: its Dockerfile, prerequisites,
// build args and variant.
func ContentHash(spec Spec) (string, error) {
	h := sha256.New()

	dfHash, err := FileHash(spec.DockerfilePath())
	if err != nil {
		return "", fmt.Errorf("hash dockerfile: %w", err)
	}
	fmt.Fprintf(h, "dockerfile:%s\n", dfHash)

	for _, p := range spec.Prerequisites {
		full := spec.prereqPath(p)
		info, err := os.Stat(full)
		if err != nil {
			return "", fmt.Errorf("hash prerequisite %s: %w", p, err)
		}
		var ph string
		if info.IsDir() {
			ph, err = DirHash(full)
		} else {
			ph, err = FileHash(full)
		}
		if err != nil {
			return "", fmt.Errorf("hash prerequisite %s: %w", p, err)
		}
		fmt.Fprintf(h, "prereq:%s:%s\n", filepath.ToSlash(p), ph)
	}

	for _, k := range slices.Sorted(maps.Keys(spec.BuildArgs)) {
		fmt.Fprintf(h, "arg:%s=%s\n", k, spec.BuildArgs[k])
	}
	fmt.Fprintf(h, "variant:%s\n", spec.Variant)

	return hex.EncodeToString(h.Sum(nil)), nil
}
