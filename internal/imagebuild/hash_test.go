// SPDX-License-Identifier: MPL-2.0

package imagebuild

import (
	"testing"

	"github.com/invowk/devup/internal/testutil"
)

func TestContentHash(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "Dockerfile", "FROM alpine\n")
	testutil.MustWriteFile(t, dir, "dist/app.js", "console.log(1)\n")
	spec := Spec{
		Tag:           "app:dev",
		ContextDir:    dir,
		Dockerfile:    "Dockerfile",
		Prerequisites: []string{"dist"},
		BuildArgs:     map[string]string{"A": "1", "B": "2"},
		Variant:       "lite",
	}

	h1, err := ContentHash(spec)
	if err != nil {
		t.Fatalf("ContentHash() error: %v", err)
	}
	h2, _ := ContentHash(spec)
	if h1 != h2 {
		t.Error("ContentHash() should be deterministic")
	}

	spec.Variant = "full"
	if h, _ := ContentHash(spec); h == h1 {
		t.Error("variant change should change the hash")
	}
	spec.Variant = "lite"

	spec.BuildArgs = map[string]string{"A": "1", "B": "3"}
	if h, _ := ContentHash(spec); h == h1 {
		t.Error("build arg change should change the hash")
	}
	spec.BuildArgs = map[string]string{"A": "1", "B": "2"}

	testutil.MustWriteFile(t, dir, "Dockerfile", "FROM alpine:3.20\n")
	if h, _ := ContentHash(spec); h == h1 {
		t.Error("Dockerfile change should change the hash")
	}
}

func TestContentHash_MissingPrereq(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "Dockerfile", "FROM alpine\n")
	_, err := ContentHash(Spec{ContextDir: dir, Dockerfile: "Dockerfile", Prerequisites: []string{"dist"}})
	if err == nil {
		t.Error("ContentHash() should fail for a missing prerequisite")
	}
}

func TestDirHash_NewFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "a.txt", "a")
	h1, err := DirHash(dir)
	if err != nil {
		t.Fatalf("DirHash() error: %v", err)
	}
	testutil.MustWriteFile(t, dir, "sub/b.txt", "b")
	h2, _ := DirHash(dir)
	if h1 == h2 {
		t.Error("adding a file should change the directory hash")
	}
}
