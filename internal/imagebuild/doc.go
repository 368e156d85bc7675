// SPDX-License-Identifier: MPL-2.0

// Package imagebuild builds the locally defined images of a devup project.
//
// Builds are skipped when the image already carries the content hash of its
// inputs in the devup.build-hash label. A build never starts unless the
// Dockerfile and every declared prerequisite exist, and a failed build is
// reported with the engine's exit code and output tail. Builds are never retried.
package imagebuild
