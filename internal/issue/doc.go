// SPDX-License-Identifier: MPL-2.0

// Package issue holds devup's user-facing error vocabulary: ActionableError
// for one-line failures with suggestions, the Markdown issue catalog rendered
// with glamour, and the Diagnostic contract through which child-process
// failures expose their exit code and output tail.
package issue
