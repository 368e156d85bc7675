// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/invowk/devup/internal/issue"
)

const (
	exitFailure     = 1
	exitInterrupted = 130
)

// renderError prints err for a human: the actionable message with its
// suggestions and child output, then the catalog entry for its issue id.
func renderError(w io.Writer, err error, verbose bool) {
	fmt.Fprintln(w, ErrorStyle.Render("✗ ")+formatErrorForDisplay(err, verbose))

	if iss := issue.IssueOf(err); iss != nil {
		rendered, rerr := iss.Render("dark")
		if rerr != nil {
			return
		}
		fmt.Fprint(w, rendered)
	}
}

// formatErrorForDisplay uses ActionableError.Format when available. Plain
// errors still get their child-process diagnostics appended.
func formatErrorForDisplay(err error, verbose bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verbose)
	}
	msg := err.Error()
	if d, ok := issue.DiagnosticsOf(err); ok {
		msg += fmt.Sprintf("\n\nexit code: %d", d.ExitCode())
		if tail := d.OutputTail(); tail != "" {
			msg += "\noutput (tail):\n" + VerboseStyle.Render(tail)
		}
	}
	return msg
}

func exitCodeFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return exitFailure
}
