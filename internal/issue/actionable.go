// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ActionableError is a user-facing error carrying what devup was doing,
	// what it was doing it to, and what the user can do next. It may point
	// at a catalog Issue for longer Markdown guidance.
	//
	// Build it with ErrorContext:
	//
	//	err := issue.NewErrorContext().
	//		WithOperation("build image").
	//		WithResource("devup/agent-runtime:latest").
	//		WithSuggestion("Run 'npm run build' to produce dist/ first").
	//		WithIssue(issue.BuildPrereqMissingId).
	//		Wrap(cause).
	//		BuildError()
	ActionableError struct {
		// Operation is a verb phrase, e.g. "start service" or "reclaim port".
		Operation string
		// Resource names the image, container, process or port involved.
		Resource    string
		Suggestions []string
		// IssueID selects the catalog entry rendered by `devup` on failure. Zero means none.
		IssueID Id
		Cause   error
	}

	// ErrorContext incrementally collects the fields of an ActionableError.
	ErrorContext struct {
		operation   string
		resource    string
		suggestions []string
		issueID     Id
		cause       error
	}
)

// NewErrorContext creates an empty ErrorContext builder.
func NewErrorContext() *ErrorContext {
	return &ErrorContext{}
}

// Error returns the one-line form: "failed to <op>: <resource>: <cause>".
func (e *ActionableError) Error() string {
	var sb strings.Builder
	sb.WriteString("failed to ")
	sb.WriteString(e.Operation)
	if e.Resource != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Resource)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// Format renders the error with its suggestions. Any child-process
// diagnostics in the chain (exit code and output tail) are always appended;
// verbose additionally lists every error in the chain.
func (e *ActionableError) Format(verbose bool) string {
	var sb strings.Builder
	sb.WriteString(e.Error())

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n")
		for _, s := range e.Suggestions {
			sb.WriteString("\n  • ")
			sb.WriteString(s)
		}
	}

	if d, ok := DiagnosticsOf(e.Cause); ok {
		fmt.Fprintf(&sb, "\n\nexit code: %d", d.ExitCode())
		if tail := d.OutputTail(); tail != "" {
			sb.WriteString("\noutput (tail):\n")
			for line := range strings.SplitSeq(tail, "\n") {
				sb.WriteString("  | ")
				sb.WriteString(line)
				sb.WriteString("\n")
			}
		}
	}

	if verbose && e.Cause != nil {
		sb.WriteString("\n\nError chain:")
		depth := 1
		for err := e.Cause; err != nil; err = errors.Unwrap(err) {
			fmt.Fprintf(&sb, "\n  %d. %s", depth, err.Error())
			depth++
		}
	}

	return sb.String()
}

func (c *ErrorContext) WithOperation(op string) *ErrorContext {
	c.operation = op
	return c
}

func (c *ErrorContext) WithResource(res string) *ErrorContext {
	c.resource = res
	return c
}

// WithSuggestion appends a remediation hint. It may be called repeatedly.
func (c *ErrorContext) WithSuggestion(sug string) *ErrorContext {
	c.suggestions = append(c.suggestions, sug)
	return c
}

func (c *ErrorContext) WithSuggestions(sugs ...string) *ErrorContext {
	c.suggestions = append(c.suggestions, sugs...)
	return c
}

// WithIssue links the error to a catalog entry.
func (c *ErrorContext) WithIssue(id Id) *ErrorContext {
	c.issueID = id
	return c
}

func (c *ErrorContext) Wrap(err error) *ErrorContext {
	c.cause = err
	return c
}

// Build returns nil when no operation was set.
func (c *ErrorContext) Build() *ActionableError {
	if c.operation == "" {
		return nil
	}
	return &ActionableError{
		Operation:   c.operation,
		Resource:    c.resource,
		Suggestions: c.suggestions,
		IssueID:     c.issueID,
		Cause:       c.cause,
	}
}

// BuildError is Build typed as error, so that a nil result stays a nil interface.
func (c *ErrorContext) BuildError() error {
	if ae := c.Build(); ae != nil {
		return ae
	}
	return nil
}

// IssueOf returns the catalog entry linked to the first ActionableError in
// err's chain that has one.
func IssueOf(err error) *Issue {
	for err != nil {
		var ae *ActionableError
		if !errors.As(err, &ae) {
			return nil
		}
		if ae.IssueID != 0 {
			return Get(ae.IssueID)
		}
		err = ae.Cause
	}
	return nil
}
