package mesh

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrInvalidRequest indicates a mesh request rejected before any work runs.
var ErrInvalidRequest = fmt.Errorf("invalid mesh request: %w", errdefs.ErrInvalidArgument)

// SetupMissingError indicates that the reconstructor is not installed. It
// classifies as errdefs.ErrFailedPrecondition.
type SetupMissingError struct {
	// Path is the file or directory that was expected.
	Path string
	// Remediation tells the operator how to install the reconstructor.
	Remediation string
}

func (e *SetupMissingError) Error() string {
	return fmt.Sprintf("reconstructor not found at %s. %s", e.Path, e.Remediation)
}

func (e *SetupMissingError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}

// ToolError reports a reconstructor run that did not exit cleanly. It
// classifies as errdefs.ErrInternal.
type ToolError struct {
	// ExitCode is the process exit code, or -1 if the process was killed or
	// could not be waited on.
	ExitCode int
	// Output is the tail of the combined stdout and stderr.
	Output string
	// Err is the underlying cause when there is no exit code, for example a
	// context deadline.
	Err error
}

func (e *ToolError) Error() string {
	status := fmt.Sprintf("%d", e.ExitCode)
	if e.Err != nil {
		status = e.Err.Error()
	}
	if e.Output == "" {
		return "reconstructor exit status: " + status
	}
	return fmt.Sprintf("reconstructor exit status: %s\nwith output: %s", status, e.Output)
}

func (e *ToolError) Unwrap() []error {
	if e.Err != nil {
		return []error{errdefs.ErrInternal, e.Err}
	}
	return []error{errdefs.ErrInternal}
}
