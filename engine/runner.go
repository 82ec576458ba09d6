package engine

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	oerrors "github.com/spacejar/pyoci/internal/errors"
)

// Runner executes the external commands the build depends on (the virtual
// environment tool and the package installer). It exists as a seam so tests
// can substitute a stub for real process execution.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// execRunner runs commands via os/exec, capturing stderr for error context.
type execRunner struct{}

// NewExecRunner returns the Runner used in production builds.
func NewExecRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return oerrors.Wrap(oerrors.TypeProcessExecution, "run_command", err,
			name+" "+strings.Join(args, " ")+" failed").
			WithStderr(strings.TrimSpace(stderr.String()))
	}

	return nil
}
