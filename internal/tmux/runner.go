package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrCommandFailed marks every failed tmux invocation
	ErrCommandFailed = errors.New("tmux command failed")
	// ErrNoSession is reported when the target session (or the server) is gone
	ErrNoSession = errors.New("tmux session not found")
)

// CommandError preserves the argv and stderr of a failed tmux invocation
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("tmux %s failed: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() []error {
	errs := []error{ErrCommandFailed}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if isMissingSession(e.Stderr) {
		errs = append(errs, ErrNoSession)
	}
	return errs
}

func isMissingSession(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "can't find session") ||
		strings.Contains(s, "session not found") ||
		strings.Contains(s, "no server running") ||
		(strings.Contains(s, "error connecting") && strings.Contains(s, "no such file or directory"))
}

// Runner abstracts tmux process execution so the client can be tested
// without a tmux server.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the tmux binary
type ExecRunner struct {
	Binary string
}

// NewExecRunner creates a runner for the given tmux binary
func NewExecRunner(binary string) *ExecRunner {
	if binary == "" {
		binary = "tmux"
	}
	return &ExecRunner{Binary: binary}
}

// Run executes tmux with args and returns stdout
func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, &CommandError{
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}

	return stdout.Bytes(), nil
}
