package tmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// SessionInfo is one row of list-sessions output
type SessionInfo struct {
	Name         string
	Created      time.Time
	LastActivity time.Time
	Attached     int
}

// NewSessionOptions describes a detached session to create
type NewSessionOptions struct {
	Name    string
	WorkDir string
	Cols    uint16
	Rows    uint16
	Env     []string
}

// Direction is a scroll direction in copy-mode
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// CopyCommand is a copy-mode command sent with send-keys -X
type CopyCommand string

const (
	ScrollUp       CopyCommand = "scroll-up"
	ScrollDown     CopyCommand = "scroll-down"
	PageUp         CopyCommand = "page-up"
	PageDown       CopyCommand = "page-down"
	HalfPageUp     CopyCommand = "halfpage-up"
	HalfPageDown   CopyCommand = "halfpage-down"
	HistoryBottom  CopyCommand = "history-bottom"
	CancelCopyMode CopyCommand = "cancel"
)

// Options configures a Client
type Options struct {
	Binary  string
	Workers int
	// Timeout bounds each tmux invocation. It is advisory: a command that
	// exceeds it is reported as failed, callers decide what that means.
	Timeout time.Duration
}

// Client issues tmux commands. It is stateless apart from the worker
// semaphore, so a slow or hung tmux call only occupies one of Workers slots.
type Client struct {
	runner  Runner
	binary  string
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewClient creates a Client. A nil runner means "exec the configured binary".
func NewClient(runner Runner, opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = "tmux"
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if runner == nil {
		runner = NewExecRunner(opts.Binary)
	}
	return &Client{
		runner:  runner,
		binary:  opts.Binary,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		timeout: opts.Timeout,
	}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: waiting for worker: %v", ErrCommandFailed, err)
	}
	defer c.sem.Release(1)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// AttachCommand returns the argv that attaches a client to name
func (c *Client) AttachCommand(name string) []string {
	return []string{c.binary, "attach-session", "-t", exactTarget(name)}
}

// HasSession reports whether the named session exists
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.run(ctx, "has-session", "-t", exactTarget(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	return false, err
}

// NewSession creates a detached session
func (c *Client) NewSession(ctx context.Context, opts NewSessionOptions) error {
	args := []string{"new-session", "-d", "-s", opts.Name}
	if opts.WorkDir != "" {
		args = append(args, "-c", opts.WorkDir)
	}
	if opts.Cols > 0 && opts.Rows > 0 {
		args = append(args, "-x", strconv.Itoa(int(opts.Cols)), "-y", strconv.Itoa(int(opts.Rows)))
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	_, err := c.run(ctx, args...)
	return err
}

// EnsureSession creates the session unless it already exists. It reports
// whether a new session was created.
func (c *Client) EnsureSession(ctx context.Context, opts NewSessionOptions) (bool, error) {
	exists, err := c.HasSession(ctx, opts.Name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := c.NewSession(ctx, opts); err != nil {
		var cmdErr *CommandError
		// Lost a race with another creator; the session is there, which is all we want
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "duplicate session") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// KillSession destroys the named session
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", exactTarget(name))
	return err
}

// ListSessions returns every session on the server. A missing server is an
// empty list, not an error.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	format := joinFormat("#{session_name}", "#{session_created}", "#{session_attached}", "#{session_activity}")
	out, err := c.run(ctx, "list-sessions", "-F", format)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitFields(line, 4)
		info := SessionInfo{Name: fields[0]}
		if len(fields) > 1 {
			info.Created = parseEpoch(fields[1])
		}
		if len(fields) > 2 {
			info.Attached, _ = strconv.Atoi(strings.TrimSpace(fields[2]))
		}
		if len(fields) > 3 {
			info.LastActivity = parseEpoch(fields[3])
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

// CapturePane returns the active pane's history and visible screen,
// escape sequences included. The trailing newline tmux appends is dropped.
func (c *Client) CapturePane(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "capture-pane", "-p", "-e", "-S", "-", "-t", paneTarget(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(out, "\n"), nil
}

// CursorPosition returns the 0-based cursor column (x) and row (y)
func (c *Client) CursorPosition(ctx context.Context, name string) (int, int, error) {
	out, err := c.run(ctx, "display-message", "-p", "-t", paneTarget(name), "#{cursor_x},#{cursor_y}")
	if err != nil {
		return 0, 0, err
	}
	parts := strings.SplitN(strings.TrimSpace(out), ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: unexpected cursor output %q", ErrCommandFailed, out)
	}
	x, errX := strconv.Atoi(parts[0])
	y, errY := strconv.Atoi(parts[1])
	if errX != nil || errY != nil {
		return 0, 0, fmt.Errorf("%w: unexpected cursor output %q", ErrCommandFailed, out)
	}
	return x, y, nil
}

// InCopyMode reports whether the active pane is in a mode (copy-mode)
func (c *Client) InCopyMode(ctx context.Context, name string) (bool, error) {
	out, err := c.run(ctx, "display-message", "-p", "-t", paneTarget(name), "#{pane_in_mode}")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}

// EnterCopyMode puts the active pane into copy-mode
func (c *Client) EnterCopyMode(ctx context.Context, name string) error {
	_, err := c.run(ctx, "copy-mode", "-t", paneTarget(name))
	return err
}

// SendCopyCommand sends a copy-mode command, repeated repeat times
func (c *Client) SendCopyCommand(ctx context.Context, name string, cmd CopyCommand, repeat int) error {
	args := []string{"send-keys", "-t", paneTarget(name), "-X"}
	if repeat > 1 {
		args = append(args, "-N", strconv.Itoa(repeat))
	}
	args = append(args, string(cmd))
	_, err := c.run(ctx, args...)
	return err
}
