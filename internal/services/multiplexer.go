package services

import (
	"context"

	"github.com/vanpelt/catterm/internal/naming"
	"github.com/vanpelt/catterm/internal/tmux"
)

// Multiplexer is the set of tmux operations the session layer depends on.
// *tmux.Client satisfies it.
type Multiplexer interface {
	AttachCommand(name string) []string
	HasSession(ctx context.Context, name string) (bool, error)
	EnsureSession(ctx context.Context, opts tmux.NewSessionOptions) (bool, error)
	KillSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context) ([]tmux.SessionInfo, error)
	CapturePane(ctx context.Context, name string) (string, error)
	CursorPosition(ctx context.Context, name string) (int, int, error)
	InCopyMode(ctx context.Context, name string) (bool, error)
	EnterCopyMode(ctx context.Context, name string) error
	SendCopyCommand(ctx context.Context, name string, cmd tmux.CopyCommand, repeat int) error
}

// NameResolver recognises session names owned by this server.
// *naming.Registry satisfies it.
type NameResolver interface {
	Parse(name string) (naming.Identifier, bool)
	IsManaged(name string) bool
}

var (
	_ Multiplexer  = (*tmux.Client)(nil)
	_ NameResolver = (*naming.Registry)(nil)
)
