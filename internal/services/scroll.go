package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/tmux"
)

// Granularity is how far a single scroll request moves
type Granularity struct {
	Mode  string
	Lines int
}

var (
	ScrollLine     = Granularity{Mode: "line", Lines: 1}
	ScrollPage     = Granularity{Mode: "page"}
	ScrollHalfPage = Granularity{Mode: "halfpage"}
)

// maxScrollLines caps a numeric granularity
const maxScrollLines = 10000

// ParseGranularity accepts "line", "page", "halfpage" or a positive line count.
// An empty mode means one line.
func ParseGranularity(mode string) (Granularity, error) {
	switch m := strings.ToLower(strings.TrimSpace(mode)); m {
	case "", "line":
		return ScrollLine, nil
	case "page":
		return ScrollPage, nil
	case "halfpage", "half-page":
		return ScrollHalfPage, nil
	default:
		n, err := strconv.Atoi(m)
		if err != nil || n <= 0 || n > maxScrollLines {
			return Granularity{}, fmt.Errorf("invalid scroll mode %q", mode)
		}
		return Granularity{Mode: "lines", Lines: n}, nil
	}
}

// ParseDirection accepts "up" or "down"
func ParseDirection(direction string) (tmux.Direction, error) {
	switch d := tmux.Direction(strings.ToLower(strings.TrimSpace(direction))); d {
	case tmux.Up, tmux.Down:
		return d, nil
	default:
		return "", fmt.Errorf("invalid scroll direction %q", direction)
	}
}

// ScrollBridge drives tmux copy-mode for scrollback. Failures are logged and
// reported as false.
type ScrollBridge struct {
	mux Multiplexer
}

func NewScrollBridge(mux Multiplexer) *ScrollBridge {
	return &ScrollBridge{mux: mux}
}

// Scroll moves the copy-mode view of sessionID, entering copy-mode first
// when the pane is not already in it
func (b *ScrollBridge) Scroll(ctx context.Context, sessionID string, direction tmux.Direction, g Granularity) bool {
	inMode, err := b.mux.InCopyMode(ctx, sessionID)
	if err != nil {
		logger.Debugf("Scroll on %s: copy-mode query failed: %v", sessionID, err)
		return false
	}
	if !inMode {
		if err := b.mux.EnterCopyMode(ctx, sessionID); err != nil {
			logger.Debugf("Scroll on %s: entering copy-mode failed: %v", sessionID, err)
			return false
		}
	}

	cmd, repeat := copyCommandFor(direction, g)
	if err := b.mux.SendCopyCommand(ctx, sessionID, cmd, repeat); err != nil {
		logger.Debugf("Scroll on %s: %s failed: %v", sessionID, cmd, err)
		return false
	}
	return true
}

// GoToBottomAndExit jumps to the latest output and leaves copy-mode. A pane
// that is not in copy-mode is already there.
func (b *ScrollBridge) GoToBottomAndExit(ctx context.Context, sessionID string) bool {
	inMode, err := b.mux.InCopyMode(ctx, sessionID)
	if err != nil {
		logger.Debugf("Go to bottom on %s: copy-mode query failed: %v", sessionID, err)
		return false
	}
	if !inMode {
		return true
	}

	for _, cmd := range []tmux.CopyCommand{tmux.HistoryBottom, tmux.CancelCopyMode} {
		if err := b.mux.SendCopyCommand(ctx, sessionID, cmd, 1); err != nil {
			logger.Debugf("Go to bottom on %s: %s failed: %v", sessionID, cmd, err)
			return false
		}
	}
	return true
}

func copyCommandFor(direction tmux.Direction, g Granularity) (tmux.CopyCommand, int) {
	up := direction == tmux.Up
	switch g.Mode {
	case ScrollPage.Mode:
		if up {
			return tmux.PageUp, 1
		}
		return tmux.PageDown, 1
	case ScrollHalfPage.Mode:
		if up {
			return tmux.HalfPageUp, 1
		}
		return tmux.HalfPageDown, 1
	default:
		lines := max(g.Lines, 1)
		if up {
			return tmux.ScrollUp, lines
		}
		return tmux.ScrollDown, lines
	}
}
