package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vanpelt/catterm/internal/logger"
)

const clearAndHome = "\x1b[2J\x1b[H"

// Replayer rebuilds a client's screen from tmux state after it attaches
type Replayer struct {
	mux    Multiplexer
	settle time.Duration
	step   time.Duration
}

// NewReplayer creates a Replayer. settle is how long tmux gets to register
// the new client before the capture; step spaces out the replay frames.
func NewReplayer(mux Multiplexer, settle, step time.Duration) *Replayer {
	return &Replayer{mux: mux, settle: settle, step: step}
}

// Replay captures the pane and cursor of sessionID and hands send a clear
// screen, the captured content and a cursor move, in that order. Nothing is
// sent when the capture is empty. It reports whether a replay was sent.
func (r *Replayer) Replay(ctx context.Context, sessionID string, send func(data string) error) (bool, error) {
	if err := sleepCtx(ctx, r.settle); err != nil {
		return false, err
	}

	content, err := r.mux.CapturePane(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to capture %s: %w", sessionID, err)
	}
	if strings.TrimSpace(content) == "" {
		return false, nil
	}

	x, y, cursorErr := r.mux.CursorPosition(ctx, sessionID)
	if cursorErr != nil {
		logger.Debugf("Replay of %s without cursor: %v", sessionID, cursorErr)
	}

	frames := []string{clearAndHome, normalizeLineEndings(content)}
	if cursorErr == nil {
		frames = append(frames, cursorPosition(x, y))
	}

	for i, frame := range frames {
		if i > 0 {
			if err := sleepCtx(ctx, r.step); err != nil {
				return false, err
			}
		}
		if err := send(frame); err != nil {
			return false, err
		}
	}
	return true, nil
}

// normalizeLineEndings converts bare \n to \r\n
func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// cursorPosition converts tmux's 0-based x,y to a 1-based CUP sequence
func cursorPosition(x, y int) string {
	return fmt.Sprintf("\x1b[%d;%dH", y+1, x+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
