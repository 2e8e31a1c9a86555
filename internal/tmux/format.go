package tmux

import (
	"strconv"
	"strings"
	"time"
)

// fieldSeparator delimits list-sessions fields. ASCII Unit Separator never
// shows up in session names.
const fieldSeparator = "\x1f"

func joinFormat(fields ...string) string {
	return strings.Join(fields, fieldSeparator)
}

func splitFields(line string, n int) []string {
	if strings.Contains(line, fieldSeparator) {
		return strings.SplitN(line, fieldSeparator, n)
	}
	// tmux builds older than 3.1 escape non-printables as octal
	if strings.Contains(line, `\037`) {
		return strings.SplitN(line, `\037`, n)
	}
	return []string{line}
}

func parseEpoch(s string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// exactTarget forces tmux to match the session name exactly instead of by prefix
func exactTarget(name string) string {
	return "=" + name
}

// paneTarget addresses the active pane of a session
func paneTarget(name string) string {
	return "=" + name + ":"
}
