package services

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

var promptSuffixes = []string{"$ ", "# ", "> ", ": "}

// pendingEchoCommand returns the command a write will echo back, if the
// write ends a line.
func pendingEchoCommand(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	last := data[len(data)-1]
	if last != '\n' && last != '\r' {
		return "", false
	}
	cmd := strings.TrimSpace(string(data))
	if cmd == "" {
		return "", false
	}
	return cmd, true
}

// filterEcho removes the shell's echo of command from the first chunk of
// output following a write. Only the first non-blank line is inspected, so
// prompts spanning several lines are not recognised.
func filterEcho(chunk []byte, command string) []byte {
	if command == "" || len(chunk) == 0 {
		return chunk
	}

	offset := 0
	for offset < len(chunk) {
		end := bytes.IndexByte(chunk[offset:], '\n')
		lineEnd := len(chunk)
		if end >= 0 {
			lineEnd = offset + end + 1
		}

		visible := strings.TrimSpace(ansi.Strip(string(chunk[offset:lineEnd])))
		if visible == "" {
			offset = lineEnd
			continue
		}
		if !isEchoOf(visible, command) {
			return chunk
		}

		out := make([]byte, 0, len(chunk)-(lineEnd-offset))
		out = append(out, chunk[:offset]...)
		return append(out, chunk[lineEnd:]...)
	}
	return chunk
}

func isEchoOf(line, command string) bool {
	if line == command {
		return true
	}
	for _, p := range promptSuffixes {
		if strings.HasSuffix(line, p+command) {
			return true
		}
	}
	return false
}

// splitIncompleteUTF8 separates a trailing partial rune from data so the
// next read can complete it.
func splitIncompleteUTF8(data []byte) ([]byte, []byte) {
	// a rune is at most 4 bytes, so only the last 3 can start a partial one
	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b < utf8.RuneSelf {
			return data, nil
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(data[len(data)-i:]) {
				return data, nil
			}
			return data[:len(data)-i], data[len(data)-i:]
		}
	}
	return data, nil
}
