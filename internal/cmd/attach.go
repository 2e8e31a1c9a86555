package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vanpelt/catterm/internal/models"
)

// escapeKey (Ctrl-]) leaves the session without detaching other clients
const escapeKey = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach <session>",
	Short: "🔌 Attach this terminal to a session",
	Long: `# 🔌 Attach to a session

Connects to a catterm server and drives a session from the current terminal.
The session is created when it does not exist yet. Every other client on the
session keeps seeing the same output.

Press **Ctrl-]** to leave. The session keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

// termClient speaks the terminal websocket protocol for one session
type termClient struct {
	conn      *websocket.Conn
	sessionID string
	mu        sync.Mutex
}

func dialTerminal(sessionID string) (*termClient, error) {
	u, err := endpoint("/v1/terminal", true)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	token, err := resolveToken()
	if err != nil {
		return nil, err
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %s", u.Host, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}
	return &termClient{conn: conn, sessionID: sessionID}, nil
}

func (c *termClient) send(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(models.Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *termClient) attach(cols, rows uint16) error {
	return c.send(models.IntentAttachSession, models.AttachSessionRequest{
		SessionName: c.sessionID,
		Cols:        cols,
		Rows:        rows,
	})
}

func (c *termClient) write(p []byte) error {
	return c.send(models.IntentWrite, models.WriteRequest{SessionID: c.sessionID, Data: string(p)})
}

func (c *termClient) resize(cols, rows uint16) error {
	return c.send(models.IntentResize, models.ResizeRequest{SessionID: c.sessionID, Cols: cols, Rows: rows})
}

// pump copies this session's output to out until the session goes away or
// the connection drops. Server errors are reported to errOut.
func (c *termClient) pump(out, errOut io.Writer) error {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}

		switch env.Event {
		case models.EventTerminalOutput:
			var output models.TerminalOutput
			if json.Unmarshal(env.Data, &output) == nil && output.SessionID == c.sessionID {
				if _, err := io.WriteString(out, output.Data); err != nil {
					return err
				}
			}
		case models.EventSessionDeleted, models.EventSessionDetached:
			var ev models.SessionEvent
			if json.Unmarshal(env.Data, &ev) == nil && ev.SessionID == c.sessionID {
				return nil
			}
		case models.EventError:
			var payload models.ErrorPayload
			if json.Unmarshal(env.Data, &payload) == nil {
				fmt.Fprintf(errOut, "catterm: %s %s\r\n", payload.Message, payload.Details)
			}
		}
	}
}

func (c *termClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// errEscape ends an attach on the escape key
var errEscape = errors.New("escape")

// copyInput forwards keystrokes until the escape key or EOF
func copyInput(in io.Reader, c *termClient) error {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			data := buf[:n]
			for i, b := range data {
				if b == escapeKey {
					if i > 0 {
						if werr := c.write(data[:i]); werr != nil {
							return werr
						}
					}
					return errEscape
				}
			}
			if werr := c.write(data); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

func runAttach(cmd *cobra.Command, args []string) error {
	client, err := dialTerminal(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	fd := int(os.Stdin.Fd())
	cols, rows := uint16(0), uint16(0)
	if w, h, err := term.GetSize(fd); err == nil {
		cols, rows = uint16(w), uint16(h)
	}
	if err := client.attach(cols, rows); err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to make stdin raw: %w", err)
		}
		defer func() {
			if err := term.Restore(fd, oldState); err != nil {
				fmt.Fprintf(os.Stderr, "catterm: failed to restore terminal: %v\n", err)
			}
		}()
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(fd); err == nil {
				_ = client.resize(uint16(w), uint16(h))
			}
		}
	}()

	done := make(chan error, 2)
	go func() { done <- client.pump(os.Stdout, os.Stderr) }()
	go func() { done <- copyInput(os.Stdin, client) }()

	err = <-done
	if err == nil || errors.Is(err, errEscape) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
