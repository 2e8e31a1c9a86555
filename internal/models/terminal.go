package models

import (
	"encoding/json"
	"time"
)

// Outbound event names
const (
	EventSessionCreated  = "session-created"
	EventSessionDeleted  = "session-deleted"
	EventSessionSwitched = "session-switched"
	EventSessionAttached = "session-attached"
	EventSessionDetached = "session-detached"
	EventTerminalOutput  = "terminal-output"
	EventScrollResult    = "terminal-scroll-result"
	EventAck             = "ack"
	EventError           = "error"
	EventFilesChanged    = "files-changed"
)

// Inbound intent names
const (
	IntentCreateSession = "create-session"
	IntentDeleteSession = "delete-session"
	IntentSwitchSession = "switch-session"
	IntentAttachSession = "attach-session"
	IntentDetachSession = "detach-session"
	IntentWrite         = "write"
	IntentResize        = "resize"
	IntentScroll        = "scroll"
	IntentGoToBottom    = "go-to-bottom"
)

// Envelope is the JSON frame exchanged over the terminal websocket. ID
// echoes the id of the intent an event answers.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is an event waiting to be encoded as an Envelope
type OutboundEvent struct {
	Event string      `json:"event"`
	ID    string      `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// CreateSessionRequest asks for a new session. ProvidedName wins over
// LogicalName; with neither the working directory's base name is used.
type CreateSessionRequest struct {
	LogicalName  string `json:"logicalName,omitempty"`
	ProvidedName string `json:"providedName,omitempty"`
	WorkingDir   string `json:"workingDir,omitempty"`
	Cols         uint16 `json:"cols,omitempty"`
	Rows         uint16 `json:"rows,omitempty"`
	Assistant    bool   `json:"assistant,omitempty"`
}

type DeleteSessionRequest struct {
	SessionName string `json:"sessionName"`
}

type SwitchSessionRequest struct {
	SessionName        string `json:"sessionName"`
	CurrentSessionName string `json:"currentSessionName,omitempty"`
}

type AttachSessionRequest struct {
	SessionName string `json:"sessionName"`
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
}

type DetachSessionRequest struct {
	SessionName string `json:"sessionName"`
}

type WriteRequest struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type ResizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type ScrollRequest struct {
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"`
	Mode      string `json:"mode,omitempty"`
}

type GoToBottomRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionEvent announces a change to a session
type SessionEvent struct {
	SessionID        string `json:"sessionId"`
	State            string `json:"state,omitempty"`
	Pid              int    `json:"pid,omitempty"`
	WorkDir          string `json:"workDir,omitempty"`
	Reconnected      bool   `json:"reconnected,omitempty"`
	AlreadyConnected bool   `json:"alreadyConnected,omitempty"`
	PreviousSession  string `json:"previousSession,omitempty"`
}

// TerminalOutput carries raw terminal bytes
type TerminalOutput struct {
	SessionID string    `json:"sessionId"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type ScrollResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Direction string `json:"direction,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type Ack struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type FilesChanged struct {
	RoomKey string   `json:"roomKey"`
	Paths   []string `json:"paths"`
}
