package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vanpelt/catterm/internal/config"
	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/naming"
	"github.com/vanpelt/catterm/internal/services"
)

// SessionsHandler handles session management API endpoints
type SessionsHandler struct {
	pool    *services.TerminalPool
	rooms   *services.RoomManager
	names   *naming.Registry
	runtime *config.RuntimeConfig
	started time.Time
}

// OutputChunk is one buffered piece of terminal output
type OutputChunk struct {
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
}

// OutputResponse is the buffered output of a session, oldest first
type OutputResponse struct {
	SessionID string        `json:"sessionId"`
	Chunks    []OutputChunk `json:"chunks"`
}

// RestartResponse describes a restarted session
type RestartResponse struct {
	SessionID string `json:"sessionId"`
	Pid       int    `json:"pid"`
	WorkDir   string `json:"workDir"`
	State     string `json:"state"`
}

// HealthResponse reports server liveness and load
type HealthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Uptime      string `json:"uptime"`
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(pool *services.TerminalPool, rooms *services.RoomManager, names *naming.Registry, runtime *config.RuntimeConfig) *SessionsHandler {
	if runtime == nil {
		runtime = config.Runtime
	}
	return &SessionsHandler{
		pool:    pool,
		rooms:   rooms,
		names:   names,
		runtime: runtime,
		started: time.Now(),
	}
}

// RegisterRoutes registers the session and health routes
func (h *SessionsHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/health", h.Health)
	v1.Get("/sessions", h.ListSessions)
	v1.Get("/sessions/:name", h.GetSession)
	v1.Delete("/sessions/:name", h.DeleteSession)
	v1.Post("/sessions/:name/restart", h.RestartSession)
	v1.Get("/sessions/:name/output", h.GetOutput)
}

func (h *SessionsHandler) name(c *fiber.Ctx) (string, error) {
	name := c.Params("name")
	if err := h.names.ValidateExternal(name); err != nil {
		return "", fmt.Errorf("%w: %w", services.ErrInvalidSessionName, err)
	}
	return name, nil
}

// Health reports liveness
func (h *SessionsHandler) Health(c *fiber.Ctx) error {
	conns, rooms := h.rooms.Stats()
	return c.JSON(HealthResponse{
		Status:      "ok",
		Sessions:    h.pool.Len(),
		Connections: conns,
		Rooms:       rooms,
		Uptime:      time.Since(h.started).Round(time.Second).String(),
	})
}

// ListSessions returns the union of tracked sessions and managed tmux sessions
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	sessions, err := h.pool.ListAvailable(c.UserContext())
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(sessions)
}

// GetSession returns details for a tracked session
func (h *SessionsHandler) GetSession(c *fiber.Ctx) error {
	name, err := h.name(c)
	if err != nil {
		return jsonError(c, err)
	}
	s, ok := h.pool.Get(name)
	if !ok {
		return jsonError(c, fmt.Errorf("%w: %s", services.ErrSessionNotFound, name))
	}
	return c.JSON(s.Info())
}

// DeleteSession kills a session and dissolves its room
func (h *SessionsHandler) DeleteSession(c *fiber.Ctx) error {
	name, err := h.name(c)
	if err != nil {
		return jsonError(c, err)
	}
	if err := h.rooms.DestroySession(c.UserContext(), name); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":   "Session deleted successfully",
		"sessionId": name,
	})
}

// RestartSession kills whatever exists for a session and starts it again
func (h *SessionsHandler) RestartSession(c *fiber.Ctx) error {
	name, err := h.name(c)
	if err != nil {
		return jsonError(c, err)
	}

	logical := name
	if id, ok := h.names.Parse(name); ok {
		logical = id.LogicalName
	}
	workDir, err := h.runtime.ProjectDir(logical, "")
	if err != nil {
		return jsonError(c, fmt.Errorf("%w: %w", services.ErrSessionCreateFailed, err))
	}

	res, err := h.rooms.RestartSession(c.UserContext(), name, services.CreateOptions{WorkDir: workDir})
	if err != nil {
		return jsonError(c, err)
	}
	logger.Infof("♻️ Session %s restarted via API (pid %d)", name, res.Pid)
	return c.JSON(RestartResponse{
		SessionID: name,
		Pid:       res.Pid,
		WorkDir:   res.Session.WorkDir,
		State:     string(res.Session.State()),
	})
}

// GetOutput returns up to ?limit= of the most recent buffered output chunks
func (h *SessionsHandler) GetOutput(c *fiber.Ctx) error {
	name, err := h.name(c)
	if err != nil {
		return jsonError(c, err)
	}
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return jsonError(c, fmt.Errorf("%w: limit must not be negative", errMalformedRequest))
	}

	s, ok := h.pool.Get(name)
	if !ok {
		return jsonError(c, fmt.Errorf("%w: %s", services.ErrSessionNotFound, name))
	}

	chunks := s.Output(limit)
	resp := OutputResponse{SessionID: name, Chunks: make([]OutputChunk, 0, len(chunks))}
	for _, chunk := range chunks {
		resp.Chunks = append(resp.Chunks, OutputChunk{Timestamp: chunk.Timestamp, Data: string(chunk.Data)})
	}
	return c.JSON(resp)
}
