package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vanpelt/catterm/internal/config"
	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/models"
	"github.com/vanpelt/catterm/internal/naming"
	"github.com/vanpelt/catterm/internal/recovery"
	"github.com/vanpelt/catterm/internal/services"
)

const (
	// input intents allowed per second per connection, and the burst above that
	inputRate  = 1000
	inputBurst = 64

	writeTimeout = 10 * time.Second
	// defaultLogicalName names sessions created without a name or directory
	defaultLogicalName = "shell"
)

// TerminalHandler serves the terminal websocket. Each connection joins at
// most one room at a time; intents are handled in arrival order and every
// one is answered with an event or an error.
type TerminalHandler struct {
	rooms   *services.RoomManager
	pool    *services.TerminalPool
	names   *naming.Registry
	scroll  *services.ScrollBridge
	runtime *config.RuntimeConfig
}

// NewTerminalHandler creates a new terminal handler
func NewTerminalHandler(rooms *services.RoomManager, pool *services.TerminalPool, names *naming.Registry, scroll *services.ScrollBridge, runtime *config.RuntimeConfig) *TerminalHandler {
	if runtime == nil {
		runtime = config.Runtime
	}
	return &TerminalHandler{
		rooms:   rooms,
		pool:    pool,
		names:   names,
		scroll:  scroll,
		runtime: runtime,
	}
}

// RegisterRoutes registers the terminal websocket route
func (h *TerminalHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/terminal", h.HandleWebSocket)
}

// HandleWebSocket upgrades to the terminal protocol. An optional session
// query parameter attaches the connection to that session right away.
func (h *TerminalHandler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	initial := c.Query("session")
	meta := services.ConnectionMeta{
		RemoteAddr:  c.IP(),
		UserAgent:   c.Get(fiber.HeaderUserAgent),
		ConnectedAt: time.Now(),
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.serve(conn, initial, meta)
	})(c)
}

// terminalClient is the per-connection state of the read loop
type terminalClient struct {
	id      string
	limiter *rate.Limiter
}

func newTerminalClient(id string) *terminalClient {
	return &terminalClient{
		id:      id,
		limiter: rate.NewLimiter(rate.Limit(inputRate), inputBurst),
	}
}

func (h *TerminalHandler) serve(conn *websocket.Conn, initial string, meta services.ConnectionMeta) {
	client := newTerminalClient(uuid.NewString())
	registered := h.rooms.Register(client.id, meta)
	logger.Infof("📡 New terminal connection [%s] from %s", client.id, meta.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	recovery.SafeGoWithCleanup("terminal-writer:"+client.id, func() {
		h.writeLoop(conn, registered)
	}, func() {
		close(writerDone)
	})

	defer func() {
		cancel()
		h.rooms.Disconnect(client.id)
		<-writerDone
		logger.Infof("🔌 Terminal connection [%s] closed", client.id)
	}()

	if initial != "" {
		data, _ := json.Marshal(models.AttachSessionRequest{SessionName: initial})
		h.dispatch(ctx, client, models.Envelope{Event: models.IntentAttachSession, Data: data})
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debugf("Terminal connection [%s] read ended: %v", client.id, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			h.fail(client.id, "", fmt.Errorf("%w: frame is not an event envelope", errMalformedRequest))
			continue
		}
		h.dispatch(ctx, client, env)
	}
}

// writeLoop drains the connection's queue onto the socket until the
// connection is dropped
func (h *TerminalHandler) writeLoop(conn *websocket.Conn, c *services.Connection) {
	for {
		select {
		case ev := <-c.Outbound():
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Errorf("❌ Failed to encode %s event: %v", ev.Event, err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("Terminal connection [%s] write failed: %v", c.ID, err)
				_ = conn.Close()
				return
			}
		case <-c.Closed():
			// unblocks the read loop when the manager drops the connection
			_ = conn.Close()
			return
		}
	}
}

func (h *TerminalHandler) dispatch(ctx context.Context, client *terminalClient, env models.Envelope) {
	var err error
	switch env.Event {
	case models.IntentCreateSession:
		err = h.createSession(ctx, client.id, env)
	case models.IntentAttachSession:
		err = h.attachSession(ctx, client.id, env)
	case models.IntentSwitchSession:
		err = h.switchSession(ctx, client.id, env)
	case models.IntentDetachSession:
		err = h.detachSession(client.id, env)
	case models.IntentDeleteSession:
		err = h.deleteSession(ctx, client.id, env)
	case models.IntentWrite:
		if !client.limiter.Allow() {
			err = errRateLimited
			break
		}
		err = h.write(client.id, env)
	case models.IntentResize:
		err = h.resize(client.id, env)
	case models.IntentScroll:
		err = h.scrollSession(ctx, client.id, env)
	case models.IntentGoToBottom:
		err = h.goToBottom(ctx, client.id, env)
	default:
		err = fmt.Errorf("%w: %q", errUnknownIntent, env.Event)
	}

	if err != nil {
		logger.Debugf("Intent %s from [%s] failed: %v", env.Event, client.id, err)
		h.fail(client.id, env.ID, err)
	}
}

func (h *TerminalHandler) reply(connID, id, event string, data interface{}) {
	_ = h.rooms.Send(connID, models.OutboundEvent{Event: event, ID: id, Data: data})
}

func (h *TerminalHandler) fail(connID, id string, err error) {
	h.reply(connID, id, models.EventError, errorPayload(err))
}

func decode(env models.Envelope, v interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s needs a payload", errMalformedRequest, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedRequest, err)
	}
	return nil
}

func (h *TerminalHandler) validate(name string) error {
	if err := h.names.ValidateExternal(name); err != nil {
		return fmt.Errorf("%w: %w", services.ErrInvalidSessionName, err)
	}
	return nil
}

// logicalNameOf returns the logical part of a managed session name
func (h *TerminalHandler) logicalNameOf(name string) string {
	if id, ok := h.names.Parse(name); ok {
		return id.LogicalName
	}
	return strings.TrimPrefix(name, h.names.Prefix()+"-")
}

// resolveName picks the session name for a create request. A provided name
// is used as is; otherwise the next free name for the logical name is
// allocated.
func (h *TerminalHandler) resolveName(ctx context.Context, req models.CreateSessionRequest) (string, string, error) {
	if req.ProvidedName != "" {
		if err := h.validate(req.ProvidedName); err != nil {
			return "", "", err
		}
		return req.ProvidedName, h.logicalNameOf(req.ProvidedName), nil
	}

	logical := req.LogicalName
	if logical == "" && req.WorkingDir != "" {
		logical = filepath.Base(filepath.Clean(req.WorkingDir))
	}
	if logical == "" || logical == "." || logical == string(filepath.Separator) {
		logical = defaultLogicalName
	}
	if err := naming.ValidateLogicalName(logical); err != nil {
		return "", "", fmt.Errorf("%w: %w", services.ErrInvalidSessionName, err)
	}

	id, err := h.names.Next(ctx, logical)
	if err != nil {
		return "", "", err
	}
	return id.Name, logical, nil
}

func sessionEvent(res *services.JoinResult) models.SessionEvent {
	s := res.Session.Session
	return models.SessionEvent{
		SessionID:        res.RoomKey,
		State:            string(s.State()),
		Pid:              res.Session.Pid,
		WorkDir:          s.WorkDir,
		Reconnected:      res.Session.Reconnected,
		AlreadyConnected: res.AlreadyConnected,
		PreviousSession:  res.PreviousRoom,
	}
}

func (h *TerminalHandler) createSession(ctx context.Context, connID string, env models.Envelope) error {
	var req models.CreateSessionRequest
	if err := decode(env, &req); err != nil {
		return err
	}

	name, logical, err := h.resolveName(ctx, req)
	if err != nil {
		return err
	}
	workDir, err := h.runtime.ProjectDir(logical, req.WorkingDir)
	if err != nil {
		return fmt.Errorf("%w: %w", services.ErrSessionCreateFailed, err)
	}

	res, err := h.rooms.Join(ctx, connID, name, services.CreateOptions{
		WorkDir:        workDir,
		Size:           services.Size{Cols: req.Cols, Rows: req.Rows},
		AssistantBound: req.Assistant,
	})
	if err != nil {
		return err
	}
	if req.Assistant {
		res.Session.Session.SetAssistantBound(true)
	}

	logger.Infof("🆕 Connection [%s] created session %s in %s", connID, name, workDir)
	h.reply(connID, env.ID, models.EventSessionCreated, sessionEvent(res))
	return nil
}

func (h *TerminalHandler) join(ctx context.Context, connID, name string, cols, rows uint16) (*services.JoinResult, error) {
	if err := h.validate(name); err != nil {
		return nil, err
	}
	workDir, err := h.runtime.ProjectDir(h.logicalNameOf(name), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", services.ErrSessionCreateFailed, err)
	}

	size := services.Size{Cols: cols, Rows: rows}
	res, err := h.rooms.Join(ctx, connID, name, services.CreateOptions{WorkDir: workDir, Size: size})
	if err != nil {
		return nil, err
	}
	if size.Cols > 0 && size.Rows > 0 && res.Session.Session.Size() != size {
		if err := res.Session.Session.Resize(size); err != nil {
			logger.Debugf("Resize of %s on join failed: %v", name, err)
		}
	}
	return res, nil
}

func (h *TerminalHandler) attachSession(ctx context.Context, connID string, env models.Envelope) error {
	var req models.AttachSessionRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	res, err := h.join(ctx, connID, req.SessionName, req.Cols, req.Rows)
	if err != nil {
		return err
	}
	h.reply(connID, env.ID, models.EventSessionAttached, sessionEvent(res))
	return nil
}

func (h *TerminalHandler) switchSession(ctx context.Context, connID string, env models.Envelope) error {
	var req models.SwitchSessionRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if current := h.rooms.RoomOf(connID); req.CurrentSessionName != "" && req.CurrentSessionName != current {
		logger.Debugf("Connection [%s] switching from %q but is in %q", connID, req.CurrentSessionName, current)
	}

	res, err := h.join(ctx, connID, req.SessionName, 0, 0)
	if err != nil {
		return err
	}
	logger.Infof("🔀 Connection [%s] switched %s → %s", connID, res.PreviousRoom, res.RoomKey)
	h.reply(connID, env.ID, models.EventSessionSwitched, sessionEvent(res))
	return nil
}

func (h *TerminalHandler) detachSession(connID string, env models.Envelope) error {
	var req models.DetachSessionRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := h.validate(req.SessionName); err != nil {
		return err
	}
	if err := h.attached(connID, req.SessionName); err != nil {
		return err
	}

	if _, err := h.rooms.DetachSession(connID, req.SessionName); err != nil {
		logger.Warnf("⚠️ Detach of %s: %v", req.SessionName, err)
	}
	h.reply(connID, env.ID, models.EventSessionDetached, models.SessionEvent{
		SessionID: req.SessionName,
		State:     string(services.StateDetached),
	})
	return nil
}

func (h *TerminalHandler) deleteSession(ctx context.Context, connID string, env models.Envelope) error {
	var req models.DeleteSessionRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := h.validate(req.SessionName); err != nil {
		return err
	}
	if err := h.rooms.DestroySession(ctx, req.SessionName); err != nil {
		return err
	}
	logger.Infof("🗑️ Connection [%s] deleted session %s", connID, req.SessionName)
	h.reply(connID, env.ID, models.EventSessionDeleted, models.SessionEvent{
		SessionID: req.SessionName,
		State:     string(services.StateKilled),
	})
	return nil
}

// attached rejects intents for a session whose room connID is not in
func (h *TerminalHandler) attached(connID, id string) error {
	if h.rooms.RoomOf(connID) != id {
		return fmt.Errorf("%w: not attached to %s", services.ErrSessionNotFound, id)
	}
	return nil
}

// session returns the tracked session a data-plane intent from connID targets
func (h *TerminalHandler) session(connID, id string) (*services.TerminalSession, error) {
	if err := h.validate(id); err != nil {
		return nil, err
	}
	if err := h.attached(connID, id); err != nil {
		return nil, err
	}
	s, ok := h.pool.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", services.ErrSessionNotFound, id)
	}
	return s, nil
}

func (h *TerminalHandler) write(connID string, env models.Envelope) error {
	var req models.WriteRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	s, err := h.session(connID, req.SessionID)
	if err != nil {
		return err
	}
	if err := s.Write([]byte(req.Data)); err != nil {
		return err
	}
	h.reply(connID, env.ID, models.EventAck, models.Ack{Event: env.Event, ID: env.ID})
	return nil
}

func (h *TerminalHandler) resize(connID string, env models.Envelope) error {
	var req models.ResizeRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	s, err := h.session(connID, req.SessionID)
	if err != nil {
		return err
	}
	if err := s.Resize(services.Size{Cols: req.Cols, Rows: req.Rows}); err != nil {
		return err
	}
	h.reply(connID, env.ID, models.EventAck, models.Ack{Event: env.Event, ID: env.ID})
	return nil
}

func (h *TerminalHandler) scrollSession(ctx context.Context, connID string, env models.Envelope) error {
	var req models.ScrollRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := h.validate(req.SessionID); err != nil {
		return err
	}
	if err := h.attached(connID, req.SessionID); err != nil {
		return err
	}
	direction, err := services.ParseDirection(req.Direction)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedRequest, err)
	}
	granularity, err := services.ParseGranularity(req.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedRequest, err)
	}

	ok := h.scroll.Scroll(ctx, req.SessionID, direction, granularity)
	h.reply(connID, env.ID, models.EventScrollResult, models.ScrollResult{
		Success:   ok,
		SessionID: req.SessionID,
		Direction: string(direction),
		Mode:      granularity.Mode,
	})
	return nil
}

func (h *TerminalHandler) goToBottom(ctx context.Context, connID string, env models.Envelope) error {
	var req models.GoToBottomRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := h.validate(req.SessionID); err != nil {
		return err
	}
	if err := h.attached(connID, req.SessionID); err != nil {
		return err
	}

	ok := h.scroll.GoToBottomAndExit(ctx, req.SessionID)
	h.reply(connID, env.ID, models.EventScrollResult, models.ScrollResult{
		Success:   ok,
		SessionID: req.SessionID,
		Mode:      "bottom",
	})
	return nil
}
