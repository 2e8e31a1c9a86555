package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanpelt/catterm/internal/models"
	"github.com/vanpelt/catterm/internal/services"
	"github.com/vanpelt/catterm/internal/tmux"
)

func envelope(t *testing.T, event, id string, data interface{}) models.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return models.Envelope{Event: event, ID: id, Data: raw}
}

type harness struct {
	*fixture
	client *terminalClient
	conn   *services.Connection
}

func newHarness(t *testing.T, maxSessions int) *harness {
	f := newFixture(t, maxSessions)
	client := newTerminalClient("conn-1")
	return &harness{fixture: f, client: client, conn: f.rooms.Register(client.id, services.ConnectionMeta{})}
}

func (h *harness) send(t *testing.T, event, id string, data interface{}) models.OutboundEvent {
	t.Helper()
	h.terminal.dispatch(context.Background(), h.client, envelope(t, event, id, data))
	return expect(t, h.conn)
}

func TestCreateSessionAllocatesName(t *testing.T) {
	h := newHarness(t, 5)

	ev := h.send(t, models.IntentCreateSession, "1", models.CreateSessionRequest{LogicalName: "api", Cols: 100, Rows: 30})
	require.Equal(t, models.EventSessionCreated, ev.Event)
	assert.Equal(t, "1", ev.ID)
	created := ev.Data.(models.SessionEvent)
	assert.Equal(t, "catterm-api-1", created.SessionID)
	assert.Equal(t, "active", created.State)
	assert.Equal(t, filepath.Join(h.runtime.WorkspaceDir, "api"), created.WorkDir)
	assert.DirExists(t, created.WorkDir)

	// a second create gets the next sequence and moves the connection
	ev = h.send(t, models.IntentCreateSession, "2", models.CreateSessionRequest{LogicalName: "api"})
	require.Equal(t, models.EventSessionCreated, ev.Event)
	second := ev.Data.(models.SessionEvent)
	assert.Equal(t, "catterm-api-2", second.SessionID)
	assert.Equal(t, "catterm-api-1", second.PreviousSession)
	assert.Equal(t, "catterm-api-2", h.rooms.RoomOf(h.client.id))
}

func TestCreateSessionNames(t *testing.T) {
	h := newHarness(t, 5)

	ev := h.send(t, models.IntentCreateSession, "", models.CreateSessionRequest{ProvidedName: "catterm-web-7"})
	require.Equal(t, models.EventSessionCreated, ev.Event)
	assert.Equal(t, "catterm-web-7", ev.Data.(models.SessionEvent).SessionID)
	assert.Equal(t, filepath.Join(h.runtime.WorkspaceDir, "web"), ev.Data.(models.SessionEvent).WorkDir)

	dir := filepath.Join(h.runtime.WorkspaceDir, "scratch")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	ev = h.send(t, models.IntentCreateSession, "", models.CreateSessionRequest{WorkingDir: dir})
	require.Equal(t, models.EventSessionCreated, ev.Event)
	assert.Equal(t, "catterm-scratch-1", ev.Data.(models.SessionEvent).SessionID)
	assert.Equal(t, dir, ev.Data.(models.SessionEvent).WorkDir)

	for _, bad := range []models.CreateSessionRequest{
		{ProvidedName: "catterm-base"},
		{ProvidedName: "other-web-1"},
		{LogicalName: "has space"},
	} {
		ev = h.send(t, models.IntentCreateSession, "bad", bad)
		require.Equal(t, models.EventError, ev.Event, "%+v", bad)
		assert.Equal(t, "invalid session name", ev.Data.(models.ErrorPayload).Message)
	}
}

func TestCreateSessionOverload(t *testing.T) {
	h := newHarness(t, 1)

	ev := h.send(t, models.IntentCreateSession, "", models.CreateSessionRequest{LogicalName: "one"})
	require.Equal(t, models.EventSessionCreated, ev.Event)
	ev = h.send(t, models.IntentCreateSession, "", models.CreateSessionRequest{LogicalName: "two"})
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "too many sessions", ev.Data.(models.ErrorPayload).Message)
}

func TestAttachAndSwitch(t *testing.T) {
	h := newHarness(t, 5)

	ev := h.send(t, models.IntentAttachSession, "a", models.AttachSessionRequest{SessionName: "catterm-api-1"})
	require.Equal(t, models.EventSessionAttached, ev.Event)
	assert.False(t, ev.Data.(models.SessionEvent).AlreadyConnected)

	ev = h.send(t, models.IntentAttachSession, "b", models.AttachSessionRequest{SessionName: "catterm-api-1"})
	require.Equal(t, models.EventSessionAttached, ev.Event)
	assert.True(t, ev.Data.(models.SessionEvent).AlreadyConnected)

	ev = h.send(t, models.IntentSwitchSession, "c", models.SwitchSessionRequest{
		SessionName:        "catterm-web-1",
		CurrentSessionName: "catterm-api-1",
	})
	require.Equal(t, models.EventSessionSwitched, ev.Event)
	assert.Equal(t, "catterm-web-1", ev.Data.(models.SessionEvent).SessionID)
	assert.Equal(t, "catterm-api-1", ev.Data.(models.SessionEvent).PreviousSession)
	assert.Nil(t, h.rooms.Members("catterm-api-1"))

	ev = h.send(t, models.IntentAttachSession, "d", models.AttachSessionRequest{SessionName: "catterm-base"})
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "d", ev.ID)
}

func TestWriteResizeAndAck(t *testing.T) {
	h := newHarness(t, 5)
	h.send(t, models.IntentAttachSession, "", models.AttachSessionRequest{SessionName: "catterm-api-1"})

	ev := h.send(t, models.IntentWrite, "w1", models.WriteRequest{SessionID: "catterm-api-1", Data: "ls\n"})
	require.Equal(t, models.EventAck, ev.Event)
	assert.Equal(t, models.Ack{Event: models.IntentWrite, ID: "w1"}, ev.Data)
	assert.Equal(t, "ls\n", h.spawner.written())

	ev = h.send(t, models.IntentResize, "r1", models.ResizeRequest{SessionID: "catterm-api-1", Cols: 120, Rows: 40})
	require.Equal(t, models.EventAck, ev.Event)
	s, _ := h.pool.Get("catterm-api-1")
	assert.Equal(t, services.Size{Cols: 120, Rows: 40}, s.Size())

	ev = h.send(t, models.IntentResize, "r2", models.ResizeRequest{SessionID: "catterm-api-1"})
	assert.Equal(t, models.EventError, ev.Event)

	ev = h.send(t, models.IntentWrite, "w2", models.WriteRequest{SessionID: "catterm-nope-1", Data: "x"})
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "session not found", ev.Data.(models.ErrorPayload).Message)

	ev = h.send(t, models.IntentWrite, "w3", models.WriteRequest{SessionID: "catterm-base", Data: "x"})
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "invalid session name", ev.Data.(models.ErrorPayload).Message)
}

func TestWriteIsRateLimited(t *testing.T) {
	h := newHarness(t, 5)
	h.send(t, models.IntentAttachSession, "", models.AttachSessionRequest{SessionName: "catterm-api-1"})

	limited := false
	for i := 0; i < inputBurst*20 && !limited; i++ {
		ev := h.send(t, models.IntentWrite, "", models.WriteRequest{SessionID: "catterm-api-1", Data: "x"})
		if ev.Event == models.EventError {
			assert.Equal(t, "rate limit exceeded", ev.Data.(models.ErrorPayload).Message)
			limited = true
		}
	}
	assert.True(t, limited)
}

func TestDetachAndDelete(t *testing.T) {
	h := newHarness(t, 5)
	h.send(t, models.IntentAttachSession, "", models.AttachSessionRequest{SessionName: "catterm-api-1"})

	ev := h.send(t, models.IntentDetachSession, "d1", models.DetachSessionRequest{SessionName: "catterm-api-1"})
	require.Equal(t, models.EventSessionDetached, ev.Event)
	s, _ := h.pool.Get("catterm-api-1")
	assert.Equal(t, services.StateDetached, s.State())

	ev = h.send(t, models.IntentDetachSession, "d2", models.DetachSessionRequest{SessionName: "catterm-api-1"})
	assert.Equal(t, models.EventError, ev.Event)

	h.mux.mu.Lock()
	h.mux.sessions["catterm-base"] = tmux.SessionInfo{Name: "catterm-base"}
	h.mux.mu.Unlock()
	ev = h.send(t, models.IntentDeleteSession, "x0", models.DeleteSessionRequest{SessionName: "catterm-base"})
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "invalid session name", ev.Data.(models.ErrorPayload).Message)
	ok, _ := h.mux.HasSession(context.Background(), "catterm-base")
	assert.True(t, ok)

	ev = h.send(t, models.IntentDeleteSession, "x1", models.DeleteSessionRequest{SessionName: "catterm-api-1"})
	require.Equal(t, models.EventSessionDeleted, ev.Event)
	assert.Equal(t, "x1", ev.ID)
	ok, _ = h.mux.HasSession(context.Background(), "catterm-api-1")
	assert.False(t, ok)

	ev = h.send(t, models.IntentDeleteSession, "x2", models.DeleteSessionRequest{SessionName: "catterm-api-1"})
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "session not found", ev.Data.(models.ErrorPayload).Message)
}

func TestScrollIntents(t *testing.T) {
	h := newHarness(t, 5)
	h.send(t, models.IntentAttachSession, "", models.AttachSessionRequest{SessionName: "catterm-api-1"})

	ev := h.send(t, models.IntentScroll, "s1", models.ScrollRequest{SessionID: "catterm-api-1", Direction: "up", Mode: "page"})
	require.Equal(t, models.EventScrollResult, ev.Event)
	assert.Equal(t, models.ScrollResult{Success: true, SessionID: "catterm-api-1", Direction: "up", Mode: "page"}, ev.Data)

	ev = h.send(t, models.IntentGoToBottom, "s2", models.GoToBottomRequest{SessionID: "catterm-api-1"})
	require.Equal(t, models.EventScrollResult, ev.Event)
	assert.True(t, ev.Data.(models.ScrollResult).Success)

	ev = h.send(t, models.IntentScroll, "s3", models.ScrollRequest{SessionID: "catterm-api-1", Direction: "sideways"})
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "bad request", ev.Data.(models.ErrorPayload).Message)
}

func TestMalformedIntents(t *testing.T) {
	h := newHarness(t, 5)

	h.terminal.dispatch(context.Background(), h.client, models.Envelope{Event: "launch-missiles", ID: "z"})
	ev := expect(t, h.conn)
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "z", ev.ID)
	assert.True(t, strings.Contains(ev.Data.(models.ErrorPayload).Details, "launch-missiles"))

	h.terminal.dispatch(context.Background(), h.client, models.Envelope{Event: models.IntentWrite})
	ev = expect(t, h.conn)
	assert.Equal(t, "bad request", ev.Data.(models.ErrorPayload).Message)

	h.terminal.dispatch(context.Background(), h.client, models.Envelope{Event: models.IntentResize, Data: json.RawMessage(`[1,2]`)})
	ev = expect(t, h.conn)
	assert.Equal(t, "bad request", ev.Data.(models.ErrorPayload).Message)
}

func TestDataIntentsRequireMembership(t *testing.T) {
	h := newHarness(t, 5)
	h.send(t, models.IntentCreateSession, "", models.CreateSessionRequest{LogicalName: "api"})

	outsider := newTerminalClient("conn-2")
	conn := h.rooms.Register(outsider.id, services.ConnectionMeta{})
	send := func(event, id string, data interface{}) models.OutboundEvent {
		h.terminal.dispatch(context.Background(), outsider, envelope(t, event, id, data))
		return expect(t, conn)
	}

	ev := send(models.IntentWrite, "w", models.WriteRequest{SessionID: "catterm-api-1", Data: "rm -rf x\n"})
	require.Equal(t, models.EventError, ev.Event)
	assert.Equal(t, "session not found", ev.Data.(models.ErrorPayload).Message)
	assert.Empty(t, h.spawner.written())

	ev = send(models.IntentResize, "r", models.ResizeRequest{SessionID: "catterm-api-1", Cols: 10, Rows: 5})
	require.Equal(t, models.EventError, ev.Event)
	s, ok := h.pool.Get("catterm-api-1")
	require.True(t, ok)
	assert.NotEqual(t, services.Size{Cols: 10, Rows: 5}, s.Size())

	ev = send(models.IntentScroll, "s", models.ScrollRequest{SessionID: "catterm-api-1", Direction: "up", Mode: "page"})
	assert.Equal(t, models.EventError, ev.Event)
	ev = send(models.IntentGoToBottom, "b", models.GoToBottomRequest{SessionID: "catterm-api-1"})
	assert.Equal(t, models.EventError, ev.Event)

	// joining makes the same write go through
	ev = send(models.IntentAttachSession, "a", models.AttachSessionRequest{SessionName: "catterm-api-1"})
	require.Equal(t, models.EventSessionAttached, ev.Event)
	ev = send(models.IntentWrite, "w2", models.WriteRequest{SessionID: "catterm-api-1", Data: "ls\n"})
	require.Equal(t, models.EventAck, ev.Event)
	assert.Equal(t, "ls\n", h.spawner.written())
}
