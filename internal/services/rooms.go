package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/models"
	"github.com/vanpelt/catterm/internal/recovery"
)

var errQueueFull = errors.New("outbound queue full")

const replayTimeout = 30 * time.Second

// RoomHooks lets collaborators follow room lifecycle. Each room produces
// exactly one RoomCreated and, once its last member leaves, one RoomEmptied.
type RoomHooks interface {
	RoomCreated(roomKey, workDir string)
	RoomEmptied(roomKey string)
}

// NopHooks ignores room lifecycle
type NopHooks struct{}

func (NopHooks) RoomCreated(string, string) {}
func (NopHooks) RoomEmptied(string)         {}

// ConnectionMeta describes the client behind a connection
type ConnectionMeta struct {
	RemoteAddr  string    `json:"remoteAddr"`
	UserAgent   string    `json:"userAgent"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Connection is one client. Events for it are queued on Outbound, which the
// transport drains in order until Closed fires.
type Connection struct {
	ID   string
	Meta ConnectionMeta

	out       chan models.OutboundEvent
	closed    chan struct{}
	closeOnce sync.Once

	// room is guarded by RoomManager.mu
	room string
}

func (c *Connection) Outbound() <-chan models.OutboundEvent { return c.out }
func (c *Connection) Closed() <-chan struct{}                { return c.closed }

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

type room struct {
	key     string
	members map[string]*Connection
	// session and token are guarded by the room's key lock
	session *TerminalSession
	token   SubscriptionToken
}

// RoomConfig tunes per-connection delivery
type RoomConfig struct {
	QueueSize int
	// SlowConsumerGrace is how long a new connection may have a full queue
	// before it is dropped
	SlowConsumerGrace time.Duration
}

// JoinResult describes the outcome of Join
type JoinResult struct {
	RoomKey          string
	PreviousRoom     string
	AlreadyConnected bool
	RoomCreated      bool
	Session          *SessionResult
}

// RoomManager maps connections to rooms, one room per session id, and fans
// session output out to room members. Membership changes for a room key are
// serialized; the maps themselves are guarded by a short-held mutex.
type RoomManager struct {
	pool     *TerminalPool
	replayer *Replayer
	hooks    RoomHooks
	cfg      RoomConfig

	mu    sync.Mutex
	conns map[string]*Connection
	rooms map[string]*room
	keys  *keyedMutex
}

// NewRoomManager creates a manager. replayer may be nil to disable replay.
func NewRoomManager(pool *TerminalPool, replayer *Replayer, hooks RoomHooks, cfg RoomConfig) *RoomManager {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SlowConsumerGrace <= 0 {
		cfg.SlowConsumerGrace = 2 * time.Second
	}
	return &RoomManager{
		pool:     pool,
		replayer: replayer,
		hooks:    hooks,
		cfg:      cfg,
		conns:    make(map[string]*Connection),
		rooms:    make(map[string]*room),
		keys:     newKeyedMutex(),
	}
}

// Register adds a connection with the given id
func (m *RoomManager) Register(id string, meta ConnectionMeta) *Connection {
	if meta.ConnectedAt.IsZero() {
		meta.ConnectedAt = time.Now()
	}
	conn := &Connection{
		ID:     id,
		Meta:   meta,
		out:    make(chan models.OutboundEvent, m.cfg.QueueSize),
		closed: make(chan struct{}),
	}

	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()

	logger.Debugf("🔌 Connection %s registered from %s", id, meta.RemoteAddr)
	return conn
}

// Join moves connID into roomKey, attaching the room's session through the
// pool. The first member sets the room up; a joiner of a session that was
// already running gets a replay of the current screen.
func (m *RoomManager) Join(ctx context.Context, connID, roomKey string, opts CreateOptions) (*JoinResult, error) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	var prev string
	if ok {
		prev = conn.room
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	if prev == roomKey {
		if s, tracked := m.pool.Get(roomKey); tracked && s.State() == StateActive && m.roomSession(roomKey) == s {
			return &JoinResult{
				RoomKey:          roomKey,
				PreviousRoom:     prev,
				AlreadyConnected: true,
				Session:          &SessionResult{Session: s, Pid: s.Pid(), AlreadyActive: true},
			}, nil
		}
		// the room outlived its session; fall through and reattach
	}

	// resolve the target first so a failed switch keeps the old room
	unlock := m.keys.Lock(roomKey)
	res, err := m.pool.CreateOrAttach(ctx, roomKey, opts)
	unlock()
	if err != nil {
		return nil, err
	}

	// one key lock at a time, so crossing switches cannot deadlock
	if prev != "" && prev != roomKey {
		m.Leave(connID, prev)
	}

	unlock = m.keys.Lock(roomKey)
	defer unlock()

	if s, tracked := m.pool.Get(roomKey); !tracked || s != res.Session || s.State() != StateActive {
		// destroyed or detached while the old room was left
		if res, err = m.pool.CreateOrAttach(ctx, roomKey, opts); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if _, still := m.conns[connID]; !still {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s disconnected while joining", ErrConnectionNotFound, connID)
	}
	r := m.rooms[roomKey]
	created := r == nil
	if created {
		r = &room{key: roomKey, members: make(map[string]*Connection)}
		m.rooms[roomKey] = r
	}
	r.members[connID] = conn
	conn.room = roomKey
	m.mu.Unlock()

	if r.session != res.Session {
		if r.session != nil {
			r.session.Unsubscribe(r.token)
		}
		r.session = res.Session
		r.token = res.Session.Subscribe(&roomListener{m: m, key: roomKey})
	}
	if created {
		logger.Infof("🏠 Room %s created", roomKey)
		m.hooks.RoomCreated(roomKey, res.Session.WorkDir)
	}

	if res.Created {
		m.sendBacklog(connID, res.Session)
	} else if m.replayer != nil {
		m.replayTo(connID, roomKey)
	}

	return &JoinResult{
		RoomKey:      roomKey,
		PreviousRoom: prev,
		RoomCreated:  created,
		Session:      res,
	}, nil
}

// RestartSession replaces the session behind roomKey with a fresh one.
// Members stay in the room and follow the new session. opts are used when
// nothing was tracked for roomKey.
func (m *RoomManager) RestartSession(ctx context.Context, roomKey string, opts CreateOptions) (*SessionResult, error) {
	unlock := m.keys.Lock(roomKey)
	defer unlock()

	m.mu.Lock()
	r := m.rooms[roomKey]
	m.mu.Unlock()
	// members should not see the old session's exit as a deletion
	if r != nil && r.session != nil {
		r.session.Unsubscribe(r.token)
		r.session = nil
	}

	if prev, tracked := m.pool.ForceRestart(ctx, roomKey); tracked {
		opts = prev
	}
	res, err := m.pool.CreateOrAttach(ctx, roomKey, opts)
	if err != nil {
		return nil, err
	}

	if r != nil {
		r.session = res.Session
		r.token = res.Session.Subscribe(&roomListener{m: m, key: roomKey})
	}
	logger.Infof("♻️ Restarted session %s", roomKey)
	return res, nil
}

func (m *RoomManager) roomSession(roomKey string) *TerminalSession {
	unlock := m.keys.Lock(roomKey)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.rooms[roomKey]; r != nil {
		return r.session
	}
	return nil
}

// Leave removes connID from roomKey, or from its current room when roomKey
// is empty. It reports whether the room became empty and was torn down.
func (m *RoomManager) Leave(connID, roomKey string) bool {
	if roomKey == "" {
		m.mu.Lock()
		if conn, ok := m.conns[connID]; ok {
			roomKey = conn.room
		}
		m.mu.Unlock()
		if roomKey == "" {
			return false
		}
	}

	unlock := m.keys.Lock(roomKey)
	defer unlock()
	return m.leaveLocked(connID, roomKey)
}

func (m *RoomManager) leaveLocked(connID, roomKey string) bool {
	m.mu.Lock()
	r := m.rooms[roomKey]
	if r == nil {
		m.mu.Unlock()
		return false
	}
	conn, member := r.members[connID]
	if !member {
		m.mu.Unlock()
		return false
	}
	delete(r.members, connID)
	if conn.room == roomKey {
		conn.room = ""
	}
	empty := len(r.members) == 0
	if empty {
		delete(m.rooms, roomKey)
	}
	m.mu.Unlock()

	if !empty {
		return false
	}
	m.teardown(r)
	return true
}

func (m *RoomManager) teardown(r *room) {
	if r.session != nil {
		r.session.Unsubscribe(r.token)
	}
	logger.Infof("🏚️ Room %s emptied", r.key)
	m.hooks.RoomEmptied(r.key)
}

// DetachSession removes connID from roomKey and, when that empties the
// room, releases the session's attachment. The tmux session keeps running.
func (m *RoomManager) DetachSession(connID, roomKey string) (bool, error) {
	unlock := m.keys.Lock(roomKey)
	defer unlock()

	m.mu.Lock()
	r := m.rooms[roomKey]
	var session *TerminalSession
	if r != nil {
		session = r.session
	}
	m.mu.Unlock()

	if !m.leaveLocked(connID, roomKey) {
		return false, nil
	}
	if session == nil {
		return true, nil
	}
	return true, session.Detach()
}

// DestroySession kills the session behind roomKey and dissolves its room
func (m *RoomManager) DestroySession(ctx context.Context, roomKey string) error {
	unlock := m.keys.Lock(roomKey)
	defer unlock()

	if err := m.pool.Destroy(ctx, roomKey); err != nil {
		return err
	}

	m.mu.Lock()
	r := m.rooms[roomKey]
	if r != nil {
		delete(m.rooms, roomKey)
		for _, conn := range r.members {
			if conn.room == roomKey {
				conn.room = ""
			}
		}
	}
	m.mu.Unlock()

	if r != nil {
		m.teardown(r)
	}
	return nil
}

// Disconnect removes a connection, leaving its room first
func (m *RoomManager) Disconnect(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	var roomKey string
	if ok {
		delete(m.conns, connID)
		roomKey = conn.room
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if roomKey != "" {
		m.Leave(connID, roomKey)
	}
	conn.close()
	logger.Debugf("🔌 Connection %s disconnected", connID)
}

// Broadcast queues ev for every member of roomKey
func (m *RoomManager) Broadcast(roomKey string, ev models.OutboundEvent) int {
	m.mu.Lock()
	r := m.rooms[roomKey]
	var members []*Connection
	if r != nil {
		members = make([]*Connection, 0, len(r.members))
		for _, c := range r.members {
			members = append(members, c)
		}
	}
	m.mu.Unlock()

	delivered := 0
	for _, c := range members {
		if m.deliver(c, ev) == nil {
			delivered++
		}
	}
	return delivered
}

// Send queues ev for a single connection
func (m *RoomManager) Send(connID string, ev models.OutboundEvent) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return m.deliver(conn, ev)
}

// BroadcastFilesChanged tells a room about modified paths
func (m *RoomManager) BroadcastFilesChanged(roomKey string, paths []string) {
	m.Broadcast(roomKey, models.OutboundEvent{
		Event: models.EventFilesChanged,
		Data:  models.FilesChanged{RoomKey: roomKey, Paths: paths},
	})
}

func (m *RoomManager) deliver(c *Connection, ev models.OutboundEvent) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, c.ID)
	default:
	}

	select {
	case c.out <- ev:
		return nil
	default:
	}

	if time.Since(c.Meta.ConnectedAt) < m.cfg.SlowConsumerGrace {
		logger.Debugf("Connection %s queue full during grace period, dropping %s", c.ID, ev.Event)
		return errQueueFull
	}
	logger.Warnf("⚠️ Connection %s is not keeping up, disconnecting", c.ID)
	recovery.SafeGo("drop-slow-connection", func() { m.Disconnect(c.ID) })
	return errQueueFull
}

// sendBacklog hands a joiner of a freshly created session the output it
// produced before the room subscribed
func (m *RoomManager) sendBacklog(connID string, s *TerminalSession) {
	chunks := s.Output(0)
	if len(chunks) == 0 {
		return
	}
	var b strings.Builder
	for _, c := range chunks {
		b.Write(c.Data)
	}
	_ = m.Send(connID, models.OutboundEvent{
		Event: models.EventTerminalOutput,
		Data: models.TerminalOutput{
			SessionID: s.ID,
			Data:      b.String(),
			Timestamp: chunks[len(chunks)-1].Timestamp,
		},
	})
}

func (m *RoomManager) replayTo(connID, sessionID string) {
	recovery.SafeGo("replay:"+sessionID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
		defer cancel()

		sent, err := m.replayer.Replay(ctx, sessionID, func(data string) error {
			return m.Send(connID, models.OutboundEvent{
				Event: models.EventTerminalOutput,
				Data: models.TerminalOutput{
					SessionID: sessionID,
					Data:      data,
					Timestamp: time.Now(),
				},
			})
		})
		switch {
		case err != nil:
			logger.Warnf("⚠️ Replay of %s to %s failed: %v", sessionID, connID, err)
		case sent:
			logger.Debugf("🔁 Replayed %s to %s", sessionID, connID)
		}
	})
}

// RoomOf returns the room connID is in
func (m *RoomManager) RoomOf(connID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[connID]; ok {
		return conn.room
	}
	return ""
}

// Members returns the sorted connection ids in roomKey
func (m *RoomManager) Members(roomKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomKey]
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports the number of connections and rooms
func (m *RoomManager) Stats() (connections, rooms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns), len(m.rooms)
}

type roomListener struct {
	m   *RoomManager
	key string
}

func (l *roomListener) OnOutput(sessionID string, chunk OutputChunk) {
	l.m.Broadcast(l.key, models.OutboundEvent{
		Event: models.EventTerminalOutput,
		Data: models.TerminalOutput{
			SessionID: sessionID,
			Data:      string(chunk.Data),
			Timestamp: chunk.Timestamp,
		},
	})
}

func (l *roomListener) OnExit(sessionID string, state State) {
	event := models.EventSessionDetached
	if state == StateKilled {
		event = models.EventSessionDeleted
	}
	l.m.Broadcast(l.key, models.OutboundEvent{
		Event: event,
		Data:  models.SessionEvent{SessionID: sessionID, State: string(state)},
	})
}
