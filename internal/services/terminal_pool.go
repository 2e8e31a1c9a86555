package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/recovery"
	"github.com/vanpelt/catterm/internal/tmux"
)

// PoolConfig bounds and tunes a TerminalPool
type PoolConfig struct {
	MaxSessions     int
	BufferCap       int
	CleanupInterval time.Duration
	IdleThreshold   time.Duration
	StartupTimeout  time.Duration
	DefaultSize     Size
	Env             []string
}

// CreateOptions are used when CreateOrAttach has to create a session
type CreateOptions struct {
	WorkDir        string
	Size           Size
	AssistantBound bool
}

// SessionResult is the outcome of CreateOrAttach
type SessionResult struct {
	Session *TerminalSession
	Pid     int
	// Created is set when a new tmux session was made
	Created bool
	// Reconnected is set when an existing tmux session was attached
	Reconnected bool
	// AlreadyActive is set when the tracked session was returned unchanged
	AlreadyActive bool
	// Shared is set when the result came from a concurrent caller's attach
	Shared bool
}

// SessionSummary is one row of ListAvailable
type SessionSummary struct {
	SessionID      string    `json:"sessionId"`
	Created        time.Time `json:"created"`
	Attached       int       `json:"attached"`
	ActiveInPool   bool      `json:"activeInPool"`
	State          State     `json:"state,omitempty"`
	AssistantBound bool      `json:"assistantBound"`
	WorkDir        string    `json:"workDir,omitempty"`
}

// TerminalPool owns every TerminalSession. At most one attachment process
// exists per session id: concurrent CreateOrAttach calls for an id share a
// single attach, and all mutations of an id are serialized.
type TerminalPool struct {
	mux     Multiplexer
	spawner Spawner
	names   NameResolver
	cfg     PoolConfig
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*TerminalSession
	keys     *keyedMutex
	group    singleflight.Group

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTerminalPool creates a pool. Call Start to run garbage collection.
func NewTerminalPool(mux Multiplexer, spawner Spawner, names NameResolver, cfg PoolConfig) *TerminalPool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = 10000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 30 * time.Minute
	}
	if cfg.DefaultSize.Cols == 0 || cfg.DefaultSize.Rows == 0 {
		cfg.DefaultSize = Size{Cols: 80, Rows: 24}
	}
	if spawner == nil {
		spawner = PTYSpawner{}
	}
	return &TerminalPool{
		mux:      mux,
		spawner:  spawner,
		names:    names,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*TerminalSession),
		keys:     newKeyedMutex(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// CreateOrAttach returns the session for id, attaching or creating it as
// needed. A tracked active session is returned as is and a tracked detached
// one is reattached without using a new slot. Anything else needs a free
// slot, even when tmux already has the session.
func (p *TerminalPool) CreateOrAttach(ctx context.Context, id string, opts CreateOptions) (*SessionResult, error) {
	// a caller going away must not abort an attach other callers are sharing
	ctx = context.WithoutCancel(ctx)

	v, err, shared := p.group.Do(id, func() (interface{}, error) {
		return p.createOrAttach(ctx, id, opts)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*SessionResult)
	res.Shared = shared
	return &res, nil
}

func (p *TerminalPool) createOrAttach(ctx context.Context, id string, opts CreateOptions) (*SessionResult, error) {
	unlock := p.keys.Lock(id)
	defer unlock()

	p.mu.Lock()
	existing := p.sessions[id]
	p.mu.Unlock()

	if existing != nil {
		switch state := existing.State(); {
		case state == StateActive:
			return &SessionResult{Session: existing, Pid: existing.Pid(), AlreadyActive: true}, nil
		case state.IsTerminal():
			p.remove(id, existing)
		default:
			return p.start(ctx, id, existing)
		}
	}

	if opts.Size.Cols == 0 || opts.Size.Rows == 0 {
		opts.Size = p.cfg.DefaultSize
	}
	session := newTerminalSession(SessionOptions{
		ID:             id,
		WorkDir:        opts.WorkDir,
		Size:           opts.Size,
		Env:            p.cfg.Env,
		BufferCap:      p.cfg.BufferCap,
		StartupTimeout: p.cfg.StartupTimeout,
		AssistantBound: opts.AssistantBound,
	}, p.mux, p.spawner)

	p.mu.Lock()
	if len(p.sessions) >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: limit is %d", ErrSystemOverload, p.cfg.MaxSessions)
	}
	// reserve the slot before the slow part
	p.sessions[id] = session
	p.mu.Unlock()

	return p.start(ctx, id, session)
}

func (p *TerminalPool) start(ctx context.Context, id string, session *TerminalSession) (*SessionResult, error) {
	exists, err := p.mux.HasSession(ctx, id)
	if err != nil {
		p.remove(id, session)
		return nil, fmt.Errorf("%w: %s: %w", ErrSessionCreateFailed, id, err)
	}

	res, err := session.Start(ctx, exists)
	if err != nil {
		p.remove(id, session)
		logger.Warnf("❌ Failed to start terminal session %s: %v", id, err)
		return nil, err
	}

	if exists {
		logger.Infof("🔄 Reattached to tmux session %s (pid %d)", id, res.Pid)
	} else {
		logger.Infof("✅ Started terminal session %s (pid %d)", id, res.Pid)
	}
	return &SessionResult{Session: session, Pid: res.Pid, Created: !exists, Reconnected: exists}, nil
}

// remove drops id from the map if it still maps to session
func (p *TerminalPool) remove(id string, session *TerminalSession) {
	p.mu.Lock()
	if p.sessions[id] == session {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
}

// Get returns the tracked session for id
func (p *TerminalPool) Get(id string) (*TerminalSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Len returns the number of tracked sessions
func (p *TerminalPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Destroy kills a tracked session and its tmux session
func (p *TerminalPool) Destroy(ctx context.Context, id string) error {
	unlock := p.keys.Lock(id)
	defer unlock()

	p.mu.Lock()
	session, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := session.Kill(ctx, nil); err != nil {
		return err
	}
	logger.Infof("🗑️ Destroyed terminal session %s", id)
	return nil
}

// ForceRestart kills whatever exists for id, in memory and in tmux. Either
// may already be gone. The options of the dropped session are returned so
// the caller can recreate it.
func (p *TerminalPool) ForceRestart(ctx context.Context, id string) (CreateOptions, bool) {
	unlock := p.keys.Lock(id)
	defer unlock()

	p.mu.Lock()
	session, tracked := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()

	var prev CreateOptions
	if tracked {
		prev = CreateOptions{
			WorkDir:        session.WorkDir,
			Size:           session.Size(),
			AssistantBound: session.AssistantBound(),
		}
		if err := session.Kill(ctx, nil); err != nil {
			logger.Warnf("⚠️ Force restart of %s: %v", id, err)
		}
		return prev, true
	}

	if err := p.mux.KillSession(ctx, id); err != nil && !errors.Is(err, tmux.ErrNoSession) {
		logger.Warnf("⚠️ Force restart of %s: %v", id, err)
	}
	return prev, false
}

// ListAvailable merges tracked sessions with the managed tmux sessions
func (p *TerminalPool) ListAvailable(ctx context.Context) ([]SessionSummary, error) {
	infos, err := p.mux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tmux sessions: %w", err)
	}

	p.mu.Lock()
	tracked := make(map[string]*TerminalSession, len(p.sessions))
	for id, s := range p.sessions {
		tracked[id] = s
	}
	p.mu.Unlock()

	summaries := make([]SessionSummary, 0, len(infos)+len(tracked))
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		if !p.names.IsManaged(info.Name) {
			continue
		}
		seen[info.Name] = true
		summary := SessionSummary{
			SessionID: info.Name,
			Created:   info.Created,
			Attached:  info.Attached,
		}
		if s, ok := tracked[info.Name]; ok {
			fillTracked(&summary, s)
		}
		summaries = append(summaries, summary)
	}

	for id, s := range tracked {
		if seen[id] {
			continue
		}
		summary := SessionSummary{SessionID: id, Created: s.CreatedAt}
		fillTracked(&summary, s)
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SessionID < summaries[j].SessionID
	})
	return summaries, nil
}

func fillTracked(summary *SessionSummary, s *TerminalSession) {
	info := s.Info()
	summary.State = info.State
	summary.ActiveInPool = info.State == StateActive
	summary.AssistantBound = info.AssistantBound
	summary.WorkDir = info.WorkDir
}

// CleanupInactive drops finished sessions, detaches abandoned ones and kills
// managed tmux sessions nobody has used for longer than the idle threshold.
// Errors are logged, never returned.
func (p *TerminalPool) CleanupInactive(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	candidates := make(map[string]*TerminalSession, len(p.sessions))
	for id, s := range p.sessions {
		candidates[id] = s
	}
	p.mu.Unlock()

	for id, s := range candidates {
		p.reap(id, s, now)
	}

	infos, err := p.mux.ListSessions(ctx)
	if err != nil {
		logger.Warnf("⚠️ Cleanup could not list tmux sessions: %v", err)
		return
	}

	for _, info := range infos {
		if !p.names.IsManaged(info.Name) || info.Attached > 0 {
			continue
		}
		if _, tracked := p.Get(info.Name); tracked {
			continue
		}

		since := p.idleSince(info)
		if since.IsZero() || now.Sub(since) <= p.cfg.IdleThreshold {
			continue
		}

		if err := p.mux.KillSession(ctx, info.Name); err != nil && !errors.Is(err, tmux.ErrNoSession) {
			logger.Warnf("⚠️ Failed to kill idle tmux session %s: %v", info.Name, err)
			continue
		}
		logger.Infof("🧹 Killed idle tmux session %s (idle since %s)", info.Name, since.Format(time.RFC3339))
	}
}

// reap applies the in-memory cleanup rules to one tracked session
func (p *TerminalPool) reap(id string, s *TerminalSession, now time.Time) {
	unlock := p.keys.Lock(id)
	defer unlock()

	state := s.State()
	idle := now.Sub(s.LastActivity()) > p.cfg.IdleThreshold

	switch {
	case state.IsTerminal():
		p.remove(id, s)
		logger.Debugf("🧹 Dropped %s session %s", state, id)
	case state == StateDetached && idle:
		p.remove(id, s)
		logger.Debugf("🧹 Dropped idle detached session %s", id)
	case state == StateActive && idle && s.SubscriberCount() == 0:
		p.remove(id, s)
		if err := s.Detach(); err != nil {
			logger.Warnf("⚠️ Failed to detach idle session %s: %v", id, err)
		}
		logger.Infof("🧹 Detached idle session %s", id)
	}
}

// idleSince picks the reference time for a tmux session's age: the
// creation time encoded in a timestamp name, else tmux's last activity.
func (p *TerminalPool) idleSince(info tmux.SessionInfo) time.Time {
	if id, ok := p.names.Parse(info.Name); ok {
		if created, ok := id.CreatedAt(); ok {
			return created
		}
	}
	if !info.LastActivity.IsZero() {
		return info.LastActivity
	}
	return info.Created
}

// Start runs CleanupInactive every CleanupInterval until Stop
func (p *TerminalPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	recovery.SafeGoWithCleanup("terminal-pool-gc", func() {
		ticker := time.NewTicker(p.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.CleanupInactive(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}, func() { close(p.done) })
}

// Stop ends garbage collection and detaches every active session. The tmux
// sessions keep running so a restarted server can reattach.
func (p *TerminalPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}

	p.mu.Lock()
	sessions := make([]*TerminalSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		if err := s.Detach(); err != nil {
			logger.Warnf("⚠️ Failed to detach %s on shutdown: %v", s.ID, err)
		}
	}
}
