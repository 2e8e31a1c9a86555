package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/recovery"
	"github.com/vanpelt/catterm/internal/tmux"
)

// State is the lifecycle state of a TerminalSession
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StateDetached State = "detached"
	StateKilled   State = "killed"
	StateExited   State = "exited"
	StateError    State = "error"
)

// IsTerminal reports whether no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateKilled || s == StateExited || s == StateError
}

const (
	// tmux default prefix followed by d
	detachKeys       = "\x02d"
	readBufferSize   = 32 * 1024
	exitCheckTimeout = 5 * time.Second
	readDrainTimeout = time.Second
)

// Listener receives a session's output and exit notifications. Callbacks run
// on the session's read goroutine and must not block.
type Listener interface {
	OnOutput(sessionID string, chunk OutputChunk)
	OnExit(sessionID string, state State)
}

// SubscriptionToken identifies a Listener registration
type SubscriptionToken uint64

// SessionOptions configures a new TerminalSession
type SessionOptions struct {
	ID             string
	WorkDir        string
	Size           Size
	Env            []string
	BufferCap      int
	StartupTimeout time.Duration
	AssistantBound bool
}

// StartResult describes a successful Start
type StartResult struct {
	Pid         int
	State       State
	Reconnected bool
}

// SessionInfo is a point-in-time view of a session
type SessionInfo struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	WorkDir        string    `json:"workDir"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Size           Size      `json:"size"`
	Pid            int       `json:"pid,omitempty"`
	AssistantBound bool      `json:"assistantBound"`
	Subscribers    int       `json:"subscribers"`
	BufferedChunks int       `json:"bufferedChunks"`
}

// TerminalSession is one tmux session attached through a pty. The
// attachment process is owned exclusively by the session and replaced on
// every reattach; a generation counter discards events from old ones.
type TerminalSession struct {
	ID        string
	WorkDir   string
	CreatedAt time.Time

	mux            Multiplexer
	spawner        Spawner
	env            []string
	startupTimeout time.Duration

	// lifecycle serializes Start, Detach and Kill
	lifecycle sync.Mutex
	writeMu   sync.Mutex

	mu           sync.Mutex
	state        State
	proc         Process
	gen          uint64
	size         Size
	lastActivity time.Time
	pendingEcho  string
	assistant    bool

	ring *outputRing

	subMu     sync.RWMutex
	subs      map[SubscriptionToken]Listener
	nextToken SubscriptionToken
}

func newTerminalSession(opts SessionOptions, mux Multiplexer, spawner Spawner) *TerminalSession {
	now := time.Now()
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 10 * time.Second
	}
	return &TerminalSession{
		ID:             opts.ID,
		WorkDir:        opts.WorkDir,
		CreatedAt:      now,
		mux:            mux,
		spawner:        spawner,
		env:            opts.Env,
		startupTimeout: opts.StartupTimeout,
		state:          StateInactive,
		size:           opts.Size,
		lastActivity:   now,
		assistant:      opts.AssistantBound,
		ring:           newOutputRing(opts.BufferCap),
		subs:           make(map[SubscriptionToken]Listener),
	}
}

// Start attaches a new process to the tmux session. Unless reconnect is
// set, the tmux session is created first when missing. Start returns once
// the attachment produces output; if it stays silent for the startup
// timeout it is killed and the session moves to the error state.
func (s *TerminalSession) Start(ctx context.Context, reconnect bool) (StartResult, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	state, size := s.state, s.size
	if state == StateActive {
		pid := s.proc.Pid()
		s.mu.Unlock()
		return StartResult{Pid: pid, State: StateActive, Reconnected: reconnect}, nil
	}
	s.mu.Unlock()

	if state.IsTerminal() {
		return StartResult{}, fmt.Errorf("%w: %s is %s", ErrSessionCreateFailed, s.ID, state)
	}

	if !reconnect {
		created, err := s.mux.EnsureSession(ctx, tmux.NewSessionOptions{
			Name:    s.ID,
			WorkDir: s.WorkDir,
			Cols:    size.Cols,
			Rows:    size.Rows,
			Env:     s.env,
		})
		if err != nil {
			s.setState(StateError)
			return StartResult{}, fmt.Errorf("%w: %s: %w", ErrSessionCreateFailed, s.ID, err)
		}
		if created {
			logger.Infof("✅ Created tmux session %s in %s", s.ID, s.WorkDir)
		}
	}

	proc, err := s.spawner.Spawn(SpawnOptions{
		Argv: s.mux.AttachCommand(s.ID),
		Dir:  s.WorkDir,
		Env:  s.env,
		Size: size,
	})
	if err != nil {
		s.setState(StateError)
		return StartResult{}, fmt.Errorf("%w: %s: %w", ErrSessionCreateFailed, s.ID, err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.proc = proc
	s.mu.Unlock()

	firstOutput := make(chan struct{})
	readDone := make(chan struct{})
	exited := make(chan struct{})
	recovery.SafeGoWithCleanup("terminal-read:"+s.ID, func() {
		s.readLoop(proc, gen, firstOutput)
	}, func() { close(readDone) })
	recovery.SafeGo("terminal-wait:"+s.ID, func() {
		s.waitLoop(proc, gen, readDone, exited)
	})

	timer := time.NewTimer(s.startupTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-firstOutput:
		return StartResult{Pid: proc.Pid(), State: StateActive, Reconnected: reconnect}, nil
	case <-exited:
		select {
		case <-firstOutput:
			// produced output and exited straight away; waitLoop owns the state now
			return StartResult{Pid: proc.Pid(), State: s.State(), Reconnected: reconnect}, nil
		default:
		}
		cause = errors.New("attachment exited before producing output")
	case <-timer.C:
		cause = fmt.Errorf("no output within %s", s.startupTimeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	s.abandon(proc, gen)
	return StartResult{}, fmt.Errorf("%w: %s: %w", ErrSessionCreateFailed, s.ID, cause)
}

func (s *TerminalSession) abandon(proc Process, gen uint64) {
	s.mu.Lock()
	if s.gen == gen {
		s.gen++
		s.proc = nil
		s.state = StateError
	}
	s.mu.Unlock()

	_ = proc.Signal(os.Kill)
	_ = proc.Close()
}

func (s *TerminalSession) readLoop(proc Process, gen uint64, firstOutput chan<- struct{}) {
	buf := make([]byte, readBufferSize)
	var carry []byte
	signalled := false

	for {
		n, err := proc.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(carry)+n)
			data = append(append(data, carry...), buf[:n]...)
			data, carry = splitIncompleteUTF8(data)
			if len(data) > 0 && s.handleOutput(gen, data) && !signalled {
				signalled = true
				close(firstOutput)
			}
		}
		if err != nil {
			return
		}
	}
}

// handleOutput stores and publishes one chunk. It reports false when the
// chunk came from a superseded attachment.
func (s *TerminalSession) handleOutput(gen uint64, data []byte) bool {
	now := time.Now()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.state = StateActive
	s.lastActivity = now
	pending := s.pendingEcho
	s.pendingEcho = ""
	s.mu.Unlock()

	s.ring.Append(OutputChunk{Timestamp: now, Data: data})

	if pending != "" {
		data = filterEcho(data, pending)
	}
	if len(data) > 0 {
		s.publishOutput(OutputChunk{Timestamp: now, Data: data})
	}
	return true
}

func (s *TerminalSession) waitLoop(proc Process, gen uint64, readDone <-chan struct{}, exited chan<- struct{}) {
	waitErr := proc.Wait()
	close(exited)

	// let the reader drain whatever the process wrote last
	select {
	case <-readDone:
	case <-time.After(readDrainTimeout):
	}
	_ = proc.Close()

	s.mu.Lock()
	if s.gen != gen || s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.proc = nil
	s.state = StateDetached
	current := s.gen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), exitCheckTimeout)
	exists, err := s.mux.HasSession(ctx, s.ID)
	cancel()

	final := StateDetached
	if err == nil && !exists {
		s.mu.Lock()
		if s.gen == current && s.state == StateDetached {
			s.state = StateExited
			final = StateExited
		}
		s.mu.Unlock()
	}

	logger.Infof("🔌 Attachment for %s exited (%v), session is %s", s.ID, waitErr, final)
	s.publishExit(final)
}

// Write sends input to the attachment process. Input ending a line is
// remembered so its shell echo can be filtered from the next output.
func (s *TerminalSession) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != StateActive || s.proc == nil {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminalNotActive, s.ID, state)
	}
	proc := s.proc
	if cmd, ok := pendingEchoCommand(data); ok {
		s.pendingEcho = cmd
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if _, err := proc.Write(data); err != nil {
		return fmt.Errorf("failed to write to %s: %w", s.ID, err)
	}
	return nil
}

// Resize changes the pty size of the attachment
func (s *TerminalSession) Resize(size Size) error {
	if size.Cols == 0 || size.Rows == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", size.Cols, size.Rows)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.proc == nil {
		return fmt.Errorf("%w: %s is %s", ErrTerminalNotActive, s.ID, s.state)
	}
	if err := s.proc.Resize(size); err != nil {
		return fmt.Errorf("failed to resize %s: %w", s.ID, err)
	}
	s.size = size
	return nil
}

// Detach sends the tmux detach keys and releases the attachment. The tmux
// session keeps running. Detaching a session that is not active is a no-op.
func (s *TerminalSession) Detach() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateActive || s.proc == nil {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	s.proc = nil
	s.gen++
	s.state = StateDetached
	s.mu.Unlock()

	_, _ = proc.Write([]byte(detachKeys))
	err := proc.Close()
	s.publishExit(StateDetached)
	if err != nil {
		return fmt.Errorf("failed to close attachment for %s: %w", s.ID, err)
	}
	return nil
}

// Kill releases the attachment, signalling it with sig when non-nil, and
// destroys the tmux session. A missing tmux session is not an error and a
// second Kill does nothing.
func (s *TerminalSession) Kill(ctx context.Context, sig os.Signal) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == StateKilled {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	s.proc = nil
	s.gen++
	s.state = StateKilled
	s.mu.Unlock()

	if proc != nil {
		_, _ = proc.Write([]byte(detachKeys))
		if sig != nil {
			_ = proc.Signal(sig)
		}
		_ = proc.Close()
	}
	s.publishExit(StateKilled)

	if err := s.mux.KillSession(ctx, s.ID); err != nil && !errors.Is(err, tmux.ErrNoSession) {
		return fmt.Errorf("failed to kill tmux session %s: %w", s.ID, err)
	}
	return nil
}

// Subscribe registers l for output and exit notifications
func (s *TerminalSession) Subscribe(l Listener) SubscriptionToken {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextToken++
	s.subs[s.nextToken] = l
	return s.nextToken
}

// Unsubscribe removes a registration. It reports whether token was known.
func (s *TerminalSession) Unsubscribe(token SubscriptionToken) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	_, ok := s.subs[token]
	delete(s.subs, token)
	return ok
}

// SubscriberCount returns the number of registered listeners
func (s *TerminalSession) SubscriberCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs)
}

func (s *TerminalSession) listeners() []Listener {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	out := make([]Listener, 0, len(s.subs))
	for _, l := range s.subs {
		out = append(out, l)
	}
	return out
}

func (s *TerminalSession) publishOutput(chunk OutputChunk) {
	for _, l := range s.listeners() {
		l.OnOutput(s.ID, chunk)
	}
}

func (s *TerminalSession) publishExit(state State) {
	for _, l := range s.listeners() {
		l.OnExit(s.ID, state)
	}
}

func (s *TerminalSession) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *TerminalSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *TerminalSession) Size() Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *TerminalSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Pid returns the attachment's pid, or 0 when not attached
func (s *TerminalSession) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

func (s *TerminalSession) AssistantBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistant
}

func (s *TerminalSession) SetAssistantBound(bound bool) {
	s.mu.Lock()
	s.assistant = bound
	s.mu.Unlock()
}

// Output returns up to limit of the most recent raw output chunks
func (s *TerminalSession) Output(limit int) []OutputChunk {
	return s.ring.Tail(limit)
}

// Info returns a snapshot of the session
func (s *TerminalSession) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:             s.ID,
		State:          s.state,
		WorkDir:        s.WorkDir,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
		Size:           s.size,
		AssistantBound: s.assistant,
	}
	if s.proc != nil {
		info.Pid = s.proc.Pid()
	}
	s.mu.Unlock()

	info.Subscribers = s.SubscriberCount()
	info.BufferedChunks = s.ring.Len()
	return info
}
