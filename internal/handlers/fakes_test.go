package handlers

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vanpelt/catterm/internal/config"
	"github.com/vanpelt/catterm/internal/models"
	"github.com/vanpelt/catterm/internal/naming"
	"github.com/vanpelt/catterm/internal/services"
	"github.com/vanpelt/catterm/internal/tmux"
)

// stubMux is a minimal in-memory tmux server
type stubMux struct {
	mu       sync.Mutex
	sessions map[string]tmux.SessionInfo
	inMode   map[string]bool
}

func newStubMux() *stubMux {
	return &stubMux{sessions: map[string]tmux.SessionInfo{}, inMode: map[string]bool{}}
}

func (m *stubMux) AttachCommand(name string) []string {
	return []string{"tmux", "attach-session", "-t", "=" + name}
}

func (m *stubMux) HasSession(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	return ok, nil
}

func (m *stubMux) EnsureSession(_ context.Context, opts tmux.NewSessionOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[opts.Name]; ok {
		return false, nil
	}
	m.sessions[opts.Name] = tmux.SessionInfo{Name: opts.Name, Created: time.Now(), LastActivity: time.Now()}
	return true, nil
}

func (m *stubMux) KillSession(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; !ok {
		return &tmux.CommandError{Stderr: "can't find session: " + name, Err: errors.New("exit status 1")}
	}
	delete(m.sessions, name)
	return nil
}

func (m *stubMux) ListSessions(context.Context) ([]tmux.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tmux.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *stubMux) CapturePane(context.Context, string) (string, error) { return "", nil }

func (m *stubMux) CursorPosition(context.Context, string) (int, int, error) { return 0, 0, nil }

func (m *stubMux) InCopyMode(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inMode[name], nil
}

func (m *stubMux) EnterCopyMode(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inMode[name] = true
	return nil
}

func (m *stubMux) SendCopyCommand(_ context.Context, name string, cmd tmux.CopyCommand, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd == tmux.CancelCopyMode {
		m.inMode[name] = false
	}
	return nil
}

// stubProcess prints a prompt and records input
type stubProcess struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	input []byte
}

func (p *stubProcess) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *stubProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = append(p.input, b...)
	return len(b), nil
}

func (p *stubProcess) Resize(services.Size) error { return nil }
func (p *stubProcess) Pid() int                   { return 4242 }
func (p *stubProcess) Signal(os.Signal) error     { return nil }

func (p *stubProcess) Close() error {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
	return nil
}

func (p *stubProcess) Wait() error {
	<-p.done
	return nil
}

type stubSpawner struct {
	mu    sync.Mutex
	procs []*stubProcess
}

func (s *stubSpawner) Spawn(services.SpawnOptions) (services.Process, error) {
	r, w := io.Pipe()
	p := &stubProcess{r: r, w: w, done: make(chan struct{})}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	go func() { _, _ = w.Write([]byte("$ ")) }()
	return p, nil
}

func (s *stubSpawner) written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, p := range s.procs {
		p.mu.Lock()
		out = append(out, p.input...)
		p.mu.Unlock()
	}
	return string(out)
}

type fixture struct {
	mux      *stubMux
	spawner  *stubSpawner
	names    *naming.Registry
	pool     *services.TerminalPool
	rooms    *services.RoomManager
	terminal *TerminalHandler
	sessions *SessionsHandler
	runtime  *config.RuntimeConfig
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()
	mux := newStubMux()
	spawner := &stubSpawner{}
	names := naming.NewRegistry("catterm", "catterm-base", mux)
	pool := services.NewTerminalPool(mux, spawner, names, services.PoolConfig{
		MaxSessions:    maxSessions,
		StartupTimeout: 2 * time.Second,
	})
	t.Cleanup(pool.Stop)

	runtime := &config.RuntimeConfig{Mode: config.NativeMode, WorkspaceDir: t.TempDir()}
	rooms := services.NewRoomManager(pool, services.NewReplayer(mux, 0, 0), nil, services.RoomConfig{})
	return &fixture{
		mux:      mux,
		spawner:  spawner,
		names:    names,
		pool:     pool,
		rooms:    rooms,
		terminal: NewTerminalHandler(rooms, pool, names, services.NewScrollBridge(mux), runtime),
		sessions: NewSessionsHandler(pool, rooms, names, runtime),
		runtime:  runtime,
	}
}

// expect returns the next event on conn that is not terminal output
func expect(t *testing.T, conn *services.Connection) models.OutboundEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-conn.Outbound():
			if ev.Event == models.EventTerminalOutput {
				continue
			}
			return ev
		case <-timeout:
			require.FailNow(t, "no event for "+conn.ID)
		}
	}
}
