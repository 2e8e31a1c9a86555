package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/vanpelt/catterm/internal/naming"
	"github.com/vanpelt/catterm/internal/tmux"
)

// fakeMux is an in-memory tmux server
type fakeMux struct {
	mu        sync.Mutex
	sessions  map[string]tmux.SessionInfo
	captures  map[string]string
	cursors   map[string][2]int
	inMode    map[string]bool
	commands  []string
	kills     []string
	cursorErr error
	modeErr   error
	listErr   error
	ensureErr error
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		sessions: map[string]tmux.SessionInfo{},
		captures: map[string]string{},
		cursors:  map[string][2]int{},
		inMode:   map[string]bool{},
	}
}

func (f *fakeMux) addSession(info tmux.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[info.Name] = info
}

func (f *fakeMux) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func (f *fakeMux) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeMux) killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kills...)
}

func (f *fakeMux) AttachCommand(name string) []string {
	return []string{"tmux", "attach-session", "-t", "=" + name}
}

func (f *fakeMux) HasSession(_ context.Context, name string) (bool, error) {
	return f.has(name), nil
}

func (f *fakeMux) EnsureSession(_ context.Context, opts tmux.NewSessionOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return false, f.ensureErr
	}
	if _, ok := f.sessions[opts.Name]; ok {
		return false, nil
	}
	now := time.Now()
	f.sessions[opts.Name] = tmux.SessionInfo{Name: opts.Name, Created: now, LastActivity: now}
	return true, nil
}

func (f *fakeMux) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return &tmux.CommandError{Args: []string{"kill-session"}, Stderr: "can't find session: " + name, Err: errors.New("exit status 1")}
	}
	delete(f.sessions, name)
	f.kills = append(f.kills, name)
	return nil
}

func (f *fakeMux) ListSessions(context.Context) ([]tmux.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]tmux.SessionInfo, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeMux) CapturePane(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return "", &tmux.CommandError{Stderr: "can't find session: " + name, Err: errors.New("exit status 1")}
	}
	return f.captures[name], nil
}

func (f *fakeMux) CursorPosition(_ context.Context, name string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursorErr != nil {
		return 0, 0, f.cursorErr
	}
	c := f.cursors[name]
	return c[0], c[1], nil
}

func (f *fakeMux) InCopyMode(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modeErr != nil {
		return false, f.modeErr
	}
	return f.inMode[name], nil
}

func (f *fakeMux) EnterCopyMode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inMode[name] = true
	f.commands = append(f.commands, "copy-mode")
	return nil
}

func (f *fakeMux) SendCopyCommand(_ context.Context, name string, cmd tmux.CopyCommand, repeat int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inMode[name] {
		return &tmux.CommandError{Stderr: "not in a mode", Err: errors.New("exit status 1")}
	}
	f.commands = append(f.commands, fmt.Sprintf("%s x%d", cmd, repeat))
	if cmd == tmux.CancelCopyMode {
		f.inMode[name] = false
	}
	return nil
}

// fakeProcess is an attachment process whose output the test controls
type fakeProcess struct {
	pid  int
	outR *io.PipeReader
	outW *io.PipeWriter

	mu       sync.Mutex
	input    bytes.Buffer
	size     Size
	closed   bool
	signals  []os.Signal
	exited   chan struct{}
	exitOnce sync.Once
}

func newFakeProcess(pid int, size Size) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{pid: pid, outR: r, outW: w, size: size, exited: make(chan struct{})}
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	return p.input.Write(b)
}

func (p *fakeProcess) Resize(size Size) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = size
	return nil
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == os.Kill {
		p.exit()
	}
	return nil
}

// Close hangs up the terminal, which ends a tmux client
func (p *fakeProcess) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.outW.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) emit(s string) {
	_, _ = p.outW.Write([]byte(s))
}

func (p *fakeProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *fakeProcess) currentSize() Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// fakeSpawner hands out fakeProcesses that print greeting once started
type fakeSpawner struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	opts     []SpawnOptions
	greeting string
	delay    time.Duration
	err      error
}

func (s *fakeSpawner) Spawn(opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(1000+len(s.procs), opts.Size)
	s.procs = append(s.procs, p)
	s.opts = append(s.opts, opts)

	if greeting, delay := s.greeting, s.delay; greeting != "" {
		go func() {
			time.Sleep(delay)
			p.emit(greeting)
		}()
	}
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// recordingListener collects session notifications
type recordingListener struct {
	mu     sync.Mutex
	output []string
	exits  []State
}

func (l *recordingListener) OnOutput(_ string, chunk OutputChunk) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = append(l.output, string(chunk.Data))
}

func (l *recordingListener) OnExit(_ string, state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exits = append(l.exits, state)
}

func (l *recordingListener) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b bytes.Buffer
	for _, o := range l.output {
		b.WriteString(o)
	}
	return b.String()
}

func (l *recordingListener) exitStates() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.exits...)
}

func testRegistry(mux *fakeMux) *naming.Registry {
	return naming.NewRegistry("catterm", "catterm-base", mux)
}
