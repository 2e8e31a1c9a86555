package services

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Size is a terminal size in character cells
type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Process is an attachment process running inside a pseudo-terminal
type Process interface {
	io.ReadWriter
	Resize(size Size) error
	Pid() int
	Signal(sig os.Signal) error
	// Close releases the terminal; the process sees a hangup
	Close() error
	// Wait blocks until the process exits
	Wait() error
}

// SpawnOptions describes an attachment process
type SpawnOptions struct {
	Argv []string
	Dir  string
	Env  []string
	Size Size
}

// Spawner starts attachment processes
type Spawner interface {
	Spawn(opts SpawnOptions) (Process, error)
}

// PTYSpawner starts processes on a real pseudo-terminal
type PTYSpawner struct{}

// Spawn starts opts.Argv with its stdio bound to a new pty
func (PTYSpawner) Spawn(opts SpawnOptions) (Process, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Size.Cols, Rows: opts.Size.Rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Argv[0], err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProcess struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	closeOnce sync.Once
	closeErr  error
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptyProcess) Resize(size Size) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.ptmx.Close()
	})
	return p.closeErr
}

func (p *ptyProcess) Wait() error {
	return p.cmd.Wait()
}
