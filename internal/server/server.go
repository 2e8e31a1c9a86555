// Package server wires the terminal orchestration layer into a fiber app.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/vanpelt/catterm/internal/config"
	"github.com/vanpelt/catterm/internal/handlers"
	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/middleware"
	"github.com/vanpelt/catterm/internal/naming"
	"github.com/vanpelt/catterm/internal/services"
	"github.com/vanpelt/catterm/internal/tmux"
)

// Server owns every long-lived component of the terminal server
type Server struct {
	cfg     *config.Config
	app     *fiber.App
	pool    *services.TerminalPool
	rooms   *services.RoomManager
	watcher *services.WorkspaceWatcher
}

// Deps lets tests replace the process-facing parts
type Deps struct {
	Mux     services.Multiplexer
	Spawner services.Spawner
	Runtime *config.RuntimeConfig
}

// New builds a server from cfg. Zero Deps fields get the real tmux client,
// pty spawner and detected runtime.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Runtime == nil {
		deps.Runtime = config.Runtime
	}
	if deps.Mux == nil {
		deps.Mux = tmux.NewClient(nil, tmux.Options{
			Binary:  cfg.TmuxBinary,
			Workers: cfg.WorkerLimit,
			Timeout: cfg.CommandTimeout,
		})
	}

	names := naming.NewRegistry(cfg.SessionPrefix, cfg.BaseSession, deps.Mux)
	pool := services.NewTerminalPool(deps.Mux, deps.Spawner, names, services.PoolConfig{
		MaxSessions:     cfg.MaxSessions,
		BufferCap:       cfg.BufferCap,
		CleanupInterval: cfg.CleanupInterval,
		IdleThreshold:   cfg.IdleThreshold,
		StartupTimeout:  cfg.StartupTimeout,
		DefaultSize:     services.Size{Cols: cfg.DefaultCols, Rows: cfg.DefaultRows},
		Env:             cfg.Environ(),
	})

	s := &Server{cfg: cfg, pool: pool}

	var hooks services.RoomHooks = services.NopHooks{}
	if cfg.WatchFiles {
		s.watcher = services.NewWorkspaceWatcher(0, func(roomKey string, paths []string) {
			s.rooms.BroadcastFilesChanged(roomKey, paths)
		})
		hooks = s.watcher
	}
	s.rooms = services.NewRoomManager(pool, services.NewReplayer(deps.Mux, cfg.SettleDelay, cfg.StepDelay), hooks, services.RoomConfig{})

	s.app = fiber.New(fiber.Config{
		AppName:               "catterm",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	s.app.Use(recover.New())
	s.app.Use(handlers.SamplingLogger())

	auth := middleware.NewAuth(cfg.AuthSecret, "/v1/health")
	v1 := s.app.Group("/v1", auth.RequireAuth)
	handlers.NewSessionsHandler(pool, s.rooms, names, deps.Runtime).RegisterRoutes(v1)
	handlers.NewTerminalHandler(s.rooms, pool, names, services.NewScrollBridge(deps.Mux), deps.Runtime).RegisterRoutes(v1)

	return s
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App { return s.app }

// Run serves until ctx is cancelled, then shuts everything down
func (s *Server) Run(ctx context.Context) error {
	s.pool.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("🚀 catterm listening on %s", s.cfg.ListenAddr)
		errCh <- s.app.Listen(s.cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		s.stop()
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	logger.Infof("🛑 Shutting down")
	shutdownErr := s.app.ShutdownWithTimeout(10 * time.Second)
	s.stop()
	return shutdownErr
}

func (s *Server) stop() {
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.pool.Stop()
}
