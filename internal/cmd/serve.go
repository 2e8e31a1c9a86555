package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vanpelt/catterm/internal/config"
	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Run the terminal server",
	Long: `# 🚀 Run the terminal server

**Serve tmux-backed terminals** over WebSocket at **/v1/terminal** and a
small REST API under **/v1/sessions**.

## ⚙️ Configuration
Settings come from an optional YAML file (**--config**), then
**CATTERM_*** environment variables, then the flags below.

## 🧹 Cleanup
Sessions nobody has touched for the idle threshold are reclaimed. Stopping
the server leaves tmux sessions running so a restart can reattach them.`,
	RunE: runServe,
}

var (
	configPath  string
	listenAddr  string
	devMode     bool
	maxSessions int
	tmuxBinary  string
	noWatch     bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Development mode: console logs at debug level")
	serveCmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "Maximum number of attached sessions")
	serveCmd.Flags().StringVar(&tmuxBinary, "tmux", "", "tmux binary to use")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch session directories for file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if flags.Changed("dev") {
		cfg.Dev = devMode
	}
	if flags.Changed("max-sessions") {
		cfg.MaxSessions = maxSessions
	}
	if flags.Changed("tmux") {
		cfg.TmuxBinary = tmuxBinary
	}
	if noWatch {
		cfg.WatchFiles = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := logger.GetLogLevelFromEnv(cfg.Dev)
	if os.Getenv("CATTERM_LOG_LEVEL") == "" && os.Getenv("DEBUG") == "" && !cfg.Dev {
		level = logger.ParseLevel(cfg.LogLevel)
	}
	logger.Configure(level, cfg.Dev)
	logger.Infof("🖥️ Runtime %s, workspace %s", config.Runtime.Mode, config.Runtime.WorkspaceDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.New(cfg, server.Deps{}).Run(ctx)
}
