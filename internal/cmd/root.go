package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "catterm",
	Short: "🖥️ catterm - shared tmux terminals over WebSocket",
	Long: `# 🖥️ catterm

**Long-lived tmux terminals that many clients can watch and drive at once.**

## ✨ Features

- 🔌 **WebSocket terminals** backed by tmux sessions that outlive clients
- 👥 **Rooms** so every client on a session sees the same output
- 🔁 **Screen replay** when a client reconnects
- 📜 **Scrollback** through tmux copy-mode
- 🧹 **Idle cleanup** of abandoned sessions

## 🚀 Getting Started

Run **catterm serve** to start the server, then **catterm attach <name>**
to open a session from your terminal.`,
	SilenceUsage: true,
}

// server flags shared by client commands
var (
	serverURL string
	authToken string
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:6369", "catterm server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "API token (generated from CATTERM_AUTH_SECRET when empty)")

	// Render help as markdown
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderMarkdownHelp(cmd)
	})
}

// renderMarkdownHelp renders a command's help as markdown through glamour
func renderMarkdownHelp(cmd *cobra.Command) {
	var b strings.Builder

	switch {
	case cmd.Long != "":
		b.WriteString(cmd.Long + "\n\n")
	case cmd.Short != "":
		b.WriteString("# " + cmd.Short + "\n\n")
	}

	fmt.Fprintf(&b, "## 📖 Usage\n\n```bash\n%s\n```\n\n", cmd.UseLine())

	if cmd.HasAvailableSubCommands() {
		b.WriteString("## 🔧 Available Commands\n\n")
		for _, sub := range cmd.Commands() {
			if sub.IsAvailableCommand() {
				fmt.Fprintf(&b, "- **%s** - %s\n", sub.Name(), sub.Short)
			}
		}
		b.WriteString("\n")
	}

	writeFlags := func(title, usages string) {
		if usages != "" {
			fmt.Fprintf(&b, "## %s\n\n```\n%s```\n\n", title, usages)
		}
	}
	if cmd.HasAvailableLocalFlags() {
		writeFlags("⚙️  Flags", cmd.LocalFlags().FlagUsages())
	}
	if cmd.HasAvailableInheritedFlags() {
		writeFlags("🌐 Global Flags", cmd.InheritedFlags().FlagUsages())
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		_ = cmd.Usage()
		return
	}
	rendered, err := renderer.Render(b.String())
	if err != nil {
		_ = cmd.Usage()
		return
	}
	fmt.Fprint(cmd.OutOrStdout(), rendered)
}
