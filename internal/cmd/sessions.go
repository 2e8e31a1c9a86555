package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/vanpelt/catterm/internal/services"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "📋 List sessions on a catterm server",
	Long: `# 📋 List sessions

Shows every session the server knows about: the ones it has attached and
managed tmux sessions it has not touched yet.`,
	Args: cobra.NoArgs,
	RunE: listSessions,
}

var sessionsPlain bool

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().BoolVar(&sessionsPlain, "plain", false, "Print tab-separated rows")
}

func listSessions(cmd *cobra.Command, args []string) error {
	var sessions []services.SessionSummary
	if err := getJSON("/v1/sessions", &sessions); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if sessionsPlain {
		for _, s := range sessions {
			fmt.Fprintf(out, "%s\t%s\t%d\t%t\n", s.SessionID, s.State, s.Attached, s.ActiveInPool)
		}
		return nil
	}

	md := sessionsTable(sessions, time.Now())
	rendered, err := glamour.Render(md, "auto")
	if err != nil {
		fmt.Fprint(out, md)
		return nil
	}
	fmt.Fprint(out, rendered)
	return nil
}

func sessionsTable(sessions []services.SessionSummary, now time.Time) string {
	if len(sessions) == 0 {
		return "_No sessions._\n"
	}
	var b strings.Builder
	b.WriteString("| Session | State | Clients | Age | Directory |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, s := range sessions {
		state := string(s.State)
		if state == "" {
			state = "tmux only"
		}
		if s.AssistantBound {
			state += " 🤖"
		}
		age := "-"
		if !s.Created.IsZero() {
			age = now.Sub(s.Created).Round(time.Second).String()
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %s |\n", s.SessionID, state, s.Attached, age, s.WorkDir)
	}
	return b.String()
}
