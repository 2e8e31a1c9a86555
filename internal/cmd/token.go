package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanpelt/catterm/internal/middleware"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "🔑 Issue an API token",
	Long: `# 🔑 Issue an API token

Signs a token with **CATTERM_AUTH_SECRET** for clients that cannot hold the
secret themselves, such as a browser. Pass it as a bearer token, the
**catterm_token** cookie or the **token** query parameter.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("CATTERM_AUTH_SECRET")
		if secret == "" {
			return errors.New("CATTERM_AUTH_SECRET is not set")
		}
		token, err := middleware.GenerateToken(secret, tokenSource, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var (
	tokenTTL    time.Duration
	tokenSource string
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "How long the token is valid")
	tokenCmd.Flags().StringVar(&tokenSource, "source", "browser", "Client kind recorded in the token")
}
