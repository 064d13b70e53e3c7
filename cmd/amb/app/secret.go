package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcp-ambassador/ambassador/pkg/config"
	"github.com/mcp-ambassador/ambassador/pkg/session"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the session HMAC secret",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Rotate the session HMAC secret",
		Long: `Rotate the session HMAC secret. Every outstanding session token becomes
invalid; host tools must register again. A running server picks up the
new secret on restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFileFlag(cmd))
			if err != nil {
				return err
			}
			if _, err := session.RotateServerSecret(cfg.DataDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session secret rotated; all session tokens are now invalid.")
			return nil
		},
	})
	return cmd
}
