package app

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/config"
	"github.com/mcp-ambassador/ambassador/pkg/session"
	"github.com/mcp-ambassador/ambassador/pkg/store"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Mint credentials",
		Long: `Mint credentials for the ambassador. Plaintext keys are printed exactly
once; only Argon2id hashes are stored.`,
	}
	cmd.AddCommand(newKeysAdminCmd())
	cmd.AddCommand(newKeysUserCmd())
	cmd.AddCommand(newKeysClientCmd())
	return cmd
}

func newKeysAdminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "Mint an admin key",
		Long: `Mint an admin key. Add the printed hash to admin_key_hashes in the
config file; the key itself goes in the X-Admin-Key header.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := session.GenerateKey(session.AdminKeyPrefix)
			if err != nil {
				return err
			}
			hash, err := session.HashKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Admin key: %s\nHash:      %s\n", key, hash)
			return nil
		},
	}
}

func newKeysUserCmd() *cobra.Command {
	var username string
	var admin bool

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			cfg, err := config.Load(configFileFlag(cmd))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return fmt.Errorf("generating vault salt: %w", err)
			}
			user := ambassador.User{
				UserID:    uuid.NewString(),
				Username:  username,
				Status:    ambassador.UserActive,
				IsAdmin:   admin,
				VaultSalt: salt,
			}
			if err := st.CreateUser(ctx, user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User ID: %s\n", user.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Username for the new user")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant admin rights")
	return cmd
}

func newKeysClientCmd() *cobra.Command {
	var username, profileID string
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Create a client and mint its preshared key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || profileID == "" {
				return fmt.Errorf("--username and --profile are required")
			}
			cfg, err := config.Load(configFileFlag(cmd))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			user, err := st.GetUserByUsername(ctx, username)
			if err != nil {
				return err
			}
			if _, err := st.GetProfile(ctx, profileID); err != nil {
				return err
			}

			key, err := session.GenerateKey(session.PresharedKeyPrefix)
			if err != nil {
				return err
			}
			hash, err := session.HashKey(key)
			if err != nil {
				return err
			}
			body := key[len(session.PresharedKeyPrefix):]

			client := ambassador.Client{
				ClientID:  uuid.NewString(),
				UserID:    user.UserID,
				ProfileID: profileID,
				KeyPrefix: body[:session.KeyPrefixLength],
				KeyHash:   hash,
				Status:    ambassador.ClientActive,
			}
			if expiresIn > 0 {
				expiry := time.Now().UTC().Add(expiresIn)
				client.ExpiresAt = &expiry
			}
			if err := st.CreateClient(ctx, client); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Client ID:     %s\nPreshared key: %s\n", client.ClientID, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Owner username")
	cmd.Flags().StringVar(&profileID, "profile", "", "Profile id for the client")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Key lifetime (0 means no expiry)")
	return cmd
}
