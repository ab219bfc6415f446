package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/siteaudit/internal/infra/auth"
)

// token выпускает JWT для операторов и интеграций. Нужен приватный ключ (auth.private_key_path).
func newTokenCommand(cctx *commandContext) *cobra.Command {
	var (
		userID   string
		tenantID string
		scopes   []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cctx.ensure()
			if err != nil {
				return err
			}
			if userID == "" || tenantID == "" {
				return errors.New("--user and --tenant are required")
			}
			key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
			if err != nil {
				return fmt.Errorf("auth private key: %w", err)
			}

			tok, err := auth.NewSigner(key, cfg.Auth.TokenTTL).Issue(userID, tenantID, scopes...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tok)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject (operator or integration id)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Granted scope (repeatable)")
	return cmd
}
