package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ignacioreyna/omni-bot/internal/auth"
	"github.com/ignacioreyna/omni-bot/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		email string
		scope string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API or WebSocket token for an owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthMode != config.AuthModeJWT {
				return errors.New("tokens are only used with AUTH_MODE=jwt")
			}
			if scope != auth.ScopeAPI && scope != auth.ScopeWS {
				return fmt.Errorf("unknown scope %q", scope)
			}
			token, err := auth.NewJWTService(cfg.AuthSecret, cfg.APITokenTTL, cfg.WSTokenTTL).Generate(email, scope)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "owner identity")
	cmd.Flags().StringVar(&scope, "scope", auth.ScopeAPI, "token scope (api or ws)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
