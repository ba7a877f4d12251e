package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/textbook-forge/internal/config"
	"github.com/jonathan/textbook-forge/internal/server"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		Long:  `Signs a JWT with JWT_SECRET that authorizes POST /runs and POST /runs/{id}/cancel.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.JWT.Enabled() {
				return &config.ConfigError{Field: "JWT_SECRET", Message: "is required to issue tokens"}
			}
			token, err := server.NewJWTService(cfg.JWT).GenerateToken(subject)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "Subject (sub claim) of the token")
	return cmd
}
